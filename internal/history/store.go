package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/tmeditor/collabengine/internal/batch"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Entry is one recorded undo/redo ledger row: the structural commands of
// a single admitted batch.
type Entry struct {
	ID          string
	BatchID     string
	DiagramID   string
	UserIDs     []string
	ChangeTypes []string
	Commands    []batch.Command
	CreatedAt   time.Time
}

// Store persists admitted history entries in SQLite. It is the
// enforcement point for the admission contract at the persistence
// boundary: Record refuses visual-only commands by construction because
// it records only what Admit lets through.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenStore opens (or creates) the history database at path and applies
// pending schema migrations.
func OpenStore(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: opening database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: enabling WAL mode: %w", err)
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("history: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("history: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("history: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record admits a batch and persists one entry per affected diagram
// containing its structural commands. Batches whose commands are all
// visual-only (or that carry only remote events) produce no entries.
// Returns the number of entries written.
func (s *Store) Record(ctx context.Context, b *batch.ChangeBatch) (int, error) {
	structural, discarded := Admit(b)

	if discarded > 0 {
		s.logger.Debug("visual-only commands excluded from history",
			slog.String("batch_id", b.ID),
			slog.Int("discarded", discarded),
		)
	}

	if len(structural) == 0 {
		return 0, nil
	}

	byDiagram := make(map[string][]batch.Command)
	for _, cmd := range structural {
		byDiagram[cmd.DiagramID] = append(byDiagram[cmd.DiagramID], cmd)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("history: beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	written := 0

	for diagramID, cmds := range byDiagram {
		payload, err := json.Marshal(cmds)
		if err != nil {
			return 0, fmt.Errorf("history: encoding commands: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO history_entries
			 (id, batch_id, diagram_id, user_ids, change_types, payload, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(),
			b.ID,
			diagramID,
			strings.Join(b.Metadata.UserIDs, ","),
			strings.Join(commandTypes(cmds), ","),
			string(payload),
			b.Timestamp.UnixNano(),
		)
		if err != nil {
			return 0, fmt.Errorf("history: inserting entry: %w", err)
		}

		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("history: committing entries: %w", err)
	}

	return written, nil
}

// Recent returns up to limit entries for a diagram, newest first.
func (s *Store) Recent(ctx context.Context, diagramID string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_id, diagram_id, user_ids, change_types, payload, created_at
		 FROM history_entries
		 WHERE diagram_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		diagramID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: querying entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		var (
			e           Entry
			users       string
			changeTypes string
			payload     string
			createdAt   int64
		)

		if err := rows.Scan(&e.ID, &e.BatchID, &e.DiagramID, &users, &changeTypes, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("history: scanning entry: %w", err)
		}

		if users != "" {
			e.UserIDs = strings.Split(users, ",")
		}

		if changeTypes != "" {
			e.ChangeTypes = strings.Split(changeTypes, ",")
		}

		if err := json.Unmarshal([]byte(payload), &e.Commands); err != nil {
			return nil, fmt.Errorf("history: decoding commands: %w", err)
		}

		e.CreatedAt = time.Unix(0, createdAt)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterating entries: %w", err)
	}

	return entries, nil
}

// Prune deletes all but the newest keep entries per diagram. Bounds the
// ledger for long-lived editing sessions.
func (s *Store) Prune(ctx context.Context, diagramID string, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM history_entries
		 WHERE diagram_id = ?
		 AND id NOT IN (
		     SELECT id FROM history_entries
		     WHERE diagram_id = ?
		     ORDER BY created_at DESC
		     LIMIT ?
		 )`,
		diagramID, diagramID, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("history: pruning entries: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: counting pruned rows: %w", err)
	}

	return n, nil
}

// commandTypes returns the distinct command type tags in order of first
// appearance.
func commandTypes(cmds []batch.Command) []string {
	seen := make(map[batch.CommandType]struct{})

	var types []string

	for _, cmd := range cmds {
		if _, ok := seen[cmd.Type]; ok {
			continue
		}

		seen[cmd.Type] = struct{}{}
		types = append(types, string(cmd.Type))
	}

	return types
}
