package collab

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/oauth2"

	"github.com/tmeditor/collabengine/internal/batch"
)

// Reconnect backoff bounds for the listen loop.
const (
	initialBackoff    = 5 * time.Second
	maxBackoff        = 60 * time.Second
	backoffMultiplier = 2
)

// EventSink accepts translated collaboration events. Satisfied by
// batch.Assembler.
type EventSink interface {
	SubmitEvent(evt batch.CollaborationEvent)
}

// Listener maintains a websocket connection to a diagram's collaboration
// session and feeds translated events into the sink. Connection drops
// reconnect with exponential backoff, resetting after a successful
// connect.
type Listener struct {
	baseURL   string // ws(s) scheme, e.g. "wss://tmi.example.com"
	diagramID string
	token     oauth2.TokenSource
	sink      EventSink

	// onResyncRequired fires when the server demands a full resync
	// (typically wired to Coordinator.TriggerResync).
	onResyncRequired func()

	logger    *slog.Logger
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewListener creates a listener for one diagram's collaboration socket.
func NewListener(baseURL, diagramID string, token oauth2.TokenSource, sink EventSink, onResyncRequired func(), logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}

	return &Listener{
		baseURL:          baseURL,
		diagramID:        diagramID,
		token:            token,
		sink:             sink,
		onResyncRequired: onResyncRequired,
		logger:           logger,
		sleepFunc:        timeSleep,
	}
}

// Listen connects and processes messages until the context is canceled,
// returning nil. Dial and read failures are logged and retried with
// backoff; they are never fatal.
func (l *Listener) Listen(ctx context.Context) error {
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := l.runConnection(ctx, &backoff)
		if ctx.Err() != nil {
			return nil
		}

		l.logger.Warn("collaboration connection lost, reconnecting",
			slog.String("diagram_id", l.diagramID),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := l.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil
		}

		backoff = min(backoff*backoffMultiplier, maxBackoff)
	}
}

// runConnection dials, then reads frames until the connection fails.
// Resets the caller's backoff once a connection is established.
func (l *Listener) runConnection(ctx context.Context, backoff *time.Duration) error {
	conn, err := l.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	*backoff = initialBackoff

	l.logger.Info("collaboration session joined",
		slog.String("diagram_id", l.diagramID),
	)

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("collab: reading frame: %w", err)
		}

		l.handleFrame(raw)
	}
}

// dial opens the websocket with a bearer token header.
func (l *Listener) dial(ctx context.Context) (*websocket.Conn, error) {
	tok, err := l.token.Token()
	if err != nil {
		return nil, fmt.Errorf("collab: obtaining token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok.AccessToken)

	url := fmt.Sprintf("%s/ws/diagrams/%s", l.baseURL, l.diagramID)

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("collab: dialing %s: %w", url, err)
	}

	return conn, nil
}

// handleFrame translates one frame and routes the result. Malformed or
// unknown frames are logged and skipped; a bad frame must not kill the
// session.
func (l *Listener) handleFrame(raw []byte) {
	t, err := translate(raw)
	if err != nil {
		l.logger.Warn("skipping collaboration frame",
			slog.String("diagram_id", l.diagramID),
			slog.String("error", err.Error()),
		)

		return
	}

	if t.needsResync {
		l.logger.Info("server requested resync",
			slog.String("diagram_id", l.diagramID),
		)

		if l.onResyncRequired != nil {
			l.onResyncRequired()
		}

		return
	}

	if t.event != nil {
		l.sink.SubmitEvent(*t.event)
	}
}

// timeSleep waits for the given duration or until the context is
// canceled. Default sleepFunc for Listener.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
