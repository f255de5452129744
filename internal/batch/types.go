// Package batch implements the change-batching half of the collaboration
// engine. It coalesces local diagram commands and remote collaboration
// events into bounded, priority-ordered ChangeBatch values for downstream
// consumption by the graph-mutation applier.
package batch

import (
	"sort"
	"time"
)

// CommandType discriminates structural diagram mutations.
type CommandType string

// Command types produced by the local editing surface.
const (
	CommandCellAdd      CommandType = "cell_add"
	CommandCellRemove   CommandType = "cell_remove"
	CommandCellMove     CommandType = "cell_move"
	CommandCellResize   CommandType = "cell_resize"
	CommandEdgeConnect  CommandType = "edge_connect"
	CommandPropertyEdit CommandType = "property_edit"
)

// Command is a structural, user- or system-originated diagram mutation.
// Immutable once created; the assembler copies it into batches by value.
type Command struct {
	Type      CommandType
	UserID    string
	DiagramID string
	CellID    string
	Payload   map[string]any
}

// EventType discriminates remote-origin collaboration notifications.
type EventType string

// Event types received from the collaboration socket.
const (
	EventDiagramUpdate  EventType = "diagram_update"
	EventCellsAdded     EventType = "cells_added"
	EventCellsRemoved   EventType = "cells_removed"
	EventUserJoin       EventType = "user_join"
	EventUserLeave      EventType = "user_leave"
	EventResyncRequired EventType = "resync_required"
)

// CollaborationEvent is a remote participant's action as seen by this
// client. Immutable once created.
type CollaborationEvent struct {
	Type      EventType
	UserID    string
	DiagramID string
	Payload   map[string]any
}

// Priority orders batches by urgency. Higher values are more urgent.
type Priority int

// Batch priorities, lowest to highest.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase priority name for logging.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Metadata summarizes a batch's contents: contributing users, affected
// diagrams, and distinct change-type tags. All slices are sorted.
type Metadata struct {
	UserIDs     []string
	DiagramIDs  []string
	ChangeTypes []string
}

// ChangeBatch is an immutable group of pending commands and events flushed
// together. Commands and events retain their submission order. A batch is
// emitted at most once and never mutated after emission.
type ChangeBatch struct {
	ID        string
	Commands  []Command
	Events    []CollaborationEvent
	Timestamp time.Time
	Priority  Priority
	Metadata  Metadata
}

// Size returns the total item count (commands plus events).
func (b *ChangeBatch) Size() int {
	return len(b.Commands) + len(b.Events)
}

// buildMetadata derives the metadata sets from a batch's contents.
func buildMetadata(commands []Command, events []CollaborationEvent) Metadata {
	users := make(map[string]struct{})
	diagrams := make(map[string]struct{})
	types := make(map[string]struct{})

	for i := range commands {
		if commands[i].UserID != "" {
			users[commands[i].UserID] = struct{}{}
		}

		if commands[i].DiagramID != "" {
			diagrams[commands[i].DiagramID] = struct{}{}
		}

		types[string(commands[i].Type)] = struct{}{}
	}

	for i := range events {
		if events[i].UserID != "" {
			users[events[i].UserID] = struct{}{}
		}

		if events[i].DiagramID != "" {
			diagrams[events[i].DiagramID] = struct{}{}
		}

		types[string(events[i].Type)] = struct{}{}
	}

	return Metadata{
		UserIDs:     sortedKeys(users),
		DiagramIDs:  sortedKeys(diagrams),
		ChangeTypes: sortedKeys(types),
	}
}

// sortedKeys returns the keys of a string set in sorted order.
// Deterministic metadata ordering keeps batch logging and tests stable.
func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
