// Package collab connects to the TMI collaboration socket and translates
// remote participants' messages into CollaborationEvents for the batch
// assembler. Purely visual notifications (cursor movement) are dropped
// here so they never enter the batching path, and resync_required
// messages fire the resync coordinator instead of becoming events.
package collab

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tmeditor/collabengine/internal/batch"
	"github.com/tmeditor/collabengine/internal/diagram"
)

// Wire message types sent by the collaboration server.
const (
	msgDiagramUpdate  = "diagram_update"
	msgCellsAdded     = "cells_added"
	msgCellsRemoved   = "cells_removed"
	msgCursorMove     = "cursor_move"
	msgUserJoin       = "user_join"
	msgUserLeave      = "user_leave"
	msgResyncRequired = "resync_required"
)

// wireMessage is the JSON envelope on the collaboration socket.
type wireMessage struct {
	Type      string         `json:"type"`
	UserID    string         `json:"user_id"`
	DiagramID string         `json:"diagram_id"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// translation is the engine-side meaning of one wire message: an event
// for the assembler, a resync trigger, or nothing (visual-only traffic).
type translation struct {
	event       *batch.CollaborationEvent
	needsResync bool
}

// translate decodes a raw socket frame and classifies it. Unknown
// message types return an error so the listener can log and continue.
func translate(raw []byte) (translation, error) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return translation{}, fmt.Errorf("collab: decoding message: %w", err)
	}

	switch msg.Type {
	case msgCursorMove:
		// Visual-only: never enters the batching path.
		return translation{}, nil

	case msgResyncRequired:
		return translation{needsResync: true}, nil

	case msgDiagramUpdate, msgCellsAdded, msgCellsRemoved, msgUserJoin, msgUserLeave:
		return translation{event: toEvent(&msg)}, nil

	default:
		return translation{}, fmt.Errorf("collab: unknown message type %q", msg.Type)
	}
}

// toEvent converts a wire message into a CollaborationEvent, normalizing
// any label text to NFC on the way in.
func toEvent(msg *wireMessage) *batch.CollaborationEvent {
	data := msg.Data

	if label, ok := data["label"].(string); ok {
		normalized := diagram.NormalizeLabel(label)
		if normalized != label {
			data = make(map[string]any, len(msg.Data))
			for k, v := range msg.Data {
				data[k] = v
			}

			data["label"] = normalized
		}
	}

	return &batch.CollaborationEvent{
		Type:      batch.EventType(msg.Type),
		UserID:    msg.UserID,
		DiagramID: msg.DiagramID,
		Payload:   data,
	}
}
