// Package events implements the real-time pub/sub hub that pushes server
// state changes to monitoring subscribers over WebSocket. The job runner,
// the persistence engine, and the pairing coordinator publish here; the
// monitor listener upgrades /events connections into subscribers.
//
// Topic naming convention:
//
//	job:<uuid>  — state and progress updates for a specific job
//	jobs        — state transitions of all jobs
//	transfer    — persistence move progress
//	server      — pairing and pause state changes
package events

// MessageType identifies the kind of event carried by a Message.
type MessageType string

const (
	// MsgJobState is sent when a job transitions between states
	// (waiting → running → done | error | aborted).
	MsgJobState MessageType = "job.state"

	// MsgJobProgress is sent on runner progress callbacks, rate-limited to
	// one frame per second per job.
	MsgJobProgress MessageType = "job.progress"

	// MsgEntityPurged is sent when the persistence engine removes an entity.
	MsgEntityPurged MessageType = "entity.purged"

	// MsgTransfer is sent while a storage is being moved to its
	// persistence move-to target.
	MsgTransfer MessageType = "transfer"

	// MsgServerState is sent on pairing and pause-flag changes.
	MsgServerState MessageType = "server.state"
)

// Message is the envelope for every frame sent to subscribers.
type Message struct {
	Type    MessageType `json:"type"`
	Topic   string      `json:"topic"`
	Payload any         `json:"payload"`
}
