// Package websocket implements the real-time pub/sub hub that pushes
// backup progress and log lines to connected clients over
// gorilla/websocket. There are exactly two topics: "backup:progress" and
// "logs" — no per-user or per-job topic fan-out, since this daemon backs
// up a single host with no multi-tenant concept.
package websocket

// Topic names. Fixed, not parameterized — see package doc.
const (
	TopicBackupProgress = "backup:progress"
	TopicLogs           = "logs"
)

// MessageType identifies the kind of event carried by a Message.
type MessageType string

const (
	// MsgProgress carries an orchestrator.Progress or restore.Progress snapshot.
	MsgProgress MessageType = "backup.progress"
	// MsgLog carries a single structured log line.
	MsgLog MessageType = "log.line"
)

// Message is the envelope for every WebSocket frame sent to clients.
type Message struct {
	Type    MessageType `json:"type"`
	Topic   string      `json:"topic"`
	Payload any         `json:"payload"`
}

// LogLine is the payload of a MsgLog message.
type LogLine struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}
