package publish

import (
	"log/slog"
	"time"
)

type EventType string

const (
	EventStarted    EventType = "started"
	EventStopped    EventType = "stopped"
	EventTranscript EventType = "transcript"
	EventResponse   EventType = "response"
	EventError      EventType = "error"
)

// Event is one status or transcript notification for observers of a live
// conversation. Events for a session are published in the order they
// occur; there is no cross-session ordering.
type Event struct {
	Type     EventType `json:"type"`
	StreamID string    `json:"streamId"`
	CallID   string    `json:"callId,omitempty"`
	Text     string    `json:"text,omitempty"`
	IsFinal  bool      `json:"isFinal,omitempty"`
	Turn     int       `json:"turn,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Time     time.Time `json:"time"`
}

// Publisher fans out session events to observers. Implementations must
// not block the caller; slow consumers drop events rather than stall the
// conversation.
type Publisher interface {
	Publish(ev Event)
}

type Nop struct{}

func (Nop) Publish(Event) {}

// LogPublisher writes every event to the structured log.
type LogPublisher struct {
	Log *slog.Logger
}

func (p LogPublisher) Publish(ev Event) {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("session_event",
		slog.String("type", string(ev.Type)),
		slog.String("stream_id", ev.StreamID),
		slog.String("call_id", ev.CallID),
		slog.String("text", ev.Text),
		slog.Bool("is_final", ev.IsFinal),
		slog.Int("turn", ev.Turn),
		slog.String("detail", ev.Detail),
	)
}

// Multi publishes to every wrapped publisher in order.
type Multi []Publisher

func (m Multi) Publish(ev Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ev)
		}
	}
}
