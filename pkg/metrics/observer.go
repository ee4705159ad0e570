package metrics

import "time"

// Event names recorded by the conversation core.
const (
	EventUtteranceFinal = "utterance_final"
	EventGenerateDone   = "generate_done"
	EventSynthesisDone  = "synthesis_done"
	EventTurnComplete   = "turn_complete"
)

type Event struct {
	Name   string
	Time   time.Time
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev Event)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(Event) {}
