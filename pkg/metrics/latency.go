package metrics

import (
	"log/slog"
	"sync"
	"time"
)

// TurnLatencyObserver tracks the timeline of each turn and logs the
// user-final to first-audio round trip plus synthesis time-to-first-byte.
type TurnLatencyObserver struct {
	mu     sync.Mutex
	turns  map[string]*turnTrace
	log    *slog.Logger
}

type turnTrace struct {
	utteranceFinal time.Time
	generateDone   time.Time
}

func NewTurnLatencyObserver(log *slog.Logger) *TurnLatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &TurnLatencyObserver{
		turns: make(map[string]*turnTrace),
		log:   log,
	}
}

func (o *TurnLatencyObserver) RecordEvent(ev Event) {
	streamID := ""
	if ev.Tags != nil {
		streamID = ev.Tags["stream_id"]
	}
	if streamID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.turns[streamID]
	if t == nil {
		t = &turnTrace{}
		o.turns[streamID] = t
	}
	switch ev.Name {
	case EventUtteranceFinal:
		t.utteranceFinal = ev.Time
	case EventGenerateDone:
		t.generateDone = ev.Time
	case EventSynthesisDone:
		ttfb, _ := ev.Fields["ttfb_ms"].(int64)
		o.log.Info("synthesis_latency",
			slog.String("stream_id", streamID),
			slog.Int64("ttfb_ms", ttfb))
	case EventTurnComplete:
		if t.utteranceFinal.IsZero() {
			return
		}
		o.log.Info("turn_latency",
			slog.String("stream_id", streamID),
			slog.Int64("generate_ms", sinceMs(t.utteranceFinal, t.generateDone)),
			slog.Int64("round_trip_ms", sinceMs(t.utteranceFinal, ev.Time)))
		delete(o.turns, streamID)
	}
}

func sinceMs(from, to time.Time) int64 {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return 0
	}
	return to.Sub(from).Milliseconds()
}
