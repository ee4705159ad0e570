package tts

import (
	"context"
	"fmt"
)

// Request describes one synthesis of a complete utterance.
type Request struct {
	Text            string
	VoiceID         string
	Stability       float64
	SimilarityBoost float64
	// LatencyHint trades quality for time-to-first-byte (0 = provider default).
	LatencyHint int
}

// Metrics is the terminal record of one synthesis stream. Time-to-first-
// byte is the primary perceived-latency metric for voice replies.
type Metrics struct {
	TimeToFirstByteMs int64
	TotalMs           int64
	ChunkCount        int
	ByteCount         int
}

// StreamSynthesizer streams synthesized audio for one utterance. Chunks
// are forwarded to onChunk in arrival order with no extra buffering; the
// returned metrics cover the whole stream. Implementations expose no
// retry — an aborted synthesis simply ends that turn.
type StreamSynthesizer interface {
	Name() string
	Stream(ctx context.Context, req Request, onChunk func([]byte)) (Metrics, error)
}

// StatusError reports a non-success provider response. Chunks already
// delivered before the failure are not retracted.
type StatusError struct {
	Code int
	Body string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("synthesis status %d: %s", e.Code, e.Body)
}
