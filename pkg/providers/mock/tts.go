package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxlabs/voicebridge/pkg/adapters/tts"
)

// Synthesizer emits deterministic chunks and records calls.
type Synthesizer struct {
	mu     sync.Mutex
	Chunks [][]byte
	Err    error

	calls    int
	lastReq  tts.Request
}

func NewSynthesizer() *Synthesizer {
	return &Synthesizer{Chunks: [][]byte{make([]byte, 160)}}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Stream(ctx context.Context, req tts.Request, onChunk func([]byte)) (tts.Metrics, error) {
	s.mu.Lock()
	s.calls++
	s.lastReq = req
	chunks := s.Chunks
	err := s.Err
	s.mu.Unlock()

	start := time.Now()
	if err != nil {
		return tts.Metrics{}, err
	}
	var m tts.Metrics
	for _, c := range chunks {
		if m.ChunkCount == 0 {
			m.TimeToFirstByteMs = time.Since(start).Milliseconds()
		}
		m.ChunkCount++
		m.ByteCount += len(c)
		onChunk(c)
	}
	m.TotalMs = time.Since(start).Milliseconds()
	return m, nil
}

func (s *Synthesizer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Synthesizer) LastRequest() tts.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReq
}

var _ tts.StreamSynthesizer = (*Synthesizer)(nil)
