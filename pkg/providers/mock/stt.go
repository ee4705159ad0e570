package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxlabs/voicebridge/pkg/adapters/stt"
	"github.com/voxlabs/voicebridge/pkg/frames"
)

// STTStream is a scriptable live transcription stream for tests.
type STTStream struct {
	streamID string
	out      chan frames.Frame
	mu       sync.Mutex
	audio    [][]byte
	closed   bool
	once     sync.Once
}

func NewSTTStream(streamID string) *STTStream {
	return &STTStream{
		streamID: streamID,
		out:      make(chan frames.Frame, 64),
	}
}

func (s *STTStream) Name() string                    { return "mock_stt" }
func (s *STTStream) Start(ctx context.Context) error { return nil }
func (s *STTStream) Results() <-chan frames.Frame    { return s.out }

func (s *STTStream) SendAudio(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, audio)
	return nil
}

func (s *STTStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.out) })
	return nil
}

func (s *STTStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *STTStream) AudioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.audio {
		n += len(a)
	}
	return n
}

// EmitTranscript pushes a transcript event as the provider would.
func (s *STTStream) EmitTranscript(text string, isFinal bool) {
	meta := map[string]string{
		frames.MetaStreamID: s.streamID,
		frames.MetaSource:   "stt",
		frames.MetaIsFinal:  "false",
	}
	if isFinal {
		meta[frames.MetaIsFinal] = "true"
	}
	s.out <- frames.NewTextFrame(s.streamID, time.Now().UnixNano(), text, meta)
}

var _ stt.LiveStream = (*STTStream)(nil)
