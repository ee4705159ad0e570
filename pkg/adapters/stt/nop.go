package stt

import (
	"context"
	"sync"

	"github.com/voxlabs/voicebridge/pkg/frames"
)

// NopStream accepts audio and produces no transcripts. Sessions run in
// degraded mode against it when the STT provider is unavailable.
type NopStream struct {
	out  chan frames.Frame
	once sync.Once
}

func NewNopStream() *NopStream {
	return &NopStream{out: make(chan frames.Frame)}
}

func (s *NopStream) Name() string                    { return "nop_stt" }
func (s *NopStream) Start(ctx context.Context) error { return nil }
func (s *NopStream) SendAudio(audio []byte) error    { return nil }
func (s *NopStream) Results() <-chan frames.Frame    { return s.out }

func (s *NopStream) Close() error {
	s.once.Do(func() { close(s.out) })
	return nil
}

var _ LiveStream = (*NopStream)(nil)
