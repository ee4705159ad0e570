package stt

import (
	"context"

	"github.com/voxlabs/voicebridge/pkg/frames"
)

// Source identifies where a connection's audio originates. Telephony
// audio arrives as 8kHz mu-law; browser audio as 16kHz linear PCM.
type Source string

const (
	SourceTelephony Source = "telephony"
	SourceBrowser   Source = "browser"
)

// Encoding returns the provider encoding name for the source.
func (s Source) Encoding() string {
	if s == SourceTelephony {
		return "mulaw"
	}
	return "linear16"
}

// SampleRate returns the audio sample rate for the source.
func (s Source) SampleRate() int {
	if s == SourceTelephony {
		return 8000
	}
	return 16000
}

// LiveStream is one live transcription stream. Transcript events are
// delivered asynchronously on Results as text frames carrying the
// is_final metadata flag; SendAudio must never block on provider I/O.
type LiveStream interface {
	Name() string
	Start(ctx context.Context) error
	SendAudio(audio []byte) error
	Close() error
	Results() <-chan frames.Frame
}

// Factory opens a live stream for a session. Implementations return a
// NopStream instead of an error when the provider is unavailable, so a
// missing credential degrades transcription rather than failing the call.
type Factory func(source Source, streamID, callID, traceID string) LiveStream
