package session

import "github.com/voxlabs/voicebridge/pkg/agent"

// DefaultShortResponseThreshold is the word count at or below which a
// reply goes through fast pass-through. Streaming synthesis pays a fixed
// connection-setup latency that is not worth it for very short replies.
const DefaultShortResponseThreshold = 15

// Dispatcher picks the synthesis engine for a response.
type Dispatcher struct {
	// StreamingEnabled is the process-wide streaming synthesis toggle.
	StreamingEnabled bool
	// ShortResponseThreshold is the pass-through cutoff in words.
	ShortResponseThreshold int
	// DefaultVoice names the transport's built-in voice for pass-through.
	DefaultVoice string
	// LatencyHint is forwarded to the streaming synthesizer.
	LatencyHint int
}

func NewDispatcher(streamingEnabled bool, threshold int, defaultVoice string) *Dispatcher {
	if threshold <= 0 {
		threshold = DefaultShortResponseThreshold
	}
	return &Dispatcher{
		StreamingEnabled:       streamingEnabled,
		ShortResponseThreshold: threshold,
		DefaultVoice:           defaultVoice,
	}
}

// UseStreaming reports whether the response should go through the
// streaming synthesizer rather than transport pass-through.
func (d *Dispatcher) UseStreaming(response string, voice agent.Voice) bool {
	return d.StreamingEnabled &&
		WordCount(response) > d.ShortResponseThreshold &&
		voice.VoiceID != ""
}
