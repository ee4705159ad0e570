package mediaws

// Inbound control envelope, one JSON object per websocket message.
// Telephony peers use provider field names (callSid/streamSid); browser
// clients use the plain names. Both are accepted.
type Envelope struct {
	Event      string          `json:"event"`
	Start      *StartEvent     `json:"start,omitempty"`
	Transcript *TranscriptEvent `json:"transcript,omitempty"`
	Media      *MediaEvent     `json:"media,omitempty"`
	Stop       *StopEvent      `json:"stop,omitempty"`
}

type StartEvent struct {
	CallID   string `json:"callId"`
	StreamID string `json:"streamId"`
	CallSID  string `json:"callSid"`
	StreamSID string `json:"streamSid"`
}

// callID returns the call identifier regardless of naming convention.
func (s StartEvent) callID() string {
	if s.CallID != "" {
		return s.CallID
	}
	return s.CallSID
}

func (s StartEvent) streamID() string {
	if s.StreamID != "" {
		return s.StreamID
	}
	return s.StreamSID
}

// TranscriptEvent arrives on the browser path only; telephony transcripts
// are derived from raw audio by the speech-to-text adapter.
type TranscriptEvent struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence"`
}

type MediaEvent struct {
	// Payload is a base64-encoded audio frame.
	Payload string `json:"payload"`
}

type StopEvent struct {
	Reason string `json:"reason"`
}

// Outbound envelopes.

type outMedia struct {
	Event    string      `json:"event"`
	StreamID string      `json:"streamId"`
	Media    outMediaPayload `json:"media"`
}

type outMediaPayload struct {
	Payload string `json:"payload"`
}

type outSay struct {
	Event string `json:"event"`
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

type outClear struct {
	Event    string `json:"event"`
	StreamID string `json:"streamId"`
}

type outStatus struct {
	Type   string `json:"type"`
	Name   string `json:"name,omitempty"`
	Detail string `json:"detail,omitempty"`
}
