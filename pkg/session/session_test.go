package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxlabs/voicebridge/pkg/adapters/stt"
	"github.com/voxlabs/voicebridge/pkg/adapters/tts"
	"github.com/voxlabs/voicebridge/pkg/agent"
	"github.com/voxlabs/voicebridge/pkg/frames"
	"github.com/voxlabs/voicebridge/pkg/llm"
	"github.com/voxlabs/voicebridge/pkg/providers/mock"
	"github.com/voxlabs/voicebridge/pkg/publish"
)

type captureSink struct {
	mu     sync.Mutex
	frames []frames.Frame
}

func (c *captureSink) Send(f frames.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *captureSink) Frames() []frames.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frames.Frame(nil), c.frames...)
}

func (c *captureSink) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []publish.Event
}

func (c *capturePublisher) Publish(ev publish.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturePublisher) ByType(t publish.EventType) []publish.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []publish.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type captureStore struct {
	mu      sync.Mutex
	agents  map[string]agent.Config
	calls   map[string]string
	appends []string
}

func newCaptureStore() *captureStore {
	return &captureStore{
		agents: make(map[string]agent.Config),
		calls:  make(map[string]string),
	}
}

func (s *captureStore) AppendMessage(ctx context.Context, conversationRef, role, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends = append(s.appends, conversationRef+"|"+role+"|"+text)
	return nil
}

func (s *captureStore) ResolveAgent(ctx context.Context, agentID string) (agent.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents[agentID].WithDefaults(), nil
}

func (s *captureStore) ResolveAgentByCallID(ctx context.Context, callID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[callID], nil
}

func (s *captureStore) Appends() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.appends...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestTurnEndToEnd(t *testing.T) {
	sink := &captureSink{}
	pub := &capturePublisher{}
	st := newCaptureStore()
	st.calls["CA1"] = "agent-7"
	st.agents["agent-7"] = agent.Config{Name: "Ava", Voice: agent.Voice{VoiceID: "v-1"}}
	gen := mock.NewLLMAdapter("Happy to help.")

	s := New("sess-1", stt.SourceTelephony, Deps{
		Generator:  gen,
		Dispatcher: NewDispatcher(true, 15, "alice"),
		Store:      st,
		Publisher:  pub,
		Send:       sink.Send,
	})
	s.HandleStart(context.Background(), "CA1", "MZ1")
	if s.State() != StateActive {
		t.Fatalf("expected ACTIVE, got %s", s.State())
	}
	if len(pub.ByType(publish.EventStarted)) != 1 {
		t.Fatalf("expected started event")
	}

	s.HandleTranscript("Hello there how are you today", true)
	s.WaitTurns()

	history := s.History()
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Role != llm.RoleUser || history[0].Content != "Hello there how are you today" {
		t.Fatalf("unexpected user entry: %+v", history[0])
	}
	if history[1].Role != llm.RoleAssistant || history[1].Content != "Happy to help." {
		t.Fatalf("unexpected assistant entry: %+v", history[1])
	}
	if s.TurnCount() != 1 {
		t.Fatalf("expected turnCount 1, got %d", s.TurnCount())
	}
	if !strings.Contains(gen.LastSystem(), "Ava") {
		t.Fatalf("expected system prompt built from agent config, got %q", gen.LastSystem())
	}
	if len(gen.LastHistory()) != 1 {
		t.Fatalf("expected generator called with just the user turn, got %d entries", len(gen.LastHistory()))
	}

	// Short reply goes through fast pass-through.
	var sawSay bool
	for _, f := range sink.Frames() {
		if cf, ok := f.(frames.ControlFrame); ok && cf.Code() == frames.ControlSay {
			sawSay = true
			if cf.Meta()[frames.MetaSayText] != "Happy to help." {
				t.Fatalf("say frame missing text: %v", cf.Meta())
			}
		}
	}
	if !sawSay {
		t.Fatalf("expected say control frame")
	}

	waitFor(t, func() bool { return len(st.Appends()) == 2 })
}

func TestLongResponseUsesStreamingSynthesis(t *testing.T) {
	sink := &captureSink{}
	st := newCaptureStore()
	st.calls["CA2"] = "agent-7"
	st.agents["agent-7"] = agent.Config{Voice: agent.Voice{VoiceID: "v-9"}}
	long := strings.TrimSpace(strings.Repeat("word ", 20))
	synth := mock.NewSynthesizer()
	synth.Chunks = [][]byte{[]byte("abc"), []byte("def")}

	s := New("sess-2", stt.SourceTelephony, Deps{
		Generator:  mock.NewLLMAdapter(long),
		Synth:      synth,
		Dispatcher: NewDispatcher(true, 15, "alice"),
		Store:      st,
		Send:       sink.Send,
	})
	s.HandleStart(context.Background(), "CA2", "MZ2")
	s.HandleTranscript("Hello there how are you doing today friend", true)
	s.WaitTurns()

	if synth.Calls() != 1 {
		t.Fatalf("expected streaming synthesizer invoked once, got %d", synth.Calls())
	}
	if synth.LastRequest().VoiceID != "v-9" {
		t.Fatalf("expected agent voice forwarded, got %q", synth.LastRequest().VoiceID)
	}
	var audioFrames int
	for _, f := range sink.Frames() {
		if f.Kind() == frames.KindAudio {
			audioFrames++
		}
		if cf, ok := f.(frames.ControlFrame); ok && cf.Code() == frames.ControlSay {
			t.Fatalf("did not expect pass-through for long response")
		}
	}
	if audioFrames != 2 {
		t.Fatalf("expected 2 audio frames, got %d", audioFrames)
	}
}

func TestConcurrentTriggerIsDropped(t *testing.T) {
	gen := mock.NewLLMAdapter("reply")
	gen.Block = make(chan struct{})

	s := New("sess-3", stt.SourceBrowser, Deps{
		Generator: gen,
		Store:     newCaptureStore(),
	})
	s.HandleStart(context.Background(), "CA3", "MZ3")

	s.HandleTranscript("first utterance with enough words to pass the gate", true)
	waitFor(t, func() bool { return gen.Calls() == 1 })
	s.HandleTranscript("second utterance arriving while the first is still running", true)

	close(gen.Block)
	s.WaitTurns()

	if gen.Calls() != 1 {
		t.Fatalf("expected second trigger dropped, generator called %d times", gen.Calls())
	}
	if gen.MaxInFlight() != 1 {
		t.Fatalf("expected at most one concurrent pipeline, saw %d", gen.MaxInFlight())
	}
	if s.TurnCount() != 1 {
		t.Fatalf("expected one completed turn, got %d", s.TurnCount())
	}
}

func TestNoFramesAfterClose(t *testing.T) {
	sink := &captureSink{}
	gen := mock.NewLLMAdapter("reply that should be discarded")
	gen.Block = make(chan struct{})

	s := New("sess-4", stt.SourceTelephony, Deps{
		Generator:  gen,
		Dispatcher: NewDispatcher(false, 0, ""),
		Store:      newCaptureStore(),
		Send:       sink.Send,
	})
	s.HandleStart(context.Background(), "CA4", "MZ4")
	s.HandleTranscript("please close the session while this is in flight", true)
	waitFor(t, func() bool { return gen.Calls() == 1 })

	s.Close("stop received")
	if s.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", s.State())
	}
	close(gen.Block)
	s.WaitTurns()

	if sink.Count() != 0 {
		t.Fatalf("expected no frames after close, got %d", sink.Count())
	}
	if s.TurnCount() != 0 {
		t.Fatalf("expected discarded turn not counted, got %d", s.TurnCount())
	}
}

func TestCloseMidSynthesisSuppressesChunks(t *testing.T) {
	sink := &captureSink{}
	long := strings.TrimSpace(strings.Repeat("word ", 20))
	st := newCaptureStore()
	st.agents[""] = agent.Config{Voice: agent.Voice{VoiceID: "v-1"}}

	var s *Session
	synth := synthFunc(func(ctx context.Context, req tts.Request, onChunk func([]byte)) (tts.Metrics, error) {
		onChunk([]byte("early"))
		s.Close("transport closed")
		onChunk([]byte("late"))
		return tts.Metrics{ChunkCount: 2, ByteCount: 9}, nil
	})

	s = New("sess-5", stt.SourceTelephony, Deps{
		Generator:  mock.NewLLMAdapter(long),
		Synth:      synth,
		Dispatcher: NewDispatcher(true, 15, ""),
		Store:      st,
		Send:       sink.Send,
	})
	s.HandleStart(context.Background(), "CA5", "MZ5")
	s.HandleTranscript("hello hello hello hello hello hello hello hello", true)
	s.WaitTurns()

	var audio int
	for _, f := range sink.Frames() {
		if f.Kind() == frames.KindAudio {
			audio++
		}
	}
	if audio != 1 {
		t.Fatalf("expected only the pre-close chunk delivered, got %d audio frames", audio)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	stA := newCaptureStore()
	stB := newCaptureStore()
	a := New("sess-a", stt.SourceTelephony, Deps{Generator: mock.NewLLMAdapter("reply A"), Store: stA})
	b := New("sess-b", stt.SourceTelephony, Deps{Generator: mock.NewLLMAdapter("reply B"), Store: stB})
	a.HandleStart(context.Background(), "CA-A", "MZ-A")
	b.HandleStart(context.Background(), "CA-B", "MZ-B")

	a.HandleTranscript("hello from the first caller on the line", true)
	b.HandleTranscript("hello from the second caller on the line", true)
	a.WaitTurns()
	b.WaitTurns()

	for _, msg := range a.History() {
		if strings.Contains(msg.Content, "second") || msg.Content == "reply B" {
			t.Fatalf("session A leaked session B content: %+v", msg)
		}
	}
	for _, msg := range b.History() {
		if strings.Contains(msg.Content, "first") || msg.Content == "reply A" {
			t.Fatalf("session B leaked session A content: %+v", msg)
		}
	}
	if a.TurnCount() != 1 || b.TurnCount() != 1 {
		t.Fatalf("expected one turn each, got %d and %d", a.TurnCount(), b.TurnCount())
	}
}

func TestGeneratorFailureSkipsTurn(t *testing.T) {
	pub := &capturePublisher{}
	gen := mock.NewLLMAdapter("never returned")
	gen.Err = errors.New("provider timeout")

	s := New("sess-6", stt.SourceTelephony, Deps{
		Generator: gen,
		Store:     newCaptureStore(),
		Publisher: pub,
	})
	s.HandleStart(context.Background(), "CA6", "MZ6")
	s.HandleTranscript("this utterance will fail to get a response", true)
	s.WaitTurns()

	for _, msg := range s.History() {
		if msg.Role == llm.RoleAssistant {
			t.Fatalf("expected no assistant message after failure")
		}
	}
	if s.TurnCount() != 0 {
		t.Fatalf("expected turnCount unchanged, got %d", s.TurnCount())
	}
	if len(pub.ByType(publish.EventError)) != 1 {
		t.Fatalf("expected one error event")
	}
	if !s.Active() {
		t.Fatalf("expected session to remain active")
	}

	// The next utterance is processed normally.
	gen.Err = nil
	s.HandleTranscript("and this one should work just fine now", true)
	s.WaitTurns()
	if s.TurnCount() != 1 {
		t.Fatalf("expected recovery turn, got %d", s.TurnCount())
	}
}

func TestMediaFlowsToTranscriptionStream(t *testing.T) {
	stream := mock.NewSTTStream("MZ7")
	factory := func(source stt.Source, streamID, callID, traceID string) stt.LiveStream {
		return stream
	}
	gen := mock.NewLLMAdapter("short reply")
	s := New("sess-7", stt.SourceTelephony, Deps{
		STT:       factory,
		Generator: gen,
		Store:     newCaptureStore(),
	})
	s.HandleStart(context.Background(), "CA7", "MZ7")

	s.HandleMedia(make([]byte, 160))
	s.HandleMedia(make([]byte, 160))
	if stream.AudioBytes() != 320 {
		t.Fatalf("expected 320 audio bytes forwarded, got %d", stream.AudioBytes())
	}

	stream.EmitTranscript("hello I would like to check my order", true)
	waitFor(t, func() bool { return s.TurnCount() == 1 })

	s.Close("stop received")
	if !stream.Closed() {
		t.Fatalf("expected transcription stream closed with session")
	}
}

func TestPendingInterimFinalizedOnFlush(t *testing.T) {
	s := New("sess-8", stt.SourceBrowser, Deps{
		Generator: mock.NewLLMAdapter("reply"),
		Store:     newCaptureStore(),
	})
	s.HandleStart(context.Background(), "CA8", "MZ8")

	// Below the interim threshold: gated, stored as pending.
	s.HandleTranscript("see you tomorrow then", false)
	if s.TurnCount() != 0 {
		t.Fatalf("expected short interim not to trigger")
	}
	s.FinalizeUtterance()
	s.WaitTurns()
	if s.TurnCount() != 1 {
		t.Fatalf("expected flushed pending utterance to complete a turn, got %d", s.TurnCount())
	}
	history := s.History()
	if history[0].Content != "see you tomorrow then" {
		t.Fatalf("unexpected finalized utterance: %q", history[0].Content)
	}
}

type synthFunc func(ctx context.Context, req tts.Request, onChunk func([]byte)) (tts.Metrics, error)

func (f synthFunc) Name() string { return "synth_func" }
func (f synthFunc) Stream(ctx context.Context, req tts.Request, onChunk func([]byte)) (tts.Metrics, error) {
	return f(ctx, req, onChunk)
}
