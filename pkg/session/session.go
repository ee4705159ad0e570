package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxlabs/voicebridge/pkg/adapters/stt"
	"github.com/voxlabs/voicebridge/pkg/adapters/tts"
	"github.com/voxlabs/voicebridge/pkg/agent"
	"github.com/voxlabs/voicebridge/pkg/errorsx"
	"github.com/voxlabs/voicebridge/pkg/frames"
	"github.com/voxlabs/voicebridge/pkg/llm"
	"github.com/voxlabs/voicebridge/pkg/logging"
	"github.com/voxlabs/voicebridge/pkg/metrics"
	"github.com/voxlabs/voicebridge/pkg/publish"
	"github.com/voxlabs/voicebridge/pkg/store"
)

// Deps are the collaborators a session drives. Nil optional fields fall
// back to no-op implementations.
type Deps struct {
	STT        stt.Factory
	Generator  llm.Adapter
	Synth      tts.StreamSynthesizer
	Dispatcher *Dispatcher
	Store      store.Gateway
	Publisher  publish.Publisher
	Metrics    metrics.Observer
	Send       func(frames.Frame) error
}

func (d Deps) withDefaults() Deps {
	if d.Store == nil {
		d.Store = store.Nop{}
	}
	if d.Publisher == nil {
		d.Publisher = publish.Nop{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NoopObserver{}
	}
	if d.Dispatcher == nil {
		d.Dispatcher = NewDispatcher(false, 0, "")
	}
	if d.Send == nil {
		d.Send = func(frames.Frame) error { return nil }
	}
	return d
}

// Session is the live state for one audio-streaming connection. Turns
// are strictly sequential within a session; audio ingestion continues
// uninterrupted while a turn's response and synthesis work runs off the
// connection's read loop.
type Session struct {
	id      string
	source  stt.Source
	deps    Deps
	log     *slog.Logger
	traceID string

	fsm          *stateMachine
	active       atomic.Bool
	turnInFlight atomic.Bool
	turnWG       sync.WaitGroup
	closeCh      chan struct{}
	closeOnce    sync.Once

	ctx context.Context

	mu           sync.Mutex
	callID       string
	agentID      string
	agentCfg     agent.Config
	systemPrompt string
	streamKey    string
	history      []llm.Message
	turnCount    int
	pending      string

	sttStream stt.LiveStream
}

// New creates a session in CONNECTING; no work happens until HandleStart.
func New(id string, source stt.Source, deps Deps) *Session {
	return &Session{
		id:      id,
		source:  source,
		deps:    deps.withDefaults(),
		log:     logging.NewComponentLogger(slog.Default(), "session"),
		fsm:     newStateMachine(),
		closeCh: make(chan struct{}),
		ctx:     context.Background(),
	}
}

func (s *Session) ID() string        { return s.id }
func (s *Session) Source() stt.Source { return s.source }
func (s *Session) State() State      { return s.fsm.State() }
func (s *Session) Active() bool      { return s.active.Load() }

func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func (s *Session) StreamKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamKey
}

func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCount
}

// History returns a copy of the append-only conversation history.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.history...)
}

// SetTraceID attaches a correlation id used in logs and outbound frames.
func (s *Session) SetTraceID(traceID string) { s.traceID = traceID }

// HandleStart moves the session to ACTIVE on the transport's start
// control message: the agent is resolved, the transcription stream is
// opened, and a started status event is published. ctx scopes provider
// calls to the process lifetime, not the session's: a closing session
// lets in-flight calls finish and discards their results.
func (s *Session) HandleStart(ctx context.Context, callID, streamKey string) {
	if ctx != nil {
		s.ctx = ctx
	}
	if err := s.fsm.Transition(StateActive, "stream start"); err != nil {
		s.log.Warn("start_ignored",
			slog.String("session_id", s.id),
			slog.String("state", s.fsm.State().String()))
		return
	}

	cfg, agentID := s.resolveAgent(callID)

	s.mu.Lock()
	s.callID = callID
	s.streamKey = streamKey
	s.agentID = agentID
	s.agentCfg = cfg
	s.systemPrompt = agent.SystemPrompt(cfg)
	s.mu.Unlock()

	s.active.Store(true)

	if s.deps.STT != nil {
		stream := s.deps.STT(s.source, streamKey, callID, s.traceID)
		if err := stream.Start(s.ctx); err != nil {
			// Degraded mode: the call continues without transcription.
			s.log.Error("stt_start_failed",
				slog.String("session_id", s.id),
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
			stream = stt.NewNopStream()
		}
		s.mu.Lock()
		s.sttStream = stream
		s.mu.Unlock()
		go s.consumeTranscripts(stream)
	}

	s.log.Info("session_started",
		slog.String("session_id", s.id),
		slog.String("call_id", callID),
		slog.String("stream_key", streamKey),
		slog.String("source", string(s.source)),
		slog.String("agent_id", agentID))
	s.publish(publish.Event{Type: publish.EventStarted})
}

// HandleMedia feeds one raw audio frame into the transcription stream.
// It never blocks on turn work running elsewhere in the session.
func (s *Session) HandleMedia(payload []byte) {
	if !s.active.Load() {
		return
	}
	s.mu.Lock()
	stream := s.sttStream
	s.mu.Unlock()
	if stream == nil {
		return
	}
	if err := stream.SendAudio(payload); err != nil {
		s.log.Debug("stt_send_failed",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()))
	}
}

// HandleTranscript gates one transcript event and, when the gate fires,
// starts a response turn. A trigger arriving while a turn is already in
// flight is dropped, not queued.
func (s *Session) HandleTranscript(text string, isFinal bool) {
	if !s.active.Load() {
		return
	}
	s.publish(publish.Event{Type: publish.EventTranscript, Text: text, IsFinal: isFinal})

	if !ShouldProcess(text, isFinal) {
		if !isFinal {
			s.mu.Lock()
			s.pending = text
			s.mu.Unlock()
		}
		return
	}
	s.mu.Lock()
	s.pending = ""
	s.mu.Unlock()
	s.startTurn(text)
}

// FinalizeUtterance promotes a pending interim transcript to a complete
// utterance. The STT adapter calls this path when the provider signals
// end of speech without a final transcript.
func (s *Session) FinalizeUtterance() {
	s.mu.Lock()
	text := s.pending
	s.pending = ""
	s.mu.Unlock()
	if text == "" {
		return
	}
	s.HandleTranscript(text, true)
}

// Close drives the session through CLOSING to CLOSED. The active flag
// drops first so no outbound frame can be emitted afterwards; in-flight
// provider calls run to completion and their results are discarded.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.active.Store(false)
		if err := s.fsm.Transition(StateClosing, reason); err != nil {
			return
		}
		close(s.closeCh)

		s.publish(publish.Event{Type: publish.EventStopped, Detail: reason})

		s.mu.Lock()
		stream := s.sttStream
		s.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}

		_ = s.fsm.Transition(StateClosed, "teardown complete")
		s.log.Info("session_closed",
			slog.String("session_id", s.id),
			slog.String("call_id", s.CallID()),
			slog.String("reason", reason),
			slog.Int("turns", s.TurnCount()))
	})
}

// WaitTurns blocks until any in-flight turn pipeline has finished. Used
// by drain logic and tests; results of late turns are already discarded
// once the session is closed.
func (s *Session) WaitTurns() {
	s.turnWG.Wait()
}

func (s *Session) consumeTranscripts(stream stt.LiveStream) {
	for {
		select {
		case <-s.closeCh:
			return
		case f, ok := <-stream.Results():
			if !ok {
				return
			}
			switch f.Kind() {
			case frames.KindText:
				tf := f.(frames.TextFrame)
				s.HandleTranscript(tf.Text(), tf.Meta()[frames.MetaIsFinal] == "true")
			case frames.KindControl:
				cf := f.(frames.ControlFrame)
				if cf.Code() == frames.ControlFlush {
					s.FinalizeUtterance()
				}
			}
		}
	}
}

func (s *Session) startTurn(userText string) {
	if !s.turnInFlight.CompareAndSwap(false, true) {
		s.log.Debug("utterance_dropped",
			slog.String("session_id", s.id),
			slog.String("reason", "turn in flight"))
		return
	}
	s.turnWG.Add(1)
	go s.runTurn(userText)
}

func (s *Session) runTurn(userText string) {
	defer s.turnWG.Done()
	defer s.turnInFlight.Store(false)

	s.record(metrics.EventUtteranceFinal, nil)

	s.mu.Lock()
	s.history = append(s.history, llm.Message{Role: llm.RoleUser, Content: userText})
	history := append([]llm.Message(nil), s.history...)
	systemPrompt := s.systemPrompt
	cfg := s.agentCfg
	s.mu.Unlock()

	s.persist(llm.RoleUser, userText)

	response, err := s.deps.Generator.Generate(s.ctx, systemPrompt, history, llm.Params{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	s.record(metrics.EventGenerateDone, nil)
	if err != nil {
		s.log.Error("generate_failed",
			slog.String("session_id", s.id),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		s.publish(publish.Event{Type: publish.EventError, Detail: "response generation failed"})
		return
	}
	if !s.active.Load() {
		return
	}

	s.mu.Lock()
	s.history = append(s.history, llm.Message{Role: llm.RoleAssistant, Content: response})
	s.turnCount++
	turn := s.turnCount
	s.mu.Unlock()

	s.persist(llm.RoleAssistant, response)
	s.publish(publish.Event{Type: publish.EventResponse, Text: response, Turn: turn})

	s.speak(response, cfg.Voice)
	s.record(metrics.EventTurnComplete, nil)
}

func (s *Session) speak(response string, voice agent.Voice) {
	d := s.deps.Dispatcher
	if d.UseStreaming(response, voice) && s.deps.Synth != nil {
		s.streamSynthesis(response, voice)
		return
	}
	// Fast pass-through: the transport speaks with its built-in voice.
	meta := s.frameMeta()
	meta[frames.MetaSayText] = response
	if d.DefaultVoice != "" {
		meta[frames.MetaVoice] = d.DefaultVoice
	}
	s.send(frames.NewControlFrame(s.StreamKey(), time.Now().UnixNano(), frames.ControlSay, meta))
}

func (s *Session) streamSynthesis(response string, voice agent.Voice) {
	req := tts.Request{
		Text:            response,
		VoiceID:         voice.VoiceID,
		Stability:       voice.Stability,
		SimilarityBoost: voice.SimilarityBoost,
		LatencyHint:     s.deps.Dispatcher.LatencyHint,
	}
	streamKey := s.StreamKey()
	m, err := s.deps.Synth.Stream(s.ctx, req, func(chunk []byte) {
		s.send(frames.NewAudioFrame(streamKey, time.Now().UnixNano(), chunk, s.source.SampleRate(), 1, s.frameMeta()))
	})
	if err != nil {
		s.log.Error("synthesis_failed",
			slog.String("session_id", s.id),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		s.publish(publish.Event{Type: publish.EventError, Detail: "synthesis failed"})
		return
	}
	s.record(metrics.EventSynthesisDone, map[string]any{
		"ttfb_ms":  m.TimeToFirstByteMs,
		"total_ms": m.TotalMs,
		"chunks":   m.ChunkCount,
		"bytes":    m.ByteCount,
	})
}

// send delivers one outbound frame, checking the active flag immediately
// before handing it to the transport.
func (s *Session) send(f frames.Frame) {
	if !s.active.Load() {
		return
	}
	if err := s.deps.Send(f); err != nil {
		s.log.Warn("transport_send_failed",
			slog.String("session_id", s.id),
			slog.String("reason_code", string(errorsx.ReasonTransportSend)),
			slog.String("error", err.Error()))
	}
}

func (s *Session) resolveAgent(callID string) (agent.Config, string) {
	agentID := ""
	if callID != "" {
		id, err := s.deps.Store.ResolveAgentByCallID(s.ctx, callID)
		if err != nil {
			s.log.Warn("agent_lookup_failed",
				slog.String("session_id", s.id),
				slog.String("call_id", callID),
				slog.String("reason_code", string(errorsx.ReasonStoreResolve)),
				slog.String("error", err.Error()))
		} else {
			agentID = id
		}
	}
	cfg, err := s.deps.Store.ResolveAgent(s.ctx, agentID)
	if err != nil {
		s.log.Warn("agent_resolve_failed",
			slog.String("session_id", s.id),
			slog.String("agent_id", agentID),
			slog.String("reason_code", string(errorsx.ReasonStoreResolve)),
			slog.String("error", err.Error()))
		cfg = agent.Config{}
	}
	return cfg.WithDefaults(), agentID
}

// persist is fire-and-forget: storage failures never block or fail a turn.
func (s *Session) persist(role, text string) {
	callID := s.CallID()
	go func() {
		if err := s.deps.Store.AppendMessage(s.ctx, callID, role, text); err != nil {
			s.log.Warn("append_message_failed",
				slog.String("session_id", s.id),
				slog.String("call_id", callID),
				slog.String("reason_code", string(errorsx.ReasonStoreAppend)),
				slog.String("error", err.Error()))
		}
	}()
}

func (s *Session) publish(ev publish.Event) {
	ev.StreamID = s.StreamKey()
	ev.CallID = s.CallID()
	ev.Time = time.Now()
	s.deps.Publisher.Publish(ev)
}

func (s *Session) record(name string, fields map[string]any) {
	s.deps.Metrics.RecordEvent(metrics.Event{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{
			"stream_id": s.StreamKey(),
			"call_id":   s.CallID(),
			"trace_id":  s.traceID,
		},
		Fields: fields,
	})
}

func (s *Session) frameMeta() map[string]string {
	meta := map[string]string{
		frames.MetaCallID: s.CallID(),
	}
	if s.traceID != "" {
		meta[frames.MetaTraceID] = s.traceID
	}
	return meta
}
