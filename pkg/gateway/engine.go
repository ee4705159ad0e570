package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/voxlabs/voicebridge/pkg/adapters/stt"
	"github.com/voxlabs/voicebridge/pkg/adapters/tts"
	"github.com/voxlabs/voicebridge/pkg/agent"
	"github.com/voxlabs/voicebridge/pkg/configutil"
	"github.com/voxlabs/voicebridge/pkg/frames"
	"github.com/voxlabs/voicebridge/pkg/llm"
	"github.com/voxlabs/voicebridge/pkg/logging"
	"github.com/voxlabs/voicebridge/pkg/metrics"
	"github.com/voxlabs/voicebridge/pkg/providers/deepgram"
	"github.com/voxlabs/voicebridge/pkg/providers/elevenlabs"
	"github.com/voxlabs/voicebridge/pkg/providers/openai"
	"github.com/voxlabs/voicebridge/pkg/publish"
	"github.com/voxlabs/voicebridge/pkg/runner"
	"github.com/voxlabs/voicebridge/pkg/session"
	"github.com/voxlabs/voicebridge/pkg/store"
	"github.com/voxlabs/voicebridge/pkg/transports"
)

// Engine wires transport frames to sessions. One engine owns one
// transport, the session registry, the provider adapters, and the
// lifecycle runner.
type Engine struct {
	cfg       Config
	registry  *SessionRegistry
	transport transports.Transport
	runner    *runner.LifecycleRunner
	asyncObs  *metrics.AsyncObserver
	hub       *publish.Hub
	redisPub  *publish.RedisPublisher
	log       *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

// EngineOptions carries the engine's collaborators. Nil provider fields
// are built from the vendor config; tests inject fakes here.
type EngineOptions struct {
	Config    Config
	Transport transports.Transport
	Store     store.Gateway
	Generator llm.Adapter
	Synth     tts.StreamSynthesizer
	STT       stt.Factory
	Publisher publish.Publisher
	Hub       *publish.Hub
	Metrics   metrics.Observer
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	log := logging.NewComponentLogger(slog.Default(), "gateway")

	slog.Info("voicebridge_init",
		"environment", cfg.Environment,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"transport", cfg.Transport.Provider,
	)

	sttFactory := opts.STT
	if sttFactory == nil {
		f, err := buildSTTFactory(cfg.Vendors.STT)
		if err != nil {
			return nil, err
		}
		sttFactory = f
	}
	synth := opts.Synth
	if synth == nil {
		s, err := buildSynthesizer(cfg.Vendors.TTS)
		if err != nil {
			return nil, err
		}
		synth = s
	}
	generator := opts.Generator
	if generator == nil {
		g, err := buildGenerator(cfg.Vendors.LLM)
		if err != nil {
			return nil, err
		}
		generator = g
	}

	inner := metrics.Observer(metrics.NewTurnLatencyObserver(slog.Default()))
	if opts.Metrics != nil {
		inner = opts.Metrics
	}
	asyncObs := metrics.NewAsyncObserver(inner, 2048)

	hub := opts.Hub
	if hub == nil {
		hub = publish.NewHub()
	}
	var redisPub *publish.RedisPublisher
	publisher := opts.Publisher
	if publisher == nil {
		pubs := publish.Multi{
			publish.LogPublisher{Log: logging.NewComponentLogger(slog.Default(), "events")},
			hub,
		}
		if cfg.Redis.Addr != "" {
			client := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			redisPub = publish.NewRedisPublisher(client, cfg.Redis.Prefix, 1024)
			pubs = append(pubs, redisPub)
		}
		publisher = pubs
	}

	gw := opts.Store
	if gw == nil {
		agentCfg, err := agent.Decode(cfg.Agent)
		if err != nil {
			return nil, fmt.Errorf("agent config: %w", err)
		}
		gw = store.Nop{Agent: agentCfg}
	}

	dispatcher := session.NewDispatcher(
		cfg.Synthesis.StreamingEnabled,
		cfg.Synthesis.ShortResponseThreshold,
		cfg.Synthesis.DefaultVoice,
	)
	dispatcher.LatencyHint = cfg.Synthesis.LatencyHint

	ctx, cancel := context.WithCancel(context.Background())

	deps := session.Deps{
		STT:        sttFactory,
		Generator:  generator,
		Synth:      synth,
		Dispatcher: dispatcher,
		Store:      gw,
		Publisher:  publisher,
		Metrics:    asyncObs,
	}
	if opts.Transport != nil {
		deps.Send = opts.Transport.Send
	}

	registry := NewSessionRegistry(func(streamID string, source stt.Source) *session.Session {
		return session.New(streamID, source, deps)
	})

	e := &Engine{
		cfg:       cfg,
		registry:  registry,
		transport: opts.Transport,
		asyncObs:  asyncObs,
		hub:       hub,
		redisPub:  redisPub,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Voicebridge Ready"}
			if rr, ok := opts.Transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			slog.Info("engine_ready", fields...)
		},
		OnStop: func() {
			asyncObs.Close()
			if redisPub != nil {
				redisPub.Close()
			}
			hub.Close()
			slog.Info("shutdown",
				"goroutines", runtime.NumGoroutine(),
				"active_sessions", registry.Count())
		},
	}
	drainer := runner.DrainerFunc(func() error {
		if opts.Transport != nil {
			_ = opts.Transport.Stop()
		}
		registry.SetDraining(true)
		registry.CloseAll("shutdown")
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer waitCancel()
		_ = registry.WaitForEmpty(waitCtx, 200*time.Millisecond)
		return nil
	})
	e.runner = runner.NewLifecycleRunner(drainer, hooks, 30*time.Second)
	return e, nil
}

func buildSTTFactory(vendor VendorConfig) (stt.Factory, error) {
	switch vendor.Provider {
	case "deepgram", "":
		var cfg deepgram.Config
		if err := configutil.DecodeSettings(vendor.Settings, &cfg); err != nil {
			return nil, fmt.Errorf("stt settings: %w", err)
		}
		return deepgram.NewFactory(cfg), nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", vendor.Provider)
	}
}

func buildSynthesizer(vendor VendorConfig) (tts.StreamSynthesizer, error) {
	switch vendor.Provider {
	case "elevenlabs", "":
		var cfg elevenlabs.Config
		if err := configutil.DecodeSettings(vendor.Settings, &cfg); err != nil {
			return nil, fmt.Errorf("tts settings: %w", err)
		}
		return elevenlabs.New(cfg), nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", vendor.Provider)
	}
}

func buildGenerator(vendor VendorConfig) (llm.Adapter, error) {
	switch vendor.Provider {
	case "openai", "":
		var cfg struct {
			APIKey  string
			BaseURL string
		}
		if err := configutil.DecodeSettings(vendor.Settings, &cfg); err != nil {
			return nil, fmt.Errorf("llm settings: %w", err)
		}
		adapter := openai.NewAdapter(cfg.APIKey)
		if cfg.BaseURL != "" {
			adapter.BaseURL = cfg.BaseURL
		}
		return adapter, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", vendor.Provider)
	}
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.transport != nil {
		if err := e.transport.Start(ctx); err != nil {
			return err
		}
		go e.routeTransport(ctx)
	}
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

// routeTransport fans inbound transport frames out to sessions keyed by
// stream ID.
func (e *Engine) routeTransport(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			e.route(ctx, f)
		}
	}
}

func (e *Engine) route(ctx context.Context, f frames.Frame) {
	meta := f.Meta()
	streamID := meta[frames.MetaStreamID]
	if streamID == "" {
		return
	}
	switch f.Kind() {
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		switch sf.Name() {
		case "call_start":
			e.startSession(ctx, sf)
		case "call_end":
			reason := meta[frames.MetaReason]
			if reason == "" {
				reason = "call ended"
			}
			e.registry.Remove(streamID, reason)
		}
	case frames.KindAudio:
		if sess, ok := e.registry.Get(streamID); ok {
			af := f.(frames.AudioFrame)
			sess.HandleMedia(af.RawPayload())
		}
	case frames.KindText:
		if sess, ok := e.registry.Get(streamID); ok {
			tf := f.(frames.TextFrame)
			sess.HandleTranscript(tf.Text(), meta[frames.MetaIsFinal] == "true")
		}
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		if cf.Code() == frames.ControlFlush {
			if sess, ok := e.registry.Get(streamID); ok {
				sess.FinalizeUtterance()
			}
		}
	}
}

func (e *Engine) startSession(ctx context.Context, sf frames.SystemFrame) {
	meta := sf.Meta()
	streamID := meta[frames.MetaStreamID]
	source := stt.SourceBrowser
	if meta[frames.MetaSource] == string(stt.SourceTelephony) {
		source = stt.SourceTelephony
	}
	sess, created := e.registry.GetOrCreate(streamID, source)
	if sess == nil || !created {
		return
	}
	callID := meta[frames.MetaCallID]
	if callID == "" {
		// Browser clients may not carry a provider call ID.
		callID = uuid.NewString()
	}
	sess.SetTraceID(meta[frames.MetaTraceID])
	sess.HandleStart(ctx, callID, streamID)
}

func (e *Engine) Registry() *SessionRegistry { return e.registry }

func (e *Engine) Transport() transports.Transport { return e.transport }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Hub() *publish.Hub { return e.hub }

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	return nil
}
