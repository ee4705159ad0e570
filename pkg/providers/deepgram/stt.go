package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/voxlabs/voicebridge/pkg/adapters/stt"
	"github.com/voxlabs/voicebridge/pkg/errorsx"
	"github.com/voxlabs/voicebridge/pkg/frames"
	"github.com/voxlabs/voicebridge/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string
	Model          string
	Language       string
	Interim        bool
	UtteranceEndMS int
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Language == "" {
		c.Language = "en"
	}
	return c
}

// NewFactory builds live streams whose encoding and sample rate are
// derived purely from the connection source. When no API key is set the
// factory degrades to no-op streams instead of failing sessions.
func NewFactory(cfg Config) stt.Factory {
	cfg = cfg.withDefaults()
	return func(source stt.Source, streamID, callID, traceID string) stt.LiveStream {
		if cfg.APIKey == "" {
			slog.Warn("deepgram_disabled",
				slog.String("stream_id", streamID),
				slog.String("reason", "missing api key"))
			return stt.NewNopStream()
		}
		return newLiveStream(cfg, source, streamID, callID, traceID)
	}
}

type liveStream struct {
	cfg      Config
	source   stt.Source
	streamID string
	callID   string
	traceID  string

	dgClient   *client.WSCallback
	out        chan frames.Frame
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	metaLogged bool
	logger     *slog.Logger
}

func newLiveStream(cfg Config, source stt.Source, streamID, callID, traceID string) *liveStream {
	return &liveStream{
		cfg:      cfg,
		source:   source,
		streamID: streamID,
		callID:   callID,
		traceID:  traceID,
		out:      make(chan frames.Frame, 256),
		logger:   logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (s *liveStream) Name() string { return "deepgram_streaming" }

func (s *liveStream) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.source.Encoding(),
		SampleRate:     s.source.SampleRate(),
		InterimResults: s.cfg.Interim,
		SmartFormat:    true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}

	s.logger.Info("initializing deepgram connection",
		slog.String("stream_id", s.streamID),
		slog.String("call_id", s.callID),
		slog.String("model", s.cfg.Model),
		slog.String("encoding", s.source.Encoding()),
		slog.Int("sample_rate", s.source.SampleRate()))

	cb := &callback{parent: s}
	dgClient, err := client.NewWSUsingCallback(s.ctx, s.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		s.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("stream_id", s.streamID))
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	s.dgClient = dgClient

	if connected := s.dgClient.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed",
			slog.String("stream_id", s.streamID))
		return errorsx.Wrap(fmt.Errorf("deepgram connection failed"), errorsx.ReasonSTTConnect)
	}

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && s.ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("stream_id", s.streamID))
		}
	}()
	return nil
}

func (s *liveStream) Close() error {
	s.logger.Info("closing deepgram connection",
		slog.String("stream_id", s.streamID))
	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	return nil
}

func (s *liveStream) SendAudio(audio []byte) error {
	if s.pipeWriter == nil {
		return errorsx.Wrap(fmt.Errorf("not started"), errorsx.ReasonSTTSend)
	}
	_, err := s.pipeWriter.Write(audio)
	if err != nil {
		s.logger.Error("failed to send audio to deepgram",
			slog.String("error", err.Error()),
			slog.String("stream_id", s.streamID))
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (s *liveStream) Results() <-chan frames.Frame { return s.out }

type callback struct {
	parent *liveStream
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("stream_id", c.parent.streamID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	isFinal := mr.IsFinal || mr.SpeechFinal

	meta := c.parent.baseMeta()
	if isFinal {
		meta[frames.MetaIsFinal] = "true"
	} else {
		meta[frames.MetaIsFinal] = "false"
	}

	c.parent.logger.Debug("transcript_received",
		slog.String("stream_id", c.parent.streamID),
		slog.String("transcript", transcript),
		slog.Bool("is_final", isFinal))

	f := frames.NewTextFrame(c.parent.streamID, time.Now().UnixNano(), transcript, meta)
	select {
	case c.parent.out <- f:
	default:
		c.parent.logger.Warn("deepgram_out_channel_full",
			slog.String("stream_id", c.parent.streamID))
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("stream_id", c.parent.streamID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	// Native silence detection: tell the consumer the segment is over so
	// an accumulated interim transcript can be gated as final.
	meta := c.parent.baseMeta()
	meta[frames.MetaReason] = "utterance_end"
	f := frames.NewControlFrame(c.parent.streamID, time.Now().UnixNano(), frames.ControlFlush, meta)
	select {
	case c.parent.out <- f:
	default:
	}
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("stream_id", c.parent.streamID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("stream_id", c.parent.streamID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("stream_id", c.parent.streamID),
		slog.String("data", string(byData)))
	return nil
}

func (s *liveStream) baseMeta() map[string]string {
	meta := map[string]string{
		frames.MetaStreamID: s.streamID,
		frames.MetaCallID:   s.callID,
		frames.MetaSource:   "stt",
	}
	if s.traceID != "" {
		meta[frames.MetaTraceID] = s.traceID
	}
	return meta
}

var _ stt.LiveStream = (*liveStream)(nil)
