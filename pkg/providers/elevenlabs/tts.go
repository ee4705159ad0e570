package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/voxlabs/voicebridge/pkg/adapters/tts"
	"github.com/voxlabs/voicebridge/pkg/errorsx"
)

const defaultBaseURL = "https://api.elevenlabs.io/v1"

type Config struct {
	APIKey  string
	ModelID string
	// OutputFormat names the provider audio format; ulaw_8000 streams
	// straight onto a telephony leg without transcoding.
	OutputFormat string
	BaseURL      string
}

func (c Config) withDefaults() Config {
	if c.ModelID == "" {
		c.ModelID = "eleven_turbo_v2_5"
	}
	if c.OutputFormat == "" {
		c.OutputFormat = "ulaw_8000"
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	return c
}

// Synthesizer streams audio for one utterance per request over HTTP
// chunked transfer.
type Synthesizer struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func New(cfg Config) *Synthesizer {
	return &Synthesizer{
		cfg:    cfg.withDefaults(),
		client: &http.Client{Timeout: 60 * time.Second},
		logger: slog.Default().With(slog.String("component", "elevenlabs_tts")),
	}
}

func (s *Synthesizer) Name() string { return "elevenlabs_stream" }

// Stream issues one synthesis request and forwards audio chunks in
// arrival order. The returned metrics record time-to-first-byte measured
// from request start to the first chunk read.
func (s *Synthesizer) Stream(ctx context.Context, req tts.Request, onChunk func([]byte)) (tts.Metrics, error) {
	var m tts.Metrics
	if s.cfg.APIKey == "" {
		return m, errorsx.Wrap(errors.New("missing elevenlabs api key"), errorsx.ReasonTTSConnect)
	}
	if strings.TrimSpace(req.Text) == "" || req.VoiceID == "" {
		return m, errorsx.Wrap(errors.New("text and voice id required"), errorsx.ReasonTTSStream)
	}

	body, err := json.Marshal(map[string]any{
		"text":     req.Text,
		"model_id": s.cfg.ModelID,
		"voice_settings": map[string]any{
			"stability":        req.Stability,
			"similarity_boost": req.SimilarityBoost,
		},
	})
	if err != nil {
		return m, errorsx.Wrap(err, errorsx.ReasonTTSStream)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.streamURL(req), bytes.NewReader(body))
	if err != nil {
		return m, errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	httpReq.Header.Set("xi-api-key", s.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/*")

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return m, errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := tts.StatusError{Code: resp.StatusCode, Body: string(b)}
		s.logger.Error("synthesis_request_failed",
			slog.Int("status", resp.StatusCode),
			slog.String("voice_id", req.VoiceID))
		return m, errorsx.Wrap(statusErr, errorsx.ReasonTTSStatus)
	}

	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if m.ChunkCount == 0 {
				m.TimeToFirstByteMs = time.Since(start).Milliseconds()
			}
			m.ChunkCount++
			m.ByteCount += n
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onChunk(chunk)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			m.TotalMs = time.Since(start).Milliseconds()
			return m, errorsx.Wrap(readErr, errorsx.ReasonTTSStream)
		}
	}
	m.TotalMs = time.Since(start).Milliseconds()

	s.logger.Info("synthesis_complete",
		slog.String("voice_id", req.VoiceID),
		slog.Int64("ttfb_ms", m.TimeToFirstByteMs),
		slog.Int64("total_ms", m.TotalMs),
		slog.Int("chunks", m.ChunkCount),
		slog.Int("bytes", m.ByteCount))
	return m, nil
}

func (s *Synthesizer) streamURL(req tts.Request) string {
	q := url.Values{}
	q.Set("output_format", s.cfg.OutputFormat)
	if req.LatencyHint > 0 {
		q.Set("optimize_streaming_latency", strconv.Itoa(req.LatencyHint))
	}
	return s.cfg.BaseURL + "/text-to-speech/" + req.VoiceID + "/stream?" + q.Encode()
}

var _ tts.StreamSynthesizer = (*Synthesizer)(nil)
