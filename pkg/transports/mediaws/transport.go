package mediaws

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/voxlabs/voicebridge/pkg/adapters/stt"
	"github.com/voxlabs/voicebridge/pkg/errorsx"
	"github.com/voxlabs/voicebridge/pkg/frames"
	"github.com/voxlabs/voicebridge/pkg/publish"
)

// telephonyAgentSignature is the User-Agent marker of the telephony media
// proxy. Sniffing it is a fallback only; connections should carry an
// explicit source query parameter.
const telephonyAgentSignature = "TwilioProxy"

type Config struct {
	ServerAddr         string `mapstructure:"server_addr"`
	PublicURL          string `mapstructure:"public_url"`
	AuthToken          string `mapstructure:"auth_token"`
	AccountSID         string `mapstructure:"account_sid"`
	FromNumber         string `mapstructure:"from_number"`
	VoicePath          string `mapstructure:"voice_path"`
	WebsocketPath      string `mapstructure:"ws_path"`
	StatusCallbackPath string `mapstructure:"status_callback_path"`
	MonitorPath        string `mapstructure:"monitor_path"`
	VoiceGreeting      string `mapstructure:"voice_greeting"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if c.MonitorPath == "" {
		c.MonitorPath = "/monitor"
	}
	return c
}

// Transport accepts media-stream websocket connections from telephony
// proxies and browsers, classifies their source, and bridges them to the
// conversation core as frames.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame
	monitor  *publish.Hub

	mu          sync.Mutex
	conns       map[string]*wsConn
	callStreams map[string]string
	callIDs     map[string]string
	traceIDs    map[string]string
	sources     map[string]stt.Source

	draining atomic.Bool
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		recvCh:      make(chan frames.Frame, 512),
		conns:       make(map[string]*wsConn),
		callStreams: make(map[string]string),
		callIDs:     make(map[string]string),
		traceIDs:    make(map[string]string),
		sources:     make(map[string]stt.Source),
	}
}

// SetMonitor attaches an in-process event hub served on the monitor
// websocket for live observers.
func (t *Transport) SetMonitor(hub *publish.Hub) { t.monitor = hub }

func (t *Transport) Name() string { return "mediaws" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.publicPath(t.cfg.VoicePath),
		"status_callback_url": t.publicPath(t.cfg.StatusCallbackPath),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	mux.HandleFunc(t.cfg.MonitorPath, t.handleMonitor)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mediaws_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, c := range t.conns {
		_ = c.close()
	}
	t.conns = make(map[string]*wsConn)
	t.mu.Unlock()
	close(t.recvCh)
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	source := classifySource(r)
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var streamID string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt Envelope
		if err := json.Unmarshal(msg, &evt); err != nil {
			// Malformed inbound message: skip it, the session continues.
			slog.Warn("mediaws_malformed_message", "error", err.Error())
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			streamID = evt.Start.streamID()
			if streamID == "" {
				streamID = uuid.NewString()
			}
			callID := evt.Start.callID()
			traceID := uuid.NewString()
			old := t.attach(streamID, callID, traceID, source, conn)
			if old != nil {
				_ = old.close()
			}
			meta := t.metaForStream(streamID)
			t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_start", meta))
		case "transcript":
			if evt.Transcript == nil || streamID == "" {
				continue
			}
			meta := t.metaForStream(streamID)
			meta[frames.MetaIsFinal] = "false"
			if evt.Transcript.IsFinal {
				meta[frames.MetaIsFinal] = "true"
			}
			t.emit(frames.NewTextFrame(streamID, time.Now().UnixNano(), evt.Transcript.Text, meta))
		case "media":
			if evt.Media == nil || streamID == "" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			meta := t.metaForStream(streamID)
			src := t.sourceForStream(streamID)
			meta[frames.MetaEncoding] = src.Encoding()
			t.emit(frames.NewAudioFrame(streamID, time.Now().UnixNano(), payload, src.SampleRate(), 1, meta))
		case "stop":
			if streamID == "" {
				continue
			}
			meta := t.metaForStream(streamID)
			reason := "completed"
			if evt.Stop != nil && evt.Stop.Reason != "" {
				reason = evt.Stop.Reason
			}
			meta[frames.MetaReason] = reason
			t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
			t.detach(streamID)
			return
		}
	}
	// Transport-level close without an explicit stop.
	if streamID != "" {
		meta := t.metaForStream(streamID)
		meta[frames.MetaReason] = "transport_closed"
		t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
		t.detach(streamID)
	}
}

func (t *Transport) Send(f frames.Frame) error {
	streamID := f.Meta()[frames.MetaStreamID]
	c := t.conn(streamID)
	if c == nil {
		return nil
	}
	switch f.Kind() {
	case frames.KindAudio:
		af := f.(frames.AudioFrame)
		return c.enqueue(outMedia{
			Event:    "media",
			StreamID: streamID,
			Media:    outMediaPayload{Payload: base64.StdEncoding.EncodeToString(af.RawPayload())},
		})
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		switch cf.Code() {
		case frames.ControlSay:
			return c.enqueue(outSay{
				Event: "say",
				Text:  cf.Meta()[frames.MetaSayText],
				Voice: cf.Meta()[frames.MetaVoice],
			})
		case frames.ControlClear:
			return c.enqueue(outClear{Event: "clear", StreamID: streamID})
		}
		return nil
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		msgType := "status"
		if sf.Name() == "error" {
			msgType = "error"
		}
		return c.enqueue(outStatus{
			Type:   msgType,
			Name:   sf.Name(),
			Detail: sf.Meta()[frames.MetaReason],
		})
	}
	return nil
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateSignature(r) {
		slog.Warn("mediaws_invalid_signature",
			"reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	wsURL := t.websocketURL(r)
	greeting := strings.TrimSpace(t.cfg.VoiceGreeting)
	var twiml string
	if greeting != "" {
		twiml = `<Response><Say>` + xmlEscape(greeting) + `</Say><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	} else {
		twiml = `<Response><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateSignature(r) {
		slog.Warn("mediaws_status_invalid_signature",
			"reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callID := r.FormValue("CallSid")
	status := r.FormValue("CallStatus")
	if callID == "" || !terminalCallStatus(status) {
		w.WriteHeader(http.StatusOK)
		return
	}
	streamID := t.streamForCall(callID)
	if streamID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	meta := t.metaForStream(streamID)
	meta[frames.MetaReason] = strings.ToLower(status)
	t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
	t.detach(streamID)
	w.WriteHeader(http.StatusOK)
}

// handleMonitor serves a read-only websocket of session events for a
// live-monitoring view.
func (t *Transport) handleMonitor(w http.ResponseWriter, r *http.Request) {
	if t.monitor == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	sub, cancel := t.monitor.Subscribe(r.URL.Query().Get("callId"))
	defer cancel()
	for ev := range sub {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (t *Transport) attach(streamID, callID, traceID string, source stt.Source, conn *websocket.Conn) *wsConn {
	c := &wsConn{
		conn:   conn,
		sendCh: make(chan []byte, 256),
	}
	var old *wsConn
	t.mu.Lock()
	if callID != "" {
		if existing := t.callStreams[callID]; existing != "" && existing != streamID {
			old = t.conns[existing]
			delete(t.conns, existing)
			delete(t.callIDs, existing)
			delete(t.traceIDs, existing)
			delete(t.sources, existing)
		}
		t.callStreams[callID] = streamID
	}
	t.conns[streamID] = c
	t.callIDs[streamID] = callID
	t.traceIDs[streamID] = traceID
	t.sources[streamID] = source
	t.mu.Unlock()
	go c.loop()
	return old
}

func (t *Transport) detach(streamID string) {
	t.mu.Lock()
	c := t.conns[streamID]
	callID := t.callIDs[streamID]
	delete(t.conns, streamID)
	delete(t.callIDs, streamID)
	delete(t.traceIDs, streamID)
	delete(t.sources, streamID)
	if callID != "" && t.callStreams[callID] == streamID {
		delete(t.callStreams, callID)
	}
	t.mu.Unlock()
	if c != nil {
		_ = c.close()
	}
}

func (t *Transport) conn(streamID string) *wsConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[streamID]
}

func (t *Transport) streamForCall(callID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callStreams[callID]
}

func (t *Transport) sourceForStream(streamID string) stt.Source {
	t.mu.Lock()
	defer t.mu.Unlock()
	if src, ok := t.sources[streamID]; ok {
		return src
	}
	return stt.SourceBrowser
}

func (t *Transport) metaForStream(streamID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{frames.MetaStreamID: streamID}
	if v := t.callIDs[streamID]; v != "" {
		meta[frames.MetaCallID] = v
	}
	if v := t.traceIDs[streamID]; v != "" {
		meta[frames.MetaTraceID] = v
	}
	if v, ok := t.sources[streamID]; ok {
		meta[frames.MetaSource] = string(v)
	}
	return meta
}

func (t *Transport) emit(f frames.Frame) {
	if t.draining.Load() {
		return
	}
	select {
	case t.recvCh <- f:
	default:
	}
}

func (t *Transport) validateSignature(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	params := map[string]string{}
	if form, err := url.ParseQuery(string(body)); err == nil {
		for k := range form {
			params[k] = form.Get(k)
		}
	}

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.Validate(t.requestURL(r), params, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + stripScheme(t.cfg.PublicURL) + t.cfg.WebsocketPath + "?source=telephony"
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath + "?source=telephony"
}

func (t *Transport) publicPath(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + stripScheme(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

// classifySource prefers the explicit source query parameter and falls
// back to sniffing the telephony proxy's User-Agent signature.
func classifySource(r *http.Request) stt.Source {
	switch r.URL.Query().Get("source") {
	case "telephony":
		return stt.SourceTelephony
	case "browser":
		return stt.SourceBrowser
	}
	if strings.Contains(r.Header.Get("User-Agent"), telephonyAgentSignature) {
		return stt.SourceTelephony
	}
	return stt.SourceBrowser
}

func terminalCallStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "busy", "failed", "no-answer", "canceled":
		return true
	default:
		return false
	}
}

func stripScheme(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

type wsConn struct {
	conn   *websocket.Conn
	sendCh chan []byte
	closed atomic.Bool
}

func (c *wsConn) enqueue(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- b:
	default:
	}
	return nil
}

func (c *wsConn) loop() {
	for msg := range c.sendCh {
		_ = c.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (c *wsConn) close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.sendCh)
	}
	return c.conn.Close()
}
