package mediaws

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlabs/voicebridge/pkg/adapters/stt"
	"github.com/voxlabs/voicebridge/pkg/frames"
)

func TestClassifySource(t *testing.T) {
	cases := []struct {
		name      string
		target    string
		userAgent string
		want      stt.Source
	}{
		{"explicit telephony", "/ws?source=telephony", "", stt.SourceTelephony},
		{"explicit browser", "/ws?source=browser", "TwilioProxy/1.1", stt.SourceBrowser},
		{"agent fallback", "/ws", "TwilioProxy/1.1", stt.SourceTelephony},
		{"default browser", "/ws", "Mozilla/5.0", stt.SourceBrowser},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.target, nil)
		if tc.userAgent != "" {
			req.Header.Set("User-Agent", tc.userAgent)
		}
		if got := classifySource(req); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestHandleVoiceSignatureValidation(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", VoicePath: "/voice"}
	tr := New(cfg)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("From", "+123")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": "CA123", "From": "+123"}
	sig := computeSignature(cfg.AuthToken, tr.requestURL(req), params)
	req.Header.Set("X-Twilio-Signature", sig)

	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<Connect><Stream") {
		t.Fatalf("expected stream connect twiml, got %q", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "source=telephony") {
		t.Fatalf("expected telephony source hint in stream url, got %q", w.Body.String())
	}

	reqInvalid := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	reqInvalid.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	reqInvalid.Header.Set("X-Twilio-Signature", "invalid")
	wInvalid := httptest.NewRecorder()
	tr.handleVoice(wInvalid, reqInvalid)
	if wInvalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wInvalid.Code)
	}
}

func TestHandleVoiceGreeting(t *testing.T) {
	tr := New(Config{PublicURL: "https://example.com", VoiceGreeting: "Hi & welcome"})
	req := httptest.NewRequest(http.MethodPost, "https://example.com/voice", nil)
	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<Say>Hi &amp; welcome</Say>") {
		t.Fatalf("expected escaped greeting, got %q", w.Body.String())
	}
}

func TestHandleStatusCallbackMapping(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", StatusCallbackPath: "/status"}
	tr := New(cfg)
	streamID := "stream-1"
	callID := "CA123"

	tr.mu.Lock()
	tr.callStreams[callID] = streamID
	tr.callIDs[streamID] = callID
	tr.mu.Unlock()

	form := url.Values{}
	form.Set("CallSid", callID)
	form.Set("CallStatus", "completed")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/status", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": callID, "CallStatus": "completed"}
	sig := computeSignature(cfg.AuthToken, tr.requestURL(req), params)
	req.Header.Set("X-Twilio-Signature", sig)

	w := httptest.NewRecorder()
	tr.handleStatusCallback(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	select {
	case frame := <-tr.Recv():
		sys, ok := frame.(frames.SystemFrame)
		if !ok {
			t.Fatalf("expected SystemFrame, got %T", frame)
		}
		if sys.Name() != "call_end" {
			t.Fatalf("expected call_end event, got %q", sys.Name())
		}
		meta := sys.Meta()
		if meta[frames.MetaReason] != "completed" {
			t.Fatalf("expected reason completed, got %q", meta[frames.MetaReason])
		}
		if meta[frames.MetaCallID] != callID {
			t.Fatalf("expected call_id %q, got %q", callID, meta[frames.MetaCallID])
		}
	case <-time.After(1 * time.Second):
		t.Fatalf("expected call_end frame")
	}
}

func TestSendMapsFrames(t *testing.T) {
	tr := New(Config{})
	c := &wsConn{sendCh: make(chan []byte, 4)}
	tr.mu.Lock()
	tr.conns["stream-1"] = c
	tr.mu.Unlock()

	af := frames.NewAudioFrame("stream-1", time.Now().UnixNano(), []byte{0x01, 0x02}, 8000, 1, nil)
	if err := tr.Send(af); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	say := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlSay, map[string]string{
		frames.MetaSayText: "hello there",
		frames.MetaVoice:   "voice-1",
	})
	if err := tr.Send(say); err != nil {
		t.Fatalf("send say: %v", err)
	}
	clearFrame := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlClear, nil)
	if err := tr.Send(clearFrame); err != nil {
		t.Fatalf("send clear: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(<-c.sendCh, &payload); err != nil {
		t.Fatalf("unmarshal media: %v", err)
	}
	if payload["event"] != "media" {
		t.Fatalf("expected media event, got %v", payload["event"])
	}
	media, _ := payload["media"].(map[string]any)
	if media["payload"] != base64.StdEncoding.EncodeToString([]byte{0x01, 0x02}) {
		t.Fatalf("unexpected media payload %v", media["payload"])
	}

	if err := json.Unmarshal(<-c.sendCh, &payload); err != nil {
		t.Fatalf("unmarshal say: %v", err)
	}
	if payload["event"] != "say" || payload["text"] != "hello there" || payload["voice"] != "voice-1" {
		t.Fatalf("unexpected say envelope %v", payload)
	}

	if err := json.Unmarshal(<-c.sendCh, &payload); err != nil {
		t.Fatalf("unmarshal clear: %v", err)
	}
	if payload["event"] != "clear" {
		t.Fatalf("expected clear event, got %v", payload["event"])
	}
}

func TestSendUnknownStreamIsDropped(t *testing.T) {
	tr := New(Config{})
	af := frames.NewAudioFrame("missing", time.Now().UnixNano(), []byte{0x01}, 8000, 1, nil)
	if err := tr.Send(af); err != nil {
		t.Fatalf("expected nil error for unknown stream, got %v", err)
	}
}

func TestWebsocketSessionLifecycle(t *testing.T) {
	tr := New(Config{})
	srv := httptest.NewServer(tr)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?source=browser"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send := func(v any) {
		t.Helper()
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	send(map[string]any{"event": "start", "start": map[string]any{
		"callId": "call-1", "streamId": "stream-1",
	}})
	send("not an object")
	send(map[string]any{"event": "transcript", "transcript": map[string]any{
		"text": "hello world", "isFinal": true,
	}})
	audio := base64.StdEncoding.EncodeToString([]byte{0x00, 0x7f})
	send(map[string]any{"event": "media", "media": map[string]any{"payload": audio}})
	send(map[string]any{"event": "stop", "stop": map[string]any{"reason": "caller_hangup"}})

	expect := func(kind frames.Kind) frames.Frame {
		t.Helper()
		select {
		case f := <-tr.Recv():
			if f.Kind() != kind {
				t.Fatalf("expected %q frame, got %q", kind, f.Kind())
			}
			return f
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q frame", kind)
			return nil
		}
	}

	start := expect(frames.KindSystem).(frames.SystemFrame)
	if start.Name() != "call_start" {
		t.Fatalf("expected call_start, got %q", start.Name())
	}
	meta := start.Meta()
	if meta[frames.MetaCallID] != "call-1" || meta[frames.MetaStreamID] != "stream-1" {
		t.Fatalf("unexpected start meta %v", meta)
	}
	if meta[frames.MetaSource] != string(stt.SourceBrowser) {
		t.Fatalf("expected browser source, got %q", meta[frames.MetaSource])
	}
	if meta[frames.MetaTraceID] == "" {
		t.Fatalf("expected trace id")
	}

	text := expect(frames.KindText).(frames.TextFrame)
	if text.Text() != "hello world" || text.Meta()[frames.MetaIsFinal] != "true" {
		t.Fatalf("unexpected transcript frame %q %v", text.Text(), text.Meta())
	}

	media := expect(frames.KindAudio).(frames.AudioFrame)
	if len(media.RawPayload()) != 2 || media.Rate() != stt.SourceBrowser.SampleRate() {
		t.Fatalf("unexpected audio frame rate=%d len=%d", media.Rate(), len(media.RawPayload()))
	}

	end := expect(frames.KindSystem).(frames.SystemFrame)
	if end.Name() != "call_end" || end.Meta()[frames.MetaReason] != "caller_hangup" {
		t.Fatalf("unexpected end frame %q %v", end.Name(), end.Meta())
	}
}

func TestStartEventAcceptsProviderFieldNames(t *testing.T) {
	var evt Envelope
	raw := `{"event":"start","start":{"callSid":"CA9","streamSid":"MZ1"}}`
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Start.callID() != "CA9" || evt.Start.streamID() != "MZ1" {
		t.Fatalf("expected provider names resolved, got %q %q", evt.Start.callID(), evt.Start.streamID())
	}
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
