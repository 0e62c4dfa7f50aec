package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/parkvoice/joanne/pkg/errorsx"
	"github.com/parkvoice/joanne/pkg/frames"
	"github.com/parkvoice/joanne/pkg/transports"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	TTSWebhookPath     string   `mapstructure:"tts_webhook_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
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
	if c.TTSWebhookPath == "" {
		c.TTSWebhookPath = "/tts/webhook"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// stream is everything the transport tracks for one media stream: the call
// identity behind it and the websocket session carrying it.
type stream struct {
	callSID string
	traceID string
	from    string
	sess    *session
}

// Transport serves Twilio's media-stream protocol: a TwiML webhook answers
// the call and points Twilio at the websocket endpoint, the websocket carries
// mulaw audio both ways, and the status callback reports hangups that never
// reach the socket.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame

	updateClient callUpdater

	mu      sync.Mutex
	streams map[string]*stream
	byCall  map[string]string

	draining atomic.Bool
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recvCh:  make(chan frames.Frame, 512),
		streams: make(map[string]*stream),
		byCall:  make(map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.externalURL(t.cfg.VoicePath),
		"status_callback_url": t.externalURL(t.cfg.StatusCallbackPath),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.TTSWebhookPath, t.handleTTSWebhook)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
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
			slog.Error("twilio_transport_server_error", "error", err.Error())
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
	for _, st := range t.streams {
		if st.sess != nil {
			_ = st.sess.close()
		}
	}
	t.streams = make(map[string]*stream)
	t.byCall = make(map[string]string)
	t.mu.Unlock()
	close(t.recvCh)
	return nil
}

// ServeHTTP is the websocket leg. One goroutine per connection reads Twilio
// events until the stream stops or the socket drops; either way a call_end
// frame goes upstream exactly once for this stream.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
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
		var evt mediaStreamEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start != nil {
				streamID = evt.Start.StreamID
				t.onStart(streamID, evt.Start.CallSID, evt.Start.From, conn)
			}
		case "media":
			t.onMedia(streamID, evt.Media)
		case "dtmf":
			t.onDTMF(streamID, evt.DTMF)
		case "stop":
			t.onStop(streamID, evt.Stop)
			return
		}
	}
	if streamID != "" {
		t.emitCallEnd(streamID, callEndReason("transport_closed"))
	}
}

func (t *Transport) onMedia(streamID string, media *mediaPayload) {
	if media == nil {
		return
	}
	payload, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		return
	}
	meta := t.streamMeta(streamID)
	meta[frames.MetaEncoding] = "mulaw"
	meta[frames.MetaCodec] = "ulaw"
	meta[frames.MetaFormat] = "ulaw_8000_1ch_8bit"
	push(t.recvCh, frames.NewAudioFrame(streamID, time.Now().UnixNano(), payload, 8000, 1, meta))
}

func (t *Transport) onDTMF(streamID string, dtmf *dtmfPayload) {
	if dtmf == nil {
		return
	}
	meta := t.streamMeta(streamID)
	meta[frames.MetaDTMFDigit] = dtmf.Digit
	push(t.recvCh, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlDTMF, meta))
}

func (t *Transport) onStop(streamID string, stop *stopPayload) {
	reason := ""
	if stop != nil {
		reason = callEndReason(stop.Reason)
	}
	if reason == "" {
		reason = "completed"
	}
	t.emitCallEnd(streamID, reason)
}

func (t *Transport) onStart(streamID, callSID, from string, conn *websocket.Conn) {
	traceID := uuid.NewString()
	oldStream, oldSess := t.attach(streamID, callSID, traceID, from, conn)
	if oldSess != nil {
		_ = oldSess.close()
	}
	meta := map[string]string{
		frames.MetaStreamID:   streamID,
		frames.MetaCallSID:    callSID,
		frames.MetaTraceID:    traceID,
		frames.MetaFromNumber: from,
		frames.MetaSource:     "transport",
	}
	push(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_start", meta))
	if oldStream != "" {
		// Twilio reconnected the same call on a fresh stream; tell the
		// pipeline so it can rebind sessions instead of starting over.
		reconnectMeta := map[string]string{
			frames.MetaStreamID:    streamID,
			frames.MetaCallSID:     callSID,
			frames.MetaTraceID:     traceID,
			frames.MetaOldStreamID: oldStream,
			frames.MetaSource:      "transport",
		}
		push(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_reconnect", reconnectMeta))
	}
}

func (t *Transport) emitCallEnd(streamID, reason string) {
	meta := t.streamMeta(streamID)
	if reason != "" {
		meta[frames.MetaCallEndReason] = reason
	}
	push(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
	t.detach(streamID)
}

func (t *Transport) Send(f frames.Frame) error {
	switch f.Kind() {
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		streamID := cf.Meta()[frames.MetaStreamID]
		switch cf.Code() {
		case frames.ControlFallback:
			return t.sendFallback(streamID)
		case frames.ControlFlush, frames.ControlCancel, frames.ControlStartInterruption:
			return t.clearBuffer(streamID)
		}
		return nil
	case frames.KindAudio:
		af := f.(frames.AudioFrame)
		streamID := af.Meta()[frames.MetaStreamID]
		sess := t.session(streamID)
		if sess == nil {
			return nil
		}
		return sess.enqueue(map[string]any{
			"event":     "media",
			"streamSid": streamID,
			"media": map[string]any{
				"payload": base64.StdEncoding.EncodeToString(af.RawPayload()),
			},
		})
	default:
		return nil
	}
}

// Dial places an outbound call through the Twilio REST API.
func (t *Transport) Dial(ctx context.Context, to, from, url string) (string, error) {
	return NewDialer(t.cfg).Dial(ctx, to, from, url)
}

func (t *Transport) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	return NewDialer(t.cfg).DialWithOptions(ctx, to, from, url, opts)
}

// SendDTMF plays digits into an active call via a call update.
func (t *Transport) SendDTMF(ctx context.Context, callSID, digits string) error {
	_ = ctx
	if strings.TrimSpace(callSID) == "" {
		return errors.New("call sid required")
	}
	if strings.TrimSpace(digits) == "" {
		return errors.New("digits required")
	}
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return errors.New("missing twilio credentials")
	}
	updater := t.updateClient
	if updater == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: t.cfg.AccountSID,
			Password: t.cfg.AuthToken,
		})
		updater = rest.Api
	}
	params := &api.UpdateCallParams{}
	params.SetTwiml(fmt.Sprintf(`<Response><Play digits="%s"/></Response>`, xmlEscape(digits)))
	_, err := updater.UpdateCall(callSID, params)
	return err
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.verifySignature(r) {
		slog.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	wsURL := t.mediaSocketURL(r)
	twiml := `<Response><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	if greeting := strings.TrimSpace(t.cfg.VoiceGreeting); greeting != "" {
		twiml = `<Response><Say>` + xmlEscape(greeting) + `</Say><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

// handleTTSWebhook is the playback-complete signal: the synthesis side calls
// it when all audio for a reply has been handed to Twilio.
func (t *Transport) handleTTSWebhook(w http.ResponseWriter, r *http.Request) {
	if t.cfg.AuthToken != "" && !t.verifySignature(r) {
		slog.Warn("twilio_tts_webhook_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	streamID := r.URL.Query().Get("stream_id")
	if streamID == "" {
		t.mu.Lock()
		if len(t.streams) == 1 {
			for id := range t.streams {
				streamID = id
			}
		}
		t.mu.Unlock()
	}
	if streamID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	meta := t.streamMeta(streamID)
	push(t.recvCh, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlAudioReady, meta))
	w.WriteHeader(http.StatusOK)
}

// handleStatusCallback covers hangups the websocket never sees, like a
// caller dropping before the stream started.
func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.verifySignature(r) {
		slog.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := callEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	streamID := t.streamForCall(callSID)
	if streamID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	t.emitCallEnd(streamID, reason)
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) mediaSocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) externalURL(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

// attach registers a stream. When the call already had a stream (Twilio
// reconnect) the stale one is returned so the caller can close it outside
// the lock.
func (t *Transport) attach(streamID, callSID, traceID, from string, conn *websocket.Conn) (string, *session) {
	st := &stream{
		callSID: callSID,
		traceID: traceID,
		from:    from,
		sess:    &session{conn: conn, sendCh: make(chan []byte, 256)},
	}
	var oldStream string
	var oldSess *session
	t.mu.Lock()
	if callSID != "" {
		if existing := t.byCall[callSID]; existing != "" && existing != streamID {
			oldStream = existing
			if old := t.streams[existing]; old != nil {
				oldSess = old.sess
			}
			delete(t.streams, existing)
		}
		t.byCall[callSID] = streamID
	}
	t.streams[streamID] = st
	t.mu.Unlock()
	go st.sess.loop()
	return oldStream, oldSess
}

func (t *Transport) detach(streamID string) {
	t.mu.Lock()
	st := t.streams[streamID]
	delete(t.streams, streamID)
	if st != nil && st.callSID != "" && t.byCall[st.callSID] == streamID {
		delete(t.byCall, st.callSID)
	}
	t.mu.Unlock()
	if st != nil && st.sess != nil {
		_ = st.sess.close()
	}
}

func (t *Transport) session(streamID string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st := t.streams[streamID]; st != nil {
		return st.sess
	}
	return nil
}

func (t *Transport) streamForCall(callSID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byCall[callSID]
}

func (t *Transport) streamMeta(streamID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{frames.MetaStreamID: streamID}
	st := t.streams[streamID]
	if st == nil {
		return meta
	}
	if st.callSID != "" {
		meta[frames.MetaCallSID] = st.callSID
	}
	if st.traceID != "" {
		meta[frames.MetaTraceID] = st.traceID
	}
	if st.from != "" {
		meta[frames.MetaFromNumber] = st.from
	}
	return meta
}

func (t *Transport) clearBuffer(streamID string) error {
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	return sess.enqueue(map[string]any{
		"event":     "clear",
		"streamSid": streamID,
	})
}

// sendFallback plays a short burst of mulaw silence, keeping the line alive
// while a provider recovers.
func (t *Transport) sendFallback(streamID string) error {
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	for _, chunk := range fallbackMuLawFrames() {
		_ = sess.enqueue(map[string]any{
			"event":     "media",
			"streamSid": streamID,
			"media": map[string]any{
				"payload": base64.StdEncoding.EncodeToString(chunk),
			},
		})
	}
	return nil
}

func (t *Transport) verifySignature(r *http.Request) bool {
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

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return strings.TrimRight(t.cfg.PublicURL, "/") + r.URL.RequestURI()
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

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
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

// callEndReason folds Twilio's call statuses into the handful of
// end reasons the pipeline cares about. In-flight statuses map to empty.
func callEndReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return ""
	case "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

// session serializes websocket writes for one stream through a single
// goroutine; enqueue never blocks the pipeline.
type session struct {
	conn   *websocket.Conn
	sendCh chan []byte
	closed atomic.Bool
}

func (s *session) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.sendCh <- b:
	default:
	}
	return nil
}

func (s *session) loop() {
	for msg := range s.sendCh {
		if s.conn == nil {
			continue
		}
		_ = s.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (s *session) close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.sendCh)
	}
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Wire shapes for Twilio media-stream events.
type mediaStreamEvent struct {
	Event string        `json:"event"`
	Start *startPayload `json:"start,omitempty"`
	Media *mediaPayload `json:"media,omitempty"`
	DTMF  *dtmfPayload  `json:"dtmf,omitempty"`
	Stop  *stopPayload  `json:"stop,omitempty"`
}

type startPayload struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type dtmfPayload struct {
	Digit string `json:"digit"`
}

type stopPayload struct {
	Reason string `json:"reason"`
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

var fallbackMuLawOnce sync.Once
var fallbackMuLaw [][]byte

func fallbackMuLawFrames() [][]byte {
	fallbackMuLawOnce.Do(func() {
		silence := bytes.Repeat([]byte{0xFF}, 160*5)
		for i := 0; i < len(silence); i += 160 {
			fallbackMuLaw = append(fallbackMuLaw, silence[i:i+160])
		}
	})
	return fallbackMuLaw
}

func push(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}
