package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Perceptus-Labs/perceptus-sight/models"
	"github.com/Perceptus-Labs/perceptus-sight/utils"
)

// SessionDeps are the capabilities built for one client session.
type SessionDeps struct {
	Remote     models.Intelligence
	Live       models.LiveStarter
	Recognizer models.Recognizer
	Speech     models.Synthesizer
	Memory     models.SceneMemory
	// Release, when set, runs after the session has ended.
	Release func()
}

// SessionFactory builds the capabilities of a new client session. Speech and
// live audio for the client go to sink.
type SessionFactory func(ctx context.Context, clientID string, sink models.SpeechSink) (SessionDeps, error)

type ServerConfig struct {
	AllowAnyOrigin bool
	Heartbeat      time.Duration
	FrameMaxAge    time.Duration
	CaptureScale   float64
	CaptureQuality int
	// Frames is a shared camera source. When nil every session keeps its own
	// buffer fed by video_frame messages.
	Frames       *utils.FrameBuffer
	Orchestrator OrchestratorConfig
}

type Server struct {
	cfg      ServerConfig
	factory  SessionFactory
	settings models.SettingsStore
	metrics  *utils.Metrics
	upgrader websocket.Upgrader
}

func NewServer(cfg ServerConfig, factory SessionFactory, settings models.SettingsStore, metrics *utils.Metrics) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.FrameMaxAge <= 0 {
		cfg.FrameMaxAge = 5 * time.Second
	}
	if settings == nil {
		settings = utils.NewMemorySettingsStore()
	}
	return &Server{
		cfg:      cfg,
		factory:  factory,
		settings: settings,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		utils.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/ws", s.HandleClientSession)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"languages": len(models.Languages()),
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WebSocketMessage is the envelope of every message in both directions.
type WebSocketMessage struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type rememberSaveData struct {
	Name string `json:"name"`
}

type settingsData struct {
	Language   *string  `json:"language,omitempty"`
	SpeechRate *float64 `json:"speech_rate,omitempty"`
}

type connectivityData struct {
	Online bool `json:"online"`
}

type videoFrameData struct {
	Image string `json:"image"`
}

type audioData struct {
	Audio string `json:"audio"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Intent  string `json:"intent,omitempty"`
}

type stateData struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`
	models.SessionState
}

// ClientSession is one websocket connection and the orchestrator it drives.
type ClientSession struct {
	ID           string
	ClientID     string
	Connection   *websocket.Conn
	Logger       *zap.Logger
	StartTime    time.Time
	Frames       *utils.FrameBuffer
	Orchestrator *Orchestrator

	ctx        context.Context
	cancel     context.CancelFunc
	outbound   chan WebSocketMessage
	closing    chan struct{}
	closeOnce  sync.Once
	dialogOpen atomic.Bool
	settings   models.SettingsStore
	metrics    *utils.Metrics
}

func newClientSession(ctx context.Context, id, clientID string, conn *websocket.Conn, frames *utils.FrameBuffer, settings models.SettingsStore, metrics *utils.Metrics) *ClientSession {
	ctx, cancel := context.WithCancel(ctx)
	return &ClientSession{
		ID:         id,
		ClientID:   clientID,
		Connection: conn,
		Logger:     zap.L().With(zap.String("session_id", id), zap.String("client_id", clientID)),
		StartTime:  time.Now(),
		Frames:     frames,
		ctx:        ctx,
		cancel:     cancel,
		outbound:   make(chan WebSocketMessage, 256),
		closing:    make(chan struct{}),
		settings:   settings,
		metrics:    metrics,
	}
}

// HandleClientSession upgrades the request and serves one client until it disconnects.
func (s *Server) HandleClientSession(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Error("Failed to upgrade to websocket", zap.Error(err))
		return
	}
	defer conn.Close()

	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		clientID = uuid.NewString()
	}
	frames := s.cfg.Frames
	if frames == nil {
		frames = utils.NewFrameBuffer(s.cfg.FrameMaxAge)
	}

	session := newClientSession(r.Context(), uuid.NewString(), clientID, conn, frames, s.settings, s.metrics)
	defer session.cancel()
	session.Logger.Info("New client session started")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		session.writeLoop()
	}()

	deps, err := s.factory(session.ctx, clientID, session)
	if err != nil {
		session.Logger.Error("Failed to initialize session capabilities", zap.Error(err))
		session.sendError("", "unavailable", "session could not be initialized")
		session.stopWriter(writerDone)
		return
	}
	if deps.Release != nil {
		defer deps.Release()
	}

	orchCfg := s.cfg.Orchestrator
	orchCfg.SessionID = session.ID
	orchCfg.OnChange = session.sendState
	orchCfg = session.applyStoredSettings(orchCfg)

	session.Orchestrator = NewOrchestrator(OrchestratorDeps{
		Capture:    utils.NewFrameCapture(frames, s.cfg.CaptureScale, s.cfg.CaptureQuality),
		Remote:     deps.Remote,
		Live:       deps.Live,
		Recognizer: deps.Recognizer,
		Speech:     deps.Speech,
		Memory:     deps.Memory,
		Metrics:    s.metrics,
		Logger:     zap.L().With(zap.String("client_id", clientID)),
	}, orchCfg)

	s.metrics.SessionOpened()
	defer s.metrics.SessionClosed()

	session.sendWebSocketMessage("languages", models.Languages())
	session.sendState(session.Orchestrator.Snapshot())
	go session.heartbeat(s.cfg.Heartbeat)

	session.listenWebsocketMessages()

	session.Logger.Info("Client session ended", zap.Duration("uptime", time.Since(session.StartTime)))
	if err := session.Orchestrator.Close(); err != nil {
		session.Logger.Warn("Failed to close orchestrator", zap.Error(err))
	}
	session.stopWriter(writerDone)
}

func (session *ClientSession) applyStoredSettings(cfg OrchestratorConfig) OrchestratorConfig {
	ctx, cancel := context.WithTimeout(session.ctx, 3*time.Second)
	defer cancel()

	stored, ok, err := session.settings.Load(ctx, session.ClientID)
	if err != nil {
		session.Logger.Warn("Failed to load settings", zap.Error(err))
		return cfg
	}
	if !ok {
		return cfg
	}
	if lang, found := models.LookupLanguage(stored.LanguageCode); found {
		cfg.Language = lang
	}
	if models.ValidSpeechRate(stored.SpeechRate) {
		cfg.SpeechRate = stored.SpeechRate
	}
	session.Logger.Debug("Restored settings", zap.String("language", stored.LanguageCode), zap.Float64("speech_rate", stored.SpeechRate))
	return cfg
}

func (session *ClientSession) saveSettings() {
	state := session.Orchestrator.Snapshot()
	ctx, cancel := context.WithTimeout(session.ctx, 3*time.Second)
	defer cancel()
	err := session.settings.Save(ctx, session.ClientID, models.Settings{
		LanguageCode: state.Language.Code,
		SpeechRate:   state.SpeechRate,
	})
	if err != nil {
		session.Logger.Warn("Failed to save settings", zap.Error(err))
	}
}

func (session *ClientSession) listenWebsocketMessages() {
	conn := session.Connection
	conn.SetReadLimit(4 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	})

	for {
		var msg inboundMessage
		err := conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				session.Logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		session.metrics.WSMessage("inbound", msg.Type)
		session.handleMessage(msg)
	}
}

func (session *ClientSession) handleMessage(msg inboundMessage) {
	o := session.Orchestrator
	var err error

	switch msg.Type {
	case "describe":
		err = o.Describe()
	case "identify":
		err = o.IdentifyPerson()
	case "ask":
		err = o.Ask()
	case "live":
		err = o.ToggleLive()
	case "stop":
		err = o.Stop()
	case "remember":
		err = o.Remember()
	case "remember_save":
		var data rememberSaveData
		if err = decodeData(msg.Data, &data); err == nil {
			err = o.SaveRemembered(data.Name)
		}
	case "remember_cancel":
		err = o.CancelRemember()
	case "settings":
		err = session.handleSettings(msg.Data)
	case "connectivity":
		var data connectivityData
		if err = decodeData(msg.Data, &data); err == nil {
			err = o.SetConnectivity(data.Online)
		}
	case "video_frame":
		err = session.handleVideoFrame(msg.Data)
	case "audio_data":
		err = session.handleAudioData(msg.Data)
	case "ping":
		session.sendWebSocketMessage("pong", nil)
	default:
		session.Logger.Warn("Unknown message type", zap.String("type", msg.Type))
		session.sendError(msg.Type, "unknown_type", "unknown message type")
		return
	}

	if err != nil {
		session.reportError(msg.Type, err)
	}
}

func decodeData(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return errors.New("missing data")
	}
	return json.Unmarshal(raw, out)
}

func (session *ClientSession) handleSettings(raw json.RawMessage) error {
	var data settingsData
	if err := decodeData(raw, &data); err != nil {
		return err
	}
	if data.Language != nil {
		if err := session.Orchestrator.SetLanguage(*data.Language); err != nil {
			return err
		}
	}
	if data.SpeechRate != nil {
		if err := session.Orchestrator.SetSpeechRate(*data.SpeechRate); err != nil {
			return err
		}
	}
	session.saveSettings()
	return nil
}

// stripDataURL removes a "data:<mime>;base64," prefix if present.
func stripDataURL(s string) string {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			return s[i+1:]
		}
	}
	return s
}

func (session *ClientSession) handleVideoFrame(raw json.RawMessage) error {
	var data videoFrameData
	if err := decodeData(raw, &data); err != nil {
		return err
	}
	frame, err := base64.StdEncoding.DecodeString(stripDataURL(data.Image))
	if err != nil {
		return err
	}
	session.Frames.Put(frame)
	return nil
}

func (session *ClientSession) handleAudioData(raw json.RawMessage) error {
	var data audioData
	if err := decodeData(raw, &data); err != nil {
		return err
	}
	pcm, err := base64.StdEncoding.DecodeString(data.Audio)
	if err != nil {
		return err
	}
	return session.Orchestrator.PushAudio(pcm)
}

func (session *ClientSession) reportError(intent string, err error) {
	code := "internal"
	switch {
	case errors.Is(err, models.ErrCaptureUnavailable):
		// No frame means the action is dropped without feedback.
		session.Logger.Debug("Intent dropped without frame", zap.String("intent", intent))
		return
	case errors.Is(err, models.ErrBusy):
		code = "busy"
	case errors.Is(err, models.ErrEmptyName):
		code = "empty_name"
	case errors.Is(err, models.ErrNoPendingPerson):
		code = "no_pending_person"
	case errors.Is(err, models.ErrUnknownLanguage):
		code = "unknown_language"
	case errors.Is(err, models.ErrInvalidSpeechRate):
		code = "invalid_speech_rate"
	case errors.Is(err, models.ErrClosed):
		code = "closed"
	}
	session.Logger.Warn("Intent failed", zap.String("intent", intent), zap.String("code", code), zap.Error(err))
	session.sendError(intent, code, err.Error())
}

func (session *ClientSession) sendError(intent, code, message string) {
	session.sendWebSocketMessage("error", errorData{Code: code, Message: message, Intent: intent})
}

func (session *ClientSession) sendState(state models.SessionState) {
	session.sendWebSocketMessage("state", stateData{
		SessionID:    session.ID,
		ClientID:     session.ClientID,
		SessionState: state,
	})
	if session.dialogOpen.Swap(state.RememberDialogOpen) != state.RememberDialogOpen {
		session.sendWebSocketMessage("remember_dialog", map[string]any{
			"open": state.RememberDialogOpen,
		})
	}
}

// PlaySpeech forwards an utterance or an audio chunk to the client.
func (session *ClientSession) PlaySpeech(out models.SpeechOutput) error {
	if len(out.Audio) > 0 {
		session.sendWebSocketMessage("speech_audio", out)
		return nil
	}
	session.sendWebSocketMessage("speak", out)
	return nil
}

// HaltSpeech tells the client to stop playback immediately.
func (session *ClientSession) HaltSpeech() error {
	session.sendWebSocketMessage("speech_stop", nil)
	return nil
}

func (session *ClientSession) sendWebSocketMessage(msgType string, data any) {
	msg := WebSocketMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	}
	select {
	case session.outbound <- msg:
	case <-session.ctx.Done():
	default:
		session.Logger.Warn("Outbound queue full, dropping message", zap.String("type", msgType))
	}
}

// writeLoop is the only writer of the connection.
func (session *ClientSession) writeLoop() {
	for {
		select {
		case <-session.ctx.Done():
			return
		case msg := <-session.outbound:
			session.write(msg)
		case <-session.closing:
			for {
				select {
				case msg := <-session.outbound:
					session.write(msg)
				default:
					return
				}
			}
		}
	}
}

func (session *ClientSession) write(msg WebSocketMessage) {
	_ = session.Connection.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := session.Connection.WriteJSON(msg); err != nil {
		session.Logger.Error("Failed to send websocket message", zap.Error(err), zap.String("type", msg.Type))
		session.cancel()
		return
	}
	session.metrics.WSMessage("outbound", msg.Type)
}

// stopWriter lets the writer drain the queue, then waits for it to exit.
func (session *ClientSession) stopWriter(writerDone <-chan struct{}) {
	session.closeOnce.Do(func() { close(session.closing) })
	<-writerDone
}

func (session *ClientSession) heartbeat(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-session.ctx.Done():
			return
		case <-ticker.C:
			session.Logger.Debug("Session heartbeat")
			session.sendWebSocketMessage("heartbeat", map[string]any{
				"session_id": session.ID,
				"uptime":     time.Since(session.StartTime).String(),
			})
		}
	}
}
