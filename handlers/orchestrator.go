package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Perceptus-Labs/perceptus-sight/models"
	"github.com/Perceptus-Labs/perceptus-sight/utils"
)

// OrchestratorDeps are the capabilities an orchestrator drives. Memory and
// Metrics are optional.
type OrchestratorDeps struct {
	Capture    models.FrameCapturer
	Remote     models.Intelligence
	Live       models.LiveStarter
	Recognizer models.Recognizer
	Speech     models.Synthesizer
	Memory     models.SceneMemory
	Metrics    *utils.Metrics
	Logger     *zap.Logger
}

type OrchestratorConfig struct {
	SessionID           string
	FramePeriod         time.Duration
	CancelGuard         time.Duration
	LiveTeardownTimeout time.Duration
	Language            models.LanguageOption
	SpeechRate          float64
	// NewTicker drives the live frame feed. Defaults to time.NewTicker.
	NewTicker func(d time.Duration) (<-chan time.Time, func())
	// OnChange receives every new state from the orchestrator goroutine. It must not block.
	OnChange func(models.SessionState)
}

// audioReceiver is implemented by recognizers that are fed audio by the caller.
type audioReceiver interface {
	Send(pcm []byte) error
}

type envelope struct {
	fn    func() error
	reply chan error
}

type queuedUtterance struct {
	ctx context.Context
	u   models.Utterance
}

// speechPolicy is the voice, rate and language captured when a call is dispatched.
type speechPolicy struct {
	voice    models.Voice
	rate     float64
	language models.LanguageOption
}

// Orchestrator decides which assistive action runs and owns all session
// state. Every transition executes on a single goroutine; intents, remote
// completions, transcripts and live session events reach it as messages.
type Orchestrator struct {
	deps   OrchestratorDeps
	cfg    OrchestratorConfig
	logger *zap.Logger

	ctx       context.Context
	cancelCtx context.CancelFunc

	events    chan envelope
	done      chan struct{}
	closeOnce sync.Once
	speechQ   chan queuedUtterance
	inflight  sync.WaitGroup

	// Owned by the loop goroutine.
	action       models.Action
	processing   bool
	listening    bool
	live         bool
	connected    bool
	rate         float64
	language     models.LanguageOption
	people       []models.RememberedPerson
	cancelled    bool
	guardGen     uint64
	activeToken  string
	callCancel   context.CancelFunc
	dialogOpen   bool
	pendingFrame string
	speechCtx    context.Context
	speechCancel context.CancelFunc
	lastKey      stateKey
	stopping     bool

	liveToken   string
	liveSession models.LiveSession
	feedCancel  context.CancelFunc
	feedDone    chan struct{}
}

func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) *Orchestrator {
	if cfg.FramePeriod <= 0 {
		cfg.FramePeriod = 500 * time.Millisecond
	}
	if cfg.CancelGuard <= 0 {
		cfg.CancelGuard = 750 * time.Millisecond
	}
	if cfg.LiveTeardownTimeout <= 0 {
		cfg.LiveTeardownTimeout = 5 * time.Second
	}
	if cfg.Language.Code == "" {
		cfg.Language = models.DefaultLanguage()
	}
	if !models.ValidSpeechRate(cfg.SpeechRate) {
		cfg.SpeechRate = models.DefaultSpeechRate
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.L()
	}
	if cfg.SessionID != "" {
		logger = logger.With(zap.String("session_id", cfg.SessionID))
	}

	ctx, cancel := context.WithCancel(context.Background())
	speechCtx, speechCancel := context.WithCancel(ctx)
	o := &Orchestrator{
		deps:         deps,
		cfg:          cfg,
		logger:       logger,
		ctx:          ctx,
		cancelCtx:    cancel,
		events:       make(chan envelope),
		done:         make(chan struct{}),
		speechQ:      make(chan queuedUtterance, 32),
		connected:    true,
		rate:         cfg.SpeechRate,
		language:     cfg.Language,
		speechCtx:    speechCtx,
		speechCancel: speechCancel,
	}
	o.lastKey = o.key()

	go o.run()
	go o.speechWorker()
	return o
}

func (o *Orchestrator) run() {
	defer close(o.done)
	o.logger.Debug("Orchestrator started")
	for env := range o.events {
		err := env.fn()
		o.notify()
		env.reply <- err
		if o.stopping {
			close(o.speechQ)
			o.logger.Debug("Orchestrator stopped")
			return
		}
	}
}

// do runs fn on the orchestrator goroutine and returns its error.
func (o *Orchestrator) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case o.events <- envelope{fn: fn, reply: reply}:
	case <-o.done:
		return models.ErrClosed
	}
	return <-reply
}

// spawn runs fn on a worker goroutine. Only called from the loop.
func (o *Orchestrator) spawn(fn func()) {
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		fn()
	}()
}

// Describe captures a frame and describes the scene.
func (o *Orchestrator) Describe() error {
	return o.do(func() error { return o.handleSingleShot(models.ActionDescribe) })
}

// IdentifyPerson captures a frame and matches it against the remembered people.
func (o *Orchestrator) IdentifyPerson() error {
	return o.do(func() error { return o.handleSingleShot(models.ActionIdentifyPerson) })
}

// Ask starts listening for a question, or stops if already asking.
func (o *Orchestrator) Ask() error {
	return o.do(o.handleAsk)
}

// Stop cancels whatever is running.
func (o *Orchestrator) Stop() error {
	return o.do(func() error {
		o.globalStop("stop intent")
		return nil
	})
}

func (o *Orchestrator) SetLanguage(code string) error {
	return o.do(func() error {
		lang, ok := models.LookupLanguage(code)
		if !ok {
			return fmt.Errorf("%w: %q", models.ErrUnknownLanguage, code)
		}
		o.language = lang
		o.logger.Info("Language changed", zap.String("language", lang.Code), zap.String("voice", string(lang.Voice)))
		return nil
	})
}

func (o *Orchestrator) SetSpeechRate(rate float64) error {
	return o.do(func() error {
		if !models.ValidSpeechRate(rate) {
			return fmt.Errorf("%w: %v", models.ErrInvalidSpeechRate, rate)
		}
		o.rate = rate
		return nil
	})
}

func (o *Orchestrator) SetConnectivity(online bool) error {
	return o.do(func() error {
		if o.connected != online {
			o.logger.Info("Connectivity changed", zap.Bool("online", online))
		}
		o.connected = online
		return nil
	})
}

// PushAudio routes microphone audio to the live session, or to the
// recognizer while listening.
func (o *Orchestrator) PushAudio(pcm []byte) error {
	return o.do(func() error {
		if o.liveSession != nil {
			return o.liveSession.SendAudio(pcm)
		}
		if o.listening {
			if r, ok := o.deps.Recognizer.(audioReceiver); ok {
				return r.Send(pcm)
			}
		}
		return nil
	})
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() models.SessionState {
	var s models.SessionState
	if err := o.do(func() error {
		s = o.snapshot()
		return nil
	}); err != nil {
		return models.SessionState{Phase: models.PhaseIdle, SpeechRate: o.cfg.SpeechRate, Language: o.cfg.Language}
	}
	return s
}

// People returns the remembered people in insertion order.
func (o *Orchestrator) People() []models.RememberedPerson {
	var people []models.RememberedPerson
	_ = o.do(func() error {
		people = append([]models.RememberedPerson(nil), o.people...)
		return nil
	})
	return people
}

// Close stops everything and ends the orchestrator goroutine.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		_ = o.do(func() error {
			o.shutdown()
			return nil
		})
		<-o.done
	})
	return nil
}

func (o *Orchestrator) shutdown() {
	o.speechCancel()
	if err := o.deps.Speech.Stop(); err != nil {
		o.logger.Debug("Failed to stop speech", zap.Error(err))
	}
	o.stopListening()
	o.stopLive()
	if o.callCancel != nil {
		o.callCancel()
		o.callCancel = nil
	}
	o.activeToken = ""
	o.action = models.ActionNone
	o.processing = false
	o.dialogOpen = false
	o.pendingFrame = ""
	o.cancelCtx()
	o.stopping = true
}

func (o *Orchestrator) policy() speechPolicy {
	return speechPolicy{voice: o.language.Voice, rate: o.rate, language: o.language}
}

// beginAction clears the cancellation flag and makes a fresh token active.
func (o *Orchestrator) beginAction(action models.Action) string {
	o.cancelled = false
	o.guardGen++
	o.action = action
	o.activeToken = uuid.NewString()
	return o.activeToken
}

func (o *Orchestrator) finishAction() {
	o.activeToken = ""
	o.action = models.ActionNone
	o.processing = false
	o.listening = false
	if o.callCancel != nil {
		o.callCancel()
		o.callCancel = nil
	}
}

func (o *Orchestrator) handleSingleShot(action models.Action) error {
	if o.action == action {
		o.globalStop(string(action) + " toggled off")
		return nil
	}
	if o.action != models.ActionNone {
		return models.ErrBusy
	}

	image, ok := o.deps.Capture.Capture()
	if !ok {
		o.logger.Info("No frame available", zap.String("action", string(action)))
		o.deps.Metrics.ObserveAction(string(action), "no_frame")
		return models.ErrCaptureUnavailable
	}

	token := o.beginAction(action)
	o.processing = true
	p := o.policy()

	var call func(ctx context.Context) (string, error)
	switch action {
	case models.ActionDescribe:
		o.speak(models.CueDescribe, p)
		call = func(ctx context.Context) (string, error) {
			return o.deps.Remote.DescribeScene(ctx, image, p.language.Name)
		}
	case models.ActionIdentifyPerson:
		o.speak(models.CueIdentifyPerson, p)
		people := append([]models.RememberedPerson(nil), o.people...)
		call = func(ctx context.Context) (string, error) {
			return o.deps.Remote.DescribePerson(ctx, image, people, p.language.Name)
		}
	}

	o.logger.Info("Action dispatched", zap.String("action", string(action)), zap.String("token", token))
	o.dispatch(token, action, p, call)
	return nil
}

// dispatch runs call on a worker and delivers the result back to the loop.
func (o *Orchestrator) dispatch(token string, action models.Action, p speechPolicy, call func(ctx context.Context) (string, error)) {
	ctx, cancel := context.WithCancel(o.ctx)
	o.callCancel = cancel
	o.spawn(func() {
		start := time.Now()
		text, err := call(ctx)
		o.deps.Metrics.ObserveRemoteLatency(string(action), time.Since(start))
		_ = o.do(func() error {
			o.completeCall(token, action, p, text, err)
			return nil
		})
	})
}

func (o *Orchestrator) completeCall(token string, action models.Action, p speechPolicy, text string, err error) {
	if token != o.activeToken || o.cancelled {
		o.logger.Debug("Discarding stale result", zap.String("action", string(action)), zap.String("token", token))
		o.deps.Metrics.ObserveAction(string(action), "discarded")
		return
	}
	o.finishAction()

	if err != nil {
		err = fmt.Errorf("%w: %v", models.ErrRemoteCallFailed, err)
		o.logger.Error("Remote call failed", zap.String("action", string(action)), zap.Error(err))
		o.deps.Metrics.ObserveAction(string(action), "failed")
		o.speak(models.MsgApology, p)
		return
	}

	o.deps.Metrics.ObserveAction(string(action), "spoken")
	o.speak(text, p)

	if action == models.ActionDescribe && o.deps.Memory != nil {
		record := models.SceneRecord{
			ID:          uuid.NewString(),
			SessionID:   o.cfg.SessionID,
			Description: text,
			Language:    p.language.Code,
			Timestamp:   time.Now(),
		}
		o.spawn(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := o.deps.Memory.Store(ctx, record); err != nil {
				o.logger.Warn("Failed to store scene", zap.Error(err))
			}
		})
	}
}

func (o *Orchestrator) handleAsk() error {
	if o.action == models.ActionAsk {
		o.globalStop("ask toggled off")
		return nil
	}
	if o.action != models.ActionNone {
		return models.ErrBusy
	}

	token := o.beginAction(models.ActionAsk)
	o.listening = true

	err := o.deps.Recognizer.Start(o.ctx, o.language.Code, func(transcript string) {
		_ = o.do(func() error {
			o.handleTranscript(token, transcript)
			return nil
		})
	})
	if err != nil {
		o.finishAction()
		o.logger.Error("Failed to start recognition", zap.Error(err))
		return fmt.Errorf("failed to start recognition: %w", err)
	}
	o.speak(models.CueListening, o.policy())
	o.logger.Info("Listening", zap.String("locale", o.language.Code))
	return nil
}

func (o *Orchestrator) handleTranscript(token, transcript string) {
	if token != o.activeToken || !o.listening {
		return
	}
	o.listening = false

	question := strings.TrimSpace(transcript)
	if question == "" {
		o.logger.Info("Nothing heard", zap.Error(models.ErrRecognitionEmpty))
		o.deps.Metrics.ObserveAction(string(models.ActionAsk), "empty")
		o.finishAction()
		return
	}

	image, _ := o.deps.Capture.Capture()
	o.processing = true
	p := o.policy()
	o.logger.Info("Question received", zap.String("question", question), zap.Bool("with_image", image != ""))

	memory := o.deps.Memory
	o.dispatch(token, models.ActionAsk, p, func(ctx context.Context) (string, error) {
		q := models.Question{Image: image, Text: question, Language: p.language.Name}
		if memory != nil {
			recollections, err := memory.Recall(ctx, question)
			if err != nil {
				o.logger.Warn("Failed to recall scenes", zap.Error(err))
			}
			q.Recollections = recollections
		}
		return o.deps.Remote.AskWithContext(ctx, q)
	})
}

func (o *Orchestrator) stopListening() {
	if !o.listening && !o.deps.Recognizer.IsListening() {
		return
	}
	o.listening = false
	if err := o.deps.Recognizer.Stop(); err != nil {
		o.logger.Debug("Failed to stop recognition", zap.Error(err))
	}
}

// globalStop halts speech, recognition, live mode and any pending call, then
// raises the cancellation flag for the guard window.
func (o *Orchestrator) globalStop(reason string) {
	o.speechCancel()
	o.speechCtx, o.speechCancel = context.WithCancel(o.ctx)
	if err := o.deps.Speech.Stop(); err != nil {
		o.logger.Debug("Failed to stop speech", zap.Error(err))
	}

	stopped := o.action
	o.stopListening()
	o.stopLive()
	o.finishAction()
	o.dialogOpen = false
	o.pendingFrame = ""

	o.cancelled = true
	o.guardGen++
	gen := o.guardGen
	time.AfterFunc(o.cfg.CancelGuard, func() {
		_ = o.do(func() error {
			if o.guardGen == gen {
				o.cancelled = false
			}
			return nil
		})
	})

	if stopped != models.ActionNone {
		o.deps.Metrics.ObserveAction(string(stopped), "stopped")
	}
	o.logger.Info("Stopped", zap.String("reason", reason), zap.String("action", string(stopped)))
}

// speak queues an utterance under the current speech context.
func (o *Orchestrator) speak(text string, p speechPolicy) {
	o.inflight.Add(1)
	o.speechQ <- queuedUtterance{
		ctx: o.speechCtx,
		u: models.Utterance{
			ID:    uuid.NewString(),
			Text:  text,
			Voice: p.voice,
			Rate:  p.rate,
		},
	}
}

func (o *Orchestrator) speechWorker() {
	for q := range o.speechQ {
		if q.ctx.Err() == nil {
			if err := o.deps.Speech.Speak(q.ctx, q.u); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Warn("Failed to speak", zap.Error(err))
			}
		}
		o.inflight.Done()
	}
}

func (o *Orchestrator) phase() models.Phase {
	switch {
	case o.action == models.ActionLive:
		return models.PhaseLive
	case o.listening:
		return models.PhaseListening
	case o.processing:
		return models.PhaseProcessing
	default:
		return models.PhaseIdle
	}
}

func (o *Orchestrator) snapshot() models.SessionState {
	return models.SessionState{
		Phase:              o.phase(),
		Action:             o.action,
		Processing:         o.processing,
		Live:               o.live,
		Connected:          o.connected,
		SpeechRate:         o.rate,
		Language:           o.language,
		People:             append([]models.RememberedPerson(nil), o.people...),
		Cancelled:          o.cancelled,
		RememberDialogOpen: o.dialogOpen,
	}
}

type stateKey struct {
	phase      models.Phase
	action     models.Action
	processing bool
	live       bool
	connected  bool
	rate       float64
	language   string
	people     int
	cancelled  bool
	dialog     bool
}

func (o *Orchestrator) key() stateKey {
	return stateKey{
		phase:      o.phase(),
		action:     o.action,
		processing: o.processing,
		live:       o.live,
		connected:  o.connected,
		rate:       o.rate,
		language:   o.language.Code,
		people:     len(o.people),
		cancelled:  o.cancelled,
		dialog:     o.dialogOpen,
	}
}

func (o *Orchestrator) notify() {
	k := o.key()
	if k == o.lastKey {
		return
	}
	o.lastKey = k
	if o.cfg.OnChange != nil {
		o.cfg.OnChange(o.snapshot())
	}
}
