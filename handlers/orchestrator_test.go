package handlers

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Perceptus-Labs/perceptus-sight/models"
)

type fakeCapture struct {
	mu    sync.Mutex
	image string
	ok    bool
	calls int
}

func (f *fakeCapture) Capture() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.image, f.ok
}

func (f *fakeCapture) set(image string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.image, f.ok = image, ok
}

type remoteResult struct {
	text string
	err  error
}

type remoteCall struct {
	kind     string
	image    string
	language string
	people   []models.RememberedPerson
	question models.Question
	result   chan remoteResult
}

func (c *remoteCall) resolve(text string, err error) {
	c.result <- remoteResult{text: text, err: err}
}

type fakeRemote struct {
	calls chan *remoteCall
	// ignoreCancel makes calls wait for resolve even after their context ends.
	ignoreCancel bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{calls: make(chan *remoteCall, 16)}
}

func (f *fakeRemote) await(ctx context.Context, c *remoteCall) (string, error) {
	c.result = make(chan remoteResult, 1)
	f.calls <- c
	if f.ignoreCancel {
		r := <-c.result
		return r.text, r.err
	}
	select {
	case r := <-c.result:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *fakeRemote) DescribeScene(ctx context.Context, image string, language string) (string, error) {
	return f.await(ctx, &remoteCall{kind: "describe", image: image, language: language})
}

func (f *fakeRemote) DescribePerson(ctx context.Context, image string, people []models.RememberedPerson, language string) (string, error) {
	return f.await(ctx, &remoteCall{kind: "person", image: image, people: people, language: language})
}

func (f *fakeRemote) AskWithContext(ctx context.Context, q models.Question) (string, error) {
	return f.await(ctx, &remoteCall{kind: "ask", image: q.Image, question: q, language: q.Language})
}

type fakeSpeech struct {
	mu     sync.Mutex
	spoken []models.Utterance
	stops  int
}

func (f *fakeSpeech) Speak(ctx context.Context, u models.Utterance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, u)
	return nil
}

func (f *fakeSpeech) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeSpeech) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.spoken))
	for _, u := range f.spoken {
		out = append(out, u.Text)
	}
	return out
}

func (f *fakeSpeech) said(text string) bool {
	for _, s := range f.texts() {
		if s == text {
			return true
		}
	}
	return false
}

func (f *fakeSpeech) last() models.Utterance {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.spoken) == 0 {
		return models.Utterance{}
	}
	return f.spoken[len(f.spoken)-1]
}

func (f *fakeSpeech) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakeRecognizer struct {
	mu        sync.Mutex
	listening bool
	locale    string
	onResult  func(string)
	startErr  error
	stops     int
	audio     [][]byte
}

func (f *fakeRecognizer) Start(ctx context.Context, locale string, onResult func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.listening = true
	f.locale = locale
	f.onResult = onResult
	return nil
}

func (f *fakeRecognizer) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening = false
	f.stops++
	return nil
}

func (f *fakeRecognizer) IsListening() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listening
}

func (f *fakeRecognizer) Send(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, pcm)
	return nil
}

// emit delivers a transcript the way a recognizer would, from outside the orchestrator.
func (f *fakeRecognizer) emit(transcript string) {
	f.mu.Lock()
	onResult := f.onResult
	f.listening = false
	f.mu.Unlock()
	if onResult != nil {
		onResult(transcript)
	}
}

type fakeMemory struct {
	mu       sync.Mutex
	stored   []models.SceneRecord
	recalled []string
}

func (f *fakeMemory) Store(ctx context.Context, record models.SceneRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, record)
	return nil
}

func (f *fakeMemory) Recall(ctx context.Context, query string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recalled, nil
}

func (f *fakeMemory) storedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

type harness struct {
	o       *Orchestrator
	capture *fakeCapture
	remote  *fakeRemote
	speech  *fakeSpeech
	rec     *fakeRecognizer
	live    *fakeLiveStarter
	ticker  *manualTicker
	memory  *fakeMemory

	mu     sync.Mutex
	states []models.SessionState
}

type harnessOption func(*OrchestratorDeps, *OrchestratorConfig)

func withMemory(m *fakeMemory) harnessOption {
	return func(d *OrchestratorDeps, _ *OrchestratorConfig) { d.Memory = m }
}

func withGuard(d time.Duration) harnessOption {
	return func(_ *OrchestratorDeps, c *OrchestratorConfig) { c.CancelGuard = d }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		capture: &fakeCapture{image: "frame-A", ok: true},
		remote:  newFakeRemote(),
		speech:  &fakeSpeech{},
		rec:     &fakeRecognizer{},
		live:    newFakeLiveStarter(),
		ticker:  &manualTicker{ch: make(chan time.Time)},
	}
	deps := OrchestratorDeps{
		Capture:    h.capture,
		Remote:     h.remote,
		Live:       h.live,
		Recognizer: h.rec,
		Speech:     h.speech,
		Logger:     zap.NewNop(),
	}
	cfg := OrchestratorConfig{
		SessionID:           "test",
		FramePeriod:         500 * time.Millisecond,
		CancelGuard:         time.Minute,
		LiveTeardownTimeout: time.Second,
		NewTicker:           h.ticker.new,
		OnChange: func(s models.SessionState) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		},
	}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}
	if m, ok := deps.Memory.(*fakeMemory); ok {
		h.memory = m
	}
	h.o = NewOrchestrator(deps, cfg)
	t.Cleanup(func() { _ = h.o.Close() })
	return h
}

func (h *harness) nextCall(t *testing.T) *remoteCall {
	t.Helper()
	select {
	case c := <-h.remote.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a remote call")
		return nil
	}
}

func (h *harness) noCall(t *testing.T) {
	t.Helper()
	if n := len(h.remote.calls); n != 0 {
		t.Fatalf("expected no remote call, got %d", n)
	}
}

// settle waits for every worker and queued utterance to finish.
func (h *harness) settle() {
	h.o.inflight.Wait()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func assertIdle(t *testing.T, s models.SessionState) {
	t.Helper()
	if s.Phase != models.PhaseIdle || s.Action != models.ActionNone || s.Processing || s.Live {
		t.Fatalf("expected idle state, got %+v", s)
	}
}

func TestDescribeSpeaksCueThenResult(t *testing.T) {
	h := newHarness(t)

	if err := h.o.Describe(); err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	call := h.nextCall(t)
	if call.kind != "describe" || call.image != "frame-A" || call.language != "English" {
		t.Fatalf("unexpected call: %+v", call)
	}

	s := h.o.Snapshot()
	if s.Phase != models.PhaseProcessing || s.Action != models.ActionDescribe || !s.Processing {
		t.Fatalf("unexpected state while processing: %+v", s)
	}

	call.resolve("A cat.", nil)
	h.settle()

	got := h.speech.texts()
	if len(got) != 2 || got[0] != models.CueDescribe || got[1] != "A cat." {
		t.Fatalf("spoken = %q", got)
	}
	assertIdle(t, h.o.Snapshot())
}

func TestDescribeWithoutFrameStaysIdle(t *testing.T) {
	h := newHarness(t)
	h.capture.set("", false)

	for _, intent := range []func() error{h.o.Describe, h.o.IdentifyPerson} {
		if err := intent(); !errors.Is(err, models.ErrCaptureUnavailable) {
			t.Fatalf("expected ErrCaptureUnavailable, got %v", err)
		}
	}
	h.settle()

	h.noCall(t)
	assertIdle(t, h.o.Snapshot())
	if got := h.speech.texts(); len(got) != 0 {
		t.Fatalf("nothing should be spoken, got %q", got)
	}
}

func TestRetriggeredDescribeDropsLateResult(t *testing.T) {
	h := newHarness(t)
	h.remote.ignoreCancel = true

	if err := h.o.Describe(); err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	call := h.nextCall(t)

	if err := h.o.Describe(); err != nil {
		t.Fatalf("second Describe() error = %v", err)
	}
	s := h.o.Snapshot()
	assertIdle(t, s)
	if !s.Cancelled {
		t.Fatalf("cancellation flag should be raised")
	}

	call.resolve("A cat.", nil)
	h.settle()

	if h.speech.said("A cat.") {
		t.Fatalf("cancelled result was spoken: %q", h.speech.texts())
	}
	assertIdle(t, h.o.Snapshot())
	if h.speech.stopCount() != 1 {
		t.Fatalf("expected one synthesis stop, got %d", h.speech.stopCount())
	}
}

func TestSecondTriggerActsAsGlobalStop(t *testing.T) {
	cases := []struct {
		name    string
		trigger func(o *Orchestrator) error
	}{
		{"describe", (*Orchestrator).Describe},
		{"identify", (*Orchestrator).IdentifyPerson},
		{"ask", (*Orchestrator).Ask},
		{"live", (*Orchestrator).ToggleLive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)

			if err := tc.trigger(h.o); err != nil {
				t.Fatalf("first trigger error = %v", err)
			}
			if s := h.o.Snapshot(); s.Action == models.ActionNone {
				t.Fatalf("action should be active, got %+v", s)
			}
			stopsBefore := h.speech.stopCount()

			if err := tc.trigger(h.o); err != nil {
				t.Fatalf("second trigger error = %v", err)
			}
			s := h.o.Snapshot()
			assertIdle(t, s)
			if !s.Cancelled {
				t.Fatalf("cancellation flag should be raised")
			}
			if h.speech.stopCount() != stopsBefore+1 {
				t.Fatalf("synthesis should be stopped once more")
			}
			if h.rec.IsListening() {
				t.Fatalf("recognition should be stopped")
			}

			h.settle()
			for _, sess := range h.live.all() {
				if !sess.isStopped() {
					t.Fatalf("live session left open")
				}
			}
			assertIdle(t, h.o.Snapshot())
		})
	}
}

func TestOtherIntentsAreBusyWhileProcessing(t *testing.T) {
	h := newHarness(t)

	if err := h.o.Describe(); err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	call := h.nextCall(t)

	for name, intent := range map[string]func() error{
		"identify": h.o.IdentifyPerson,
		"ask":      h.o.Ask,
		"remember": h.o.Remember,
	} {
		if err := intent(); !errors.Is(err, models.ErrBusy) {
			t.Fatalf("%s: expected ErrBusy, got %v", name, err)
		}
	}
	if s := h.o.Snapshot(); s.Action != models.ActionDescribe {
		t.Fatalf("describe should still be active: %+v", s)
	}

	call.resolve("Done.", nil)
	h.settle()
	h.noCall(t)
}

func TestAskSpeaksAnswerWithCurrentVoiceAndRate(t *testing.T) {
	h := newHarness(t)
	if err := h.o.SetLanguage("es-ES"); err != nil {
		t.Fatalf("SetLanguage() error = %v", err)
	}
	if err := h.o.SetSpeechRate(1.5); err != nil {
		t.Fatalf("SetSpeechRate() error = %v", err)
	}

	if err := h.o.Ask(); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if s := h.o.Snapshot(); s.Phase != models.PhaseListening || s.Action != models.ActionAsk || s.Processing {
		t.Fatalf("unexpected listening state: %+v", s)
	}
	if h.rec.locale != "es-ES" {
		t.Fatalf("recognizer locale = %q", h.rec.locale)
	}

	h.capture.set("frame-B", true)
	h.rec.emit("what is this")

	call := h.nextCall(t)
	if call.kind != "ask" || call.image != "frame-B" || call.question.Text != "what is this" || call.language != "Spanish" {
		t.Fatalf("unexpected ask call: %+v", call)
	}
	if s := h.o.Snapshot(); s.Phase != models.PhaseProcessing || !s.Processing {
		t.Fatalf("unexpected processing state: %+v", s)
	}

	call.resolve("This is a mug.", nil)
	h.settle()

	got := h.speech.last()
	if got.Text != "This is a mug." || got.Voice != models.VoiceKore || got.Rate != 1.5 {
		t.Fatalf("unexpected utterance: %+v", got)
	}
	assertIdle(t, h.o.Snapshot())
}

func TestAskEmptyTranscriptReturnsIdle(t *testing.T) {
	h := newHarness(t)

	if err := h.o.Ask(); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	h.rec.emit("   ")
	h.settle()

	h.noCall(t)
	assertIdle(t, h.o.Snapshot())
	if got := h.speech.texts(); len(got) != 1 || got[0] != models.CueListening {
		t.Fatalf("only the listening cue should be spoken, got %q", got)
	}
}

func TestAskWithoutFrameStillCallsRemote(t *testing.T) {
	h := newHarness(t)
	h.capture.set("", false)

	if err := h.o.Ask(); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	h.rec.emit("is it raining")

	call := h.nextCall(t)
	if call.image != "" || call.question.Text != "is it raining" {
		t.Fatalf("unexpected call: %+v", call)
	}
	call.resolve("I can't see outside.", nil)
	h.settle()
	if !h.speech.said("I can't see outside.") {
		t.Fatalf("answer not spoken: %q", h.speech.texts())
	}
}

func TestAskRecognitionStartFailure(t *testing.T) {
	h := newHarness(t)
	h.rec.startErr = errors.New("socket refused")

	if err := h.o.Ask(); err == nil {
		t.Fatalf("expected recognition start error")
	}
	h.settle()
	assertIdle(t, h.o.Snapshot())
	if got := h.speech.texts(); len(got) != 0 {
		t.Fatalf("nothing should be spoken, got %q", got)
	}
}

func TestTranscriptAfterStopIsIgnored(t *testing.T) {
	h := newHarness(t)

	if err := h.o.Ask(); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if err := h.o.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	h.rec.emit("too late")
	h.settle()

	h.noCall(t)
	assertIdle(t, h.o.Snapshot())
}

func TestRemoteFailureSpeaksApology(t *testing.T) {
	h := newHarness(t)

	if err := h.o.IdentifyPerson(); err != nil {
		t.Fatalf("IdentifyPerson() error = %v", err)
	}
	h.nextCall(t).resolve("", errors.New("503 from model"))
	h.settle()

	if got := h.speech.last().Text; got != models.MsgApology {
		t.Fatalf("last utterance = %q, want apology", got)
	}
	assertIdle(t, h.o.Snapshot())
}

func TestResultUsesPolicyAtDispatch(t *testing.T) {
	h := newHarness(t)

	if err := h.o.Describe(); err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	call := h.nextCall(t)
	if err := h.o.SetSpeechRate(2); err != nil {
		t.Fatalf("SetSpeechRate() error = %v", err)
	}
	if err := h.o.SetLanguage("de-DE"); err != nil {
		t.Fatalf("SetLanguage() error = %v", err)
	}
	call.resolve("A hallway.", nil)
	h.settle()

	got := h.speech.last()
	if got.Text != "A hallway." || got.Rate != models.DefaultSpeechRate || got.Voice != models.VoicePuck {
		t.Fatalf("result should use dispatch-time voice and rate, got %+v", got)
	}
}

func TestStaleCompletionDoesNotTouchNewAction(t *testing.T) {
	h := newHarness(t)
	h.remote.ignoreCancel = true

	if err := h.o.Describe(); err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	first := h.nextCall(t)
	if err := h.o.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := h.o.Describe(); err != nil {
		t.Fatalf("Describe() after stop error = %v", err)
	}
	second := h.nextCall(t)

	first.resolve("Old scene.", nil)
	eventually(t, "stale completion to be processed", func() bool { return len(first.result) == 0 })
	// The stale result must neither speak nor end the new action.
	if s := h.o.Snapshot(); s.Action != models.ActionDescribe || !s.Processing || s.Cancelled {
		t.Fatalf("new action disturbed by stale completion: %+v", s)
	}

	second.resolve("New scene.", nil)
	h.settle()
	if h.speech.said("Old scene.") {
		t.Fatalf("stale result spoken")
	}
	if !h.speech.said("New scene.") {
		t.Fatalf("current result not spoken: %q", h.speech.texts())
	}
}

func TestCancellationFlagClearsAfterGuard(t *testing.T) {
	h := newHarness(t, withGuard(20*time.Millisecond))

	if err := h.o.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !h.o.Snapshot().Cancelled {
		t.Fatalf("cancellation flag should be raised")
	}
	eventually(t, "cancellation flag to clear", func() bool { return !h.o.Snapshot().Cancelled })
}

func TestNewActionClearsCancellationFlag(t *testing.T) {
	h := newHarness(t)

	if err := h.o.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := h.o.Describe(); err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if h.o.Snapshot().Cancelled {
		t.Fatalf("new action must clear the cancellation flag")
	}
	h.nextCall(t).resolve("Fine.", nil)
	h.settle()
	if !h.speech.said("Fine.") {
		t.Fatalf("result not spoken: %q", h.speech.texts())
	}
}

func TestIdentifyPassesRememberedPeople(t *testing.T) {
	h := newHarness(t)

	for _, name := range []string{"Alice", "Bob"} {
		if err := h.o.Remember(); err != nil {
			t.Fatalf("Remember() error = %v", err)
		}
		if err := h.o.SaveRemembered(name); err != nil {
			t.Fatalf("SaveRemembered() error = %v", err)
		}
	}

	if err := h.o.IdentifyPerson(); err != nil {
		t.Fatalf("IdentifyPerson() error = %v", err)
	}
	call := h.nextCall(t)
	if call.kind != "person" || len(call.people) != 2 || call.people[0].Name != "Alice" || call.people[1].Name != "Bob" {
		t.Fatalf("unexpected people: %+v", call.people)
	}
	call.resolve("Alice is waving.", nil)
	h.settle()
}

func TestSettingsValidation(t *testing.T) {
	h := newHarness(t)

	if err := h.o.SetLanguage("xx-XX"); !errors.Is(err, models.ErrUnknownLanguage) {
		t.Fatalf("SetLanguage() error = %v, want ErrUnknownLanguage", err)
	}
	for _, rate := range []float64{0, -1, 4.5} {
		if err := h.o.SetSpeechRate(rate); !errors.Is(err, models.ErrInvalidSpeechRate) {
			t.Fatalf("SetSpeechRate(%v) error = %v", rate, err)
		}
	}
	if err := h.o.SetSpeechRate(4); err != nil {
		t.Fatalf("SetSpeechRate(4) error = %v", err)
	}
	if err := h.o.SetConnectivity(false); err != nil {
		t.Fatalf("SetConnectivity() error = %v", err)
	}

	s := h.o.Snapshot()
	if s.SpeechRate != 4 || s.Language.Code != "en-US" || s.Connected {
		t.Fatalf("unexpected settings state: %+v", s)
	}
}

func TestDescribeResultIsStoredAndRecalled(t *testing.T) {
	mem := &fakeMemory{recalled: []string{"A red door on the left."}}
	h := newHarness(t, withMemory(mem))

	if err := h.o.Describe(); err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	h.nextCall(t).resolve("A kitchen with a kettle.", nil)
	h.settle()
	if mem.storedCount() != 1 || mem.stored[0].Description != "A kitchen with a kettle." || mem.stored[0].SessionID != "test" {
		t.Fatalf("unexpected stored scenes: %+v", mem.stored)
	}

	if err := h.o.Ask(); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	h.rec.emit("where was the door")
	call := h.nextCall(t)
	if len(call.question.Recollections) != 1 || call.question.Recollections[0] != "A red door on the left." {
		t.Fatalf("recollections not passed: %+v", call.question)
	}
	call.resolve("On your left.", nil)
	h.settle()
	if mem.storedCount() != 1 {
		t.Fatalf("answers must not be stored as scenes")
	}
}

func TestStateObserverSeesTransitions(t *testing.T) {
	h := newHarness(t)

	if err := h.o.Describe(); err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	h.nextCall(t).resolve("Ok.", nil)
	h.settle()
	_ = h.o.Snapshot()

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.states) < 2 {
		t.Fatalf("expected at least two state changes, got %d", len(h.states))
	}
	if h.states[0].Phase != models.PhaseProcessing {
		t.Fatalf("first change = %+v", h.states[0])
	}
	assertIdle(t, h.states[len(h.states)-1])
}

func TestIntentsAfterCloseFail(t *testing.T) {
	h := newHarness(t)
	if err := h.o.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := h.o.Describe(); !errors.Is(err, models.ErrClosed) {
		t.Fatalf("Describe() after close error = %v", err)
	}
	if err := h.o.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

// TestAtMostOneActionActive drives random intent sequences and checks the
// state invariants after every step.
func TestAtMostOneActionActive(t *testing.T) {
	h := newHarness(t)
	rng := rand.New(rand.NewSource(42))

	var pending []*remoteCall
	steps := []func(){
		func() { _ = h.o.Describe() },
		func() { _ = h.o.IdentifyPerson() },
		func() { _ = h.o.Ask() },
		func() { _ = h.o.ToggleLive() },
		func() { _ = h.o.Stop() },
		func() { _ = h.o.Remember() },
		func() { _ = h.o.SaveRemembered("Sam") },
		func() { h.rec.emit("what now") },
		func() { h.capture.set("", rng.Intn(2) == 0) },
		func() { h.capture.set("frame-R", true) },
		func() {
		drain:
			for {
				select {
				case c := <-h.remote.calls:
					pending = append(pending, c)
				default:
					break drain
				}
			}
			if len(pending) > 0 {
				i := rng.Intn(len(pending))
				pending[i].resolve("result", nil)
				pending = append(pending[:i], pending[i+1:]...)
			}
		},
	}

	for i := 0; i < 400; i++ {
		steps[rng.Intn(len(steps))]()
		s := h.o.Snapshot()
		if s.Processing && s.Action == models.ActionNone {
			t.Fatalf("step %d: processing without action: %+v", i, s)
		}
		if s.Live && s.Action != models.ActionLive {
			t.Fatalf("step %d: live flag with action %q", i, s.Action)
		}
		if s.Phase == models.PhaseListening && s.Action != models.ActionAsk {
			t.Fatalf("step %d: listening outside ask: %+v", i, s)
		}
		if s.Phase == models.PhaseLive && !s.Live {
			t.Fatalf("step %d: live phase without live flag: %+v", i, s)
		}
	}

	_ = h.o.Stop()
	for _, c := range pending {
		c.resolve("late", nil)
	}
	h.settle()
}
