package models

import "context"

// FrameCapturer produces a transport-ready still image from the live video source.
type FrameCapturer interface {
	Capture() (string, bool)
}

// Recognizer turns spoken audio into text. onResult is called once per
// Start with the final transcript, which may be empty.
type Recognizer interface {
	Start(ctx context.Context, locale string, onResult func(transcript string)) error
	Stop() error
	IsListening() bool
}

// Synthesizer speaks text. Stop halts any in-flight utterance immediately.
type Synthesizer interface {
	Speak(ctx context.Context, u Utterance) error
	Stop() error
}

// SpeechSink plays speech produced by a synthesizer or a live session.
type SpeechSink interface {
	PlaySpeech(out SpeechOutput) error
	HaltSpeech() error
}

// Intelligence is the remote multimodal model.
type Intelligence interface {
	DescribeScene(ctx context.Context, image string, language string) (string, error)
	DescribePerson(ctx context.Context, image string, people []RememberedPerson, language string) (string, error)
	AskWithContext(ctx context.Context, q Question) (string, error)
}

// LiveStarter opens streaming sessions.
type LiveStarter interface {
	StartLive(ctx context.Context, opts LiveOptions) (LiveSession, error)
}

// LiveSession is an open bidirectional streaming session.
type LiveSession interface {
	SendVideoFrame(image string) error
	SendAudio(pcm []byte) error
	Stop(ctx context.Context) error
}

// SceneMemory keeps past scene descriptions for later questions.
type SceneMemory interface {
	Store(ctx context.Context, record SceneRecord) error
	Recall(ctx context.Context, query string) ([]string, error)
}

// SettingsStore persists per-client settings.
type SettingsStore interface {
	Load(ctx context.Context, clientID string) (Settings, bool, error)
	Save(ctx context.Context, clientID string, settings Settings) error
}
