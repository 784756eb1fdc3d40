package models

import (
	"time"
)

// Action is the assistive operation currently owning the session.
type Action string

const (
	ActionNone           Action = ""
	ActionDescribe       Action = "describe"
	ActionIdentifyPerson Action = "identify_person"
	ActionAsk            Action = "ask"
	ActionLive           Action = "live"
)

// Phase is the externally visible orchestrator state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseListening  Phase = "listening"
	PhaseProcessing Phase = "processing"
	PhaseLive       Phase = "live"
)

const (
	DefaultSpeechRate = 1.0
	MaxSpeechRate     = 4.0
)

// Fixed spoken messages.
const (
	CueDescribe       = "Analyzing the scene..."
	CueIdentifyPerson = "Looking for familiar faces..."
	CueListening      = "Listening..."
	CueLiveStarting   = "Starting live mode."
	MsgApology        = "Sorry, something went wrong. Please try again."
	MsgLiveFailed     = "Sorry, I couldn't start live mode."
)

// RememberedPerson binds a name to a reference image. Never mutated after creation.
type RememberedPerson struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Image     string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionState is a read-only snapshot of the orchestrator.
type SessionState struct {
	Phase              Phase              `json:"phase"`
	Action             Action             `json:"action"`
	Processing         bool               `json:"processing"`
	Live               bool               `json:"live"`
	Connected          bool               `json:"connected"`
	SpeechRate         float64            `json:"speech_rate"`
	Language           LanguageOption     `json:"language"`
	People             []RememberedPerson `json:"people"`
	Cancelled          bool               `json:"cancelled"`
	RememberDialogOpen bool               `json:"remember_dialog_open"`
}

// Settings are the user preferences persisted per client.
type Settings struct {
	LanguageCode string  `json:"language_code"`
	SpeechRate   float64 `json:"speech_rate"`
}

// Utterance is a single synthesis request.
type Utterance struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Voice Voice   `json:"voice"`
	Rate  float64 `json:"rate"`
}

// SpeechOutput is what a synthesizer or live session hands to the client for playback.
type SpeechOutput struct {
	UtteranceID string  `json:"utterance_id,omitempty"`
	Text        string  `json:"text,omitempty"`
	Voice       Voice   `json:"voice,omitempty"`
	Rate        float64 `json:"rate,omitempty"`
	Audio       []byte  `json:"audio,omitempty"`
	MIMEType    string  `json:"mime_type,omitempty"`
	Live        bool    `json:"live,omitempty"`
}

// Question is the input of a conversational remote call.
type Question struct {
	Image         string
	Text          string
	Language      string
	Recollections []string
}

// SceneRecord is a described scene kept in scene memory.
type SceneRecord struct {
	ID          string
	SessionID   string
	Description string
	Language    string
	Timestamp   time.Time
}

// LiveOptions configure a streaming session.
type LiveOptions struct {
	Voice    Voice
	Language string
	// OnClose fires once when the session ends for any reason other than Stop.
	OnClose func(err error)
}
