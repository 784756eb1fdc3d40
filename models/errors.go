package models

import "errors"

var (
	// ErrCaptureUnavailable means no frame could be captured; the triggering action is dropped silently.
	ErrCaptureUnavailable = errors.New("no frame available")
	// ErrRemoteCallFailed wraps any failure of the remote intelligence capability.
	ErrRemoteCallFailed = errors.New("remote call failed")
	// ErrLiveStartFailed means the streaming session could not be established.
	ErrLiveStartFailed = errors.New("live session start failed")
	// ErrRecognitionEmpty means listening ended without a usable transcript.
	ErrRecognitionEmpty = errors.New("empty transcript")

	ErrBusy              = errors.New("another action is active")
	ErrEmptyName         = errors.New("name is empty")
	ErrNoPendingPerson   = errors.New("no person pending confirmation")
	ErrUnknownLanguage   = errors.New("unknown language")
	ErrInvalidSpeechRate = errors.New("invalid speech rate")
	ErrClosed            = errors.New("orchestrator closed")
)
