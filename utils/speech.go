package utils

import (
	"context"
	"sync"

	"github.com/Perceptus-Labs/perceptus-sight/models"
)

type speechRenderer interface {
	Synthesize(ctx context.Context, text string, voice models.Voice) ([]byte, string, error)
}

// GeminiSpeaker renders utterances with Gemini TTS and plays them on a sink.
type GeminiSpeaker struct {
	renderer speechRenderer
	sink     models.SpeechSink

	mu       sync.Mutex
	inflight map[uint64]context.CancelFunc
	next     uint64
}

func NewGeminiSpeaker(renderer speechRenderer, sink models.SpeechSink) *GeminiSpeaker {
	return &GeminiSpeaker{
		renderer: renderer,
		sink:     sink,
		inflight: make(map[uint64]context.CancelFunc),
	}
}

func (s *GeminiSpeaker) Speak(ctx context.Context, u models.Utterance) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	id := s.next
	s.next++
	s.inflight[id] = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
		cancel()
	}()

	audio, mimeType, err := s.renderer.Synthesize(ctx, u.Text, u.Voice)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Stop may have run while the audio was being rendered.
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.sink.PlaySpeech(models.SpeechOutput{
		UtteranceID: u.ID,
		Text:        u.Text,
		Voice:       u.Voice,
		Rate:        u.Rate,
		Audio:       audio,
		MIMEType:    mimeType,
	})
}

func (s *GeminiSpeaker) Stop() error {
	s.mu.Lock()
	for id, cancel := range s.inflight {
		cancel()
		delete(s.inflight, id)
	}
	s.mu.Unlock()
	return s.sink.HaltSpeech()
}

// ClientSpeaker leaves synthesis to the client; only the text, voice and rate are sent.
type ClientSpeaker struct {
	sink models.SpeechSink
}

func NewClientSpeaker(sink models.SpeechSink) *ClientSpeaker {
	return &ClientSpeaker{sink: sink}
}

func (s *ClientSpeaker) Speak(ctx context.Context, u models.Utterance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.sink.PlaySpeech(models.SpeechOutput{
		UtteranceID: u.ID,
		Text:        u.Text,
		Voice:       u.Voice,
		Rate:        u.Rate,
	})
}

func (s *ClientSpeaker) Stop() error {
	return s.sink.HaltSpeech()
}
