package utils

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/Perceptus-Labs/perceptus-sight/models"
)

// GeminiLive opens Gemini Live sessions whose audio is played on sink.
type GeminiLive struct {
	gemini *GeminiClient
	sink   models.SpeechSink
	logger *zap.Logger
}

func NewGeminiLive(gemini *GeminiClient, sink models.SpeechSink, logger *zap.Logger) *GeminiLive {
	if logger == nil {
		logger = zap.L()
	}
	return &GeminiLive{gemini: gemini, sink: sink, logger: logger}
}

func livePrompt(language string) string {
	return fmt.Sprintf(`%s
You receive a continuous stream of camera frames from the user's point of view, and sometimes their voice. Narrate meaningful changes in the scene, warn about obstacles and hazards, read out important text, and answer when the user speaks. Stay quiet when nothing relevant changes.
Always speak %s.`, assistantPersona, language)
}

// StartLive connects a streaming session configured for the requested voice.
func (g *GeminiLive) StartLive(ctx context.Context, opts models.LiveOptions) (models.LiveSession, error) {
	config := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig:       speechConfig(opts.Voice),
		SystemInstruction:  genai.NewContentFromText(livePrompt(opts.Language), genai.RoleUser),
	}

	session, err := g.gemini.client.Live.Connect(ctx, g.gemini.liveModel, config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLiveStartFailed, err)
	}

	s := &GeminiLiveSession{
		session: session,
		sink:    g.sink,
		onClose: opts.OnClose,
		logger:  g.logger,
		done:    make(chan struct{}),
	}
	go s.receive()

	g.logger.Info("Live session opened", zap.String("model", g.gemini.liveModel), zap.String("voice", string(opts.Voice)))
	return s, nil
}

// GeminiLiveSession is one open Gemini Live connection.
type GeminiLiveSession struct {
	session *genai.Session
	sink    models.SpeechSink
	onClose func(error)
	logger  *zap.Logger

	writeMu sync.Mutex
	stopped atomic.Bool
	done    chan struct{}
}

func (s *GeminiLiveSession) receive() {
	defer close(s.done)
	for {
		msg, err := s.session.Receive()
		if err != nil {
			if s.stopped.Load() {
				return
			}
			s.logger.Info("Live session closed by server", zap.Error(err))
			if s.onClose != nil {
				s.onClose(err)
			}
			return
		}

		if msg.GoAway != nil {
			s.logger.Warn("Live session going away", zap.Any("go_away", msg.GoAway))
		}
		content := msg.ServerContent
		if content == nil {
			continue
		}
		if content.Interrupted {
			if err := s.sink.HaltSpeech(); err != nil {
				s.logger.Debug("Failed to halt live speech", zap.Error(err))
			}
		}
		if content.ModelTurn == nil {
			continue
		}
		for _, part := range content.ModelTurn.Parts {
			if part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			out := models.SpeechOutput{
				Audio:    part.InlineData.Data,
				MIMEType: part.InlineData.MIMEType,
				Live:     true,
			}
			if err := s.sink.PlaySpeech(out); err != nil {
				s.logger.Debug("Failed to forward live audio", zap.Error(err))
			}
		}
	}
}

// SendVideoFrame pushes one base64 JPEG frame into the session.
func (s *GeminiLiveSession) SendVideoFrame(image string) error {
	data, err := base64.StdEncoding.DecodeString(image)
	if err != nil {
		return fmt.Errorf("invalid frame encoding: %w", err)
	}
	return s.send(genai.LiveRealtimeInput{Video: &genai.Blob{Data: data, MIMEType: "image/jpeg"}})
}

// SendAudio pushes 16kHz little-endian PCM into the session.
func (s *GeminiLiveSession) SendAudio(pcm []byte) error {
	return s.send(genai.LiveRealtimeInput{Audio: &genai.Blob{Data: pcm, MIMEType: "audio/pcm;rate=16000"}})
}

func (s *GeminiLiveSession) send(input genai.LiveRealtimeInput) error {
	if s.stopped.Load() {
		return models.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.session.SendRealtimeInput(input)
}

// Stop closes the connection and waits for the receive loop to exit.
func (s *GeminiLiveSession) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	s.writeMu.Lock()
	err := s.session.Close()
	s.writeMu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
