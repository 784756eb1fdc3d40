package utils

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/listen"
	"go.uber.org/zap"
)

type DeepgramOptions struct {
	APIKey              string
	Model               string
	SampleRate          int
	ConfidenceThreshold float64
	UtteranceEndMs      int
}

// DeepgramRecognizer runs one Deepgram live transcription per listening turn.
// Audio is pushed with Send while listening.
type DeepgramRecognizer struct {
	opts   DeepgramOptions
	logger *zap.Logger

	mu       sync.Mutex
	client   *listen.WSCallback
	callback *DeepgramCallback
}

func NewDeepgramRecognizer(opts DeepgramOptions, logger *zap.Logger) *DeepgramRecognizer {
	if opts.Model == "" {
		opts.Model = "nova-2"
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if logger == nil {
		logger = zap.L()
	}
	return &DeepgramRecognizer{opts: opts, logger: logger}
}

func (r *DeepgramRecognizer) transcriptionOptions(locale string) *interfaces.LiveTranscriptionOptions {
	options := &interfaces.LiveTranscriptionOptions{
		Language:       locale,
		Encoding:       "linear16",
		SampleRate:     r.opts.SampleRate,
		Channels:       1,
		Endpointing:    "300",
		InterimResults: true,
		Punctuate:      true,
		Model:          r.opts.Model,
	}
	if r.opts.Model == "nova-3" && !strings.HasPrefix(strings.ToLower(locale), "en") {
		r.logger.Warn("Using multilingual model for non-English language on Nova 3", zap.String("locale", locale))
		options.Language = "multi"
	}
	if r.opts.UtteranceEndMs > 0 {
		options.UtteranceEndMs = strconv.Itoa(r.opts.UtteranceEndMs)
	}
	return options
}

// Start opens a transcription socket. onResult receives the final transcript
// once, from its own goroutine.
func (r *DeepgramRecognizer) Start(ctx context.Context, locale string, onResult func(string)) error {
	if strings.TrimSpace(r.opts.APIKey) == "" {
		return errors.New("DEEPGRAM_API_KEY is not configured")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.callback != nil {
		return errors.New("recognizer is already listening")
	}

	var callback *DeepgramCallback
	callback = newDeepgramCallback(r.opts.ConfidenceThreshold, r.logger, func(transcript string) {
		r.release(callback)
		go onResult(transcript)
	})

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	dgClient, err := listen.NewWebSocketUsingCallback(ctx, r.opts.APIKey, clientOptions, r.transcriptionOptions(locale), callback)
	if err != nil {
		return err
	}
	if !dgClient.Connect() {
		return errors.New("failed to connect to Deepgram websocket")
	}

	r.client = dgClient
	r.callback = callback
	r.logger.Debug("Deepgram listening", zap.String("locale", locale))
	return nil
}

// release detaches callback if it is still the active one and closes its socket.
func (r *DeepgramRecognizer) release(callback *DeepgramCallback) {
	r.mu.Lock()
	if r.callback != callback {
		r.mu.Unlock()
		return
	}
	client := r.client
	r.client = nil
	r.callback = nil
	r.mu.Unlock()

	if client != nil {
		go client.Stop()
	}
}

// Stop ends listening; whatever was transcribed so far is delivered to onResult.
func (r *DeepgramRecognizer) Stop() error {
	r.mu.Lock()
	callback := r.callback
	r.mu.Unlock()
	if callback != nil {
		callback.complete()
	}
	return nil
}

func (r *DeepgramRecognizer) IsListening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callback != nil
}

// Send streams a chunk of PCM audio while listening. It is a no-op otherwise.
func (r *DeepgramRecognizer) Send(data []byte) error {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return nil
	}

	err := client.Stream(bufio.NewReader(bytes.NewReader(data)))
	if err != nil && err != io.EOF {
		r.logger.Error("Error streaming to Deepgram", zap.Error(err))
		return err
	}
	return nil
}

// DeepgramCallback assembles final transcript segments for one listening turn.
type DeepgramCallback struct {
	confidenceThreshold float64
	logger              *zap.Logger
	emit                func(string)

	mu       sync.Mutex
	segments []string
	once     sync.Once
}

func newDeepgramCallback(threshold float64, logger *zap.Logger, emit func(string)) *DeepgramCallback {
	return &DeepgramCallback{confidenceThreshold: threshold, logger: logger, emit: emit}
}

// Transcript is the text assembled so far.
func (c *DeepgramCallback) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.TrimSpace(strings.Join(c.segments, " "))
}

func (c *DeepgramCallback) complete() {
	c.once.Do(func() {
		c.emit(c.Transcript())
	})
}

func (c *DeepgramCallback) handleTranscript(transcript string, confidence float64, isFinal bool, speechFinal bool) {
	transcript = strings.TrimSpace(transcript)
	if transcript != "" && confidence >= c.confidenceThreshold && isFinal {
		c.mu.Lock()
		c.segments = append(c.segments, transcript)
		c.mu.Unlock()
	} else if transcript != "" && confidence < c.confidenceThreshold {
		c.logger.Debug("Discarding low confidence transcript", zap.String("transcript", transcript), zap.Float64("confidence", confidence))
	}

	if speechFinal && c.Transcript() != "" {
		c.complete()
	}
}

func (c *DeepgramCallback) Open(or *msginterfaces.OpenResponse) error {
	c.logger.Debug("Deepgram socket connection opened")
	return nil
}

func (c *DeepgramCallback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alternative := mr.Channel.Alternatives[0]
	c.handleTranscript(alternative.Transcript, alternative.Confidence, mr.IsFinal, mr.SpeechFinal)
	return nil
}

func (c *DeepgramCallback) Metadata(md *msginterfaces.MetadataResponse) error {
	return nil
}

func (c *DeepgramCallback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.logger.Debug("Speech started")
	return nil
}

func (c *DeepgramCallback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.logger.Debug("Utterance ended")
	if c.Transcript() != "" {
		c.complete()
	}
	return nil
}

func (c *DeepgramCallback) Close(cr *msginterfaces.CloseResponse) error {
	c.logger.Debug("Deepgram socket connection closed")
	c.complete()
	return nil
}

func (c *DeepgramCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.logger.Error("Deepgram error", zap.Any("error", er))
	return nil
}

func (c *DeepgramCallback) UnhandledEvent(byData []byte) error {
	c.logger.Warn("Unhandled Deepgram event", zap.ByteString("event", byData))
	return nil
}
