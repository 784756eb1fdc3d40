package utils

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/Perceptus-Labs/perceptus-sight/models"
)

// GeminiClient talks to the Gemini API for scene description, questions,
// embeddings, speech synthesis and live sessions.
type GeminiClient struct {
	client     *genai.Client
	model      string
	liveModel  string
	ttsModel   string
	embedModel string
}

type GeminiOptions struct {
	APIKey     string
	Model      string
	LiveModel  string
	TTSModel   string
	EmbedModel string
}

func NewGeminiClient(ctx context.Context, opts GeminiOptions) (*GeminiClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("GEMINI_API_KEY is not configured")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client:     client,
		model:      opts.Model,
		liveModel:  opts.LiveModel,
		ttsModel:   opts.TTSModel,
		embedModel: opts.EmbedModel,
	}, nil
}

const assistantPersona = `You are the eyes of a blind or low-vision person. Speak directly to them in short, clear sentences that sound natural when read aloud. Do not use markdown, lists or emojis.`

func describeScenePrompt(language string) string {
	return fmt.Sprintf(`%s
Describe what is in front of the user in this camera image. Start with the most important thing, mention people, obstacles, text and anything that could matter for safety, and give rough positions (left, right, ahead, near, far). Keep it under five sentences.
Respond in %s.`, assistantPersona, language)
}

func describePersonPrompt(people []models.RememberedPerson, language string) string {
	if len(people) == 0 {
		return fmt.Sprintf(`%s
The user wants to know who is in front of them. Nobody has been remembered yet, so describe any person in the image (approximate age, clothing, expression, what they are doing) without guessing a name. If there is no person, say so.
Respond in %s.`, assistantPersona, language)
	}

	names := make([]string, 0, len(people))
	for _, p := range people {
		names = append(names, p.Name)
	}
	return fmt.Sprintf(`%s
The user wants to know who is in front of them. After this message you get reference photos of people the user knows (%s), each labelled with a name, followed by the current camera image.
Compare the people in the current image with the reference photos. If someone matches, say their name and what they are doing. If someone does not match anyone, describe them briefly. If there is no person, say so. Never invent a name that is not in the list.
Respond in %s.`, assistantPersona, strings.Join(names, ", "), language)
}

func askPrompt(q models.Question) string {
	var b strings.Builder
	b.WriteString(assistantPersona)
	b.WriteString("\n")
	if q.Image != "" {
		b.WriteString("Answer the user's question using the attached camera image of what is in front of them.\n")
	} else {
		b.WriteString("No camera image is available right now; answer as well as you can and say if you would need to see something.\n")
	}
	if len(q.Recollections) > 0 {
		b.WriteString("Earlier you described these scenes to the user:\n")
		for _, r := range q.Recollections {
			b.WriteString("- ")
			b.WriteString(r)
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "Question: %q\nRespond in %s.", q.Text, q.Language)
	return b.String()
}

func imagePart(encoded string) (*genai.Part, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid image encoding: %w", err)
	}
	return genai.NewPartFromBytes(data, "image/jpeg"), nil
}

// DescribeScene describes the image in the given language.
func (c *GeminiClient) DescribeScene(ctx context.Context, image string, language string) (string, error) {
	img, err := imagePart(image)
	if err != nil {
		return "", err
	}
	return c.generate(ctx, []*genai.Part{genai.NewPartFromText(describeScenePrompt(language)), img})
}

// DescribePerson matches people in image against the remembered reference photos.
func (c *GeminiClient) DescribePerson(ctx context.Context, image string, people []models.RememberedPerson, language string) (string, error) {
	parts := []*genai.Part{genai.NewPartFromText(describePersonPrompt(people, language))}
	for _, p := range people {
		ref, err := imagePart(p.Image)
		if err != nil {
			zap.L().Warn("Skipping remembered person with bad image", zap.String("person_id", p.ID), zap.Error(err))
			continue
		}
		parts = append(parts, genai.NewPartFromText("Reference photo of "+p.Name+":"), ref)
	}

	img, err := imagePart(image)
	if err != nil {
		return "", err
	}
	parts = append(parts, genai.NewPartFromText("Current camera image:"), img)
	return c.generate(ctx, parts)
}

// AskWithContext answers a spoken question, with the camera image when there is one.
func (c *GeminiClient) AskWithContext(ctx context.Context, q models.Question) (string, error) {
	parts := []*genai.Part{genai.NewPartFromText(askPrompt(q))}
	if q.Image != "" {
		img, err := imagePart(q.Image)
		if err != nil {
			return "", err
		}
		parts = append(parts, img)
	}
	return c.generate(ctx, parts)
}

func (c *GeminiClient) generate(ctx context.Context, parts []*genai.Part) (string, error) {
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("gemini returned an empty response")
	}
	zap.L().Debug("Gemini response", zap.String("model", c.model), zap.Int("chars", len(text)))
	return text, nil
}

// Embed returns the embedding vector for text.
func (c *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.Models.EmbedContent(ctx, c.embedModel, genai.Text(text), nil)
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, errors.New("no embedding in gemini response")
	}
	return resp.Embeddings[0].Values, nil
}

// Synthesize renders text as speech with a prebuilt voice. It returns the
// audio bytes and their MIME type.
func (c *GeminiClient) Synthesize(ctx context.Context, text string, voice models.Voice) ([]byte, string, error) {
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityAudio)},
		SpeechConfig:       speechConfig(voice),
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.ttsModel, genai.Text(text), config)
	if err != nil {
		return nil, "", fmt.Errorf("gemini tts: %w", err)
	}

	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData.Data, part.InlineData.MIMEType, nil
			}
		}
	}
	return nil, "", errors.New("no audio in gemini tts response")
}

func speechConfig(voice models.Voice) *genai.SpeechConfig {
	if voice == "" {
		voice = models.VoicePuck
	}
	return &genai.SpeechConfig{
		VoiceConfig: &genai.VoiceConfig{
			PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: string(voice)},
		},
	}
}
