package oracle

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/bodul/planchette/internal/api"
)

const (
	defaultRegion      = "europe-west1"
	defaultGeminiModel = "gemini-2.5-flash"
)

// GeminiOptions configures a Gemini oracle. With a Project the client goes
// through Vertex AI using Application Default Credentials (set
// GOOGLE_APPLICATION_CREDENTIALS to the service account key file path);
// otherwise APIKey is used against the Gemini API.
type GeminiOptions struct {
	Project  string
	Region   string
	APIKey   string
	Model    string
	Sampling Sampling
}

// Gemini answers with the Google GenAI SDK.
type Gemini struct {
	client    *genai.Client
	modelName string
	sampling  Sampling
}

// NewGemini creates the GenAI client.
func NewGemini(ctx context.Context, opts GeminiOptions) (*Gemini, error) {
	cc := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.Project != "" {
		region := opts.Region
		if region == "" {
			region = defaultRegion
		}
		cc = &genai.ClientConfig{
			Project:  opts.Project,
			Location: region,
			Backend:  genai.BackendVertexAI,
		}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &Gemini{client: client, modelName: model, sampling: opts.Sampling}, nil
}

// Model implements Oracle.
func (g *Gemini) Model() string { return g.modelName }

// Stream implements Oracle.
func (g *Gemini) Stream(ctx context.Context, system string, msgs []Message, emit func(string) error) error {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		MaxOutputTokens:   int32(g.sampling.MaxTokens),
		Temperature:       genai.Ptr(g.sampling.Temperature),
		TopP:              genai.Ptr(g.sampling.TopP),
		ThinkingConfig:    &genai.ThinkingConfig{ThinkingBudget: genai.Ptr[int32](0)},
	}

	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.modelName, geminiContents(msgs), cfg) {
		if err != nil {
			return fmt.Errorf("gemini stream: %w", err)
		}
		if text := resp.Text(); text != "" {
			if err := emit(text); err != nil {
				return err
			}
		}
	}
	return nil
}

// Classify implements Oracle.
func (g *Gemini) Classify(ctx context.Context, question string) (bool, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.modelName,
		genai.Text(classifyPrompt(question)),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(classifySystem, genai.RoleUser),
			MaxOutputTokens:   4,
			Temperature:       genai.Ptr(float32(0.1)),
			ThinkingConfig:    &genai.ThinkingConfig{ThinkingBudget: genai.Ptr[int32](0)},
		},
	)
	if err != nil {
		return false, fmt.Errorf("gemini classify: %w", err)
	}
	return isCrisis(resp.Text()), nil
}

func geminiContents(msgs []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.Role(genai.RoleUser)
		if m.Role == api.RoleAssistant {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(m.Content, role))
	}
	return out
}
