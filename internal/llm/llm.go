// Package llm is the text classification/generation capability used by the
// classifiers and the letter generator.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// ErrEmptyResponse is returned when the provider answers with no text.
var ErrEmptyResponse = errors.New("empty response from model")

// Request is one structured generation call. Schema constrains the JSON the
// model must return.
type Request struct {
	SystemInstructions string
	Prompt             string
	Schema             *genai.Schema
}

// Generator returns raw JSON that is expected to match Request.Schema.
// Callers validate the payload; any deviation counts as a failure.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]byte, error)
	Name() string
}

// Gemini implements Generator on top of the Google GenAI SDK.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float32
}

// NewGemini creates a Gemini-backed generator.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash-001"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Gemini{client: client, model: model, temperature: 0.2}, nil
}

// Name returns the generator name.
func (g *Gemini) Name() string { return fmt.Sprintf("genai:%s", g.model) }

// Generate runs one JSON-mode generation.
func (g *Gemini) Generate(ctx context.Context, req Request) ([]byte, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   req.Schema,
		Temperature:      genai.Ptr(g.temperature),
	}
	if req.SystemInstructions != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstructions, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, fmt.Errorf("GenAI generate failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, ErrEmptyResponse
	}
	return []byte(StripFences(text)), nil
}

// StripFences removes a ```json fence some models wrap around JSON output.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// String, Number, Integer, Boolean and Object are small schema builders.
func String(description string, enum ...string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeString, Description: description, Enum: enum}
}

func Number(description string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeNumber, Description: description}
}

func Integer(description string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeInteger, Description: description}
}

func Boolean(description string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeBoolean, Description: description}
}

func Array(description string, items *genai.Schema) *genai.Schema {
	return &genai.Schema{Type: genai.TypeArray, Description: description, Items: items}
}

func Object(properties map[string]*genai.Schema, required ...string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeObject, Properties: properties, Required: required}
}
