package scanning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini implements the Scanner interface using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini Scanner instance
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	configureModel(model)

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// configureModel asks for literal decoding and a bare JSON answer
func configureModel(model *genai.GenerativeModel) {
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"
}

// ScanCode reads the payment code in a captured frame
func (g *Gemini) ScanCode(imageData []byte, contentType string) (string, error) {
	// Frames arrive at camera rate; a slow answer is worth less than the next frame
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	frame, err := normalizeFrame(imageData, contentType)
	if err != nil {
		return "", err
	}

	// genai.ImageData expects just the format suffix
	resp, err := g.model.GenerateContent(ctx,
		genai.ImageData("png", frame),
		genai.Text(codeScanPrompt),
	)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	code, err := parseCodeJSON(responseText.String())
	if err != nil {
		return "", fmt.Errorf("parsing code response: %w", err)
	}
	return code, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
