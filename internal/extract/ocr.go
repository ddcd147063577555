package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// DefaultPrompt is the instruction sent to the model with each page image.
const DefaultPrompt = "Extraia todo o conteúdo da imagem. Retorne somente o conteúdo extraído"

// descriptionHeader is a preamble some vision models prepend to their output.
const descriptionHeader = "\n# Description:\n"

// Engine reads the text content of a page image.
type Engine interface {
	ExtractText(ctx context.Context, image []byte) (string, error)
}

// LLMConfig configures the vision-model OCR engine.
type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Prompt  string
}

// LLMEngine implements Engine over an OpenAI-compatible vision model.
type LLMEngine struct {
	llm    *openai.LLM
	prompt string
	log    *zap.Logger
}

// NewLLMEngine builds the production OCR engine.
func NewLLMEngine(cfg LLMConfig, log *zap.Logger) (*LLMEngine, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("ocr api key is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	opts := []openai.Option{openai.WithToken(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("init llm client: %w", err)
	}

	prompt := cfg.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}
	return &LLMEngine{llm: llm, prompt: prompt, log: log}, nil
}

// ExtractText sends the PNG page to the model and returns its reading.
func (e *LLMEngine) ExtractText(ctx context.Context, image []byte) (string, error) {
	messages := []llms.MessageContent{
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{
				llms.BinaryPart("image/png", image),
				llms.TextPart(e.prompt),
			},
		},
	}

	resp, err := e.llm.GenerateContent(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}

	text := strings.ReplaceAll(resp.Choices[0].Content, descriptionHeader, "")
	return strings.TrimSpace(text), nil
}
