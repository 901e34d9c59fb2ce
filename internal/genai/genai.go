// Package genai provides the LLM-backed operations of BookingPipe using the
// OpenAI API: knowledge base answers, intent classification, service
// extraction from documents and text embeddings.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/BookingPipe/internal/flow"
	"github.com/BTreeMap/BookingPipe/internal/models"
)

// Default model settings
const (
	DefaultModel          = string(openai.ChatModelGPT4oMini)
	DefaultEmbeddingModel = string(openai.EmbeddingModelTextEmbedding3Small)
	DefaultTemperature    = 0.3
)

var (
	// ErrNoChoicesReturned is returned when the completion has no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrAPIKeyNotSet is returned when no API key is configured.
	ErrAPIKeyNotSet = errors.New("OPENAI_API_KEY not set")
	// ErrNoEmbeddings is returned when the embedding response is shorter than the input.
	ErrNoEmbeddings = errors.New("embedding response incomplete")
)

const (
	generalSystemPrompt = "You are a friendly booking assistant. Answer questions about our services clearly and briefly. " +
		"If the user wants to make a booking, tell them to say \"book\"."
	documentSystemPrompt = "You are a friendly booking assistant. Answer the user's question ONLY from the document context below. " +
		"If the answer is not in the document, say that the document does not cover it.\n\nDocument context:\n"
	intentSystemPrompt = "Classify the user's message into exactly one label: BOOKING (they want to make a reservation or appointment now), " +
		"SEARCH (they want you to look something up on the web) or CHAT (anything else, including questions about how booking works). " +
		"Reply with the label only."
	servicesPrompt = "Analyze the text the user sends and list the specific services, doctors, rooms or booking options available. " +
		"Return ONLY a JSON array of strings, for example [\"Dr. Smith\", \"Deluxe Room\"]. Return [] if there are none."
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// embeddingService defines minimal interface for embeddings.
type embeddingService interface {
	Create(ctx context.Context, params openai.EmbeddingNewParams) (openai.CreateEmbeddingResponse, error)
}

type sdkChat struct {
	svc *openai.ChatCompletionService
}

func (s sdkChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

type sdkEmbeddings struct {
	svc *openai.EmbeddingService
}

func (s sdkEmbeddings) Create(ctx context.Context, params openai.EmbeddingNewParams) (openai.CreateEmbeddingResponse, error) {
	resp, err := s.svc.New(ctx, params)
	if err != nil {
		return openai.CreateEmbeddingResponse{}, err
	}
	return *resp, nil
}

// Client wraps the OpenAI chat completion and embedding services.
type Client struct {
	chat           chatService
	embeddings     embeddingService
	model          string
	embeddingModel string
	temperature    float64
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	Temperature    float64
	BaseURL        string
}

// Option defines a function for configuring Opts.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithEmbeddingModel sets the embedding model.
func WithEmbeddingModel(model string) Option {
	return func(o *Opts) {
		o.EmbeddingModel = model
	}
}

// WithTemperature sets the sampling temperature for answers.
func WithTemperature(t float64) Option {
	return func(o *Opts) {
		o.Temperature = t
	}
}

// WithBaseURL points the client at an OpenAI compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// NewClient initializes a new GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel, EmbeddingModel: DefaultEmbeddingModel, Temperature: DefaultTemperature}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("GenAI.NewClient: client created", "model", cfg.Model, "embeddingModel", cfg.EmbeddingModel, "temperature", cfg.Temperature)
	return &Client{
		chat:           sdkChat{svc: &cli.Chat.Completions},
		embeddings:     sdkEmbeddings{svc: &cli.Embeddings},
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
	}, nil
}

// GeneratePrompt sends one system and one user prompt at temperature 0 and
// returns the raw completion. Classification and extraction go through it.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.complete(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	}, 0)
}

func (c *Client) complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, temperature float64) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(temperature),
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI.complete: chat completion failed", "model", c.model, "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("GenAI.complete: no choices returned", "model", c.model)
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// Answer implements flow.KnowledgeBase. With document context the model is
// told to stay inside the document; history is replayed before the question.
func (c *Client) Answer(ctx context.Context, req flow.AnswerRequest) (string, error) {
	system := generalSystemPrompt
	if strings.TrimSpace(req.DocumentContext) != "" {
		system = documentSystemPrompt + req.DocumentContext
	}
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(system)}
	for _, m := range req.History {
		switch m.Role {
		case models.RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Query))

	slog.Debug("GenAI.Answer: requesting answer", "historyLen", len(req.History), "hasDocument", req.DocumentContext != "")
	answer, err := c.complete(ctx, messages, c.temperature)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

// ClassifyIntent implements flow.IntentClassifier.
func (c *Client) ClassifyIntent(ctx context.Context, utterance string) (models.Intent, error) {
	label, err := c.GeneratePrompt(ctx, intentSystemPrompt, utterance)
	if err != nil {
		return "", err
	}
	intent, err := models.ParseIntent(label)
	if err != nil {
		slog.Warn("GenAI.ClassifyIntent: unexpected label", "label", label)
		return "", err
	}
	slog.Debug("GenAI.ClassifyIntent: classified", "intent", intent)
	return intent, nil
}

// ExtractServices asks the model for the bookable services mentioned in text.
func (c *Client) ExtractServices(ctx context.Context, text string) ([]string, error) {
	out, err := c.GeneratePrompt(ctx, servicesPrompt, text)
	if err != nil {
		return nil, err
	}
	services := ParseServiceList(out)
	slog.Debug("GenAI.ExtractServices: extracted services", "count", len(services))
	return services, nil
}

// ParseServiceList reads a JSON array of strings, falling back to a comma
// separated list with quotes, brackets and bullets trimmed. Duplicates are dropped.
func ParseServiceList(raw string) []string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		items = strings.Split(raw, ",")
	}

	seen := make(map[string]bool, len(items))
	services := []string{}
	for _, item := range items {
		s := strings.Trim(strings.TrimSpace(item), " -[]'\"*\n\t")
		if s == "" || seen[strings.ToLower(s)] {
			continue
		}
		seen[strings.ToLower(s)] = true
		services = append(services, s)
	}
	return services
}

// Embed returns one embedding vector per input text.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.embeddings == nil {
		return nil, fmt.Errorf("embeddings: %w", models.ErrNotConfigured)
	}
	resp, err := c.embeddings.Create(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.embeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		slog.Error("GenAI.Embed: embedding request failed", "model", c.embeddingModel, "count", len(texts), "error", err)
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d of %d", ErrNoEmbeddings, len(resp.Data), len(texts))
	}
	vectors := make([][]float64, len(texts))
	for i, d := range resp.Data {
		idx := int(d.Index)
		if idx < 0 || idx >= len(vectors) {
			idx = i
		}
		vectors[idx] = d.Embedding
	}
	slog.Debug("GenAI.Embed: embeddings created", "count", len(vectors))
	return vectors, nil
}
