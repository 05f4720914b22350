// Package genai generates the personalized first prayer shown at the end of onboarding.
// It wraps the OpenAI chat completion API and carries a template fallback for offline use.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/PrayerPipe/internal/models"
)

// Default generation settings.
const (
	DefaultModel       = string(openai.ChatModelGPT4oMini)
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 400
)

var (
	// ErrNoChoicesReturned is returned when the API answers without any choice.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrMissingAPIKey is returned by NewClient without a key.
	ErrMissingAPIKey = errors.New("OPENAI_API_KEY not set")
)

// PrayerGenerator produces a prayer for the onboarding answers collected so far.
type PrayerGenerator interface {
	GeneratePrayer(ctx context.Context, answers models.Answers) (*models.GeneratedPrayer, error)
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK completions service to chatService.
type completionsAdapter struct {
	client openai.Client
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int64
	DebugMode   bool
	StateDir    string
}

// Option configures the client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithDebugMode writes every request and response under stateDir/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

// Client wraps the OpenAI ChatCompletion service for generating prayers.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
	debugMode   bool
	stateDir    string
}

// Compile-time check that Client implements PrayerGenerator.
var _ PrayerGenerator = (*Client)(nil)

// NewClient initializes a new GenAI client. The key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		APIKey:      os.Getenv("OPENAI_API_KEY"),
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "debug", cfg.DebugMode)
	return &Client{
		chat:        completionsAdapter{client: cli},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// GeneratePromptWithContext sends a system and user prompt and returns the first choice.
func (c *Client) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(c.maxTokens)
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("Client.GeneratePromptWithContext: completion failed", "model", c.model, "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if c.debugMode {
		c.writeDebugLog("GeneratePromptWithContext", params, resp)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// GeneratePrayer implements PrayerGenerator.
func (c *Client) GeneratePrayer(ctx context.Context, answers models.Answers) (*models.GeneratedPrayer, error) {
	content, err := c.GeneratePromptWithContext(ctx, prayerSystemPrompt, BuildPrayerPrompt(answers))
	if err != nil {
		return nil, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrNoChoicesReturned
	}
	slog.Debug("Client.GeneratePrayer: prayer generated", "length", len(content))
	return &models.GeneratedPrayer{Content: content, GeneratedAt: time.Now(), Source: "openai"}, nil
}

func (c *Client) writeDebugLog(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion) {
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Client.writeDebugLog: cannot create debug dir", "dir", dir, "error", err)
		return
	}
	entry := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"method":    method,
		"model":     c.model,
		"params":    params,
		"response":  resp,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("Client.writeDebugLog: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%d.json", method, time.Now().UnixNano())
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("Client.writeDebugLog: write failed", "error", err)
	}
}

const prayerSystemPrompt = `You write short, warm, personal prayers for a prayer app.
Address God directly, in the user's tradition if given. Keep it under 150 words.
Mention the people and needs the user named. Do not add headings or commentary.`

// BuildPrayerPrompt renders the user's answers as a generation prompt.
func BuildPrayerPrompt(a models.Answers) string {
	var b strings.Builder
	if a.FirstName != "" {
		fmt.Fprintf(&b, "Name: %s\n", a.FirstName)
	}
	if a.FaithTradition != "" {
		fmt.Fprintf(&b, "Tradition: %s\n", a.FaithTradition)
	}
	if a.Mood != nil {
		fmt.Fprintf(&b, "Mood: %s\n", a.Mood.Label)
	}
	if a.MoodContext != "" {
		fmt.Fprintf(&b, "Context: %s\n", a.MoodContext)
	}
	if len(a.PrayerPeople) > 0 {
		names := make([]string, 0, len(a.PrayerPeople))
		for _, p := range a.PrayerPeople {
			names = append(names, p.Name)
		}
		fmt.Fprintf(&b, "Praying for: %s\n", strings.Join(names, ", "))
	}
	if len(a.PrayerNeeds) > 0 {
		fmt.Fprintf(&b, "Needs: %s\n", strings.Join(a.PrayerNeeds, ", "))
	}
	if a.CustomPrayerNeed != "" {
		fmt.Fprintf(&b, "Also: %s\n", a.CustomPrayerNeed)
	}
	if a.PrayerStyle != "" {
		fmt.Fprintf(&b, "Style: %s\n", a.PrayerStyle)
	}
	if b.Len() == 0 {
		return "Write a short prayer for someone beginning a daily prayer habit."
	}
	return "Write a first prayer for this person.\n" + b.String()
}
