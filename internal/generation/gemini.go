// ABOUTME: Gemini adapter implementing Generator over google/generative-ai-go
// ABOUTME: Applies outbound pacing, per-call timeouts and candidate text extraction

package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
)

// DefaultModel is the Gemini model used when none is configured.
const DefaultModel = "gemini-1.5-flash"

// DefaultTimeout bounds a single remote call.
const DefaultTimeout = 30 * time.Second

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	APIKey            string
	Model             string
	Timeout           time.Duration
	RequestsPerSecond float64 // <= 0 disables pacing
	Burst             int
	ImagePolicy       ImagePolicy // zero fields fall back to the defaults
}

// contentGenerator is the part of *genai.GenerativeModel the client uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiClient implements Generator against the Gemini API.
type GeminiClient struct {
	client  *genai.Client
	model   contentGenerator
	limiter *rate.Limiter
	policy  ImagePolicy
	timeout time.Duration
	logger  *slog.Logger
}

// NewGeminiClient creates a Gemini-backed Generator.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	model.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
	}

	c := newGeminiClient(model, cfg, logger)
	c.client = client
	c.logger.Info("gemini client initialized", "model", cfg.Model)
	return c, nil
}

func newGeminiClient(model contentGenerator, cfg GeminiConfig, logger *slog.Logger) *GeminiClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &GeminiClient{
		model:   model,
		limiter: limiter,
		policy:  cfg.ImagePolicy,
		timeout: timeout,
		logger:  logger.With("component", "generation"),
	}
}

// GenerateText sends a text-only prompt.
func (g *GeminiClient) GenerateText(ctx context.Context, prompt string) (Result, error) {
	g.logger.Debug("generating text", "prompt_len", len(prompt))
	return g.generate(ctx, genai.Text(prompt))
}

// GenerateWithImage sends an image followed by the prompt. The image is
// validated against the client's configured policy first.
func (g *GeminiClient) GenerateWithImage(ctx context.Context, prompt string, image Image) (Result, error) {
	image, err := ValidateImage(image, g.policy)
	if err != nil {
		return Result{}, err
	}
	g.logger.Debug("generating with image", "prompt_len", len(prompt), "media_type", image.MediaType, "image_bytes", len(image.Data))

	parts := []genai.Part{genai.Blob{MIMEType: image.MediaType, Data: image.Data}}
	if prompt != "" {
		parts = append(parts, genai.Text(prompt))
	}
	return g.generate(ctx, parts...)
}

func (g *GeminiClient) generate(ctx context.Context, parts ...genai.Part) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return Result{}, &GenerationError{Cause: fmt.Errorf("waiting for rate limiter: %w", err)}
		}
	}

	start := time.Now()
	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		g.logger.Warn("gemini call failed", "error", err, "elapsed", time.Since(start))
		return Result{}, &GenerationError{Cause: err}
	}

	text, err := extractText(resp)
	if err != nil {
		g.logger.Warn("gemini returned no usable text", "error", err)
		return Result{}, &GenerationError{Cause: err}
	}

	g.logger.Debug("generated response", "response_len", len(text), "elapsed", time.Since(start))
	return Result{Text: text}, nil
}

// extractText concatenates the text parts of the first candidate.
func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", ErrEmptyResponse
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return "", fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrEmptyResponse
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}

// Close releases the underlying API client.
func (g *GeminiClient) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

var _ Generator = (*GeminiClient)(nil)
