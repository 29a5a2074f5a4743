// Package verifier implements domain.Classifier against an OpenAI-compatible
// chat completions gateway.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"example.com/greenpoints/internal/domain"
)

// Default request parameters.
const (
	DefaultModel       = "google/gemini-2.5-flash"
	DefaultTemperature = 0.3
	DefaultTimeout     = 45 * time.Second
)

// ErrNotConfigured is returned when no API key was supplied.
var ErrNotConfigured = errors.New("ai gateway api key not configured")

// Config holds gateway connection settings.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// OpenAIClassifier sends one system instruction and one multimodal user turn per verification.
type OpenAIClassifier struct {
	client      openai.Client
	model       string
	temperature float64
	timeout     time.Duration
	configured  bool
	logger      *log.Logger
}

// Option configures the classifier.
type Option func(*OpenAIClassifier)

// WithLogger overrides the classifier logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *OpenAIClassifier) {
		c.logger = logger
	}
}

// NewOpenAIClassifier constructs a classifier. Retries are disabled so rate-limit
// signals reach the caller unchanged.
func NewOpenAIClassifier(cfg Config, opts ...Option) *OpenAIClassifier {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	if cfg.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.HTTPClient))
	}

	c := &OpenAIClassifier{
		client:      openai.NewClient(reqOpts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		configured:  strings.TrimSpace(cfg.APIKey) != "",
		logger:      log.New(log.Writer(), "[verifier] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify implements domain.Classifier.
func (c *OpenAIClassifier) Classify(ctx context.Context, req domain.ClassifyRequest) (domain.Verdict, error) {
	if !c.configured {
		return domain.Verdict{}, fmt.Errorf("%w: %w", domain.ErrVerificationFailed, ErrNotConfigured)
	}

	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(req.Frames)+1)
	parts = append(parts, openai.TextContentPart(req.Prompt))
	for _, frame := range req.Frames {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: frame}))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.Instruction),
			openai.UserMessage(parts),
		},
		Temperature: openai.Float(c.temperature),
	})
	if err != nil {
		return domain.Verdict{}, mapUpstreamError(err)
	}
	if len(completion.Choices) == 0 {
		return domain.Verdict{}, fmt.Errorf("%w: no choices returned", domain.ErrMalformedUpstreamResponse)
	}

	content := completion.Choices[0].Message.Content
	verdict, err := ParseVerdict(content)
	if err != nil {
		c.logger.Printf("unparseable model answer category=%s: %q", req.Category, truncate(content, 200))
		return domain.Verdict{}, err
	}
	return verdict, nil
}

func mapUpstreamError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", domain.ErrTooManyRequests, err)
		case http.StatusPaymentRequired:
			return fmt.Errorf("%w: %v", domain.ErrServiceUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrVerificationFailed, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
