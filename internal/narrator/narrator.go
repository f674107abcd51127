// Package narrator wraps the upstream generative model. It exposes
// the model as a stream of narrative text fragments and classifies
// upstream failures for the retry controller.
package narrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// ErrEmptyResponse is yielded when the model returns a response with
// no usable candidate content. Classified as retryable.
var ErrEmptyResponse = errors.New("model returned empty response")

// Narrator yields narrative fragments for one prompt. The iterator
// terminates after yielding a non-nil error; consumers concatenate
// fragments themselves.
type Narrator interface {
	Stream(ctx context.Context, prompt string) iter.Seq2[string, error]
}

// GeminiClient is the production Narrator over the Gemini API.
type GeminiClient struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGemini creates a Gemini-backed narrator.
func NewGemini(ctx context.Context, apiKey, model string, logger *slog.Logger) (*GeminiClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create generative client: %w", err)
	}

	logger.Info("Connected to generative model", "model", model)

	return &GeminiClient{
		client: client,
		model:  model,
		logger: logger,
	}, nil
}

// Close releases the underlying client.
func (c *GeminiClient) Close() {
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			c.logger.Warn("failed to close generative client", "error", err)
		}
	}
}

// Stream issues one streaming generation call and yields text
// fragments as they arrive.
func (c *GeminiClient) Stream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		model := c.client.GenerativeModel(c.model)
		stream := model.GenerateContentStream(ctx, genai.Text(prompt))

		yielded := false
		for {
			resp, err := stream.Next()
			if errors.Is(err, iterator.Done) {
				if !yielded {
					yield("", ErrEmptyResponse)
				}
				return
			}
			if err != nil {
				yield("", fmt.Errorf("model stream: %w", err))
				return
			}

			fragment := fragmentText(resp)
			if fragment == "" {
				continue
			}
			yielded = true
			if !yield(fragment, nil) {
				return
			}
		}
	}
}

func fragmentText(resp *genai.GenerateContentResponse) string {
	var text string
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if txt, ok := part.(genai.Text); ok {
				text += string(txt)
			}
		}
	}
	return text
}
