package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/phrazzld/boardsync/internal/config"
	"github.com/phrazzld/boardsync/internal/domain"
	"github.com/phrazzld/boardsync/internal/generation"
	"github.com/phrazzld/boardsync/internal/redact"
	"google.golang.org/genai"
)

// contentGenerator is the part of the genai client the generator uses.
// *genai.Models satisfies it.
type contentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// GeminiGenerator implements the generation.Generator interface using
// Google's Gemini API to propose subtasks for a task.
type GeminiGenerator struct {
	logger   *slog.Logger
	client   contentGenerator
	model    string
	prompter *generation.Prompter
}

// NewGeminiGenerator creates a generator from the AI configuration.
//
// Parameters:
//   - ctx: Context for client initialization
//   - logger: A structured logger for operation logging
//   - cfg: AI configuration containing API key, model name and prompt template
//
// Returns:
//   - A properly initialized GeminiGenerator or an error if initialization fails
func NewGeminiGenerator(ctx context.Context, logger *slog.Logger, cfg config.AIConfig) (*GeminiGenerator, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", generation.ErrInvalidConfig)
	}

	prompter, err := generation.NewPrompter(cfg.PromptTemplatePath)
	if err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v",
			generation.ErrInvalidConfig, redact.Error(err))
	}

	return newGenerator(logger, client.Models, cfg.ModelName, prompter), nil
}

func newGenerator(logger *slog.Logger, client contentGenerator, model string, prompter *generation.Prompter) *GeminiGenerator {
	return &GeminiGenerator{
		logger:   logger.With("component", "gemini_generator", "model", model),
		client:   client,
		model:    model,
		prompter: prompter,
	}
}

// GenerateSubtasks implements generation.Generator. It makes a single call;
// callers decide whether a failure is worth retrying.
func (g *GeminiGenerator) GenerateSubtasks(ctx context.Context, req generation.Request) ([]domain.Subtask, error) {
	prompt, err := g.prompter.Build(req)
	if err != nil {
		return nil, err
	}

	g.logger.DebugContext(ctx, "calling Gemini API",
		"task_id", req.TaskID,
		"prompt_length", len(prompt))

	resp, err := g.client.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		err = classifyError(ctx, err)
		g.logger.WarnContext(ctx, "Gemini API call failed",
			"task_id", req.TaskID,
			"error", redact.Error(err))
		return nil, err
	}

	text, err := responseText(resp)
	if err != nil {
		g.logger.WarnContext(ctx, "Gemini response rejected",
			"task_id", req.TaskID,
			"error", err)
		return nil, err
	}

	subtasks, err := generation.ParseSubtasks(text)
	if err != nil {
		g.logger.WarnContext(ctx, "failed to parse Gemini response",
			"task_id", req.TaskID,
			"response_length", len(text),
			"error", err)
		return nil, err
	}

	g.logger.InfoContext(ctx, "subtasks generated",
		"task_id", req.TaskID,
		"subtask_count", len(subtasks))
	return subtasks, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%w: nil response", generation.ErrInvalidResponse)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("%w: prompt blocked: %s",
			generation.ErrContentBlocked, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no content generated", generation.ErrInvalidResponse)
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%w: content blocked by safety filters", generation.ErrContentBlocked)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("%w: empty content in response", generation.ErrInvalidResponse)
	}
	return text, nil
}

// classifyError maps client errors onto the generation sentinels while
// keeping the cause reachable with errors.Is.
func classifyError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", generation.ErrTransientFailure, ctxErr)
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return fmt.Errorf("%w: %w", generation.ErrTransientFailure, err)
		}
		return fmt.Errorf("%w: %w", generation.ErrGenerationFailed, err)
	}
	return fmt.Errorf("%w: %w", generation.ErrTransientFailure, err)
}
