package taskapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/phrazzld/boardsync/internal/domain"
	"github.com/phrazzld/boardsync/internal/generation"
)

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Subtasks json.RawMessage `json:"subtasks"`
}

// GenerateSubtasks asks the server's generation endpoint for subtasks.
func (c *Client) GenerateSubtasks(ctx context.Context, prompt string) ([]domain.Subtask, error) {
	var resp generateResponse
	err := c.do(ctx, http.MethodPost, []string{"ai", "generate-subtasks"}, nil, generateRequest{Prompt: prompt}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Subtasks) == 0 {
		return nil, fmt.Errorf("%w: response has no subtasks", generation.ErrInvalidResponse)
	}
	return generation.ParseSubtasks(string(resp.Subtasks))
}

// SubtaskGenerator is a generation.Generator that delegates to the task
// server, which holds the model credentials.
type SubtaskGenerator struct {
	client   *Client
	prompter *generation.Prompter
}

// NewSubtaskGenerator wraps client. A nil prompter uses the default prompt.
func NewSubtaskGenerator(client *Client, prompter *generation.Prompter) (*SubtaskGenerator, error) {
	if prompter == nil {
		p, err := generation.NewPrompter("")
		if err != nil {
			return nil, err
		}
		prompter = p
	}
	return &SubtaskGenerator{client: client, prompter: prompter}, nil
}

// GenerateSubtasks implements generation.Generator.
func (g *SubtaskGenerator) GenerateSubtasks(ctx context.Context, req generation.Request) ([]domain.Subtask, error) {
	prompt, err := g.prompter.Build(req)
	if err != nil {
		return nil, err
	}

	subtasks, err := g.client.GenerateSubtasks(ctx, prompt)
	if err == nil {
		return subtasks, nil
	}

	var se *StatusError
	switch {
	case errors.Is(err, generation.ErrInvalidResponse):
		return nil, err
	case ctx.Err() != nil:
		return nil, fmt.Errorf("%w: %w", generation.ErrTransientFailure, ctx.Err())
	case errors.As(err, &se) && !se.Temporary():
		return nil, fmt.Errorf("%w: %w", generation.ErrGenerationFailed, err)
	default:
		return nil, fmt.Errorf("%w: %w", generation.ErrTransientFailure, err)
	}
}

var _ generation.Generator = (*SubtaskGenerator)(nil)
