package generation_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/phrazzld/boardsync/internal/domain"
	"github.com/phrazzld/boardsync/internal/generation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubtasks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want []domain.Subtask
	}{
		{
			name: "bare array",
			text: `[{"title": "Draft outline", "completed": false}, {"title": "Review", "completed": true}]`,
			want: []domain.Subtask{{Title: "Draft outline"}, {Title: "Review", Completed: true}},
		},
		{
			name: "wrapped in prose and fences",
			text: "Sure! Here you go:\n```json\n[\n  {\"title\": \"Draft outline\"},\n  {\"title\": \"Collect feedback\"}\n]\n```\nGood luck.",
			want: []domain.Subtask{{Title: "Draft outline"}, {Title: "Collect feedback"}},
		},
		{
			name: "object envelope",
			text: `{"subtasks": [{"title": "One"}, {"title": "Two"}, {"title": "Three"}]}`,
			want: []domain.Subtask{{Title: "One"}, {Title: "Two"}, {Title: "Three"}},
		},
		{
			name: "plain strings with whitespace",
			text: `["  Draft outline ", "Review"]`,
			want: []domain.Subtask{{Title: "Draft outline"}, {Title: "Review"}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := generation.ParseSubtasks(tc.text)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseSubtasks_Invalid(t *testing.T) {
	t.Parallel()

	inputs := map[string]string{
		"no array":      "I cannot help with that.",
		"empty array":   "[]",
		"broken json":   `[{"title": "a",]`,
		"empty title":   `[{"title": "ok"}, {"title": "  "}]`,
		"wrong shape":   `[42]`,
		"reversed":      "] nothing [",
		"empty string":  "",
		"empty strings": `["", "x"]`,
	}
	for name, text := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := generation.ParseSubtasks(text)
			assert.ErrorIs(t, err, generation.ErrInvalidResponse)
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	prompt, err := generation.BuildPrompt(generation.Request{
		Title:       "Write spec",
		Description: "Engine design doc",
		Count:       5,
	})
	require.NoError(t, err)
	assert.Contains(t, prompt, "Break down this task into 5 actionable subtasks")
	assert.Contains(t, prompt, "Task: Write spec")
	assert.Contains(t, prompt, "Description: Engine design doc")
	assert.Contains(t, prompt, `[{"title": "subtask 1", "completed": false}]`)

	prompt, err = generation.BuildPrompt(generation.Request{Title: "Write spec"})
	require.NoError(t, err)
	assert.Contains(t, prompt, "into 4 actionable subtasks")

	_, err = generation.BuildPrompt(generation.Request{Title: "  "})
	assert.ErrorIs(t, err, generation.ErrEmptyTitle)
}

func TestNewPrompter(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	path := filepath.Join(dir, "prompt.tmpl")
	require.NoError(t, os.WriteFile(path, []byte("List {{.Count}} steps for {{.Title}}"), 0o600))

	p, err := generation.NewPrompter(path)
	require.NoError(t, err)
	prompt, err := p.Build(generation.Request{Title: "Ship it", Count: 2})
	require.NoError(t, err)
	assert.Equal(t, "List 2 steps for Ship it", prompt)

	_, err = generation.NewPrompter(filepath.Join(dir, "missing.tmpl"))
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)

	bad := filepath.Join(dir, "bad.tmpl")
	require.NoError(t, os.WriteFile(bad, []byte("{{.Title"), 0o600))
	_, err = generation.NewPrompter(bad)
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)
}

func TestGeneratorFunc(t *testing.T) {
	t.Parallel()

	var g generation.Generator = generation.GeneratorFunc(
		func(ctx context.Context, req generation.Request) ([]domain.Subtask, error) {
			return []domain.Subtask{{Title: req.Title + " step"}}, nil
		})

	got, err := g.GenerateSubtasks(context.Background(), generation.Request{Title: "Plan"})
	require.NoError(t, err)
	assert.Equal(t, []domain.Subtask{{Title: "Plan step"}}, got)
}
