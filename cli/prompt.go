package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/compozy/deepresearch/engine/research"
)

// answerer collects answers to clarification questions. Questions left
// unanswered are omitted from the result.
type answerer interface {
	Answer(ctx context.Context, questions []research.Question) (map[string]string, error)
}

// presetAnswers answers questions by id from the --answer flag.
type presetAnswers map[string]string

func (p presetAnswers) Answer(_ context.Context, questions []research.Question) (map[string]string, error) {
	out := make(map[string]string)
	for _, q := range questions {
		if a := strings.TrimSpace(p[q.ID]); a != "" {
			out[q.ID] = a
		}
	}
	return out, nil
}

// formAnswerer asks through an interactive terminal form.
type formAnswerer struct{}

func (formAnswerer) Answer(ctx context.Context, questions []research.Question) (map[string]string, error) {
	values := make([]string, len(questions))
	fields := make([]huh.Field, len(questions))
	for i, q := range questions {
		fields[i] = huh.NewInput().
			Title(q.Text).
			Description("Leave empty to skip").
			Value(&values[i])
	}
	if err := huh.NewForm(huh.NewGroup(fields...)).RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read answers: %w", err)
	}
	out := make(map[string]string)
	for i, q := range questions {
		if a := strings.TrimSpace(values[i]); a != "" {
			out[q.ID] = a
		}
	}
	return out, nil
}

// lineAnswerer reads one answer per line. An empty line skips a question
// and end of input skips the rest.
type lineAnswerer struct {
	in  *bufio.Reader
	out io.Writer
}

func newLineAnswerer(in io.Reader, out io.Writer) *lineAnswerer {
	return &lineAnswerer{in: bufio.NewReader(in), out: out}
}

func (l *lineAnswerer) Answer(_ context.Context, questions []research.Question) (map[string]string, error) {
	out := make(map[string]string)
	for _, q := range questions {
		fmt.Fprintf(l.out, "? %s\n> ", q.Text)
		line, err := l.in.ReadString('\n')
		if a := strings.TrimSpace(line); a != "" {
			out[q.ID] = a
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("failed to read answer: %w", err)
		}
	}
	return out, nil
}

// chainAnswers asks each answerer only the questions still open.
type chainAnswers []answerer

func (c chainAnswers) Answer(ctx context.Context, questions []research.Question) (map[string]string, error) {
	out := make(map[string]string)
	open := questions
	for _, a := range c {
		if len(open) == 0 {
			break
		}
		got, err := a.Answer(ctx, open)
		for id, v := range got {
			out[id] = v
		}
		if err != nil {
			return out, err
		}
		var rest []research.Question
		for _, q := range open {
			if _, ok := out[q.ID]; !ok {
				rest = append(rest, q)
			}
		}
		open = rest
	}
	return out, nil
}
