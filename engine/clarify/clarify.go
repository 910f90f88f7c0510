// Package clarify decides whether a research query needs clarification and
// produces bounded, ranked question sets.
package clarify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/compozy/deepresearch/engine/core"
	"github.com/compozy/deepresearch/engine/research"
	"github.com/compozy/deepresearch/pkg/textsim"
)

// MaxQuestions is the hard cap on questions offered in one round.
const MaxQuestions = 5

type Config struct {
	Threshold    float64 `koanf:"threshold"     json:"threshold"     yaml:"threshold"     validate:"min=0,max=1"`
	MaxQuestions int     `koanf:"max_questions" json:"max_questions" yaml:"max_questions" validate:"min=0,max=5"`
	// Disabled turns every query unambiguous and suppresses follow-ups.
	Disabled bool `koanf:"-" json:"-" yaml:"-"`
}

func DefaultConfig() Config {
	return Config{Threshold: 0.5, MaxQuestions: MaxQuestions}
}

// Recorder is the part of the context store clarification writes to.
type Recorder interface {
	RecordQuestions(questions []research.Question)
	Answer(questionID, answer string) bool
	Snapshot() research.Context
}

type Unit struct {
	cfg       Config
	detector  Detector
	generator Generator
}

type Option func(*Unit)

func WithDetector(d Detector) Option {
	return func(u *Unit) {
		u.detector = d
	}
}

func WithGenerator(g Generator) Option {
	return func(u *Unit) {
		u.generator = g
	}
}

func New(cfg Config, opts ...Option) *Unit {
	u := &Unit{cfg: cfg, detector: HeuristicDetector{}, generator: TemplateGenerator{}}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *Unit) limit() int {
	if u.cfg.MaxQuestions <= 0 || u.cfg.MaxQuestions > MaxQuestions {
		return MaxQuestions
	}
	return u.cfg.MaxQuestions
}

// DetectAmbiguity returns the ambiguity score of query, clamped to [0,1].
func (u *Unit) DetectAmbiguity(query string) float64 {
	return max(0, min(1, u.detector.Score(query)))
}

func (u *Unit) Ambiguous(query string) bool {
	return !u.cfg.Disabled && u.DetectAmbiguity(query) >= u.cfg.Threshold
}

// GenerateQuestions returns at most the configured number of questions,
// never more than MaxQuestions, ranked by expected information gain. A
// query scoring below the threshold yields none.
func (u *Unit) GenerateQuestions(ctx context.Context, query string, rc research.Context) ([]research.Question, error) {
	score := u.DetectAmbiguity(query)
	if u.cfg.Disabled || score < u.cfg.Threshold {
		return nil, nil
	}
	req := Request{Query: query, Ambiguity: score, Context: rc, Max: u.limit()}
	questions, err := u.generator.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to generate clarification questions: %w", err)
	}
	return rank(skipAnswered(questions, rc), u.limit()), nil
}

// FollowUp re-offers open items first, then asks the generator for
// questions derived from downstream gaps.
func (u *Unit) FollowUp(
	ctx context.Context,
	query string,
	rc research.Context,
	gaps []research.Gap,
) ([]research.Question, error) {
	if u.cfg.Disabled {
		return nil, nil
	}
	limit := u.limit()
	open := rc.OpenQuestions()
	if len(open) >= limit {
		return open[:limit], nil
	}
	req := Request{Query: query, Ambiguity: u.DetectAmbiguity(query), Context: rc, Gaps: gaps, Max: limit - len(open)}
	fresh, err := u.generator.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to generate follow-up questions: %w", err)
	}
	seen := make(map[string]struct{}, len(rc.Clarifications))
	for _, c := range rc.Clarifications {
		seen[c.Question.ID] = struct{}{}
	}
	var novel []research.Question
	for _, q := range withIDs(fresh) {
		if _, dup := seen[q.ID]; dup {
			continue
		}
		seen[q.ID] = struct{}{}
		novel = append(novel, q)
	}
	out := append(append([]research.Question(nil), open...), rank(novel, limit-len(open))...)
	return out, nil
}

// Incorporate records questions and the answers given to them. Questions
// without an answer stay recorded as open items.
func (u *Unit) Incorporate(store Recorder, questions []research.Question, answers map[string]string) research.Context {
	store.RecordQuestions(questions)
	for id, answer := range answers {
		store.Answer(id, answer)
	}
	return store.Snapshot()
}

// EnhancedQuery folds answered clarifications into the query text handed
// to planners and searchers.
func EnhancedQuery(query string, answered []research.Clarification) string {
	if len(answered) == 0 {
		return query
	}
	var b strings.Builder
	b.WriteString(query)
	for _, c := range answered {
		fmt.Fprintf(&b, "\n- %s: %s", c.Question.Text, c.Answer)
	}
	return b.String()
}

func skipAnswered(questions []research.Question, rc research.Context) []research.Question {
	answeredIDs := make(map[string]struct{})
	answeredText := make(map[string]struct{})
	for _, c := range rc.Answered() {
		answeredIDs[c.Question.ID] = struct{}{}
		answeredText[textsim.Normalize(c.Question.Text)] = struct{}{}
	}
	out := make([]research.Question, 0, len(questions))
	seen := make(map[string]struct{})
	for _, q := range withIDs(questions) {
		if strings.TrimSpace(q.Text) == "" {
			continue
		}
		if _, ok := answeredIDs[q.ID]; ok {
			continue
		}
		if _, ok := answeredText[textsim.Normalize(q.Text)]; ok {
			continue
		}
		if _, ok := seen[q.ID]; ok {
			continue
		}
		seen[q.ID] = struct{}{}
		out = append(out, q)
	}
	return out
}

// withIDs derives a stable id from the text of questions that lack one.
func withIDs(questions []research.Question) []research.Question {
	out := make([]research.Question, len(questions))
	for i, q := range questions {
		if q.ID == "" {
			q.ID = "q-" + core.DigestBytes([]byte(textsim.Normalize(q.Text)))[:12]
		}
		out[i] = q
	}
	return out
}

func rank(questions []research.Question, limit int) []research.Question {
	sort.SliceStable(questions, func(i, j int) bool {
		return questions[i].Gain > questions[j].Gain
	})
	if limit < 0 {
		limit = 0
	}
	if len(questions) > limit {
		questions = questions[:limit]
	}
	return questions
}
