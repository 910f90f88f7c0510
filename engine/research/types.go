// Package research holds the data model shared by every stage of a research
// session.
package research

import (
	"time"

	"github.com/compozy/deepresearch/engine/budget"
)

// SourceRef identifies where a finding came from.
type SourceRef struct {
	ID       string `json:"id,omitempty"`
	URL      string `json:"url,omitempty"`
	Title    string `json:"title,omitempty"`
	WorkerID string `json:"worker_id,omitempty"`
}

// Scores holds the four independent quality dimensions, each in [0,1].
type Scores struct {
	Completeness float64 `json:"completeness"`
	Credibility  float64 `json:"credibility"`
	Relevance    float64 `json:"relevance"`
	Confidence   float64 `json:"confidence"`
}

// Assertion is a subject/value claim extracted from a finding, used to
// detect contradictions between findings.
type Assertion struct {
	Subject string `json:"subject"`
	Value   string `json:"value"`
}

// Finding is the atomic unit of research output.
type Finding struct {
	ID         string      `json:"id"`
	Content    string      `json:"content"`
	Source     SourceRef   `json:"source"`
	Digest     string      `json:"digest"`
	SimHash    uint64      `json:"simhash"`
	Scores     Scores      `json:"scores"`
	Overall    float64     `json:"overall"`
	Assertions []Assertion `json:"assertions,omitempty"`
	Query      string      `json:"query,omitempty"`
	TrailID    string      `json:"trail_id,omitempty"`
	Novel      bool        `json:"novel"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Gap is a deficiency detected in the current findings.
type Gap struct {
	Description      string   `json:"description"`
	Priority         float64  `json:"priority"`
	Rank             int      `json:"rank"`
	SuggestedQueries []string `json:"suggested_queries,omitempty"`
	Rule             string   `json:"rule,omitempty"`
}

// QualityScore is the aggregated assessment of a batch of findings.
type QualityScore struct {
	Completeness float64 `json:"completeness"`
	Credibility  float64 `json:"credibility"`
	Relevance    float64 `json:"relevance"`
	Confidence   float64 `json:"confidence"`
	Overall      float64 `json:"overall"`
	Gaps         []Gap   `json:"gaps,omitempty"`
}

func (q QualityScore) Dimensions() Scores {
	return Scores{
		Completeness: q.Completeness,
		Credibility:  q.Credibility,
		Relevance:    q.Relevance,
		Confidence:   q.Confidence,
	}
}

// Question is a clarification question offered to the user.
type Question struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	Dimension string  `json:"dimension,omitempty"`
	Gain      float64 `json:"gain"`
}

// Clarification is a recorded question and its answer. Unanswered questions
// stay recorded with Open set.
type Clarification struct {
	Question Question  `json:"question"`
	Answer   string    `json:"answer,omitempty"`
	Open     bool      `json:"open"`
	AskedAt  time.Time `json:"asked_at"`
}

type TrailStatus string

const (
	TrailProposed  TrailStatus = "proposed"
	TrailActive    TrailStatus = "active"
	TrailCompleted TrailStatus = "completed"
	TrailAborted   TrailStatus = "aborted"
)

func (s TrailStatus) Terminal() bool {
	return s == TrailCompleted || s == TrailAborted
}

// TrailRecord is the folded-back record of a trail kept in the context.
type TrailRecord struct {
	ID              string        `json:"id"`
	ParentID        string        `json:"parent_id,omitempty"`
	OriginFindingID string        `json:"origin_finding_id,omitempty"`
	Gap             string        `json:"gap"`
	SubQuery        string        `json:"sub_query"`
	Relevance       float64       `json:"relevance"`
	Novelty         float64       `json:"novelty"`
	Status          TrailStatus   `json:"status"`
	AbortReason     string        `json:"abort_reason,omitempty"`
	Budget          *budget.State `json:"budget,omitempty"`
	FindingIDs      []string      `json:"finding_ids,omitempty"`
	Rounds          int           `json:"rounds"`
	Quality         *QualityScore `json:"quality,omitempty"`
	ProposedAt      time.Time     `json:"proposed_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
}

// HandoffRecord is one entry of the ordered handoff history.
type HandoffRecord struct {
	ID          string    `json:"id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Capability  string    `json:"capability"`
	Reason      string    `json:"reason"`
	SnapshotRef string    `json:"snapshot_ref"`
	Timestamp   time.Time `json:"timestamp"`
}

// Claim is one statement of a synthesized report with the findings backing it.
type Claim struct {
	Text       string   `json:"text"`
	FindingIDs []string `json:"finding_ids"`
}

// Report is the synthesized answer.
type Report struct {
	Title   string   `json:"title"`
	Summary string   `json:"summary"`
	Body    string   `json:"body"`
	Claims  []Claim  `json:"claims"`
	Partial bool     `json:"partial"`
	Notes   []string `json:"notes,omitempty"`
}

// Context is the living record of one research session.
type Context struct {
	SessionID      string          `json:"session_id"`
	Query          string          `json:"query"`
	Clarifications []Clarification `json:"clarifications,omitempty"`
	Findings       []Finding       `json:"findings,omitempty"`
	Trails         []TrailRecord   `json:"trails,omitempty"`
	Usage          budget.Usage    `json:"usage"`
	Handoffs       []HandoffRecord `json:"handoffs,omitempty"`
	Breadcrumbs    []string        `json:"breadcrumbs,omitempty"`
	Quality        []QualityScore  `json:"quality,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// OpenQuestions returns the clarification questions still unanswered.
func (c Context) OpenQuestions() []Question {
	var out []Question
	for _, cl := range c.Clarifications {
		if cl.Open {
			out = append(out, cl.Question)
		}
	}
	return out
}

// Answered returns the answered clarification pairs in record order.
func (c Context) Answered() []Clarification {
	var out []Clarification
	for _, cl := range c.Clarifications {
		if !cl.Open {
			out = append(out, cl)
		}
	}
	return out
}

// FindingByID returns the finding with the given id.
func (c Context) FindingByID(id string) (Finding, bool) {
	for _, f := range c.Findings {
		if f.ID == id {
			return f, true
		}
	}
	return Finding{}, false
}

// LatestQuality returns the most recent assessment, if any.
func (c Context) LatestQuality() (QualityScore, bool) {
	if len(c.Quality) == 0 {
		return QualityScore{}, false
	}
	return c.Quality[len(c.Quality)-1], true
}
