package grading

import "time"

type Classification string

const (
	ClassificationFinal       Classification = "final"
	ClassificationNeedsReview Classification = "needs_review"
	ClassificationUncertain   Classification = "uncertain"
)

type Verdict string

const (
	VerdictCorrect   Verdict = "correct"
	VerdictIncorrect Verdict = "incorrect"
	VerdictUnclear   Verdict = "unclear"
)

// BoundingBox is [ymin, xmin, ymax, xmax], normalized to [0,1].
type BoundingBox [4]float64

func (b BoundingBox) Valid() bool {
	for _, v := range b {
		if v < 0 || v > 1 {
			return false
		}
	}
	return b[0] <= b[2] && b[1] <= b[3]
}

// Finding is one graded question on a page.
type Finding struct {
	QuestionIndex  int         `json:"question_index"`
	Box            BoundingBox `json:"box"`
	Verdict        Verdict     `json:"verdict"`
	PageRef        string      `json:"page_ref,omitempty"`
	KnowledgeTag   string      `json:"knowledge_tag,omitempty"`
	ExpectedAnswer string      `json:"expected_answer,omitempty"`
	HasFigure      bool        `json:"has_figure,omitempty"`
	Ambiguous      bool        `json:"ambiguous,omitempty"`
}

// Draft is the aggregation output before the review router classifies it.
type Draft struct {
	Findings  []Finding
	Certainty float64
}

// Result is the final, immutable output of one Run.
type Result struct {
	RunID          string         `json:"run_id"`
	PageIndex      int            `json:"page_index"`
	Findings       []Finding      `json:"findings"`
	Confidence     float64        `json:"confidence"`
	Classification Classification `json:"classification"`
	CreatedAt      time.Time      `json:"created_at"`
}
