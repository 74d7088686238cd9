package review

import (
	"time"

	"go.uber.org/zap"

	"github.com/grading-agent/backend/internal/grading"
	"github.com/grading-agent/backend/pkg/logger"
)

// ScorePolicy computes the overall confidence for a draft. The exact formula
// is deliberately pluggable; the default weighs the model's self-reported
// certainty by how much of the page it actually resolved.
type ScorePolicy interface {
	Score(draft *grading.Draft) float64
}

type Config struct {
	DefaultThreshold float64
	StrictThreshold  float64
	StrictSubjects   []string
}

// Router post-processes aggregation drafts into the final / needs_review /
// uncertain classification.
type Router struct {
	cfg    Config
	policy ScorePolicy
}

func NewRouter(cfg Config, policy ScorePolicy) *Router {
	if policy == nil {
		policy = CoveragePolicy{}
	}
	if cfg.DefaultThreshold == 0 {
		cfg.DefaultThreshold = 0.75
	}
	if cfg.StrictThreshold == 0 {
		cfg.StrictThreshold = 0.91
	}
	return &Router{cfg: cfg, policy: policy}
}

func (r *Router) Classify(runID string, pageIndex int, draft *grading.Draft, subject string, strict bool) *grading.Result {
	strictMode := strict || r.strictSubject(subject)

	confidence := r.policy.Score(draft)

	threshold := r.cfg.DefaultThreshold
	if strictMode {
		threshold = r.cfg.StrictThreshold
	}

	classification := r.classify(draft, confidence, threshold)

	// Fail-closed: in strict mode a result may only be final when the
	// expected answer form could be extracted for every resolved question.
	// A high score never bypasses this.
	if strictMode && classification == grading.ClassificationFinal && !answerFormsExtractable(draft) {
		classification = grading.ClassificationNeedsReview
	}

	logger.Info("Draft classified",
		zap.String("run_id", runID),
		zap.String("subject", subject),
		zap.Bool("strict", strictMode),
		zap.Float64("confidence", confidence),
		zap.String("classification", string(classification)),
	)

	return &grading.Result{
		RunID:          runID,
		PageIndex:      pageIndex,
		Findings:       draft.Findings,
		Confidence:     confidence,
		Classification: classification,
		CreatedAt:      time.Now(),
	}
}

// classify separates the two low-confidence outcomes: uncertain means the
// evidence itself is missing or contradictory, needs_review means borderline
// correctness on otherwise solid evidence.
func (r *Router) classify(draft *grading.Draft, confidence, threshold float64) grading.Classification {
	if len(draft.Findings) == 0 {
		return grading.ClassificationUncertain
	}

	resolved := 0
	for _, f := range draft.Findings {
		if !f.Ambiguous && f.Verdict != grading.VerdictUnclear {
			resolved++
		}
	}
	if float64(resolved) < float64(len(draft.Findings))/2 {
		return grading.ClassificationUncertain
	}

	if confidence >= threshold {
		return grading.ClassificationFinal
	}
	return grading.ClassificationNeedsReview
}

func (r *Router) strictSubject(subject string) bool {
	for _, s := range r.cfg.StrictSubjects {
		if s == subject {
			return true
		}
	}
	return false
}

// CoveragePolicy is the default score: self-reported certainty scaled by the
// fraction of questions resolved without ambiguity.
type CoveragePolicy struct{}

func (CoveragePolicy) Score(draft *grading.Draft) float64 {
	if len(draft.Findings) == 0 {
		return 0
	}

	resolved := 0
	for _, f := range draft.Findings {
		if !f.Ambiguous && f.Verdict != grading.VerdictUnclear {
			resolved++
		}
	}
	coverage := float64(resolved) / float64(len(draft.Findings))

	score := draft.Certainty * coverage
	if score > 1 {
		score = 1
	}
	return score
}
