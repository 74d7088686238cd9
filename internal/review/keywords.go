package review

import (
	"strings"

	prose "github.com/jdkato/prose/v2"

	"github.com/grading-agent/backend/internal/grading"
)

// answerFormsExtractable checks that every resolved finding carries an
// expected-answer text from which at least one content keyword can be
// extracted. Unclear findings are exempt; they already block a final
// classification through the confidence side.
func answerFormsExtractable(draft *grading.Draft) bool {
	for _, f := range draft.Findings {
		if f.Verdict == grading.VerdictUnclear || f.Ambiguous {
			continue
		}
		if len(extractAnswerKeywords(f.ExpectedAnswer)) == 0 {
			return false
		}
	}
	return true
}

// extractAnswerKeywords pulls the content tokens (nouns, numbers, adjectives)
// out of an expected-answer description.
func extractAnswerKeywords(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	doc, err := prose.NewDocument(text, prose.WithExtraction(false))
	if err != nil {
		return nil
	}

	var keywords []string
	for _, tok := range doc.Tokens() {
		if isContentTag(tok.Tag) {
			keywords = append(keywords, tok.Text)
		}
	}
	return keywords
}

func isContentTag(tag string) bool {
	return strings.HasPrefix(tag, "NN") ||
		strings.HasPrefix(tag, "CD") ||
		strings.HasPrefix(tag, "JJ") ||
		strings.HasPrefix(tag, "SYM")
}
