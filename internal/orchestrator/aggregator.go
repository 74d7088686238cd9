package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/grading-agent/backend/internal/grading"
	"github.com/grading-agent/backend/internal/provider"
)

const aggregateSystemPrompt = `You are a homework grader. Synthesize the transcription and figure evidence
into a per-question grading result. Return ONLY a JSON object of the form:
{
  "certainty": 0.0-1.0,
  "findings": [
    {
      "question_index": 1,
      "box": [ymin, xmin, ymax, xmax],
      "verdict": "correct" | "incorrect" | "unclear",
      "knowledge_tag": "topic",
      "expected_answer": "the answer form expected",
      "has_figure": false,
      "ambiguous": false
    }
  ]
}
Box coordinates are normalized to [0,1]. Mark a finding ambiguous when the
evidence is missing or contradictory. Report your overall certainty honestly.`

const aggregateResultSchema = `{
  "type": "object",
  "required": ["certainty", "findings"],
  "properties": {
    "certainty": {"type": "number", "minimum": 0, "maximum": 1},
    "findings": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["question_index", "box", "verdict"],
        "properties": {
          "question_index": {"type": "integer", "minimum": 0},
          "box": {
            "type": "array",
            "minItems": 4,
            "maxItems": 4,
            "items": {"type": "number", "minimum": 0, "maximum": 1}
          },
          "verdict": {"enum": ["correct", "incorrect", "unclear"]},
          "knowledge_tag": {"type": "string"},
          "expected_answer": {"type": "string"},
          "has_figure": {"type": "boolean"},
          "ambiguous": {"type": "boolean"}
        }
      }
    }
  }
}`

var aggregateSchema = jsonschema.MustCompileString("aggregate.json", aggregateResultSchema)

func buildAggregateRequest(spec RunSpec, evidence []string, maxTokens int) provider.Request {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Subject: %s\n\nEvidence collected:\n", spec.Subject))
	for i, chunk := range evidence {
		b.WriteString(fmt.Sprintf("\n--- Evidence %d ---\n%s\n", i+1, chunk))
	}
	b.WriteString("\nGrade every question. Return JSON only.")

	return provider.Request{
		SystemPrompt: aggregateSystemPrompt,
		UserPrompt:   b.String(),
		Temperature:  0.1,
		MaxTokens:    maxTokens,
	}
}

// parseDraft validates the synthesis output against the result schema before
// decoding. A truncated response never validates, so both malformed and
// cut-off output surface as the same parse failure.
func parseDraft(content string) (*grading.Draft, error) {
	raw := extractJSONObject(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in aggregation output")
	}

	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("unmarshal aggregation output: %w", err)
	}
	if err := aggregateSchema.Validate(v); err != nil {
		return nil, fmt.Errorf("aggregation output does not match schema: %w", err)
	}

	var out struct {
		Certainty float64           `json:"certainty"`
		Findings  []grading.Finding `json:"findings"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode aggregation output: %w", err)
	}

	return &grading.Draft{
		Certainty: out.Certainty,
		Findings:  out.Findings,
	}, nil
}

// extractJSONObject cuts the outermost {...} from model output that may wrap
// the JSON in prose or a code fence.
func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return content[start : end+1]
}
