package orchestrator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/grading-agent/backend/internal/grading"
	"github.com/grading-agent/backend/internal/provider"
)

type PlannedCall struct {
	Kind   provider.Kind
	Region *grading.BoundingBox
}

// Plan is the bounded output of one Planning step: which regions need
// attention and which providers to call for them. Acting never fans out
// beyond what the plan names.
type Plan struct {
	Description string
	Calls       []PlannedCall
}

const ocrSystemPrompt = `You transcribe photographed homework pages. Output every question with its
written answer, numbered in reading order. For any region containing a figure,
diagram, graph, or geometric drawing, additionally emit one line of the form
FIGURE_REGION: ymin,xmin,ymax,xmax
with coordinates normalized to [0,1]. Transcribe faithfully; do not grade.`

const visionSystemPrompt = `You describe one region of a photographed homework page in detail: the
figure or diagram it contains, labels, measurements, and how the student's
work relates to it. Do not grade.`

// figureRegionPattern matches the region hints the OCR prompt asks for.
var figureRegionPattern = regexp.MustCompile(`FIGURE_REGION:\s*([0-9.]+)\s*,\s*([0-9.]+)\s*,\s*([0-9.]+)\s*,\s*([0-9.]+)`)

// planIteration produces the next bounded plan. The first pass is always a
// transcription pass; later passes exist only to visually re-inspect figure
// regions the evidence has surfaced but no call has covered yet.
func planIteration(spec RunSpec, iterationIndex int, pending []grading.BoundingBox) Plan {
	if iterationIndex == 0 {
		if spec.FastPath {
			return Plan{
				Description: "fast path: single OCR transcription pass",
				Calls:       []PlannedCall{{Kind: provider.KindOCRGeneral}},
			}
		}
		return Plan{
			Description: "initial pass: OCR transcription plus one full-page vision overview",
			Calls: []PlannedCall{
				{Kind: provider.KindOCRGeneral},
				{Kind: provider.KindVisionDeep},
			},
		}
	}

	plan := Plan{
		Description: fmt.Sprintf("re-inspect %d figure region(s)", len(pending)),
	}
	for i := range pending {
		region := pending[i]
		plan.Calls = append(plan.Calls, PlannedCall{
			Kind:   provider.KindVisionDeep,
			Region: &region,
		})
	}
	return plan
}

func buildCallRequest(spec RunSpec, call PlannedCall) provider.Request {
	switch call.Kind {
	case provider.KindOCRGeneral:
		return provider.Request{
			SystemPrompt: ocrSystemPrompt,
			UserPrompt:   fmt.Sprintf("Transcribe this %s homework page.", spec.Subject),
			ImageURLs:    []string{spec.PageURL},
			Temperature:  0.1,
		}
	default:
		prompt := fmt.Sprintf("Describe the figures on this %s homework page.", spec.Subject)
		if call.Region != nil {
			prompt = fmt.Sprintf(
				"Describe the figure in the region [%.3f, %.3f, %.3f, %.3f] of this %s homework page.",
				call.Region[0], call.Region[1], call.Region[2], call.Region[3], spec.Subject,
			)
		}
		return provider.Request{
			SystemPrompt: visionSystemPrompt,
			UserPrompt:   prompt,
			ImageURLs:    []string{spec.PageURL},
			Temperature:  0.2,
		}
	}
}

// extractFigureRegions parses FIGURE_REGION hints out of provider output.
// Malformed or out-of-range hints are dropped.
func extractFigureRegions(content string) []grading.BoundingBox {
	var regions []grading.BoundingBox

	for _, m := range figureRegionPattern.FindAllStringSubmatch(content, -1) {
		var box grading.BoundingBox
		ok := true
		for i := 0; i < 4; i++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(m[i+1]), 64)
			if err != nil {
				ok = false
				break
			}
			box[i] = v
		}
		if ok && box.Valid() {
			regions = append(regions, box)
		}
	}

	return regions
}
