package orchestrator

import "github.com/grading-agent/backend/internal/grading"

// reflect decides whether another iteration is warranted. Visual escalation is
// reserved for figure evidence: when the accumulated transcription surfaces no
// uninspected figure region, the loop force-stops even if the model might have
// continued. That rule is the loop's cost control, not an optimization.
func reflect(evidence []string, inspected []grading.BoundingBox) (ReflectVerdict, []grading.BoundingBox) {
	var pending []grading.BoundingBox

	for _, chunk := range evidence {
		for _, region := range extractFigureRegions(chunk) {
			if !containsRegion(inspected, region) && !containsRegion(pending, region) {
				pending = append(pending, region)
			}
		}
	}

	if len(pending) == 0 {
		return VerdictStop, nil
	}
	return VerdictContinue, pending
}

func containsRegion(regions []grading.BoundingBox, box grading.BoundingBox) bool {
	const tolerance = 0.01

	for _, r := range regions {
		match := true
		for i := 0; i < 4; i++ {
			d := r[i] - box[i]
			if d < -tolerance || d > tolerance {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
