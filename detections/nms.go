package detections

import (
	"math"
	"sort"
)

type candidate struct {
	box   [4]float32 // x1, y1, x2, y2
	score float32
	class int
}

// nonMaxSuppression keeps the highest scoring box of every overlapping group
// of the same class. The result is ordered by descending score.
func nonMaxSuppression(cands []candidate, iouThreshold float32, limit int) []candidate {
	if len(cands) == 0 {
		return nil
	}

	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].score > cands[j].score
	})

	kept := make([]candidate, 0, min(len(cands), limit))
	suppressed := make([]bool, len(cands))
	for i := range cands {
		if suppressed[i] {
			continue
		}
		kept = append(kept, cands[i])
		if len(kept) == limit {
			break
		}
		for j := i + 1; j < len(cands); j++ {
			if suppressed[j] || cands[j].class != cands[i].class {
				continue
			}
			if calculateIOU(cands[i].box, cands[j].box) > float64(iouThreshold) {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func calculateIOU(box1, box2 [4]float32) float64 {
	x1 := math.Max(float64(box1[0]), float64(box2[0]))
	y1 := math.Max(float64(box1[1]), float64(box2[1]))
	x2 := math.Min(float64(box1[2]), float64(box2[2]))
	y2 := math.Min(float64(box1[3]), float64(box2[3]))

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := float64(box1[2]-box1[0]) * float64(box1[3]-box1[1])
	area2 := float64(box2[2]-box2[0]) * float64(box2[3]-box2[1])
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0.0
	}

	return intersection / union
}
