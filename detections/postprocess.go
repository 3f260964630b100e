package detections

import (
	"fmt"
	"strconv"

	"github.com/Tutortoise/incident-detection-service/models"
)

// decodeOutput turns a raw YOLOv5 output into detections in the coordinate
// space of the original image.
func decodeOutput(predictions []float32, layout outputLayout, opts Options, lb letterbox) ([]models.Detection, error) {
	if len(predictions) != layout.size() {
		return nil, fmt.Errorf("unexpected predictions length: got %d, want %d", len(predictions), layout.size())
	}

	threshold := opts.ConfThreshold

	var cands []candidate
	for i := 0; i < layout.anchors; i++ {
		row := predictions[i*layout.attrs : (i+1)*layout.attrs]
		objectness := row[4]
		if objectness <= threshold {
			continue
		}

		classID, classScore := 0, float32(0)
		for c, s := range row[boxAttrs:] {
			if s > classScore {
				classID, classScore = c, s
			}
		}

		score := objectness * classScore
		if score <= threshold {
			continue
		}

		cands = append(cands, candidate{
			box:   calculateBBox(row[:4], lb),
			score: score,
			class: classID,
		})
	}

	kept := nonMaxSuppression(cands, opts.IOUThreshold, opts.MaxDetections)

	out := make([]models.Detection, 0, len(kept))
	for _, c := range kept {
		out = append(out, models.Detection{
			XMin:       float64(c.box[0]),
			YMin:       float64(c.box[1]),
			XMax:       float64(c.box[2]),
			YMax:       float64(c.box[3]),
			Confidence: float64(c.score),
			Class:      c.class,
			Name:       className(opts.Classes, c.class),
		})
	}
	return out, nil
}

// calculateBBox converts a centre/size box in model pixels to corners in
// original image pixels, removing the letterbox padding and clamping to the
// image.
func calculateBBox(coords []float32, lb letterbox) [4]float32 {
	centerX, centerY := coords[0], coords[1]
	width, height := coords[2], coords[3]

	x1 := (centerX - width/2 - lb.padX) / lb.ratio
	y1 := (centerY - height/2 - lb.padY) / lb.ratio
	x2 := (centerX + width/2 - lb.padX) / lb.ratio
	y2 := (centerY + height/2 - lb.padY) / lb.ratio

	w, h := float32(lb.origW), float32(lb.origH)
	return [4]float32{
		clamp(x1, 0, w),
		clamp(y1, 0, h),
		clamp(x2, 0, w),
		clamp(y2, 0, h),
	}
}

func clamp(v, lo, hi float32) float32 {
	return max(lo, min(hi, v))
}

func className(classes []string, id int) string {
	if id >= 0 && id < len(classes) {
		return classes[id]
	}
	return strconv.Itoa(id)
}
