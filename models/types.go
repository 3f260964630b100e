package models

import "time"

// Detection is one detected object, serialised with the same keys as the
// YOLOv5 pandas xyxy frame.
type Detection struct {
	XMin       float64 `json:"xmin"`
	YMin       float64 `json:"ymin"`
	XMax       float64 `json:"xmax"`
	YMax       float64 `json:"ymax"`
	Confidence float64 `json:"confidence"`
	Class      int     `json:"class"`
	Name       string  `json:"name"`
}

// Outcome aggregates the results of both models for one request.
type Outcome struct {
	AccidentDetected bool
	TheftDetected    bool
	Accident         []Detection
	Theft            []Detection
}

// NewOutcome builds an Outcome, deriving the flags from the result sets.
func NewOutcome(accident, theft []Detection) Outcome {
	return Outcome{
		AccidentDetected: len(accident) > 0,
		TheftDetected:    len(theft) > 0,
		Accident:         accident,
		Theft:            theft,
	}
}

// Any reports whether either model fired.
func (o Outcome) Any() bool {
	return o.AccidentDetected || o.TheftDetected
}

// Combined returns accident results followed by theft results. The result is
// never nil so it encodes as [] rather than null.
func (o Outcome) Combined() []Detection {
	out := make([]Detection, 0, len(o.Accident)+len(o.Theft))
	out = append(out, o.Accident...)
	return append(out, o.Theft...)
}

type ProcessingTimings struct {
	RequestID         string
	ImageDecode       time.Duration
	AccidentInference time.Duration
	TheftInference    time.Duration
	Notify            time.Duration
	Render            time.Duration
	Total             time.Duration
}
