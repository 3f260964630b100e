package detections

import "time"

const (
	DefaultInputSize     = 640
	DefaultConfThreshold = 0.25
	DefaultIOUThreshold  = 0.45
	DefaultMaxDetections = 1000
	DefaultPoolSize      = 2

	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second

	InputName  = "images"
	OutputName = "output0"

	// cx, cy, w, h, objectness
	boxAttrs = 5
)
