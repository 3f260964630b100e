package detections

import (
	"errors"
	"runtime"
	"time"
)

// Options configures how a model is loaded and how its raw output is turned
// into detections.
type Options struct {
	// Classes maps class ids to names. Its length fixes the output width.
	Classes   []string
	InputSize int
	// Zero thresholds select the defaults; callers that accept 0 from users
	// must reject it first.
	ConfThreshold  float32
	IOUThreshold   float32
	MaxDetections  int
	PoolSize       int
	AcquireTimeout time.Duration
	// Threads is the intra-op thread count per session; 0 spreads the CPUs
	// over the pool.
	Threads int
}

func (o Options) withDefaults() Options {
	if o.InputSize <= 0 {
		o.InputSize = DefaultInputSize
	}
	if o.ConfThreshold <= 0 {
		o.ConfThreshold = DefaultConfThreshold
	}
	if o.IOUThreshold <= 0 {
		o.IOUThreshold = DefaultIOUThreshold
	}
	if o.MaxDetections <= 0 {
		o.MaxDetections = DefaultMaxDetections
	}
	if o.PoolSize <= 0 {
		o.PoolSize = DefaultPoolSize
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = AcquireTimeout
	}
	if o.Threads <= 0 {
		o.Threads = max(1, runtime.NumCPU()/o.PoolSize)
	}
	return o
}

func (o Options) validate() error {
	if len(o.Classes) == 0 {
		return errors.New("at least one class name is required")
	}
	if o.InputSize%32 != 0 {
		return errors.New("input size must be a multiple of 32")
	}
	return nil
}
