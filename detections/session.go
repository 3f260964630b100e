package detections

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// runner is the part of *ort.AdvancedSession a ModelSession drives.
type runner interface {
	Run() error
	Destroy() error
}

// ModelSession is one onnxruntime session with its bound tensors. The tensors
// are reused on every run, so a session must never be shared by two
// concurrent callers; the SessionPool enforces that.
type ModelSession struct {
	session runner
	// input and output alias the data of the bound tensors.
	input   []float32
	output  []float32
	tensors []ort.ArbitraryTensor
}

func (m *ModelSession) Run() error {
	if m.session == nil {
		return fmt.Errorf("session not initialized")
	}
	return m.session.Run()
}

func (m *ModelSession) Destroy() {
	if m.session != nil {
		m.session.Destroy()
	}
	for _, t := range m.tensors {
		t.Destroy()
	}
}

// outputLayout describes the YOLOv5 export: [1, anchors, 5+classes].
type outputLayout struct {
	anchors int
	attrs   int
	classes int
}

func newOutputLayout(inputSize, classes int) outputLayout {
	s8, s16, s32 := inputSize/8, inputSize/16, inputSize/32
	return outputLayout{
		anchors: 3 * (s8*s8 + s16*s16 + s32*s32),
		attrs:   boxAttrs + classes,
		classes: classes,
	}
}

func (l outputLayout) size() int { return l.anchors * l.attrs }

func initSession(modelPath string, opts Options, layout outputLayout) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(opts.Threads); err != nil {
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("error setting inter-op threads: %w", err)
	}

	inputShape := ort.NewShape(1, 3, int64(opts.InputSize), int64(opts.InputSize))
	outputShape := ort.NewShape(1, int64(layout.anchors), int64(layout.attrs))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{InputName},
		[]string{OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	ms := &ModelSession{
		session: session,
		input:   inputTensor.GetData(),
		output:  outputTensor.GetData(),
		tensors: []ort.ArbitraryTensor{inputTensor, outputTensor},
	}

	// Warmup on the zeroed input. A model whose output shape does not match
	// the configured classes fails here.
	if err := ms.Run(); err != nil {
		ms.Destroy()
		return nil, fmt.Errorf("warmup run: %w", err)
	}

	return ms, nil
}
