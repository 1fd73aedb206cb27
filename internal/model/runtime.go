package model

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ortEnv guards the process-wide onnxruntime environment.
var ortEnv sync.Mutex

func initEnvironment(libPath string) error {
	ortEnv.Lock()
	defer ortEnv.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	return ort.InitializeEnvironment()
}

func destroyEnvironment() error {
	ortEnv.Lock()
	defer ortEnv.Unlock()
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// session runs a model over tensors bound at creation.
// *ort.AdvancedSession satisfies it.
type session interface {
	Run() error
	Destroy() error
}

// Runtime owns a loaded model and its pre-allocated input and output
// tensors. Infer calls are serialized because every call shares those
// tensors.
type Runtime struct {
	mu           sync.Mutex
	session      session
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputData    []float32
	outputData   []float32

	input       TensorInfo
	output      TensorInfo
	inputSize   int
	outputWidth int
}

// Load reads the artifact at modelPath and prepares it for inference.
func Load(modelPath string, opts Options) (*Runtime, error) {
	info, err := os.Stat(modelPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelPath)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrModelLoad, modelPath, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrModelNotFound, modelPath)
	}

	if err := initEnvironment(opts.LibraryPath); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize ONNX environment: %w", ErrModelLoad, err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read model info: %w", ErrModelLoad, err)
	}
	if len(inputs) != 1 || len(outputs) == 0 {
		return nil, fmt.Errorf("%w: expected 1 input and at least 1 output, got %d and %d",
			ErrModelLoad, len(inputs), len(outputs))
	}
	if inputs[0].DataType != ort.TensorElementDataTypeFloat || outputs[0].DataType != ort.TensorElementDataTypeFloat {
		return nil, fmt.Errorf("%w: model tensors must be float32", ErrModelLoad)
	}

	inShape, err := pinInputShape(inputs[0].Dimensions, opts.ImageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: input %q: %w", ErrModelLoad, inputs[0].Name, err)
	}
	outShape, err := pinOutputShape(outputs[0].Dimensions)
	if err != nil {
		return nil, fmt.Errorf("%w: output %q: %w", ErrModelLoad, outputs[0].Name, err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(inShape...))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create input tensor: %w", ErrModelLoad, err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(outShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("%w: failed to create output tensor: %w", ErrModelLoad, err)
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("%w: failed to create session options: %w", ErrModelLoad, err)
	}
	defer sessionOpts.Destroy()
	if opts.IntraOpThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			inputTensor.Destroy()
			outputTensor.Destroy()
			return nil, fmt.Errorf("%w: failed to set thread count: %w", ErrModelLoad, err)
		}
	}

	sess, err := ort.NewAdvancedSession(modelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name},
		[]ort.Value{inputTensor}, []ort.Value{outputTensor},
		sessionOpts)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("%w: failed to create ONNX session: %w", ErrModelLoad, err)
	}

	return &Runtime{
		session:      sess,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputData:    inputTensor.GetData(),
		outputData:   outputTensor.GetData(),
		input:        TensorInfo{Name: inputs[0].Name, Shape: inShape},
		output:       TensorInfo{Name: outputs[0].Name, Shape: outShape},
		inputSize:    elementCount(inShape),
		outputWidth:  elementCount(outShape),
	}, nil
}

// pinInputShape resolves an NHWC image input to concrete dimensions. A
// dynamic batch becomes 1, dynamic height and width become imageSize and a
// dynamic channel count becomes 3.
func pinInputShape(dims []int64, imageSize int) ([]int64, error) {
	if len(dims) != 4 {
		return nil, fmt.Errorf("expected 4D input tensor, got %v", dims)
	}
	pinned := make([]int64, 4)
	copy(pinned, dims)
	if pinned[0] <= 0 {
		pinned[0] = 1
	}
	if pinned[0] != 1 {
		return nil, fmt.Errorf("expected batch size 1, got %d", pinned[0])
	}
	for _, i := range []int{1, 2} {
		if pinned[i] > 0 {
			continue
		}
		if imageSize <= 0 {
			return nil, fmt.Errorf("dynamic spatial dimension in %v and no image size configured", dims)
		}
		pinned[i] = int64(imageSize)
	}
	if pinned[3] <= 0 {
		pinned[3] = 3
	}
	return pinned, nil
}

// pinOutputShape accepts [N] or [batch, N] and fixes the batch to 1.
func pinOutputShape(dims []int64) ([]int64, error) {
	pinned := make([]int64, len(dims))
	copy(pinned, dims)
	switch len(pinned) {
	case 1:
	case 2:
		if pinned[0] <= 0 {
			pinned[0] = 1
		}
		if pinned[0] != 1 {
			return nil, fmt.Errorf("expected batch size 1, got %d", pinned[0])
		}
	default:
		return nil, fmt.Errorf("expected 1D or 2D output tensor, got %v", dims)
	}
	if pinned[len(pinned)-1] <= 0 {
		return nil, fmt.Errorf("output width must be static, got %v", dims)
	}
	return pinned, nil
}

func elementCount(shape []int64) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

// Infer runs the model on a flat input of InputShape and returns a copy of
// the output vector.
func (r *Runtime) Infer(input []float32) ([]float32, error) {
	if len(input) != r.inputSize {
		return nil, fmt.Errorf("%w: expected %d values for shape %v, got %d",
			ErrInference, r.inputSize, r.input.Shape, len(input))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		return nil, fmt.Errorf("%w: runtime is closed", ErrInference)
	}

	copy(r.inputData, input)

	if err := r.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}

	out := make([]float32, len(r.outputData))
	copy(out, r.outputData)
	return out, nil
}

// InputShape returns the concrete input shape, e.g. [1 160 160 3].
func (r *Runtime) InputShape() []int64 {
	return append([]int64(nil), r.input.Shape...)
}

// OutputWidth is the length of the vector Infer returns.
func (r *Runtime) OutputWidth() int {
	return r.outputWidth
}

// Info describes the model's input and output tensors.
func (r *Runtime) Info() (TensorInfo, TensorInfo) {
	in := TensorInfo{Name: r.input.Name, Shape: r.InputShape()}
	out := TensorInfo{Name: r.output.Name, Shape: append([]int64(nil), r.output.Shape...)}
	return in, out
}

// Close releases the session, its tensors and the ONNX environment.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.inputTensor != nil {
		errs = append(errs, r.inputTensor.Destroy())
		r.inputTensor = nil
	}
	if r.outputTensor != nil {
		errs = append(errs, r.outputTensor.Destroy())
		r.outputTensor = nil
	}
	if r.session != nil {
		errs = append(errs, r.session.Destroy())
		r.session = nil
	}
	errs = append(errs, destroyEnvironment())
	return errors.Join(errs...)
}
