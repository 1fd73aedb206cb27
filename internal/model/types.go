package model

import "errors"

var (
	// ErrModelNotFound means the artifact path does not resolve to a file.
	ErrModelNotFound = errors.New("model not found")
	// ErrModelLoad means the artifact exists but the runtime could not use it.
	ErrModelLoad = errors.New("model load failed")
	// ErrInference is returned for a rejected input tensor or a failed run.
	ErrInference = errors.New("inference failed")
)

// Options tune how an artifact is loaded.
type Options struct {
	// LibraryPath points at the onnxruntime shared library. Empty uses the
	// library's platform default.
	LibraryPath string
	// IntraOpThreads bounds the threads a single run may use. Zero keeps the
	// runtime default.
	IntraOpThreads int
	// ImageSize replaces dynamic spatial dimensions in the input shape.
	ImageSize int
}

// TensorInfo describes one named model input or output.
type TensorInfo struct {
	Name  string  `json:"name"`
	Shape []int64 `json:"shape"`
}
