// Package classify turns an uploaded leaf photo into a label, a confidence
// and the treatment configured for that label.
package classify

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Brownie44l1/plant-doctor-api/internal/catalog"
	"github.com/Brownie44l1/plant-doctor-api/internal/model"
	"go.uber.org/zap"
)

// NoTreatmentMessage accompanies a result whose label has no record.
const NoTreatmentMessage = "No treatment information available for this disease."

var (
	// ErrInputShape means the model does not take a [1, H, W, 3] image.
	ErrInputShape = errors.New("unsupported model input shape")
	// ErrVocabularyMismatch means the output width differs from the number
	// of labels.
	ErrVocabularyMismatch = errors.New("vocabulary size does not match model output")
)

// Inferer runs the model. *model.Runtime satisfies it.
type Inferer interface {
	Infer(input []float32) ([]float32, error)
	InputShape() []int64
	OutputWidth() int
}

// Result is the outcome of one classification.
type Result struct {
	Label              string             `json:"label"`
	Index              int                `json:"index"`
	Confidence         float64            `json:"confidence"`
	ConfidencePercent  string             `json:"confidencePercent"`
	TreatmentAvailable bool               `json:"treatmentAvailable"`
	Treatment          *catalog.Treatment `json:"treatment"`
	Message            string             `json:"message,omitempty"`
	Scores             map[string]float32 `json:"scores,omitempty"`
}

// Option adjusts a single classification call.
type Option func(*callOptions)

type callOptions struct {
	scores bool
}

// WithScores attaches every label's raw score to the result.
func WithScores() Option {
	return func(o *callOptions) { o.scores = true }
}

// Service owns the preprocessing and resolution steps around a runtime.
type Service struct {
	runtime   Inferer
	catalog   *catalog.Catalog
	logger    *zap.Logger
	width     int
	height    int
	maxPixels int
}

// ServiceOption configures a Service at construction.
type ServiceOption func(*Service)

// MaxPixels rejects uploads whose declared dimensions exceed n pixels.
// Non-positive n removes the limit.
func MaxPixels(n int) ServiceOption {
	return func(s *Service) { s.maxPixels = n }
}

// New checks that runtime and catalog agree and returns a Service. Any error
// here is a startup configuration problem.
func New(runtime Inferer, cat *catalog.Catalog, logger *zap.Logger, opts ...ServiceOption) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	shape := runtime.InputShape()
	if len(shape) != 4 || shape[0] != 1 || shape[1] <= 0 || shape[2] <= 0 || shape[3] != 3 {
		return nil, fmt.Errorf("%w: %v", ErrInputShape, shape)
	}
	if w := runtime.OutputWidth(); w != cat.Len() {
		return nil, fmt.Errorf("%w: model outputs %d scores, catalog has %d labels",
			ErrVocabularyMismatch, w, cat.Len())
	}

	s := &Service{
		runtime:   runtime,
		catalog:   cat,
		logger:    logger,
		height:    int(shape[1]),
		width:     int(shape[2]),
		maxPixels: DefaultMaxPixels,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// InputSize returns the height and width images are resized to.
func (s *Service) InputSize() (int, int) {
	return s.height, s.width
}

// TensorSize is the element count of one input tensor.
func (s *Service) TensorSize() int {
	return s.height * s.width * 3
}

// Preprocess decodes, resizes and tensorizes an image without running the
// model.
func (s *Service) Preprocess(data []byte) ([]float32, error) {
	tensor, _, err := preprocess(data, s.width, s.height, s.maxPixels)
	return tensor, err
}

// Classify runs the full pipeline on an uploaded image.
func (s *Service) Classify(data []byte, opts ...Option) (*Result, error) {
	start := time.Now()

	tensor, format, err := preprocess(data, s.width, s.height, s.maxPixels)
	if err != nil {
		return nil, err
	}

	res, err := s.ClassifyTensor(tensor, opts...)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("classified image",
		zap.String("format", format),
		zap.Int("bytes", len(data)),
		zap.String("label", res.Label),
		zap.String("confidence", res.ConfidencePercent),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

// ClassifyTensor runs the model on an already preprocessed tensor and
// resolves its output.
func (s *Service) ClassifyTensor(tensor []float32, opts ...Option) (*Result, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	output, err := s.runtime.Infer(tensor)
	if err != nil {
		return nil, err
	}
	return s.resolve(output, o)
}

func (s *Service) resolve(output []float32, o callOptions) (*Result, error) {
	idx := argmax(output)
	if idx < 0 {
		return nil, fmt.Errorf("%w: empty output vector", model.ErrInference)
	}
	for i, v := range output {
		if !finite(float64(v)) {
			return nil, fmt.Errorf("%w: non-finite score %v at index %d", model.ErrInference, v, i)
		}
	}

	label, err := s.catalog.Label(idx)
	if err != nil {
		s.logger.Error("model output does not fit the label vocabulary",
			zap.Int("index", idx),
			zap.Int("output_width", len(output)),
			zap.Int("vocabulary_size", s.catalog.Len()),
			zap.Error(err))
		return nil, err
	}

	conf := confidence(output[idx])
	if !finite(conf) {
		return nil, fmt.Errorf("%w: score %v overflows as a percentage", model.ErrInference, output[idx])
	}
	res := &Result{
		Label:             label,
		Index:             idx,
		Confidence:        conf,
		ConfidencePercent: formatPercent(conf),
	}

	if t, ok := s.catalog.Treatment(label); ok {
		res.TreatmentAvailable = true
		res.Treatment = &t
	} else {
		res.Message = NoTreatmentMessage
	}

	if o.scores {
		res.Scores = make(map[string]float32, len(output))
		for i, v := range output {
			if l, err := s.catalog.Label(i); err == nil {
				res.Scores[l] = v
			}
		}
	}
	return res, nil
}

// argmax returns the index of the largest value, the first one on ties. A
// NaN wins at its first position. Returns -1 for an empty vector.
func argmax(v []float32) int {
	if len(v) == 0 {
		return -1
	}
	best := 0
	for i, x := range v {
		if x != x {
			return i
		}
		if x > v[best] {
			best = i
		}
	}
	return best
}

// confidence scales a raw score to a percentage rounded half-to-even at two
// decimals. Every step stays in float32, as numpy does for a float32 scalar,
// so values near a half round the same way. Scores outside [0, 1] pass
// through unclamped. The result is the shortest decimal for the float32.
func confidence(score float32) float64 {
	pct := float32(100 * score)
	scaled := float32(pct * 100)
	rounded := float32(math.RoundToEven(float64(scaled))) / 100
	v, _ := strconv.ParseFloat(strconv.FormatFloat(float64(rounded), 'f', -1, 32), 64)
	return v
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// formatPercent renders conf like "97.53%", keeping one decimal for whole
// numbers ("100.0%").
func formatPercent(conf float64) string {
	s := strconv.FormatFloat(conf, 'f', -1, 32)
	if finite(conf) && !strings.Contains(s, ".") {
		s += ".0"
	}
	return s + "%"
}
