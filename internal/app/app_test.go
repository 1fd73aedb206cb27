package app

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/plant-doctor-api/internal/catalog"
	"github.com/Brownie44l1/plant-doctor-api/internal/classify"
	"github.com/Brownie44l1/plant-doctor-api/internal/config"
	"github.com/Brownie44l1/plant-doctor-api/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadCatalogDefault(t *testing.T) {
	cat, err := LoadCatalog(config.Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 27, cat.Len())
}

func TestLoadCatalogFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := `
labels: [healthy, blight]
treatments:
  - label: blight
    fertilizer: Compost Tea
    npk: 4-6-8
    pesticide: Copper fungicide
    tips: [Prune lower leaves.]
  - label: blight
    fertilizer: Compost Tea
    npk: 4-6-8
    pesticide: Copper fungicide
    tips: [Water at the base.]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	_, err := LoadCatalog(config.Config{CatalogPath: path, DuplicatePolicy: "error"}, zap.NewNop())
	require.ErrorIs(t, err, catalog.ErrDuplicateLabel)

	cat, err := LoadCatalog(config.Config{CatalogPath: path, DuplicatePolicy: "warn"}, zap.NewNop())
	require.NoError(t, err)
	tr, ok := cat.Treatment("blight")
	require.True(t, ok)
	assert.Equal(t, []string{"Water at the base."}, tr.Tips)
}

func TestNewMissingModel(t *testing.T) {
	cfg := config.Config{ModelPath: filepath.Join(t.TempDir(), "missing.onnx"), ImageSize: 160}
	_, err := New(cfg, zap.NewNop())
	require.ErrorIs(t, err, model.ErrModelNotFound)
}

type fakeRuntime struct {
	width    int
	closeErr error
	closed   bool
}

func (f *fakeRuntime) Infer([]float32) ([]float32, error) { return make([]float32, f.width), nil }
func (f *fakeRuntime) InputShape() []int64 { return []int64{1, 160, 160, 3} }
func (f *fakeRuntime) OutputWidth() int { return f.width }

func (f *fakeRuntime) Close() error {
	f.closed = true
	return f.closeErr
}

func TestNewClassifier(t *testing.T) {
	cat, err := catalog.Default(zap.NewNop())
	require.NoError(t, err)
	cfg := config.Config{MaxImagePixels: 1000}

	rt := &fakeRuntime{width: cat.Len()}
	svc, err := newClassifier(rt, cat, cfg, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, rt.closed)

	// The cap reaches the classifier: 40x30 is over 1000 pixels.
	_, err = svc.Classify(pngBytes(t, 40, 30))
	require.ErrorIs(t, err, classify.ErrImageDecode)
}

func TestNewClassifierClosesRuntimeOnError(t *testing.T) {
	cat, err := catalog.Default(zap.NewNop())
	require.NoError(t, err)

	closeErr := errors.New("session destroy failed")
	rt := &fakeRuntime{width: cat.Len() + 1, closeErr: closeErr}

	_, err = newClassifier(rt, cat, config.Config{}, zap.NewNop())
	require.ErrorIs(t, err, classify.ErrVocabularyMismatch)
	require.ErrorIs(t, err, closeErr)
	assert.True(t, rt.closed)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}
