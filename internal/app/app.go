// Package app assembles the model runtime, catalog and classifier from
// configuration. Both binaries share it.
package app

import (
	"errors"
	"fmt"

	"github.com/Brownie44l1/plant-doctor-api/internal/catalog"
	"github.com/Brownie44l1/plant-doctor-api/internal/classify"
	"github.com/Brownie44l1/plant-doctor-api/internal/config"
	"github.com/Brownie44l1/plant-doctor-api/internal/model"
	"go.uber.org/zap"
)

type App struct {
	Runtime    *model.Runtime
	Catalog    *catalog.Catalog
	Classifier *classify.Service
}

// LoadCatalog returns the configured catalog, or the built-in one when no
// path is set.
func LoadCatalog(cfg config.Config, logger *zap.Logger) (*catalog.Catalog, error) {
	if cfg.CatalogPath == "" {
		return catalog.Default(logger)
	}
	return catalog.Load(cfg.CatalogPath, catalog.DuplicatePolicy(cfg.DuplicatePolicy), logger)
}

// New loads everything a classification needs. Every error it returns is
// fatal for the process.
func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	cat, err := LoadCatalog(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	logger.Info("loading model", zap.String("path", cfg.ModelPath))
	rt, err := model.Load(cfg.ModelPath, model.Options{
		LibraryPath:    cfg.ONNXRuntimeLib,
		IntraOpThreads: cfg.IntraOpThreads,
		ImageSize:      cfg.ImageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	svc, err := newClassifier(rt, cat, cfg, logger)
	if err != nil {
		return nil, err
	}

	in, out := rt.Info()
	logger.Info("model loaded",
		zap.String("input", in.Name),
		zap.Int64s("input_shape", in.Shape),
		zap.String("output", out.Name),
		zap.Int("labels", cat.Len()),
		zap.Int("treatments", len(cat.Treatments())))

	return &App{Runtime: rt, Catalog: cat, Classifier: svc}, nil
}

// closingInferer is a runtime the classifier can run and the app can release.
type closingInferer interface {
	classify.Inferer
	Close() error
}

// newClassifier wraps rt in a classifier. rt is closed if that fails.
func newClassifier(rt closingInferer, cat *catalog.Catalog, cfg config.Config, logger *zap.Logger) (*classify.Service, error) {
	svc, err := classify.New(rt, cat, logger, classify.MaxPixels(cfg.MaxImagePixels))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize classifier: %w", err), rt.Close())
	}
	return svc, nil
}

// Close releases the model runtime.
func (a *App) Close() error {
	return a.Runtime.Close()
}
