// Command classify runs the leaf classifier on image files and prints one
// JSON result per line.
//
//	classify [-scores] leaf.jpg other.png
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/Brownie44l1/plant-doctor-api/internal/app"
	"github.com/Brownie44l1/plant-doctor-api/internal/classify"
	"github.com/Brownie44l1/plant-doctor-api/internal/config"
	"github.com/Brownie44l1/plant-doctor-api/internal/logging"
	"go.uber.org/zap"
)

type output struct {
	File string `json:"file"`
	*classify.Result
}

func main() {
	scores := flag.Bool("scores", false, "include every label's raw score")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-scores] FILE...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	os.Exit(run(cfg, logger, flag.Args(), *scores))
}

// newLogger honors LOG_FORMAT like the server does. Logs go to stderr, so
// stdout carries only results.
func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogLevel, cfg.LogFormat)
}

func run(cfg config.Config, logger *zap.Logger, files []string, scores bool) int {
	defer logger.Sync()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	defer a.Close()

	var opts []classify.Option
	if scores {
		opts = append(opts, classify.WithScores())
	}

	enc := json.NewEncoder(os.Stdout)
	status := 0
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			logger.Error("failed to read image", zap.String("file", file), zap.Error(err))
			status = 1
			continue
		}

		res, err := a.Classifier.Classify(data, opts...)
		if err != nil {
			logger.Error("classification failed", zap.String("file", file), zap.Error(err))
			status = 1
			continue
		}

		if err := enc.Encode(output{File: file, Result: res}); err != nil {
			logger.Error("failed to write result", zap.Error(err))
			return 1
		}
	}
	return status
}
