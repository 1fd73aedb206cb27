package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all service configuration.
type Config struct {
	Host string `env:"HOST"`
	Port int    `env:"PORT,default=8080" validate:"min=1,max=65535"`

	ModelPath      string `env:"MODEL_PATH,default=models/plant_disease.onnx" validate:"required"`
	ONNXRuntimeLib string `env:"ONNXRUNTIME_LIB"`
	IntraOpThreads int    `env:"INTRA_OP_THREADS,default=1" validate:"min=0"`
	ImageSize      int    `env:"IMAGE_SIZE,default=160" validate:"min=1"`

	// CatalogPath selects a YAML catalog; empty uses the built-in one.
	CatalogPath     string `env:"CATALOG_PATH"`
	DuplicatePolicy string `env:"DUPLICATE_POLICY,default=error" validate:"oneof=error warn"`

	MaxUploadBytes  int           `env:"MAX_UPLOAD_BYTES,default=10485760" validate:"min=1"`
	MaxImagePixels  int           `env:"MAX_IMAGE_PIXELS,default=40000000" validate:"min=1"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json" validate:"oneof=json console"`
}

var validate = validator.New()

// Load reads an optional .env file from the working directory and then the
// process environment. Variables already set in the environment win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: reading .env: %w", err)
	}
	return FromEnviron(os.Environ())
}

// FromEnviron decodes and validates configuration from KEY=VALUE pairs.
func FromEnviron(environ []string) (Config, error) {
	es, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	var cfg Config
	if err := env.Unmarshal(es, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
