// Package catalog holds the label vocabulary and the treatment table.
//
// Both are loaded once from YAML and never change afterwards, so a Catalog
// is safe for concurrent readers without locking.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

var (
	ErrInvalidCatalog  = errors.New("invalid catalog")
	ErrDuplicateLabel  = errors.New("duplicate label")
	ErrIndexOutOfRange = errors.New("label index out of range")
)

// DuplicatePolicy decides what happens when a label has more than one
// treatment entry.
type DuplicatePolicy string

const (
	// PolicyError rejects the catalog.
	PolicyError DuplicatePolicy = "error"
	// PolicyWarn logs each duplicate and keeps the last definition.
	PolicyWarn DuplicatePolicy = "warn"
)

// Treatment is the static care guidance for one label.
type Treatment struct {
	Fertilizer string   `yaml:"fertilizer" json:"fertilizer" validate:"required"`
	NPKRatio   string   `yaml:"npk" json:"npkRatio" validate:"required"`
	Pesticide  string   `yaml:"pesticide" json:"pesticide" validate:"required"`
	Tips       []string `yaml:"tips" json:"tips" validate:"required,min=1,dive,required"`
}

type entry struct {
	Label     string `yaml:"label" validate:"required"`
	Treatment `yaml:",inline"`
}

type document struct {
	Labels     []string `yaml:"labels" validate:"required,min=1,dive,required"`
	Treatments []entry  `yaml:"treatments" validate:"dive"`
}

var validate = validator.New()

// Catalog maps model output positions to labels and labels to treatments.
type Catalog struct {
	labels     []string
	treatments map[string]Treatment
}

// Default parses the catalog compiled into the binary.
func Default(logger *zap.Logger) (*Catalog, error) {
	return Parse(defaultCatalog, PolicyError, logger)
}

// Load reads and parses a catalog file.
func Load(path string, policy DuplicatePolicy, logger *zap.Logger) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
	}
	c, err := Parse(data, policy, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse builds a Catalog from YAML.
func Parse(data []byte, policy DuplicatePolicy, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
	}
	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
	}

	if dups := lo.FindDuplicates(doc.Labels); len(dups) > 0 {
		return nil, fmt.Errorf("%w in vocabulary: %s", ErrDuplicateLabel, quoteAll(dups))
	}

	known := lo.SliceToMap(doc.Labels, func(l string) (string, struct{}) {
		return l, struct{}{}
	})

	treatments := make(map[string]Treatment, len(doc.Treatments))
	var dups []string
	for _, e := range doc.Treatments {
		if _, ok := treatments[e.Label]; ok {
			if policy != PolicyWarn {
				dups = append(dups, e.Label)
				continue
			}
			logger.Warn("duplicate treatment entry, keeping last definition",
				zap.String("label", e.Label))
		}
		if _, ok := known[e.Label]; !ok {
			logger.Warn("treatment entry for label missing from vocabulary",
				zap.String("label", e.Label))
		}
		treatments[e.Label] = e.Treatment
	}
	if len(dups) > 0 {
		return nil, fmt.Errorf("%w in treatments: %s", ErrDuplicateLabel, quoteAll(lo.Uniq(dups)))
	}

	return &Catalog{
		labels:     doc.Labels,
		treatments: treatments,
	}, nil
}

func quoteAll(ss []string) string {
	return strings.Join(lo.Map(ss, func(s string, _ int) string {
		return fmt.Sprintf("%q", s)
	}), ", ")
}

// Len is the vocabulary size N.
func (c *Catalog) Len() int {
	return len(c.labels)
}

// Labels returns the vocabulary in output-index order.
func (c *Catalog) Labels() []string {
	return slices.Clone(c.labels)
}

// Label returns the label at output index i.
func (c *Catalog) Label(i int) (string, error) {
	if i < 0 || i >= len(c.labels) {
		return "", fmt.Errorf("%w: index %d, vocabulary size %d", ErrIndexOutOfRange, i, len(c.labels))
	}
	return c.labels[i], nil
}

// Index returns the output position of label.
func (c *Catalog) Index(label string) (int, bool) {
	i := slices.Index(c.labels, label)
	return i, i >= 0
}

// Treatment looks up the record for label. A missing record is normal.
func (c *Catalog) Treatment(label string) (Treatment, bool) {
	t, ok := c.treatments[label]
	if !ok {
		return Treatment{}, false
	}
	t.Tips = slices.Clone(t.Tips)
	return t, true
}

// Treatments lists the labels that have a record, sorted.
func (c *Catalog) Treatments() []string {
	keys := lo.Keys(c.treatments)
	sort.Strings(keys)
	return keys
}
