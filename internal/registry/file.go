package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/regreport/eclbatch/internal/domain"
	"gopkg.in/yaml.v3"
)

type fileDocument struct {
	Steps []domain.StepDefinition `yaml:"steps"`
}

// Load reads a YAML document of the form
//
//	steps:
//	  - name: staging
//	    description: Assign IFRS 9 stages to exposures
//	    executable: steps/staging.py
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read step registry: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var doc fileDocument
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("decode step registry: %w", err)
	}
	return New(doc.Steps)
}

// FromFileOrDefault loads path when set, otherwise returns the built-in list.
func FromFileOrDefault(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}
