// Package definition loads workflow definitions from YAML or JSON documents
package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cloud-shuttle/conductor/internal/graph"
	"github.com/cloud-shuttle/conductor/pkg/types"
)

// Extensions recognised by LoadDir
var Extensions = []string{".yaml", ".yml", ".json"}

// Parse decodes a single definition. JSON input is accepted because it is
// valid YAML. Unknown fields are rejected so typos surface early.
func Parse(data []byte) (*types.WorkflowDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def types.WorkflowDefinition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty definition")
		}
		return nil, fmt.Errorf("decoding definition: %w", err)
	}
	normalize(&def)
	return &def, nil
}

// normalize upper-cases retry strategies so "linear_backoff" is accepted
func normalize(def *types.WorkflowDefinition) {
	for i := range def.Tasks {
		td := &def.Tasks[i]
		if td.RetryStrategy != "" {
			td.RetryStrategy = types.RetryStrategy(strings.ToUpper(string(td.RetryStrategy)))
		}
	}
}

// LoadFile reads and parses the definition at path. The name defaults to
// the file name without extension.
func LoadFile(path string) (*types.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definition: %w", err)
	}

	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

// LoadAndValidate loads path and checks its task graph
func LoadAndValidate(path string) (*types.WorkflowDefinition, error) {
	def, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := graph.Validate(def); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDir loads every definition file in dir, sorted by file name.
// Loading stops at the first invalid file.
func LoadDir(dir string) ([]*types.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading definitions dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !hasExtension(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	defs := make([]*types.WorkflowDefinition, 0, len(names))
	for _, name := range names {
		def, err := LoadAndValidate(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func hasExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}
