package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/tgworker/pkg/task"
)

var defaultSchemas = NewSchemaRegistry()

// LoadTaskDocument reads a task from a .yaml, .yml or .json file.
func LoadTaskDocument(path string) (task.Parameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task document: %w", err)
	}
	return ParseTaskDocument(path, data)
}

// ParseTaskDocument decodes a tagged task, checks it against the task schema
// and validates its fields. YAML is accepted for any name not ending in
// .json.
func ParseTaskDocument(name string, data []byte) (task.Parameters, error) {
	doc := data
	if !strings.EqualFold(filepath.Ext(name), ".json") {
		converted, err := yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		doc = converted
	}

	if err := defaultSchemas.ValidateJSON("task", name, doc); err != nil {
		return nil, err
	}

	params, err := task.Decode(doc)
	if err != nil {
		return nil, err
	}
	if err := task.Validate(params); err != nil {
		return nil, err
	}
	return params, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var v interface{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, ok := v.(map[string]interface{}); !ok {
		return nil, fmt.Errorf("task document must be a mapping")
	}
	return json.Marshal(v)
}
