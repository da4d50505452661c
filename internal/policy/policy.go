// Package policy reads rule templates from policy files.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/eleven-am/bastion/internal/domain"
)

// Format is the encoding of a policy document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks the format from the file extension. Unknown extensions
// are sniffed: a document starting with '[' is JSON, anything else YAML.
func FormatFor(path string, data []byte) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	}
	if t := bytes.TrimSpace(data); len(t) > 0 && t[0] == '[' {
		return FormatJSON
	}
	return FormatYAML
}

// Load reads the rule list at path.
func Load(path string) ([]domain.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	rules, err := Decode(data, FormatFor(path, data))
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return rules, nil
}

// Decode parses a rule list. Unknown keys are rejected in both formats.
// An empty document yields no rules.
func Decode(data []byte, format Format) ([]domain.Rule, error) {
	var rules []domain.Rule

	switch format {
	case FormatJSON:
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, nil
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&rules); err != nil {
			return nil, &domain.InvalidRuleError{Reason: err.Error()}
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&rules); err != nil && !errors.Is(err, io.EOF) {
			return nil, &domain.InvalidRuleError{Reason: err.Error()}
		}
	default:
		return nil, fmt.Errorf("unsupported policy format %q", format)
	}

	for i, r := range rules {
		if r.Name == "" {
			return nil, &domain.InvalidRuleError{Reason: fmt.Sprintf("rule %d has no name", i)}
		}
	}
	return rules, nil
}
