package ruleset

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/eleven-am/bastion/internal/domain"
)

// CanonicalJSON serializes the rules as a JSON array sorted by network then
// name, and returns the hex BLAKE3 digest of those bytes.
func (rs *RuleSet) CanonicalJSON() ([]byte, string, error) {
	rules := make([]domain.Rule, 0, len(rs.rules))
	for _, r := range rs.rules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Network != rules[j].Network {
			return rules[i].Network < rules[j].Network
		}
		return rules[i].Name < rules[j].Name
	})

	data, err := json.Marshal(rules)
	if err != nil {
		return nil, "", fmt.Errorf("marshal rules %s: %w", rs.project, err)
	}
	sum := blake3.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

// Snapshot is CanonicalJSON packaged for an enforcement result.
func (rs *RuleSet) Snapshot() (*domain.RuleSnapshot, error) {
	data, hash, err := rs.CanonicalJSON()
	if err != nil {
		return nil, err
	}
	return &domain.RuleSnapshot{JSON: string(data), Hash: hash}, nil
}

type legacyList struct {
	Items []domain.Rule `json:"items"`
}

// LoadJSON imports rules previously exported by CanonicalJSON. The older
// {"items": [...]} listing form is also accepted; listing metadata on those
// items is dropped. The set must be empty.
func (rs *RuleSet) LoadJSON(data []byte) error {
	if len(rs.rules) > 0 {
		rs.logger.Warn("cannot import rules from JSON into a non-empty rule set", "project", rs.project)
		return domain.ErrNotEmpty
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return &domain.InvalidRuleError{Reason: "empty rules document"}
	}

	var rules []domain.Rule
	switch trimmed[0] {
	case '[':
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&rules); err != nil {
			return decodeError(err)
		}
	case '{':
		var legacy legacyList
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return decodeError(err)
		}
		rules = legacy.Items
	default:
		return &domain.InvalidRuleError{Reason: "rules document must be a JSON array or object"}
	}

	return rs.AddAll(rules, "")
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &domain.InvalidRuleError{Reason: fmt.Sprintf("field %s: expected %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)}
	}
	return &domain.InvalidRuleError{Reason: err.Error()}
}
