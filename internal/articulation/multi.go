package articulation

import (
	"fmt"
	"strings"

	"codeloop/internal/logging"
)

// Field maps a logical artifact name to the object key that carries it.
type Field struct {
	Name string `yaml:"name" json:"name"`
	Key  string `yaml:"key" json:"key"`
}

// MultiResult is the outcome of a multi-artifact extraction. Artifacts is
// populated only when Valid; otherwise Fallback may carry a single artifact
// recovered from the same text.
type MultiResult struct {
	Artifacts map[string]Artifact
	Valid     bool
	Fallback  *Artifact
	// Reason explains why the structured payload was rejected.
	Reason error
}

// ExtractMulti recovers every field from a structured object. The object
// may be wrapped in one outer fence. If parsing fails or any field is
// missing or blank, the single-artifact algorithm runs on the same text and
// its result is returned as a fallback. ErrNoArtifact is returned only when
// the fallback also fails.
func (e *Extractor) ExtractMulti(raw string, fields []Field, hint string) (MultiResult, error) {
	arts, reason := extractFields(raw, fields)
	if reason == nil {
		e.stats.Total++
		e.stats.MultiValid++
		return MultiResult{Artifacts: arts, Valid: true}, nil
	}

	logging.ArticulationWarn("multi-artifact payload rejected: %v; trying single extraction", reason)
	res := MultiResult{Reason: reason}
	a, err := e.Extract(raw, hint)
	if err != nil {
		return res, err
	}
	a.Fallback = true
	e.stats.MultiFallback++
	res.Fallback = &a
	return res, nil
}

func extractFields(raw string, fields []Field) (map[string]Artifact, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no fields requested", ErrInvalidMulti)
	}
	text := stripOuterFence(raw)
	if text == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidMulti)
	}
	obj, ok := parseObject(text)
	if !ok {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidMulti)
	}

	arts := make(map[string]Artifact, len(fields))
	var missing []string
	for _, f := range fields {
		s, _ := obj[f.Key].(string)
		s = strings.TrimSpace(s)
		if s == "" {
			missing = append(missing, f.Key)
			continue
		}
		arts[f.Name] = Artifact{Name: f.Name, Content: s, Method: MethodStructuredMulti}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMulti, strings.Join(missing, ", "))
	}
	return arts, nil
}

// ExtractMulti runs a default Extractor once.
func ExtractMulti(raw string, fields []Field, hint string) (MultiResult, error) {
	return NewExtractor().ExtractMulti(raw, fields, hint)
}
