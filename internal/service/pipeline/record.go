package pipeline

import (
	"encoding/json"

	"github.com/eyes-pick/kapsules/internal/llm"
)

// InterpretationRecord is the ai_interpretation document stored on a project
// after a successful build.
type InterpretationRecord struct {
	llm.Interpretation
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// DecodeInterpretation parses a stored ai_interpretation document.
func DecodeInterpretation(raw json.RawMessage) (InterpretationRecord, error) {
	var rec InterpretationRecord
	if len(raw) == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return InterpretationRecord{}, err
	}
	return rec, nil
}

// previousDependencies returns the dependency additions of the last
// successful build so iterations keep them.
func previousDependencies(raw json.RawMessage) map[string]string {
	deps := make(map[string]string)
	rec, err := DecodeInterpretation(raw)
	if err != nil {
		return deps
	}
	for name, version := range rec.Dependencies {
		deps[name] = version
	}
	return deps
}
