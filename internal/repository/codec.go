package repository

import (
	"encoding/json"
	"fmt"

	"github.com/eyes-pick/kapsules/internal/domain"
)

// EncodeFiles marshals a source file map, storing nil as an empty object.
func EncodeFiles(files map[string]string) ([]byte, error) {
	if files == nil {
		files = map[string]string{}
	}
	data, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("encode source files: %w", err)
	}
	return data, nil
}

// DecodeFiles unmarshals a stored source file map.
func DecodeFiles(data []byte) (map[string]string, error) {
	files := map[string]string{}
	if len(data) == 0 {
		return files, nil
	}
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, fmt.Errorf("decode source files: %w", err)
	}
	return files, nil
}

// EncodeModifications marshals the AI modification history.
func EncodeModifications(mods []domain.AIModification) ([]byte, error) {
	if mods == nil {
		mods = []domain.AIModification{}
	}
	data, err := json.Marshal(mods)
	if err != nil {
		return nil, fmt.Errorf("encode modifications: %w", err)
	}
	return data, nil
}

// DecodeModifications unmarshals the AI modification history.
func DecodeModifications(data []byte) ([]domain.AIModification, error) {
	mods := []domain.AIModification{}
	if len(data) == 0 {
		return mods, nil
	}
	if err := json.Unmarshal(data, &mods); err != nil {
		return nil, fmt.Errorf("decode modifications: %w", err)
	}
	return mods, nil
}

// EncodeStrings marshals a string list for stores without array columns.
func EncodeStrings(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}

// DecodeStrings unmarshals a stored string list.
func DecodeStrings(data []byte) ([]string, error) {
	values := []string{}
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	return values, nil
}

// NullableJSON returns nil for empty raw JSON so stores write NULL.
func NullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
