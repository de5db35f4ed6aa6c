package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Mode bundles the observation type vocabulary, concept vocabulary, and
// prompt templates used when talking to the LLM. Modes live as JSON files
// under <data-dir>/modes and support single-level inheritance via
// "parent--override" file naming: the override file is deep-merged onto its
// parent (maps merge recursively, arrays and scalars replace).
type Mode struct {
	Name             string            `json:"name"`
	ObservationTypes []string          `json:"observation_types"`
	Concepts         []string          `json:"concepts"`
	Prompts          map[string]string `json:"prompts"`
}

// builtinMode is the vocabulary shipped with the worker, used when the modes
// directory has no definition for the requested name.
func builtinMode(name string) *Mode {
	return &Mode{
		Name:             name,
		ObservationTypes: []string{"decision", "bugfix", "feature", "refactor", "discovery", "change"},
		Concepts: []string{
			"how-it-works", "why-it-exists", "what-changed", "problem-solution",
			"gotcha", "pattern", "trade-off",
		},
		Prompts: map[string]string{},
	}
}

// LoadMode resolves a mode by name. For a name of the form
// "parent--override" the parent file is loaded first and the override file
// merged onto it.
func LoadMode(modesDir, name string) (*Mode, error) {
	base, override, hasOverride := strings.Cut(name, "--")

	mode := builtinMode(base)
	raw, err := readModeFile(modesDir, base)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		merged := deepMerge(modeToMap(mode), raw)
		if err := mapToMode(merged, mode); err != nil {
			return nil, fmt.Errorf("mode %q: %w", base, err)
		}
	}

	if hasOverride {
		overlay, err := readModeFile(modesDir, base+"--"+override)
		if err != nil {
			return nil, err
		}
		if overlay == nil {
			return nil, fmt.Errorf("mode override %q not found in %s", name, modesDir)
		}
		merged := deepMerge(modeToMap(mode), overlay)
		if err := mapToMode(merged, mode); err != nil {
			return nil, fmt.Errorf("mode %q: %w", name, err)
		}
	}

	mode.Name = name
	return mode, nil
}

// readModeFile returns the parsed JSON object for a mode file, or nil when
// the file does not exist.
func readModeFile(modesDir, name string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(modesDir, name+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mode %q: %w", name, err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse mode %q: %w", name, err)
	}
	return raw, nil
}

// deepMerge merges src onto dst: plain objects merge recursively, everything
// else (arrays, scalars) replaces.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(dstMap, srcMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func modeToMap(m *Mode) map[string]any {
	data, _ := json.Marshal(m)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}

func mapToMode(raw map[string]any, dst *Mode) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
