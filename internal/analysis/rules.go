package analysis

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rules decide whether analyzer output counts as a failure.
type Rules struct {
	ErrorMarkers   []string `yaml:"error_markers"`
	WarningMarkers []string `yaml:"warning_markers"`
	WarningsFail   bool     `yaml:"warnings_fail"`
}

// DefaultRules fail on any error or warning line.
func DefaultRules() Rules {
	return Rules{
		ErrorMarkers:   []string{"error"},
		WarningMarkers: []string{"warning"},
		WarningsFail:   true,
	}
}

// LoadRules reads rules from a YAML file. An empty path yields DefaultRules.
// Marker lists missing from the file keep their defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("failed to read analysis rules: %w", err)
	}

	var file struct {
		ErrorMarkers   []string `yaml:"error_markers"`
		WarningMarkers []string `yaml:"warning_markers"`
		WarningsFail   *bool    `yaml:"warnings_fail"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return rules, fmt.Errorf("failed to parse analysis rules %s: %w", path, err)
	}

	if len(file.ErrorMarkers) > 0 {
		rules.ErrorMarkers = file.ErrorMarkers
	}
	if len(file.WarningMarkers) > 0 {
		rules.WarningMarkers = file.WarningMarkers
	}
	if file.WarningsFail != nil {
		rules.WarningsFail = *file.WarningsFail
	}
	return rules, nil
}

// Failed classifies one analyzer run. A non-zero exit always fails.
func (r Rules) Failed(exitCode int, output string) bool {
	if exitCode != 0 {
		return true
	}
	lower := strings.ToLower(output)
	if containsMarker(lower, r.ErrorMarkers) {
		return true
	}
	return r.WarningsFail && containsMarker(lower, r.WarningMarkers)
}

func containsMarker(lower string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
