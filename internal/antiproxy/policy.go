package antiproxy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"attendcheckd/internal/model"
)

// Policy is the loadable flag-weight table §4.5 requires. A known
// flag the document omits keeps its built-in default weight; an
// unknown flag name is a configurationError.
type Policy struct {
	Version string             `yaml:"version"`
	Weights map[string]float64 `yaml:"weights"`
}

// DefaultWeights is the §4.5 risk-weight table.
var DefaultWeights = map[model.Flag]float64{
	model.FlagWeakSignal:       0.20,
	model.FlagDuplicateDevice:  0.30,
	model.FlagInvalidLocation:  0.25,
	model.FlagSuspiciousWifi:   0.15,
	model.FlagLateResponse:     0.10,
	model.FlagInvalidChallenge: 0.40,
	model.FlagRootedDevice:     0.35,
	model.FlagMockedLocation:   0.30,
	model.FlagUnusualPattern:   0.20,
}

// LoadPolicy reads a YAML risk-weight policy from path, falling back
// to DefaultWeights entirely when path is empty. A weight entry naming
// a flag outside model.AllFlags is a configuration error: loading a
// policy is an init-time action and the spec treats bad configuration
// as fatal (§7 configurationError), not a per-response degradation.
func LoadPolicy(path string) (map[model.Flag]float64, error) {
	if path == "" {
		return cloneWeights(DefaultWeights), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("antiproxy: read risk policy: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("antiproxy: parse risk policy: %w", err)
	}

	known := make(map[model.Flag]bool, len(model.AllFlags))
	for _, f := range model.AllFlags {
		known[f] = true
	}

	weights := cloneWeights(DefaultWeights)
	for name, weight := range p.Weights {
		flag := model.Flag(name)
		if !known[flag] {
			return nil, fmt.Errorf("antiproxy: risk policy names unknown flag %q", name)
		}
		if weight < 0 {
			return nil, fmt.Errorf("antiproxy: risk policy weight for %q must be non-negative", name)
		}
		weights[flag] = weight
	}
	return weights, nil
}

func cloneWeights(src map[model.Flag]float64) map[model.Flag]float64 {
	out := make(map[model.Flag]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
