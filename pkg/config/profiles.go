package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ScoringProfile is a named preset of scoring configuration that tenants can
// reference instead of supplying raw config on every request.
type ScoringProfile struct {
	Name               string             `yaml:"name" json:"name"`
	Weights            map[string]float64 `yaml:"weights" json:"weights"`
	UnknownHazardScore *float64           `yaml:"unknown_hazard_score,omitempty" json:"unknown_hazard_score,omitempty"`
	RoofBonus          map[string]int     `yaml:"roof_bonus,omitempty" json:"roof_bonus,omitempty"`
}

// LoadScoringProfile loads profile_<name>.yaml from the profiles directory.
func LoadScoringProfile(profilesDir, name string) (*ScoringProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load scoring profile %q: %w", name, err)
	}

	var profile ScoringProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse scoring profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}

	return &profile, nil
}

// AsScoringConfig renders the profile as the generic config map the scorer
// consumes.
func (p *ScoringProfile) AsScoringConfig() map[string]interface{} {
	cfg := map[string]interface{}{}
	if len(p.Weights) > 0 {
		weights := map[string]interface{}{}
		for peril, w := range p.Weights {
			weights[peril] = w
		}
		cfg["weights"] = weights
	}
	if p.UnknownHazardScore != nil {
		cfg["unknown_hazard_score"] = *p.UnknownHazardScore
	}
	return cfg
}
