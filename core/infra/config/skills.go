package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill bundles a tool allowlist with per-plan caps.
type Skill struct {
	ID           string   `yaml:"id"`
	Title        string   `yaml:"title"`
	Tools        []string `yaml:"tools"`
	MaxSteps     int      `yaml:"max_steps"`
	MaxToolCalls int      `yaml:"max_tool_calls"`
	MaxPages     int      `yaml:"max_pages"`
}

// PolicyPreset is a named bundle of model choice and budget limits.
type PolicyPreset struct {
	ID             string  `yaml:"id"`
	Model          string  `yaml:"model"`
	MaxSteps       int     `yaml:"max_steps"`
	MaxToolCalls   int     `yaml:"max_tool_calls"`
	MaxPages       int     `yaml:"max_pages"`
	MaxCostUSD     float64 `yaml:"max_cost_usd"`
	UnitPricePer1K float64 `yaml:"unit_price_per_1k"`
}

// SkillsConfig is the on-disk skill and policy catalog.
type SkillsConfig struct {
	Version string                  `yaml:"version"`
	Skills  map[string]Skill        `yaml:"skills"`
	Presets map[string]PolicyPreset `yaml:"presets"`
	Default string                  `yaml:"default_preset"`
}

// AllowsTool reports whether a tool name is in the skill's allowlist.
func (s Skill) AllowsTool(name string) bool {
	for _, t := range s.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// LoadSkills reads the skill/preset catalog from a YAML file.
func LoadSkills(path string) (*SkillsConfig, error) {
	if strings.TrimSpace(path) == "" {
		path = defaultSkillsPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skills config: %w", err)
	}
	var cfg SkillsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse skills config: %w", err)
	}
	for id, skill := range cfg.Skills {
		if skill.ID == "" {
			skill.ID = id
			cfg.Skills[id] = skill
		}
		if len(skill.Tools) == 0 {
			return nil, fmt.Errorf("skill %q has an empty tool allowlist", id)
		}
	}
	for id, preset := range cfg.Presets {
		if preset.ID == "" {
			preset.ID = id
			cfg.Presets[id] = preset
		}
	}
	return &cfg, nil
}

// Preset resolves a preset by id, falling back to the configured default.
func (c *SkillsConfig) Preset(id string) (PolicyPreset, bool) {
	if c == nil {
		return PolicyPreset{}, false
	}
	if id != "" {
		if p, ok := c.Presets[id]; ok {
			return p, true
		}
	}
	if c.Default != "" {
		if p, ok := c.Presets[c.Default]; ok {
			return p, true
		}
	}
	return PolicyPreset{}, false
}
