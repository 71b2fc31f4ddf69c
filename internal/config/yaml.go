package config

import (
	"fmt"

	"github.com/goccy/go-yaml"
)

// RewriteRules is an ordered list of regex rewrites. In YAML it is written as
// a mapping of pattern to replacement; insertion order is preserved.
type RewriteRules []RewriteRule

// UnmarshalYAML decodes the pattern→replacement mapping preserving order.
func (r *RewriteRules) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var ms yaml.MapSlice
	if err := unmarshal(&ms); err != nil {
		return err
	}
	rules := make(RewriteRules, 0, len(ms))
	for _, item := range ms {
		pattern, ok := item.Key.(string)
		if !ok {
			return fmt.Errorf("rewrite: pattern must be a string, got %T", item.Key)
		}
		replacement, ok := item.Value.(string)
		if !ok {
			return fmt.Errorf("rewrite %q: replacement must be a string, got %T", pattern, item.Value)
		}
		rules = append(rules, RewriteRule{Pattern: pattern, Replacement: replacement})
	}
	*r = rules
	return nil
}

// ReplaceRules is an ordered list of literal substring replacements applied
// after the regex rewrites. Same YAML shape as RewriteRules.
type ReplaceRules []ReplaceRule

// UnmarshalYAML decodes the from→to mapping preserving order.
func (r *ReplaceRules) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var ms yaml.MapSlice
	if err := unmarshal(&ms); err != nil {
		return err
	}
	rules := make(ReplaceRules, 0, len(ms))
	for _, item := range ms {
		from, ok := item.Key.(string)
		if !ok {
			return fmt.Errorf("replace: key must be a string, got %T", item.Key)
		}
		to, ok := item.Value.(string)
		if !ok {
			return fmt.Errorf("replace %q: value must be a string, got %T", from, item.Value)
		}
		rules = append(rules, ReplaceRule{From: from, To: to})
	}
	*r = rules
	return nil
}

// UnmarshalYAML accepts either a boolean (true = defaults) or a full object.
func (c *CORSConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var b bool
	if err := unmarshal(&b); err == nil {
		*c = CORSConfig{Enabled: b}
		return nil
	}

	var raw struct {
		Enabled          *bool    `yaml:"enabled"`
		AllowOrigins     []string `yaml:"allowOrigins"`
		AllowMethods     []string `yaml:"allowMethods"`
		AllowHeaders     []string `yaml:"allowHeaders"`
		ExposeHeaders    []string `yaml:"exposeHeaders"`
		AllowCredentials bool     `yaml:"allowCredentials"`
		MaxAge           int      `yaml:"maxAge"`
		PreflightStatus  int      `yaml:"preflightStatus"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}

	*c = CORSConfig{
		// An object form implies enabled unless explicitly switched off.
		Enabled:          raw.Enabled == nil || *raw.Enabled,
		AllowOrigins:     raw.AllowOrigins,
		AllowMethods:     raw.AllowMethods,
		AllowHeaders:     raw.AllowHeaders,
		ExposeHeaders:    raw.ExposeHeaders,
		AllowCredentials: raw.AllowCredentials,
		MaxAge:           raw.MaxAge,
		PreflightStatus:  raw.PreflightStatus,
	}
	return nil
}
