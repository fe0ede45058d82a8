package domain

// Persona is a declarative role definition executed independently within a
// run. Personas are provided externally (YAML files) and consumed read-only
// by the core; they never change for the duration of a run.
type Persona struct {
	Name             string                       `yaml:"name"`
	DisplayName      string                       `yaml:"display_name,omitempty"`
	Provider         string                       `yaml:"provider"`
	Enabled          bool                         `yaml:"enabled"`
	Prompt           string                       `yaml:"prompt"`
	OutputSchema     string                       `yaml:"output_schema,omitempty"`
	ProviderSettings map[string]map[string]string `yaml:"provider_settings,omitempty"`
}

// Title returns the display name, falling back to the persona name
func (p *Persona) Title() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}

// Setting reads one provider-specific override, e.g. Setting("jules",
// "timeout_s"). Returns "" when unset.
func (p *Persona) Setting(provider, key string) string {
	if p.ProviderSettings == nil {
		return ""
	}
	return p.ProviderSettings[provider][key]
}
