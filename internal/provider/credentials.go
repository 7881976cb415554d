package provider

import (
	"os"
	"strings"
)

// CredentialField describes one credential a provider needs.
type CredentialField struct {
	Name     string `json:"name"`
	EnvVar   string `json:"env_var"`
	Required bool   `json:"required"`
}

// CredentialFields is the descriptor a streaming client publishes so that
// operators know what to configure.
type CredentialFields []CredentialField

// Missing returns the names of required fields for which resolve yields no value.
func (cf CredentialFields) Missing(resolve func(field string) string) []string {
	var missing []string
	for _, f := range cf {
		if f.Required && resolve(f.Name) == "" {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// ResolveCredential resolves one credential value. Precedence: the
// config-provided value, then VENDOR__FIELD, then the legacy VENDOR_FIELD.
func ResolveCredential(id ID, field, configValue string) string {
	if configValue != "" {
		return configValue
	}
	vendor := strings.ToUpper(string(id))
	key := strings.ToUpper(field)
	if v := os.Getenv(vendor + "__" + key); v != "" {
		return v
	}
	return os.Getenv(vendor + "_" + key)
}
