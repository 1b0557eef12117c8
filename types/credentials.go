package types

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

const redacted = "[REDACTED]"

// Credentials is the per-invocation access material for the scanning service.
// Values only ever travel to the scanner through its environment.
type Credentials struct {
	POD         string
	AccessToken string

	RegistryUsername string
	RegistryPassword string
	RegistryToken    string
}

// HasRegistry reports whether any private registry credential is present
func (c Credentials) HasRegistry() bool {
	return c.RegistryUsername != "" || c.RegistryPassword != "" || c.RegistryToken != ""
}

// Secrets returns the values that must be redacted from any output
func (c Credentials) Secrets() []string {
	var out []string
	for _, v := range []string{c.AccessToken, c.RegistryPassword, c.RegistryToken} {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Zero clears the secret fields in place
func (c *Credentials) Zero() {
	c.AccessToken = ""
	c.RegistryUsername = ""
	c.RegistryPassword = ""
	c.RegistryToken = ""
}

// String keeps fmt verbs from printing secret material
func (c Credentials) String() string {
	return "Credentials{POD:" + c.POD + " AccessToken:" + redacted + "}"
}

// GoString mirrors String for %#v
func (c Credentials) GoString() string {
	return c.String()
}

// MarshalJSON never emits secret values
func (c Credentials) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"pod":          c.POD,
		"access_token": redacted,
	})
}

// MarshalZerologObject never emits secret values
func (c Credentials) MarshalZerologObject(e *zerolog.Event) {
	e.Str("pod", c.POD).Bool("registry", c.HasRegistry())
}
