package chain

import (
	"embed"
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

//go:embed profiles/*.toml
var profileFS embed.FS

// Select returns the profile for a network. The result is a copy; profiles
// are parsed from the embedded definitions on every call.
func Select(n Network) (Profile, error) {
	data, err := profileFS.ReadFile("profiles/" + string(n) + ".toml")
	if err != nil {
		return Profile{}, fmt.Errorf("no profile for network %q", n)
	}
	return Parse(data)
}

// Parse decodes and validates a TOML chain profile.
func Parse(data []byte) (Profile, error) {
	var p Profile
	if err := toml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("decode chain profile: %w", err)
	}
	if err := p.validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}
