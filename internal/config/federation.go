// ABOUTME: Federation peer map loading for fabric-gateway
// ABOUTME: Loads the TOML file describing trusted divisions and their gateway endpoints

package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/BurntSushi/toml"
)

// Peers is the parsed federation peer map. Trust is directed: listing a
// division here means this gateway will forward traffic to it, nothing more.
type Peers struct {
	Divisions []Peer `toml:"division"`
}

// Peer describes one remote division reachable from this gateway.
type Peer struct {
	ID              string `toml:"id"`
	GatewayEndpoint string `toml:"gateway_endpoint"`
	Trusted         bool   `toml:"trusted"`
}

// LoadPeers reads the federation peer map from the given TOML path,
// expanding ${VAR} environment references. A missing path yields an empty
// peer map, which disables cross-division forwarding.
func LoadPeers(path string) (*Peers, error) {
	if path == "" {
		return &Peers{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading peers file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var peers Peers
	if _, err := toml.Decode(expanded, &peers); err != nil {
		return nil, fmt.Errorf("parsing peers file: %w", err)
	}

	if err := peers.Validate(); err != nil {
		return nil, fmt.Errorf("validating peers file: %w", err)
	}

	return &peers, nil
}

// Validate checks every peer entry for an ID and a well-formed endpoint URL.
func (p *Peers) Validate() error {
	seen := make(map[string]bool, len(p.Divisions))
	for _, d := range p.Divisions {
		if d.ID == "" {
			return fmt.Errorf("division entry missing id")
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate division entry %q", d.ID)
		}
		seen[d.ID] = true

		if d.GatewayEndpoint == "" {
			return fmt.Errorf("division %q missing gateway_endpoint", d.ID)
		}
		u, err := url.Parse(d.GatewayEndpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("division %q has invalid gateway_endpoint %q", d.ID, d.GatewayEndpoint)
		}
	}
	return nil
}

// Endpoint returns the gateway endpoint for a division, if configured.
func (p *Peers) Endpoint(divisionID string) (string, bool) {
	for _, d := range p.Divisions {
		if d.ID == divisionID {
			return d.GatewayEndpoint, true
		}
	}
	return "", false
}

// IsTrusted reports whether the division is marked trusted in the peer map.
func (p *Peers) IsTrusted(divisionID string) bool {
	for _, d := range p.Divisions {
		if d.ID == divisionID {
			return d.Trusted
		}
	}
	return false
}

// TrustedIDs returns the IDs of all trusted divisions, in file order.
func (p *Peers) TrustedIDs() []string {
	ids := make([]string, 0, len(p.Divisions))
	for _, d := range p.Divisions {
		if d.Trusted {
			ids = append(ids, d.ID)
		}
	}
	return ids
}
