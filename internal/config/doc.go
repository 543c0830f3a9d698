// Package config loads fabric-gateway configuration from a YAML file with
// environment variable expansion, plus the TOML federation peer map that
// names the divisions this gateway may forward traffic to.
package config
