// Package config loads the coindbd configuration from a JSON, YAML or TOML
// file, fills in defaults relative to the file's directory and applies
// COINDB_* environment overrides.
package config
