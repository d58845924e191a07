// Package config loads the heliogrid daemon configuration from YAML.
//
// Defaults cover every key, so a file only names what it changes. The
// INFLUXDB_* and HELIOGRID_* environment variables override file values and
// command-line flags override both.
package config
