// Package config loads service configuration from the environment with
// envconfig. Every field has a default, so an empty environment yields a
// working service that reads plugins from ./plugins.
package config
