// Package config loads the chaoscored configuration from a YAML file, fills
// in defaults relative to the file location and applies environment
// overrides for secrets such as DSNs and signing keys.
package config
