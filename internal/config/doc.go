// Package config handles YAML configuration loading for the catcher and the
// reference collector.
package config
