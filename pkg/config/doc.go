// Package config loads and validates deployment bundles.
//
// A bundle is a YAML file describing the domains to deploy for one customer
// and environment. The loader validates the bundle structurally, resolves
// secret values from the environment, and converts each deployment into the
// engine's domain configuration.
package config
