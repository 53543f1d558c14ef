// Package config loads, normalizes, and validates framereel's TOML
// configuration.
//
// Load resolves the file from an explicit path, ~/.config/framereel, or the
// working directory, applies defaults, pulls credentials from the environment
// (optionally seeded by a .env file), and validates the result. Startup code
// calls EnsureDirectories once so the pipeline can rely on its work areas.
package config
