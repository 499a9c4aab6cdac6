// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the termstream daemon's YAML configuration.
//
// Configuration comes from a file named by the --config flag or the
// TERMSTREAM_CONFIG environment variable; with neither, [Resolve]
// returns the built-in defaults. Values in the file are laid over
// [Default], then the section matching [Config].Environment
// (development or production) overrides them.
//
// ${VAR} and ${VAR:-default} patterns in the address and path fields
// are expanded from the environment after loading. No other
// environment variables override config values.
//
// This package depends on no other termstream packages.
package config
