// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build version information for termstream.
//
// [GitCommit], [GitDirty], [BuildTime], and [Version] may be injected
// with -ldflags -X, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/termstream/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Without them, [Info] reads the VCS stamp from the binary's build
// info.
package version
