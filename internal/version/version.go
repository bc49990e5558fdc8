/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version carries build identification.
package version

import "fmt"

// Version is set at build time via ldflags:
//
//	-X github.com/friendsincode/grimnir_kiosk/internal/version.Version=X.Y.Z
var Version = "0.1.0-dev"

// Commit is the VCS revision, also set via ldflags.
var Commit = ""

// String renders the version with the commit when known.
func String() string {
	if Commit == "" {
		return Version
	}
	return fmt.Sprintf("%s (%s)", Version, Commit)
}

// UserAgent identifies the kiosk to remote sources and media origins.
func UserAgent() string {
	return "grimnir-kiosk/" + Version
}
