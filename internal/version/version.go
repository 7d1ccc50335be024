/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version reports build information.
package version

import (
	"fmt"
	"runtime"
)

// Version is set at build time via ldflags:
//
//	-X github.com/friendsincode/foreman/internal/version.Version=X.Y.Z
var Version = "0.1.0"

// Commit is the source revision, set the same way.
var Commit = "unknown"

// String formats the build for humans.
func String() string {
	return fmt.Sprintf("foreman %s (%s, %s)", Version, Commit, runtime.Version())
}
