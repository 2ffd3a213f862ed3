package app

import (
	"github.com/kart-io/version"
)

// GetVersion returns the git version of the running binary.
func GetVersion() string {
	return version.Get().GitVersion
}

// GetVersionInfo returns the full version information.
func GetVersionInfo() version.Info {
	return version.Get()
}
