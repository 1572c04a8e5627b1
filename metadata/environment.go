// Package metadata provides information about the environment the broker is
// running in. It is one of the lowest-level packages in the module so that
// everything else (including the logger) can consult it during setup.
package metadata // import "github.com/osworld-broker/broker/metadata"

import (
	"os"
	"strings"
)

// An AppEnvironment represents either localdev (i.e. an engineer's development
// machine), dev (i.e. a shared development deployment), staging, or prod.
type AppEnvironment string

// Constants for the various AppEnvironments. DO NOT CHANGE THESE without
// understanding how any consumers of GetAppEnvironment() and
// GetAppEnvironmentLowercase() are using them!
const (
	EnvLocalDev AppEnvironment = "localdev"
	EnvDev      AppEnvironment = "dev"
	EnvStaging  AppEnvironment = "staging"
	EnvProd     AppEnvironment = "prod"
)

// GetAppEnvironment returns the AppEnvironment of the current broker process.
var GetAppEnvironment func() AppEnvironment = func(unmemoized func() AppEnvironment) func() AppEnvironment {
	// This nested function syntax is used to memoize the result of the first call
	// to GetAppEnvironment() and cache the result for all future calls.

	var isCached = false
	var cache AppEnvironment

	return func() AppEnvironment {
		if isCached {
			return cache
		}
		cache = unmemoized()
		isCached = true
		return cache
	}
}(func() AppEnvironment {
	// Caching-agnostic logic goes here
	env := strings.ToLower(os.Getenv("APP_ENV"))
	switch env {
	case "development", "dev":
		return EnvDev
	case "staging":
		return EnvStaging
	case "production", "prod":
		return EnvProd
	default:
		return EnvLocalDev
	}
})

// GetAppEnvironmentLowercase returns the app environment string, but just
// converted to lowercase. This is helpful to construct larger strings (i.e.
// Docker container names or database keys) that need to be all lowercase.
func GetAppEnvironmentLowercase() string {
	return strings.ToLower(string(GetAppEnvironment()))
}

// IsLocalEnv returns true if the broker is running locally for development.
func IsLocalEnv() bool {
	return GetAppEnvironment() == EnvLocalDev
}

// IsRunningInCI returns true if the broker is running in continuous
// integration (i.e. for tests).
func IsRunningInCI() bool {
	strCI := strings.ToLower(os.Getenv("CI"))
	switch strCI {
	case "1", "yes", "true", "on", "yep":
		return true
	default:
		return false
	}
}
