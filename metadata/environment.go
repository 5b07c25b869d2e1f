package metadata // import "github.com/atriumhq/atrium/metadata"

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

func init() {
	// In development we allow configuration through a .env file in the
	// working directory. Missing files are fine; real deployments configure
	// everything through the process environment.
	_ = godotenv.Load()
}

// An AppEnvironment represents either localdev (an engineer's development
// machine), staging, or prod.
type AppEnvironment string

// Constants for the various AppEnvironments.
const (
	EnvLocalDev AppEnvironment = "localdev"
	EnvStaging  AppEnvironment = "staging"
	EnvProd     AppEnvironment = "prod"
)

// GetAppEnvironment returns the AppEnvironment of the current process.
var GetAppEnvironment func() AppEnvironment = func(unmemoized func() AppEnvironment) func() AppEnvironment {
	// This nested function syntax is used to memoize the result of the first
	// call to GetAppEnvironment() and cache the result for all future calls.

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
	env := strings.ToLower(os.Getenv("APP_ENV"))
	switch env {
	case "staging":
		return EnvStaging
	case "production", "prod":
		return EnvProd
	default:
		return EnvLocalDev
	}
})

// IsLocalEnv returns true if this service is running locally for
// development.
func IsLocalEnv() bool {
	return GetAppEnvironment() == EnvLocalDev
}

// IsRunningInCI returns true if the service is running in continuous
// integration (i.e. for tests), and false otherwise.
func IsRunningInCI() bool {
	switch strings.ToLower(os.Getenv("CI")) {
	case "1", "yes", "true", "on":
		return true
	default:
		return false
	}
}
