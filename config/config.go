// Package config provides functions for reading configuration values for the
// broker. Values come from an optional `config.toml` file, from command line
// flags, and from environment variables, in that order of precedence (last
// writer wins). config.Initialize() should be called as close as possible to
// the top of the main function.
package config

import (
	"sync"
	"time"
)

// serviceConfig stores service-global configuration values.
type serviceConfig struct {
	// backendAddrs is the list of Docker engine addresses of the execution
	// servers emulators can be placed on.
	backendAddrs []string

	// defaultTokenLimit is the per-backend limit applied to a quota token the
	// first time it is seen.
	defaultTokenLimit int

	// managedImage is the container image the broker starts and cleans up.
	// Containers running other images are never touched.
	managedImage string

	// listenPort is the TCP port the broker's HTTP API listens on.
	listenPort int

	// janitorEnabled controls whether the background janitor runs at all.
	janitorEnabled bool

	// janitorInterval is how often the background janitor sweeps the backends.
	janitorInterval time.Duration

	// janitorMinAge is the minimum age a managed container must reach before
	// the background janitor will remove it.
	janitorMinAge time.Duration

	// databaseConnectionString is the Postgres connection string used to
	// mirror broker state. State mirroring is disabled when empty.
	databaseConnectionString string
}

// config is a singleton that stores service-global configuration values.
var config serviceConfig

// rw synchronizes access to the configuration singleton.
var rw sync.RWMutex

// GetBackendAddrs returns the list of Docker engine addresses of the
// execution servers emulators can be placed on.
func GetBackendAddrs() []string {
	rw.RLock()
	defer rw.RUnlock()

	return config.backendAddrs
}

// GetDefaultTokenLimit returns the per-backend limit applied to quota tokens
// that have not had an explicit limit set.
func GetDefaultTokenLimit() int {
	rw.RLock()
	defer rw.RUnlock()

	return config.defaultTokenLimit
}

// GetManagedImage returns the container image the broker manages.
func GetManagedImage() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.managedImage
}

// GetListenPort returns the TCP port the broker's HTTP API listens on.
func GetListenPort() int {
	rw.RLock()
	defer rw.RUnlock()

	return config.listenPort
}

// GetJanitorEnabled returns whether the background janitor runs.
func GetJanitorEnabled() bool {
	rw.RLock()
	defer rw.RUnlock()

	return config.janitorEnabled
}

// GetJanitorInterval returns how often the background janitor sweeps.
func GetJanitorInterval() time.Duration {
	rw.RLock()
	defer rw.RUnlock()

	return config.janitorInterval
}

// GetJanitorMinAge returns the minimum age a managed container must reach
// before the background janitor removes it.
func GetJanitorMinAge() time.Duration {
	rw.RLock()
	defer rw.RUnlock()

	return config.janitorMinAge
}

// GetDatabaseConnectionString returns the Postgres connection string used to
// mirror broker state, or the empty string if mirroring is disabled.
func GetDatabaseConnectionString() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.databaseConnectionString
}
