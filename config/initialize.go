package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/basicflag"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/osworld-broker/broker/utils"
)

// Defaults applied before any configuration source is read.
const (
	defaultTokenLimit     = 10
	defaultManagedImage   = "happysixd/osworld-docker"
	defaultListenPort     = 8000
	defaultJanitorTime    = 10 * time.Minute
	defaultJanitorMinAge  = 30 * time.Minute
	defaultBackendAddress = "unix:///var/run/docker.sock"
)

// Initialize populates the configuration singleton from all configuration
// sources.
func Initialize() error {
	rw.Lock()
	defer rw.Unlock()

	config = serviceConfig{
		backendAddrs:      []string{defaultBackendAddress},
		defaultTokenLimit: defaultTokenLimit,
		managedImage:      defaultManagedImage,
		listenPort:        defaultListenPort,
		janitorEnabled:    true,
		janitorInterval:   defaultJanitorTime,
		janitorMinAge:     defaultJanitorMinAge,
	}

	var k = koanf.New(".")

	if err := getConfigFromFile(k); err != nil {
		return err
	}

	if err := getConfigFromFlags(k); err != nil {
		return err
	}

	if err := getConfigFromEnv(k); err != nil {
		return err
	}

	return nil
}

func getConfigFromFile(k *koanf.Koanf) error {
	// The config file is optional, so a missing file is not an error.
	if _, err := os.Stat("config.toml"); os.IsNotExist(err) {
		return nil
	}

	// Load TOML config
	err := k.Load(file.Provider("config.toml"), toml.Parser())
	if err != nil {
		return utils.MakeError("error loading config: %s", err)
	}

	if k.Exists("broker.backends") {
		config.backendAddrs = utils.StringSliceDedup(k.Strings("broker.backends"))
	}
	if k.Exists("broker.image") {
		config.managedImage = k.String("broker.image")
	}
	if k.Exists("broker.port") {
		config.listenPort = k.Int("broker.port")
	}
	if k.Exists("quota.limit") {
		config.defaultTokenLimit = k.Int("quota.limit")
	}
	if k.Exists("janitor.enabled") {
		config.janitorEnabled = k.Bool("janitor.enabled")
	}
	if k.Exists("janitor.interval") {
		config.janitorInterval = k.Duration("janitor.interval")
	}
	if k.Exists("janitor.minage") {
		config.janitorMinAge = k.Duration("janitor.minage")
	}

	return nil
}

func getConfigFromFlags(k *koanf.Koanf) error {
	// Load command line config
	f, err := setFlags()
	if err != nil {
		return utils.MakeError("error parsing flags: %s", err)
	}

	err = k.Load(basicflag.Provider(f, "."), nil)
	if err != nil {
		return utils.MakeError("error loading flags to config: %s", err)
	}

	if backends := k.String("backends"); backends != "" {
		config.backendAddrs = utils.StringSliceDedup(splitAddrs(backends))
	}
	if k.Int("port") != 0 {
		config.listenPort = k.Int("port")
	}
	if k.String("image") != "" {
		config.managedImage = k.String("image")
	}
	if k.Int("limit") != 0 {
		config.defaultTokenLimit = k.Int("limit")
	}
	// basicflag loads flag defaults as well as passed flags, so the bool has
	// to check whether -janitor was actually on the command line before
	// overriding whatever the config file said.
	f.Visit(func(fl *flag.Flag) {
		if fl.Name == "janitor" {
			config.janitorEnabled = k.Bool("janitor")
		}
	})
	if k.Duration("janitortime") != 0 {
		config.janitorInterval = k.Duration("janitortime")
	}
	if k.Duration("minage") != 0 {
		config.janitorMinAge = k.Duration("minage")
	}

	return nil
}

func getConfigFromEnv(k *koanf.Koanf) error {
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.Replace(strings.ToLower(s), "_", ".", -1)
	}), nil)
	if err != nil {
		return utils.MakeError("error loading environment to config: %s", err)
	}

	if addrs := k.String("broker.backends"); addrs != "" {
		config.backendAddrs = utils.StringSliceDedup(splitAddrs(addrs))
	}
	if k.String("database.url") != "" {
		config.databaseConnectionString = k.String("database.url")
	}

	return nil
}

func setFlags() (*flag.FlagSet, error) {
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.String("backends", "", "Comma-separated list of Docker engine addresses emulators can be placed on.")
	f.Int("port", 0, "TCP port the broker's HTTP API listens on.")
	f.String("image", "", "Container image the broker starts and cleans up.")
	f.Int("limit", 0, "Per-backend emulator limit applied to quota tokens without an explicit limit.")
	f.Bool("janitor", true, "If the broker runs the background janitor.")
	f.Duration("janitortime", 0, "Interval between background janitor sweeps.")
	f.Duration("minage", 0, "Minimum age a managed container must reach before the janitor removes it.")

	err := f.Parse(os.Args[1:])
	if err != nil {
		return nil, err
	}

	return f, nil
}

// splitAddrs splits a comma-separated address list and drops empty entries.
func splitAddrs(s string) []string {
	parts := strings.Split(s, ",")
	addrs := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	return addrs
}
