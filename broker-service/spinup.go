package main

import (
	"context"
	"regexp"
	"sync"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	dockerfilters "github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
	dockernat "github.com/docker/go-connections/nat"
	dockerunits "github.com/docker/go-units"
	"github.com/lithammer/shortuuid/v3"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	logger "github.com/osworld-broker/broker/brokerlogger"
	"github.com/osworld-broker/broker/config"
	"github.com/osworld-broker/broker/dbdriver"
	"github.com/osworld-broker/broker/emulator"
	"github.com/osworld-broker/broker/emulator/portbindings"
	"github.com/osworld-broker/broker/metadata"
	"github.com/osworld-broker/broker/quota"
	"github.com/osworld-broker/broker/registry"
	"github.com/osworld-broker/broker/selector"
	"github.com/osworld-broker/broker/types"
	"github.com/osworld-broker/broker/utils"
)

const (
	// The two container ports every emulator exposes: the control server that
	// task runners talk to, and the VNC console.
	emulatorControlPort uint16 = 5000
	emulatorVNCPort     uint16 = 8006

	// How long to give a container to stop on its own before Docker kills it.
	containerStopTimeout = 10 * time.Second
)

var containerNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// SpinUpEmulator creates and starts an emulator container for the given quota
// token. It claims a ledger slot before touching Docker, so the quota can
// never be overcommitted; if any later step fails, closing the emulator
// returns the slot.
func SpinUpEmulator(globalCtx context.Context, goroutineTracker *sync.WaitGroup, reg *registry.Registry, ledger *quota.Ledger, sel *selector.Selector, token types.QuotaToken) (emulator.Emulator, error) {
	candidates := reg.Reachable(globalCtx)
	if len(candidates) == 0 {
		return nil, utils.MakeError("no reachable backend servers to place an emulator on")
	}

	// The selector's choice is advisory: another request can take the last
	// slot on the chosen backend between Choose and TryAdmit. Keep trying the
	// remaining candidates until a claim sticks.
	var backend *registry.Backend
	for len(candidates) > 0 {
		chosen, err := sel.Choose(token, candidates)
		if err != nil {
			return nil, err
		}

		if err := ledger.TryAdmit(token, chosen.ID()); err != nil {
			logger.Infof("SpinUpEmulator(): lost the race for the last slot on %s, retrying elsewhere", chosen.ID())
			candidates = withoutBackend(candidates, chosen)
			continue
		}

		backend = chosen
		break
	}
	if backend == nil {
		return nil, &quota.LimitExceededError{Token: token}
	}

	emulatorID := types.EmulatorID(shortuuid.New())
	e := emulator.New(globalCtx, goroutineTracker, emulatorID, token, backend.ID(), func() {
		ledger.Release(token, backend.ID())
	})
	logger.Infof("SpinUpEmulator(): created emulator %s for token %s on backend %s", emulatorID, token, backend.ID())

	// If the creation of the emulator fails, we want to clean up after it. We
	// do this by setting `createFailed` to true until all steps are done, and
	// closing the emulator's context on function exit if `createFailed` is
	// still set to true. Closing the context frees the ports and returns the
	// ledger slot.
	var createFailed bool = true
	defer func() {
		if createFailed {
			e.Close()
		}
	}()

	if err := dbdriver.WriteEmulatorStatus(emulatorID, backend.ID(), token, dbdriver.EmulatorStatusAllocated); err != nil {
		logger.Errorf("SpinUpEmulator(): %s", err)
	}

	// Do all startup tasks that can be done before Docker container creation
	// in parallel, stopping at the first error encountered.
	preCreateGroup, _ := errgroup.WithContext(e.GetContext())

	var hostPortForControl, hostPortForVNC uint16
	preCreateGroup.Go(func() error {
		binds, err := portbindings.Allocate(backend.ID(), []portbindings.PortBinding{
			{EmulatorPort: emulatorControlPort, HostPort: 0, Protocol: portbindings.TransportProtocolTCP},
			{EmulatorPort: emulatorVNCPort, HostPort: 0, Protocol: portbindings.TransportProtocolTCP},
		})
		if err != nil {
			return utils.MakeError("error assigning port bindings: %s", err)
		}
		e.AssignPortBindings(binds)

		var errControl, errVNC error
		hostPortForControl, errControl = e.GetHostPort(emulatorControlPort, portbindings.TransportProtocolTCP)
		hostPortForVNC, errVNC = e.GetHostPort(emulatorVNCPort, portbindings.TransportProtocolTCP)
		if errControl != nil || errVNC != nil {
			return utils.MakeError("couldn't return host port bindings")
		}
		return nil
	})

	// Warn early if the backend doesn't have the emulator image. Creation
	// will fail with a clearer message below, but this one names the backend.
	preCreateGroup.Go(func() error {
		filters := dockerfilters.NewArgs()
		filters.Add("reference", config.GetManagedImage())
		images, err := backend.Client().ImageList(e.GetContext(), dockertypes.ImageListOptions{Filters: filters})
		if err != nil {
			logger.Warningf("SpinUpEmulator(): couldn't list images on backend %s: %s", backend.ID(), err)
			return nil
		}
		if len(images) == 0 {
			logger.Warningf("SpinUpEmulator(): backend %s has no local copy of image %s", backend.ID(), config.GetManagedImage())
		}
		return nil
	})

	if err := preCreateGroup.Wait(); err != nil {
		return nil, err
	}

	// We now create the underlying Docker container for this emulator.
	exposedPorts := make(dockernat.PortSet)
	exposedPorts[dockernat.Port(utils.Sprintf("%v/tcp", emulatorControlPort))] = struct{}{}
	exposedPorts[dockernat.Port(utils.Sprintf("%v/tcp", emulatorVNCPort))] = struct{}{}

	envs := []string{
		utils.Sprintf("EMULATOR_ID=%s", emulatorID),
		utils.Sprintf("BROKER_ENV=%s", metadata.GetAppEnvironment()),
	}

	containerConfig := dockercontainer.Config{
		ExposedPorts: exposedPorts,
		Env:          envs,
		Image:        config.GetManagedImage(),
		Tty:          true,
	}

	natPortBindings := make(dockernat.PortMap)
	natPortBindings[dockernat.Port(utils.Sprintf("%v/tcp", emulatorControlPort))] = []dockernat.PortBinding{{HostPort: utils.Sprintf("%v", hostPortForControl)}}
	natPortBindings[dockernat.Port(utils.Sprintf("%v/tcp", emulatorVNCPort))] = []dockernat.PortBinding{{HostPort: utils.Sprintf("%v", hostPortForVNC)}}

	hostConfig := dockercontainer.HostConfig{
		PortBindings: natPortBindings,
		// The emulator's desktop session needs a real /dev/shm.
		ShmSize: 2 * dockerunits.GiB,
		Resources: dockercontainer.Resources{
			Ulimits: []*dockerunits.Ulimit{},
		},
	}

	containerName := utils.Sprintf("emulator-%s", emulatorID)
	containerName = containerNameSanitizer.ReplaceAllString(containerName, "-")

	dockerBody, err := backend.Client().ContainerCreate(e.GetContext(), &containerConfig, &hostConfig, nil, &v1.Platform{Architecture: "amd64", OS: "linux"}, containerName)
	if err != nil {
		return nil, utils.MakeError("error running `create` on backend %s: %s", backend.ID(), err)
	}
	dockerID := types.DockerID(dockerBody.ID)

	logger.Infof("SpinUpEmulator(): successfully ran `create` command and got back runtime ID %s", dockerID)

	postCreateGroup, _ := errgroup.WithContext(e.GetContext())

	// Register docker ID in emulator object
	postCreateGroup.Go(func() error {
		if err := e.RegisterCreation(dockerID); err != nil {
			return utils.MakeError("error registering emulator creation with runtime ID %s: %s", dockerID, err)
		}
		return nil
	})

	// Start Docker container
	postCreateGroup.Go(func() error {
		if err := backend.Client().ContainerStart(e.GetContext(), string(dockerID), dockertypes.ContainerStartOptions{}); err != nil {
			return utils.MakeError("error starting emulator %s with runtime ID %s: %s", emulatorID, dockerID, err)
		}

		logger.Infof("SpinUpEmulator(): successfully started emulator %s on backend %s", emulatorID, backend.ID())
		return nil
	})

	if err := postCreateGroup.Wait(); err != nil {
		return nil, err
	}

	if err := dbdriver.WriteEmulatorStatus(emulatorID, backend.ID(), token, dbdriver.EmulatorStatusRunning); err != nil {
		logger.Errorf("SpinUpEmulator(): %s", err)
	}

	// Mark emulator creation as successful, preventing cleanup on function
	// termination.
	createFailed = false
	return e, nil
}

// StopEmulator tears down an emulator's container and releases its quota
// slot. Stopping an unknown emulator is a no-op: the caller's goal (the
// emulator not existing) is already met.
func StopEmulator(globalCtx context.Context, reg *registry.Registry, emulatorID types.EmulatorID) error {
	e, err := emulator.LookUpByEmulatorID(emulatorID)
	if err != nil {
		logger.Infof("StopEmulator(): ignoring request for unknown emulator %s", emulatorID)
		return nil
	}

	if err := dbdriver.WriteEmulatorStatus(emulatorID, e.GetBackend(), e.GetToken(), dbdriver.EmulatorStatusDying); err != nil {
		logger.Errorf("StopEmulator(): %s", err)
	}

	// Close() releases the ledger slot and port bindings even if the Docker
	// teardown below fails, so a wedged backend can't pin quota forever.
	defer e.Close()

	backend, err := reg.Lookup(e.GetBackend())
	if err != nil {
		return utils.MakeError("emulator %s is tracked on unknown backend %s: %s", emulatorID, e.GetBackend(), err)
	}

	dockerID := e.GetDockerID()
	if dockerID == "" {
		// Spin-up hadn't reached container creation yet.
		return nil
	}

	stopTimeout := containerStopTimeout
	if err := backend.Client().ContainerStop(globalCtx, string(dockerID), &stopTimeout); err != nil && !dockerclient.IsErrNotFound(err) {
		logger.Errorf("StopEmulator(): error stopping container %s: %s", dockerID, err)
	}

	if err := backend.Client().ContainerRemove(globalCtx, string(dockerID), dockertypes.ContainerRemoveOptions{Force: true}); err != nil && !dockerclient.IsErrNotFound(err) {
		return utils.MakeError("error removing container %s: %s", dockerID, err)
	}

	if err := dbdriver.RemoveEmulator(emulatorID); err != nil {
		logger.Errorf("StopEmulator(): %s", err)
	}

	logger.Infof("StopEmulator(): successfully stopped emulator %s", emulatorID)
	return nil
}

// withoutBackend returns candidates with the given backend filtered out.
func withoutBackend(candidates []*registry.Backend, b *registry.Backend) []*registry.Backend {
	remaining := make([]*registry.Backend, 0, len(candidates))
	for _, c := range candidates {
		if c.ID() != b.ID() {
			remaining = append(remaining, c)
		}
	}
	return remaining
}
