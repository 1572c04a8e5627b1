// Package registry maintains the fixed set of execution servers (backends)
// the broker can place emulators on. Each backend is one remote Docker
// engine; the registry owns the Docker client for each of them and knows how
// to probe their health.
package registry // import "github.com/osworld-broker/broker/registry"

import (
	"context"
	"net/url"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"

	logger "github.com/osworld-broker/broker/brokerlogger"
	"github.com/osworld-broker/broker/types"
	"github.com/osworld-broker/broker/utils"
)

// pingTimeout bounds the health probe of a single backend so one dead server
// can't stall placement for everyone.
const pingTimeout = 2 * time.Second

// Backend is one execution server the broker can place emulators on.
type Backend struct {
	id     types.BackendID
	client dockerclient.CommonAPIClient
}

// NewBackend wraps an existing Docker client as a backend. It is used
// directly by tests; production code goes through New, which dials the
// clients itself.
func NewBackend(id types.BackendID, client dockerclient.CommonAPIClient) *Backend {
	return &Backend{id: id, client: client}
}

// ID returns the backend's stable identifier (its Docker engine address).
func (b *Backend) ID() types.BackendID {
	return b.id
}

// Client returns the Docker client connected to this backend's engine.
func (b *Backend) Client() dockerclient.CommonAPIClient {
	return b.client
}

// Host returns the hostname or IP clients should use to reach emulators
// placed on this backend. For a local (unix socket) engine this is the
// loopback address.
func (b *Backend) Host() string {
	addr := string(b.id)

	if strings.HasPrefix(addr, "unix://") {
		return "127.0.0.1"
	}

	u, err := url.Parse(addr)
	if err != nil || u.Hostname() == "" {
		// Bare "host:port" without a scheme.
		if i := strings.LastIndex(addr, ":"); i > 0 {
			return addr[:i]
		}
		return addr
	}
	return u.Hostname()
}

// Ping probes the backend's Docker engine. A backend that fails its ping is
// excluded from placement until a later probe succeeds.
func (b *Backend) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if _, err := b.client.Ping(pingCtx); err != nil {
		return utils.MakeError("backend %s is unreachable: %s", b.id, err)
	}
	return nil
}

// ListManaged returns the containers on this backend that run the given
// image, including stopped ones.
func (b *Backend) ListManaged(ctx context.Context, image string) ([]dockertypes.Container, error) {
	containers, err := b.client.ContainerList(ctx, dockertypes.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("ancestor", image)),
	})
	if err != nil {
		return nil, utils.MakeError("couldn't list containers on backend %s: %s", b.id, err)
	}
	return containers, nil
}

// RemoveContainer force-removes a container on this backend.
func (b *Backend) RemoveContainer(ctx context.Context, id types.DockerID) error {
	err := b.client.ContainerRemove(ctx, string(id), dockertypes.ContainerRemoveOptions{Force: true})
	if err != nil {
		return utils.MakeError("couldn't remove container %s on backend %s: %s", id, b.id, err)
	}
	return nil
}

// Registry is the fixed set of backends, in registration order.
type Registry struct {
	backends []*Backend
}

// New dials a Docker client for each of the given engine addresses and
// returns the resulting registry. The set of backends is fixed for the
// lifetime of the process; unreachable backends are still registered, since
// they may come back later.
func New(addrs []string) (*Registry, error) {
	if len(addrs) == 0 {
		return nil, utils.MakeError("can't create a registry with no backends")
	}

	backends := make([]*Backend, 0, len(addrs))
	for _, addr := range utils.StringSliceDedup(addrs) {
		client, err := dockerclient.NewClientWithOpts(
			dockerclient.WithHost(addr),
			dockerclient.WithAPIVersionNegotiation(),
		)
		if err != nil {
			return nil, utils.MakeError("couldn't create Docker client for backend %s: %s", addr, err)
		}
		backends = append(backends, NewBackend(types.BackendID(addr), client))
	}

	return &Registry{backends: backends}, nil
}

// NewWithBackends assembles a registry from already-constructed backends.
// Tests use this to register backends with mock Docker clients.
func NewWithBackends(backends []*Backend) *Registry {
	return &Registry{backends: backends}
}

// Backends returns all registered backends, in registration order.
func (r *Registry) Backends() []*Backend {
	return r.backends
}

// BackendIDs returns the IDs of all registered backends, in registration
// order.
func (r *Registry) BackendIDs() []types.BackendID {
	ids := make([]types.BackendID, 0, len(r.backends))
	for _, b := range r.backends {
		ids = append(ids, b.ID())
	}
	return ids
}

// Lookup returns the backend with the given ID.
func (r *Registry) Lookup(id types.BackendID) (*Backend, error) {
	for _, b := range r.backends {
		if b.ID() == id {
			return b, nil
		}
	}
	return nil, utils.MakeError("no backend registered with ID %s", id)
}

// Reachable probes every backend and returns the ones that answered, in
// registration order. Unreachable backends are logged and skipped.
func (r *Registry) Reachable(ctx context.Context) []*Backend {
	reachable := make([]*Backend, 0, len(r.backends))
	for _, b := range r.backends {
		if err := b.Ping(ctx); err != nil {
			logger.Warningf("Excluding backend from placement: %s", err)
			continue
		}
		reachable = append(reachable, b)
	}
	return reachable
}
