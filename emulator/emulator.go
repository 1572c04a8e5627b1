// Package emulator provides the broker's representation of one running
// emulator: which backend it lives on, which quota token holds its ledger
// slot, its container's port bindings, and the context that controls its
// lifetime. Cancelling that context is the one and only way an emulator's
// resources get released, so every exit path (explicit stop, failed spin-up,
// janitor reconciliation, broker shutdown) funnels through it.
package emulator // import "github.com/osworld-broker/broker/emulator"

import (
	"context"
	"sync"
	"time"

	logger "github.com/osworld-broker/broker/brokerlogger"
	"github.com/osworld-broker/broker/emulator/portbindings"
	"github.com/osworld-broker/broker/types"
	"github.com/osworld-broker/broker/utils"
)

// Emulator collects the broker-side state for a single emulator.
type Emulator interface {
	// GetID returns the broker-assigned ID of the emulator.
	GetID() types.EmulatorID

	// GetToken returns the quota token holding this emulator's ledger slot.
	GetToken() types.QuotaToken

	// GetBackend returns the backend the emulator is placed on.
	GetBackend() types.BackendID

	// RegisterCreation records the Docker ID assigned to the emulator's
	// container once it has been created.
	RegisterCreation(types.DockerID) error

	// GetDockerID returns the Docker ID of the emulator's container, or the
	// empty string if the container has not been created yet.
	GetDockerID() types.DockerID

	// AssignPortBindings records the port bindings allocated for the
	// emulator's container. The emulator takes ownership: the bindings are
	// freed when the emulator is closed.
	AssignPortBindings([]portbindings.PortBinding)

	// GetPortBindings returns the port bindings assigned to the emulator.
	GetPortBindings() []portbindings.PortBinding

	// GetHostPort returns the host port corresponding to a given
	// port/protocol inside the emulator's container.
	GetHostPort(emulatorPort uint16, protocol portbindings.TransportProtocol) (uint16, error)

	// GetCreatedAt returns the time the emulator object was created.
	GetCreatedAt() time.Time

	// GetContext returns the emulator's lifetime context, for operations that
	// should be abandoned once the emulator is gone.
	GetContext() context.Context

	// Close cancels the emulator's context, which kicks off the resource
	// cleanup goroutine. Closing an already-closed emulator is a no-op.
	Close()
}

// New creates a new Emulator with a lifetime scoped to the given parent
// context, and starts the cleanup goroutine that fires when that lifetime
// ends. `onClose` is called exactly once during cleanup and is where the
// caller returns the emulator's ledger slot.
func New(baseCtx context.Context, goroutineTracker *sync.WaitGroup, id types.EmulatorID, token types.QuotaToken, backend types.BackendID, onClose func()) Emulator {
	// We create a context for this emulator specifically.
	ctx, cancel := context.WithCancel(baseCtx)

	e := &emulatorData{
		ctx:       ctx,
		cancel:    cancel,
		id:        id,
		token:     token,
		backend:   backend,
		createdAt: time.Now(),
		onClose:   onClose,
	}

	trackEmulator(e)

	// We start the cleanup goroutine here, instead of returning a cleanup
	// function to the caller, so that we can guarantee the cleanup happens
	// no matter how the emulator's context dies.
	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()

		<-ctx.Done()

		untrackEmulator(e)

		logger.Infof("Removed emulator %s from the tracker", e.GetID())

		portbindings.Free(e.GetBackend(), e.GetPortBindings())
		logger.Infof("Freed port bindings for emulator %s on backend %s", e.GetID(), e.GetBackend())

		if e.onClose != nil {
			e.onClose()
			logger.Infof("Released ledger slot held by emulator %s for token %s", e.GetID(), e.GetToken())
		}

		logger.Infof("Cleaned up after emulator %s", e.GetID())
	}()

	return e
}

type emulatorData struct {
	// ctx is the context for this emulator specifically.
	ctx    context.Context
	cancel context.CancelFunc

	id      types.EmulatorID
	token   types.QuotaToken
	backend types.BackendID

	createdAt time.Time
	onClose   func()

	// rwlock guards the fields below, which are written after creation.
	rwlock sync.RWMutex

	dockerID     types.DockerID
	portBindings []portbindings.PortBinding
}

func (e *emulatorData) GetID() types.EmulatorID {
	return e.id
}

func (e *emulatorData) GetToken() types.QuotaToken {
	return e.token
}

func (e *emulatorData) GetBackend() types.BackendID {
	return e.backend
}

func (e *emulatorData) RegisterCreation(dockerID types.DockerID) error {
	if len(dockerID) == 0 {
		return utils.MakeError("can't register a creation with an empty Docker ID")
	}

	e.rwlock.Lock()
	defer e.rwlock.Unlock()

	e.dockerID = dockerID
	return nil
}

func (e *emulatorData) GetDockerID() types.DockerID {
	e.rwlock.RLock()
	defer e.rwlock.RUnlock()

	return e.dockerID
}

func (e *emulatorData) AssignPortBindings(binds []portbindings.PortBinding) {
	e.rwlock.Lock()
	defer e.rwlock.Unlock()

	e.portBindings = binds
}

func (e *emulatorData) GetPortBindings() []portbindings.PortBinding {
	e.rwlock.RLock()
	defer e.rwlock.RUnlock()

	return e.portBindings
}

func (e *emulatorData) GetHostPort(emulatorPort uint16, protocol portbindings.TransportProtocol) (uint16, error) {
	binds := e.GetPortBindings()
	for _, bind := range binds {
		if bind.Protocol == protocol && bind.EmulatorPort == emulatorPort {
			return bind.HostPort, nil
		}
	}

	return 0, utils.MakeError("couldn't GetHostPort(%v, %v) for emulator %s", emulatorPort, protocol, e.GetID())
}

func (e *emulatorData) GetCreatedAt() time.Time {
	return e.createdAt
}

func (e *emulatorData) GetContext() context.Context {
	return e.ctx
}

func (e *emulatorData) Close() {
	// Cancel the context, triggering the cleanup goroutine. Repeated calls
	// are harmless since cancelling a context is idempotent.
	e.cancel()
}
