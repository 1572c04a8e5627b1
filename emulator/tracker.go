package emulator // import "github.com/osworld-broker/broker/emulator"

import (
	"sync"

	"github.com/osworld-broker/broker/types"
	"github.com/osworld-broker/broker/utils"
)

// tracker is the global registry of running emulators, keyed by emulator ID.
var tracker = make(map[types.EmulatorID]Emulator)

// Lock to protect the tracker map
var trackerLock sync.RWMutex

func trackEmulator(e Emulator) {
	trackerLock.Lock()
	defer trackerLock.Unlock()

	tracker[e.GetID()] = e
}

func untrackEmulator(e Emulator) {
	trackerLock.Lock()
	defer trackerLock.Unlock()

	delete(tracker, e.GetID())
}

// LookUpByEmulatorID finds an emulator by its broker-assigned ID.
func LookUpByEmulatorID(id types.EmulatorID) (Emulator, error) {
	trackerLock.RLock()
	defer trackerLock.RUnlock()

	if e, ok := tracker[id]; ok {
		return e, nil
	}
	return nil, utils.MakeError("couldn't find emulator with ID %s", id)
}

// LookUpByDockerID finds an emulator by the Docker ID of its container.
func LookUpByDockerID(dockerID types.DockerID) (Emulator, error) {
	trackerLock.RLock()
	defer trackerLock.RUnlock()

	for _, e := range tracker {
		if e.GetDockerID() == dockerID {
			return e, nil
		}
	}
	return nil, utils.MakeError("couldn't find emulator with Docker ID %s", dockerID)
}

// GetAll returns every tracked emulator, in unspecified order.
func GetAll() []Emulator {
	trackerLock.RLock()
	defer trackerLock.RUnlock()

	emulators := make([]Emulator, 0, len(tracker))
	for _, e := range tracker {
		emulators = append(emulators, e)
	}
	return emulators
}

// CountByBackend returns how many tracked emulators are placed on each
// backend.
func CountByBackend() map[types.BackendID]int {
	trackerLock.RLock()
	defer trackerLock.RUnlock()

	counts := make(map[types.BackendID]int)
	for _, e := range tracker {
		counts[e.GetBackend()]++
	}
	return counts
}

// CloseAll closes every tracked emulator. It is used during broker shutdown
// so that every ledger slot and port binding gets returned.
func CloseAll() {
	for _, e := range GetAll() {
		e.Close()
	}
}
