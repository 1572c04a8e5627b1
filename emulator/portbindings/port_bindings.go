// Package portbindings tracks which host ports the broker has handed out on
// each backend. The backends' Docker engines could pick host ports
// themselves, but then the broker would have to inspect every container after
// starting it; instead the broker allocates ports up front, per backend, and
// passes them into the container's host config.
package portbindings // import "github.com/osworld-broker/broker/emulator/portbindings"

import (
	"math/rand"
	"sync"

	logger "github.com/osworld-broker/broker/brokerlogger"
	"github.com/osworld-broker/broker/types"
	"github.com/osworld-broker/broker/utils"
)

// A PortBinding represents a single port that is bound inside an emulator
// container to a port with the same protocol on its backend host.
type PortBinding struct {
	// EmulatorPort is the port inside the emulator container
	EmulatorPort uint16
	// HostPort is the port exposed on the backend host
	HostPort uint16
	// Protocol is the protocol of the port
	Protocol TransportProtocol
}

type portStatus byte

const (
	// Obtained from reading through Docker daemon source code
	MinAllowedPort = 1025  // inclusive
	MaxAllowedPort = 49151 // exclusive

	reserved portStatus = iota
	inUse
)

// If a port's key exists in a map, that port is unavailable on that backend.
// In particular, if the value is `reserved`, then that port is permanently
// unavailable; else, it is `inUse`, meaning in use by a given emulator.
type hostPortMap map[uint16]portStatus

// Port usage is tracked per backend, since the same host port number is a
// different port on each backend.
var tcpPortMaps = make(map[types.BackendID]hostPortMap)
var udpPortMaps = make(map[types.BackendID]hostPortMap)

// Lock to protect `tcpPortMaps` and `udpPortMaps`
var portMapsLock = new(sync.Mutex)

// Reserve lets us mark certain ports as "reserved" on a backend so they don't
// get allocated for emulators. This needs to be called at program
// initialization, before any emulators are started.
func Reserve(backend types.BackendID, num uint16, protocol TransportProtocol) {
	portMapsLock.Lock()
	defer portMapsLock.Unlock()

	mapToUse, err := getHostPortMap(backend, protocol)
	if err != nil {
		logger.Errorf("Could not reserve port %v/%s on backend %s: %s", num, protocol, backend, err)
		return
	}
	mapToUse[num] = reserved
	logger.Infof("Marked port %v/%s as reserved on backend %s", num, protocol, backend)
}

// allocateSinglePort allocates a single port on a backend given a desired
// binding. It requires that `portMapsLock` is held throughout. Just like
// `Allocate()`, it interprets a zero value for `desiredBind.HostPort` as a
// request to allocate any host port, and a nonzero value as a request to
// allocate that specific host port.
func allocateSinglePort(backend types.BackendID, desiredBind PortBinding) (PortBinding, error) {
	mapToUse, err := getHostPortMap(backend, desiredBind.Protocol)
	if err != nil {
		return PortBinding{}, utils.MakeError("allocateSinglePort failed: %s", err)
	}

	// If the given HostPort is nonzero, we want to use that one specifically.
	// Else, we have to randomly allocate a free one.
	if desiredBind.HostPort != 0 {
		// Check that the desired port is actually in the allowed range
		if !isInAllowedRange(desiredBind.HostPort) {
			return PortBinding{}, utils.MakeError("allocateSinglePort: received a request to allocate a disallowed port: %v/%s", desiredBind.HostPort, desiredBind.Protocol)
		}

		// Check that this port isn't already allocated to an emulator, or reserved
		if _, exists := mapToUse[desiredBind.HostPort]; exists {
			return PortBinding{}, utils.MakeError("allocateSinglePort: could not allocate HostPort %v/%v on backend %s: already bound or reserved", desiredBind.HostPort, desiredBind.Protocol, backend)
		}

		// Mark it as allocated and return
		mapToUse[desiredBind.HostPort] = inUse
		return desiredBind, nil
	}

	// Gotta allocate a port ourselves
	var randomPort uint16
	maxTries := 100
	for numTries := 0; numTries < maxTries; numTries++ {
		randomPort = randomPortInAllowedRange()
		if _, exists := mapToUse[randomPort]; !exists {
			break
		}
		randomPort = 0
	}
	if randomPort == 0 {
		return PortBinding{}, utils.MakeError("Tried %v times to allocate a host port on backend %s for emulator port %v/%v. Breaking out to avoid spinning for too long.", maxTries, backend, desiredBind.EmulatorPort, desiredBind.Protocol)
	}

	// Mark it as allocated and return
	mapToUse[randomPort] = inUse
	return PortBinding{
		EmulatorPort: desiredBind.EmulatorPort,
		HostPort:     randomPort,
		Protocol:     desiredBind.Protocol,
	}, nil
}

// freeSinglePort marks the given port as free on the given backend. If the
// port is reserved, it logs an error instead. This function requires that
// `portMapsLock` is held throughout.
func freeSinglePort(backend types.BackendID, bind PortBinding) {
	mapToUse, err := getHostPortMap(backend, bind.Protocol)
	if err != nil {
		logger.Errorf("Free: failed for bind %v on backend %s: %s", bind, backend, err)
		return
	}

	v, ok := mapToUse[bind.HostPort]
	if !ok {
		logger.Errorf("Free: tried to remove nonexistent binding for %v/%v on backend %s.", bind.HostPort, bind.Protocol, backend)
	} else if v == reserved {
		logger.Errorf("Free: tried to remove reserved binding for %v/%v on backend %s. Sorry, but I can't let you do that.", bind.HostPort, bind.Protocol, backend)
	} else {
		delete(mapToUse, bind.HostPort)
	}
}

// Free marks all provided, non-reserved host ports as free on the given
// backend.
func Free(backend types.BackendID, binds []PortBinding) {
	if len(binds) == 0 {
		return
	}

	portMapsLock.Lock()
	defer portMapsLock.Unlock()

	for _, bind := range binds {
		freeSinglePort(backend, bind)
	}
}

// Allocate allocates the desired port bindings on the given backend
// atomically. In other words, it will either successfully allocate all of
// them, or none of them. It interprets a zero value for
// `desiredBind.HostPort` as a request to allocate any host port, and a
// nonzero value as a request to allocate that specific host port.
func Allocate(backend types.BackendID, desiredBinds []PortBinding) ([]PortBinding, error) {
	portMapsLock.Lock()
	defer portMapsLock.Unlock()

	var result = make([]PortBinding, 0, len(desiredBinds))
	var reterr error = nil

	for _, v := range desiredBinds {
		var b PortBinding
		b, reterr = allocateSinglePort(backend, v)
		if reterr != nil {
			break
		} else {
			result = append(result, b)
		}
	}

	// If one allocation failed, we don't want to leak any ports.
	if reterr != nil {
		for _, v := range result {
			freeSinglePort(backend, v)
		}
		return nil, reterr
	}

	return result, nil
}

// Helper function to generate random port values in the allowed range
func randomPortInAllowedRange() uint16 {
	return uint16(MinAllowedPort + rand.Intn(MaxAllowedPort-MinAllowedPort))
}

// Helper function to determine whether a given port is in the allowed range, or not
func isInAllowedRange(p uint16) bool {
	return p >= MinAllowedPort && p < MaxAllowedPort
}

// Helper function to check that a protocol is valid (i.e. either "tcp" or
// "udp"), and return the correct port map for the given backend, creating it
// on first use. Requires that `portMapsLock` is held.
func getHostPortMap(backend types.BackendID, protocol TransportProtocol) (hostPortMap, error) {
	var maps map[types.BackendID]hostPortMap
	switch protocol {
	case TransportProtocolTCP:
		maps = tcpPortMaps
	case TransportProtocolUDP:
		maps = udpPortMaps
	default:
		return nil, utils.MakeError("getHostPortMap: received incorrect protocol: %v", protocol)
	}

	m, ok := maps[backend]
	if !ok {
		m = make(hostPortMap)
		maps[backend] = m
	}
	return m, nil
}
