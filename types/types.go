// Package types simply contains some useful types for the `emulator`
// package. We define this package separately so that we can safely pass these
// types around to other packages that `emulator` itself might depend on.
package types // import "github.com/osworld-broker/broker/types"

// We define special types for the following string types for all the benefits
// of type safety, including making sure we never switch Docker and emulator
// IDs, for instance.

type (
	// An EmulatorID is a random string created for each emulator. We need some
	// sort of identifier for each emulator, and we need it before Docker
	// gives us back the runtime Docker ID for the emulator's container.
	EmulatorID string

	// A DockerID is provided by Docker at container creation time.
	DockerID string

	// A QuotaToken is the opaque string callers present (as a bearer token or
	// request field) to identify themselves for quota accounting. It is not a
	// credential; two callers presenting the same token share one ledger entry.
	QuotaToken string

	// A BackendID identifies one execution server by its Docker engine
	// address, e.g. "tcp://10.0.0.4:2375". Backends are registered at startup
	// and never renamed, so the address doubles as a stable identifier.
	BackendID string

	// ImageName is the reference of the container image an emulator runs,
	// e.g. "happysixd/osworld-docker".
	ImageName string
)

// String returns the string representation of an EmulatorID.
func (emulatorID EmulatorID) String() string {
	return string(emulatorID)
}

// String returns the string representation of a BackendID.
func (backendID BackendID) String() string {
	return string(backendID)
}
