package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/osworld-broker/broker/emulator"
	"github.com/osworld-broker/broker/emulator/portbindings"
	"github.com/osworld-broker/broker/quota"
	"github.com/osworld-broker/broker/registry"
	"github.com/osworld-broker/broker/selector"
	"github.com/osworld-broker/broker/types"
	"github.com/osworld-broker/broker/utils"
)

const testBackendAddr types.BackendID = "tcp://10.0.0.4:2375"

// mockClient is a mock Docker client that implements the CommonAPIClient
// interface. It records the calls the spin-up and teardown paths make so
// tests can assert on them.
//
// We are embedding the CommonAPIClient interface inside this struct. This
// allows the struct to implement the full interface while only defining the
// methods under test. See:
// https://eli.thegreenplace.net/2020/embedding-in-go-part-3-interfaces-in-structs/
type mockClient struct {
	dockerclient.CommonAPIClient

	sync.Mutex

	started bool
	stopped bool
	removed bool

	failCreate bool
	failStart  bool

	createdName       string
	createdConfig     dockercontainer.Config
	createdHostConfig dockercontainer.HostConfig
}

// Ping mocks the SystemAPIClient's Ping method, so the backend always counts
// as reachable.
func (m *mockClient) Ping(ctx context.Context) (dockertypes.Ping, error) {
	return dockertypes.Ping{}, nil
}

// ImageList mocks the ImageAPIClient's ImageList method and reports the
// managed image as present.
func (m *mockClient) ImageList(ctx context.Context, options dockertypes.ImageListOptions) ([]dockertypes.ImageSummary, error) {
	return []dockertypes.ImageSummary{{ID: "test-image-id"}}, nil
}

// ContainerCreate mocks the ContainerAPIClient's ContainerCreate method,
// saves the inputs, and returns a successful creation body.
func (m *mockClient) ContainerCreate(ctx context.Context, config *dockercontainer.Config, hostConfig *dockercontainer.HostConfig, networkingConfig *network.NetworkingConfig, platform *v1.Platform, containerName string) (dockercontainer.ContainerCreateCreatedBody, error) {
	m.Lock()
	defer m.Unlock()

	if m.failCreate {
		return dockercontainer.ContainerCreateCreatedBody{}, utils.MakeError("mock create failure")
	}

	m.createdName = containerName
	m.createdConfig = *config
	m.createdHostConfig = *hostConfig

	return dockercontainer.ContainerCreateCreatedBody{ID: "runtime-id-" + containerName}, nil
}

// ContainerStart mocks the ContainerAPIClient's ContainerStart method.
func (m *mockClient) ContainerStart(ctx context.Context, container string, options dockertypes.ContainerStartOptions) error {
	m.Lock()
	defer m.Unlock()

	if m.failStart {
		return utils.MakeError("mock start failure")
	}

	m.started = true
	return nil
}

// ContainerStop mocks the ContainerAPIClient's ContainerStop method.
func (m *mockClient) ContainerStop(ctx context.Context, id string, timeout *time.Duration) error {
	m.Lock()
	defer m.Unlock()

	m.stopped = true
	return nil
}

// ContainerRemove mocks the ContainerAPIClient's ContainerRemove method.
func (m *mockClient) ContainerRemove(ctx context.Context, id string, options dockertypes.ContainerRemoveOptions) error {
	m.Lock()
	defer m.Unlock()

	m.removed = true
	return nil
}

func newTestRegistry(mock *mockClient) *registry.Registry {
	return registry.NewWithBackends([]*registry.Backend{
		registry.NewBackend(testBackendAddr, mock),
	})
}

func TestSpinUpAndStopEmulator(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	goroutineTracker := sync.WaitGroup{}

	mock := &mockClient{}
	reg := newTestRegistry(mock)
	ledger := quota.NewLedger(2)
	sel := selector.New(ledger)

	e, err := SpinUpEmulator(ctx, &goroutineTracker, reg, ledger, sel, "dart")
	if err != nil {
		cancel()
		t.Fatalf("SpinUpEmulator failed: %s", err)
	}

	// Check that the container would have been started
	if !mock.started {
		t.Errorf("Docker container was never started!")
	}
	if !strings.HasPrefix(mock.createdName, "emulator-") {
		t.Errorf("container name %s doesn't carry the emulator prefix", mock.createdName)
	}

	// The ledger slot was claimed on the backend the emulator landed on.
	if got := ledger.SnapshotOn("dart", testBackendAddr); got.Current != 1 {
		t.Errorf("got %v slots held after spin-up, expected 1", got.Current)
	}

	// Both exposed ports got valid host ports.
	controlPort, errControl := e.GetHostPort(emulatorControlPort, portbindings.TransportProtocolTCP)
	vncPort, errVNC := e.GetHostPort(emulatorVNCPort, portbindings.TransportProtocolTCP)
	if errControl != nil || errVNC != nil {
		t.Errorf("couldn't return host port bindings")
	}
	for _, p := range []uint16{controlPort, vncPort} {
		if p < portbindings.MinAllowedPort || p >= portbindings.MaxAllowedPort {
			t.Errorf("host port assignment %v is outside the allowed range", p)
		}
	}

	// The emulator is discoverable by both of its IDs.
	if _, err := emulator.LookUpByEmulatorID(e.GetID()); err != nil {
		t.Errorf("couldn't look up emulator by its ID: %s", err)
	}
	if _, err := emulator.LookUpByDockerID(e.GetDockerID()); err != nil {
		t.Errorf("couldn't look up emulator by its runtime ID: %s", err)
	}

	if err := StopEmulator(ctx, reg, e.GetID()); err != nil {
		t.Errorf("StopEmulator failed: %s", err)
	}
	if !mock.stopped || !mock.removed {
		t.Errorf("stop didn't tear down the container: stopped=%v removed=%v", mock.stopped, mock.removed)
	}

	// Cleanup runs on the emulator's context, so wait it out before checking
	// that the slot came back.
	cancel()
	goroutineTracker.Wait()

	if got := ledger.SnapshotOn("dart", testBackendAddr); got.Current != 0 {
		t.Errorf("got %v slots held after stop, expected 0", got.Current)
	}
	if _, err := emulator.LookUpByEmulatorID(e.GetID()); err == nil {
		t.Errorf("emulator still tracked after stop")
	}

	// A repeated stop must succeed without releasing anything twice.
	if err := StopEmulator(ctx, reg, e.GetID()); err != nil {
		t.Errorf("second stop of the same emulator returned error: %s", err)
	}
	if got := ledger.SnapshotOn("dart", testBackendAddr); got.Current != 0 {
		t.Errorf("got %v slots held after repeated stop, expected 0", got.Current)
	}
}

func TestSpinUpEmulatorProvisionFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	goroutineTracker := sync.WaitGroup{}

	mock := &mockClient{failStart: true}
	reg := newTestRegistry(mock)
	ledger := quota.NewLedger(2)
	sel := selector.New(ledger)

	if _, err := SpinUpEmulator(ctx, &goroutineTracker, reg, ledger, sel, "dart"); err == nil {
		t.Fatalf("SpinUpEmulator succeeded with a failing container start")
	}

	cancel()
	goroutineTracker.Wait()

	// The failed spin-up must not leak its quota slot.
	if got := ledger.SnapshotOn("dart", testBackendAddr); got.Current != 0 {
		t.Errorf("got %v slots held after failed spin-up, expected 0", got.Current)
	}
}

func TestSpinUpEmulatorQuotaDenied(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	goroutineTracker := sync.WaitGroup{}

	mock := &mockClient{}
	reg := newTestRegistry(mock)
	ledger := quota.NewLedger(0)
	sel := selector.New(ledger)

	_, err := SpinUpEmulator(ctx, &goroutineTracker, reg, ledger, sel, "dart")
	if err == nil {
		t.Fatalf("SpinUpEmulator succeeded with a zero limit")
	}

	var limitErr *quota.LimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("got error %v, expected a LimitExceededError", err)
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("error message %q doesn't mention the quota", err.Error())
	}
	if mock.createdName != "" {
		t.Errorf("a denied request still created container %s", mock.createdName)
	}
}

func TestStopEmulatorUnknownIsNoop(t *testing.T) {
	mock := &mockClient{}
	reg := newTestRegistry(mock)

	if err := StopEmulator(context.Background(), reg, "never-started"); err != nil {
		t.Errorf("stopping an unknown emulator returned error: %s", err)
	}
	if mock.stopped || mock.removed {
		t.Errorf("stopping an unknown emulator touched the backend")
	}
}
