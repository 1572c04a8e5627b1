package janitor

import (
	"context"
	"sync"
	"testing"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/osworld-broker/broker/emulator"
	"github.com/osworld-broker/broker/types"
	"github.com/osworld-broker/broker/utils"
)

// fakeRuntime is an in-memory Runtime for sweep tests.
type fakeRuntime struct {
	id         types.BackendID
	containers []dockertypes.Container
	listErr    error
	removeErr  error
	removed    []types.DockerID
}

func (f *fakeRuntime) ID() types.BackendID {
	return f.id
}

func (f *fakeRuntime) ListManaged(ctx context.Context, image string) ([]dockertypes.Container, error) {
	return f.containers, f.listErr
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, id types.DockerID) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, id)
	return nil
}

func containerAged(id string, age time.Duration) dockertypes.Container {
	return dockertypes.Container{
		ID:      id,
		Created: time.Now().Add(-age).Unix(),
	}
}

func TestSweepRemovesOnlyAgedContainers(t *testing.T) {
	runtime := &fakeRuntime{
		id: "tcp://a:2375",
		containers: []dockertypes.Container{
			containerAged("old-1", time.Hour),
			containerAged("old-2", 45*time.Minute),
			containerAged("young", 5*time.Minute),
		},
	}

	report := Sweep(context.Background(), []Runtime{runtime}, "happysixd/osworld-docker", 30*time.Minute, false)

	want := Report{Removed: 2, Skipped: 1, RemovedIDs: []string{"old-1", "old-2"}}
	if diff := cmp.Diff(want, report, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("sweep report mismatch (-want +got):\n%s", diff)
	}

	if len(runtime.removed) != 2 {
		t.Errorf("expected 2 containers removed from the runtime, got %v", runtime.removed)
	}
}

func TestSweepDryRunTouchesNothing(t *testing.T) {
	runtime := &fakeRuntime{
		id: "tcp://a:2375",
		containers: []dockertypes.Container{
			containerAged("old-1", time.Hour),
		},
	}

	report := Sweep(context.Background(), []Runtime{runtime}, "happysixd/osworld-docker", 30*time.Minute, true)

	if !report.DryRun {
		t.Errorf("expected the report to be marked as a dry run")
	}
	if report.Removed != 1 {
		t.Errorf("expected the dry run to report 1 removable container, got %v", report.Removed)
	}
	if len(runtime.removed) != 0 {
		t.Errorf("expected the dry run to remove nothing, got %v", runtime.removed)
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	failing := &fakeRuntime{
		id:        "tcp://a:2375",
		removeErr: utils.MakeError("engine error"),
		containers: []dockertypes.Container{
			containerAged("stuck", time.Hour),
		},
	}
	healthy := &fakeRuntime{
		id: "tcp://b:2375",
		containers: []dockertypes.Container{
			containerAged("old", time.Hour),
		},
	}

	report := Sweep(context.Background(), []Runtime{failing, healthy}, "happysixd/osworld-docker", 30*time.Minute, false)

	if report.Failed != 1 {
		t.Errorf("expected 1 failure, got %v", report.Failed)
	}
	if report.Removed != 1 {
		t.Errorf("expected the sweep to continue past the failure and remove 1, got %v", report.Removed)
	}
}

func TestSweepContinuesPastListFailure(t *testing.T) {
	unreachable := &fakeRuntime{
		id:      "tcp://a:2375",
		listErr: utils.MakeError("connection refused"),
	}
	healthy := &fakeRuntime{
		id: "tcp://b:2375",
		containers: []dockertypes.Container{
			containerAged("old", time.Hour),
		},
	}

	report := Sweep(context.Background(), []Runtime{unreachable, healthy}, "happysixd/osworld-docker", 30*time.Minute, false)

	if report.Failed != 1 || report.Removed != 1 {
		t.Errorf("expected the sweep to skip the unreachable backend and clean the healthy one, got %+v", report)
	}
}

// signalRuntime reports removals over a channel so scheduler tests can wait
// for a sweep without racing the scheduler goroutine.
type signalRuntime struct {
	fakeRuntime
	removals chan types.DockerID
}

func (s *signalRuntime) RemoveContainer(ctx context.Context, id types.DockerID) error {
	s.removals <- id
	return nil
}

func TestStartSchedulerSweepsUntilCancelled(t *testing.T) {
	runtime := &signalRuntime{
		fakeRuntime: fakeRuntime{
			id: "tcp://a:2375",
			containers: []dockertypes.Container{
				containerAged("old-1", time.Hour),
			},
		},
		removals: make(chan types.DockerID, 16),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := StartScheduler(ctx, []Runtime{runtime}, "happysixd/osworld-docker", 100*time.Millisecond, 30*time.Minute); err != nil {
		t.Fatalf("StartScheduler returned an error: %v", err)
	}

	select {
	case id := <-runtime.removals:
		if id != "old-1" {
			t.Errorf("expected the scheduled sweep to remove the aged container, got %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected a scheduled sweep to run within the test deadline")
	}
}

func TestSweepReconcilesTracker(t *testing.T) {
	goroutineTracker := sync.WaitGroup{}

	released := make(chan bool, 1)
	e := emulator.New(context.Background(), &goroutineTracker, "swept-emulator", "dart", "tcp://a:2375", func() {
		released <- true
	})
	if err := e.RegisterCreation("swept-docker-id"); err != nil {
		t.Fatalf("failed to register creation: %v", err)
	}

	runtime := &fakeRuntime{
		id: "tcp://a:2375",
		containers: []dockertypes.Container{
			containerAged("swept-docker-id", time.Hour),
		},
	}

	Sweep(context.Background(), []Runtime{runtime}, "happysixd/osworld-docker", 30*time.Minute, false)
	goroutineTracker.Wait()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Errorf("expected the sweep to close the tracked emulator and release its slot")
	}

	if _, err := emulator.LookUpByEmulatorID("swept-emulator"); err == nil {
		t.Errorf("expected the swept emulator to be untracked")
	}
}
