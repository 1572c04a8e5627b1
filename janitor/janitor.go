// Package janitor removes aged-out emulator containers from the backends.
// Emulators are ephemeral by design, so anything running the managed image
// past the configured age is assumed to be leaked (a client that died without
// calling stop, or a container orphaned by a broker restart) and gets swept
// up. Containers running any other image are never touched.
package janitor // import "github.com/osworld-broker/broker/janitor"

import (
	"context"
	"time"

	dockertypes "github.com/docker/docker/api/types"

	logger "github.com/osworld-broker/broker/brokerlogger"
	"github.com/osworld-broker/broker/emulator"
	"github.com/osworld-broker/broker/types"
)

// A Runtime is one sweepable backend. *registry.Backend implements it; tests
// substitute fakes.
type Runtime interface {
	ID() types.BackendID
	ListManaged(ctx context.Context, image string) ([]dockertypes.Container, error)
	RemoveContainer(ctx context.Context, id types.DockerID) error
}

// A Report summarizes one sweep.
type Report struct {
	Removed    int      `json:"removed"`
	Skipped    int      `json:"skipped"`
	Failed     int      `json:"failed"`
	RemovedIDs []string `json:"removed_ids,omitempty"`
	DryRun     bool     `json:"dry_run"`
}

// Sweep examines every container running the managed image on every runtime
// and removes the ones at least `minAge` old. With `dryRun` set it only
// reports what it would remove. A failure on one container is logged and
// counted, never aborting the rest of the sweep.
func Sweep(ctx context.Context, runtimes []Runtime, image string, minAge time.Duration, dryRun bool) Report {
	report := Report{DryRun: dryRun}
	now := time.Now()

	for _, runtime := range runtimes {
		containers, err := runtime.ListManaged(ctx, image)
		if err != nil {
			logger.Errorf("Janitor couldn't list containers on backend %s: %s", runtime.ID(), err)
			report.Failed++
			continue
		}

		for _, container := range containers {
			age := now.Sub(time.Unix(container.Created, 0))
			if age < minAge {
				report.Skipped++
				continue
			}

			if dryRun {
				logger.Infof("Janitor (dry run) would remove container %s on backend %s (age %s)", container.ID, runtime.ID(), age)
				report.Removed++
				report.RemovedIDs = append(report.RemovedIDs, container.ID)
				continue
			}

			if err := runtime.RemoveContainer(ctx, types.DockerID(container.ID)); err != nil {
				logger.Errorf("Janitor couldn't remove container %s on backend %s: %s", container.ID, runtime.ID(), err)
				report.Failed++
				continue
			}

			logger.Infof("Janitor removed container %s on backend %s (age %s)", container.ID, runtime.ID(), age)
			report.Removed++
			report.RemovedIDs = append(report.RemovedIDs, container.ID)

			// If the broker is still tracking an emulator for this container,
			// close it so its ledger slot and ports are released too.
			if e, err := emulator.LookUpByDockerID(types.DockerID(container.ID)); err == nil {
				e.Close()
			}
		}
	}

	return report
}
