package janitor // import "github.com/osworld-broker/broker/janitor"

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"

	logger "github.com/osworld-broker/broker/brokerlogger"
	"github.com/osworld-broker/broker/utils"
)

// StartScheduler runs a sweep on every tick of `interval` until the global
// context dies.
func StartScheduler(globalCtx context.Context, runtimes []Runtime, image string, interval time.Duration, minAge time.Duration) error {
	scheduler := gocron.NewScheduler(time.UTC)

	_, err := scheduler.Every(interval).Do(func() {
		logger.Infof("Starting scheduled janitor sweep.")
		report := Sweep(globalCtx, runtimes, image, minAge, false)
		logger.Infof("Janitor sweep finished: removed %v, skipped %v, failed %v", report.Removed, report.Skipped, report.Failed)
	})
	if err != nil {
		return utils.MakeError("couldn't schedule the janitor sweep: %s", err)
	}

	scheduler.StartAsync()

	go func() {
		<-globalCtx.Done()
		scheduler.Stop()
	}()

	logger.Infof("Started janitor scheduler with interval %s and min age %s", interval, minAge)
	return nil
}
