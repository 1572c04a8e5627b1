package dbdriver // import "github.com/osworld-broker/broker/dbdriver"

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgtype"

	logger "github.com/osworld-broker/broker/brokerlogger"
	"github.com/osworld-broker/broker/utils"
)

// As long as this channel is blocking, we should keep sending "alive"
// heartbeats. As soon as the channel is closed we no longer send any more
// heartbeats.
var heartbeatKeepAlive = make(chan interface{}, 1)

func heartbeatGoroutine() {
	defer logger.Infof("Finished heartbeat goroutine.")
	timerChan := make(chan interface{})

	// Send initial heartbeat right away
	if err := writeHeartbeat(); err != nil {
		logger.Errorf("Error writing initial heartbeat: %s", err)
	}

	// Instead of running exactly every minute, we choose a random time in the
	// range [55, 65] seconds to prevent waves of brokers repeatedly crowding
	// the database.
	for {
		sleepTime := 60000 - rand.Intn(10001)
		timer := time.AfterFunc(time.Duration(sleepTime)*time.Millisecond, func() { timerChan <- struct{}{} })

		select {
		case <-heartbeatKeepAlive:
			// If we hit this case, that means that `heartbeatKeepAlive` was
			// either closed or written to (it should not be written to), but
			// either way, it's time to die.

			utils.StopAndDrainTimer(timer)
			return

		case <-timerChan:
			// There's just no time to die
			if err := writeHeartbeat(); err != nil {
				logger.Errorf("Error writing heartbeat: %s", err)
			}
		}
	}
}

// writeHeartbeat updates this broker's row with the current time. This
// should only be called by the heartbeat goroutine, though technically
// Postgres atomicity should make this safe to call from concurrent
// goroutines.
func writeHeartbeat() error {
	if !enabled {
		return nil
	}
	if dbpool == nil {
		return utils.MakeError("writeHeartbeat() called but dbdriver is not initialized!")
	}

	const query = `UPDATE broker.brokers SET updated_at = $1 WHERE id = $2`

	updatedAt := pgtype.Timestamptz{
		Time:   time.Now(),
		Status: pgtype.Present,
	}

	if _, err := dbpool.Exec(context.Background(), query, updatedAt, brokerID); err != nil {
		return utils.MakeError("couldn't write heartbeat: error updating row in table `broker.brokers`: %s", err)
	}
	return nil
}
