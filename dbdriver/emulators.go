package dbdriver // import "github.com/osworld-broker/broker/dbdriver"

import (
	"context"
	"time"

	"github.com/jackc/pgtype"

	"github.com/osworld-broker/broker/types"
	"github.com/osworld-broker/broker/utils"
)

// This file is concerned with database interactions at the emulator level.
// Note that we don't explicitly use transactions here, since this broker is
// the only agent writing the rows for its own emulators.

// An EmulatorStatus represents a possible status that an emulator can have
// in the database.
type EmulatorStatus string

// These represent the currently-defined statuses for emulators.
const (
	EmulatorStatusAllocated EmulatorStatus = "ALLOCATED"
	EmulatorStatusRunning   EmulatorStatus = "RUNNING"
	EmulatorStatusDying     EmulatorStatus = "DYING"
)

// WriteEmulatorStatus upserts an emulator's row with the given status.
func WriteEmulatorStatus(id types.EmulatorID, backend types.BackendID, token types.QuotaToken, status EmulatorStatus) error {
	if !enabled {
		return nil
	}
	if dbpool == nil {
		return utils.MakeError("WriteEmulatorStatus() called but dbdriver is not initialized!")
	}

	const query = `
INSERT INTO broker.emulators (id, broker_id, backend, token, status, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET status = $5, updated_at = $6`

	updatedAt := pgtype.Timestamptz{
		Time:   time.Now(),
		Status: pgtype.Present,
	}

	_, err := dbpool.Exec(context.Background(), query, string(id), brokerID, string(backend), string(token), string(status), updatedAt)
	if err != nil {
		return utils.MakeError("couldn't write status %s for emulator %s: %s", status, id, err)
	}
	return nil
}

// RemoveEmulator deletes an emulator's row.
func RemoveEmulator(id types.EmulatorID) error {
	if !enabled {
		return nil
	}
	if dbpool == nil {
		return utils.MakeError("RemoveEmulator() called but dbdriver is not initialized!")
	}

	const query = `DELETE FROM broker.emulators WHERE id = $1`

	_, err := dbpool.Exec(context.Background(), query, string(id))
	if err != nil {
		return utils.MakeError("couldn't remove emulator %s: %s", id, err)
	}
	return nil
}
