// Package dbdriver mirrors the broker's state into a Postgres database so
// operators can see, from one place, which broker is alive and which
// emulators it is tracking. The mirror is strictly observational: the broker
// never reads its own state back out of the database, so running without a
// database (the default in local development) loses nothing but visibility.
package dbdriver // import "github.com/osworld-broker/broker/dbdriver"

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"

	logger "github.com/osworld-broker/broker/brokerlogger"
	"github.com/osworld-broker/broker/config"
	"github.com/osworld-broker/broker/utils"
)

// enabled is false when no database is configured, in which case every
// function in this package silently no-ops.
var enabled bool

// dbpool is the pool of Postgres connections. We leave the pool open for the
// lifetime of the program.
var dbpool *pgxpool.Pool

// brokerID identifies this broker process in the database.
var brokerID string

// Initialize creates the connection pool and registers this broker in the
// database. It also starts the heartbeat goroutine. It must be called before
// any other function in this package, and after config.Initialize.
func Initialize(globalCtx context.Context) error {
	connStr := config.GetDatabaseConnectionString()
	if connStr == "" {
		logger.Infof("Not enabling the database state mirror: no database configured.")
		enabled = false
		return nil
	}

	pgxConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return utils.MakeError("unable to parse database connection string: %s", err)
	}

	pool, err := pgxpool.ConnectConfig(globalCtx, pgxConfig)
	if err != nil {
		return utils.MakeError("unable to connect to the database: %s", err)
	}

	dbpool = pool
	enabled = true

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	brokerID = hostname + "-" + uuid.NewString()

	if err := createSchema(globalCtx); err != nil {
		return err
	}
	if err := registerBroker(globalCtx); err != nil {
		return err
	}

	// Note that this goroutine does not listen to the global context, and is
	// not tracked by the global goroutineTracker. This is because we want the
	// heartbeat goroutine to outlive the global context and all other
	// goroutines, so that the broker keeps looking alive until Close() sends
	// its row to the grave. Close() ends up finishing off this goroutine.
	go heartbeatGoroutine()

	logger.Infof("Enabled the database state mirror as broker %s", brokerID)
	return nil
}

// createSchema creates the tables the mirror writes to, if they don't exist
// yet.
func createSchema(ctx context.Context) error {
	const schema = `
CREATE SCHEMA IF NOT EXISTS broker;
CREATE TABLE IF NOT EXISTS broker.brokers (
	id text PRIMARY KEY,
	updated_at timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS broker.emulators (
	id text PRIMARY KEY,
	broker_id text NOT NULL,
	backend text NOT NULL,
	token text NOT NULL,
	status text NOT NULL,
	updated_at timestamptz NOT NULL
);`

	if _, err := dbpool.Exec(ctx, schema); err != nil {
		return utils.MakeError("couldn't create the database schema: %s", err)
	}
	return nil
}

// registerBroker upserts this broker's row.
func registerBroker(ctx context.Context) error {
	const query = `
INSERT INTO broker.brokers (id, updated_at) VALUES ($1, now())
ON CONFLICT (id) DO UPDATE SET updated_at = now()`

	if _, err := dbpool.Exec(ctx, query, brokerID); err != nil {
		return utils.MakeError("couldn't register broker %s in the database: %s", brokerID, err)
	}
	return nil
}

// unregisterBroker removes this broker's row and any emulator rows it owns.
func unregisterBroker() {
	const query = `DELETE FROM broker.brokers WHERE id = $1`
	const emulatorQuery = `DELETE FROM broker.emulators WHERE broker_id = $1`

	if _, err := dbpool.Exec(context.Background(), emulatorQuery, brokerID); err != nil {
		logger.Errorf("Couldn't remove emulator rows for broker %s: %s", brokerID, err)
	}
	if _, err := dbpool.Exec(context.Background(), query, brokerID); err != nil {
		logger.Errorf("Couldn't unregister broker %s: %s", brokerID, err)
	}
}

// Close stops the heartbeat goroutine, unregisters the broker, and closes
// the connection pool.
func Close() {
	if !enabled {
		return
	}

	logger.Infof("Closing the database state mirror...")
	close(heartbeatKeepAlive)

	unregisterBroker()

	if dbpool != nil {
		dbpool.Close()
	}
	enabled = false
}
