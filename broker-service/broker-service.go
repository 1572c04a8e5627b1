// The broker service fronts a pool of Docker engines and hands out ephemeral
// emulator containers to callers, charging each one against a per-token
// quota. It admits a request by claiming a ledger slot atomically before any
// container work starts, so the quota can never be overcommitted no matter
// how many requests race.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	logger "github.com/osworld-broker/broker/brokerlogger"
	"github.com/osworld-broker/broker/config"
	"github.com/osworld-broker/broker/dbdriver"
	"github.com/osworld-broker/broker/emulator"
	"github.com/osworld-broker/broker/emulator/portbindings"
	"github.com/osworld-broker/broker/httputils"
	"github.com/osworld-broker/broker/janitor"
	"github.com/osworld-broker/broker/quota"
	"github.com/osworld-broker/broker/registry"
	"github.com/osworld-broker/broker/selector"
	"github.com/osworld-broker/broker/types"
	"github.com/osworld-broker/broker/utils"
)

func main() {
	// We create a global context (i.e. for the entire broker service) that
	// can be cancelled if the entire program needs to terminate. We also
	// create a WaitGroup for all goroutines to tell us when they've stopped
	// (if the context gets cancelled). Finally, we defer a function which
	// cancels the global context if necessary, logs any panic we might be
	// recovering from, and cleans up after the entire broker service. The
	// creation of this context and WaitGroup, and the following defer, must
	// be the first statements in main().
	globalCtx, globalCancel := context.WithCancel(context.Background())
	goroutineTracker := sync.WaitGroup{}
	defer func() {
		// This function cleanly shuts down the broker service. Besides the
		// machine itself being forcefully shut down, this deferred function
		// should be the _only_ way the broker exits: as a result of a panic()
		// in main, the global context being cancelled, or an interrupt.

		r := recover()
		if r != nil {
			logger.Infof("Shutting down broker service after caught panic in main(): %v", r)
		} else {
			logger.Infof("Beginning broker service shutdown procedure...")
		}

		// Close every tracked emulator so their cleanup goroutines release
		// ports and quota slots, then cancel the global context, if it hasn't
		// already been cancelled.
		emulator.CloseAll()
		globalCancel()

		// Wait for all goroutines to stop, so we can run the rest of the
		// cleanup process.
		utils.WaitWithDebugPrints(&goroutineTracker, 2*time.Minute, 2)

		// Stop processing new events
		close(eventLoopKeepalive)

		// Remove our row from the database and close out the database driver.
		dbdriver.Close()

		// Drain to our remote logging providers.
		logger.FlushLogzio()
		logger.FlushSentry()

		logger.Info("Finished broker service shutdown procedure. Finally exiting...")
		logger.Sync()

		os.Exit(0)
	}()

	if err := config.Initialize(); err != nil {
		logger.Panic(globalCancel, err)
	}
	logger.Infow("Loaded broker configuration", []interface{}{
		"backends", config.GetBackendAddrs(),
		"image", config.GetManagedImage(),
		"port", config.GetListenPort(),
		"default_limit", config.GetDefaultTokenLimit(),
		"janitor_enabled", config.GetJanitorEnabled(),
	})

	// Dial every configured backend engine up front so a typo'd address fails
	// fast instead of at first placement.
	reg, err := registry.New(config.GetBackendAddrs())
	if err != nil {
		logger.Panic(globalCancel, err)
	}
	logger.Infof("Managing %v backend server(s): %v", len(reg.BackendIDs()), reg.BackendIDs())

	ledger := quota.NewLedger(config.GetDefaultTokenLimit())
	sel := selector.New(ledger)

	// Keep the broker's own listen port out of the allocatable range on every
	// backend, in case a backend engine shares a host with the broker.
	for _, id := range reg.BackendIDs() {
		portbindings.Reserve(id, uint16(config.GetListenPort()), portbindings.TransportProtocolTCP)
	}

	// Initialize the database driver, if necessary (the `dbdriver` package
	// takes care of the "if necessary" part).
	if err := dbdriver.Initialize(globalCtx); err != nil {
		logger.Panic(globalCancel, err)
	}

	// Now we start all the goroutines that actually do work.

	// Start the HTTP server and listen for events
	httpServerEvents, err := StartHTTPServer(globalCtx, globalCancel, &goroutineTracker)
	if err != nil {
		logger.Panic(globalCancel, err)
	}

	// Start the scheduled janitor, which removes emulator containers that
	// have outlived their useful age.
	if config.GetJanitorEnabled() {
		if err := janitor.StartScheduler(globalCtx, janitorRuntimes(reg), config.GetManagedImage(), config.GetJanitorInterval(), config.GetJanitorMinAge()); err != nil {
			logger.Panic(globalCancel, err)
		}
	}

	// Start main event loop. Note that we don't track this goroutine, but
	// instead control its lifetime with `eventLoopKeepalive`. This is because
	// it needs to stay alive after the global context is cancelled, so that
	// in-flight requests can still get their error responses.
	go eventLoopGoroutine(globalCtx, globalCancel, &goroutineTracker, reg, ledger, sel, httpServerEvents)

	// Register a signal handler for Ctrl-C so that we cleanup if Ctrl-C is pressed.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Wait for either the global context to get cancelled by a worker
	// goroutine, or for us to receive an interrupt. This needs to be the end
	// of main().
	select {
	case <-sigChan:
		logger.Infof("Got an interrupt or SIGTERM")
	case <-globalCtx.Done():
		logger.Infof("Global context cancelled!")
	}
}

// As long as this channel is blocking, we continue processing events.
var eventLoopKeepalive = make(chan interface{}, 1)

func eventLoopGoroutine(globalCtx context.Context, globalCancel context.CancelFunc,
	goroutineTracker *sync.WaitGroup, reg *registry.Registry, ledger *quota.Ledger,
	sel *selector.Selector, httpServerEvents <-chan httputils.ServerRequest) {
	logger.Info("Entering event loop...")

	// The actual event loop
	for {
		select {
		case <-eventLoopKeepalive:
			logger.Infof("Leaving main event loop...")
			return

		// It may seem silly to just launch goroutines to handle these
		// serverevents, but we aim to keep the high-level flow control and
		// handling in this package, and the low-level parsing, validation,
		// etc. of requests in `httpserver`.
		case serverevent := <-httpServerEvents:
			switch serverevent := serverevent.(type) {
			case *httputils.StartEmulatorRequest:
				go handleStartEmulator(globalCtx, goroutineTracker, reg, ledger, sel, serverevent)

			case *httputils.StopEmulatorRequest:
				go handleStopEmulator(globalCtx, reg, serverevent)

			case *httputils.SetTokenLimitRequest:
				// Purely a ledger write, no reason for a separate goroutine.
				handleSetTokenLimit(ledger, serverevent)

			case *httputils.TokensRequest:
				handleTokens(reg, ledger, serverevent)

			case *httputils.StatusRequest:
				go handleStatus(serverevent)

			case *httputils.CleanupRequest:
				go handleCleanup(globalCtx, reg, serverevent)

			default:
				if serverevent != nil {
					err := utils.MakeError("unimplemented handling of server event [type: %T]: %v", serverevent, serverevent)
					logger.Error(err)
					serverevent.ReturnResult("", err)
				}
			}
		}
	}
}

func handleStartEmulator(globalCtx context.Context, goroutineTracker *sync.WaitGroup, reg *registry.Registry, ledger *quota.Ledger, sel *selector.Selector, req *httputils.StartEmulatorRequest) {
	e, err := SpinUpEmulator(globalCtx, goroutineTracker, reg, ledger, sel, req.Token)
	if err != nil {
		logger.Errorf("Failed to spin up emulator for token %s: %s", req.Token, err)
		req.ReturnResult(nil, err)
		return
	}

	backend, lookupErr := reg.Lookup(e.GetBackend())
	serverPort, portErr := e.GetHostPort(emulatorControlPort, portbindings.TransportProtocolTCP)
	vncPort, vncErr := e.GetHostPort(emulatorVNCPort, portbindings.TransportProtocolTCP)
	if lookupErr != nil || portErr != nil || vncErr != nil {
		// The emulator is running but we can't describe it to the caller.
		// Tear it back down rather than leak a slot the caller can't use.
		e.Close()
		req.ReturnResult(nil, utils.MakeError("emulator %s started but its address could not be resolved", e.GetID()))
		return
	}

	req.ReturnResult(httputils.StartEmulatorRequestResult{
		EmulatorID: e.GetID(),
		ServerIP:   backend.Host(),
		ServerPort: serverPort,
		VNCPort:    vncPort,
	}, nil)
}

func handleStopEmulator(globalCtx context.Context, reg *registry.Registry, req *httputils.StopEmulatorRequest) {
	if req.EmulatorID == "" {
		req.ReturnResult(nil, utils.MakeError("no emulator_id provided"))
		return
	}

	err := StopEmulator(globalCtx, reg, req.EmulatorID)
	req.ReturnResult(utils.Sprintf("emulator %s stopped", req.EmulatorID), err)
}

func handleSetTokenLimit(ledger *quota.Ledger, req *httputils.SetTokenLimitRequest) {
	if req.Token == "" {
		req.ReturnResult(nil, utils.MakeError("no token provided"))
		return
	}
	if req.Limit < 0 {
		req.ReturnResult(nil, utils.MakeError("limit must be nonnegative, got %v", req.Limit))
		return
	}

	// Lowering a limit below current usage never evicts running emulators; it
	// only stops new admissions until enough slots free up.
	ledger.SetLimit(req.Token, req.Limit)
	logger.Infof("Set limit for token %s to %v", req.Token, req.Limit)
	req.ReturnResult(utils.Sprintf("limit for token %s set to %v", req.Token, req.Limit), nil)
}

func handleTokens(reg *registry.Registry, ledger *quota.Ledger, req *httputils.TokensRequest) {
	backendIDs := reg.BackendIDs()
	usage := make(map[types.QuotaToken]httputils.TokenUsage)

	for _, token := range ledger.Tokens() {
		aggregate := ledger.Snapshot(token, backendIDs)

		perBackend := make(map[types.BackendID]quota.Usage, len(backendIDs))
		for _, id := range backendIDs {
			perBackend[id] = ledger.SnapshotOn(token, id)
		}

		usage[token] = httputils.TokenUsage{
			Current:  aggregate.Current,
			Limit:    aggregate.Limit,
			Backends: perBackend,
		}
	}

	req.ReturnResult(usage, nil)
}

func handleStatus(req *httputils.StatusRequest) {
	counts := emulator.CountByBackend()
	total := 0
	for _, n := range counts {
		total += n
	}

	var cpuPercent float64
	if percentages, err := cpu.Percent(0, false); err != nil {
		logger.Warningf("Couldn't read CPU usage: %s", err)
	} else if len(percentages) > 0 {
		cpuPercent = percentages[0]
	}

	var memPercent float64
	if vmem, err := mem.VirtualMemory(); err != nil {
		logger.Warningf("Couldn't read memory usage: %s", err)
	} else {
		memPercent = vmem.UsedPercent
	}

	req.ReturnResult(httputils.StatusRequestResult{
		EmulatorCount: total,
		CPUPercent:    cpuPercent,
		MemPercent:    memPercent,
		Backends:      counts,
	}, nil)
}

func handleCleanup(globalCtx context.Context, reg *registry.Registry, req *httputils.CleanupRequest) {
	minAge := config.GetJanitorMinAge()
	if req.MinAgeMinutes > 0 {
		minAge = time.Duration(req.MinAgeMinutes) * time.Minute
	}

	report := janitor.Sweep(globalCtx, janitorRuntimes(reg), config.GetManagedImage(), minAge, req.DryRun)

	req.ReturnResult(httputils.CleanupRequestResult{
		Removed:    report.Removed,
		Skipped:    report.Skipped,
		Failed:     report.Failed,
		RemovedIDs: report.RemovedIDs,
		DryRun:     report.DryRun,
	}, nil)
}

// janitorRuntimes adapts the registry's backends to the janitor's Runtime
// interface.
func janitorRuntimes(reg *registry.Registry) []janitor.Runtime {
	backends := reg.Backends()
	runtimes := make([]janitor.Runtime, 0, len(backends))
	for _, b := range backends {
		runtimes = append(runtimes, b)
	}
	return runtimes
}
