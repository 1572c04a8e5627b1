package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logger "github.com/osworld-broker/broker/brokerlogger"
	"github.com/osworld-broker/broker/config"
	"github.com/osworld-broker/broker/httputils"
	"github.com/osworld-broker/broker/utils"
)

const (
	// The amount of time to wait for the HTTP server to gracefully shut down.
	serverShutdownTimeout = 30 * time.Second

	// Requests per second (and burst) allowed through the rate limiter on the
	// mutating endpoints.
	throttleRate  rate.Limit = 100
	throttleBurst int        = 100
)

// handlePingRequest responds to health checks directly, without a round trip
// through the event loop.
func handlePingRequest(w http.ResponseWriter, r *http.Request) {
	if httputils.VerifyRequestType(w, r, http.MethodGet) != nil {
		return
	}

	res := httputils.RequestResult{Result: "pong"}
	res.Send(w)
}

// handleStartEmulatorRequest processes an HTTP request to spin up a new
// emulator. It is handled in broker-service.go
func handleStartEmulatorRequest(w http.ResponseWriter, r *http.Request, queue chan<- httputils.ServerRequest) {
	if httputils.VerifyRequestType(w, r, http.MethodPost) != nil {
		return
	}

	// The quota token normally arrives as a bearer token; GetQuotaToken falls
	// back to the body's `token` field for clients that can't set headers.
	token, err := httputils.GetQuotaToken(r)
	if err != nil {
		logger.Errorf("Received a start_emulator request with no quota token: %s", err)
		http.Error(w, "No quota token provided", http.StatusUnauthorized)
		return
	}

	reqdata := httputils.StartEmulatorRequest{Token: token}
	if err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Errorf("Error while parsing start_emulator request: %s", err)
		return
	}
	// A token in the Authorization header wins over one in the body.
	reqdata.Token = token

	// Send request to queue, then wait for result
	queue <- &reqdata
	res := <-reqdata.ResultChan

	res.Send(w)
}

// handleStopEmulatorRequest processes an HTTP request to stop an emulator.
// It is handled in broker-service.go
func handleStopEmulatorRequest(w http.ResponseWriter, r *http.Request, queue chan<- httputils.ServerRequest) {
	if httputils.VerifyRequestType(w, r, http.MethodPost) != nil {
		return
	}

	var reqdata httputils.StopEmulatorRequest
	if err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Errorf("Error while parsing stop_emulator request: %s", err)
		return
	}

	queue <- &reqdata
	res := <-reqdata.ResultChan

	res.Send(w)
}

// handleSetTokenLimitRequest processes an HTTP request to change a token's
// per-backend limit. It is handled in broker-service.go
func handleSetTokenLimitRequest(w http.ResponseWriter, r *http.Request, queue chan<- httputils.ServerRequest) {
	if httputils.VerifyRequestType(w, r, http.MethodPost) != nil {
		return
	}

	var reqdata httputils.SetTokenLimitRequest
	if err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Errorf("Error while parsing set_token_limit request: %s", err)
		return
	}

	queue <- &reqdata
	res := <-reqdata.ResultChan

	res.Send(w)
}

// handleTokensRequest processes an HTTP request to list quota usage for every
// known token. The response is a bare JSON map so clients can index by token.
func handleTokensRequest(w http.ResponseWriter, r *http.Request, queue chan<- httputils.ServerRequest) {
	if httputils.VerifyRequestType(w, r, http.MethodGet) != nil {
		return
	}

	var reqdata httputils.TokensRequest
	if err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Errorf("Error while parsing tokens request: %s", err)
		return
	}

	queue <- &reqdata
	res := <-reqdata.ResultChan

	res.SendBare(w)
}

// handleStatusRequest processes an HTTP request for broker health and load
// information. It is handled in broker-service.go
func handleStatusRequest(w http.ResponseWriter, r *http.Request, queue chan<- httputils.ServerRequest) {
	if httputils.VerifyRequestType(w, r, http.MethodGet) != nil {
		return
	}

	var reqdata httputils.StatusRequest
	if err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Errorf("Error while parsing status request: %s", err)
		return
	}

	queue <- &reqdata
	res := <-reqdata.ResultChan

	res.Send(w)
}

// handleCleanupRequest processes an HTTP request to run a janitor sweep out
// of schedule. It is handled in broker-service.go
func handleCleanupRequest(w http.ResponseWriter, r *http.Request, queue chan<- httputils.ServerRequest) {
	if httputils.VerifyRequestType(w, r, http.MethodPost) != nil {
		return
	}

	var reqdata httputils.CleanupRequest
	if err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Errorf("Error while parsing cleanup request: %s", err)
		return
	}

	queue <- &reqdata
	res := <-reqdata.ResultChan

	res.Send(w)
}

// throttleMiddleware will limit requests on the endpoint it wraps.
func throttleMiddleware(limiter *rate.Limiter, f http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		f(w, r)
	})
}

// StartHTTPServer returns a channel of events from the webserver as its first
// return value.
func StartHTTPServer(globalCtx context.Context, globalCancel context.CancelFunc, goroutineTracker *sync.WaitGroup) (<-chan httputils.ServerRequest, error) {
	logger.Info("Setting up HTTP server.")

	// Buffer a few events in case we fall behind briefly.
	events := make(chan httputils.ServerRequest, 100)

	createHandler := func(f func(http.ResponseWriter, *http.Request, chan<- httputils.ServerRequest)) func(http.ResponseWriter, *http.Request) {
		return func(w http.ResponseWriter, r *http.Request) {
			f(w, r, events)
		}
	}

	limiter := rate.NewLimiter(throttleRate, throttleBurst)

	// Create a custom HTTP Request Multiplexer
	mux := http.NewServeMux()
	mux.Handle("/", http.NotFoundHandler())
	mux.HandleFunc("/ping", httputils.EnableCORS(handlePingRequest))
	mux.HandleFunc("/start_emulator", httputils.EnableCORS(throttleMiddleware(limiter, createHandler(handleStartEmulatorRequest))))
	mux.HandleFunc("/stop_emulator", httputils.EnableCORS(throttleMiddleware(limiter, createHandler(handleStopEmulatorRequest))))
	mux.HandleFunc("/set_token_limit", httputils.EnableCORS(throttleMiddleware(limiter, createHandler(handleSetTokenLimitRequest))))
	mux.HandleFunc("/tokens", httputils.EnableCORS(createHandler(handleTokensRequest)))
	mux.HandleFunc("/status", httputils.EnableCORS(createHandler(handleStatusRequest)))
	mux.HandleFunc("/cleanup", httputils.EnableCORS(throttleMiddleware(limiter, createHandler(handleCleanupRequest))))

	// Create the server itself
	server := &http.Server{
		Addr:         utils.Sprintf("0.0.0.0:%v", config.GetListenPort()),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	// Start goroutine that shuts the server down once the global context gets
	// cancelled.
	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()

		<-globalCtx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Shutting down HTTP server produced error: %s", err)
		} else {
			logger.Infof("Gracefully shut down HTTP server.")
		}
	}()

	// Start goroutine that actually listens for requests.
	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// The server died for a reason other than being shut down.
			logger.Panicf(globalCancel, "Error in HTTP server: %s", err)
		}
	}()

	return events, nil
}
