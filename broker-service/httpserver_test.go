package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"golang.org/x/time/rate"

	"github.com/osworld-broker/broker/httputils"
	"github.com/osworld-broker/broker/quota"
	"github.com/osworld-broker/broker/types"
)

// successEnvelope mirrors the broker's standard success response shape.
type successEnvelope struct {
	Code int             `json:"code"`
	Data json.RawMessage `json:"data"`
}

// errorEnvelope mirrors the broker's standard error response shape.
type errorEnvelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// TestStartEmulatorHandler checks that request data is successfully passed
// into the processing queue and the result makes it back in the standard
// envelope.
func TestStartEmulatorHandler(t *testing.T) {
	expected := httputils.StartEmulatorRequestResult{
		EmulatorID: "test-emulator-id",
		ServerIP:   "10.0.0.4",
		ServerPort: 2001,
		VNCPort:    2002,
	}

	q := make(chan httputils.ServerRequest, 5)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleStartEmulatorRequest(w, r, q)
	}))
	defer ts.Close()

	go func() {
		serverEvent := <-q
		req, ok := serverEvent.(*httputils.StartEmulatorRequest)
		if !ok {
			t.Errorf("got event of type %T in queue, expected *StartEmulatorRequest", serverEvent)
			return
		}
		if req.Token != "dart" {
			t.Errorf("got token %s in queue, expected the bearer token", req.Token)
		}
		serverEvent.ReturnResult(expected, nil)
	}()

	req, err := http.NewRequest(http.MethodPost, ts.URL, strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer dart")

	res, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		t.Fatal(err)
	}

	if res.StatusCode != http.StatusOK {
		t.Fatalf("got status %v, expected %v. Body: %s", res.StatusCode, http.StatusOK, body)
	}

	var envelope successEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Code != 0 {
		t.Errorf("got code %v in success envelope, expected 0", envelope.Code)
	}

	var result httputils.StartEmulatorRequestResult
	if err := json.Unmarshal(envelope.Data, &result); err != nil {
		t.Fatal(err)
	}
	if ok := reflect.DeepEqual(result, expected); !ok {
		t.Errorf("got %v, expected %v", result, expected)
	}
}

// TestStartEmulatorHandlerQuotaDenied checks that a quota denial surfaces as
// a 429 whose message names the quota, so callers can distinguish it from a
// provisioning failure.
func TestStartEmulatorHandlerQuotaDenied(t *testing.T) {
	q := make(chan httputils.ServerRequest, 5)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleStartEmulatorRequest(w, r, q)
	}))
	defer ts.Close()

	go func() {
		serverEvent := <-q
		serverEvent.ReturnResult(nil, &quota.LimitExceededError{Token: "dart", Backend: "tcp://10.0.0.4:2375"})
	}()

	req, err := http.NewRequest(http.MethodPost, ts.URL, strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer dart")

	res, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		t.Fatal(err)
	}

	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("got status %v for a quota denial, expected %v", res.StatusCode, http.StatusTooManyRequests)
	}

	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Code != http.StatusTooManyRequests {
		t.Errorf("got code %v in error envelope, expected %v", envelope.Code, http.StatusTooManyRequests)
	}
	if !strings.Contains(envelope.Msg, "quota exceeded") {
		t.Errorf("error message %q doesn't mention the quota", envelope.Msg)
	}
}

// TestStartEmulatorHandlerNoToken checks that a request carrying no quota
// token at all is rejected before reaching the queue.
func TestStartEmulatorHandlerNoToken(t *testing.T) {
	q := make(chan httputils.ServerRequest, 5)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleStartEmulatorRequest(w, r, q)
	}))
	defer ts.Close()

	res, err := ts.Client().Post(ts.URL, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()

	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("got status %v for a tokenless request, expected %v", res.StatusCode, http.StatusUnauthorized)
	}

	select {
	case ev := <-q:
		t.Errorf("a tokenless request reached the queue: %v", ev)
	default:
	}
}

// TestStartEmulatorHandlerTokenFromBody checks the fallback for clients that
// can't set an Authorization header.
func TestStartEmulatorHandlerTokenFromBody(t *testing.T) {
	q := make(chan httputils.ServerRequest, 5)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleStartEmulatorRequest(w, r, q)
	}))
	defer ts.Close()

	go func() {
		serverEvent := <-q
		req := serverEvent.(*httputils.StartEmulatorRequest)
		if req.Token != "body-token" {
			t.Errorf("got token %s in queue, expected the body token", req.Token)
		}
		serverEvent.ReturnResult(httputils.StartEmulatorRequestResult{EmulatorID: "x"}, nil)
	}()

	res, err := ts.Client().Post(ts.URL, "application/json", bytes.NewBufferString(`{"token": "body-token"}`))
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("got status %v, expected %v", res.StatusCode, http.StatusOK)
	}
}

// TestStopEmulatorHandler checks the request/response round trip of the stop
// endpoint.
func TestStopEmulatorHandler(t *testing.T) {
	q := make(chan httputils.ServerRequest, 5)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleStopEmulatorRequest(w, r, q)
	}))
	defer ts.Close()

	go func() {
		serverEvent := <-q
		req, ok := serverEvent.(*httputils.StopEmulatorRequest)
		if !ok {
			t.Errorf("got event of type %T in queue, expected *StopEmulatorRequest", serverEvent)
			return
		}
		if req.EmulatorID != "some-emulator" {
			t.Errorf("got emulator ID %s in queue, expected some-emulator", req.EmulatorID)
		}
		serverEvent.ReturnResult("stopped", nil)
	}()

	res, err := ts.Client().Post(ts.URL, "application/json", strings.NewReader(`{"emulator_id": "some-emulator"}`))
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("got status %v, expected %v", res.StatusCode, http.StatusOK)
	}
}

// TestTokensHandlerBareMap checks that the token listing comes back as a bare
// JSON map (no envelope) that clients can index by token.
func TestTokensHandlerBareMap(t *testing.T) {
	q := make(chan httputils.ServerRequest, 5)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTokensRequest(w, r, q)
	}))
	defer ts.Close()

	go func() {
		serverEvent := <-q
		serverEvent.ReturnResult(map[types.QuotaToken]httputils.TokenUsage{
			"dart": {Current: 3, Limit: 10},
		}, nil)
	}()

	res, err := ts.Client().Get(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		t.Fatal(err)
	}

	var usage map[types.QuotaToken]httputils.TokenUsage
	if err := json.Unmarshal(body, &usage); err != nil {
		t.Fatalf("tokens response is not a bare map: %s. Body: %s", err, body)
	}
	if got := usage["dart"]; got.Current != 3 || got.Limit != 10 {
		t.Errorf("got usage %+v for token dart, expected current 3 limit 10", got)
	}
}

// TestCleanupHandler checks the cleanup endpoint's parameter and report round
// trip, including the dry-run flag.
func TestCleanupHandler(t *testing.T) {
	q := make(chan httputils.ServerRequest, 5)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCleanupRequest(w, r, q)
	}))
	defer ts.Close()

	go func() {
		serverEvent := <-q
		req, ok := serverEvent.(*httputils.CleanupRequest)
		if !ok {
			t.Errorf("got event of type %T in queue, expected *CleanupRequest", serverEvent)
			return
		}
		if req.MinAgeMinutes != 5 || !req.DryRun {
			t.Errorf("got min age %v dry-run %v in queue, expected 5 and true", req.MinAgeMinutes, req.DryRun)
		}
		serverEvent.ReturnResult(httputils.CleanupRequestResult{Skipped: 2, DryRun: true}, nil)
	}()

	res, err := ts.Client().Post(ts.URL, "application/json", strings.NewReader(`{"min_age_minutes": 5, "dry_run": true}`))
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		t.Fatal(err)
	}

	var envelope successEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatal(err)
	}

	var report httputils.CleanupRequestResult
	if err := json.Unmarshal(envelope.Data, &report); err != nil {
		t.Fatal(err)
	}
	if report.Skipped != 2 || !report.DryRun {
		t.Errorf("got report %+v, expected skipped 2 and dry-run true", report)
	}
}

// TestPingHandler checks the health endpoint answers directly.
func TestPingHandler(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(handlePingRequest))
	defer ts.Close()

	res, err := ts.Client().Get(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		t.Fatal(err)
	}

	if res.StatusCode != http.StatusOK {
		t.Fatalf("got status %v, expected %v", res.StatusCode, http.StatusOK)
	}
	if !strings.Contains(string(body), "pong") {
		t.Errorf("ping response %s doesn't contain pong", body)
	}

	// The wrong method should be rejected.
	res, err = ts.Client().Post(ts.URL, "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("got status %v for a POST to ping, expected %v", res.StatusCode, http.StatusBadRequest)
	}
}

// TestThrottleMiddleware checks that requests over the limit get a 429
// without reaching the wrapped handler.
func TestThrottleMiddleware(t *testing.T) {
	var handled int32
	limiter := rate.NewLimiter(rate.Limit(0), 1)
	handler := throttleMiddleware(limiter, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&handled, 1)
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(handler)
	defer ts.Close()

	first, err := ts.Client().Get(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("got status %v for the first request, expected %v", first.StatusCode, http.StatusOK)
	}

	// The limiter's burst is spent and its rate is zero, so this one must be
	// throttled.
	second, err := ts.Client().Get(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("got status %v for the second request, expected %v", second.StatusCode, http.StatusTooManyRequests)
	}
	if n := atomic.LoadInt32(&handled); n != 1 {
		t.Errorf("wrapped handler ran %v times, expected exactly once", n)
	}
}
