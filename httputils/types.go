package httputils

import (
	"github.com/osworld-broker/broker/quota"
	brokertypes "github.com/osworld-broker/broker/types"
)

// Request types

// StartEmulatorRequest defines the `start_emulator` endpoint. The quota
// token normally arrives as a bearer token and is filled in by the handler;
// the body field exists as a fallback for clients that can't set headers.
type StartEmulatorRequest struct {
	Token      brokertypes.QuotaToken `json:"token,omitempty"` // Quota token the emulator is charged to
	ResultChan chan RequestResult     `json:"-"`               // Channel to pass the request result between goroutines
}

// StartEmulatorRequestResult defines the data returned by the
// `start_emulator` endpoint.
type StartEmulatorRequestResult struct {
	EmulatorID brokertypes.EmulatorID `json:"emulator_id"`
	ServerIP   string                 `json:"server_ip"`
	ServerPort uint16                 `json:"server_port"`
	VNCPort    uint16                 `json:"vnc_port"`
}

// ReturnResult is called to pass the result of a request back to the HTTP
// request handler.
func (s *StartEmulatorRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

// CreateResultChan is called to create the Go channel to pass the request
// result back to the HTTP request handler via ReturnResult.
func (s *StartEmulatorRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}

// StopEmulatorRequest defines the `stop_emulator` endpoint.
type StopEmulatorRequest struct {
	EmulatorID brokertypes.EmulatorID `json:"emulator_id"`
	ResultChan chan RequestResult     `json:"-"`
}

// ReturnResult is called to pass the result of a request back to the HTTP
// request handler.
func (s *StopEmulatorRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

// CreateResultChan is called to create the Go channel to pass the request
// result back to the HTTP request handler via ReturnResult.
func (s *StopEmulatorRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}

// SetTokenLimitRequest defines the `set_token_limit` endpoint.
type SetTokenLimitRequest struct {
	Token      brokertypes.QuotaToken `json:"token"`
	Limit      int                    `json:"limit"`
	ResultChan chan RequestResult     `json:"-"`
}

// ReturnResult is called to pass the result of a request back to the HTTP
// request handler.
func (s *SetTokenLimitRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

// CreateResultChan is called to create the Go channel to pass the request
// result back to the HTTP request handler via ReturnResult.
func (s *SetTokenLimitRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}

// TokensRequest defines the `tokens` endpoint.
type TokensRequest struct {
	ResultChan chan RequestResult `json:"-"`
}

// TokenUsage is one entry of the `tokens` response: the token's aggregate
// usage plus the per-backend breakdown.
type TokenUsage struct {
	Current  int                                   `json:"current"`
	Limit    int                                   `json:"limit"`
	Backends map[brokertypes.BackendID]quota.Usage `json:"backends,omitempty"`
}

// ReturnResult is called to pass the result of a request back to the HTTP
// request handler.
func (s *TokensRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

// CreateResultChan is called to create the Go channel to pass the request
// result back to the HTTP request handler via ReturnResult.
func (s *TokensRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}

// StatusRequest defines the `status` endpoint.
type StatusRequest struct {
	ResultChan chan RequestResult `json:"-"`
}

// StatusRequestResult defines the data returned by the `status` endpoint.
type StatusRequestResult struct {
	EmulatorCount int                           `json:"emulator_count"`
	CPUPercent    float64                       `json:"cpu_percent"`
	MemPercent    float64                       `json:"mem_percent"`
	Backends      map[brokertypes.BackendID]int `json:"backends"`
}

// ReturnResult is called to pass the result of a request back to the HTTP
// request handler.
func (s *StatusRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

// CreateResultChan is called to create the Go channel to pass the request
// result back to the HTTP request handler via ReturnResult.
func (s *StatusRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}

// CleanupRequest defines the `cleanup` endpoint, which runs one janitor
// sweep out of schedule.
type CleanupRequest struct {
	MinAgeMinutes int                `json:"min_age_minutes"`
	DryRun        bool               `json:"dry_run"`
	ResultChan    chan RequestResult `json:"-"`
}

// CleanupRequestResult defines the data returned by the `cleanup` endpoint.
type CleanupRequestResult struct {
	Removed    int      `json:"removed"`
	Skipped    int      `json:"skipped"`
	Failed     int      `json:"failed"`
	RemovedIDs []string `json:"removed_ids,omitempty"`
	DryRun     bool     `json:"dry_run"`
}

// ReturnResult is called to pass the result of a request back to the HTTP
// request handler.
func (s *CleanupRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

// CreateResultChan is called to create the Go channel to pass the request
// result back to the HTTP request handler via ReturnResult.
func (s *CleanupRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}
