// Package httputils contains the request/response plumbing shared by the
// broker's HTTP endpoints: the ServerRequest interface the event loop
// consumes, the response envelope, and helpers for parsing and validating
// incoming requests.
package httputils // import "github.com/osworld-broker/broker/httputils"

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	logger "github.com/osworld-broker/broker/brokerlogger"
	"github.com/osworld-broker/broker/types"
	"github.com/osworld-broker/broker/utils"
)

// A ServerRequest represents a request from the HTTP server --- it is
// exported so that we can implement the top-level event handlers in parent
// packages. They simply return the result and any error message via
// ReturnResult.
type ServerRequest interface {
	ReturnResult(result interface{}, err error)
	CreateResultChan()
}

// A StatusCoder is an error that knows which HTTP status it should be
// reported with. Errors that don't implement it are reported as 500s.
type StatusCoder interface {
	StatusCode() int
}

// A RequestResult represents the result of a request that was successfully
// parsed and processed by the consumer.
type RequestResult struct {
	Result interface{} `json:"-"`
	Err    error       `json:"error"`
}

// Send is called to send an HTTP response in the broker's standard envelope:
// 200 with `{"code": 0, "data": ...}` on success, or the error's status code
// (429 for quota denials, 500 otherwise) with `{"code": <status>, "msg":
// ...}` on failure.
func (r RequestResult) Send(w http.ResponseWriter) {
	var buf []byte
	var err error
	var status int

	if r.Err != nil {
		status = http.StatusInternalServerError
		if sc, ok := r.Err.(StatusCoder); ok {
			status = sc.StatusCode()
		}
		buf, err = json.Marshal(
			struct {
				Code int    `json:"code"`
				Msg  string `json:"msg"`
			}{status, r.Err.Error()},
		)
	} else {
		status = http.StatusOK
		buf, err = json.Marshal(
			struct {
				Code int         `json:"code"`
				Data interface{} `json:"data,omitempty"`
			}{0, r.Result},
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err != nil {
		logger.Errorf("error marshalling a %v HTTP response body: %s", status, err)
	}
	_, _ = w.Write(buf)
}

// SendBare is like Send, but writes the result as a bare JSON value with no
// envelope. The token listing endpoint uses it, since its clients index
// straight into the returned map.
func (r RequestResult) SendBare(w http.ResponseWriter) {
	if r.Err != nil {
		r.Send(w)
		return
	}

	buf, err := json.Marshal(r.Result)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err != nil {
		logger.Errorf("error marshalling a bare HTTP response body: %s", err)
	}
	_, _ = w.Write(buf)
}

// Helper functions

// GetQuotaToken extracts the caller's quota token from the request
// "Authorization" header. If the header is missing, it falls back to the
// `token` field of the request's body. The body is restored for subsequent
// reads.
func GetQuotaToken(r *http.Request) (types.QuotaToken, error) {
	authorization := r.Header.Get("Authorization")
	bearer := strings.Split(authorization, "Bearer ")

	if len(bearer) > 1 && bearer[1] != "" && bearer[1] != "undefined" {
		return types.QuotaToken(bearer[1]), nil
	}

	// Read request body and replace it for subsequent reads
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", utils.MakeError("failed to read request body: %s", err)
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewBuffer(body))

	// Here we unmarshal into a simple map because we are only interested in
	// the token.
	var bodyMap map[string]interface{}
	if err := json.Unmarshal(body, &bodyMap); err != nil {
		return "", utils.MakeError("failed to unmarshal request body: %s", err)
	}

	val, ok := bodyMap["token"]
	if !ok {
		return "", utils.MakeError("no bearer token and no token field in request body")
	}

	token, ok := val.(string)
	if !ok || token == "" {
		return "", utils.MakeError("token field in request body is not a nonempty string")
	}

	return types.QuotaToken(token), nil
}

// ParseRequest unmarshals the request body into the struct `s` and sets up
// its result channel.
func ParseRequest(w http.ResponseWriter, r *http.Request, s ServerRequest) error {
	// Get body of request
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Malformed body", http.StatusBadRequest)
		return utils.MakeError("error getting body from request on %s to URL %s: %s", r.Host, r.URL, err)
	}

	// An empty body is fine for requests whose parameters all have defaults.
	if len(body) > 0 {
		if err := json.Unmarshal(body, s); err != nil {
			http.Error(w, "Malformed body", http.StatusBadRequest)
			return utils.MakeError("could not unmarshal the body of a request sent on %s to URL %s: %s", r.Host, r.URL, err)
		}
	}

	// Set up the result channel
	s.CreateResultChan()

	return nil
}

// VerifyRequestType verifies that the request method matches `method`.
func VerifyRequestType(w http.ResponseWriter, r *http.Request, method string) error {
	if r == nil {
		err := utils.MakeError("received a nil request expecting to be type %s", method)
		logger.Error(err)

		http.Error(w, utils.Sprintf("Bad request. Expected %s, got nil", method), http.StatusBadRequest)

		return err
	}

	if r.Method != method {
		err := utils.MakeError("received a request on %s to URL %s of type %s, but it should have been type %s", r.Host, r.URL, r.Method, method)
		logger.Error(err)

		http.Error(w, utils.Sprintf("Bad request type. Expected %s, got %s", method, r.Method), http.StatusBadRequest)

		return err
	}
	return nil
}

// EnableCORS is a middleware that sets the Access control header to accept requests from all origins.
func EnableCORS(f func(http.ResponseWriter, *http.Request)) func(http.ResponseWriter, *http.Request) {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Access-Control-Allow-Origin", "*")
		rw.Header().Set("Access-Control-Allow-Headers", "Origin Accept Content-Type X-Requested-With Authorization")
		rw.Header().Set("Access-Control-Allow-Methods", "GET POST OPTIONS")

		if r.Method == http.MethodOptions {
			http.Error(rw, "No Content", http.StatusNoContent)
			return
		}

		f(rw, r)
	})
}
