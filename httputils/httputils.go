package httputils // import "github.com/atriumhq/atrium/httputils"

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/atriumhq/atrium/atriumlogger"
	"github.com/atriumhq/atrium/auth"
	"github.com/atriumhq/atrium/metadata"
	"github.com/atriumhq/atrium/utils"
)

// A ServerRequest represents a request from a service's HTTP surface ---
// it is exported so that we can implement the top-level event handlers in
// parent packages. They simply return the result and any error message via
// ReturnResult.
type ServerRequest interface {
	ReturnResult(result interface{}, err error)
	CreateResultChan()
}

// A RequestResult represents the result of a request that was successfully
// authenticated, parsed, and processed by the consumer.
type RequestResult struct {
	Result interface{} `json:"-"`
	Err    error       `json:"error"`
}

// Send writes the result as an HTTP response. Handler errors become a 409
// when the consumer reported a conflict, otherwise a 406, mirroring the
// structured error contract of the API.
func (r RequestResult) Send(w http.ResponseWriter) {
	var buf []byte
	var err error
	var status int

	w.Header().Set("Content-Type", "application/json")

	if r.Err != nil {
		status = http.StatusNotAcceptable
		if IsConflict(r.Err) {
			status = http.StatusConflict
		}
		buf, err = json.Marshal(
			struct {
				Result interface{} `json:"result"`
				Error  string      `json:"error"`
			}{r.Result, r.Err.Error()},
		)
	} else {
		status = http.StatusOK
		buf, err = json.Marshal(
			struct {
				Result interface{} `json:"result"`
			}{r.Result},
		)
	}

	w.WriteHeader(status)
	if err != nil {
		atriumlogger.Errorf("error marshalling a %v HTTP response body: %s", status, err)
	}
	_, _ = w.Write(buf)
}

// A ConflictError marks a request error that should surface as a 409 with
// a structured message instead of a generic failure.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// GetAccessToken extracts the bearer token from the request
// "Authorization" header.
func GetAccessToken(r *http.Request) (string, error) {
	authorization := r.Header.Get("Authorization")
	bearer := strings.Split(authorization, "Bearer ")
	if len(bearer) <= 1 || bearer[1] == "" {
		return "", utils.MakeError("request to %s is missing a bearer token", r.URL)
	}
	return bearer[1], nil
}

// AuthenticateRequest verifies the caller's access token, then parses the
// request body into the given ServerRequest. Token validation is skipped
// in local development.
func AuthenticateRequest(w http.ResponseWriter, r *http.Request, s ServerRequest) (*auth.AtriumClaims, error) {
	var claims *auth.AtriumClaims

	if !metadata.IsLocalEnv() {
		accessToken, err := GetAccessToken(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return nil, err
		}

		claims, err = auth.ParseToken(accessToken)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return nil, utils.MakeError("received an unpermissioned request on %s to URL %s: %s", r.Host, r.URL, err)
		}

		if err := auth.Verify(claims); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return nil, utils.MakeError("received an unpermissioned request on %s to URL %s: %s", r.Host, r.URL, err)
		}
	}

	if err := ParseRequest(w, r, s); err != nil {
		return nil, utils.MakeError("error while parsing request: %s", err)
	}

	return claims, nil
}

// ParseRequest unmarshals the request body into the struct `s` and sets up
// its result channel.
func ParseRequest(w http.ResponseWriter, r *http.Request, s ServerRequest) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Malformed body", http.StatusBadRequest)
		return utils.MakeError("error getting body from request on %s to URL %s: %s", r.Host, r.URL, err)
	}

	if err := json.Unmarshal(body, s); err != nil {
		http.Error(w, "Malformed body", http.StatusBadRequest)
		return utils.MakeError("could not unmarshal the body of a request sent on %s to URL %s: %s", r.Host, r.URL, err)
	}

	s.CreateResultChan()
	return nil
}

// VerifyRequestType checks that a request has the expected HTTP method.
func VerifyRequestType(w http.ResponseWriter, r *http.Request, method string) error {
	if r == nil {
		err := utils.MakeError("received a nil request expecting to be type %s", method)
		atriumlogger.Error(err)
		http.Error(w, utils.Sprintf("Bad request. Expected %s, got nil", method), http.StatusBadRequest)
		return err
	}

	if r.Method != method {
		err := utils.MakeError("received a request on %s to URL %s of type %s, but it should have been type %s", r.Host, r.URL, r.Method, method)
		atriumlogger.Error(err)
		http.Error(w, utils.Sprintf("Bad request type. Expected %s, got %s", method, r.Method), http.StatusBadRequest)
		return err
	}
	return nil
}
