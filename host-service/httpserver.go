package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/atriumhq/atrium/httputils"
	"github.com/atriumhq/atrium/metadata"
	"github.com/atriumhq/atrium/types"
	"github.com/atriumhq/atrium/utils"

	logger "github.com/atriumhq/atrium/atriumlogger"
)

// PortToListen is the port the host-service control API listens on. Only
// the platform web app talks to it; it is never exposed publicly.
const PortToListen uint16 = 4678

// A ProvisionRequest asks for a fresh instance for a user. The sealed
// credential fields arrive as plaintext over the (private) control
// channel and are encrypted before they touch the database.
type ProvisionRequest struct {
	UserID     types.UserID         `json:"user_id"`
	Model      string               `json:"model"`
	Onboarding types.OnboardingData `json:"onboarding_data"`
	APIKey     string               `json:"api_key"`
	BotToken   string               `json:"bot_token"`

	resultChan chan httputils.RequestResult
}

// ProvisionRequestResult is returned to the web app when the instance
// row has been created; the poll worker takes it from there.
type ProvisionRequestResult struct {
	InstanceID types.InstanceID `json:"instance_id"`
	Subdomain  types.Subdomain  `json:"subdomain"`
	URL        string           `json:"url"`
	Status     string           `json:"status"`
}

// ReturnResult is called to pass the result of a request back to the
// HTTP request handler.
func (s *ProvisionRequest) ReturnResult(result interface{}, err error) {
	s.resultChan <- httputils.RequestResult{Result: result, Err: err}
}

// CreateResultChan is called to create the Go channel to pass the
// request result back to the HTTP request handler via ReturnResult.
func (s *ProvisionRequest) CreateResultChan() {
	if s.resultChan == nil {
		s.resultChan = make(chan httputils.RequestResult)
	}
}

// A StatusRequest queries a user's instance state.
type StatusRequest struct {
	UserID types.UserID `json:"user_id"`

	resultChan chan httputils.RequestResult
}

// StatusRequestResult reports a user's instance state. Exists is false
// rather than an error when the user has no live instance.
type StatusRequestResult struct {
	Exists    bool            `json:"exists"`
	Status    string          `json:"status,omitempty"`
	Subdomain types.Subdomain `json:"subdomain,omitempty"`
	URL       string          `json:"url,omitempty"`
}

func (s *StatusRequest) ReturnResult(result interface{}, err error) {
	s.resultChan <- httputils.RequestResult{Result: result, Err: err}
}

func (s *StatusRequest) CreateResultChan() {
	if s.resultChan == nil {
		s.resultChan = make(chan httputils.RequestResult)
	}
}

// A PairRequest asks for a fresh pairing code binding the caller's user
// to their instance's Telegram bridge.
type PairRequest struct {
	UserID types.UserID `json:"user_id"`

	resultChan chan httputils.RequestResult
}

// PairRequestResult carries the code and the deep link the web app shows
// the user.
type PairRequestResult struct {
	Code     types.PairingCode `json:"code"`
	DeepLink string            `json:"deep_link"`
}

func (s *PairRequest) ReturnResult(result interface{}, err error) {
	s.resultChan <- httputils.RequestResult{Result: result, Err: err}
}

func (s *PairRequest) CreateResultChan() {
	if s.resultChan == nil {
		s.resultChan = make(chan httputils.RequestResult)
	}
}

// A TeardownRequest releases a user's instance and all its resources.
type TeardownRequest struct {
	UserID types.UserID `json:"user_id"`

	resultChan chan httputils.RequestResult
}

func (s *TeardownRequest) ReturnResult(result interface{}, err error) {
	s.resultChan <- httputils.RequestResult{Result: result, Err: err}
}

func (s *TeardownRequest) CreateResultChan() {
	if s.resultChan == nil {
		s.resultChan = make(chan httputils.RequestResult)
	}
}

// An UpdateRequest rewrites a running instance's updatable documents
// from fresh onboarding data (the brand memory document is never
// touched).
type UpdateRequest struct {
	UserID     types.UserID         `json:"user_id"`
	Onboarding types.OnboardingData `json:"onboarding_data"`

	resultChan chan httputils.RequestResult
}

func (s *UpdateRequest) ReturnResult(result interface{}, err error) {
	s.resultChan <- httputils.RequestResult{Result: result, Err: err}
}

func (s *UpdateRequest) CreateResultChan() {
	if s.resultChan == nil {
		s.resultChan = make(chan httputils.RequestResult)
	}
}

// processAuthenticatedRequest authenticates, parses, queues the request
// and waits for the handler's result.
func processAuthenticatedRequest(w http.ResponseWriter, r *http.Request, s httputils.ServerRequest, resultChan func() chan httputils.RequestResult, queue chan<- httputils.ServerRequest) {
	if _, err := httputils.AuthenticateRequest(w, r, s); err != nil {
		logger.Errorf("Error authenticating and parsing %T: %s", s, err)
		return
	}

	queue <- s
	res := <-resultChan()
	res.Send(w)
}

func processProvisionRequest(w http.ResponseWriter, r *http.Request, queue chan<- httputils.ServerRequest) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		return
	}
	var req ProvisionRequest
	processAuthenticatedRequest(w, r, &req, func() chan httputils.RequestResult { return req.resultChan }, queue)
}

func processStatusRequest(w http.ResponseWriter, r *http.Request, queue chan<- httputils.ServerRequest) {
	if err := httputils.VerifyRequestType(w, r, http.MethodGet); err != nil {
		return
	}

	// GET carries the user in the query string rather than a body.
	req := StatusRequest{UserID: types.UserID(r.URL.Query().Get("user_id"))}
	if req.UserID == "" {
		http.Error(w, "Missing user_id", http.StatusBadRequest)
		return
	}
	req.CreateResultChan()

	queue <- &req
	res := <-req.resultChan
	res.Send(w)
}

func processPairRequest(w http.ResponseWriter, r *http.Request, queue chan<- httputils.ServerRequest) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		return
	}
	var req PairRequest
	processAuthenticatedRequest(w, r, &req, func() chan httputils.RequestResult { return req.resultChan }, queue)
}

func processTeardownRequest(w http.ResponseWriter, r *http.Request, queue chan<- httputils.ServerRequest) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		return
	}
	var req TeardownRequest
	processAuthenticatedRequest(w, r, &req, func() chan httputils.RequestResult { return req.resultChan }, queue)
}

func processUpdateRequest(w http.ResponseWriter, r *http.Request, queue chan<- httputils.ServerRequest) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		return
	}
	var req UpdateRequest
	processAuthenticatedRequest(w, r, &req, func() chan httputils.RequestResult { return req.resultChan }, queue)
}

// StartHTTPServer returns a channel of requests from the control API as
// its first return value.
func StartHTTPServer(globalCtx context.Context, globalCancel context.CancelFunc, goroutineTracker *sync.WaitGroup) (<-chan httputils.ServerRequest, error) {
	logger.Info("Setting up HTTP server.")

	// Buffer up to 100 events so we can absorb a burst without blocking
	// handlers.
	events := make(chan httputils.ServerRequest, 100)

	createHandler := func(f func(http.ResponseWriter, *http.Request, chan<- httputils.ServerRequest)) func(http.ResponseWriter, *http.Request) {
		return func(w http.ResponseWriter, r *http.Request) {
			f(w, r, events)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/", http.NotFoundHandler())
	mux.HandleFunc("/provision", createHandler(processProvisionRequest))
	mux.HandleFunc("/status", createHandler(processStatusRequest))
	mux.HandleFunc("/pair", createHandler(processPairRequest))
	mux.HandleFunc("/teardown", createHandler(processTeardownRequest))
	mux.HandleFunc("/update", createHandler(processUpdateRequest))

	server := &http.Server{
		Addr:    utils.Sprintf("0.0.0.0:%v", PortToListen),
		Handler: mux,
	}

	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()

		goroutineTracker.Add(1)
		go func() {
			defer goroutineTracker.Done()

			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				close(events)
				logger.Panicf(globalCancel, "Error listening and serving in httpserver: %s", err)
			}
		}()

		<-globalCtx.Done()

		logger.Infof("Shutting down httpserver...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Infof("Shut down httpserver with error %s", err)
		} else {
			logger.Info("Gracefully shut down httpserver.")
		}
	}()

	return events, nil
}

// DeepLink builds the Telegram deep link the web app shows next to a
// pairing code.
func DeepLink(code types.PairingCode) string {
	return utils.Sprintf("https://t.me/%s?start=%s", metadata.GetTelegramBotUsername(), code)
}
