package httputils

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atriumhq/atrium/utils"
)

type testRequest struct {
	Name       string `json:"name"`
	resultChan chan RequestResult
}

func (s *testRequest) ReturnResult(result interface{}, err error) {
	s.resultChan <- RequestResult{result, err}
}

func (s *testRequest) CreateResultChan() {
	if s.resultChan == nil {
		s.resultChan = make(chan RequestResult, 1)
	}
}

func TestParseRequest(t *testing.T) {
	body, _ := json.Marshal(map[string]string{"name": "atrium"})
	r := httptest.NewRequest(http.MethodPost, "/test", bytes.NewReader(body))
	w := httptest.NewRecorder()

	var req testRequest
	if err := ParseRequest(w, r, &req); err != nil {
		t.Fatalf("expected request to parse, got: %v", err)
	}
	if req.Name != "atrium" {
		t.Errorf("expected name field to be atrium, got %q", req.Name)
	}
	if req.resultChan == nil {
		t.Error("expected result channel to be created")
	}
}

func TestParseRequestMalformedBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/test", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()

	var req testRequest
	if err := ParseRequest(w, r, &req); err == nil {
		t.Fatal("expected a parse error for malformed JSON")
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected a 400 response, got %d", w.Code)
	}
}

func TestVerifyRequestType(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	if err := VerifyRequestType(w, r, http.MethodPost); err == nil {
		t.Error("expected a method mismatch error")
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected a 400 response, got %d", w.Code)
	}
}

func TestRequestResultSendConflict(t *testing.T) {
	w := httptest.NewRecorder()
	result := RequestResult{Err: &ConflictError{Message: "instance already exists: abc"}}
	result.Send(w)

	if w.Code != http.StatusConflict {
		t.Errorf("expected a 409 for conflict errors, got %d", w.Code)
	}

	var decoded struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("couldn't decode response body: %v", err)
	}
	if decoded.Error != "instance already exists: abc" {
		t.Errorf("expected the structured error message, got %q", decoded.Error)
	}
}

func TestRequestResultSendGenericError(t *testing.T) {
	w := httptest.NewRecorder()
	result := RequestResult{Err: utils.MakeError("something broke")}
	result.Send(w)

	if w.Code != http.StatusNotAcceptable {
		t.Errorf("expected a 406 for non-conflict errors, got %d", w.Code)
	}
}

func TestIsConflictWrapped(t *testing.T) {
	wrapped := utils.MakeError("outer: %w", &ConflictError{Message: "inner"})
	if !IsConflict(wrapped) {
		t.Error("expected a wrapped ConflictError to be detected")
	}
	if IsConflict(utils.MakeError("plain")) {
		t.Error("expected a plain error not to be detected as conflict")
	}
}
