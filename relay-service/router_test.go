package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/atriumhq/atrium/dbdriver"
	"github.com/atriumhq/atrium/types"
	"github.com/atriumhq/atrium/utils"
)

var (
	errMarkdownRejected = utils.MakeError("%w: Bad Request: can't parse entities", errMarkupRejected)
	errStoreDown        = errors.New("database unavailable")
)

func jsonDecode(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

type fakePairingStore struct {
	pairing    *dbdriver.Pairing
	pairingErr error

	instance    *dbdriver.Instance
	instanceErr error

	approveErr   error
	approvedCode types.PairingCode
	approvedChat types.ChatID
}

func (f *fakePairingStore) ApprovePairing(ctx context.Context, code types.PairingCode, chatID types.ChatID) (*dbdriver.Pairing, error) {
	if f.approveErr != nil {
		return nil, f.approveErr
	}
	f.approvedCode = code
	f.approvedChat = chatID
	return &dbdriver.Pairing{Code: code, ExternalChatID: chatID, Status: dbdriver.PairingStatusApproved}, nil
}

func (f *fakePairingStore) GetApprovedPairingByChatID(ctx context.Context, chatID types.ChatID) (*dbdriver.Pairing, error) {
	if f.pairingErr != nil {
		return nil, f.pairingErr
	}
	return f.pairing, nil
}

func (f *fakePairingStore) GetInstanceByUserID(ctx context.Context, userID types.UserID) (*dbdriver.Instance, error) {
	if f.instanceErr != nil {
		return nil, f.instanceErr
	}
	return f.instance, nil
}

type sentMessage struct {
	chatID   types.ChatID
	text     string
	markdown bool
}

type recordingSender struct {
	mu          sync.Mutex
	sent        []sentMessage
	markdownErr error
}

func (s *recordingSender) Send(ctx context.Context, chatID types.ChatID, text string, markdown bool) error {
	if markdown && s.markdownErr != nil {
		return s.markdownErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{chatID: chatID, text: text, markdown: markdown})
	return nil
}

func (s *recordingSender) lastText(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		t.Fatal("no message was sent")
	}
	return s.sent[len(s.sent)-1].text
}

func textMessage(chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text: text,
		Chat: &tgbotapi.Chat{ID: chatID},
		From: &tgbotapi.User{UserName: "nova"},
	}}
}

func startCommand(chatID int64, code string) tgbotapi.Update {
	text := "/start"
	if code != "" {
		text += " " + code
	}
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text:     text,
		Chat:     &tgbotapi.Chat{ID: chatID},
		From:     &tgbotapi.User{UserName: "nova"},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len("/start")}},
	}}
}

func pairedStore(status dbdriver.InstanceStatus, subdomain types.Subdomain) *fakePairingStore {
	return &fakePairingStore{
		pairing: &dbdriver.Pairing{
			UserID:         "user-nova",
			ExternalChatID: 42,
			Status:         dbdriver.PairingStatusApproved,
		},
		instance: &dbdriver.Instance{
			ID:        types.NewInstanceID(),
			UserID:    "user-nova",
			Subdomain: subdomain,
			Status:    status,
		},
	}
}

func TestChunkMessagePreservesContentAndOrder(t *testing.T) {
	long := strings.Repeat("abcdefghij", 1000) // 10,000 runes
	chunks := chunkMessage(long, telegramMessageLimit)

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, chunk := range chunks[:len(chunks)-1] {
		if len([]rune(chunk)) != telegramMessageLimit {
			t.Errorf("chunk %d has %d runes, want %d", i, len([]rune(chunk)), telegramMessageLimit)
		}
	}
	if strings.Join(chunks, "") != long {
		t.Error("concatenated chunks do not reproduce the original message")
	}

	short := chunkMessage("hello", telegramMessageLimit)
	if len(short) != 1 || short[0] != "hello" {
		t.Errorf("short message was chunked: %v", short)
	}
}

func TestHandleStartOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		approveErr error
		wantReply  string
	}{
		{"approved", nil, replyPaired},
		{"expired code", dbdriver.ErrPairingExpired, replyCodeExpired},
		{"used code", dbdriver.ErrPairingConflict, replyCodeUsed},
		{"unknown code", dbdriver.ErrNotFound, replyCodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakePairingStore{approveErr: tt.approveErr}
			sender := &recordingSender{}
			router := NewRouter(store, sender)

			router.HandleUpdate(context.Background(), startCommand(42, "ABC123"))

			if got := sender.lastText(t); got != tt.wantReply {
				t.Errorf("reply = %q, want %q", got, tt.wantReply)
			}
			if tt.approveErr == nil && store.approvedCode != "ABC123" {
				t.Errorf("approved code %q, want ABC123", store.approvedCode)
			}
		})
	}

	t.Run("missing code", func(t *testing.T) {
		sender := &recordingSender{}
		router := NewRouter(&fakePairingStore{}, sender)
		router.HandleUpdate(context.Background(), startCommand(42, ""))
		if got := sender.lastText(t); got != replyStartMissing {
			t.Errorf("reply = %q, want %q", got, replyStartMissing)
		}
	})
}

func TestForwardHappyPath(t *testing.T) {
	var received agentMessage
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := jsonDecode(r, &received); err != nil {
			t.Errorf("bad forward payload: %s", err)
		}
		w.Write([]byte(`{"reply": "Hi Nova, how can I help?"}`))
	}))
	defer agent.Close()

	store := pairedStore(dbdriver.InstanceStatusRunning, "acme-12345678")
	sender := &recordingSender{}
	router := NewRouter(store, sender)
	router.agentURL = func(subdomain types.Subdomain) string { return agent.URL }

	router.HandleUpdate(context.Background(), textMessage(42, "What's on my calendar?"))

	want := agentMessage{
		Message:        "What's on my calendar?",
		Source:         "telegram",
		SenderIdentity: "@nova",
	}
	if diff := cmp.Diff(want, received); diff != "" {
		t.Errorf("forwarded payload mismatch (-want +got):\n%s", diff)
	}
	if got := sender.lastText(t); got != "Hi Nova, how can I help?" {
		t.Errorf("reply = %q", got)
	}
}

func TestForwardFailureClassification(t *testing.T) {
	t.Run("agent error status", func(t *testing.T) {
		agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "internal error", http.StatusInternalServerError)
		}))
		defer agent.Close()

		sender := &recordingSender{}
		router := NewRouter(pairedStore(dbdriver.InstanceStatusRunning, "s"), sender)
		router.agentURL = func(types.Subdomain) string { return agent.URL }

		router.HandleUpdate(context.Background(), textMessage(42, "hi"))
		if got := sender.lastText(t); got != replyTrouble {
			t.Errorf("reply = %q, want %q", got, replyTrouble)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(300 * time.Millisecond)
		}))
		defer agent.Close()

		sender := &recordingSender{}
		router := NewRouter(pairedStore(dbdriver.InstanceStatusRunning, "s"), sender)
		router.agentURL = func(types.Subdomain) string { return agent.URL }
		router.client = &http.Client{Timeout: 50 * time.Millisecond}

		router.HandleUpdate(context.Background(), textMessage(42, "hi"))
		if got := sender.lastText(t); got != replySlow {
			t.Errorf("reply = %q, want %q", got, replySlow)
		}
	})

	t.Run("connection refused", func(t *testing.T) {
		agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := agent.URL
		agent.Close() // nothing listens here anymore

		sender := &recordingSender{}
		router := NewRouter(pairedStore(dbdriver.InstanceStatusRunning, "s"), sender)
		router.agentURL = func(types.Subdomain) string { return url }

		router.HandleUpdate(context.Background(), textMessage(42, "hi"))
		if got := sender.lastText(t); got != replyStarting {
			t.Errorf("reply = %q, want %q", got, replyStarting)
		}
	})
}

func TestInstanceStatusReplies(t *testing.T) {
	tests := []struct {
		name      string
		status    dbdriver.InstanceStatus
		wantReply string
	}{
		{"provisioning", dbdriver.InstanceStatusProvisioning, replyProvisioning},
		{"stopped", dbdriver.InstanceStatusStopped, replyUnavailable},
		{"errored", dbdriver.InstanceStatusError, replyUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &recordingSender{}
			router := NewRouter(pairedStore(tt.status, "s"), sender)
			router.HandleUpdate(context.Background(), textMessage(42, "hi"))
			if got := sender.lastText(t); got != tt.wantReply {
				t.Errorf("reply = %q, want %q", got, tt.wantReply)
			}
		})
	}
}

func TestUnpairedChat(t *testing.T) {
	sender := &recordingSender{}
	router := NewRouter(&fakePairingStore{pairingErr: dbdriver.ErrNotFound}, sender)
	router.HandleUpdate(context.Background(), textMessage(42, "hi"))
	if got := sender.lastText(t); got != replyNotPaired {
		t.Errorf("reply = %q, want %q", got, replyNotPaired)
	}
}

func TestSendReplyMarkdownFallback(t *testing.T) {
	sender := &recordingSender{markdownErr: errMarkdownRejected}
	router := NewRouter(&fakePairingStore{}, sender)

	router.sendReply(context.Background(), 42, "some *broken markdown")

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	if sender.sent[0].markdown {
		t.Error("fallback message was still marked as Markdown")
	}
	if sender.sent[0].text != "some *broken markdown" {
		t.Error("fallback dropped or altered the content")
	}
}

func TestSendReplyOtherRejectionNotRetried(t *testing.T) {
	sender := &recordingSender{markdownErr: errors.New("Forbidden: bot was blocked by the user")}
	router := NewRouter(&fakePairingStore{}, sender)

	router.sendReply(context.Background(), 42, "hello there")

	// A non-markup rejection would fail identically as plain text, so no
	// second attempt is made.
	if len(sender.sent) != 0 {
		t.Errorf("sent %d messages after a non-markup rejection, want 0", len(sender.sent))
	}
}

func TestWebhookAlwaysReturns200(t *testing.T) {
	t.Setenv("TELEGRAM_WEBHOOK_SECRET", "hook-secret")

	// Every store call failing simulates the database being down.
	router := NewRouter(&fakePairingStore{pairingErr: errStoreDown, approveErr: errStoreDown}, &recordingSender{})
	handler := processWebhook(router)

	t.Run("wrong method", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest(http.MethodGet, "/webhook/telegram", nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", w.Code)
		}
	})

	t.Run("bad secret", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader("{}"))
		r.Header.Set(webhookSecretHeader, "wrong")
		w := httptest.NewRecorder()
		handler(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("garbage body", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader("not json"))
		r.Header.Set(webhookSecretHeader, "hook-secret")
		w := httptest.NewRecorder()
		handler(w, r)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})

	t.Run("routing failure still gets 200", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/webhook/telegram",
			strings.NewReader(`{"message": {"text": "hi", "chat": {"id": 42}}}`))
		r.Header.Set(webhookSecretHeader, "hook-secret")
		w := httptest.NewRecorder()
		handler(w, r)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})
}
