package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/atriumhq/atrium/dbdriver"
	"github.com/atriumhq/atrium/host-service/agentbox"
	"github.com/atriumhq/atrium/types"
	"github.com/atriumhq/atrium/utils"

	logger "github.com/atriumhq/atrium/atriumlogger"
)

// agentRequestTimeout bounds one forwarded message's round trip to the
// agent. Agents can legitimately think for a while, so this is generous.
const agentRequestTimeout = 30 * time.Second

// The canned replies sent when a message can't reach the agent. Each
// failure class gets its own wording so a user (and support) can tell a
// slow agent from a dead one.
const (
	replyNotPaired = "This chat isn't linked to an assistant yet. Open your Atrium dashboard, " +
		"click \"Connect Telegram\" and send me the code with /start."
	replyProvisioning = "Your assistant is still being set up. Give it a minute and try again."
	replyUnavailable  = "Your assistant isn't available right now. Check your Atrium dashboard for details."
	replyTrouble      = "Your assistant is having trouble responding right now. Please try again in a moment."
	replySlow         = "Your assistant is taking longer than expected to respond. It may still be working on your request."
	replyStarting     = "Your assistant may still be starting up. Please try again shortly."

	replyPaired       = "You're all set! This chat is now linked to your assistant. Say hi!"
	replyCodeExpired  = "That pairing code has expired. Generate a fresh one from your Atrium dashboard."
	replyCodeUsed     = "That pairing code has already been used. Generate a fresh one from your Atrium dashboard."
	replyCodeUnknown  = "I don't recognize that code. Double-check it or generate a new one from your Atrium dashboard."
	replyStartMissing = "Send /start followed by the pairing code from your Atrium dashboard."
)

// PairingStore is the slice of the database client the router consumes.
type PairingStore interface {
	ApprovePairing(ctx context.Context, code types.PairingCode, chatID types.ChatID) (*dbdriver.Pairing, error)
	GetApprovedPairingByChatID(ctx context.Context, chatID types.ChatID) (*dbdriver.Pairing, error)
	GetInstanceByUserID(ctx context.Context, userID types.UserID) (*dbdriver.Instance, error)
}

// ReplySender delivers one message to one chat. The Telegram
// implementation lives in telegram.go; tests substitute a recorder.
type ReplySender interface {
	Send(ctx context.Context, chatID types.ChatID, text string, markdown bool) error
}

// agentMessage is the payload forwarded to an instance's chat endpoint.
type agentMessage struct {
	Message        string `json:"message"`
	Source         string `json:"source"`
	SenderIdentity string `json:"sender_identity"`
}

// agentReply is the agent's response to a forwarded message.
type agentReply struct {
	Reply string `json:"reply"`
}

// Router maps inbound Telegram updates to pairing operations and agent
// forwards.
type Router struct {
	store  PairingStore
	sender ReplySender
	client *http.Client

	// agentURL resolves an instance's chat endpoint. Overridable so tests
	// can point at a local server.
	agentURL func(subdomain types.Subdomain) string
}

// NewRouter wires a router from its collaborators.
func NewRouter(store PairingStore, sender ReplySender) *Router {
	return &Router{
		store:  store,
		sender: sender,
		client: &http.Client{Timeout: agentRequestTimeout},
		agentURL: func(subdomain types.Subdomain) string {
			return agentbox.InstanceURL(subdomain) + "/chat"
		},
	}
}

// HandleUpdate processes one Telegram update. All failures are converted
// to user-facing replies; the caller never sees an error since there is
// nothing it could do with one.
func (rt *Router) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	message := update.Message
	if message == nil || message.Chat == nil {
		return
	}
	chatID := types.ChatID(message.Chat.ID)

	if message.IsCommand() && message.Command() == "start" {
		rt.handleStart(ctx, chatID, message.CommandArguments())
		return
	}
	if message.Text == "" {
		return
	}

	rt.forwardMessage(ctx, chatID, message)
}

// handleStart approves a pairing code sent via the /start deep link.
func (rt *Router) handleStart(ctx context.Context, chatID types.ChatID, code string) {
	if code == "" {
		rt.reply(ctx, chatID, replyStartMissing)
		return
	}

	_, err := rt.store.ApprovePairing(ctx, types.PairingCode(code), chatID)
	switch {
	case err == nil:
		logger.Infof("Paired chat %d via code", chatID)
		rt.reply(ctx, chatID, replyPaired)
	case errors.Is(err, dbdriver.ErrPairingExpired):
		rt.reply(ctx, chatID, replyCodeExpired)
	case errors.Is(err, dbdriver.ErrPairingConflict):
		rt.reply(ctx, chatID, replyCodeUsed)
	case errors.Is(err, dbdriver.ErrNotFound):
		rt.reply(ctx, chatID, replyCodeUnknown)
	default:
		logger.Errorf("Couldn't approve pairing for chat %d: %s", chatID, err)
		rt.reply(ctx, chatID, replyTrouble)
	}
}

// forwardMessage resolves the chat's instance and relays the message to
// the agent, translating every failure mode into a canned reply.
func (rt *Router) forwardMessage(ctx context.Context, chatID types.ChatID, message *tgbotapi.Message) {
	pairing, err := rt.store.GetApprovedPairingByChatID(ctx, chatID)
	if err != nil {
		if errors.Is(err, dbdriver.ErrNotFound) {
			rt.reply(ctx, chatID, replyNotPaired)
			return
		}
		logger.Errorf("Couldn't resolve pairing for chat %d: %s", chatID, err)
		rt.reply(ctx, chatID, replyTrouble)
		return
	}

	instance, err := rt.store.GetInstanceByUserID(ctx, pairing.UserID)
	if err != nil {
		if errors.Is(err, dbdriver.ErrNotFound) {
			// The instance was torn down after pairing.
			rt.reply(ctx, chatID, replyUnavailable)
			return
		}
		logger.Errorf("Couldn't resolve instance for chat %d: %s", chatID, err)
		rt.reply(ctx, chatID, replyTrouble)
		return
	}

	switch instance.Status {
	case dbdriver.InstanceStatusRunning:
		// Fall through to the forward.
	case dbdriver.InstanceStatusProvisioning:
		rt.reply(ctx, chatID, replyProvisioning)
		return
	default:
		rt.reply(ctx, chatID, replyUnavailable)
		return
	}

	reply, err := rt.postToAgent(ctx, instance.Subdomain, agentMessage{
		Message:        message.Text,
		Source:         "telegram",
		SenderIdentity: senderIdentity(message),
	})
	if err != nil {
		logger.Warningf("Forward to instance %s failed for chat %d: %s", instance.ID, chatID, err)
		rt.reply(ctx, chatID, classifyForwardFailure(err))
		return
	}

	rt.sendReply(ctx, chatID, reply)
}

// postToAgent performs the HTTP round trip to the agent's chat endpoint.
func (rt *Router) postToAgent(ctx context.Context, subdomain types.Subdomain, payload agentMessage) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", utils.MakeError("couldn't encode agent payload: %s", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rt.agentURL(subdomain), bytes.NewReader(body))
	if err != nil {
		return "", utils.MakeError("couldn't build agent request: %s", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := rt.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", utils.MakeError("agent returned status %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", utils.MakeError("couldn't read agent response: %s", err)
	}
	var reply agentReply
	if err := json.Unmarshal(respBody, &reply); err != nil {
		return "", utils.MakeError("couldn't decode agent response: %s", err)
	}
	return reply.Reply, nil
}

// classifyForwardFailure picks the user-facing reply for a transport
// failure. Timeouts and refused connections get distinct wording from a
// generic agent error.
func classifyForwardFailure(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return replySlow
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return replySlow
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return replyStarting
	}
	return replyTrouble
}

// telegramMessageLimit is Telegram's per-message length cap, in
// characters (runes, not bytes).
const telegramMessageLimit = 4096

// chunkMessage splits text into in-order pieces of at most limit runes.
// Concatenating the pieces reproduces the input exactly.
func chunkMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		n := limit
		if len(runes) < n {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}

// sendReply delivers the agent's reply, chunked to Telegram's message
// limit. Each chunk is tried as Markdown first; when Telegram rejects
// the formatting specifically (agents produce imperfect Markdown all the
// time), the same chunk is resent as plain text so content is never
// dropped. Any other rejection is logged and not retried.
func (rt *Router) sendReply(ctx context.Context, chatID types.ChatID, text string) {
	if text == "" {
		return
	}
	for _, chunk := range chunkMessage(text, telegramMessageLimit) {
		err := rt.sender.Send(ctx, chatID, chunk, true)
		if err == nil {
			continue
		}
		if !errors.Is(err, errMarkupRejected) {
			logger.Errorf("Couldn't deliver reply chunk to chat %d: %s", chatID, err)
			return
		}
		if err := rt.sender.Send(ctx, chatID, chunk, false); err != nil {
			logger.Errorf("Couldn't deliver reply chunk to chat %d: %s", chatID, err)
			return
		}
	}
}

// reply sends a single plain-text service message.
func (rt *Router) reply(ctx context.Context, chatID types.ChatID, text string) {
	if err := rt.sender.Send(ctx, chatID, text, false); err != nil {
		logger.Errorf("Couldn't send service reply to chat %d: %s", chatID, err)
	}
}

// senderIdentity extracts a human-readable identity for the agent's
// context window.
func senderIdentity(message *tgbotapi.Message) string {
	if message.From == nil {
		return "unknown"
	}
	if message.From.UserName != "" {
		return "@" + message.From.UserName
	}
	return message.From.FirstName
}
