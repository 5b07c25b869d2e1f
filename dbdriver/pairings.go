package dbdriver // import "github.com/atriumhq/atrium/dbdriver"

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/atriumhq/atrium/types"
	"github.com/atriumhq/atrium/utils"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"

	logger "github.com/atriumhq/atrium/atriumlogger"
)

// A PairingStatus represents a possible status that a pairing code can
// have in the database.
type PairingStatus string

// Pairing state machine: pending -> approved (terminal) or pending ->
// expired (terminal). Expiry is checked lazily on lookup.
const (
	PairingStatusPending  PairingStatus = "pending"
	PairingStatusApproved PairingStatus = "approved"
	PairingStatusExpired  PairingStatus = "expired"
)

// PairingTTL is how long a freshly issued code stays approvable.
const PairingTTL = 15 * time.Minute

// Pairing is the ephemeral bridge between an external chat identity and a
// platform user.
type Pairing struct {
	Code           types.PairingCode
	UserID         types.UserID
	InstanceID     types.InstanceID // zero value until linked
	ExternalChatID types.ChatID     // zero until approved
	Status         PairingStatus
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// Sentinel errors for the pairing state machine.
var (
	// ErrPairingExpired is returned when a code's TTL has elapsed; the row
	// is flipped to expired as a side effect of the lookup that noticed.
	ErrPairingExpired = errors.New("pairing code has expired")

	// ErrPairingConflict is returned when a code is in a terminal state and
	// can't transition again.
	ErrPairingConflict = errors.New("pairing code already used or invalidated")
)

func scanPairing(row pgx.Row) (*Pairing, error) {
	var (
		p          Pairing
		instanceID pgtype.UUID
		chatID     pgtype.Int8
	)
	err := row.Scan(&p.Code, &p.UserID, &instanceID, &chatID, &p.Status, &p.ExpiresAt, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, utils.MakeError("error scanning pairing row: %s", err)
	}
	if instanceID.Status == pgtype.Present {
		copy(p.InstanceID[:], instanceID.Bytes[:])
	}
	if chatID.Status == pgtype.Present {
		p.ExternalChatID = types.ChatID(chatID.Int)
	}
	return &p, nil
}

const pairingColumns = `code, user_id, instance_id, external_chat_id, status, expires_at, created_at`

// CreatePairing issues a fresh code for a user. All of the user's prior
// pending codes are expired first, so at most one live code exists per
// user at any time.
func (c *Client) CreatePairing(ctx context.Context, userID types.UserID, instanceID types.InstanceID) (*Pairing, error) {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, utils.MakeError("couldn't create pairing: unable to begin transaction: %s", err)
	}
	// Safe to do even if committed -- see tx.Rollback() docs.
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE pairings SET status = $1 WHERE user_id = $2 AND status = $3`,
		string(PairingStatusExpired), string(userID), string(PairingStatusPending))
	if err != nil {
		return nil, utils.MakeError("couldn't expire prior pairings for user %s: %s", userID, err)
	}

	code := types.PairingCode(utils.RandCode(6))
	expiresAt := time.Now().Add(PairingTTL)

	var instanceArg interface{}
	if instanceID != (types.InstanceID{}) {
		instanceArg = instanceID.String()
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO pairings (code, user_id, instance_id, status, expires_at) VALUES ($1, $2, $3, $4, $5)`,
		string(code), string(userID), instanceArg, string(PairingStatusPending), expiresAt)
	if err != nil {
		return nil, utils.MakeError("couldn't insert pairing for user %s: %s", userID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, utils.MakeError("couldn't commit pairing for user %s: %s", userID, err)
	}

	logger.Infof("Issued pairing code for user %s, expires at %s", userID, expiresAt.Format(time.RFC3339))
	return &Pairing{
		Code:       code,
		UserID:     userID,
		InstanceID: instanceID,
		Status:     PairingStatusPending,
		ExpiresAt:  expiresAt,
	}, nil
}

// ApprovePairing transitions a pending, unexpired code to approved and
// records the chat that claimed it. Lookup is case-insensitive. A code
// past its TTL is flipped to expired as a side effect and
// ErrPairingExpired is returned; a code in a terminal state returns
// ErrPairingConflict.
func (c *Client) ApprovePairing(ctx context.Context, code types.PairingCode, chatID types.ChatID) (*Pairing, error) {
	normalized := strings.ToUpper(strings.TrimSpace(string(code)))

	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, utils.MakeError("couldn't approve pairing: unable to begin transaction: %s", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+pairingColumns+` FROM pairings WHERE code = $1 FOR UPDATE`, normalized)
	pairing, err := scanPairing(row)
	if err != nil {
		return nil, err
	}

	if pairing.Status != PairingStatusPending {
		return nil, ErrPairingConflict
	}

	if time.Now().After(pairing.ExpiresAt) {
		if _, err := tx.Exec(ctx,
			`UPDATE pairings SET status = $1 WHERE code = $2`,
			string(PairingStatusExpired), normalized); err != nil {
			return nil, utils.MakeError("couldn't expire stale pairing %s: %s", normalized, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, utils.MakeError("couldn't commit pairing expiry: %s", err)
		}
		return nil, ErrPairingExpired
	}

	_, err = tx.Exec(ctx,
		`UPDATE pairings SET status = $1, external_chat_id = $2 WHERE code = $3`,
		string(PairingStatusApproved), int64(chatID), normalized)
	if err != nil {
		return nil, utils.MakeError("couldn't approve pairing %s: %s", normalized, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, utils.MakeError("couldn't commit pairing approval: %s", err)
	}

	pairing.Status = PairingStatusApproved
	pairing.ExternalChatID = chatID
	logger.Infof("Approved pairing for user %s from chat %d", pairing.UserID, chatID)
	return pairing, nil
}

// GetApprovedPairingByChatID returns the most recent approved pairing for
// an external chat, or ErrNotFound. A pending pairing does not count.
func (c *Client) GetApprovedPairingByChatID(ctx context.Context, chatID types.ChatID) (*Pairing, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT `+pairingColumns+` FROM pairings
		 WHERE external_chat_id = $1 AND status = $2
		 ORDER BY created_at DESC LIMIT 1`,
		int64(chatID), string(PairingStatusApproved))
	return scanPairing(row)
}

// ExpireStalePairings flips every pending code past its TTL to expired.
// Run periodically; expiry is also enforced lazily on approval, so this
// is cleanup, not correctness.
func (c *Client) ExpireStalePairings(ctx context.Context) (int64, error) {
	result, err := c.pool.Exec(ctx,
		`UPDATE pairings SET status = $1 WHERE status = $2 AND expires_at < now()`,
		string(PairingStatusExpired), string(PairingStatusPending))
	if err != nil {
		return 0, utils.MakeError("couldn't expire stale pairings: %s", err)
	}
	return result.RowsAffected(), nil
}
