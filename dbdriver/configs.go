package dbdriver // import "github.com/atriumhq/atrium/dbdriver"

import (
	"context"
	"errors"

	"github.com/atriumhq/atrium/types"
	"github.com/atriumhq/atrium/utils"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
)

// InstanceConfig is the 1:1 configuration row owned by an instance. The
// sealed fields hold opaque ciphertext produced by configutils; this
// package never sees plaintext credentials. An empty sealed value is
// stored as NULL, never as ciphertext of an empty string.
type InstanceConfig struct {
	InstanceID       types.InstanceID
	Model            string
	OnboardingSealed string // lz4+AES-GCM sealed onboarding blob
	APIKeySealed     string
	BotTokenSealed   string
}

// nullable maps the empty string to a NULL column value.
func nullable(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Status: pgtype.Null}
	}
	return pgtype.Text{String: s, Status: pgtype.Present}
}

func textOrEmpty(t pgtype.Text) string {
	if t.Status == pgtype.Present {
		return t.String
	}
	return ""
}

// UpsertInstanceConfig writes the config row for an instance, replacing
// any previous one.
func (c *Client) UpsertInstanceConfig(ctx context.Context, config *InstanceConfig) error {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO instance_configs (instance_id, model, onboarding_sealed, api_key_sealed, bot_token_sealed)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (instance_id) DO UPDATE SET
		     model = EXCLUDED.model,
		     onboarding_sealed = EXCLUDED.onboarding_sealed,
		     api_key_sealed = EXCLUDED.api_key_sealed,
		     bot_token_sealed = EXCLUDED.bot_token_sealed,
		     updated_at = now()`,
		config.InstanceID.String(), config.Model,
		nullable(config.OnboardingSealed), nullable(config.APIKeySealed), nullable(config.BotTokenSealed))
	if err != nil {
		return utils.MakeError("couldn't upsert config for instance %s: %s", config.InstanceID, err)
	}
	return nil
}

// GetInstanceConfig fetches the config row for an instance.
func (c *Client) GetInstanceConfig(ctx context.Context, instanceID types.InstanceID) (*InstanceConfig, error) {
	var (
		config     InstanceConfig
		onboarding pgtype.Text
		apiKey     pgtype.Text
		botToken   pgtype.Text
	)
	err := c.pool.QueryRow(ctx,
		`SELECT model, onboarding_sealed, api_key_sealed, bot_token_sealed
		 FROM instance_configs WHERE instance_id = $1`, instanceID.String()).
		Scan(&config.Model, &onboarding, &apiKey, &botToken)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, utils.MakeError("error reading config for instance %s: %s", instanceID, err)
	}

	config.InstanceID = instanceID
	config.OnboardingSealed = textOrEmpty(onboarding)
	config.APIKeySealed = textOrEmpty(apiKey)
	config.BotTokenSealed = textOrEmpty(botToken)
	return &config, nil
}
