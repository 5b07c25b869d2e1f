package dbdriver // import "github.com/atriumhq/atrium/dbdriver"

import (
	"context"
	"errors"
	"time"

	"github.com/atriumhq/atrium/types"
	"github.com/atriumhq/atrium/utils"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"

	logger "github.com/atriumhq/atrium/atriumlogger"
)

// An InstanceStatus represents a possible status that an instance can have
// in the database.
type InstanceStatus string

// These represent the currently-defined statuses for instances.
const (
	InstanceStatusProvisioning InstanceStatus = "provisioning"
	InstanceStatusRunning      InstanceStatus = "running"
	InstanceStatusStopped      InstanceStatus = "stopped"
	InstanceStatusError        InstanceStatus = "error"
	InstanceStatusDeleted      InstanceStatus = "deleted"
)

// Instance is one row of the instances table: the durable record of a
// user's agentbox.
type Instance struct {
	ID           types.InstanceID
	UserID       types.UserID
	Subdomain    types.Subdomain
	Status       InstanceStatus
	ContainerID  types.ContainerID // empty until a container exists
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// An InstanceExistsError is returned when trying to create a second live
// instance for a user. It carries the existing instance's identity so the
// API can surface a structured conflict instead of a generic failure.
type InstanceExistsError struct {
	ExistingID        types.InstanceID
	ExistingSubdomain types.Subdomain
}

func (e *InstanceExistsError) Error() string {
	return utils.Sprintf("an instance already exists for this user: %s", e.ExistingID)
}

const instanceColumns = `id, user_id, subdomain, status, container_id, error_message, created_at, updated_at`

func scanInstance(row pgx.Row) (*Instance, error) {
	var (
		inst         Instance
		id           pgtype.UUID
		containerID  pgtype.Text
		errorMessage pgtype.Text
	)
	err := row.Scan(&id, &inst.UserID, &inst.Subdomain, &inst.Status, &containerID, &errorMessage, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, utils.MakeError("error scanning instance row: %s", err)
	}

	copy(inst.ID[:], id.Bytes[:])
	if containerID.Status == pgtype.Present {
		inst.ContainerID = types.ContainerID(containerID.String)
	}
	if errorMessage.Status == pgtype.Present {
		inst.ErrorMessage = errorMessage.String
	}
	return &inst, nil
}

// CreateInstance inserts a new instance row in status provisioning. If a
// live (non-deleted) instance already exists for the user, it returns an
// InstanceExistsError naming the existing row.
func (c *Client) CreateInstance(ctx context.Context, userID types.UserID, subdomain types.Subdomain) (*Instance, error) {
	id := types.NewInstanceID()

	_, err := c.pool.Exec(ctx,
		`INSERT INTO instances (id, user_id, subdomain, status) VALUES ($1, $2, $3, $4)`,
		id.String(), string(userID), string(subdomain), string(InstanceStatusProvisioning))
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505 is unique_violation: either the per-user partial index or
		// the subdomain uniqueness fired.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			existing, lookupErr := c.GetInstanceByUserID(ctx, userID)
			if lookupErr == nil {
				return nil, &InstanceExistsError{ExistingID: existing.ID, ExistingSubdomain: existing.Subdomain}
			}
			return nil, &InstanceExistsError{}
		}
		return nil, utils.MakeError("couldn't insert instance for user %s: %s", userID, err)
	}

	logger.Infof("Created instance %s (subdomain %s) for user %s", id, subdomain, userID)
	return c.GetInstance(ctx, id)
}

// GetInstance fetches an instance by ID.
func (c *Client) GetInstance(ctx context.Context, id types.InstanceID) (*Instance, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = $1 AND status <> 'deleted'`, id.String())
	return scanInstance(row)
}

// GetInstanceByUserID fetches a user's live instance, or ErrNotFound.
func (c *Client) GetInstanceByUserID(ctx context.Context, userID types.UserID) (*Instance, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE user_id = $1 AND status <> 'deleted'`, string(userID))
	return scanInstance(row)
}

// ListLiveInstances returns every non-deleted instance, for the reconcile
// sweep.
func (c *Client) ListLiveInstances(ctx context.Context) ([]*Instance, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE status <> 'deleted' ORDER BY created_at`)
	if err != nil {
		return nil, utils.MakeError("couldn't list instances: %s", err)
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// ClaimPendingInstance returns the oldest instance still in status
// provisioning, or ErrNotFound when the queue is empty. The poll worker
// calls this once per tick and processes the claim to completion before
// the next call, so provisioning stays serial by construction.
func (c *Client) ClaimPendingInstance(ctx context.Context) (*Instance, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE status = $1 ORDER BY created_at LIMIT 1`,
		string(InstanceStatusProvisioning))
	return scanInstance(row)
}

// WriteInstanceStatus updates an instance's status. Status only ever moves
// forward during provisioning; the orchestrator enforces that, this just
// writes.
func (c *Client) WriteInstanceStatus(ctx context.Context, id types.InstanceID, status InstanceStatus) error {
	result, err := c.pool.Exec(ctx,
		`UPDATE instances SET status = $1, updated_at = now() WHERE id = $2 AND status <> 'deleted'`,
		string(status), id.String())
	if err != nil {
		return utils.MakeError("couldn't write status %s for instance %s: %s", status, id, err)
	}
	if result.RowsAffected() == 0 {
		return utils.MakeError("couldn't write status %s for instance %s: row in database missing", status, id)
	}
	logger.Infof("Updated status in database for instance %s to %s", id, status)
	return nil
}

// RegisterContainer records the container backing an instance, marks it
// running, and clears any prior error message.
func (c *Client) RegisterContainer(ctx context.Context, id types.InstanceID, containerID types.ContainerID) error {
	result, err := c.pool.Exec(ctx,
		`UPDATE instances SET status = $1, container_id = $2, error_message = NULL, updated_at = now() WHERE id = $3`,
		string(InstanceStatusRunning), string(containerID), id.String())
	if err != nil {
		return utils.MakeError("couldn't register container %s for instance %s: %s", containerID, id, err)
	}
	if result.RowsAffected() == 0 {
		return utils.MakeError("couldn't register container for instance %s: row in database missing", id)
	}
	logger.Infof("Registered container %s for instance %s, now running", containerID, id)
	return nil
}

// WriteInstanceError marks an instance failed with a human-readable
// message.
func (c *Client) WriteInstanceError(ctx context.Context, id types.InstanceID, message string) error {
	result, err := c.pool.Exec(ctx,
		`UPDATE instances SET status = $1, error_message = $2, updated_at = now() WHERE id = $3 AND status <> 'deleted'`,
		string(InstanceStatusError), message, id.String())
	if err != nil {
		return utils.MakeError("couldn't write error for instance %s: %s", id, err)
	}
	if result.RowsAffected() == 0 {
		return utils.MakeError("couldn't write error for instance %s: row in database missing", id)
	}
	return nil
}

// RemoveInstance deletes the instance row (and, via cascade, its config).
// Only teardown calls this, after the container resources are confirmed
// released.
func (c *Client) RemoveInstance(ctx context.Context, id types.InstanceID) error {
	result, err := c.pool.Exec(ctx, `DELETE FROM instances WHERE id = $1`, id.String())
	if err != nil {
		return utils.MakeError("couldn't remove instance %s from database: %s", id, err)
	}
	if result.RowsAffected() == 0 {
		return utils.MakeError("tried to remove instance %s from database, but it was already gone", id)
	}
	logger.Infof("Removed row in database for instance %s", id)
	return nil
}
