// Package containerruntime wraps the container engine behind a narrow,
// mockable boundary. The orchestrator talks to this interface only; the
// Docker implementation lives in docker.go.
package containerruntime // import "github.com/atriumhq/atrium/host-service/containerruntime"

import (
	"context"
	"errors"
	"time"

	"github.com/atriumhq/atrium/types"
)

// Sentinel errors for the runtime taxonomy. NotFound is frequently
// non-fatal (an absent container is an already-converged teardown);
// EngineUnavailable is always fatal and never silently retried.
var (
	// ErrNotFound indicates the named container, network, or volume does
	// not exist.
	ErrNotFound = errors.New("runtime object not found")

	// ErrTimeout indicates a bounded operation (image pull) exceeded its
	// budget.
	ErrTimeout = errors.New("runtime operation exceeded its time bound")

	// ErrEngineUnavailable indicates the container engine itself is
	// unreachable or rejected our credentials.
	ErrEngineUnavailable = errors.New("container engine unavailable")
)

// ContainerState is the coarse status the reconciler maps into instance
// statuses.
type ContainerState string

const (
	StateRunning ContainerState = "running"
	StateStopped ContainerState = "stopped"
	StateError   ContainerState = "error"
)

// ContainerStatus is the result of inspecting a container.
type ContainerStatus struct {
	State ContainerState

	// Healthy reflects the container's healthcheck. Only meaningful when
	// State is StateRunning; a running container with a failing
	// healthcheck reports Healthy == false.
	Healthy bool
}

// ContainerSpec is everything needed to create an agent container. It is
// plain data assembled by the agentbox package; this package translates
// it into engine calls.
type ContainerSpec struct {
	Name  string
	Image string

	// User is the uid:gid the container process runs as. Never root.
	User string

	Env    []string
	Labels map[string]string

	// HealthCmd is the CMD-form healthcheck run inside the container.
	HealthCmd      []string
	HealthInterval time.Duration

	// VolumeMounts maps volume name to its mount path inside the
	// container.
	VolumeMounts map[string]string

	// TmpfsMounts lists writable tmpfs paths layered over the read-only
	// root filesystem.
	TmpfsMounts []string

	// ExposedPort is the single internal port the agent listens on.
	ExposedPort uint16

	// Resource ceilings, derived from the subscription tier on every
	// create.
	MemoryBytes int64
	CPUShares   int64
	PidsLimit   int64

	// Networks the container joins at creation time.
	Networks []string
}

// Runtime is the boundary the orchestrator drives. All creators are
// idempotent by name: "already exists" is success, not an error.
type Runtime interface {
	// EnsureImage makes sure the image is present locally, pulling it
	// with the given bound if missing. Exceeding the bound returns
	// ErrTimeout, never a silent skip.
	EnsureImage(ctx context.Context, ref string, pullTimeout time.Duration) error

	// CreateVolume creates a named volume if absent and returns its host
	// mountpoint, so callers can seed files into it before any container
	// starts.
	CreateVolume(ctx context.Context, name string) (mountpoint string, err error)

	// CreateIsolatedNetwork creates a bridge network with no outbound
	// route, used to keep tenant containers from reaching each other or
	// the internet directly.
	CreateIsolatedNetwork(ctx context.Context, name string) error

	ConnectNetwork(ctx context.Context, networkName string, containerID types.ContainerID) error

	CreateContainer(ctx context.Context, spec ContainerSpec) (types.ContainerID, error)
	StartContainer(ctx context.Context, id types.ContainerID) error
	StopContainer(ctx context.Context, id types.ContainerID, grace time.Duration) error
	RestartContainer(ctx context.Context, id types.ContainerID, grace time.Duration) error
	RemoveContainer(ctx context.Context, id types.ContainerID, removeVolumes bool) error
	RemoveNetwork(ctx context.Context, name string) error

	// RemoveVolume removes a named volume. Docker only deletes anonymous
	// volumes with their container, so teardown must remove the named
	// config and workspace volumes explicitly. An absent volume is
	// ErrNotFound, which teardown treats as already converged.
	RemoveVolume(ctx context.Context, name string) error

	InspectStatus(ctx context.Context, id types.ContainerID) (ContainerStatus, error)

	// ExecOneShot runs a short command inside a running container and
	// returns its combined output. Used only for small file writes and
	// reindex triggers, not general exec. Callers bound it via ctx.
	ExecOneShot(ctx context.Context, id types.ContainerID, cmd []string) (string, error)
}
