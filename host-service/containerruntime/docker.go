package containerruntime // import "github.com/atriumhq/atrium/host-service/containerruntime"

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	dockerfilters "github.com/docker/docker/api/types/filters"
	dockermount "github.com/docker/docker/api/types/mount"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	dockervolume "github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	dockernat "github.com/docker/go-connections/nat"
	dockerunits "github.com/docker/go-units"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/atriumhq/atrium/types"
	"github.com/atriumhq/atrium/utils"

	logger "github.com/atriumhq/atrium/atriumlogger"
)

// DockerRuntime implements Runtime against a real Docker engine.
type DockerRuntime struct {
	client dockerclient.CommonAPIClient
}

// NewDockerRuntime connects to the local Docker engine and verifies it
// responds. A failed ping is ErrEngineUnavailable, surfaced immediately.
func NewDockerRuntime(ctx context.Context) (*DockerRuntime, error) {
	client, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, utils.MakeError("%w: error creating docker client: %s", ErrEngineUnavailable, err)
	}
	if _, err := client.Ping(ctx); err != nil {
		return nil, utils.MakeError("%w: docker engine did not respond to ping: %s", ErrEngineUnavailable, err)
	}
	return &DockerRuntime{client: client}, nil
}

// NewDockerRuntimeWithClient wraps an existing client. Used by tests and
// by the event-loop wiring in main, which shares one client.
func NewDockerRuntimeWithClient(client dockerclient.CommonAPIClient) *DockerRuntime {
	return &DockerRuntime{client: client}
}

// Client exposes the underlying engine client for the event stream in
// main. Orchestration code must not use it directly.
func (d *DockerRuntime) Client() dockerclient.CommonAPIClient {
	return d.client
}

func (d *DockerRuntime) EnsureImage(ctx context.Context, ref string, pullTimeout time.Duration) error {
	images, err := d.client.ImageList(ctx, dockertypes.ImageListOptions{
		Filters: dockerfilters.NewArgs(dockerfilters.Arg("reference", ref)),
	})
	if err != nil {
		return utils.MakeError("error listing images for %s: %s", ref, err)
	}
	if len(images) > 0 {
		return nil
	}

	logger.Infof("Image %s not present, pulling with a %s bound", ref, pullTimeout)

	pullCtx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()

	reader, err := d.client.ImagePull(pullCtx, ref, dockertypes.ImagePullOptions{})
	if err != nil {
		if errors.Is(pullCtx.Err(), context.DeadlineExceeded) {
			return utils.MakeError("%w: pull of %s did not finish within %s", ErrTimeout, ref, pullTimeout)
		}
		return utils.MakeError("error pulling image %s: %s", ref, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(pullCtx.Err(), context.DeadlineExceeded) {
			return utils.MakeError("%w: pull of %s did not finish within %s", ErrTimeout, ref, pullTimeout)
		}
		return utils.MakeError("error reading pull progress for %s: %s", ref, err)
	}
	return nil
}

func (d *DockerRuntime) CreateVolume(ctx context.Context, name string) (string, error) {
	// VolumeCreate with an existing name returns the existing volume, so
	// this is idempotent without a conflict check.
	vol, err := d.client.VolumeCreate(ctx, dockervolume.VolumeCreateBody{Name: name})
	if err != nil {
		return "", utils.MakeError("error creating volume %s: %s", name, err)
	}
	return vol.Mountpoint, nil
}

func (d *DockerRuntime) CreateIsolatedNetwork(ctx context.Context, name string) error {
	_, err := d.client.NetworkCreate(ctx, name, dockertypes.NetworkCreate{
		CheckDuplicate: true,
		Driver:         "bridge",
		// No outbound route: tenant containers can't reach each other or
		// the internet over this network.
		Internal: true,
	})
	if err != nil {
		if errdefs.IsConflict(err) || strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return utils.MakeError("error creating network %s: %s", name, err)
	}
	return nil
}

func (d *DockerRuntime) ConnectNetwork(ctx context.Context, networkName string, containerID types.ContainerID) error {
	err := d.client.NetworkConnect(ctx, networkName, string(containerID), nil)
	if err != nil {
		if errdefs.IsForbidden(err) || strings.Contains(err.Error(), "already exists in network") {
			return nil
		}
		if errdefs.IsNotFound(err) {
			return utils.MakeError("%w: network %s or container %s", ErrNotFound, networkName, containerID)
		}
		return utils.MakeError("error connecting container %s to network %s: %s", containerID, networkName, err)
	}
	return nil
}

func (d *DockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (types.ContainerID, error) {
	exposedPort := dockernat.Port(utils.Sprintf("%d/tcp", spec.ExposedPort))

	config := dockercontainer.Config{
		Image:  spec.Image,
		User:   spec.User,
		Env:    spec.Env,
		Labels: spec.Labels,
		ExposedPorts: dockernat.PortSet{
			exposedPort: struct{}{},
		},
	}
	if len(spec.HealthCmd) > 0 {
		interval := spec.HealthInterval
		if interval == 0 {
			interval = 30 * time.Second
		}
		config.Healthcheck = &dockercontainer.HealthConfig{
			Test:     append([]string{"CMD"}, spec.HealthCmd...),
			Interval: interval,
			Retries:  3,
		}
	}

	var mounts []dockermount.Mount
	for volumeName, target := range spec.VolumeMounts {
		mounts = append(mounts, dockermount.Mount{
			Type:   dockermount.TypeVolume,
			Source: volumeName,
			Target: target,
		})
	}

	tmpfs := make(map[string]string, len(spec.TmpfsMounts))
	for _, target := range spec.TmpfsMounts {
		tmpfs[target] = "size=52428800"
	}

	hostConfig := dockercontainer.HostConfig{
		Mounts:         mounts,
		Tmpfs:          tmpfs,
		ReadonlyRootfs: true,
		CapDrop:        strslice.StrSlice{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		RestartPolicy:  dockercontainer.RestartPolicy{Name: "unless-stopped"},
		Resources: dockercontainer.Resources{
			Memory:    spec.MemoryBytes,
			CPUShares: spec.CPUShares,
			PidsLimit: &spec.PidsLimit,
			Ulimits: []*dockerunits.Ulimit{
				{Name: "nofile", Soft: 4096, Hard: 8192},
			},
		},
	}

	var networkConfig *dockernetwork.NetworkingConfig
	if len(spec.Networks) > 0 {
		endpoints := make(map[string]*dockernetwork.EndpointSettings, len(spec.Networks))
		// ContainerCreate only honors one endpoint; the rest are attached
		// via ConnectNetwork after creation.
		endpoints[spec.Networks[0]] = &dockernetwork.EndpointSettings{}
		networkConfig = &dockernetwork.NetworkingConfig{EndpointsConfig: endpoints}
	}

	body, err := d.client.ContainerCreate(ctx, &config, &hostConfig, networkConfig,
		&v1.Platform{Architecture: "amd64", OS: "linux"}, spec.Name)
	if err != nil {
		if errdefs.IsConflict(err) {
			// A container with this name already exists; the caller's
			// remove-then-create recovery should have cleared it, so
			// surface the id of the survivor.
			existing, inspectErr := d.client.ContainerInspect(ctx, spec.Name)
			if inspectErr == nil {
				return types.ContainerID(existing.ID), nil
			}
		}
		return "", utils.MakeError("error creating container %s: %s", spec.Name, err)
	}
	return types.ContainerID(body.ID), nil
}

func (d *DockerRuntime) StartContainer(ctx context.Context, id types.ContainerID) error {
	if err := d.client.ContainerStart(ctx, string(id), dockertypes.ContainerStartOptions{}); err != nil {
		return utils.MakeError("error starting container %s: %s", id, err)
	}
	return nil
}

func (d *DockerRuntime) StopContainer(ctx context.Context, id types.ContainerID, grace time.Duration) error {
	if err := d.client.ContainerStop(ctx, string(id), &grace); err != nil {
		if errdefs.IsNotFound(err) {
			return utils.MakeError("%w: container %s", ErrNotFound, id)
		}
		return utils.MakeError("error stopping container %s: %s", id, err)
	}
	return nil
}

func (d *DockerRuntime) RestartContainer(ctx context.Context, id types.ContainerID, grace time.Duration) error {
	if err := d.client.ContainerRestart(ctx, string(id), &grace); err != nil {
		if errdefs.IsNotFound(err) {
			return utils.MakeError("%w: container %s", ErrNotFound, id)
		}
		return utils.MakeError("error restarting container %s: %s", id, err)
	}
	return nil
}

func (d *DockerRuntime) RemoveContainer(ctx context.Context, id types.ContainerID, removeVolumes bool) error {
	err := d.client.ContainerRemove(ctx, string(id), dockertypes.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: removeVolumes,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return utils.MakeError("%w: container %s", ErrNotFound, id)
		}
		return utils.MakeError("error removing container %s: %s", id, err)
	}
	return nil
}

func (d *DockerRuntime) RemoveNetwork(ctx context.Context, name string) error {
	if err := d.client.NetworkRemove(ctx, name); err != nil {
		if errdefs.IsNotFound(err) {
			return utils.MakeError("%w: network %s", ErrNotFound, name)
		}
		return utils.MakeError("error removing network %s: %s", name, err)
	}
	return nil
}

func (d *DockerRuntime) RemoveVolume(ctx context.Context, name string) error {
	if err := d.client.VolumeRemove(ctx, name, false); err != nil {
		if errdefs.IsNotFound(err) {
			return utils.MakeError("%w: volume %s", ErrNotFound, name)
		}
		return utils.MakeError("error removing volume %s: %s", name, err)
	}
	return nil
}

func (d *DockerRuntime) InspectStatus(ctx context.Context, id types.ContainerID) (ContainerStatus, error) {
	info, err := d.client.ContainerInspect(ctx, string(id))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ContainerStatus{}, utils.MakeError("%w: container %s", ErrNotFound, id)
		}
		return ContainerStatus{}, utils.MakeError("error inspecting container %s: %s", id, err)
	}

	if info.State == nil {
		return ContainerStatus{State: StateError}, nil
	}

	switch {
	case info.State.Running:
		status := ContainerStatus{State: StateRunning, Healthy: true}
		if info.State.Health != nil && info.State.Health.Status == dockertypes.Unhealthy {
			status.Healthy = false
		}
		return status, nil
	case info.State.ExitCode != 0 || info.State.OOMKilled:
		return ContainerStatus{State: StateError}, nil
	default:
		return ContainerStatus{State: StateStopped}, nil
	}
}

func (d *DockerRuntime) ExecOneShot(ctx context.Context, id types.ContainerID, cmd []string) (string, error) {
	exec, err := d.client.ContainerExecCreate(ctx, string(id), dockertypes.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", utils.MakeError("%w: container %s", ErrNotFound, id)
		}
		return "", utils.MakeError("error creating exec in container %s: %s", id, err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, exec.ID, dockertypes.ExecStartCheck{})
	if err != nil {
		return "", utils.MakeError("error attaching to exec in container %s: %s", id, err)
	}
	defer resp.Close()

	output, err := io.ReadAll(resp.Reader)
	if err != nil {
		return "", utils.MakeError("error reading exec output from container %s: %s", id, err)
	}

	inspect, err := d.client.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return "", utils.MakeError("error inspecting exec in container %s: %s", id, err)
	}
	if inspect.ExitCode != 0 {
		return string(output), utils.MakeError("command %v in container %s exited %d: %s", cmd, id, inspect.ExitCode, output)
	}
	return string(output), nil
}
