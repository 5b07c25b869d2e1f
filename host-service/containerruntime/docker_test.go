package containerruntime

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// stubDockerClient overrides the handful of engine calls these tests
// exercise; everything else panics through the embedded nil interface,
// which would flag an unexpected call immediately.
type stubDockerClient struct {
	dockerclient.CommonAPIClient

	containerErr error
	imagePullErr error
}

func (s *stubDockerClient) ContainerStop(ctx context.Context, id string, timeout *time.Duration) error {
	return s.containerErr
}

func (s *stubDockerClient) ContainerRemove(ctx context.Context, id string, options dockertypes.ContainerRemoveOptions) error {
	return s.containerErr
}

func (s *stubDockerClient) ContainerInspect(ctx context.Context, id string) (dockertypes.ContainerJSON, error) {
	return dockertypes.ContainerJSON{}, s.containerErr
}

func (s *stubDockerClient) NetworkRemove(ctx context.Context, id string) error {
	return s.containerErr
}

func (s *stubDockerClient) VolumeRemove(ctx context.Context, id string, force bool) error {
	return s.containerErr
}

func (s *stubDockerClient) ImageList(ctx context.Context, options dockertypes.ImageListOptions) ([]dockertypes.ImageSummary, error) {
	return nil, nil
}

func (s *stubDockerClient) ImagePull(ctx context.Context, ref string, options dockertypes.ImagePullOptions) (io.ReadCloser, error) {
	// Block like a slow registry until the caller's pull bound expires.
	<-ctx.Done()
	return nil, s.imagePullErr
}

// The orchestrator's remove-then-create recovery, teardown convergence
// and reconcile drift mapping all branch on errors.Is against the
// sentinels, so the Docker adapter must wrap them into every error it
// builds from an engine 404.
func TestNotFoundSentinelSurvivesWrapping(t *testing.T) {
	stub := &stubDockerClient{containerErr: errdefs.NotFound(errors.New("no such object"))}
	d := NewDockerRuntimeWithClient(stub)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"StopContainer", func() error { return d.StopContainer(ctx, "atrium-agent-x", time.Second) }},
		{"RemoveContainer", func() error { return d.RemoveContainer(ctx, "atrium-agent-x", true) }},
		{"RemoveNetwork", func() error { return d.RemoveNetwork(ctx, "atrium-isolated-x") }},
		{"RemoveVolume", func() error { return d.RemoveVolume(ctx, "atrium-config-x") }},
		{"InspectStatus", func() error { _, err := d.InspectStatus(ctx, "atrium-agent-x"); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if err == nil {
				t.Fatal("expected an error for an absent object")
			}
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("errors.Is(err, ErrNotFound) = false for %q", err)
			}
		})
	}
}

func TestEnsureImageTimeoutSentinel(t *testing.T) {
	stub := &stubDockerClient{imagePullErr: context.DeadlineExceeded}
	d := NewDockerRuntimeWithClient(stub)

	err := d.EnsureImage(context.Background(), "ghcr.io/atriumhq/agentbox:stable", 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected an error when the pull exceeds its bound")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("errors.Is(err, ErrTimeout) = false for %q", err)
	}
}
