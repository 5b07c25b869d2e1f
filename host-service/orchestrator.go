package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atriumhq/atrium/dbdriver"
	"github.com/atriumhq/atrium/host-service/agentbox"
	"github.com/atriumhq/atrium/host-service/agentbox/configutils"
	"github.com/atriumhq/atrium/host-service/agentbox/memorydocs"
	"github.com/atriumhq/atrium/host-service/containerruntime"
	"github.com/atriumhq/atrium/host-service/metrics"
	"github.com/atriumhq/atrium/metadata"
	"github.com/atriumhq/atrium/types"
	"github.com/atriumhq/atrium/utils"

	logger "github.com/atriumhq/atrium/atriumlogger"
)

// InstanceStore is the slice of the database client the orchestrator
// consumes. Declared here, on the consumer side, so tests can substitute
// a fake without a database.
type InstanceStore interface {
	CreateInstance(ctx context.Context, userID types.UserID, subdomain types.Subdomain) (*dbdriver.Instance, error)
	GetInstance(ctx context.Context, id types.InstanceID) (*dbdriver.Instance, error)
	GetInstanceByUserID(ctx context.Context, userID types.UserID) (*dbdriver.Instance, error)
	ListLiveInstances(ctx context.Context) ([]*dbdriver.Instance, error)
	ClaimPendingInstance(ctx context.Context) (*dbdriver.Instance, error)
	WriteInstanceStatus(ctx context.Context, id types.InstanceID, status dbdriver.InstanceStatus) error
	RegisterContainer(ctx context.Context, id types.InstanceID, containerID types.ContainerID) error
	WriteInstanceError(ctx context.Context, id types.InstanceID, message string) error
	RemoveInstance(ctx context.Context, id types.InstanceID) error
	UpsertInstanceConfig(ctx context.Context, config *dbdriver.InstanceConfig) error
	GetInstanceConfig(ctx context.Context, instanceID types.InstanceID) (*dbdriver.InstanceConfig, error)
	CreatePairing(ctx context.Context, userID types.UserID, instanceID types.InstanceID) (*dbdriver.Pairing, error)
}

const (
	imagePullTimeout = 5 * time.Minute
	stopGracePeriod  = 10 * time.Second
)

// Orchestrator turns provisioning-status instances into running
// containers and keeps the database in sync with container reality. All
// collaborators are injected; it holds no globals.
type Orchestrator struct {
	store   InstanceStore
	runtime containerruntime.Runtime

	// tierForUser re-derives the subscription tier on every create, since
	// a tier can change over an instance's lifetime.
	tierForUser func(ctx context.Context, userID types.UserID) types.Tier

	encryptionKey string

	// readyTimeout bounds the wait for the agent's ready marker after
	// container start. Zero skips the wait (local development, tests).
	readyTimeout time.Duration
}

// NewOrchestrator wires an orchestrator from its collaborators.
func NewOrchestrator(store InstanceStore, runtime containerruntime.Runtime, tierForUser func(ctx context.Context, userID types.UserID) types.Tier, encryptionKey string, readyTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		store:         store,
		runtime:       runtime,
		tierForUser:   tierForUser,
		encryptionKey: encryptionKey,
		readyTimeout:  readyTimeout,
	}
}

// provision drives one instance from provisioning to running (or error
// with a recorded message). Interrupted prior attempts are recovered by
// remove-then-create, never resumed: every creator below is idempotent
// by name, so re-execution is cheap and a concurrent duplicate
// invocation cannot produce a second container.
func (o *Orchestrator) provision(ctx context.Context, instance *dbdriver.Instance) error {
	fail := func(format string, v ...interface{}) error {
		err := utils.MakeError(format, v...)
		metrics.Increment("ProvisionFailures")
		if dbErr := o.store.WriteInstanceError(ctx, instance.ID, err.Error()); dbErr != nil {
			logger.Errorf("Couldn't record provisioning failure for instance %s: %s", instance.ID, dbErr)
		}
		return err
	}

	if instance.Status != dbdriver.InstanceStatusProvisioning {
		// Status only moves forward; a running or failed instance is never
		// pulled backwards by a stale retry.
		logger.Warningf("Ignoring provision call for instance %s in status %s", instance.ID, instance.Status)
		return nil
	}

	config, err := o.store.GetInstanceConfig(ctx, instance.ID)
	if err != nil {
		return fail("couldn't read config for instance %s: %s", instance.ID, err)
	}

	secrets, onboarding, err := o.unsealConfig(config)
	if err != nil {
		return fail("couldn't unseal config for instance %s: %s", instance.ID, err)
	}

	// Remove-then-create: a half-created container from an interrupted
	// attempt is forcibly removed before we build a fresh one.
	containerName := agentbox.ContainerName(instance.UserID)
	if err := o.runtime.RemoveContainer(ctx, types.ContainerID(containerName), false); err != nil && !errors.Is(err, containerruntime.ErrNotFound) {
		return fail("couldn't remove leftover container %s: %s", containerName, err)
	}

	if err := o.runtime.EnsureImage(ctx, metadata.GetAgentImage(), imagePullTimeout); err != nil {
		return fail("couldn't ensure agent image: %s", err)
	}

	// Volumes and the isolated network don't depend on each other, so
	// create them in parallel, stopping at the first error.
	configVolume, workspaceVolume := agentbox.VolumeNames(instance.UserID)
	networkName := agentbox.NetworkName(instance.UserID)

	var configMountpoint string
	createGroup, groupCtx := errgroup.WithContext(ctx)
	createGroup.Go(func() error {
		mountpoint, err := o.runtime.CreateVolume(groupCtx, configVolume)
		if err != nil {
			return err
		}
		configMountpoint = mountpoint
		return nil
	})
	createGroup.Go(func() error {
		_, err := o.runtime.CreateVolume(groupCtx, workspaceVolume)
		return err
	})
	createGroup.Go(func() error {
		return o.runtime.CreateIsolatedNetwork(groupCtx, networkName)
	})
	if err := createGroup.Wait(); err != nil {
		return fail("couldn't create container resources for instance %s: %s", instance.ID, err)
	}

	if err := o.seedConfigVolume(configMountpoint, instance, config.Model, secrets, onboarding); err != nil {
		return fail("%s", err)
	}

	tier := o.tierForUser(ctx, instance.UserID)
	spec := agentbox.BuildContainerSpec(instance.UserID, instance.ID, instance.Subdomain, config.Model, tier, secrets)

	containerID, err := o.runtime.CreateContainer(ctx, spec)
	if err != nil {
		return fail("couldn't create container for instance %s: %s", instance.ID, err)
	}

	// From here on, any failure cleans up the container we just created,
	// but cleanup never blocks failure reporting.
	cleanup := func() {
		go func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := o.runtime.RemoveContainer(cleanupCtx, containerID, false); err != nil && !errors.Is(err, containerruntime.ErrNotFound) {
				logger.Errorf("Couldn't clean up container %s after failed provision: %s", containerID, err)
			}
		}()
	}

	if err := o.runtime.StartContainer(ctx, containerID); err != nil {
		cleanup()
		return fail("couldn't start container for instance %s: %s", instance.ID, err)
	}

	// The create call only joins the isolated network; ingress is
	// attached here so the edge proxy can discover the labels.
	if err := o.runtime.ConnectNetwork(ctx, metadata.GetIngressNetwork(), containerID); err != nil {
		cleanup()
		return fail("couldn't attach instance %s to the ingress network: %s", instance.ID, err)
	}

	if o.readyTimeout > 0 {
		if err := utils.WaitForFileCreation(configMountpoint, agentbox.ReadyMarkerFile, o.readyTimeout); err != nil {
			cleanup()
			return fail("agent for instance %s did not come up within %s: %s", instance.ID, o.readyTimeout, err)
		}
	}

	if err := o.store.RegisterContainer(ctx, instance.ID, containerID); err != nil {
		return fail("couldn't mark instance %s running: %s", instance.ID, err)
	}

	metrics.Increment("ProvisionSuccesses")
	logger.Infof("Provisioned instance %s for user %s: container %s reachable at %s",
		instance.ID, instance.UserID, containerID, agentbox.InstanceURL(instance.Subdomain))
	return nil
}

// unsealConfig decrypts the credential fields and decodes the onboarding
// blob. Absent (NULL) fields stay empty; a present field that isn't
// well-formed ciphertext is a hard error.
func (o *Orchestrator) unsealConfig(config *dbdriver.InstanceConfig) (agentbox.Secrets, types.OnboardingData, error) {
	var (
		secrets    agentbox.Secrets
		onboarding types.OnboardingData
	)

	if config.APIKeySealed != "" {
		key, err := configutils.DecryptFromString(o.encryptionKey, config.APIKeySealed)
		if err != nil {
			return secrets, onboarding, utils.MakeError("bad api key ciphertext: %s", err)
		}
		secrets.GatewayKey = key
	}
	if config.BotTokenSealed != "" {
		token, err := configutils.DecryptFromString(o.encryptionKey, config.BotTokenSealed)
		if err != nil {
			return secrets, onboarding, utils.MakeError("bad bot token ciphertext: %s", err)
		}
		secrets.BotToken = token
	}
	if config.OnboardingSealed != "" {
		blob, err := configutils.UnsealBlob(o.encryptionKey, config.OnboardingSealed)
		if err != nil {
			return secrets, onboarding, utils.MakeError("bad onboarding ciphertext: %s", err)
		}
		if err := unmarshalOnboarding(blob, &onboarding); err != nil {
			return secrets, onboarding, err
		}
	}
	return secrets, onboarding, nil
}

// seedConfigVolume writes the config document and, when onboarding data
// is present, the memory/identity document set into the config volume's
// host mountpoint before the container's first start.
func (o *Orchestrator) seedConfigVolume(mountpoint string, instance *dbdriver.Instance, model string, secrets agentbox.Secrets, onboarding types.OnboardingData) error {
	doc, err := agentbox.RenderConfigDocument(instance.Subdomain, model, secrets.GatewayKey, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return utils.MakeError("couldn't render config document for instance %s: %s", instance.ID, err)
	}
	if err := agentbox.WriteVolumeFile(mountpoint, agentbox.ConfigDocumentName, doc); err != nil {
		return utils.MakeError("couldn't write config document for instance %s: %s", instance.ID, err)
	}

	if onboarding.Empty() {
		return nil
	}

	for _, document := range memorydocs.RenderAll(onboarding) {
		// The brand context document is the agent's own memory once
		// seeded; a re-provision of the same user must not clobber it.
		if document.Name == memorydocs.BrandContextFile && agentbox.VolumeFileExists(mountpoint, document.Name) {
			logger.Infof("Keeping existing %s for instance %s", document.Name, instance.ID)
			continue
		}
		if err := agentbox.WriteVolumeFile(mountpoint, document.Name, []byte(document.Content)); err != nil {
			return utils.MakeError("couldn't write %s for instance %s: %s", document.Name, instance.ID, err)
		}
	}
	return nil
}

// teardown releases an instance's container, volumes and network, then
// deletes the database rows. A container that is already gone counts as
// converged; any other removal failure aborts before the rows are
// deleted, so the record never silently loses track of a live container.
func (o *Orchestrator) teardown(ctx context.Context, instance *dbdriver.Instance) error {
	containerRef := types.ContainerID(agentbox.ContainerName(instance.UserID))
	if instance.ContainerID != "" {
		containerRef = instance.ContainerID
	}

	if err := o.runtime.StopContainer(ctx, containerRef, stopGracePeriod); err != nil && !errors.Is(err, containerruntime.ErrNotFound) {
		return utils.MakeError("couldn't stop container for instance %s: %s", instance.ID, err)
	}

	if err := o.runtime.RemoveContainer(ctx, containerRef, true); err != nil && !errors.Is(err, containerruntime.ErrNotFound) {
		return utils.MakeError("couldn't remove container for instance %s: %s", instance.ID, err)
	}

	// The config and workspace volumes are named, so the engine won't
	// remove them with the container; a fresh instance for this user must
	// not inherit the previous agent's files.
	configVolume, workspaceVolume := agentbox.VolumeNames(instance.UserID)
	for _, volumeName := range []string{configVolume, workspaceVolume} {
		if err := o.runtime.RemoveVolume(ctx, volumeName); err != nil && !errors.Is(err, containerruntime.ErrNotFound) {
			return utils.MakeError("couldn't remove volume %s for instance %s: %s", volumeName, instance.ID, err)
		}
	}

	if err := o.runtime.RemoveNetwork(ctx, agentbox.NetworkName(instance.UserID)); err != nil && !errors.Is(err, containerruntime.ErrNotFound) {
		return utils.MakeError("couldn't remove network for instance %s: %s", instance.ID, err)
	}

	if err := o.store.RemoveInstance(ctx, instance.ID); err != nil {
		return err
	}

	logger.Infof("Tore down instance %s for user %s", instance.ID, instance.UserID)
	return nil
}

// reconcile corrects an instance's persisted status to match observed
// container reality. The runtime is the source of truth for "what does
// exist"; the record always loses a disagreement.
func (o *Orchestrator) reconcile(ctx context.Context, instance *dbdriver.Instance) error {
	if instance.ContainerID == "" {
		// Nothing to observe yet; the poll worker owns this instance.
		return nil
	}

	status, err := o.runtime.InspectStatus(ctx, instance.ContainerID)
	if err != nil {
		if errors.Is(err, containerruntime.ErrNotFound) {
			return o.store.WriteInstanceError(ctx, instance.ID,
				utils.Sprintf("container %s no longer exists", instance.ContainerID))
		}
		return utils.MakeError("couldn't inspect container for instance %s: %s", instance.ID, err)
	}

	var mapped dbdriver.InstanceStatus
	switch {
	case status.State == containerruntime.StateRunning && status.Healthy:
		mapped = dbdriver.InstanceStatusRunning
	case status.State == containerruntime.StateRunning:
		return o.store.WriteInstanceError(ctx, instance.ID, "container is running but unhealthy")
	case status.State == containerruntime.StateStopped:
		mapped = dbdriver.InstanceStatusStopped
	default:
		return o.store.WriteInstanceError(ctx, instance.ID, "container is in an error state")
	}

	if mapped == instance.Status {
		return nil
	}
	logger.Infof("Reconciling instance %s: %s -> %s", instance.ID, instance.Status, mapped)
	return o.store.WriteInstanceStatus(ctx, instance.ID, mapped)
}

// reconcileSweep runs reconcile over every live instance. One instance's
// failure never stops the sweep.
func (o *Orchestrator) reconcileSweep(ctx context.Context) {
	instances, err := o.store.ListLiveInstances(ctx)
	if err != nil {
		logger.Errorf("Reconcile sweep couldn't list instances: %s", err)
		return
	}
	for _, instance := range instances {
		if err := o.reconcile(ctx, instance); err != nil {
			logger.Errorf("Reconcile failed for instance %s: %s", instance.ID, err)
		}
	}
}

// hotUpdate rewrites the updatable document set for a running instance
// and triggers a reindex inside the container. The brand context
// document is deliberately left alone.
func (o *Orchestrator) hotUpdate(ctx context.Context, instance *dbdriver.Instance, onboarding types.OnboardingData) error {
	if instance.Status != dbdriver.InstanceStatusRunning {
		return utils.MakeError("can't hot-update instance %s in status %s", instance.ID, instance.Status)
	}

	configVolume, _ := agentbox.VolumeNames(instance.UserID)
	mountpoint, err := o.runtime.CreateVolume(ctx, configVolume)
	if err != nil {
		return utils.MakeError("couldn't resolve config volume for instance %s: %s", instance.ID, err)
	}

	for _, document := range memorydocs.RenderUpdatable(onboarding) {
		if err := agentbox.WriteVolumeFile(mountpoint, document.Name, []byte(document.Content)); err != nil {
			return utils.MakeError("couldn't write %s for instance %s: %s", document.Name, instance.ID, err)
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := o.runtime.ExecOneShot(execCtx, instance.ContainerID, []string{"agentctl", "reindex"}); err != nil {
		return utils.MakeError("reindex failed for instance %s: %s", instance.ID, err)
	}

	logger.Infof("Hot-updated documents for instance %s", instance.ID)
	return nil
}

// pollTick claims at most one pending instance and processes it to
// completion. Returns false when the queue was empty.
func (o *Orchestrator) pollTick(ctx context.Context) bool {
	instance, err := o.store.ClaimPendingInstance(ctx)
	if err != nil {
		if !errors.Is(err, dbdriver.ErrNotFound) {
			logger.Errorf("Poll worker couldn't claim a pending instance: %s", err)
		}
		return false
	}

	// provision records its own failure on the instance row; the loop
	// just logs and moves on so one bad instance never kills the worker.
	if err := o.provision(ctx, instance); err != nil {
		logger.Errorf("Provisioning failed for instance %s: %s", instance.ID, err)
	}
	return true
}

// pollLoop is the provisioning worker: a fixed 5 second tick that claims
// at most one pending instance per tick and processes it to completion
// before the next claim. Serial by construction, so two containers are
// never provisioned concurrently on this host.
func (o *Orchestrator) pollLoop(ctx context.Context, interval time.Duration) {
	defer logger.Infof("Finished provisioning poll loop.")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pollTick(ctx)
		}
	}
}

func unmarshalOnboarding(blob []byte, out *types.OnboardingData) error {
	if err := json.Unmarshal(blob, out); err != nil {
		return utils.MakeError("couldn't decode onboarding blob: %s", err)
	}
	return nil
}
