/*
The Atrium Host-Service is responsible for orchestrating agentboxes (i.e.
per-user sandboxed AI-agent containers) on the platform VPS. It owns the
full instance lifecycle: it accepts provisioning requests from the
platform web app, drives the container engine through the runtime
adapter, seeds each agent's config and memory documents, and keeps the
instances table in sync with observed container reality.

If you are just interested in seeing what endpoints the host-service
exposes, check out the file `httpserver.go`.
*/
package main

import (
	// NOTE: The "fmt" or "log" packages should never be imported!!! This is
	// so that we never forget to ship a message to our log aggregators.
	// Instead, use the atriumlogger package imported below as `logger`.

	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	dockerevents "github.com/docker/docker/api/types/events"
	dockerfilters "github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
	"github.com/go-co-op/gocron"

	"github.com/atriumhq/atrium/dbdriver"
	"github.com/atriumhq/atrium/host-service/agentbox"
	"github.com/atriumhq/atrium/host-service/agentbox/configutils"
	"github.com/atriumhq/atrium/host-service/containerruntime"
	"github.com/atriumhq/atrium/host-service/metrics"
	"github.com/atriumhq/atrium/httputils"
	"github.com/atriumhq/atrium/metadata"
	"github.com/atriumhq/atrium/payments"
	"github.com/atriumhq/atrium/types"
	"github.com/atriumhq/atrium/utils"

	logger "github.com/atriumhq/atrium/atriumlogger"
)

const (
	pollInterval      = 5 * time.Second
	agentReadyTimeout = 60 * time.Second
)

func init() {
	rand.Seed(time.Now().UnixNano())
}

func main() {
	// The first thing we want to do is initialize logging so that any
	// errors we hit on the way up get shipped.
	logger.Initialize("host-service")

	// We create a global context (i.e. for the entire host service) that
	// can be cancelled if the entire program needs to terminate, and a
	// WaitGroup for all goroutines to tell us when they've stopped. The
	// deferred function below is the only way the host-service exits.
	globalCtx, globalCancel := context.WithCancel(context.Background())
	goroutineTracker := sync.WaitGroup{}

	var dbClient *dbdriver.Client
	defer func() {
		if r := recover(); r != nil {
			logger.Infof("Shutting down host service after caught panic in main(): %v", r)
		} else {
			logger.Infof("Beginning host service shutdown procedure...")
		}

		globalCancel()

		if !utils.WaitWithTimeout(&goroutineTracker, 2*time.Minute) {
			logger.Errorf("Goroutines did not finish within the shutdown window.")
		}

		close(eventLoopKeepalive)

		if dbClient != nil {
			dbClient.Close()
		}

		logger.Info("Finished host service shutdown procedure. Finally exiting...")
		logger.Close()
		os.Exit(0)
	}()

	if metadata.GetConfigEncryptionKey() == "" && !metadata.IsLocalEnv() {
		logger.Panicf(globalCancel, "CONFIG_ENCRYPTION_KEY must be set outside local development")
	}

	var err error
	dbClient, err = dbdriver.Connect(globalCtx, metadata.GetDatabaseURL())
	if err != nil {
		logger.Panic(globalCancel, err)
		return
	}
	if err := dbClient.EnsureSchema(globalCtx); err != nil {
		logger.Panic(globalCancel, err)
		return
	}

	runtime, err := containerruntime.NewDockerRuntime(globalCtx)
	if err != nil {
		logger.Panic(globalCancel, err)
		return
	}

	// The shared ingress network is host-level infrastructure: the edge
	// proxy joins it once and every agentbox is attached to it.
	if err := ensureIngressNetwork(globalCtx, runtime.Client()); err != nil {
		logger.Panic(globalCancel, err)
		return
	}

	readyTimeout := agentReadyTimeout
	if metadata.IsLocalEnv() {
		// In localdev we want a shell into the container immediately, not
		// conditional on the agent starting cleanly.
		readyTimeout = 0
	}

	orchestrator := NewOrchestrator(dbClient, runtime, stripeTierSource, metadata.GetConfigEncryptionKey(), readyTimeout)

	// Now we start all the goroutines that actually do work.

	httpServerEvents, err := StartHTTPServer(globalCtx, globalCancel, &goroutineTracker)
	if err != nil {
		logger.Panic(globalCancel, err)
		return
	}

	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()
		dbClient.HeartbeatGoroutine(globalCtx)
	}()

	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()
		orchestrator.pollLoop(globalCtx, pollInterval)
	}()

	metrics.StartCollectionGoroutine(globalCtx, &goroutineTracker)

	startScheduledJobs(globalCtx, &goroutineTracker, orchestrator, dbClient)

	// Start main event loop. Note that we don't track this goroutine, but
	// instead control its lifetime with `eventLoopKeepalive`, so we can
	// still process container die events while shutting down.
	go eventLoopGoroutine(globalCtx, globalCancel, &goroutineTracker, runtime.Client(), orchestrator, dbClient, httpServerEvents)

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Wait for either the global context to get cancelled by a worker
	// goroutine, or for us to receive an interrupt. This needs to be the
	// end of main().
	select {
	case <-sigChan:
		logger.Infof("Got an interrupt or SIGTERM")
	case <-globalCtx.Done():
		logger.Infof("Global context cancelled!")
	}
}

// ensureIngressNetwork creates the shared ingress network if it doesn't
// exist yet. Unlike the per-container networks it is NOT internal, since
// the edge proxy needs to reach the outside world.
func ensureIngressNetwork(ctx context.Context, client dockerclient.CommonAPIClient) error {
	name := metadata.GetIngressNetwork()
	_, err := client.NetworkCreate(ctx, name, dockertypes.NetworkCreate{
		CheckDuplicate: true,
		Driver:         "bridge",
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return utils.MakeError("couldn't ensure ingress network %s: %s", name, err)
	}
	return nil
}

// stripeTierSource resolves a user's subscription tier from Stripe. User
// IDs are Stripe customer IDs (the web app creates platform users from
// Stripe customers). Lookup failures degrade to the starter tier rather
// than blocking provisioning.
func stripeTierSource(ctx context.Context, userID types.UserID) types.Tier {
	if metadata.IsLocalEnv() {
		return types.TierStarter
	}

	client := payments.NewStripeClient(os.Getenv("STRIPE_SECRET"), os.Getenv("STRIPE_RESTRICTED"), string(userID))
	tier, err := payments.TierForCustomer(client)
	if err != nil {
		logger.Warningf("Couldn't resolve tier for user %s, using starter limits: %s", userID, err)
		return types.TierStarter
	}
	return tier
}

// startScheduledJobs runs the periodic maintenance work: a full
// reconcile sweep every minute and stale pairing cleanup every five.
func startScheduledJobs(globalCtx context.Context, goroutineTracker *sync.WaitGroup, orchestrator *Orchestrator, dbClient *dbdriver.Client) {
	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()

	scheduler.Every(1).Minute().Do(func() {
		orchestrator.reconcileSweep(globalCtx)
	})
	scheduler.Every(5).Minutes().Do(func() {
		expired, err := dbClient.ExpireStalePairings(globalCtx)
		if err != nil {
			logger.Errorf("Stale pairing cleanup failed: %s", err)
			return
		}
		if expired > 0 {
			logger.Infof("Expired %d stale pairing codes", expired)
		}
	})
	scheduler.StartAsync()

	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()
		<-globalCtx.Done()
		scheduler.Stop()
	}()
}

// As long as this channel is blocking, we continue processing events
// (including Docker events).
var eventLoopKeepalive = make(chan interface{}, 1)

func eventLoopGoroutine(globalCtx context.Context, globalCancel context.CancelFunc,
	goroutineTracker *sync.WaitGroup, dockerClient dockerclient.CommonAPIClient,
	orchestrator *Orchestrator, store InstanceStore, httpServerEvents <-chan httputils.ServerRequest) {
	// Note that we don't use globalCtx for the Docker context, since we
	// still wish to process Docker events after the global context is
	// cancelled.
	dockerContext, dockerContextCancel := context.WithCancel(context.Background())
	defer dockerContextCancel()

	filters := dockerfilters.NewArgs()
	filters.Add("type", dockerevents.ContainerEventType)
	eventOptions := dockertypes.EventsOptions{Filters: filters}

	// In the following loop, this var determines whether to re-initialize
	// the Docker event stream, which must be reopened after any error is
	// sent over the error channel.
	needToReinitDockerEventStream := false
	dockerEvents, dockerErrs := dockerClient.Events(dockerContext, eventOptions)
	logger.Info("Initialized docker event stream.")
	logger.Info("Entering event loop...")

	for {
		if needToReinitDockerEventStream {
			dockerEvents, dockerErrs = dockerClient.Events(dockerContext, eventOptions)
			needToReinitDockerEventStream = false
			logger.Info("Re-initialized docker event stream.")
		}

		select {
		case <-eventLoopKeepalive:
			logger.Infof("Leaving main event loop...")
			return

		case err := <-dockerErrs:
			needToReinitDockerEventStream = true
			switch {
			case err == nil:
				logger.Info("We got a nil error over the Docker event stream. Ignoring it and proceeding normally...")
				continue
			case err == io.EOF:
				logger.Panicf(globalCancel, "Docker event stream has been completely read.")
			case dockerclient.IsErrConnectionFailed(err):
				logger.Panicf(globalCancel, "Got error \"%v\". Could not connect to the Docker daemon.", err)
			default:
				if !strings.HasSuffix(strings.ToLower(err.Error()), "context canceled") {
					logger.Panicf(globalCancel, "Got an unknown error from the Docker event stream: %v", err)
				}
				return
			}

		case dockerEvent := <-dockerEvents:
			if dockerEvent.Action == "die" {
				go containerDieHandler(globalCtx, orchestrator, store, dockerEvent.ID)
			}

		// It may seem silly to just launch goroutines to handle these
		// server events, but we aim to keep the high-level flow control in
		// this package and the parsing/authentication in `httputils`.
		case serverEvent := <-httpServerEvents:
			switch event := serverEvent.(type) {
			case *ProvisionRequest:
				go handleProvisionRequest(globalCtx, store, event)
			case *StatusRequest:
				go handleStatusRequest(globalCtx, store, event)
			case *PairRequest:
				go handlePairRequest(globalCtx, store, event)
			case *TeardownRequest:
				go handleTeardownRequest(globalCtx, orchestrator, store, event)
			case *UpdateRequest:
				go handleUpdateRequest(globalCtx, orchestrator, store, event)
			default:
				if serverEvent != nil {
					err := utils.MakeError("unimplemented handling of server event [type: %T]: %v", serverEvent, serverEvent)
					logger.Error(err)
					serverEvent.ReturnResult("", err)
				}
			}
		}
	}
}

// containerDieHandler reconciles the instance owning a container that
// just died, so an out-of-band crash shows up in the database within
// seconds instead of at the next sweep.
func containerDieHandler(ctx context.Context, orchestrator *Orchestrator, store InstanceStore, containerID string) {
	instances, err := store.ListLiveInstances(ctx)
	if err != nil {
		logger.Errorf("Couldn't list instances after container %s died: %s", containerID, err)
		return
	}

	for _, instance := range instances {
		if string(instance.ContainerID) == containerID {
			logger.Infof("Container %s for instance %s died, reconciling", containerID, instance.ID)
			if err := orchestrator.reconcile(ctx, instance); err != nil {
				logger.Errorf("Reconcile after die event failed for instance %s: %s", instance.ID, err)
			}
			return
		}
	}
}

// handleProvisionRequest creates the instance row (status provisioning)
// and the sealed config; the poll worker picks the row up from there.
// The request returns as soon as the record exists.
func handleProvisionRequest(ctx context.Context, store InstanceStore, req *ProvisionRequest) {
	if req.UserID == "" {
		req.ReturnResult(nil, utils.MakeError("user_id is required"))
		return
	}
	if req.Model == "" {
		req.ReturnResult(nil, utils.MakeError("model is required"))
		return
	}

	subdomain := agentbox.GenerateSubdomain(req.UserID)
	instance, err := store.CreateInstance(ctx, req.UserID, subdomain)
	if err != nil {
		var exists *dbdriver.InstanceExistsError
		if errors.As(err, &exists) {
			req.ReturnResult(nil, &httputils.ConflictError{
				Message: utils.Sprintf("an instance already exists for this user: %s", exists.ExistingID),
			})
			return
		}
		req.ReturnResult(nil, err)
		return
	}

	config, err := sealConfig(instance.ID, req)
	if err != nil {
		// The instance row exists but its config is unusable; record the
		// failure instead of leaving a permanently stuck provisioning row.
		if dbErr := store.WriteInstanceError(ctx, instance.ID, err.Error()); dbErr != nil {
			logger.Errorf("Couldn't record config failure for instance %s: %s", instance.ID, dbErr)
		}
		req.ReturnResult(nil, err)
		return
	}
	if err := store.UpsertInstanceConfig(ctx, config); err != nil {
		req.ReturnResult(nil, err)
		return
	}

	req.ReturnResult(ProvisionRequestResult{
		InstanceID: instance.ID,
		Subdomain:  instance.Subdomain,
		URL:        agentbox.InstanceURL(instance.Subdomain),
		Status:     string(instance.Status),
	}, nil)
}

// sealConfig encrypts the request's credentials and onboarding blob into
// a config row. Empty submitted values stay empty and are stored as NULL.
func sealConfig(instanceID types.InstanceID, req *ProvisionRequest) (*dbdriver.InstanceConfig, error) {
	encryptionKey := metadata.GetConfigEncryptionKey()
	config := &dbdriver.InstanceConfig{
		InstanceID: instanceID,
		Model:      req.Model,
	}

	if req.APIKey != "" {
		sealed, err := configutils.EncryptToString(encryptionKey, req.APIKey)
		if err != nil {
			return nil, utils.MakeError("couldn't seal api key: %s", err)
		}
		config.APIKeySealed = sealed
	}
	if req.BotToken != "" {
		sealed, err := configutils.EncryptToString(encryptionKey, req.BotToken)
		if err != nil {
			return nil, utils.MakeError("couldn't seal bot token: %s", err)
		}
		config.BotTokenSealed = sealed
	}
	if !req.Onboarding.Empty() {
		blob, err := json.Marshal(req.Onboarding)
		if err != nil {
			return nil, utils.MakeError("couldn't encode onboarding data: %s", err)
		}
		sealed, err := configutils.SealBlob(encryptionKey, blob)
		if err != nil {
			return nil, utils.MakeError("couldn't seal onboarding data: %s", err)
		}
		config.OnboardingSealed = sealed
	}
	return config, nil
}

func handleStatusRequest(ctx context.Context, store InstanceStore, req *StatusRequest) {
	instance, err := store.GetInstanceByUserID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, dbdriver.ErrNotFound) {
			// No instance is a normal answer, not an error.
			req.ReturnResult(StatusRequestResult{Exists: false}, nil)
			return
		}
		req.ReturnResult(nil, err)
		return
	}

	req.ReturnResult(StatusRequestResult{
		Exists:    true,
		Status:    string(instance.Status),
		Subdomain: instance.Subdomain,
		URL:       agentbox.InstanceURL(instance.Subdomain),
	}, nil)
}

func handlePairRequest(ctx context.Context, store InstanceStore, req *PairRequest) {
	if req.UserID == "" {
		req.ReturnResult(nil, utils.MakeError("user_id is required"))
		return
	}

	var instanceID types.InstanceID
	if instance, err := store.GetInstanceByUserID(ctx, req.UserID); err == nil {
		instanceID = instance.ID
	}

	pairing, err := store.CreatePairing(ctx, req.UserID, instanceID)
	if err != nil {
		req.ReturnResult(nil, err)
		return
	}

	req.ReturnResult(PairRequestResult{
		Code:     pairing.Code,
		DeepLink: DeepLink(pairing.Code),
	}, nil)
}

func handleTeardownRequest(ctx context.Context, orchestrator *Orchestrator, store InstanceStore, req *TeardownRequest) {
	instance, err := store.GetInstanceByUserID(ctx, req.UserID)
	if err != nil {
		req.ReturnResult(nil, utils.MakeError("no instance to tear down for user %s: %s", req.UserID, err))
		return
	}

	if err := orchestrator.teardown(ctx, instance); err != nil {
		req.ReturnResult(nil, err)
		return
	}
	req.ReturnResult("torn down", nil)
}

func handleUpdateRequest(ctx context.Context, orchestrator *Orchestrator, store InstanceStore, req *UpdateRequest) {
	instance, err := store.GetInstanceByUserID(ctx, req.UserID)
	if err != nil {
		req.ReturnResult(nil, utils.MakeError("no instance to update for user %s: %s", req.UserID, err))
		return
	}

	// Persist the fresh onboarding blob alongside the document rewrite so
	// a later re-provision renders from the same data.
	if config, err := store.GetInstanceConfig(ctx, instance.ID); err == nil && !req.Onboarding.Empty() {
		blob, marshalErr := json.Marshal(req.Onboarding)
		if marshalErr == nil {
			if sealed, sealErr := configutils.SealBlob(metadata.GetConfigEncryptionKey(), blob); sealErr == nil {
				config.OnboardingSealed = sealed
				if upsertErr := store.UpsertInstanceConfig(ctx, config); upsertErr != nil {
					logger.Errorf("Couldn't persist updated onboarding for instance %s: %s", instance.ID, upsertErr)
				}
			}
		}
	}

	if err := orchestrator.hotUpdate(ctx, instance, req.Onboarding); err != nil {
		req.ReturnResult(nil, err)
		return
	}
	req.ReturnResult("updated", nil)
}
