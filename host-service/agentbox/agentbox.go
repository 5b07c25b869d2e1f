// Package agentbox holds the pure derivations that describe one user's
// agent container: deterministic resource names, tier resource limits,
// the environment contract, the persisted config document, and the
// routing labels. Nothing in this package talks to the engine or the
// database; the orchestrator assembles these values and acts on them.
package agentbox // import "github.com/atriumhq/atrium/host-service/agentbox"

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v3"

	"github.com/atriumhq/atrium/host-service/containerruntime"
	"github.com/atriumhq/atrium/metadata"
	"github.com/atriumhq/atrium/types"
	"github.com/atriumhq/atrium/utils"
)

const (
	// AgentPort is the single internal port every agentbox listens on.
	// Part of the fixed environment contract the agent image commits to.
	AgentPort uint16 = 8080

	// AgentBindHost is the address the agent binds inside its container.
	AgentBindHost = "0.0.0.0"

	// AgentUser is the fixed non-root uid:gid the agent process runs as.
	AgentUser = "1000:1000"

	// ConfigMountPath and WorkspaceMountPath are where the two volumes
	// appear inside the container.
	ConfigMountPath    = "/home/agent/.config/atrium"
	WorkspaceMountPath = "/home/agent/workspace"

	// ReadyMarkerFile is created by the agent in its config volume once
	// it has bound its port and is able to serve chat turns.
	ReadyMarkerFile = ".agent_ready"

	// DefaultHealthInterval spaces the in-container healthcheck probes.
	DefaultHealthInterval = 30 * time.Second
)

var containerNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// sanitizeUserID maps a UserID onto the character set Docker accepts in
// object names. Deterministic, so names derived from the same user always
// collide, which is what makes remove-then-create recovery work.
func sanitizeUserID(userID types.UserID) string {
	return containerNameSanitizer.ReplaceAllString(strings.ToLower(string(userID)), "-")
}

// ContainerName returns the deterministic container name for a user.
func ContainerName(userID types.UserID) string {
	return utils.Sprintf("atrium-agent-%s", sanitizeUserID(userID))
}

// VolumeNames returns the config/state and workspace volume names for a
// user.
func VolumeNames(userID types.UserID) (config, workspace string) {
	base := sanitizeUserID(userID)
	return utils.Sprintf("atrium-config-%s", base), utils.Sprintf("atrium-workspace-%s", base)
}

// NetworkName returns the name of the per-container isolated bridge.
func NetworkName(userID types.UserID) string {
	return utils.Sprintf("atrium-isolated-%s", sanitizeUserID(userID))
}

// GenerateSubdomain mints a fresh routing subdomain for a user. Unlike
// the resource names, subdomains are NOT deterministic: a re-provisioned
// instance gets a new subdomain, so a stale external link can never
// reach a successor instance.
func GenerateSubdomain(userID types.UserID) types.Subdomain {
	base := sanitizeUserID(userID)
	if len(base) > 20 {
		base = base[:20]
	}
	base = strings.Trim(base, "-.")
	if base == "" {
		base = "agent"
	}
	return types.Subdomain(utils.Sprintf("%s-%s", base, strings.ToLower(shortuuid.New()[:8])))
}

// InstanceURL returns the public URL an instance is reachable at.
func InstanceURL(subdomain types.Subdomain) string {
	return utils.Sprintf("https://%s.%s", subdomain, metadata.GetPlatformDomain())
}

// TierLimits are the resource ceilings applied to a container. They are
// re-derived from the user's tier on every create, never cached on the
// instance row, since the tier can change over an instance's lifetime.
type TierLimits struct {
	MemoryBytes int64
	CPUShares   int64
	PidsLimit   int64
}

// LimitsForTier maps a subscription tier to its resource ceilings. An
// unknown tier gets the starter limits rather than failing provisioning.
func LimitsForTier(tier types.Tier) TierLimits {
	switch tier {
	case types.TierPro:
		return TierLimits{MemoryBytes: 4 << 30, CPUShares: 2048, PidsLimit: 512}
	case types.TierStandard:
		return TierLimits{MemoryBytes: 2 << 30, CPUShares: 1024, PidsLimit: 256}
	default:
		return TierLimits{MemoryBytes: 1 << 30, CPUShares: 512, PidsLimit: 128}
	}
}

// Secrets are the decrypted per-instance credentials injected into the
// container environment. They exist in memory only during provisioning.
type Secrets struct {
	GatewayKey string
	BotToken   string
}

// BuildEnv assembles the fixed environment contract the agent image
// commits to. No dynamic or speculative variables: the agent binds
// AGENT_BIND_HOST:AGENT_PORT, full stop.
func BuildEnv(instanceID types.InstanceID, subdomain types.Subdomain, model string, secrets Secrets) []string {
	env := []string{
		utils.Sprintf("AGENT_BIND_HOST=%s", AgentBindHost),
		utils.Sprintf("AGENT_PORT=%d", AgentPort),
		utils.Sprintf("ATRIUM_INSTANCE_ID=%s", instanceID),
		utils.Sprintf("ATRIUM_SUBDOMAIN=%s", subdomain),
		utils.Sprintf("ATRIUM_MODEL=%s", model),
		utils.Sprintf("MODEL_GATEWAY_URL=%s", metadata.GetModelGatewayURL()),
	}
	if secrets.GatewayKey != "" {
		env = append(env, utils.Sprintf("MODEL_GATEWAY_KEY=%s", secrets.GatewayKey))
	}
	if secrets.BotToken != "" {
		env = append(env, utils.Sprintf("TELEGRAM_BOT_TOKEN=%s", secrets.BotToken))
	}
	return env
}

// BuildContainerSpec assembles the full creation spec for a user's
// agentbox: hardened container, tier limits, routing labels, and
// membership in both the isolated and ingress networks.
func BuildContainerSpec(userID types.UserID, instanceID types.InstanceID, subdomain types.Subdomain, model string, tier types.Tier, secrets Secrets) containerruntime.ContainerSpec {
	configVolume, workspaceVolume := VolumeNames(userID)
	limits := LimitsForTier(tier)

	return containerruntime.ContainerSpec{
		Name:   ContainerName(userID),
		Image:  metadata.GetAgentImage(),
		User:   AgentUser,
		Env:    BuildEnv(instanceID, subdomain, model, secrets),
		Labels: RoutingLabels(subdomain),
		HealthCmd: []string{
			"curl", "-sf", utils.Sprintf("http://127.0.0.1:%d/health", AgentPort),
		},
		HealthInterval: DefaultHealthInterval,
		VolumeMounts: map[string]string{
			configVolume:    ConfigMountPath,
			workspaceVolume: WorkspaceMountPath,
		},
		TmpfsMounts: []string{"/tmp", "/var/tmp", "/run"},
		ExposedPort: AgentPort,
		MemoryBytes: limits.MemoryBytes,
		CPUShares:   limits.CPUShares,
		PidsLimit:   limits.PidsLimit,
		Networks:    []string{NetworkName(userID), metadata.GetIngressNetwork()},
	}
}

// WriteVolumeFile writes a file into a volume's host mountpoint. The
// orchestrator seeds the config document and memory docs this way before
// the container's first start.
func WriteVolumeFile(mountpoint, filename string, data []byte) error {
	target := filepath.Join(mountpoint, filename)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return utils.MakeError("failed to create dir for %s: %s", target, err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return utils.MakeError("couldn't write %s: %s", target, err)
	}
	return nil
}

// VolumeFileExists reports whether a file already exists in a volume's
// host mountpoint. Used to enforce write-once files.
func VolumeFileExists(mountpoint, filename string) bool {
	_, err := os.Stat(filepath.Join(mountpoint, filename))
	return err == nil
}
