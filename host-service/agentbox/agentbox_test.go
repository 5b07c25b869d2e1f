package agentbox

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/atriumhq/atrium/types"
)

func TestContainerNameDeterministic(t *testing.T) {
	a := ContainerName("user@example.com")
	b := ContainerName("user@example.com")
	if a != b {
		t.Errorf("same user produced different container names: %q vs %q", a, b)
	}

	if c := ContainerName("other@example.com"); c == a {
		t.Errorf("different users produced the same container name %q", c)
	}
}

func TestContainerNameSanitized(t *testing.T) {
	name := ContainerName("Weird User!#$%@example.com")
	for _, r := range name {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.'
		if !ok {
			t.Fatalf("container name %q contains disallowed rune %q", name, r)
		}
	}
}

func TestVolumeAndNetworkNamesDistinct(t *testing.T) {
	config, workspace := VolumeNames("user@example.com")
	network := NetworkName("user@example.com")

	seen := map[string]bool{}
	for _, n := range []string{config, workspace, network, ContainerName("user@example.com")} {
		if seen[n] {
			t.Errorf("name %q derived twice for the same user", n)
		}
		seen[n] = true
	}
}

func TestGenerateSubdomainFresh(t *testing.T) {
	a := GenerateSubdomain("user@example.com")
	b := GenerateSubdomain("user@example.com")
	if a == b {
		t.Errorf("two subdomains for the same user collided: %q", a)
	}
	if strings.ToLower(string(a)) != string(a) {
		t.Errorf("subdomain %q is not lowercase", a)
	}
}

func TestLimitsForTier(t *testing.T) {
	tests := []struct {
		tier types.Tier
		want TierLimits
	}{
		{types.TierStarter, TierLimits{MemoryBytes: 1 << 30, CPUShares: 512, PidsLimit: 128}},
		{types.TierStandard, TierLimits{MemoryBytes: 2 << 30, CPUShares: 1024, PidsLimit: 256}},
		{types.TierPro, TierLimits{MemoryBytes: 4 << 30, CPUShares: 2048, PidsLimit: 512}},
		{types.Tier("unknown"), TierLimits{MemoryBytes: 1 << 30, CPUShares: 512, PidsLimit: 128}},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			if got := LimitsForTier(tt.tier); got != tt.want {
				t.Errorf("LimitsForTier(%s) = %+v, want %+v", tt.tier, got, tt.want)
			}
		})
	}
}

func TestBuildContainerSpecHardening(t *testing.T) {
	spec := BuildContainerSpec("user@example.com", types.NewInstanceID(), "acme-x1y2z3a4", "claude-sonnet", types.TierStandard, Secrets{GatewayKey: "gk", BotToken: "bt"})

	if spec.User != AgentUser {
		t.Errorf("spec.User = %q, want non-root %q", spec.User, AgentUser)
	}

	for _, mount := range []string{"/tmp", "/var/tmp", "/run"} {
		found := false
		for _, m := range spec.TmpfsMounts {
			if m == mount {
				found = true
			}
		}
		if !found {
			t.Errorf("tmpfs mount %s missing from spec", mount)
		}
	}

	if len(spec.Networks) != 2 {
		t.Fatalf("expected isolated + ingress networks, got %v", spec.Networks)
	}
	if spec.Networks[0] != NetworkName("user@example.com") {
		t.Errorf("first network should be the isolated bridge, got %q", spec.Networks[0])
	}

	limits := LimitsForTier(types.TierStandard)
	if spec.MemoryBytes != limits.MemoryBytes || spec.CPUShares != limits.CPUShares || spec.PidsLimit != limits.PidsLimit {
		t.Errorf("spec limits %+v don't match tier limits %+v", spec, limits)
	}

	joined := strings.Join(spec.Env, "\n")
	for _, want := range []string{"AGENT_BIND_HOST=0.0.0.0", "AGENT_PORT=8080", "ATRIUM_MODEL=claude-sonnet", "MODEL_GATEWAY_KEY=gk", "TELEGRAM_BOT_TOKEN=bt"} {
		if !strings.Contains(joined, want) {
			t.Errorf("env missing %q:\n%s", want, joined)
		}
	}
}

func TestRoutingLabels(t *testing.T) {
	labels := RoutingLabels("acme-x1y2z3a4")

	if labels["traefik.enable"] != "true" {
		t.Error("labels must enable traefik discovery")
	}

	var ruleValue, portValue string
	for k, v := range labels {
		if strings.HasSuffix(k, ".rule") {
			ruleValue = v
		}
		if strings.HasSuffix(k, ".loadbalancer.server.port") {
			portValue = v
		}
	}

	if !strings.Contains(ruleValue, "acme-x1y2z3a4.") {
		t.Errorf("router rule %q does not route the subdomain", ruleValue)
	}
	if portValue != "8080" {
		t.Errorf("load balancer port = %q, want 8080", portValue)
	}
	if labels["sh.atrium.subdomain"] != "acme-x1y2z3a4" {
		t.Errorf("ownership label missing subdomain, got %q", labels["sh.atrium.subdomain"])
	}
}

func TestRenderConfigDocument(t *testing.T) {
	data, err := RenderConfigDocument("acme-x1y2z3a4", "claude-sonnet", "gk-123", "2026-01-02T03:04:05Z")
	if err != nil {
		t.Fatalf("RenderConfigDocument failed: %s", err)
	}

	var doc ConfigDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("rendered document is not valid JSON: %s", err)
	}

	if doc.Model != "claude-sonnet" {
		t.Errorf("doc.Model = %q", doc.Model)
	}
	if doc.BindHost != AgentBindHost || doc.BindPort != AgentPort {
		t.Errorf("bind contract mismatch: %s:%d", doc.BindHost, doc.BindPort)
	}
	if !strings.HasPrefix(doc.PublicURL, "https://acme-x1y2z3a4.") {
		t.Errorf("doc.PublicURL = %q", doc.PublicURL)
	}
	if doc.GeneratedAt != "2026-01-02T03:04:05Z" {
		t.Errorf("doc.GeneratedAt = %q", doc.GeneratedAt)
	}
}

func TestWriteVolumeFileWriteOnceHelper(t *testing.T) {
	dir := t.TempDir()

	if VolumeFileExists(dir, "brand_context.md") {
		t.Fatal("file reported present before any write")
	}
	if err := WriteVolumeFile(dir, "brand_context.md", []byte("notes")); err != nil {
		t.Fatalf("WriteVolumeFile failed: %s", err)
	}
	if !VolumeFileExists(dir, "brand_context.md") {
		t.Error("file reported absent after write")
	}
}
