package metadata

import (
	"testing"
)

func TestGetPlatformDomainDefault(t *testing.T) {
	t.Setenv("PLATFORM_DOMAIN", "")
	if got := GetPlatformDomain(); got != defaultPlatformDomain {
		t.Errorf("expected default platform domain %q, got %q", defaultPlatformDomain, got)
	}
}

func TestGetPlatformDomainOverride(t *testing.T) {
	t.Setenv("PLATFORM_DOMAIN", "agents.example.com")
	if got := GetPlatformDomain(); got != "agents.example.com" {
		t.Errorf("expected override to win, got %q", got)
	}
}

func TestGetIngressNetworkDefault(t *testing.T) {
	t.Setenv("INGRESS_NETWORK", "")
	if got := GetIngressNetwork(); got != defaultIngressNetwork {
		t.Errorf("expected default ingress network %q, got %q", defaultIngressNetwork, got)
	}
}
