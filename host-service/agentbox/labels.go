package agentbox // import "github.com/atriumhq/atrium/host-service/agentbox"

import (
	"github.com/atriumhq/atrium/metadata"
	"github.com/atriumhq/atrium/types"
	"github.com/atriumhq/atrium/utils"
)

// RoutingLabels derives the Traefik labels that make the edge proxy route
// {subdomain}.{platform-domain} to the container's agent port. Pure
// derivation, no network calls, but if this map is wrong the instance is
// unreachable even while "running".
func RoutingLabels(subdomain types.Subdomain) map[string]string {
	router := utils.Sprintf("agent-%s", subdomain)
	return map[string]string{
		"traefik.enable": "true",
		utils.Sprintf("traefik.http.routers.%s.rule", router):                      utils.Sprintf("Host(`%s.%s`)", subdomain, metadata.GetPlatformDomain()),
		utils.Sprintf("traefik.http.routers.%s.entrypoints", router):               "websecure",
		utils.Sprintf("traefik.http.routers.%s.tls.certresolver", router):          "letsencrypt",
		utils.Sprintf("traefik.http.services.%s.loadbalancer.server.port", router): utils.Sprintf("%d", AgentPort),
		"traefik.docker.network": metadata.GetIngressNetwork(),

		// Ownership marker so the reconcile sweep can distinguish our
		// containers from anything else on the host.
		"sh.atrium.managed":   "true",
		"sh.atrium.subdomain": string(subdomain),
	}
}
