package agentbox // import "github.com/atriumhq/atrium/host-service/agentbox"

import (
	"encoding/json"

	"github.com/atriumhq/atrium/metadata"
	"github.com/atriumhq/atrium/types"
	"github.com/atriumhq/atrium/utils"
)

// ConfigDocumentName is the filename of the agent's startup config inside
// the config volume.
const ConfigDocumentName = "config.json"

// ConfigDocument is the JSON document the agent process re-reads at its
// own startup. The schema is an external contract with the agent image;
// field names must not change without a coordinated image release.
type ConfigDocument struct {
	Model       string `json:"model"`
	GatewayURL  string `json:"gateway_url"`
	GatewayKey  string `json:"gateway_key,omitempty"`
	BindHost    string `json:"bind_host"`
	BindPort    uint16 `json:"bind_port"`
	Subdomain   string `json:"subdomain"`
	PublicURL   string `json:"public_url"`
	Workspace   string `json:"workspace"`
	GeneratedAt string `json:"generated_at"`
}

// RenderConfigDocument produces the serialized config document for an
// instance. generatedAt is passed in rather than read from the clock so
// the output is reproducible in tests.
func RenderConfigDocument(subdomain types.Subdomain, model string, gatewayKey string, generatedAt string) ([]byte, error) {
	doc := ConfigDocument{
		Model:       model,
		GatewayURL:  metadata.GetModelGatewayURL(),
		GatewayKey:  gatewayKey,
		BindHost:    AgentBindHost,
		BindPort:    AgentPort,
		Subdomain:   string(subdomain),
		PublicURL:   InstanceURL(subdomain),
		Workspace:   WorkspaceMountPath,
		GeneratedAt: generatedAt,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, utils.MakeError("couldn't marshal config document: %s", err)
	}
	return append(data, '\n'), nil
}
