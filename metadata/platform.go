package metadata // import "github.com/atriumhq/atrium/metadata"

import "os"

// Platform-wide settings read from the environment. These are the values
// both services need to agree on: the public domain instances are routed
// under, the image every agentbox runs, and the shared ingress network the
// edge proxy lives on.

const (
	defaultPlatformDomain = "agents.atrium.sh"
	defaultAgentImage     = "ghcr.io/atriumhq/agentbox:stable"
	defaultIngressNetwork = "atrium-ingress"
)

// GetPlatformDomain returns the apex domain under which instance
// subdomains are published.
func GetPlatformDomain() string {
	if domain := os.Getenv("PLATFORM_DOMAIN"); domain != "" {
		return domain
	}
	return defaultPlatformDomain
}

// GetAgentImage returns the container image reference every agentbox runs.
func GetAgentImage() string {
	if image := os.Getenv("AGENT_IMAGE"); image != "" {
		return image
	}
	return defaultAgentImage
}

// GetIngressNetwork returns the name of the shared Docker network that the
// edge proxy uses to reach agentboxes. Every container joins this network
// in addition to its own isolated one.
func GetIngressNetwork() string {
	if network := os.Getenv("INGRESS_NETWORK"); network != "" {
		return network
	}
	return defaultIngressNetwork
}

// GetModelGatewayURL returns the base URL of the model gateway agentboxes
// route their LLM traffic through.
func GetModelGatewayURL() string {
	if url := os.Getenv("MODEL_GATEWAY_URL"); url != "" {
		return url
	}
	return "https://gateway.atrium.sh/v1"
}

// GetDatabaseURL returns the connection string for the platform database.
func GetDatabaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	// Matches the docker-compose development database.
	return "user=postgres host=localhost port=5432 dbname=atrium password=atriumpass"
}

// GetConfigEncryptionKey returns the passphrase used to seal credential
// fields at rest. An empty value disables provisioning of encrypted
// configs and is rejected at startup outside localdev.
func GetConfigEncryptionKey() string {
	return os.Getenv("CONFIG_ENCRYPTION_KEY")
}

// GetAPISharedSecret returns the HMAC secret used to sign and verify the
// JWTs presented by the platform web app on authenticated surfaces.
func GetAPISharedSecret() string {
	return os.Getenv("API_SHARED_SECRET")
}

// GetTelegramBotUsername returns the public username of the platform's
// Telegram bot, used to build pairing deep links.
func GetTelegramBotUsername() string {
	if username := os.Getenv("TELEGRAM_BOT_USERNAME"); username != "" {
		return username
	}
	return "AtriumAgentBot"
}

// GetTelegramBotToken returns the bot token the relay-service uses for
// the Telegram Bot API.
func GetTelegramBotToken() string {
	return os.Getenv("TELEGRAM_BOT_TOKEN")
}

// GetTelegramWebhookSecret returns the shared secret Telegram echoes back
// in the X-Telegram-Bot-Api-Secret-Token header on webhook deliveries.
func GetTelegramWebhookSecret() string {
	return os.Getenv("TELEGRAM_WEBHOOK_SECRET")
}
