package types // import "github.com/atriumhq/atrium/types"

import "github.com/google/uuid"

// This package contains the type definitions shared between the
// host-service and the relay-service. We define these in the least common
// denominator package so that neither service has to import the other.

// A UserID is the platform-level identity of a paying user. It is the key
// under which instances, configs and pairings are stored.
type UserID string

// An InstanceID uniquely identifies a provisioned agentbox (database row +
// container). It is distinct from the Docker container ID.
type InstanceID uuid.UUID

func (i InstanceID) String() string {
	return uuid.UUID(i).String()
}

// ParseInstanceID parses the string representation of an InstanceID.
func ParseInstanceID(s string) (InstanceID, error) {
	id, err := uuid.Parse(s)
	return InstanceID(id), err
}

// NewInstanceID generates a random InstanceID.
func NewInstanceID() InstanceID {
	return InstanceID(uuid.New())
}

// A ContainerID is the ID the container engine assigns to a created
// container.
type ContainerID string

// A Subdomain is the globally unique routing identity of an instance. The
// edge proxy routes {subdomain}.{platform-domain} to the instance's
// container.
type Subdomain string

// A ChatID identifies an external Telegram chat that may be paired with an
// instance.
type ChatID int64

// A PairingCode is the short-lived code used to bind a ChatID to a user.
type PairingCode string

// A Tier is the subscription level that determines an instance's resource
// ceilings.
type Tier string

// The currently-defined subscription tiers.
const (
	TierStarter  Tier = "starter"
	TierStandard Tier = "standard"
	TierPro      Tier = "pro"
)

// OnboardingData is the free-form structured blob collected by the
// onboarding wizard. The memorydocs package renders it into the text
// documents seeded into the instance's config volume.
type OnboardingData struct {
	OperatorName  string   `json:"operator_name"`
	Brand         Brand    `json:"brand"`
	Tone          string   `json:"tone"`
	ConnectedApps []string `json:"connected_apps,omitempty"`
}

// Brand describes the business the agent works for.
type Brand struct {
	Name        string `json:"name"`
	Industry    string `json:"industry"`
	Description string `json:"description,omitempty"`
	Website     string `json:"website,omitempty"`
}

// Empty reports whether no onboarding data was submitted at all.
func (o OnboardingData) Empty() bool {
	return o.OperatorName == "" && o.Brand.Name == "" && o.Tone == "" && len(o.ConnectedApps) == 0
}
