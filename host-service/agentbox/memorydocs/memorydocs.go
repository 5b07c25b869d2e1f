// Package memorydocs renders onboarding data into the text documents
// seeded into an agentbox's config volume: the brand-context document,
// the agent system prompt, the identity document, the "who is my human"
// document, and the tool-usage reference. All functions are pure; the
// orchestrator decides where and when the output is written.
//
// Ownership boundary: the brand-context document is written only at
// initial provisioning and never overwritten by hot updates, because the
// running agent may have appended its own notes to it.
package memorydocs // import "github.com/atriumhq/atrium/host-service/agentbox/memorydocs"

import (
	"sort"
	"strings"

	"github.com/atriumhq/atrium/types"
	"github.com/atriumhq/atrium/utils"
)

// Document filenames inside the config volume.
const (
	BrandContextFile = "brand_context.md"
	SystemPromptFile = "system_prompt.md"
	IdentityFile     = "identity.md"
	OperatorFile     = "who_is_my_human.md"
	ToolUsageFile    = "tool_usage.md"
)

// toneDirectives maps a submitted communication tone onto a style
// directive. Unknown tones fall back to the generic entry, never an
// error.
var toneDirectives = map[string]string{
	"friendly":     "Warm and approachable. Use everyday language, be generous with encouragement, and keep a light touch without being unprofessional.",
	"professional": "Polished and businesslike. Complete sentences, precise vocabulary, no slang, no exclamation marks.",
	"casual":       "Relaxed and conversational. Contractions are fine, short sentences are fine, emoji are fine in moderation.",
	"formal":       "Courteous and reserved. Address people respectfully, avoid contractions, and keep personal commentary to a minimum.",
	"playful":      "Upbeat and witty. Humor is welcome as long as the substance of the answer stays accurate and complete.",
	"direct":       "Brief and to the point. Lead with the answer, skip pleasantries, and never pad a response.",
}

const genericToneDirective = "Clear and helpful. Match the energy of the person you are talking to and keep responses easy to read."

// industryNotes maps a brand industry onto domain framing for the system
// prompt. Unknown industries fall back to the generic entry.
var industryNotes = map[string]string{
	"saas":       "You operate in the software-as-a-service space. Expect questions about features, pricing plans, integrations, and account administration.",
	"ecommerce":  "You operate in online retail. Expect questions about orders, shipping, returns, and product availability.",
	"logistics":  "You operate in logistics and fulfillment. Expect questions about shipments, delivery windows, and tracking.",
	"finance":    "You operate in financial services. Be precise with numbers, never guess at figures, and flag anything that needs a licensed professional.",
	"healthcare": "You operate in a health-adjacent space. Be careful and accurate, and make clear you do not give medical advice.",
	"education":  "You operate in education. Expect questions from learners at very different levels; meet each one where they are.",
	"realestate": "You operate in real estate. Expect questions about listings, viewings, and availability.",
	"hospitality": "You operate in hospitality. Expect questions about bookings, amenities, and special requests; err on the side of accommodating.",
}

const genericIndustryNote = "Learn the business from the brand context document and from conversations, and tailor your answers to it."

// toolDescriptions enumerates the external actions available per
// connected app. Apps not listed here still get a generic section so a
// newly connected integration never renders as an error.
var toolDescriptions = map[string][]string{
	"gmail": {
		"Search the operator's mailbox for messages matching a query.",
		"Draft an email for the operator to review before sending.",
		"Summarize long threads into action items.",
	},
	"googlecalendar": {
		"Look up events in a given time range.",
		"Create a tentative event and invite attendees.",
		"Find free slots shared between attendees.",
	},
	"googledrive": {
		"Search files by name or content.",
		"Fetch a document's text for summarizing or answering questions.",
	},
	"slack": {
		"Post a message to a channel the operator has connected.",
		"Summarize recent activity in a channel.",
	},
	"notion": {
		"Search pages and databases.",
		"Append notes to a designated page.",
	},
	"telegram": {
		"Receive and answer messages from the operator's paired chat.",
	},
}

// ResolveTone returns the style directive for a tone value.
func ResolveTone(tone string) string {
	if directive, ok := toneDirectives[normalize(tone)]; ok {
		return directive
	}
	return genericToneDirective
}

// ResolveIndustry returns the domain framing for an industry value.
func ResolveIndustry(industry string) string {
	if note, ok := industryNotes[normalize(industry)]; ok {
		return note
	}
	return genericIndustryNote
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// RenderBrandContext produces the brand-context document. This is the
// write-once document the agent itself appends to over its lifetime.
func RenderBrandContext(data types.OnboardingData) string {
	var b strings.Builder
	b.WriteString("# Brand Context\n\n")
	b.WriteString("This document is the agent's long-term memory about the business.\n")
	b.WriteString("It was seeded at provisioning time; the agent appends to it as it learns.\n\n")

	writeField(&b, "Brand", data.Brand.Name)
	writeField(&b, "Industry", data.Brand.Industry)
	writeField(&b, "Website", data.Brand.Website)

	if data.Brand.Description != "" {
		b.WriteString("\n## About the business\n\n")
		b.WriteString(data.Brand.Description)
		b.WriteString("\n")
	}

	b.WriteString("\n## Learned notes\n\n")
	b.WriteString("(The agent records durable facts about the business below this line.)\n")
	return b.String()
}

// RenderSystemPrompt produces the agent's system prompt from the
// onboarding data.
func RenderSystemPrompt(data types.OnboardingData) string {
	var b strings.Builder

	brand := data.Brand.Name
	if brand == "" {
		brand = "the business"
	}

	b.WriteString(utils.Sprintf("You are the dedicated AI assistant for %s.\n", brand))
	if data.OperatorName != "" {
		b.WriteString(utils.Sprintf("You work for %s, who operates %s and is your primary human.\n", data.OperatorName, brand))
	}
	b.WriteString("\n")

	b.WriteString("## Domain\n\n")
	b.WriteString(ResolveIndustry(data.Brand.Industry))
	b.WriteString("\n\n")

	b.WriteString("## Communication style\n\n")
	b.WriteString(ResolveTone(data.Tone))
	b.WriteString("\n\n")

	b.WriteString("## Ground rules\n\n")
	b.WriteString("- Consult the brand context document before answering questions about the business.\n")
	b.WriteString("- Never invent facts about the business; say so when you don't know.\n")
	b.WriteString("- Use the connected tools described in the tool usage reference when a task calls for them.\n")
	return b.String()
}

// RenderIdentity produces the identity document describing who the agent
// is.
func RenderIdentity(data types.OnboardingData) string {
	var b strings.Builder
	b.WriteString("# Identity\n\n")

	brand := data.Brand.Name
	if brand == "" {
		brand = "this business"
	}
	b.WriteString(utils.Sprintf("You are the AI agent provisioned for %s on the Atrium platform.\n", brand))
	b.WriteString("You run in your own isolated environment with a persistent workspace.\n")
	b.WriteString("Files in your workspace survive restarts; treat them as your own memory.\n")
	return b.String()
}

// RenderOperator produces the "who is my human" document.
func RenderOperator(data types.OnboardingData) string {
	var b strings.Builder
	b.WriteString("# Who Is My Human\n\n")

	if data.OperatorName == "" {
		b.WriteString("Your operator has not shared their name yet. Ask for it when appropriate, and record it in the brand context document.\n")
		return b.String()
	}

	b.WriteString(utils.Sprintf("Your operator is %s.\n", data.OperatorName))
	if data.Brand.Name != "" {
		b.WriteString(utils.Sprintf("They run %s and you act on their behalf.\n", data.Brand.Name))
	}
	b.WriteString("Messages arriving from the paired chat come from them unless stated otherwise.\n")
	return b.String()
}

// RenderToolUsage produces the tool-usage reference, grouped by connected
// app in a stable order.
func RenderToolUsage(data types.OnboardingData) string {
	var b strings.Builder
	b.WriteString("# Tool Usage Reference\n\n")

	if len(data.ConnectedApps) == 0 {
		b.WriteString("No external apps are connected yet. When the operator connects one, this document is refreshed with the available actions.\n")
		return b.String()
	}

	apps := make([]string, len(data.ConnectedApps))
	copy(apps, data.ConnectedApps)
	sort.Strings(apps)

	for _, app := range apps {
		b.WriteString(utils.Sprintf("## %s\n\n", app))
		actions, ok := toolDescriptions[normalize(app)]
		if !ok {
			b.WriteString("Connected. Available actions are discovered at runtime; prefer read-only operations until the operator confirms what this integration should do.\n\n")
			continue
		}
		for _, action := range actions {
			b.WriteString(utils.Sprintf("- %s\n", action))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// Document pairs a filename with rendered content.
type Document struct {
	Name    string
	Content string
}

// RenderAll renders the full document set for initial provisioning, in
// write order. The brand-context document is first so a partial failure
// never leaves an agent with a prompt but no memory seed.
func RenderAll(data types.OnboardingData) []Document {
	return []Document{
		{BrandContextFile, RenderBrandContext(data)},
		{SystemPromptFile, RenderSystemPrompt(data)},
		{IdentityFile, RenderIdentity(data)},
		{OperatorFile, RenderOperator(data)},
		{ToolUsageFile, RenderToolUsage(data)},
	}
}

// RenderUpdatable renders only the documents a hot update may rewrite.
// The brand-context document is deliberately excluded; see the package
// comment.
func RenderUpdatable(data types.OnboardingData) []Document {
	return []Document{
		{SystemPromptFile, RenderSystemPrompt(data)},
		{IdentityFile, RenderIdentity(data)},
		{OperatorFile, RenderOperator(data)},
		{ToolUsageFile, RenderToolUsage(data)},
	}
}

func writeField(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	b.WriteString(utils.Sprintf("- %s: %s\n", label, value))
}
