package memorydocs

import (
	"strings"
	"testing"

	"github.com/atriumhq/atrium/types"
)

var novaAcme = types.OnboardingData{
	OperatorName: "Nova",
	Brand: types.Brand{
		Name:     "Acme",
		Industry: "saas",
	},
	Tone:          "friendly",
	ConnectedApps: []string{"gmail", "googlecalendar"},
}

func TestSystemPromptContainsOperatorAndBrand(t *testing.T) {
	prompt := RenderSystemPrompt(novaAcme)

	if !strings.Contains(prompt, "Nova") {
		t.Error("system prompt does not mention the operator")
	}
	if !strings.Contains(prompt, "Acme") {
		t.Error("system prompt does not mention the brand")
	}
}

func TestResolveToneFallback(t *testing.T) {
	tests := []struct {
		name        string
		tone        string
		wantGeneric bool
	}{
		{"known tone", "friendly", false},
		{"known tone, mixed case", "  Professional ", false},
		{"unknown tone", "sardonic", true},
		{"empty tone", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveTone(tt.tone)
			if got == "" {
				t.Fatal("tone resolution must never return empty")
			}
			if (got == genericToneDirective) != tt.wantGeneric {
				t.Errorf("ResolveTone(%q) generic = %v, want %v", tt.tone, !tt.wantGeneric, tt.wantGeneric)
			}
		})
	}
}

func TestResolveIndustryFallback(t *testing.T) {
	if got := ResolveIndustry("saas"); got == genericIndustryNote {
		t.Error("known industry resolved to the generic note")
	}
	if got := ResolveIndustry("underwater basket weaving"); got != genericIndustryNote {
		t.Errorf("unknown industry should fall back to the generic note, got %q", got)
	}
}

func TestToolUsageGroupedByApp(t *testing.T) {
	doc := RenderToolUsage(novaAcme)

	gmailIdx := strings.Index(doc, "## gmail")
	calIdx := strings.Index(doc, "## googlecalendar")
	if gmailIdx < 0 || calIdx < 0 {
		t.Fatalf("tool usage doc missing an app section:\n%s", doc)
	}
	if gmailIdx > calIdx {
		t.Error("app sections are not in stable sorted order")
	}
}

func TestToolUsageUnknownApp(t *testing.T) {
	data := novaAcme
	data.ConnectedApps = []string{"frobnicator"}

	doc := RenderToolUsage(data)
	if !strings.Contains(doc, "## frobnicator") {
		t.Error("unknown app should still get a section")
	}
}

func TestToolUsageNoApps(t *testing.T) {
	doc := RenderToolUsage(types.OnboardingData{})
	if !strings.Contains(doc, "No external apps are connected") {
		t.Errorf("empty app list should render the placeholder, got:\n%s", doc)
	}
}

func TestRenderAllIncludesBrandContext(t *testing.T) {
	docs := RenderAll(novaAcme)

	names := make(map[string]bool, len(docs))
	for _, d := range docs {
		if d.Content == "" {
			t.Errorf("document %s rendered empty", d.Name)
		}
		names[d.Name] = true
	}
	for _, want := range []string{BrandContextFile, SystemPromptFile, IdentityFile, OperatorFile, ToolUsageFile} {
		if !names[want] {
			t.Errorf("RenderAll missing %s", want)
		}
	}

	if docs[0].Name != BrandContextFile {
		t.Errorf("brand context must be written first, got %s", docs[0].Name)
	}
}

func TestRenderUpdatableExcludesBrandContext(t *testing.T) {
	for _, d := range RenderUpdatable(novaAcme) {
		if d.Name == BrandContextFile {
			t.Fatal("hot updates must never rewrite the brand context document")
		}
	}
}

func TestOperatorDocWithoutName(t *testing.T) {
	doc := RenderOperator(types.OnboardingData{Brand: types.Brand{Name: "Acme"}})
	if !strings.Contains(doc, "has not shared their name") {
		t.Errorf("missing operator name should render the placeholder, got:\n%s", doc)
	}
}
