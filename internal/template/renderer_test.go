package template

import (
	"testing"

	"github.com/outboundhq/sequence-engine/internal/domain"
)

func TestRender(t *testing.T) {
	t.Parallel()

	contact := &domain.Contact{
		FirstName: "Jordan",
		LastName:  "Lee",
		Email:     "jordan@acme.com",
		Company:   "Acme",
		Title:     "VP Sales",
		Attributes: map[string]string{
			"pain_point": "slow onboarding",
			"company":    "Acme Corp",
		},
	}

	tests := []struct {
		name string
		tpl  string
		want string
	}{
		{
			name: "built-in variables",
			tpl:  "Hi {{first_name}}, saw {{company}} is hiring",
			want: "Hi Jordan, saw Acme Corp is hiring",
		},
		{
			name: "full name joins first and last",
			tpl:  "Dear {{full_name}}",
			want: "Dear Jordan Lee",
		},
		{
			name: "custom attribute",
			tpl:  "Fixing {{pain_point}} at {{company}}?",
			want: "Fixing slow onboarding at Acme Corp?",
		},
		{
			name: "unknown variable renders empty",
			tpl:  "Hey {{nickname}}, quick question",
			want: "Hey , quick question",
		},
		{
			name: "whitespace inside braces",
			tpl:  "Hi {{ first_name }}",
			want: "Hi Jordan",
		},
		{
			name: "case insensitive key",
			tpl:  "Hi {{First_Name}}",
			want: "Hi Jordan",
		},
		{
			name: "no placeholders",
			tpl:  "plain text stays untouched",
			want: "plain text stays untouched",
		},
		{
			name: "single braces are not placeholders",
			tpl:  "set {key} to {value}",
			want: "set {key} to {value}",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := Render(tt.tpl, contact); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.tpl, got, tt.want)
			}
		})
	}
}

func TestRenderFullNameTrimsMissingParts(t *testing.T) {
	t.Parallel()

	contact := &domain.Contact{FirstName: "Jordan"}
	if got := Render("{{full_name}}", contact); got != "Jordan" {
		t.Fatalf("Render() = %q, want %q", got, "Jordan")
	}
}

func TestRenderNilContact(t *testing.T) {
	t.Parallel()

	if got := Render("Hi {{first_name}}", nil); got != "Hi {{first_name}}" {
		t.Fatalf("Render() = %q, template must pass through unchanged", got)
	}
}
