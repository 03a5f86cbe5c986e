package provider

import "testing"

func TestRenderTemplateBody(t *testing.T) {
	got := renderTemplateBody("Order {{1}} ships {{2}}.", []string{"#123", "tomorrow"})
	if got != "Order #123 ships tomorrow." {
		t.Errorf("unexpected render: %q", got)
	}
}

func TestRenderTemplateBody_MissingParams(t *testing.T) {
	got := renderTemplateBody("Hi {{1}}, code {{2}}", []string{"Ada"})
	if got != "Hi Ada, code {{2}}" {
		t.Errorf("unfilled placeholders stay verbatim, got %q", got)
	}
}

func TestRenderTemplateBody_NoPlaceholders(t *testing.T) {
	if got := renderTemplateBody("plain text", []string{"unused"}); got != "plain text" {
		t.Errorf("unexpected render: %q", got)
	}
}
