package provider

import (
	"fmt"
	"strings"
)

// renderTemplateBody substitutes positional {{n}} placeholders for providers
// without native template messages. WhatsApp sends the raw template reference
// instead; the provider-side copy is the source of truth there.
func renderTemplateBody(body string, params []string) string {
	for i, p := range params {
		body = strings.ReplaceAll(body, fmt.Sprintf("{{%d}}", i+1), p)
	}
	return body
}
