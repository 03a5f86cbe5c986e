package domain

import (
	"context"
	"net/http"
	"net/url"
)

// Validation is the outcome of a credential check. It never carries a Go
// error: provider and transport failures are folded into Error so the setup
// flow can show them verbatim.
type Validation struct {
	Valid    bool   `json:"valid"`
	Identity string `json:"identity,omitempty"`
	Error    string `json:"error,omitempty"`
}

// WebhookRequest is the provider-facing view of one inbound webhook HTTP
// request, detached from net/http so verification stays a pure function.
type WebhookRequest struct {
	Method string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// VerifyOutcome is the terminal state of webhook verification.
type VerifyOutcome int

const (
	// VerifyReject means the request is not authentic; respond with
	// StatusCode and process nothing.
	VerifyReject VerifyOutcome = iota
	// VerifyChallenge means the request was the provider's ownership
	// handshake; echo Body back and process nothing further.
	VerifyChallenge
	// VerifyDeliver means the request is an authentic event delivery;
	// hand the payload to the normalizer.
	VerifyDeliver
)

// VerifyResult carries the outcome plus the exact response the provider
// protocol expects for handshakes and rejections.
type VerifyResult struct {
	Outcome     VerifyOutcome
	StatusCode  int
	Body        []byte
	ContentType string
}

// Template is a pre-approved message template resolved from the catalog,
// used to initiate contact outside a provider's engagement window.
type Template struct {
	Ref      string
	Body     string // fallback text for providers without native templates
	Name     string // provider-side template name (whatsapp)
	Language string // provider-side language code (whatsapp)
}

// Provider is one variant of the closed provider set. Implementations are
// stateless with respect to integrations: every call receives the credentials
// it operates on, so unrelated integrations can use one instance concurrently.
type Provider interface {
	Name() string

	// Validate performs a read-only call proving the credentials authorize
	// the account. It mutates no external state and is safe to repeat.
	Validate(ctx context.Context, creds Credentials) Validation

	// VerifyWebhook authenticates an inbound webhook request and decides
	// whether it is a handshake, a delivery, or garbage. Pure function of
	// the request and the stored credentials.
	VerifyWebhook(creds Credentials, req WebhookRequest) VerifyResult

	// Normalize flattens a verified delivery payload into zero or more
	// events. Malformed entries are skipped individually; the returned
	// error only signals an undecodable body.
	Normalize(integrationID string, payload []byte) ([]NormalizedInboundEvent, error)

	// SendText delivers a freeform text message. Valid only inside the
	// provider's engagement window where one applies; outside it the
	// provider rejects with SendErrWindowClosed.
	SendText(ctx context.Context, creds Credentials, recipientID, text string) (*SendResult, error)

	// SendTemplate delivers a pre-approved template message, permitted to
	// initiate contact outside the engagement window.
	SendTemplate(ctx context.Context, creds Credentials, recipientID string, tmpl Template, params []string) (*SendResult, error)

	// MarkDelivered acknowledges an inbound message (read receipt) where
	// the provider supports it. Callers treat failures as best-effort.
	MarkDelivered(ctx context.Context, creds Credentials, providerMessageID string) error
}
