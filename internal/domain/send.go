package domain

import "fmt"

// SendKind selects between a freeform text send and a template send.
type SendKind string

const (
	SendText     SendKind = "text"
	SendTemplate SendKind = "template"
)

// SendRequest asks the dispatcher to deliver one outbound message.
type SendRequest struct {
	IntegrationID  string   `json:"integrationId"`
	RecipientID    string   `json:"recipientId"`
	Kind           SendKind `json:"kind,omitempty"`
	Text           string   `json:"text,omitempty"`
	TemplateRef    string   `json:"templateRef,omitempty"`
	TemplateParams []string `json:"templateParams,omitempty"`
}

// SendResult is the successful outcome of a send.
type SendResult struct {
	ProviderMessageID string `json:"providerMessageId"`
}

// SendErrorCode is the stable classification of a failed send. Callers branch
// on it: window_closed means retry with a template, invalid_recipient is
// permanent, transport and rate_limited are retryable by the caller.
type SendErrorCode string

const (
	SendErrWindowClosed     SendErrorCode = "window_closed"
	SendErrInvalidRecipient SendErrorCode = "invalid_recipient"
	SendErrRateLimited      SendErrorCode = "rate_limited"
	SendErrUnauthorized     SendErrorCode = "unauthorized"
	SendErrTransport        SendErrorCode = "transport"
	SendErrProvider         SendErrorCode = "provider"
)

// SendError is a classified provider or transport failure. Message carries
// the provider's own wording when its error envelope exposed one.
type SendError struct {
	Code    SendErrorCode `json:"code"`
	Message string        `json:"message"`
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed (%s): %s", e.Code, e.Message)
}

// Retryable reports whether the caller may retry the send as-is.
func (e *SendError) Retryable() bool {
	return e.Code == SendErrTransport || e.Code == SendErrRateLimited
}
