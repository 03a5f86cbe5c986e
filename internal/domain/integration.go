package domain

import (
	"context"
	"time"
)

// Status is the lifecycle state of an integration.
type Status string

const (
	StatusPending      Status = "pending"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

// Credentials is the provider-specific bag of secrets for one integration.
// Fields not used by a provider stay empty. Credentials are never logged and
// never serialized into API responses (see Integration).
type Credentials struct {
	AccessToken   string `json:"accessToken,omitempty"`   // whatsapp bearer token
	PhoneNumberID string `json:"phoneNumberId,omitempty"` // whatsapp sender number
	AppSecret     string `json:"appSecret,omitempty"`     // whatsapp HMAC signing secret
	VerifyToken   string `json:"verifyToken,omitempty"`   // webhook handshake token (whatsapp, telegram, slack)
	BotToken      string `json:"botToken,omitempty"`      // telegram / slack / discord bot token
	PublicKey     string `json:"publicKey,omitempty"`     // discord ed25519 public key (hex)
}

// Integration is a configured connection to one external messaging account.
type Integration struct {
	ID          string      `json:"id"`
	Provider    string      `json:"provider"`
	Status      Status      `json:"status"`
	Identity    string      `json:"identity,omitempty"` // provider-reported account identity
	Credentials Credentials `json:"-"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// IntegrationStore persists integrations. Credentials arrive here already
// decrypted; at-rest protection is the storage layer's concern.
type IntegrationStore interface {
	CreateIntegration(ctx context.Context, in Integration) error
	GetIntegration(ctx context.Context, id string) (*Integration, error)
	ListIntegrations(ctx context.Context) ([]Integration, error)
	UpdateIntegrationStatus(ctx context.Context, id string, status Status, identity string) error
	DeleteIntegration(ctx context.Context, id string) error
}
