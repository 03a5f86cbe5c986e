package domain

import (
	"context"
	"time"
)

// EventType distinguishes the two kinds of normalized inbound events.
type EventType string

const (
	EventMessage EventType = "message"
	EventStatus  EventType = "status"
)

// DeliveryStatus is the provider-agnostic delivery state of an outbound message.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// NormalizedInboundEvent is the provider-agnostic form of one inbound webhook
// item: either a received message or a delivery-status change.
//
// Events for the same ExternalMessageID may arrive out of order; consumers
// must be idempotent on that key. The normalizer does not deduplicate.
type NormalizedInboundEvent struct {
	Type              EventType      `json:"type"`
	IntegrationID     string         `json:"integrationId"`
	ExternalMessageID string         `json:"externalMessageId"`
	SenderID          string         `json:"senderId"`
	SenderName        string         `json:"senderName,omitempty"`
	Text              string         `json:"text,omitempty"`
	MediaRef          string         `json:"mediaRef,omitempty"`
	DeliveryStatus    DeliveryStatus `json:"deliveryStatus,omitempty"`
	OccurredAt        time.Time      `json:"occurredAt"`
}

// EventSink consumes normalized events (the activity/chat store collaborator).
type EventSink interface {
	Record(ctx context.Context, ev NormalizedInboundEvent) error
}
