package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatbridge/internal/domain"
)

const defaultWhatsAppAPIBase = "https://graph.facebook.com/v21.0"

// WhatsApp implements domain.Provider for the WhatsApp Business Cloud API.
type WhatsApp struct {
	apiBase string
	client  *http.Client
	logger  *slog.Logger
}

// WhatsAppConfig configures the WhatsApp provider.
type WhatsAppConfig struct {
	APIBase string // override for tests; defaults to the Graph API
	Client  *http.Client
	Logger  *slog.Logger
}

func NewWhatsApp(cfg WhatsAppConfig) *WhatsApp {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultWhatsAppAPIBase
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	return &WhatsApp{
		apiBase: cfg.APIBase,
		client:  cfg.Client,
		logger:  cfg.Logger,
	}
}

func (w *WhatsApp) Name() string { return "whatsapp" }

// Validate fetches the configured phone number with the supplied token.
// Read-only: it proves the token can act for the number without sending.
func (w *WhatsApp) Validate(ctx context.Context, creds domain.Credentials) domain.Validation {
	if creds.AccessToken == "" || creds.PhoneNumberID == "" {
		return domain.Validation{Error: "accessToken and phoneNumberId are required"}
	}

	url := fmt.Sprintf("%s/%s?fields=display_phone_number,verified_name", w.apiBase, creds.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return domain.Validation{Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return domain.Validation{Error: fmt.Sprintf("whatsapp unreachable: %v", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return domain.Validation{Error: graphErrorMessage(body, resp.StatusCode)}
	}

	var info struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		VerifiedName       string `json:"verified_name"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return domain.Validation{Error: fmt.Sprintf("unexpected response: %v", err)}
	}

	identity := info.DisplayPhoneNumber
	if info.VerifiedName != "" {
		identity = fmt.Sprintf("%s (%s)", info.VerifiedName, info.DisplayPhoneNumber)
	}
	return domain.Validation{Valid: true, Identity: identity}
}

// VerifyWebhook handles the hub.challenge handshake on GET and the
// X-Hub-Signature-256 check on POST deliveries.
func (w *WhatsApp) VerifyWebhook(creds domain.Credentials, req domain.WebhookRequest) domain.VerifyResult {
	switch req.Method {
	case http.MethodGet:
		mode := req.Query.Get("hub.mode")
		token := req.Query.Get("hub.verify_token")
		challenge := req.Query.Get("hub.challenge")
		if mode == "subscribe" && compareVerifyToken(token, creds.VerifyToken) {
			return domain.VerifyResult{
				Outcome:     domain.VerifyChallenge,
				StatusCode:  http.StatusOK,
				Body:        []byte(challenge),
				ContentType: "text/plain",
			}
		}
		return domain.VerifyResult{Outcome: domain.VerifyReject, StatusCode: http.StatusForbidden}

	case http.MethodPost:
		if creds.AppSecret != "" {
			sig := req.Header.Get("X-Hub-Signature-256")
			if !verifyHubSignature(req.Body, creds.AppSecret, sig) {
				return domain.VerifyResult{Outcome: domain.VerifyReject, StatusCode: http.StatusForbidden}
			}
		}
		return domain.VerifyResult{Outcome: domain.VerifyDeliver}

	default:
		return domain.VerifyResult{Outcome: domain.VerifyReject, StatusCode: http.StatusMethodNotAllowed}
	}
}

// verifyHubSignature checks the X-Hub-Signature-256 header.
func verifyHubSignature(body []byte, secret, signature string) bool {
	if len(signature) < 7 || signature[:7] != "sha256=" {
		return false
	}
	expected := signature[7:]

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(computed))
}

// Normalize flattens entry[].changes[].value into events. One delivery may
// bundle messages and statuses together; both are emitted. Entries missing
// their correlation fields are skipped without failing the batch.
func (w *WhatsApp) Normalize(integrationID string, payload []byte) ([]domain.NormalizedInboundEvent, error) {
	var p waPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode whatsapp payload: %w", err)
	}

	var events []domain.NormalizedInboundEvent
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			names := contactNames(change.Value.Contacts)

			for _, msg := range change.Value.Messages {
				if msg.From == "" || msg.ID == "" {
					continue
				}
				ev := domain.NormalizedInboundEvent{
					Type:              domain.EventMessage,
					IntegrationID:     integrationID,
					ExternalMessageID: msg.ID,
					SenderID:          msg.From,
					SenderName:        names[msg.From],
					OccurredAt:        unixStringTime(msg.Timestamp),
				}
				if msg.Text != nil {
					ev.Text = msg.Text.Body
				}
				ev.MediaRef = msg.mediaRef()
				// Unsupported subtypes (reactions, contacts, ...) still
				// flow through as message events with empty text.
				events = append(events, ev)
			}

			for _, st := range change.Value.Statuses {
				if st.ID == "" || st.Status == "" {
					continue
				}
				events = append(events, domain.NormalizedInboundEvent{
					Type:              domain.EventStatus,
					IntegrationID:     integrationID,
					ExternalMessageID: st.ID,
					SenderID:          st.RecipientID,
					DeliveryStatus:    mapWADeliveryStatus(st.Status),
					OccurredAt:        unixStringTime(st.Timestamp),
				})
			}
		}
	}
	return events, nil
}

// SendText delivers a freeform text message. Outside the 24-hour engagement
// window the API rejects it with a re-engagement error, classified as
// SendErrWindowClosed for the caller to branch on.
func (w *WhatsApp) SendText(ctx context.Context, creds domain.Credentials, recipientID, text string) (*domain.SendResult, error) {
	return w.postMessage(ctx, creds, map[string]any{
		"messaging_product": "whatsapp",
		"to":                recipientID,
		"type":              "text",
		"text":              map[string]string{"body": text},
	})
}

// SendTemplate delivers a pre-approved template, permitted to initiate
// contact outside the engagement window.
func (w *WhatsApp) SendTemplate(ctx context.Context, creds domain.Credentials, recipientID string, tmpl domain.Template, params []string) (*domain.SendResult, error) {
	template := map[string]any{
		"name":     tmpl.Name,
		"language": map[string]string{"code": tmpl.Language},
	}
	if len(params) > 0 {
		body := make([]map[string]string, 0, len(params))
		for _, p := range params {
			body = append(body, map[string]string{"type": "text", "text": p})
		}
		template["components"] = []map[string]any{
			{"type": "body", "parameters": body},
		}
	}
	return w.postMessage(ctx, creds, map[string]any{
		"messaging_product": "whatsapp",
		"to":                recipientID,
		"type":              "template",
		"template":          template,
	})
}

// MarkDelivered sends a read receipt for an inbound message.
func (w *WhatsApp) MarkDelivered(ctx context.Context, creds domain.Credentials, providerMessageID string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        providerMessageID,
	}
	_, err := w.postMessage(ctx, creds, payload)
	return err
}

func (w *WhatsApp) postMessage(ctx context.Context, creds domain.Credentials, payload map[string]any) (*domain.SendResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", w.apiBase, creds.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, &domain.SendError{Code: domain.SendErrTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, classifyGraphError(resp.StatusCode, respBody)
	}

	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil || len(out.Messages) == 0 {
		return nil, &domain.SendError{Code: domain.SendErrProvider, Message: "response missing message id"}
	}
	return &domain.SendResult{ProviderMessageID: out.Messages[0].ID}, nil
}

// --- Graph API error envelope ---

type graphErrorEnvelope struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// graphErrorMessage extracts the nested error message, falling back to the
// raw body or status when the envelope is absent.
func graphErrorMessage(body []byte, statusCode int) string {
	var env graphErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	if len(body) > 0 {
		return fmt.Sprintf("whatsapp API %d: %s", statusCode, string(body))
	}
	return fmt.Sprintf("whatsapp API %d", statusCode)
}

// classifyGraphError maps Graph API rejections onto the stable SendError set.
func classifyGraphError(statusCode int, body []byte) *domain.SendError {
	var env graphErrorEnvelope
	_ = json.Unmarshal(body, &env)
	msg := env.Error.Message
	if msg == "" {
		msg = graphErrorMessage(body, statusCode)
	}
	lower := strings.ToLower(msg)

	switch {
	case env.Error.Code == 131047 || strings.Contains(lower, "re-engagement"):
		return &domain.SendError{Code: domain.SendErrWindowClosed, Message: msg}
	case env.Error.Code == 131030 || env.Error.Code == 131026 ||
		strings.Contains(lower, "phone number") || strings.Contains(lower, "recipient"):
		return &domain.SendError{Code: domain.SendErrInvalidRecipient, Message: msg}
	case statusCode == http.StatusTooManyRequests || env.Error.Code == 4 ||
		env.Error.Code == 80007 || env.Error.Code == 130429:
		return &domain.SendError{Code: domain.SendErrRateLimited, Message: msg}
	case statusCode == http.StatusUnauthorized || env.Error.Code == 190:
		return &domain.SendError{Code: domain.SendErrUnauthorized, Message: msg}
	default:
		return &domain.SendError{Code: domain.SendErrProvider, Message: msg}
	}
}

// --- webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Contacts         []waContact `json:"contacts"`
	Messages         []waMessage `json:"messages"`
	Statuses         []waStatus  `json:"statuses"`
}

type waContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type waMessage struct {
	From      string   `json:"from"`
	ID        string   `json:"id"`
	Timestamp string   `json:"timestamp"`
	Type      string   `json:"type"`
	Text      *waText  `json:"text,omitempty"`
	Image     *waMedia `json:"image,omitempty"`
	Video     *waMedia `json:"video,omitempty"`
	Audio     *waMedia `json:"audio,omitempty"`
	Document  *waMedia `json:"document,omitempty"`
}

func (m waMessage) mediaRef() string {
	for _, media := range []*waMedia{m.Image, m.Video, m.Audio, m.Document} {
		if media != nil && media.ID != "" {
			return media.ID
		}
	}
	return ""
}

type waText struct {
	Body string `json:"body"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
}

type waStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

func contactNames(contacts []waContact) map[string]string {
	if len(contacts) == 0 {
		return nil
	}
	names := make(map[string]string, len(contacts))
	for _, c := range contacts {
		if c.WaID != "" && c.Profile.Name != "" {
			names[c.WaID] = c.Profile.Name
		}
	}
	return names
}

func mapWADeliveryStatus(s string) domain.DeliveryStatus {
	switch s {
	case "sent":
		return domain.DeliverySent
	case "delivered":
		return domain.DeliveryDelivered
	case "read":
		return domain.DeliveryRead
	case "failed":
		return domain.DeliveryFailed
	default:
		return domain.DeliveryStatus(s)
	}
}

func unixStringTime(s string) time.Time {
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil && sec > 0 {
		return time.Unix(sec, 0).UTC()
	}
	return time.Now().UTC()
}
