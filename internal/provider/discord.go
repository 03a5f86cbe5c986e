package provider

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"chatbridge/internal/domain"

	"github.com/bwmarrin/discordgo"
)

// Discord implements domain.Provider for Discord bots.
//
// Inbound deliveries follow the interactions-endpoint protocol: every POST is
// signed with Ed25519 (X-Signature-Ed25519 over timestamp+body), and a
// {"type":1} PING must be answered with a {"type":1} PONG before Discord
// accepts the endpoint. Message payloads carry the standard message object,
// either bare or wrapped in a {"t":"MESSAGE_CREATE","d":{...}} envelope.
type Discord struct {
	client *http.Client
	logger *slog.Logger
}

// DiscordConfig configures the Discord provider.
type DiscordConfig struct {
	Client *http.Client // injected into the discordgo session; override for tests
	Logger *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	return &Discord{
		client: cfg.Client,
		logger: cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) session(creds domain.Credentials) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + creds.BotToken)
	if err != nil {
		return nil, err
	}
	s.Client = d.client
	return s, nil
}

// Validate fetches the bot's own user with the supplied token.
func (d *Discord) Validate(ctx context.Context, creds domain.Credentials) domain.Validation {
	if creds.BotToken == "" {
		return domain.Validation{Error: "botToken is required"}
	}
	s, err := d.session(creds)
	if err != nil {
		return domain.Validation{Error: err.Error()}
	}
	user, err := s.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return domain.Validation{Error: fmt.Sprintf("discord users/@me: %v", err)}
	}
	return domain.Validation{Valid: true, Identity: user.Username}
}

// VerifyWebhook enforces the Ed25519 signature and answers PINGs.
func (d *Discord) VerifyWebhook(creds domain.Credentials, req domain.WebhookRequest) domain.VerifyResult {
	if req.Method != http.MethodPost {
		return domain.VerifyResult{Outcome: domain.VerifyReject, StatusCode: http.StatusForbidden}
	}

	if creds.PublicKey != "" {
		sig := req.Header.Get("X-Signature-Ed25519")
		ts := req.Header.Get("X-Signature-Timestamp")
		if !verifyEd25519(creds.PublicKey, ts, req.Body, sig) {
			// Discord probes with deliberately bad signatures and
			// expects 401 before it will register the endpoint.
			return domain.VerifyResult{Outcome: domain.VerifyReject, StatusCode: http.StatusUnauthorized}
		}
	}

	var probe struct {
		Type int `json:"type"`
	}
	if err := json.Unmarshal(req.Body, &probe); err == nil && probe.Type == int(discordgo.InteractionPing) {
		body, _ := json.Marshal(map[string]int{"type": int(discordgo.InteractionResponsePong)})
		return domain.VerifyResult{
			Outcome:     domain.VerifyChallenge,
			StatusCode:  http.StatusOK,
			Body:        body,
			ContentType: "application/json",
		}
	}

	return domain.VerifyResult{Outcome: domain.VerifyDeliver}
}

func verifyEd25519(publicKeyHex, timestamp string, body []byte, signatureHex string) bool {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	msg := append([]byte(timestamp), body...)
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// Normalize converts a message object into at most one message event.
// Messages authored by bots are skipped to avoid echo loops.
func (d *Discord) Normalize(integrationID string, payload []byte) ([]domain.NormalizedInboundEvent, error) {
	var msg discordgo.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode discord message: %w", err)
	}
	if msg.ID == "" {
		// Gateway-style envelope.
		var env struct {
			T string          `json:"t"`
			D json.RawMessage `json:"d"`
		}
		if err := json.Unmarshal(payload, &env); err != nil || env.T != "MESSAGE_CREATE" {
			return nil, nil
		}
		if err := json.Unmarshal(env.D, &msg); err != nil {
			return nil, fmt.Errorf("decode discord message: %w", err)
		}
	}

	if msg.ID == "" || msg.Author == nil || msg.Author.ID == "" || msg.Author.Bot {
		return nil, nil
	}

	ev := domain.NormalizedInboundEvent{
		Type:              domain.EventMessage,
		IntegrationID:     integrationID,
		ExternalMessageID: msg.ID,
		SenderID:          msg.Author.ID,
		SenderName:        msg.Author.Username,
		Text:              msg.Content,
		OccurredAt:        msg.Timestamp.UTC(),
	}
	if len(msg.Attachments) > 0 && msg.Attachments[0] != nil {
		ev.MediaRef = msg.Attachments[0].URL
	}
	return []domain.NormalizedInboundEvent{ev}, nil
}

func (d *Discord) SendText(ctx context.Context, creds domain.Credentials, recipientID, text string) (*domain.SendResult, error) {
	s, err := d.session(creds)
	if err != nil {
		return nil, &domain.SendError{Code: domain.SendErrUnauthorized, Message: err.Error()}
	}
	msg, err := s.ChannelMessageSend(recipientID, text, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classifyDiscordError(err)
	}
	return &domain.SendResult{ProviderMessageID: msg.ID}, nil
}

// SendTemplate renders the catalog body locally; Discord has no template
// messages.
func (d *Discord) SendTemplate(ctx context.Context, creds domain.Credentials, recipientID string, tmpl domain.Template, params []string) (*domain.SendResult, error) {
	return d.SendText(ctx, creds, recipientID, renderTemplateBody(tmpl.Body, params))
}

// MarkDelivered is a no-op: Discord has no read receipts for bots.
func (d *Discord) MarkDelivered(ctx context.Context, creds domain.Credentials, providerMessageID string) error {
	return nil
}

// classifyDiscordError maps REST rejections onto the stable SendError set.
func classifyDiscordError(err error) *domain.SendError {
	var rateErr *discordgo.RateLimitError
	if errors.As(err, &rateErr) {
		return &domain.SendError{Code: domain.SendErrRateLimited, Message: err.Error()}
	}

	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return &domain.SendError{Code: domain.SendErrTransport, Message: err.Error()}
	}

	msg := err.Error()
	var code int
	if restErr.Message != nil {
		msg = restErr.Message.Message
		code = int(restErr.Message.Code)
	}
	status := 0
	if restErr.Response != nil {
		status = restErr.Response.StatusCode
	}

	switch {
	case code == 50007 || strings.Contains(strings.ToLower(msg), "cannot send messages"):
		// DMs require the user to share a server and allow them, the
		// closest analogue of a closed engagement window.
		return &domain.SendError{Code: domain.SendErrWindowClosed, Message: msg}
	case code == 10003 || code == 10013: // unknown channel / unknown user
		return &domain.SendError{Code: domain.SendErrInvalidRecipient, Message: msg}
	case status == http.StatusUnauthorized:
		return &domain.SendError{Code: domain.SendErrUnauthorized, Message: msg}
	case status == http.StatusTooManyRequests:
		return &domain.SendError{Code: domain.SendErrRateLimited, Message: msg}
	default:
		return &domain.SendError{Code: domain.SendErrProvider, Message: msg}
	}
}
