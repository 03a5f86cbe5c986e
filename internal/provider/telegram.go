package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatbridge/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram implements domain.Provider for the Telegram Bot API.
//
// Telegram has no GET handshake; webhook ownership is asserted through the
// X-Telegram-Bot-Api-Secret-Token header, compared against the stored verify
// token on every delivery.
type Telegram struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger

	// bots caches one BotAPI per token. BotAPI is safe for concurrent use;
	// caching only avoids repeating the getMe round-trip on every send.
	mu   sync.Mutex
	bots map[string]*tgbotapi.BotAPI
}

// TelegramConfig configures the Telegram provider.
type TelegramConfig struct {
	Endpoint string // override for tests; defaults to tgbotapi.APIEndpoint
	Client   *http.Client
	Logger   *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	return &Telegram{
		endpoint: cfg.Endpoint,
		client:   cfg.Client,
		logger:   cfg.Logger,
		bots:     make(map[string]*tgbotapi.BotAPI),
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) bot(creds domain.Credentials) (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bot, ok := t.bots[creds.BotToken]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(creds.BotToken, t.endpoint, t.client)
	if err != nil {
		return nil, err
	}
	t.bots[creds.BotToken] = bot
	return bot, nil
}

// Validate calls getMe with the supplied token.
func (t *Telegram) Validate(ctx context.Context, creds domain.Credentials) domain.Validation {
	if creds.BotToken == "" {
		return domain.Validation{Error: "botToken is required"}
	}
	bot, err := t.bot(creds)
	if err != nil {
		return domain.Validation{Error: fmt.Sprintf("telegram getMe: %v", err)}
	}
	return domain.Validation{Valid: true, Identity: "@" + bot.Self.UserName}
}

// VerifyWebhook rejects GETs (no handshake in the protocol) and gates POST
// deliveries on the secret-token header when a verify token is stored.
func (t *Telegram) VerifyWebhook(creds domain.Credentials, req domain.WebhookRequest) domain.VerifyResult {
	if req.Method != http.MethodPost {
		return domain.VerifyResult{Outcome: domain.VerifyReject, StatusCode: http.StatusForbidden}
	}
	if creds.VerifyToken != "" {
		got := req.Header.Get("X-Telegram-Bot-Api-Secret-Token")
		if !compareVerifyToken(got, creds.VerifyToken) {
			return domain.VerifyResult{Outcome: domain.VerifyReject, StatusCode: http.StatusForbidden}
		}
	}
	return domain.VerifyResult{Outcome: domain.VerifyDeliver}
}

// Normalize converts a single Update object into at most one message event.
// Telegram delivers no outbound status callbacks, so no status events exist.
func (t *Telegram) Normalize(integrationID string, payload []byte) ([]domain.NormalizedInboundEvent, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(payload, &update); err != nil {
		return nil, fmt.Errorf("decode telegram update: %w", err)
	}

	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil || msg.From == nil || msg.Chat == nil || msg.MessageID == 0 {
		return nil, nil
	}

	ev := domain.NormalizedInboundEvent{
		Type:              domain.EventMessage,
		IntegrationID:     integrationID,
		ExternalMessageID: fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID),
		SenderID:          strconv.FormatInt(msg.From.ID, 10),
		SenderName:        strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		Text:              msg.Text,
		OccurredAt:        time.Unix(int64(msg.Date), 0).UTC(),
	}
	if ev.Text == "" {
		ev.Text = msg.Caption
	}
	switch {
	case len(msg.Photo) > 0:
		ev.MediaRef = msg.Photo[len(msg.Photo)-1].FileID
	case msg.Document != nil:
		ev.MediaRef = msg.Document.FileID
	case msg.Voice != nil:
		ev.MediaRef = msg.Voice.FileID
	case msg.Video != nil:
		ev.MediaRef = msg.Video.FileID
	}
	// Stickers, polls and other subtypes still produce an event with empty
	// text; dropping them would hide activity from downstream consumers.
	return []domain.NormalizedInboundEvent{ev}, nil
}

func (t *Telegram) SendText(ctx context.Context, creds domain.Credentials, recipientID, text string) (*domain.SendResult, error) {
	bot, err := t.bot(creds)
	if err != nil {
		return nil, classifyTelegramError(err)
	}

	var msg tgbotapi.MessageConfig
	if strings.HasPrefix(recipientID, "@") {
		msg = tgbotapi.NewMessageToChannel(recipientID, text)
	} else {
		chatID, err := strconv.ParseInt(recipientID, 10, 64)
		if err != nil {
			return nil, &domain.SendError{Code: domain.SendErrInvalidRecipient, Message: "recipient is not a chat id or @channel"}
		}
		msg = tgbotapi.NewMessage(chatID, text)
	}

	sent, err := bot.Send(msg)
	if err != nil {
		return nil, classifyTelegramError(err)
	}
	return &domain.SendResult{ProviderMessageID: strconv.Itoa(sent.MessageID)}, nil
}

// SendTemplate renders the catalog body locally; the Bot API has no native
// template messages and no engagement window on replies.
func (t *Telegram) SendTemplate(ctx context.Context, creds domain.Credentials, recipientID string, tmpl domain.Template, params []string) (*domain.SendResult, error) {
	return t.SendText(ctx, creds, recipientID, renderTemplateBody(tmpl.Body, params))
}

// MarkDelivered is a no-op: the Bot API exposes no read receipts.
func (t *Telegram) MarkDelivered(ctx context.Context, creds domain.Credentials, providerMessageID string) error {
	return nil
}

// classifyTelegramError maps Bot API rejections onto the stable SendError set.
func classifyTelegramError(err error) *domain.SendError {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return &domain.SendError{Code: domain.SendErrTransport, Message: err.Error()}
	}

	msg := apiErr.Message
	lower := strings.ToLower(msg)
	switch {
	case apiErr.Code == http.StatusTooManyRequests || strings.Contains(lower, "too many requests"):
		return &domain.SendError{Code: domain.SendErrRateLimited, Message: msg}
	case apiErr.Code == http.StatusUnauthorized:
		return &domain.SendError{Code: domain.SendErrUnauthorized, Message: msg}
	case strings.Contains(lower, "can't initiate conversation"),
		strings.Contains(lower, "bot was blocked"):
		// The bot may only reply after the user has messaged it, the
		// closest analogue of an engagement window.
		return &domain.SendError{Code: domain.SendErrWindowClosed, Message: msg}
	case strings.Contains(lower, "chat not found"):
		return &domain.SendError{Code: domain.SendErrInvalidRecipient, Message: msg}
	default:
		return &domain.SendError{Code: domain.SendErrProvider, Message: msg}
	}
}
