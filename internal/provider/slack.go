package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"chatbridge/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// Slack implements domain.Provider for the Slack Events API.
//
// Slack performs its ownership handshake inside a POST: an url_verification
// payload whose challenge must be echoed back as JSON. Deliveries are signed
// with the app's signing secret (stored as AppSecret).
type Slack struct {
	apiURL string
	client *http.Client
	logger *slog.Logger
}

// SlackConfig configures the Slack provider.
type SlackConfig struct {
	APIURL string // override for tests; must end with a slash
	Client *http.Client
	Logger *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	return &Slack{
		apiURL: cfg.APIURL,
		client: cfg.Client,
		logger: cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) api(creds domain.Credentials) *slack.Client {
	opts := []slack.Option{slack.OptionHTTPClient(s.client)}
	if s.apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(s.apiURL))
	}
	return slack.New(creds.BotToken, opts...)
}

// Validate calls auth.test with the supplied bot token.
func (s *Slack) Validate(ctx context.Context, creds domain.Credentials) domain.Validation {
	if creds.BotToken == "" {
		return domain.Validation{Error: "botToken is required"}
	}
	resp, err := s.api(creds).AuthTestContext(ctx)
	if err != nil {
		return domain.Validation{Error: fmt.Sprintf("slack auth.test: %v", err)}
	}
	return domain.Validation{Valid: true, Identity: fmt.Sprintf("%s (%s)", resp.User, resp.Team)}
}

// VerifyWebhook checks the request signature when a signing secret is stored
// and intercepts the url_verification handshake.
func (s *Slack) VerifyWebhook(creds domain.Credentials, req domain.WebhookRequest) domain.VerifyResult {
	if req.Method != http.MethodPost {
		return domain.VerifyResult{Outcome: domain.VerifyReject, StatusCode: http.StatusForbidden}
	}

	if creds.AppSecret != "" {
		verifier, err := slack.NewSecretsVerifier(req.Header, creds.AppSecret)
		if err != nil {
			return domain.VerifyResult{Outcome: domain.VerifyReject, StatusCode: http.StatusForbidden}
		}
		if _, err := verifier.Write(req.Body); err != nil {
			return domain.VerifyResult{Outcome: domain.VerifyReject, StatusCode: http.StatusForbidden}
		}
		if err := verifier.Ensure(); err != nil {
			return domain.VerifyResult{Outcome: domain.VerifyReject, StatusCode: http.StatusForbidden}
		}
	}

	var probe struct {
		Type      string `json:"type"`
		Token     string `json:"token"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(req.Body, &probe); err == nil && probe.Type == "url_verification" {
		if creds.VerifyToken != "" && !compareVerifyToken(probe.Token, creds.VerifyToken) {
			return domain.VerifyResult{Outcome: domain.VerifyReject, StatusCode: http.StatusForbidden}
		}
		body, _ := json.Marshal(map[string]string{"challenge": probe.Challenge})
		return domain.VerifyResult{
			Outcome:     domain.VerifyChallenge,
			StatusCode:  http.StatusOK,
			Body:        body,
			ContentType: "application/json",
		}
	}

	return domain.VerifyResult{Outcome: domain.VerifyDeliver}
}

// Normalize extracts message events from an event_callback envelope. The
// bot's own messages (BotID set) are skipped to avoid echo loops.
func (s *Slack) Normalize(integrationID string, payload []byte) ([]domain.NormalizedInboundEvent, error) {
	ev, err := slackevents.ParseEvent(json.RawMessage(payload), slackevents.OptionNoVerifyToken())
	if err != nil {
		return nil, fmt.Errorf("decode slack event: %w", err)
	}
	if ev.Type != slackevents.CallbackEvent {
		return nil, nil
	}

	msg, ok := ev.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || msg.BotID != "" || msg.User == "" || msg.TimeStamp == "" {
		return nil, nil
	}

	// Slack does not include profile metadata in the event, so SenderName
	// stays empty rather than being synthesized from the user id.
	return []domain.NormalizedInboundEvent{{
		Type:              domain.EventMessage,
		IntegrationID:     integrationID,
		ExternalMessageID: msg.TimeStamp,
		SenderID:          msg.User,
		Text:              msg.Text,
		OccurredAt:        slackTimestamp(msg.TimeStamp),
	}}, nil
}

func (s *Slack) SendText(ctx context.Context, creds domain.Credentials, recipientID, text string) (*domain.SendResult, error) {
	_, ts, err := s.api(creds).PostMessageContext(ctx, recipientID, slack.MsgOptionText(text, false))
	if err != nil {
		return nil, classifySlackError(err)
	}
	return &domain.SendResult{ProviderMessageID: ts}, nil
}

// SendTemplate renders the catalog body locally; Slack has no template
// messages or engagement window.
func (s *Slack) SendTemplate(ctx context.Context, creds domain.Credentials, recipientID string, tmpl domain.Template, params []string) (*domain.SendResult, error) {
	return s.SendText(ctx, creds, recipientID, renderTemplateBody(tmpl.Body, params))
}

// MarkDelivered is a no-op: the Web API has no per-message read receipts.
func (s *Slack) MarkDelivered(ctx context.Context, creds domain.Credentials, providerMessageID string) error {
	return nil
}

// classifySlackError maps Web API error strings onto the stable SendError set.
func classifySlackError(err error) *domain.SendError {
	var rateErr *slack.RateLimitedError
	if errors.As(err, &rateErr) {
		return &domain.SendError{Code: domain.SendErrRateLimited, Message: err.Error()}
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return &domain.SendError{Code: domain.SendErrTransport, Message: err.Error()}
	}

	switch err.Error() {
	case "channel_not_found", "user_not_found", "user_not_visible":
		return &domain.SendError{Code: domain.SendErrInvalidRecipient, Message: err.Error()}
	case "not_in_channel", "channel_is_archived":
		// The bot cannot post until invited, the closest analogue of a
		// closed engagement window.
		return &domain.SendError{Code: domain.SendErrWindowClosed, Message: err.Error()}
	case "invalid_auth", "not_authed", "token_revoked", "account_inactive":
		return &domain.SendError{Code: domain.SendErrUnauthorized, Message: err.Error()}
	case "rate_limited", "ratelimited":
		return &domain.SendError{Code: domain.SendErrRateLimited, Message: err.Error()}
	default:
		return &domain.SendError{Code: domain.SendErrProvider, Message: err.Error()}
	}
}

// slackTimestamp parses Slack's "seconds.micros" event timestamps.
func slackTimestamp(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil || f <= 0 {
		return time.Now().UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
