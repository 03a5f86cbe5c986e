package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatbridge/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// newTelegramStub serves the minimal Bot API surface the provider touches:
// getMe during construction and sendMessage for sends.
func newTelegramStub(t *testing.T, sendResponse string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			rw.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Bridge","username":"bridge_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			rw.Write([]byte(sendResponse))
		default:
			t.Errorf("unexpected bot API call: %s", r.URL.Path)
			rw.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
		}
	})
	return httptest.NewServer(mux)
}

func testTelegram(ts *httptest.Server) *Telegram {
	return NewTelegram(TelegramConfig{
		Endpoint: ts.URL + "/bot%s/%s",
		Logger:   testProviderLogger(),
	})
}

func tgCreds() domain.Credentials {
	return domain.Credentials{BotToken: "12345:token", VerifyToken: "tg-secret"}
}

func TestTelegramValidate_Identity(t *testing.T) {
	ts := newTelegramStub(t, "")
	defer ts.Close()

	v := testTelegram(ts).Validate(context.Background(), tgCreds())
	if !v.Valid {
		t.Fatalf("expected valid, got error %q", v.Error)
	}
	if v.Identity != "@bridge_bot" {
		t.Errorf("unexpected identity: %q", v.Identity)
	}
}

func TestTelegramValidate_MissingToken(t *testing.T) {
	ts := newTelegramStub(t, "")
	defer ts.Close()

	v := testTelegram(ts).Validate(context.Background(), domain.Credentials{})
	if v.Valid {
		t.Error("empty token should not validate")
	}
}

func TestTelegramVerify_SecretToken(t *testing.T) {
	ts := newTelegramStub(t, "")
	defer ts.Close()
	tg := testTelegram(ts)

	res := tg.VerifyWebhook(tgCreds(), domain.WebhookRequest{
		Method: http.MethodPost,
		Header: http.Header{"X-Telegram-Bot-Api-Secret-Token": {"tg-secret"}},
		Body:   []byte(`{"update_id":1}`),
	})
	if res.Outcome != domain.VerifyDeliver {
		t.Errorf("matching secret token should deliver, got %v", res.Outcome)
	}

	res = tg.VerifyWebhook(tgCreds(), domain.WebhookRequest{
		Method: http.MethodPost,
		Header: http.Header{"X-Telegram-Bot-Api-Secret-Token": {"wrong"}},
		Body:   []byte(`{"update_id":1}`),
	})
	if res.Outcome != domain.VerifyReject || res.StatusCode != http.StatusForbidden {
		t.Errorf("wrong secret token should reject with 403, got %v/%d", res.Outcome, res.StatusCode)
	}
}

func TestTelegramVerify_NoHandshakeOnGET(t *testing.T) {
	ts := newTelegramStub(t, "")
	defer ts.Close()

	res := testTelegram(ts).VerifyWebhook(tgCreds(), domain.WebhookRequest{Method: http.MethodGet})
	if res.Outcome != domain.VerifyReject {
		t.Errorf("telegram has no GET handshake, expected reject, got %v", res.Outcome)
	}
}

func TestTelegramNormalize_Message(t *testing.T) {
	ts := newTelegramStub(t, "")
	defer ts.Close()

	payload := `{"update_id":1,"message":{
		"message_id":5,
		"from":{"id":7,"is_bot":false,"first_name":"Ada","last_name":"Lovelace"},
		"chat":{"id":100,"type":"private"},
		"date":1700000000,
		"text":"hi there"
	}}`

	events, err := testTelegram(ts).Normalize("int-1", []byte(payload))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.ExternalMessageID != "100:5" {
		t.Errorf("expected chat-scoped message id 100:5, got %q", ev.ExternalMessageID)
	}
	if ev.SenderID != "7" || ev.SenderName != "Ada Lovelace" || ev.Text != "hi there" {
		t.Errorf("unexpected event fields: %+v", ev)
	}
	if ev.OccurredAt.Unix() != 1700000000 {
		t.Errorf("expected provider timestamp, got %v", ev.OccurredAt)
	}
}

func TestTelegramNormalize_PhotoPicksLargest(t *testing.T) {
	ts := newTelegramStub(t, "")
	defer ts.Close()

	payload := `{"update_id":2,"message":{
		"message_id":6,
		"from":{"id":7,"is_bot":false,"first_name":"Ada"},
		"chat":{"id":100,"type":"private"},
		"date":1700000000,
		"caption":"look",
		"photo":[{"file_id":"small"},{"file_id":"large"}]
	}}`

	events, err := testTelegram(ts).Normalize("int-1", []byte(payload))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].MediaRef != "large" {
		t.Fatalf("expected largest photo size, got %+v", events)
	}
	if events[0].Text != "look" {
		t.Errorf("caption should become text, got %q", events[0].Text)
	}
}

func TestTelegramNormalize_NonMessageUpdate(t *testing.T) {
	ts := newTelegramStub(t, "")
	defer ts.Close()

	events, err := testTelegram(ts).Normalize("int-1", []byte(`{"update_id":3}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("updates without a message should produce no events, got %d", len(events))
	}
}

func TestTelegramSendText(t *testing.T) {
	ts := newTelegramStub(t, `{"ok":true,"result":{"message_id":42,"chat":{"id":100,"type":"private"},"date":1700000000,"text":"hello"}}`)
	defer ts.Close()

	res, err := testTelegram(ts).SendText(context.Background(), tgCreds(), "100", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if res.ProviderMessageID != "42" {
		t.Errorf("expected message id 42, got %q", res.ProviderMessageID)
	}
}

func TestTelegramSendText_BadRecipient(t *testing.T) {
	ts := newTelegramStub(t, "")
	defer ts.Close()

	_, err := testTelegram(ts).SendText(context.Background(), tgCreds(), "not-a-chat-id", "hello")
	var sendErr *domain.SendError
	if !errors.As(err, &sendErr) || sendErr.Code != domain.SendErrInvalidRecipient {
		t.Errorf("expected invalid_recipient, got %v", err)
	}
}

func TestTelegramSendText_BlockedByUser(t *testing.T) {
	ts := newTelegramStub(t, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`)
	defer ts.Close()

	_, err := testTelegram(ts).SendText(context.Background(), tgCreds(), "100", "hello")
	var sendErr *domain.SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected *domain.SendError, got %T", err)
	}
	if sendErr.Code != domain.SendErrWindowClosed {
		t.Errorf("expected window_closed, got %s", sendErr.Code)
	}
}

func TestClassifyTelegramError_Taxonomy(t *testing.T) {
	cases := []struct {
		err  error
		want domain.SendErrorCode
	}{
		{&tgbotapi.Error{Code: 403, Message: "Forbidden: bot can't initiate conversation with a user"}, domain.SendErrWindowClosed},
		{&tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}, domain.SendErrWindowClosed},
		{&tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}, domain.SendErrInvalidRecipient},
		{&tgbotapi.Error{Code: 429, Message: "Too Many Requests: retry after 5"}, domain.SendErrRateLimited},
		{&tgbotapi.Error{Code: 401, Message: "Unauthorized"}, domain.SendErrUnauthorized},
		{&tgbotapi.Error{Code: 400, Message: "Bad Request: message is too long"}, domain.SendErrProvider},
		{errors.New("dial tcp: connection refused"), domain.SendErrTransport},
	}

	for _, tc := range cases {
		got := classifyTelegramError(tc.err)
		if got.Code != tc.want {
			t.Errorf("%v: expected %s, got %s", tc.err, tc.want, got.Code)
		}
	}
}

func TestTelegramMarkDelivered_NoOp(t *testing.T) {
	ts := newTelegramStub(t, "")
	defer ts.Close()

	if err := testTelegram(ts).MarkDelivered(context.Background(), tgCreds(), "100:5"); err != nil {
		t.Errorf("read receipts are a no-op, got %v", err)
	}
}
