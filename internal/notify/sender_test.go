package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleNote() Notification {
	return Notification{
		Title:      "X above 100",
		Message:    "X is above 100 (last 101)",
		Severity:   SeverityWarning,
		Category:   "price",
		Symbol:     "X",
		Kind:       "above",
		MonitorKey: "desk",
		Value:      decimal.NewFromInt(101),
		Threshold:  decimal.NewFromInt(100),
		CreatedAt:  time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestTelegramSenderSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	sender := NewTelegramSender("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := sender.Send(context.Background(), sampleNote()); err != nil {
		t.Fatalf("Telegram Send 应成功: %v", err)
	}
	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "X is above 100") {
		t.Fatalf("text 应包含告警内容: %q", received["text"])
	}
}

func TestTelegramSenderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	sender := NewTelegramSender("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := sender.Send(context.Background(), sampleNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestWebhookSenderSignsPayload(t *testing.T) {
	sender := NewWebhookSender("https://hooks.example.com/alerts", "s3cret", time.Second)
	httpmock.ActivateNonDefault(sender.client)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://hooks.example.com/alerts",
		func(req *http.Request) (*http.Response, error) {
			body, err := io.ReadAll(req.Body)
			require.NoError(t, err)

			mac := hmac.New(sha256.New, []byte("s3cret"))
			mac.Write(body)
			assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), req.Header.Get("X-Tradewatch-Signature"))

			var payload map[string]any
			require.NoError(t, json.Unmarshal(body, &payload))
			assert.Equal(t, "warning", payload["severity"])
			assert.Equal(t, "X", payload["symbol"])
			return httpmock.NewStringResponse(http.StatusNoContent, ""), nil
		})

	require.NoError(t, sender.Send(context.Background(), sampleNote()))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestWebhookSenderNon2xx(t *testing.T) {
	sender := NewWebhookSender("https://hooks.example.com/alerts", "", time.Second)
	httpmock.ActivateNonDefault(sender.client)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://hooks.example.com/alerts",
		httpmock.NewStringResponder(http.StatusBadGateway, "upstream down"))

	err := sender.Send(context.Background(), sampleNote())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestSlackSenderPostsWebhook(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewSlackSender(srv.URL, "#alerts")
	require.NoError(t, sender.Send(context.Background(), sampleNote()))
	assert.Equal(t, "#alerts", got["channel"])
	assert.Contains(t, got["text"], "X is above 100")
}

func TestSlackSenderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	assert.Error(t, NewSlackSender(srv.URL, "").Send(context.Background(), sampleNote()))
}

func TestShoutrrrSenderRequiresURL(t *testing.T) {
	_, err := NewShoutrrrSender()
	assert.Error(t, err)

	_, err = NewShoutrrrSender("notaservice://nowhere")
	assert.Error(t, err)
}

func TestLogSenderNeverFails(t *testing.T) {
	assert.NoError(t, NewLogSender(zerolog.Nop()).Send(context.Background(), sampleNote()))
}
