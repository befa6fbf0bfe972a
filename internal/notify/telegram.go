package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TelegramSender 通过 Telegram Bot API 推送消息。
type TelegramSender struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramSender 构造 Telegram 通道。
func NewTelegramSender(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramSender{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "notify_telegram").Logger(),
	}
}

func (s *TelegramSender) Name() string { return "telegram" }

// Send 调用 sendMessage API 推送文本。
func (s *TelegramSender) Send(ctx context.Context, note Notification) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": s.chatID,
		"text":    renderText(note),
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
	}

	s.logger.Info().Str("symbol", note.Symbol).
		Str("kind", note.Kind).
		Str("severity", note.Severity.String()).
		Msg("告警已发送 (Telegram)")
	return nil
}

// renderText is the plain-text layout shared by chat-style channels.
func renderText(note Notification) string {
	var b strings.Builder
	if note.Title != "" {
		fmt.Fprintf(&b, "[%s] %s\n", strings.ToUpper(note.Severity.String()), note.Title)
	}
	b.WriteString(note.Message)
	if note.MonitorKey != "" {
		fmt.Fprintf(&b, "\nMonitor: %s", note.MonitorKey)
	}
	if !note.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "\nAt: %s UTC", note.CreatedAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}

var _ Sender = (*TelegramSender)(nil)
