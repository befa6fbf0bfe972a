package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	marketDataPath = "/market-data/by-type"
	positionsPath  = "/accounts/%s/positions"
)

// HTTPOptions parameterise the broker REST client.
type HTTPOptions struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	UserAgent string
	Now       func() time.Time
}

// HTTPClient reads quotes and positions from the broker REST API.
type HTTPClient struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPClient constructs a broker client.
func NewHTTPClient(opts HTTPOptions, logger zerolog.Logger) *HTTPClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.tastyworks.com"
	}

	return &HTTPClient{
		opts:    opts,
		logger:  logger.With().Str("component", "quote_http").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type envelope[T any] struct {
	Data struct {
		Items []T `json:"items"`
	} `json:"data"`
}

type marketDataItem struct {
	Symbol string           `json:"symbol"`
	Mark   *decimal.Decimal `json:"mark"`
	Last   *decimal.Decimal `json:"last"`
	Mid    *decimal.Decimal `json:"mid"`
}

type positionItem struct {
	Symbol            string           `json:"symbol"`
	UnderlyingSymbol  string           `json:"underlying-symbol"`
	Quantity          decimal.Decimal  `json:"quantity"`
	QuantityDirection string           `json:"quantity-direction"`
	AverageOpenPrice  decimal.Decimal  `json:"average-open-price"`
	Mark              *decimal.Decimal `json:"mark"`
	ClosePrice        decimal.Decimal  `json:"close-price"`
	Multiplier        decimal.Decimal  `json:"multiplier"`
	Delta             *decimal.Decimal `json:"delta"`
	ExpiresAt         *time.Time       `json:"expires-at"`
}

// GetObservations fetches marks for all symbols in one request.
func (c *HTTPClient) GetObservations(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	query := url.Values{}
	query.Set("equity", strings.Join(symbols, ","))

	var payload envelope[marketDataItem]
	if err := c.get(ctx, marketDataPath+"?"+query.Encode(), &payload); err != nil {
		return nil, fmt.Errorf("fetch market data: %w", err)
	}

	for _, item := range payload.Data.Items {
		price, ok := firstPrice(item.Mark, item.Last, item.Mid)
		if !ok {
			continue
		}
		out[strings.ToUpper(item.Symbol)] = price
	}
	c.logger.Debug().Int("requested", len(symbols)).Int("returned", len(out)).Msg("market data fetched")
	return out, nil
}

// GetPositions lists open positions with derived P&L and days to expiration.
func (c *HTTPClient) GetPositions(ctx context.Context, account string) ([]Position, error) {
	if account == "" {
		return nil, errors.New("account number is required")
	}

	var payload envelope[positionItem]
	if err := c.get(ctx, fmt.Sprintf(positionsPath, url.PathEscape(account)), &payload); err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	now := c.opts.Now()
	positions := make([]Position, 0, len(payload.Data.Items))
	for _, item := range payload.Data.Items {
		positions = append(positions, item.toPosition(now))
	}
	return positions, nil
}

func (item positionItem) toPosition(now time.Time) Position {
	mark := item.ClosePrice
	if item.Mark != nil {
		mark = *item.Mark
	}
	multiplier := item.Multiplier
	if multiplier.IsZero() {
		multiplier = decimal.NewFromInt(1)
	}
	qty := item.Quantity
	if strings.EqualFold(item.QuantityDirection, "short") {
		qty = qty.Neg()
	}

	pos := Position{
		Symbol:     strings.ToUpper(strings.TrimSpace(item.Symbol)),
		Underlying: strings.ToUpper(item.UnderlyingSymbol),
		Quantity:   qty,
		Mark:       mark,
		PnL:        mark.Sub(item.AverageOpenPrice).Mul(qty).Mul(multiplier),
		ExpiresAt:  item.ExpiresAt,
	}
	if item.Delta != nil {
		pos.Delta = item.Delta.Mul(qty)
	}
	if item.ExpiresAt != nil {
		days := DaysUntil(*item.ExpiresAt, now)
		pos.DaysToExpiration = &days
	}
	return pos
}

func (c *HTTPClient) get(ctx context.Context, path string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "tradewatch/1.0")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error.Message != "" {
			return fmt.Errorf("broker api error (%d): %s", status, apiErr.Error.Message)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("broker api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error.Code != "" {
			return fmt.Errorf("broker api error (%d): %s", status, apiErr.Error.Code)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("broker api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("broker api error (%d)", status)
}

func firstPrice(candidates ...*decimal.Decimal) (decimal.Decimal, bool) {
	for _, c := range candidates {
		if c != nil && !c.IsZero() {
			return *c, true
		}
	}
	return decimal.Decimal{}, false
}

var _ Client = (*HTTPClient)(nil)
