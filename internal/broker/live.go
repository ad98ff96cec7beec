package broker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/harveybc/lts/internal/models"
)

func init() {
	Register("live", func(cfg Config, logger *zap.Logger) (Broker, error) {
		return NewLive(cfg, logger)
	})
}

// Live talks to an external broker's REST API. Every call goes through a
// bounded retry loop: transient failures (network, 429, 5xx) back off and
// retry, permanent failures (4xx) surface immediately. Exhausted retries come
// back as a failed ExecutionResult so the scheduler can isolate them.
type Live struct {
	cfg     Config
	client  *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewLive creates a live broker client.
func NewLive(cfg Config, logger *zap.Logger) (*Live, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("live broker requires api_url")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.WithDefaults()

	client := resty.New().
		SetBaseURL(cfg.APIURL).
		SetAuthToken(cfg.APIToken).
		SetHeader("Content-Type", "application/json")

	return &Live{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
		logger:  logger.Named("live-broker"),
	}, nil
}

func (b *Live) Name() string { return "live" }

// request executes one API call with rate limiting and the bounded
// retry/backoff policy: up to MaxRetries attempts, waiting
// RetryBackoff * 2^n between them.
func (b *Live) request(ctx context.Context, method, path string, body, out any) error {
	backoff := time.Duration(b.cfg.RetryBackoff * float64(time.Second))
	var lastErr error

	for attempt := 0; attempt < b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return &TransientError{Err: ctx.Err()}
			}
			backoff *= 2
		}

		if err := b.limiter.Wait(ctx); err != nil {
			return &TransientError{Err: fmt.Errorf("rate limiter wait failed: %w", err)}
		}

		req := b.client.R().SetContext(ctx)
		if body != nil {
			req.SetBody(body)
		}
		if out != nil {
			req.SetResult(out)
		}

		resp, err := req.Execute(method, path)
		if err != nil {
			lastErr = &TransientError{Err: err}
			b.logger.Warn("Broker request failed, retrying...",
				zap.Int("attempt", attempt+1),
				zap.String("path", path),
				zap.Error(err),
			)
			continue
		}
		if !resp.IsError() {
			return nil
		}

		status := resp.StatusCode()
		if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			lastErr = &TransientError{Err: fmt.Errorf("broker api %s: %s", resp.Status(), resp.String())}
			b.logger.Warn("Broker request rejected, retrying...",
				zap.Int("attempt", attempt+1),
				zap.Int("status", status),
				zap.String("path", path),
			)
			continue
		}
		// Client errors are never retried.
		return &PermanentError{Err: fmt.Errorf("broker api %s: %s", resp.Status(), resp.String())}
	}

	return fmt.Errorf("request failed after %d attempts: %w", b.cfg.MaxRetries, lastErr)
}

type liveOrderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	AccountID     string  `json:"account_id,omitempty"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Lots          float64 `json:"quantity"`
	Price         float64 `json:"price,omitempty"`
	StopLoss      float64 `json:"stop_loss,omitempty"`
	TakeProfit    float64 `json:"take_profit,omitempty"`
}

type liveOrderResponse struct {
	OrderID     string  `json:"order_id"`
	PositionID  string  `json:"position_id"`
	Status      string  `json:"status"`
	FillPrice   float64 `json:"fill_price"`
	ClosePrice  float64 `json:"close_price"`
	RealizedPnL float64 `json:"realized_pnl"`
}

// OpenOrder submits a new order.
func (b *Live) OpenOrder(ctx context.Context, p OrderParams) ExecutionResult {
	if p.Lots <= 0 {
		return Failure(fmt.Errorf("invalid quantity %f", p.Lots))
	}

	orderType := p.Type
	if orderType == "" {
		orderType = models.OrderTypeMarket
	}
	body := liveOrderRequest{
		ClientOrderID: uuid.NewString(),
		AccountID:     b.cfg.AccountID,
		Symbol:        p.Symbol,
		Side:          string(p.Side),
		Type:          string(orderType),
		Lots:          p.Lots,
		Price:         p.Price,
		StopLoss:      p.StopLoss,
		TakeProfit:    p.TakeProfit,
	}

	var out liveOrderResponse
	if err := b.request(ctx, http.MethodPost, "/orders", body, &out); err != nil {
		return Failure(err)
	}

	status := models.OrderStatus(out.Status)
	if status == "" {
		status = models.OrderStatusFilled
	}
	return ExecutionResult{
		Success:    true,
		OrderID:    out.OrderID,
		PositionID: out.PositionID,
		Status:     status,
		FillPrice:  out.FillPrice,
	}
}

// CloseOrder closes an open position.
func (b *Live) CloseOrder(ctx context.Context, p OrderParams) ExecutionResult {
	if p.PositionID == "" {
		return Failure(fmt.Errorf("close requires a position id"))
	}

	var out liveOrderResponse
	path := fmt.Sprintf("/positions/%s/close", p.PositionID)
	if err := b.request(ctx, http.MethodPost, path, map[string]string{"reason": p.Reason}, &out); err != nil {
		return Failure(err)
	}

	return ExecutionResult{
		Success:     true,
		OrderID:     out.OrderID,
		PositionID:  p.PositionID,
		Status:      models.OrderStatusFilled,
		ClosePrice:  out.ClosePrice,
		RealizedPnL: out.RealizedPnL,
	}
}

// ModifyOrder updates TP/SL on an open position.
func (b *Live) ModifyOrder(ctx context.Context, positionID string, stopLoss, takeProfit float64) ExecutionResult {
	body := map[string]float64{}
	if stopLoss > 0 {
		body["stop_loss"] = stopLoss
	}
	if takeProfit > 0 {
		body["take_profit"] = takeProfit
	}

	var out liveOrderResponse
	path := fmt.Sprintf("/positions/%s", positionID)
	if err := b.request(ctx, http.MethodPatch, path, body, &out); err != nil {
		return Failure(err)
	}
	return ExecutionResult{Success: true, PositionID: positionID, Status: models.OrderStatusFilled}
}

type livePriceResponse struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

// Quote fetches the current bid/ask for a symbol. Decisions need a live
// price to anchor entry, stop and target levels.
func (b *Live) Quote(ctx context.Context, symbol string) (bid, ask float64, err error) {
	var out livePriceResponse
	if err := b.request(ctx, http.MethodGet, "/prices/"+url.PathEscape(symbol), nil, &out); err != nil {
		return 0, 0, err
	}
	if out.Bid <= 0 || out.Ask <= 0 {
		return 0, 0, fmt.Errorf("broker returned no price for %s", symbol)
	}
	return out.Bid, out.Ask, nil
}

type livePositionsResponse struct {
	Positions []struct {
		ID            string  `json:"id"`
		Symbol        string  `json:"symbol"`
		Side          string  `json:"side"`
		Lots          float64 `json:"quantity"`
		EntryPrice    float64 `json:"entry_price"`
		StopLoss      float64 `json:"stop_loss"`
		TakeProfit    float64 `json:"take_profit"`
		UnrealizedPnL float64 `json:"unrealized_pnl"`
		OpenedAt      string  `json:"opened_at"`
	} `json:"positions"`
}

// OpenOrders lists the account's open positions.
func (b *Live) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	var out livePositionsResponse
	if err := b.request(ctx, http.MethodGet, "/positions/open", nil, &out); err != nil {
		return nil, err
	}

	orders := make([]OpenOrder, 0, len(out.Positions))
	for _, p := range out.Positions {
		openedAt, _ := time.Parse(time.RFC3339, p.OpenedAt)
		orders = append(orders, OpenOrder{
			ID:            p.ID,
			Symbol:        p.Symbol,
			Side:          models.Side(p.Side),
			Lots:          p.Lots,
			EntryPrice:    p.EntryPrice,
			StopLoss:      p.StopLoss,
			TakeProfit:    p.TakeProfit,
			UnrealizedPnL: p.UnrealizedPnL,
			OpenedAt:      openedAt,
		})
	}
	return orders, nil
}

// Execute is the compatibility entry point dispatching to open/close.
func (b *Live) Execute(ctx context.Context, action Action, p OrderParams) ExecutionResult {
	return Dispatch(b, ctx, action, p)
}
