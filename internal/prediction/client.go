package prediction

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrUnavailable wraps every provider failure. Callers degrade to "no
// decision" on it; it is never fatal to a cycle.
var ErrUnavailable = errors.New("predictions unavailable")

// Horizon is one forward window's predictions with their uncertainty bands.
type Horizon struct {
	Name          string    `json:"name"`
	Values        []float64 `json:"values"`
	Uncertainties []float64 `json:"uncertainties"`
}

// Latest returns the last point estimate and its uncertainty, or false when
// the horizon carries no usable data.
func (h Horizon) Latest() (value, uncertainty float64, ok bool) {
	if len(h.Values) == 0 || len(h.Uncertainties) < len(h.Values) {
		return 0, 0, false
	}
	i := len(h.Values) - 1
	return h.Values[i], h.Uncertainties[i], true
}

// Set is the provider's answer for one symbol at one point in time.
type Set struct {
	Horizons map[string]Horizon
}

// Horizon looks up one horizon by name.
func (s Set) Horizon(name string) (Horizon, bool) {
	h, ok := s.Horizons[name]
	return h, ok
}

// Config configures the provider client.
type Config struct {
	BaseURL string  `mapstructure:"base_url"`
	Token   string  `mapstructure:"token"`
	Timeout float64 `mapstructure:"timeout"` // seconds
}

// Client fetches predictions from the external provider. Transport errors,
// timeouts and malformed payloads all surface as ErrUnavailable.
type Client struct {
	client *resty.Client
	logger *zap.Logger
}

// NewClient creates a provider client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("prediction provider requires base_url")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := 10 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout * float64(time.Second))
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &Client{client: client, logger: logger.Named("predictions")}, nil
}

type providerResponse struct {
	Horizons []Horizon `json:"horizons"`
}

// GetPredictions fetches the requested horizons for a symbol as of the given
// time. Horizons missing from the response are simply absent from the set;
// the strategy layer decides what absence means.
func (c *Client) GetPredictions(ctx context.Context, symbol string, asOf time.Time, horizons []string) (Set, error) {
	var out providerResponse

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("as_of", asOf.UTC().Format(time.RFC3339)).
		SetQueryParam("horizons", strings.Join(horizons, ",")).
		SetResult(&out).
		Get("/predictions")
	if err != nil {
		c.logger.Warn("Prediction request failed", zap.String("symbol", symbol), zap.Error(err))
		return Set{}, fmt.Errorf("get predictions for %s: %w", symbol, ErrUnavailable)
	}
	if resp.StatusCode() != http.StatusOK {
		c.logger.Warn("Prediction provider returned error",
			zap.String("symbol", symbol),
			zap.Int("status", resp.StatusCode()),
		)
		return Set{}, fmt.Errorf("get predictions for %s: status %d: %w", symbol, resp.StatusCode(), ErrUnavailable)
	}

	set := Set{Horizons: make(map[string]Horizon, len(out.Horizons))}
	for _, h := range out.Horizons {
		set.Horizons[h.Name] = h
	}
	return set, nil
}
