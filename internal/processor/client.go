// Package processor is the HTTP client for the external cryptocurrency
// payment processor. The processor quotes crypto amounts, issues payment
// addresses, and later confirms payments through the webhook; this client
// only covers the outbound half.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/shopbot/server/internal/circuitbreaker"
	"github.com/shopbot/server/internal/config"
	apperrors "github.com/shopbot/server/internal/errors"
	"github.com/shopbot/server/internal/httputil"
	"github.com/shopbot/server/internal/money"
)

// InvoiceRequest asks the processor for a payment address and crypto
// quote covering a fiat amount.
type InvoiceRequest struct {
	OrderID         string
	FiatAmountCents int64
	FiatCurrency    string
	CryptoCurrency  string
}

// InvoiceQuote is the processor's answer: where to pay and how much, in
// atomic units of the requested currency.
type InvoiceQuote struct {
	ProcessingID   string
	PaymentAddress string
	CryptoAmount   int64
	ExpiresAt      time.Time
}

// Client issues invoices against the processor API.
type Client interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (InvoiceQuote, error)
}

// HTTPClient is the production Client implementation: retrying transport
// under a circuit breaker, bearer-token auth.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.Manager
	logger  zerolog.Logger
}

// NewHTTPClient builds a processor client from config.
func NewHTTPClient(cfg config.ProcessorConfig, breaker *circuitbreaker.Manager, logger zerolog.Logger) *HTTPClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = cfg.RetryWaitMin.Duration
	rc.RetryWaitMax = cfg.RetryWaitMax.Duration
	rc.HTTPClient = httputil.NewClient(cfg.Timeout.Duration)
	rc.Logger = nil

	return &HTTPClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  rc.StandardClient(),
		breaker: breaker,
		logger:  logger.With().Str("component", "processor").Logger(),
	}
}

type createInvoiceRequest struct {
	FiatAmount     string `json:"fiatAmount"`
	FiatCurrency   string `json:"fiatCurrency"`
	CryptoCurrency string `json:"cryptoCurrency"`
	ExternalRef    string `json:"externalRef"`
}

type createInvoiceResponse struct {
	ID           string `json:"id"`
	Address      string `json:"address"`
	CryptoAmount string `json:"cryptoAmount"`
	ExpiresAt    int64  `json:"expiresAt"` // unix seconds
}

// CreateInvoice requests a crypto invoice. The quoted amount comes back
// as a decimal string and is normalized to atomic units here so the rest
// of the system never sees floats.
func (c *HTTPClient) CreateInvoice(ctx context.Context, req InvoiceRequest) (InvoiceQuote, error) {
	fiatAsset, err := money.GetAsset(req.FiatCurrency)
	if err != nil {
		return InvoiceQuote{}, apperrors.Wrap(apperrors.ErrCodeCurrencyMismatch, "unknown fiat currency", err)
	}
	cryptoAsset, err := money.GetAsset(req.CryptoCurrency)
	if err != nil {
		return InvoiceQuote{}, apperrors.Wrap(apperrors.ErrCodeCurrencyMismatch, "unknown crypto currency", err)
	}

	payload, err := json.Marshal(createInvoiceRequest{
		FiatAmount:     money.New(fiatAsset, req.FiatAmountCents).ToMajor(),
		FiatCurrency:   fiatAsset.Code,
		CryptoCurrency: cryptoAsset.Code,
		ExternalRef:    req.OrderID,
	})
	if err != nil {
		return InvoiceQuote{}, fmt.Errorf("encode invoice request: %w", err)
	}

	result, err := c.breaker.Execute(circuitbreaker.ServiceProcessor, func() (interface{}, error) {
		return c.postInvoice(ctx, payload)
	})
	if err != nil {
		return InvoiceQuote{}, apperrors.Wrap(apperrors.ErrCodeProcessorError, "create invoice", err)
	}
	decoded := result.(createInvoiceResponse)

	cryptoAmount, err := money.FromMajor(cryptoAsset, decoded.CryptoAmount)
	if err != nil {
		return InvoiceQuote{}, apperrors.Wrap(apperrors.ErrCodeProcessorError, "malformed crypto quote", err)
	}

	return InvoiceQuote{
		ProcessingID:   decoded.ID,
		PaymentAddress: decoded.Address,
		CryptoAmount:   cryptoAmount.Atomic,
		ExpiresAt:      time.Unix(decoded.ExpiresAt, 0).UTC(),
	}, nil
}

func (c *HTTPClient) postInvoice(ctx context.Context, payload []byte) (createInvoiceResponse, error) {
	url := c.baseURL + "/invoices"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return createInvoiceResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return createInvoiceResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return createInvoiceResponse{}, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return createInvoiceResponse{}, fmt.Errorf("processor status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var decoded createInvoiceResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return createInvoiceResponse{}, fmt.Errorf("decode processor response: %w", err)
	}
	if decoded.ID == "" || decoded.Address == "" {
		return createInvoiceResponse{}, fmt.Errorf("processor response missing id or address")
	}
	return decoded, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
