package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// weiPerETH is 10^18.
var weiPerETH = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// RateSource supplies the price of one ETH in major units of a fiat currency.
type RateSource interface {
	RateETH(ctx context.Context, currency string) (float64, error)
}

// StaticRateSource returns a fixed conversion rate, used for local
// development and tests.
type StaticRateSource struct {
	Rate float64
}

// RateETH returns the configured rate regardless of currency.
func (s StaticRateSource) RateETH(_ context.Context, _ string) (float64, error) {
	if s.Rate <= 0 {
		return 0, NewError(CodeUnavailable, "static exchange rate is not configured", nil)
	}
	return s.Rate, nil
}

// HTTPRateSource fetches ETH exchange rates from a JSON endpoint of the form
// GET <endpoint>?currency=INR returning {"rate": 241034.5}.
type HTTPRateSource struct {
	Endpoint string
	Client   *http.Client
}

type rateResponse struct {
	Rate float64 `json:"rate"`
}

// RateETH fetches the current rate for the requested currency.
func (s *HTTPRateSource) RateETH(ctx context.Context, currency string) (float64, error) {
	if s == nil || strings.TrimSpace(s.Endpoint) == "" {
		return 0, NewError(CodeUnavailable, "rate endpoint is not configured", nil)
	}

	endpoint, err := url.Parse(s.Endpoint)
	if err != nil {
		return 0, NewError(CodeUnavailable, "malformed rate endpoint", err)
	}
	query := endpoint.Query()
	query.Set("currency", strings.ToUpper(strings.TrimSpace(currency)))
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return 0, NewError(CodeUnavailable, "build rate request", err)
	}

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, NewError(CodeUnavailable, "fetch exchange rate", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, NewError(CodeUnavailable, fmt.Sprintf("rate endpoint returned %d", resp.StatusCode), nil)
	}

	var payload rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, NewError(CodeUnavailable, "decode rate response", err)
	}
	if payload.Rate <= 0 {
		return 0, NewError(CodeUnavailable, "rate endpoint returned a non-positive rate", nil)
	}
	return payload.Rate, nil
}

// WeiForAmount converts a fiat amount in major units to wei at the given
// ETH rate, rounding down to the nearest wei.
func WeiForAmount(amount int64, ratePerETH float64) (*big.Int, error) {
	if amount <= 0 {
		return nil, NewError(CodeUnavailable, "amount must be positive", nil)
	}
	if ratePerETH <= 0 {
		return nil, NewError(CodeUnavailable, "exchange rate must be positive", nil)
	}

	eth := new(big.Float).Quo(new(big.Float).SetInt64(amount), big.NewFloat(ratePerETH))
	wei := new(big.Float).Mul(eth, weiPerETH)
	out, _ := wei.Int(nil)
	if out.Sign() <= 0 {
		return nil, NewError(CodeUnavailable, "amount converts to zero wei", nil)
	}
	return out, nil
}
