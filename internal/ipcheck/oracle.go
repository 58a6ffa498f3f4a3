package ipcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Dr-Liberty/BMT-University-sub001/internal/retry"
)

// HTTPOracle queries an external fraud-scoring API over HTTPS.
// The wire format follows the common IPQS-style shape: a JSON object with
// fraud_score plus boolean network flags.
type HTTPOracle struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPOracle creates an oracle client. timeout bounds each lookup.
func NewHTTPOracle(baseURL, apiKey string, timeout time.Duration) *HTTPOracle {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPOracle{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type oracleResponse struct {
	Success    bool   `json:"success"`
	FraudScore int    `json:"fraud_score"`
	VPN        bool   `json:"vpn"`
	Tor        bool   `json:"tor"`
	Proxy      bool   `json:"proxy"`
	Bot        bool   `json:"bot_status"`
	Datacenter bool   `json:"datacenter"`
	Country    string `json:"country_code"`
	ISP        string `json:"ISP"`
	Message    string `json:"message"`
}

// StaticOracle scores every identifier with a fixed verdict. Demo mode,
// where no external fraud-scoring API is configured.
type StaticOracle struct {
	Score int
}

// Lookup returns the fixed verdict for any identifier.
func (o *StaticOracle) Lookup(ctx context.Context, identifier string) (*Signal, error) {
	if identifier == "" {
		return nil, ErrInvalidIdentifier
	}
	return &Signal{
		Identifier: identifier,
		FraudScore: o.Score,
		Tier:       DeriveTier(o.Score, false, false),
		CheckedAt:  time.Now(),
	}, nil
}

// Lookup queries the oracle for a single identifier. Transport failures
// and 5xx responses are retried with backoff; anything else fails at once.
func (o *HTTPOracle) Lookup(ctx context.Context, identifier string) (*Signal, error) {
	if identifier == "" {
		return nil, ErrInvalidIdentifier
	}

	var sig *Signal
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		s, err := o.lookupOnce(ctx, identifier)
		if err != nil {
			return err
		}
		sig = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

func (o *HTTPOracle) lookupOnce(ctx context.Context, identifier string) (*Signal, error) {
	endpoint := fmt.Sprintf("%s/%s", o.baseURL, url.PathEscape(identifier))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build oracle request: %w", err)
	}
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrOracleUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.Permanent(fmt.Errorf("%w: status %d", ErrOracleUnavailable, resp.StatusCode))
	}

	var body oracleResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: decode: %v", ErrOracleUnavailable, err))
	}
	if !body.Success {
		return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrOracleUnavailable, body.Message))
	}

	now := time.Now()
	return &Signal{
		Identifier: identifier,
		FraudScore: body.FraudScore,
		VPN:        body.VPN,
		Tor:        body.Tor,
		Proxy:      body.Proxy,
		Bot:        body.Bot,
		Datacenter: body.Datacenter,
		Tier:       DeriveTier(body.FraudScore, body.Tor, body.Bot),
		Country:    body.Country,
		ISP:        body.ISP,
		CheckedAt:  now,
	}, nil
}
