// Package oracle implements the price-oracle collaborator the Dutch-Auction
// Quoter (C3) reads a market reference rate from. No pack example wires a
// concrete price-feed SDK, so this talks a generic HTTP/JSON feed directly
// over net/http — the same documented stdlib choice the Cosmos chain
// adapter makes for its wire protocol.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/1balancer/swap-orchestrator/pkg/retry"
)

// Metrics tracks request counts and latency for a single token pair feed,
// mirroring the teacher's oracle request-metrics bookkeeping.
type Metrics struct {
	Requests   uint64
	Success    uint64
	Fail       uint64
	AvgLatency time.Duration
	LastSync   time.Time
}

// HTTPOracle implements quote.PriceOracle by fetching a reference rate
// from an HTTP feed that answers GET /rate?base=X&quote=Y with
// {"rate": "<decimal>"}.
type HTTPOracle struct {
	baseURL    string
	httpClient *http.Client
	policy     retry.Policy
	log        *zap.SugaredLogger

	mu      sync.Mutex
	metrics map[string]*Metrics
}

// NewHTTPOracle constructs an HTTPOracle. An empty baseURL is valid: Rate
// then always fails with CodeQuoteUnavailable via the caller's own
// wrapping, useful for environments with no configured feed.
func NewHTTPOracle(baseURL string, client *http.Client) *HTTPOracle {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPOracle{
		baseURL:    baseURL,
		httpClient: client,
		policy:     retry.DefaultPolicy,
		log:        zap.L().Sugar().Named("oracle.http"),
		metrics:    make(map[string]*Metrics),
	}
}

type rateResponse struct {
	Rate string `json:"rate"`
}

// Rate fetches the current base/quote reference rate, retrying transient
// HTTP failures per policy and recording per-pair request metrics.
func (o *HTTPOracle) Rate(ctx context.Context, fromToken, quoteToken string) (*big.Float, error) {
	if o.baseURL == "" {
		return nil, fmt.Errorf("oracle: no feed configured")
	}
	pairKey := fromToken + "/" + quoteToken
	start := time.Now()

	var rate *big.Float
	err := retry.Do(ctx, o.policy, isTransientOracleError, func(ctx context.Context) error {
		got, err := o.fetch(ctx, fromToken, quoteToken)
		if err != nil {
			return err
		}
		rate = got
		return nil
	})
	o.recordMetrics(pairKey, time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	return rate, nil
}

func (o *HTTPOracle) fetch(ctx context.Context, fromToken, quoteToken string) (*big.Float, error) {
	u, err := url.Parse(o.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path = "/rate"
	q := u.Query()
	q.Set("base", fromToken)
	q.Set("quote", quoteToken)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle: feed returned status %d", resp.StatusCode)
	}

	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	rate, ok := new(big.Float).SetString(body.Rate)
	if !ok {
		return nil, fmt.Errorf("oracle: malformed rate %q", body.Rate)
	}
	return rate, nil
}

func (o *HTTPOracle) recordMetrics(pairKey string, latency time.Duration, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.metrics[pairKey]
	if !ok {
		m = &Metrics{}
		o.metrics[pairKey] = m
	}
	m.Requests++
	if success {
		m.Success++
	} else {
		m.Fail++
	}
	if m.Requests == 1 {
		m.AvgLatency = latency
	} else {
		total := m.AvgLatency*time.Duration(m.Requests-1) + latency
		m.AvgLatency = total / time.Duration(m.Requests)
	}
	m.LastSync = time.Now().UTC()
}

// MetricsFor returns a snapshot of the recorded metrics for a token pair.
func (o *HTTPOracle) MetricsFor(fromToken, quoteToken string) Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m, ok := o.metrics[fromToken+"/"+quoteToken]; ok {
		return *m
	}
	return Metrics{}
}

func isTransientOracleError(err error) bool {
	return err != nil
}
