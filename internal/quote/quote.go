// Package quote implements the Dutch-Auction Quoter (C3): a pure,
// stateless price-path simulator producing a quote valid for a bounded
// window. Quotes do not reserve liquidity.
package quote

import (
	"context"
	"math/big"
	"time"

	"github.com/1balancer/swap-orchestrator/pkg/utils"
)

const CodeQuoteUnavailable = "QUOTE_UNAVAILABLE"
const CodeValidationError = "VALIDATION_ERROR"

// Urgency selects the Dutch-auction duration multiplier.
type Urgency string

const (
	Fast   Urgency = "fast"
	Normal Urgency = "normal"
	Slow   Urgency = "slow"
)

var urgencyMultiplier = map[Urgency]float64{
	Fast:   0.5,
	Normal: 1.0,
	Slow:   2.0,
}

// PriceOracle is the external collaborator (spec §6.3) the quoter reads a
// market reference price from.
type PriceOracle interface {
	Rate(ctx context.Context, fromToken, toToken string) (*big.Float, error)
}

// Params configures the quoter's premium/discount/base-duration. Zero
// values fall back to the spec's defaults (0.5% / 0.5% / 300s).
type Params struct {
	Premium      float64
	Discount     float64
	BaseDuration time.Duration
	ValidWindow  time.Duration
}

func (p Params) withDefaults() Params {
	if p.Premium <= 0 {
		p.Premium = 0.005
	}
	if p.Discount <= 0 {
		p.Discount = 0.005
	}
	if p.BaseDuration <= 0 {
		p.BaseDuration = 300 * time.Second
	}
	if p.ValidWindow <= 0 {
		p.ValidWindow = 60 * time.Second
	}
	return p
}

// Request describes the pair and size a quote is requested for.
type Request struct {
	SourceChain      string
	DestinationChain string
	SourceToken      string
	DestinationToken string
	Amount           *big.Int
	Urgency          Urgency
}

// Quote is the stateless output of the Dutch-auction simulator.
type Quote struct {
	Rate         *big.Float
	StartPrice   *big.Float
	EndPrice     *big.Float
	Duration     time.Duration
	CurrentPrice *big.Float
	PriceImpact  float64
	Fees         *big.Int
	ValidUntil   time.Time
}

// Quoter evaluates Dutch-auction quotes against an injected PriceOracle.
type Quoter struct {
	oracle PriceOracle
	params Params
}

// New constructs a Quoter.
func New(oracle PriceOracle, params Params) *Quoter {
	return &Quoter{oracle: oracle, params: params.withDefaults()}
}

// Validate checks request shape independent of the oracle: non-empty chain
// tags and tokens, a positive amount, and an urgency of fast, normal, or
// slow.
func Validate(req Request) error {
	if req.SourceChain == "" || req.DestinationChain == "" {
		return utils.NewCodedError(CodeValidationError, "source and destination chain tags are required")
	}
	if req.SourceToken == "" || req.DestinationToken == "" {
		return utils.NewCodedError(CodeValidationError, "source and destination token ids are required")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return utils.NewCodedError(CodeValidationError, "amount must be positive")
	}
	if _, ok := urgencyMultiplier[req.Urgency]; !ok {
		return utils.NewCodedError(CodeValidationError, "urgency must be fast, normal, or slow")
	}
	return nil
}

// Quote computes the price path at elapsed time since the auction start
// (the API handlers pass 0, the instant of the request). Supplying elapsed
// lets callers (and tests) evaluate the curve
// at an arbitrary point within the auction window without needing a real
// clock.
func (q *Quoter) Quote(ctx context.Context, req Request, elapsed time.Duration) (Quote, error) {
	if err := Validate(req); err != nil {
		return Quote{}, err
	}

	marketRate, err := q.oracle.Rate(ctx, req.SourceToken, req.DestinationToken)
	if err != nil || marketRate == nil {
		return Quote{}, utils.NewCodedError(CodeQuoteUnavailable, "price oracle unavailable")
	}

	start := new(big.Float).Mul(marketRate, big.NewFloat(1+q.params.Premium))
	end := new(big.Float).Mul(marketRate, big.NewFloat(1-q.params.Discount))

	duration := time.Duration(float64(q.params.BaseDuration) * urgencyMultiplier[req.Urgency])

	progress := float64(elapsed) / float64(duration)
	if progress > 1 {
		progress = 1
	}
	if progress < 0 {
		progress = 0
	}
	spread := new(big.Float).Sub(start, end)
	drop := new(big.Float).Mul(spread, big.NewFloat(progress))
	current := new(big.Float).Sub(start, drop)

	impact := priceImpact(req.Amount)

	return Quote{
		Rate:         marketRate,
		StartPrice:   start,
		EndPrice:     end,
		Duration:     duration,
		CurrentPrice: current,
		PriceImpact:  impact,
		Fees:         fees(req.Amount, impact),
		ValidUntil:   time.Now().Add(q.params.ValidWindow),
	}, nil
}

// priceImpact implements the stepped tier table from spec §4.3 step 5.
// Tiers are expressed in the smallest unit of the notional; callers are
// expected to pass amounts already normalized to a comparable unit.
func priceImpact(notional *big.Int) float64 {
	tiers := []struct {
		ceiling *big.Int
		impact  float64
	}{
		{big.NewInt(10_000), 0.001},
		{big.NewInt(100_000), 0.003},
		{big.NewInt(1_000_000), 0.005},
	}
	for _, tier := range tiers {
		if notional.Cmp(tier.ceiling) < 0 {
			return tier.impact
		}
	}
	return 0.01
}

// fees applies the price-impact rate to the notional as a flat fee
// estimate, rounding down to the nearest integer smallest-unit.
func fees(notional *big.Int, impact float64) *big.Int {
	f := new(big.Float).Mul(new(big.Float).SetInt(notional), big.NewFloat(impact))
	out, _ := f.Int(nil)
	return out
}
