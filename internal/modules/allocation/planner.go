// Package allocation computes target portfolio weights from risk intents.
package allocation

import (
	"math"
	"strings"

	"github.com/quantdesk/rebalancer/internal/domain"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
)

// Bucket groups tickers by the trade direction their intent maps to
type Bucket string

const (
	BucketBuy        Bucket = "buy"
	BucketSell       Bucket = "sell"
	BucketHold       Bucket = "hold"
	BucketUnanalyzed Bucket = "unanalyzed"
)

// leftover below this is treated as fully allocated
const allocationEpsilon = 1e-6

// Input is everything the planner needs for one portfolio
type Input struct {
	Tickers        []string // analyzed and held tickers; duplicates are ignored
	Decisions      map[string]domain.RiskDecision
	TargetCashPct  float64
	RiskProfile    domain.RiskProfile
	MinPositionPct float64 // TRIM target; defaults to the lower stock bound
}

// Target is the planned weight of one ticker
type Target struct {
	Ticker    string  `json:"ticker"`
	Bucket    Bucket  `json:"bucket"`
	TargetPct float64 `json:"targetPct"`
}

// Plan is the planner output. Targets plus CashPct sum to 100.
type Plan struct {
	Targets []Target `json:"targets"`
	CashPct float64  `json:"cashPct"`
	index   map[string]int
}

// TargetPct returns the planned weight for a ticker, 0 when unknown
func (p *Plan) TargetPct(ticker string) float64 {
	if i, ok := p.index[ticker]; ok {
		return p.Targets[i].TargetPct
	}
	return 0
}

// BucketOf returns the bucket a ticker was placed in
func (p *Plan) BucketOf(ticker string) (Bucket, bool) {
	if i, ok := p.index[ticker]; ok {
		return p.Targets[i].Bucket, true
	}
	return "", false
}

// Recommended converts the plan into persisted recommended positions
func (p *Plan) Recommended(currentPct map[string]float64) []domain.RecommendedPosition {
	out := make([]domain.RecommendedPosition, 0, len(p.Targets))
	for _, t := range p.Targets {
		out = append(out, domain.RecommendedPosition{
			Ticker:            t.Ticker,
			CurrentAllocation: currentPct[t.Ticker],
			TargetAllocation:  t.TargetPct,
			Bucket:            string(t.Bucket),
		})
	}
	return out
}

// Planner computes target allocations
type Planner struct {
	bounds Bounds
	log    zerolog.Logger
}

// NewPlanner creates a planner with the given bounds
func NewPlanner(bounds Bounds, log zerolog.Logger) *Planner {
	return &Planner{
		bounds: bounds,
		log:    log.With().Str("component", "allocation_planner").Logger(),
	}
}

// Plan partitions tickers into buckets and assigns each a target percentage.
//
// BUY tickers share a confidence-weighted pool of the stock budget, clamped to
// the per-stock bounds and adjusted for the risk profile. TRIM targets the
// minimum position, EXIT targets zero. HOLD and unanalyzed tickers split what
// remains up to their profile caps. Leftover budget flows back to BUY tickers
// pro-rata, re-clamped to the upper bound; anything still unallocated stays cash.
func (p *Planner) Plan(in Input) *Plan {
	profile := domain.ParseRiskProfile(string(in.RiskProfile))
	stockBudget := math.Max(0, 100-in.TargetCashPct)

	tickers := dedupe(in.Tickers)
	buckets := make(map[string]Bucket, len(tickers))
	targets := make(map[string]float64, len(tickers))
	var buy, sell, rest []string

	for _, t := range tickers {
		decision, ok := in.Decisions[t]
		if !ok {
			buckets[t] = BucketUnanalyzed
			rest = append(rest, t)
			continue
		}
		switch decision.Intent.Direction() {
		case domain.ActionBuy:
			buckets[t] = BucketBuy
			buy = append(buy, t)
		case domain.ActionSell:
			buckets[t] = BucketSell
			sell = append(sell, t)
		default:
			buckets[t] = BucketHold
			rest = append(rest, t)
		}
	}

	p.planBuys(buy, in.Decisions, profile, stockBudget, targets)

	minPct := in.MinPositionPct
	if minPct <= 0 {
		minPct = p.bounds.MinStockPct
	}
	for _, t := range sell {
		if in.Decisions[t].Intent == domain.IntentTrim {
			targets[t] = minPct
		} else {
			targets[t] = 0
		}
	}

	remaining := stockBudget - sumOf(targets)
	if remaining > 0 && len(rest) > 0 {
		share := remaining / float64(len(rest))
		for _, t := range rest {
			limit := p.bounds.holdCap(profile)
			if buckets[t] == BucketUnanalyzed {
				limit = p.bounds.unanalyzedCap(profile)
			}
			targets[t] = math.Min(share, limit)
		}
	}

	p.redistribute(buy, targets, stockBudget)

	plan := &Plan{index: make(map[string]int, len(tickers))}
	for _, t := range tickers {
		plan.index[t] = len(plan.Targets)
		plan.Targets = append(plan.Targets, Target{Ticker: t, Bucket: buckets[t], TargetPct: targets[t]})
	}
	plan.CashPct = 100 - sumOf(targets)

	p.log.Debug().
		Int("buy", len(buy)).
		Int("sell", len(sell)).
		Int("hold_or_unanalyzed", len(rest)).
		Float64("stock_budget", stockBudget).
		Float64("cash_pct", plan.CashPct).
		Msg("Allocation planned")

	return plan
}

func (p *Planner) planBuys(buy []string, decisions map[string]domain.RiskDecision, profile domain.RiskProfile, stockBudget float64, targets map[string]float64) {
	if len(buy) == 0 {
		return
	}

	conf := make([]float64, len(buy))
	for i, t := range buy {
		conf[i] = math.Max(1, math.Min(100, decisions[t].Confidence))
	}
	totalConf := floats.Sum(conf)
	pool := stockBudget * (totalConf / float64(len(buy))) / 100

	weights := make([]float64, len(buy))
	for i, t := range buy {
		w := clamp(pool*conf[i]/totalConf, p.bounds.MinStockPct, p.bounds.MaxStockPct)

		d := decisions[t]
		switch profile {
		case domain.RiskProfileConservative:
			if d.RiskScore > p.bounds.ConservativeRiskThreshold {
				w *= p.bounds.ConservativeMultiplier
			}
		case domain.RiskProfileAggressive:
			if d.Confidence > p.bounds.AggressiveConfidenceThreshold {
				w *= p.bounds.AggressiveMultiplier
			}
		}
		weights[i] = math.Min(w, p.bounds.MaxStockPct)
	}

	// Many BUYs at the lower bound can exceed the budget
	if total := floats.Sum(weights); total > stockBudget && total > 0 {
		floats.Scale(stockBudget/total, weights)
	}

	for i, t := range buy {
		targets[t] = weights[i]
	}
}

// redistribute hands leftover budget to unsaturated BUY tickers in proportion
// to their current targets.
func (p *Planner) redistribute(buy []string, targets map[string]float64, stockBudget float64) {
	for round := 0; round < len(buy); round++ {
		leftover := stockBudget - sumOf(targets)
		if leftover <= allocationEpsilon {
			return
		}

		var open []string
		var weights []float64
		for _, t := range buy {
			if targets[t] < p.bounds.MaxStockPct-allocationEpsilon {
				open = append(open, t)
				weights = append(weights, targets[t])
			}
		}
		if len(open) == 0 {
			return
		}

		total := floats.Sum(weights)
		for i, t := range open {
			share := leftover / float64(len(open))
			if total > 0 {
				share = leftover * weights[i] / total
			}
			targets[t] = math.Min(targets[t]+share, p.bounds.MaxStockPct)
		}
	}
}

func sumOf(m map[string]float64) float64 {
	values := make([]float64, 0, len(m))
	for _, v := range m {
		values = append(values, v)
	}
	return floats.Sum(values)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func dedupe(tickers []string) []string {
	seen := make(map[string]bool, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
