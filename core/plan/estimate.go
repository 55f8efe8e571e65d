package plan

import (
	"math"

	"github.com/pagepilot/pagepilot/core/tool"
)

// Token model constants. The base covers prompt scaffolding; the per-step,
// per-call, and per-page terms were fitted against observed runs.
const (
	tokenBase     = 1200
	tokensPerStep = 220
	tokensPerCall = 320
	tokensPerPage = 85
)

// Estimator projects token cost and risk for a normalized step list. It is
// deterministic: identical steps and policy always produce identical output.
type Estimator struct {
	Registry *tool.Registry
}

// Project computes the estimate and risk for steps under policy.
func (e Estimator) Project(steps []Step, policy PolicyContext) (Estimate, Risk) {
	totalPages := 0
	totalCalls := 0
	weighted := 0.0
	maxSafety := 0
	distinct := make(map[string]bool)
	confident := 0

	for _, step := range steps {
		totalPages += step.PageEstimate
		calls := effectiveCalls(step)
		totalCalls += calls
		if step.PageEstimate > 0 || calls > 0 {
			confident++
		}

		for _, name := range step.Tools {
			distinct[name] = true
			def, ok := e.Registry.Lookup(name)
			if !ok {
				weighted += 1.0
				continue
			}
			weighted += def.CostWeight
			if w := def.Safety.Weight(); w > maxSafety {
				maxSafety = w
			}
		}
		// A declared estimate above the literal tool count bills the
		// shortfall against the step's first tool.
		if shortfall := calls - len(step.Tools); shortfall > 0 {
			weight := 1.0
			if len(step.Tools) > 0 {
				if def, ok := e.Registry.Lookup(step.Tools[0]); ok {
					weight = def.CostWeight
				}
			}
			weighted += float64(shortfall) * weight
		}
	}

	tokens := int(math.Round(float64(tokenBase) +
		float64(tokensPerStep)*float64(len(steps)) +
		float64(tokensPerCall)*weighted +
		float64(tokensPerPage)*float64(totalPages)))
	cost := round4(float64(tokens) / 1000 * policy.UnitPricePer1K)

	est := Estimate{
		Tokens:        tokens,
		CostUSD:       cost,
		TokenBand:     band(float64(tokens), 4000, 12000),
		CostBand:      band(cost, 0.5, 2),
		Confidence:    confidence(confident, len(steps)),
		TotalPages:    totalPages,
		TotalCalls:    totalCalls,
		WeightedCalls: weighted,
	}

	writeIntensity := float64(maxSafety) / 2
	toolNovelty := math.Min(1, float64(len(distinct))/5)
	costRatio := 0.0
	if policy.MaxCostUSD > 0 {
		costRatio = cost / policy.MaxCostUSD
	}
	score := math.Round(20 +
		math.Min(35, 4*float64(len(steps))) +
		math.Round(30*writeIntensity) +
		math.Min(15, 3*float64(len(distinct))) +
		math.Min(25, 25*math.Max(0, costRatio)))
	if score > 100 {
		score = 100
	}

	risk := Risk{
		Score:          int(score),
		Tier:           riskTier(maxSafety),
		WriteIntensity: writeIntensity,
		ToolNovelty:    toolNovelty,
		CostRatio:      costRatio,
	}
	return est, risk
}

func band(value, lowCut, mediumCut float64) string {
	switch {
	case value < lowCut:
		return "low"
	case value < mediumCut:
		return "medium"
	default:
		return "high"
	}
}

func confidence(confident, total int) string {
	switch {
	case total > 0 && confident == total:
		return "high"
	case total > 0 && confident*2 >= total:
		return "medium"
	default:
		return "low"
	}
}

func riskTier(maxSafety int) string {
	switch maxSafety {
	case 2:
		return "HIGH"
	case 1:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
