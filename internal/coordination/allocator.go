package coordination

import "github.com/aiserve/ratelimitd/internal/ratelimit"

// WindowActuals is the committed-usage sum for one (model, dimension)
// pair in the current window, as tracked by a backend's usage counters.
type WindowActuals struct {
	TPM int64
	RPM int64
	TPD int64
	RPD int64
}

// recomputeInput is everything RECOMPUTE needs, gathered by a backend
// from its own storage before calling recompute.
type recomputeInput struct {
	instanceCount int
	models        map[string]ModelCapacity
	jobTypes      map[string]JobTypeResource
	actuals       map[string]WindowActuals // modelId -> actuals
}

// recomputeOutput is the per-model pool RECOMPUTE derives; a backend
// turns this into one ratelimit.Allocation per instance (identical
// across instances except for InstanceCount, which is the same too —
// allocations only differ if a backend chooses to shard by instance,
// which none of ours do per spec.md §4.5's "identical Allocation... to
// every instance's slot").
type recomputeOutput struct {
	pools map[string]ratelimit.ModelPool
}

func avgEstimates(jobTypes map[string]JobTypeResource) (avgTokens, avgRequests float64) {
	if len(jobTypes) == 0 {
		return 1, 1
	}
	var sumTokens, sumRequests float64
	for _, jt := range jobTypes {
		sumTokens += float64(jt.EstimatedTokens)
		sumRequests += float64(jt.EstimatedRequests)
	}
	avgTokens = sumTokens / float64(len(jobTypes))
	avgRequests = sumRequests / float64(len(jobTypes))
	if avgTokens < 1 {
		avgTokens = 1
	}
	if avgRequests < 1 {
		avgRequests = 1
	}
	return avgTokens, avgRequests
}

// recompute implements spec.md §4.5's RECOMPUTE exactly: for each
// configured model, divide remaining capacity on every dimension it
// configures by the live instance count, then take the minimum of the
// per-dimension slot-equivalents (plus the concurrency-derived bound) as
// that model's pool size for every instance.
func recompute(in recomputeInput) recomputeOutput {
	n := in.instanceCount
	if n < 1 {
		n = 1
	}
	avgTokens, avgRequests := avgEstimates(in.jobTypes)

	pools := make(map[string]ratelimit.ModelPool, len(in.models))
	for modelID, mc := range in.models {
		actual := in.actuals[modelID]

		var candidates []int
		var perInstanceTPM, perInstanceRPM, perInstanceTPD, perInstanceRPD int
		configured := false

		if mc.TPM != nil {
			remaining := maxInt(0, *mc.TPM-int(actual.TPM))
			perInstanceTPM = remaining / n
			candidates = append(candidates, int(float64(perInstanceTPM)/avgTokens))
			configured = true
		}
		if mc.RPM != nil {
			remaining := maxInt(0, *mc.RPM-int(actual.RPM))
			perInstanceRPM = remaining / n
			candidates = append(candidates, int(float64(perInstanceRPM)/avgRequests))
			configured = true
		}
		if mc.TPD != nil {
			remaining := maxInt(0, *mc.TPD-int(actual.TPD))
			perInstanceTPD = remaining / n
			candidates = append(candidates, int(float64(perInstanceTPD)/avgTokens))
			configured = true
		}
		if mc.RPD != nil {
			remaining := maxInt(0, *mc.RPD-int(actual.RPD))
			perInstanceRPD = remaining / n
			candidates = append(candidates, int(float64(perInstanceRPD)/avgRequests))
			configured = true
		}
		if mc.MaxConcurrent != nil {
			candidates = append(candidates, *mc.MaxConcurrent/n)
			configured = true
		}

		totalSlots := defaultPoolCapacity
		if configured {
			totalSlots = candidates[0]
			for _, c := range candidates[1:] {
				if c < totalSlots {
					totalSlots = c
				}
			}
			if totalSlots < 0 {
				totalSlots = 0
			}
		}

		pools[modelID] = ratelimit.ModelPool{
			TotalSlots:        totalSlots,
			TokensPerMinute:   perInstanceTPM,
			RequestsPerMinute: perInstanceRPM,
			TokensPerDay:      perInstanceTPD,
			RequestsPerDay:    perInstanceRPD,
		}
	}

	return recomputeOutput{pools: pools}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
