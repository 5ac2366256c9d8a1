package fedavg

import (
	"sort"

	"github.com/aiondist/fedtune/pkg/errors"
)

// Aggregate computes the example-count-weighted mean of the given
// submissions (FedAvg). For each parameter name in the union of all
// submissions:
//
//	aggregated[name] = Σ weights_w[name] * numExamples_w / totalExamples
//
// over the submissions w that contain name. A submission that omits a
// parameter present in others is skipped for that parameter and the
// remaining ratios are NOT renormalized; for partially-missing parameters
// the ratios therefore no longer sum to 1. This mirrors the behavior of
// the adapter aggregation pipeline this coordinator fronts, which treats a
// missing tensor as a silent skip.
//
// Metadata keys are passed through unchanged from the first submission
// that defines them; they are companion artifacts (tokenizer and adapter
// config), not weight data.
//
// A single submission is returned unchanged: its weight ratio is exactly
// 1.0, so the output is bit-identical to the input.
func Aggregate(subs []Submission) (Result, error) {
	if len(subs) == 0 {
		return Result{}, errors.ErrAggregationFailed
	}

	var totalExamples int
	for _, s := range subs {
		if s.NumExamples <= 0 {
			return Result{}, errors.ErrInvalidData
		}
		totalExamples += s.NumExamples
	}

	aggregated := make(map[string][]float64, len(subs[0].Weights))
	for _, name := range paramUnion(subs) {
		var out []float64
		for _, s := range subs {
			params, ok := s.Weights[name]
			if !ok {
				continue
			}

			ratio := float64(s.NumExamples) / float64(totalExamples)
			if len(params) > len(out) {
				grown := make([]float64, len(params))
				copy(grown, out)
				out = grown
			}
			for i, v := range params {
				out[i] += v * ratio
			}
		}
		aggregated[name] = out
	}

	metadata := make(map[string]any)
	var lossSum float64
	contributors := make([]string, 0, len(subs))
	for _, s := range subs {
		contributors = append(contributors, s.WorkerID)
		lossSum += s.LocalLoss
		for k, v := range s.Metadata {
			if _, ok := metadata[k]; !ok {
				metadata[k] = v
			}
		}
	}

	res := Result{
		Weights:       aggregated,
		TotalExamples: totalExamples,
		Contributors:  contributors,
		MeanLocalLoss: lossSum / float64(len(subs)),
	}
	if len(metadata) > 0 {
		res.Metadata = metadata
	}

	if len(subs) == 1 {
		// Identity round: hand back the input arrays verbatim so a lone
		// contributor round is bit-exact.
		res.Weights = make(map[string][]float64, len(subs[0].Weights))
		for name, params := range subs[0].Weights {
			out := make([]float64, len(params))
			copy(out, params)
			res.Weights[name] = out
		}
	}

	return res, nil
}

func paramUnion(subs []Submission) []string {
	seen := make(map[string]struct{})
	for _, s := range subs {
		for name := range s.Weights {
			seen[name] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
