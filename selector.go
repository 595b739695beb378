package switchboard

import (
	"math/rand/v2"
)

// Selector picks one deployment from a non-empty slice of candidates
// already filtered down to ones healthy for model. Switchboard only
// invokes a Selector when there are at least two candidates — a single
// eligible deployment is returned directly (spec.md §4.6 step 4).
type Selector func(model string, candidates []*Deployment) *Deployment

// TwoRandomChoices is the default Selector: power of two random choices
// over ModelState.Util (spec.md §4.4). Ties — including the
// always-likely case of two deployments at util 0 — are broken by the
// epsilon term ModelState.Util samples fresh per call.
func TwoRandomChoices(model string, candidates []*Deployment) *Deployment {
	if len(candidates) == 1 {
		return candidates[0]
	}

	i := rand.IntN(len(candidates))
	j := rand.IntN(len(candidates) - 1)
	if j >= i {
		j++
	}

	a, b := candidates[i], candidates[j]
	if a.Model(model).Util() <= b.Model(model).Util() {
		return a
	}
	return b
}

// Random picks uniformly among all eligible deployments, ignoring
// utilization entirely. Useful as an inert baseline in tests, or for
// deployments configured with no TPM/RPM limits where Util() carries no
// signal beyond its tie-breaking epsilon.
func Random(_ string, candidates []*Deployment) *Deployment {
	if len(candidates) == 1 {
		return candidates[0]
	}
	return candidates[rand.IntN(len(candidates))]
}
