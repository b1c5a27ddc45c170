// Package executorregistry implements the read-side of the Executor
// Registry & liveness rule (spec.md §4.8): executors themselves are soft
// state owned by the State Machine (refreshed by ExecutorHeartbeat apply);
// this package only provides the liveness predicate and the pure random
// assignment function the Coordinator Loop's distribute_work uses.
package executorregistry

import (
	"math/rand"

	"github.com/extractctl/controlplane/internal/types"
)

// DefaultLivenessWindowSecs is the default liveness window from spec.md §4.8.
const DefaultLivenessWindowSecs = 30

// IsLive reports whether executor is live as of now, per the rule
// now_secs() - last_seen <= liveness_window.
func IsLive(executor types.ExecutorMetadata, now int64, livenessWindowSecs int64) bool {
	return now-executor.LastSeenSecs <= livenessWindowSecs
}

// PickExecutor selects one executor uniformly at random from candidates
// using rng, per spec.md §4.6 and §9 ("keep it as a pure function (task,
// []executor, rng) -> executor so tests can inject a seeded RNG"). Returns
// false if candidates is empty.
func PickExecutor(candidates []types.ExecutorMetadata, rng *rand.Rand) (types.ExecutorMetadata, bool) {
	if len(candidates) == 0 {
		return types.ExecutorMetadata{}, false
	}
	return candidates[rng.Intn(len(candidates))], true
}
