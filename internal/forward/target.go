package forward

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/TheOrdinaryWow/pedicab/internal/model"
)

// roundRobinCounter is shared process-wide across every rule using the
// round_robin policy, matching the original implementation's single global
// counter rather than a per-rule one.
var roundRobinCounter atomic.Uint64

// selectTarget picks one address from target.Addrs according to its
// policy. target.Addrs must be non-empty; callers validate this when a
// rule is created or updated.
func selectTarget(target model.RuleTarget) (string, error) {
	if len(target.Addrs) == 0 {
		return "", fmt.Errorf("forward: rule target has no addresses")
	}
	if len(target.Addrs) == 1 {
		return target.Addrs[0], nil
	}

	switch target.Policy {
	case model.TargetPolicyRoundRobin:
		n := roundRobinCounter.Add(1) - 1
		return target.Addrs[int(n)%len(target.Addrs)], nil
	case model.TargetPolicyRandom:
		return target.Addrs[rand.IntN(len(target.Addrs))], nil
	case model.TargetPolicyLeastConnections:
		// Per-target connection accounting isn't tracked independently of
		// the rule as a whole, so this falls back to random selection —
		// a documented limitation carried over unchanged.
		return target.Addrs[rand.IntN(len(target.Addrs))], nil
	case model.TargetPolicyFallback:
		fallthrough
	default:
		return target.Addrs[0], nil
	}
}
