// Package model holds the data types shared by the rule repository, the
// stats cache, and the forward manager: the persisted Rule, its runtime
// RuleStats, and the config-material digest that drives reconciliation.
package model

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// RuleTargetPolicy selects which upstream address a new connection is
// forwarded to when a rule has more than one target.
type RuleTargetPolicy string

const (
	TargetPolicyFallback         RuleTargetPolicy = "fallback"
	TargetPolicyRoundRobin       RuleTargetPolicy = "round_robin"
	TargetPolicyLeastConnections RuleTargetPolicy = "least_connections"
	TargetPolicyRandom           RuleTargetPolicy = "random"
)

// RuleProtocol selects which data-plane forwarder(s) a rule spawns.
type RuleProtocol string

const (
	ProtocolTCP    RuleProtocol = "tcp"
	ProtocolUDP    RuleProtocol = "udp"
	ProtocolTCPUDP RuleProtocol = "tcp_udp"
)

// RuleStatus is the last observed runtime state of a rule, written back by
// the forward manager.
type RuleStatus string

const (
	StatusRunning RuleStatus = "running"
	StatusStopped RuleStatus = "stopped"
	StatusError   RuleStatus = "error"
)

// RuleTarget is the ordered, non-empty list of upstream endpoints a rule
// forwards to, plus the policy used to pick among them per connection.
type RuleTarget struct {
	Addrs  []string         `json:"addrs"`
	Policy RuleTargetPolicy `json:"policy"`
}

// RuleConfig carries the optional per-rule resource ceilings.
type RuleConfig struct {
	// Bandwidth is a reserved byte/second ceiling. Not enforced by the
	// current core forwarders; accepted and persisted only.
	Bandwidth *uint64 `json:"bandwidth,omitempty"`
	// Connections is the per-rule live-connection cap. Combined with the
	// agent-wide cap by taking the minimum of the two when present.
	Connections *uint64 `json:"connections,omitempty"`
}

// RuleStatsConnections holds live per-protocol connection counts.
type RuleStatsConnections struct {
	TCP uint64 `json:"tcp"`
	UDP uint64 `json:"udp"`
}

// RuleStats is both the cached live view and the persisted snapshot of a
// rule's traffic counters.
type RuleStats struct {
	Connections       RuleStatsConnections `json:"connections"`
	Speed             uint64                `json:"speed"`
	Bandwidth         uint64                `json:"bandwidth"`
	FailedTimes       uint64                `json:"failed_times"`
	LastFailedMessage string                `json:"last_failed_message"`
}

// Rule is a persisted forwarding specification.
type Rule struct {
	ID       uuid.UUID    `json:"id"`
	Name     string       `json:"name"`
	Listen   string       `json:"listen"`
	Target   RuleTarget   `json:"target"`
	Protocol RuleProtocol `json:"protocol"`
	Config   RuleConfig   `json:"config"`
	Enabled  bool         `json:"enabled"`
	Status   RuleStatus   `json:"status"`
	Stats    RuleStats    `json:"stats"`
	Remarks  string       `json:"remarks"`
}

// digestMaterial is the subset of Rule that participates in the config
// digest: listen, target, protocol, config. name/remarks/enabled/status/
// stats are deliberately excluded.
type digestMaterial struct {
	Listen   string       `json:"listen"`
	Target   RuleTarget   `json:"target"`
	Protocol RuleProtocol `json:"protocol"`
	Config   RuleConfig   `json:"config"`
}

// Digest returns a stable 64-bit hash of the rule's config-material
// fields. Two rules with the same listen/target/protocol/config hash
// identically regardless of name, remarks, enabled, status, or stats —
// this is the pivot the forward manager uses to decide whether a running
// forwarder needs restarting in place.
func (r Rule) Digest() uint64 {
	// encoding/json on a fixed struct shape is deterministic: field order
	// follows struct declaration order, never map iteration order.
	buf, err := json.Marshal(digestMaterial{
		Listen:   r.Listen,
		Target:   r.Target,
		Protocol: r.Protocol,
		Config:   r.Config,
	})
	if err != nil {
		// Unreachable for well-formed Rule values: every field type here
		// marshals unconditionally.
		panic("model: failed to marshal digest material: " + err.Error())
	}
	return xxhash.Sum64(buf)
}

// NewID generates a fresh time-ordered rule id.
func NewID() (uuid.UUID, error) {
	return uuid.NewV7()
}
