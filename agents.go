package trapgate

import (
	"strings"
	"sync"
)

const (
	agentShards        = 32
	agentWindowSeconds = 60.0
	maxAgentsPerAddr   = 32
)

// AgentTracker counts distinct user agents seen per source address within a
// short window. The fingerprint bakes the user agent in, so rotation across
// agents is invisible inside any one history window; this is the cross-
// fingerprint view the rotation check needs.
type AgentTracker struct {
	shards [agentShards]agentShard
}

type agentShard struct {
	mu    sync.Mutex
	addrs map[string]map[string]float64 // address -> agent -> last seen
}

func NewAgentTracker() *AgentTracker {
	t := &AgentTracker{}
	for i := range t.shards {
		t.shards[i].addrs = make(map[string]map[string]float64)
	}
	return t
}

func (t *AgentTracker) shard(addr string) *agentShard {
	h := uint32(2166136261)
	for i := 0; i < len(addr); i++ {
		h = (h ^ uint32(addr[i])) * 16777619
	}
	return &t.shards[h%agentShards]
}

// Observe records the agent for the address and returns the number of
// distinct agents seen within the window, including this one.
func (t *AgentTracker) Observe(addr, agent string, now float64) int {
	addr = strings.ToLower(addr)
	agent = strings.ToLower(strings.TrimSpace(agent))
	sh := t.shard(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	agents, ok := sh.addrs[addr]
	if !ok {
		agents = make(map[string]float64)
		sh.addrs[addr] = agents
	}
	cutoff := now - agentWindowSeconds
	for a, seen := range agents {
		if seen < cutoff {
			delete(agents, a)
		}
	}
	if _, known := agents[agent]; !known && len(agents) >= maxAgentsPerAddr {
		// Cap reached: drop the stalest entry rather than grow.
		oldest, oldestSeen := "", now+1
		for a, seen := range agents {
			if seen < oldestSeen {
				oldest, oldestSeen = a, seen
			}
		}
		delete(agents, oldest)
	}
	agents[agent] = now
	return len(agents)
}
