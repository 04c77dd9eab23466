package proxy

import (
	"sync/atomic"

	"github.com/wolfsoftwaresystems/wolfscale/pkg/types"
)

// LoadBalancer runs the proxy without a local DB: it distributes read
// connections round-robin across Active, lag==0 followers and sends writes
// to the leader. An Active follower with lag > 0 is temporarily excluded
// from read rotation but stays health-monitored (§4.7 load-balancer mode).
type LoadBalancer struct {
	members Membership
	ctr     uint64
}

// NewLoadBalancer wraps a Membership view for read-target selection.
func NewLoadBalancer(members Membership) *LoadBalancer {
	return &LoadBalancer{members: members}
}

// NextReadTarget returns the peer to route the next read to, round-robin
// over the healthy (Active, lag==0) follower set. Returns the leader if no
// such follower is currently available.
func (lb *LoadBalancer) NextReadTarget() (types.PeerInfo, bool) {
	var leader types.PeerInfo
	haveLeader := false
	var candidates []types.PeerInfo

	for _, p := range lb.members.Peers() {
		if p.Role == types.RoleLeader {
			leader = p
			haveLeader = true
			continue
		}
		if p.Status == types.StatusActive && p.Lag(leaderHeadLSN(lb.members)) == 0 {
			candidates = append(candidates, p)
		}
	}

	if len(candidates) == 0 {
		return leader, haveLeader
	}

	n := atomic.AddUint64(&lb.ctr, 1)
	return candidates[int(n)%len(candidates)], true
}

func leaderHeadLSN(m Membership) uint64 {
	for _, p := range m.Peers() {
		if p.Role == types.RoleLeader {
			return p.HeadLSN
		}
	}
	return 0
}
