package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/types"
)

type fakeMembership struct {
	self     types.PeerInfo
	peers    []types.PeerInfo
	isLeader bool
}

func (f *fakeMembership) Self() types.PeerInfo    { return f.self }
func (f *fakeMembership) Peers() []types.PeerInfo { return f.peers }
func (f *fakeMembership) IsLeader() bool          { return f.isLeader }

func TestFollowerLagZeroWhenLeader(t *testing.T) {
	m := &fakeMembership{isLeader: true}
	assert.Equal(t, uint64(0), followerLag(m))
}

func TestFollowerLagComputedAgainstLeaderHeadLSN(t *testing.T) {
	m := &fakeMembership{
		self: types.PeerInfo{ID: "b", LastAppliedLSN: 10},
		peers: []types.PeerInfo{
			{ID: "a", Role: types.RoleLeader, HeadLSN: 15},
			{ID: "b", LastAppliedLSN: 10},
		},
	}
	assert.Equal(t, uint64(5), followerLag(m))
}

func TestFollowerLagZeroWhenNoLeaderKnown(t *testing.T) {
	m := &fakeMembership{self: types.PeerInfo{ID: "b", LastAppliedLSN: 10}}
	assert.Equal(t, uint64(0), followerLag(m))
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "write", routeLabel(RouteWrite))
	assert.Equal(t, "read", routeLabel(RouteRead))
}

func TestLoadBalancerPrefersActiveZeroLagFollowers(t *testing.T) {
	m := &fakeMembership{
		peers: []types.PeerInfo{
			{ID: "leader", Role: types.RoleLeader, HeadLSN: 20},
			{ID: "f1", Status: types.StatusActive, LastAppliedLSN: 20},
			{ID: "f2", Status: types.StatusActive, LastAppliedLSN: 20},
			{ID: "f3", Status: types.StatusLagging, LastAppliedLSN: 5},
		},
	}
	lb := NewLoadBalancer(m)

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		p, ok := lb.NextReadTarget()
		assert.True(t, ok)
		seen[p.ID] = true
	}
	assert.True(t, seen["f1"] || seen["f2"])
	assert.False(t, seen["f3"])
	assert.False(t, seen["leader"])
}

func TestLoadBalancerFallsBackToLeaderWhenNoHealthyFollower(t *testing.T) {
	m := &fakeMembership{
		peers: []types.PeerInfo{
			{ID: "leader", Role: types.RoleLeader, HeadLSN: 20},
			{ID: "f1", Status: types.StatusLagging, LastAppliedLSN: 5},
		},
	}
	lb := NewLoadBalancer(m)
	p, ok := lb.NextReadTarget()
	assert.True(t, ok)
	assert.Equal(t, "leader", p.ID)
}
