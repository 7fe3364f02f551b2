package bus

import (
	"context"
	"time"
)

// Wait timeout bounds.
const (
	MinWaitTimeout     = 1 * time.Second
	MaxWaitTimeout     = 60 * time.Second
	DefaultWaitTimeout = 30 * time.Second
)

// WaitResult reports why a Wait returned and the unread counts at that
// moment. LeadChat is always 0 for non-leads.
type WaitResult struct {
	TimedOut  bool `json:"timed_out"`
	Dissolved bool `json:"dissolved"`
	GroupChat int  `json:"group_chat"`
	DMs       int  `json:"dms"`
	LeadChat  int  `json:"lead_chat"`
}

func (r WaitResult) hasWork() bool {
	return r.GroupChat > 0 || r.DMs > 0 || r.LeadChat > 0
}

// observer is one pending Wait. notify carries at most one pending signal;
// the waiter recomputes counts after every wake, so coalesced signals are
// fine.
type observer struct {
	teamID  string
	agentID string
	isLead  bool

	notify    chan struct{}
	dissolved bool
}

func (o *observer) signalLocked() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// ClampWaitTimeout applies the 1s..60s bounds, using the default for zero.
func ClampWaitTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultWaitTimeout
	case d < MinWaitTimeout:
		return MinWaitTimeout
	case d > MaxWaitTimeout:
		return MaxWaitTimeout
	default:
		return d
	}
}

// Wait blocks until the agent has unread messages on any relevant channel,
// its team dissolves, or the timeout elapses. If anything is already unread
// the call returns immediately with current counts.
func (b *Bus) Wait(ctx context.Context, teamID, agentID string, isLead bool, timeout time.Duration) WaitResult {
	timeout = ClampWaitTimeout(timeout)

	b.mu.Lock()
	counts := b.countsLocked(teamID, agentID, isLead)
	if counts.hasWork() {
		b.mu.Unlock()
		return counts
	}
	obs := &observer{
		teamID:  teamID,
		agentID: agentID,
		isLead:  isLead,
		notify:  make(chan struct{}, 1),
	}
	b.observers[obs] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.observers, obs)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-obs.notify:
			b.mu.Lock()
			if obs.dissolved {
				counts = b.countsLocked(teamID, agentID, isLead)
				counts.Dissolved = true
				b.mu.Unlock()
				return counts
			}
			counts = b.countsLocked(teamID, agentID, isLead)
			b.mu.Unlock()
			if counts.hasWork() {
				return counts
			}
			// Spurious wake (e.g. delivery already drained); keep waiting.
		case <-timer.C:
			b.mu.Lock()
			counts = b.countsLocked(teamID, agentID, isLead)
			b.mu.Unlock()
			counts.TimedOut = true
			return counts
		case <-ctx.Done():
			counts = WaitResult{TimedOut: true}
			return counts
		}
	}
}

func (b *Bus) countsLocked(teamID, agentID string, isLead bool) WaitResult {
	res := WaitResult{}
	if ch, ok := b.groups[teamID]; ok {
		res.GroupChat = ch.unreadFor(agentID)
	}
	res.DMs = b.dmUnreadLocked(agentID)
	if isLead {
		res.LeadChat = b.lead.unreadFor(agentID)
	}
	return res
}

// notifyGroupLocked wakes observers on the team other than the sender.
func (b *Bus) notifyGroupLocked(teamID, sender string) {
	for obs := range b.observers {
		if obs.teamID == teamID && obs.agentID != sender {
			obs.signalLocked()
		}
	}
}

// notifyDMLocked wakes observers for the DM recipient.
func (b *Bus) notifyDMLocked(recipient string) {
	for obs := range b.observers {
		if obs.agentID == recipient {
			obs.signalLocked()
		}
	}
}

// notifyLeadLocked wakes lead observers other than the sender.
func (b *Bus) notifyLeadLocked(sender string) {
	for obs := range b.observers {
		if obs.isLead && obs.agentID != sender {
			obs.signalLocked()
		}
	}
}

// notifyDissolveLocked wakes observers pinned to the team or its members.
func (b *Bus) notifyDissolveLocked(teamID string, members map[string]bool) {
	for obs := range b.observers {
		if obs.teamID == teamID || members[obs.agentID] {
			obs.dissolved = true
			obs.signalLocked()
		}
	}
}
