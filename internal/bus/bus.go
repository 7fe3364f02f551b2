// Package bus implements the in-process inter-agent message bus: group
// channels per team, DM channels per unordered agent pair, the process-wide
// lead channel, per-team shared artifact logs, and a blocking wait primitive
// that wakes on relevant deliveries or team dissolution.
//
// Every channel is a single total order by append time with per-reader
// cursors. Readers never receive their own messages (own-suppression), in
// reads and in counts alike.
package bus

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/common/logger"
)

// Message is one chat message on a group, DM, or lead channel.
type Message struct {
	ID   string    `json:"id"`
	From string    `json:"from"`
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Artifact is one entry in a team's append-only shared artifact log.
type Artifact struct {
	From string    `json:"from"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// channel holds an ordered message sequence and per-reader cursors.
type channel struct {
	msgs    []Message
	cursors map[string]int
}

func newChannel() *channel {
	return &channel{cursors: make(map[string]int)}
}

// unreadFor counts messages at or after the reader's cursor, excluding the
// reader's own posts.
func (c *channel) unreadFor(reader string) int {
	n := 0
	for _, m := range c.msgs[c.cursors[reader]:] {
		if m.From != reader {
			n++
		}
	}
	return n
}

// readFor returns the reader's unread messages (own posts suppressed) and
// advances the cursor to the end.
func (c *channel) readFor(reader string) []Message {
	var out []Message
	for _, m := range c.msgs[c.cursors[reader]:] {
		if m.From != reader {
			out = append(out, m)
		}
	}
	c.cursors[reader] = len(c.msgs)
	return out
}

// Bus is the process-wide message bus. A single lock protects all channel
// maps; appends and reads are short.
type Bus struct {
	mu        sync.Mutex
	groups    map[string]*channel // team id -> group chat
	dms       map[string]*channel // canonical pair key -> DM channel
	lead      *channel            // singleton cross-team lead channel
	artifacts map[string][]Artifact

	observers map[*observer]struct{}

	log *logger.Logger
}

// New creates an empty Bus.
func New(log *logger.Logger) *Bus {
	return &Bus{
		groups:    make(map[string]*channel),
		dms:       make(map[string]*channel),
		lead:      newChannel(),
		artifacts: make(map[string][]Artifact),
		observers: make(map[*observer]struct{}),
		log:       log.WithFields(zap.String("component", "bus")),
	}
}

// DMKey canonicalizes an unordered agent pair so both participants reach
// the same channel regardless of send direction.
func DMKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// DMKeyParticipants splits a canonical pair key back into agent ids.
func DMKeyParticipants(key string) (string, string) {
	parts := strings.SplitN(key, "|", 2)
	if len(parts) != 2 {
		return key, ""
	}
	return parts[0], parts[1]
}

func newMessage(from, role, text string) Message {
	return Message{
		ID:   "msg-" + uuid.NewString()[:8],
		From: from,
		Role: role,
		Text: text,
		At:   time.Now(),
	}
}

// GroupPost appends a message to the team's group chat.
func (b *Bus) GroupPost(teamID, from, role, text string) Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.groups[teamID]
	if !ok {
		ch = newChannel()
		b.groups[teamID] = ch
	}
	msg := newMessage(from, role, text)
	ch.msgs = append(ch.msgs, msg)
	b.notifyGroupLocked(teamID, from)
	return msg
}

// GroupRead returns the caller's unread group messages and advances the
// caller's cursor to the end of the channel.
func (b *Bus) GroupRead(teamID, reader string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.groups[teamID]
	if !ok {
		return nil
	}
	return ch.readFor(reader)
}

// GroupPeek counts the messages GroupRead would return, non-destructively.
func (b *Bus) GroupPeek(teamID, reader string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.groups[teamID]
	if !ok {
		return 0
	}
	return ch.unreadFor(reader)
}

// GroupMessages returns the full group chat log.
func (b *Bus) GroupMessages(teamID string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.groups[teamID]
	if !ok {
		return nil
	}
	return append([]Message(nil), ch.msgs...)
}

// DMSend appends a message to the channel for the unordered pair {from, to}.
func (b *Bus) DMSend(from, to, role, text string) Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := DMKey(from, to)
	ch, ok := b.dms[key]
	if !ok {
		ch = newChannel()
		b.dms[key] = ch
	}
	msg := newMessage(from, role, text)
	ch.msgs = append(ch.msgs, msg)
	b.notifyDMLocked(to)
	return msg
}

// DMRead reads the receiver's unread DMs. With from set, only the shared
// channel with that sender is read and only that channel's cursor advances.
// Without it, unread messages across every channel the receiver participates
// in are merged sorted by timestamp ascending, advancing all those cursors.
func (b *Bus) DMRead(receiver, from string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if from != "" {
		ch, ok := b.dms[DMKey(receiver, from)]
		if !ok {
			return nil
		}
		return ch.readFor(receiver)
	}

	var out []Message
	for key, ch := range b.dms {
		a, c := DMKeyParticipants(key)
		if a != receiver && c != receiver {
			continue
		}
		out = append(out, ch.readFor(receiver)...)
	}
	// Stable keeps within-channel order for equal timestamps.
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// DMPeek sums unread counts across every DM channel the receiver
// participates in.
func (b *Bus) DMPeek(receiver string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dmUnreadLocked(receiver)
}

func (b *Bus) dmUnreadLocked(receiver string) int {
	n := 0
	for key, ch := range b.dms {
		a, c := DMKeyParticipants(key)
		if a != receiver && c != receiver {
			continue
		}
		n += ch.unreadFor(receiver)
	}
	return n
}

// DMChannels returns the full logs of every DM channel whose participants
// are both in agentIDs, keyed by canonical pair key.
func (b *Bus) DMChannels(agentIDs []string) map[string][]Message {
	members := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		members[id] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string][]Message)
	for key, ch := range b.dms {
		a, c := DMKeyParticipants(key)
		if !members[a] && !members[c] {
			continue
		}
		out[key] = append([]Message(nil), ch.msgs...)
	}
	return out
}

// LeadPost appends to the singleton cross-team lead channel. The payload is
// prefixed with the poster's team name so leads can attribute traffic.
func (b *Bus) LeadPost(from, role, teamName, text string) Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg := newMessage(from, role, "["+teamName+"] "+text)
	b.lead.msgs = append(b.lead.msgs, msg)
	b.notifyLeadLocked(from)
	return msg
}

// LeadRead returns the caller's unread lead-channel messages, own posts
// suppressed, and advances the caller's cursor.
func (b *Bus) LeadRead(reader string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lead.readFor(reader)
}

// LeadPeek counts the messages LeadRead would return.
func (b *Bus) LeadPeek(reader string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lead.unreadFor(reader)
}

// LeadMessagesBy returns lead-channel messages authored by the given agents.
func (b *Bus) LeadMessagesBy(agentIDs []string) []Message {
	members := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		members[id] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, m := range b.lead.msgs {
		if members[m.From] {
			out = append(out, m)
		}
	}
	return out
}

// Share appends to the team's shared artifact log.
func (b *Bus) Share(teamID, from, text string) Artifact {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := Artifact{From: from, Text: text, At: time.Now()}
	b.artifacts[teamID] = append(b.artifacts[teamID], a)
	return a
}

// GetShared returns the full artifact log snapshot for a team.
func (b *Bus) GetShared(teamID string) []Artifact {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Artifact(nil), b.artifacts[teamID]...)
}

// DissolveTeam removes the team's group channel and artifacts, removes every
// DM channel touching a dissolved member, clears those members' lead-channel
// cursors, and wakes waiters pinned to the team or its agents.
//
// DM channels with only one dissolved endpoint are removed too; team
// teardown is operator-visible cleanup, not a per-member purge.
func (b *Bus) DissolveTeam(teamID string, agentIDs []string) {
	members := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		members[id] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.groups, teamID)
	delete(b.artifacts, teamID)
	for key := range b.dms {
		a, c := DMKeyParticipants(key)
		if members[a] || members[c] {
			delete(b.dms, key)
		}
	}
	for id := range members {
		delete(b.lead.cursors, id)
	}
	b.notifyDissolveLocked(teamID, members)

	b.log.Info("team channels dissolved",
		zap.String("team_id", teamID),
		zap.Int("agents", len(agentIDs)))
}

// CommsSnapshot captures all channel and artifact contents relevant to a
// team at a moment in time. Used live for get_team_comms and at mission
// terminal entry for post-mortem retrieval.
type CommsSnapshot struct {
	GroupChat []Message            `json:"group_chat"`
	DMs       map[string][]Message `json:"dms"`
	LeadChat  []Message            `json:"lead_chat"`
	Artifacts []Artifact           `json:"artifacts"`
}

// SnapshotTeam captures the team's group chat, participant DM channels,
// lead-channel messages authored by participants, and shared artifacts.
func (b *Bus) SnapshotTeam(teamID string, agentIDs []string) CommsSnapshot {
	return CommsSnapshot{
		GroupChat: b.GroupMessages(teamID),
		DMs:       b.DMChannels(agentIDs),
		LeadChat:  b.LeadMessagesBy(agentIDs),
		Artifacts: b.GetShared(teamID),
	}
}
