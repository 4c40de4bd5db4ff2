// Package typing tracks short-lived typing state per conversation. Entries
// expire after a fixed TTL with no explicit stop signal; absence after
// expiry is the stop. Nothing here is ever persisted.
package typing

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Notify receives the current non-expired typer set for a conversation.
// An empty set tells subscribers to clear their indicators.
type Notify func(conversation string, userIDs []string)

type Coordinator struct {
	mu     sync.Mutex
	convs  map[string]map[string]time.Time // conversation -> user -> expiresAt
	ttl    time.Duration
	sweep  time.Duration
	notify Notify
}

func NewCoordinator(ttl, sweep time.Duration) *Coordinator {
	return &Coordinator{
		convs: make(map[string]map[string]time.Time),
		ttl:   ttl,
		sweep: sweep,
	}
}

// SetNotify installs the fan-out callback. Must be called before Run.
func (c *Coordinator) SetNotify(fn Notify) {
	c.notify = fn
}

// SetTyping records or refreshes the typer and notifies with the updated
// set. Fire-and-forget: it never blocks on anything downstream.
func (c *Coordinator) SetTyping(conversation, userID string) {
	now := time.Now()
	c.mu.Lock()
	users, ok := c.convs[conversation]
	if !ok {
		users = make(map[string]time.Time)
		c.convs[conversation] = users
	}
	users[userID] = now.Add(c.ttl)
	set := activeSet(users, now)
	c.mu.Unlock()

	if c.notify != nil {
		c.notify(conversation, set)
	}
}

// Typers returns the current non-expired typer set. Expired entries are
// filtered lazily here even between sweeps, so no typer is ever reported
// past its TTL.
func (c *Coordinator) Typers(conversation string) []string {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	users, ok := c.convs[conversation]
	if !ok {
		return nil
	}
	return activeSet(users, now)
}

// Run sweeps expired entries on a fixed interval, notifying each affected
// conversation with its reduced set. Blocks until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.sweepExpired(now)
		}
	}
}

func (c *Coordinator) sweepExpired(now time.Time) {
	type change struct {
		conversation string
		set          []string
	}
	var changes []change

	c.mu.Lock()
	for conv, users := range c.convs {
		evicted := false
		for uid, exp := range users {
			if now.After(exp) {
				delete(users, uid)
				evicted = true
			}
		}
		if !evicted {
			continue
		}
		if len(users) == 0 {
			delete(c.convs, conv)
		}
		changes = append(changes, change{conversation: conv, set: activeSet(users, now)})
	}
	c.mu.Unlock()

	if c.notify == nil {
		return
	}
	for _, ch := range changes {
		c.notify(ch.conversation, ch.set)
	}
}

func activeSet(users map[string]time.Time, now time.Time) []string {
	set := make([]string, 0, len(users))
	for uid, exp := range users {
		if !now.After(exp) {
			set = append(set, uid)
		}
	}
	sort.Strings(set)
	return set
}
