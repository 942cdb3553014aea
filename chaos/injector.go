// Package chaos implements fault injection for exercising the repair
// ladder deterministically (S2 in §8: "Chaos injects Transient on the
// first Codegen call"). Orchestrator.ExecuteTask consults an Injector
// just before invoking the agent; it is a test/staging affordance, never wired by
// default in production configuration.
package chaos

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/youareridiculous/metabuilder/core"
)

// Rule forces class on the Nth invocation of role (1-indexed). A Rule
// with Count<=0 fires on every invocation.
type Rule struct {
	Role  core.AgentRole
	Class core.FailureClass
	Count int
}

// Injector tracks invocation counts per role and decides whether to force
// a failure for the current dispatch.
type Injector struct {
	mu      sync.Mutex
	rules   []Rule
	seen    map[core.AgentRole]int
}

// NewInjector constructs an Injector with the given rules active.
func NewInjector(rules ...Rule) *Injector {
	return &Injector{rules: rules, seen: make(map[core.AgentRole]int)}
}

// Inject reports the forced FailureClass for role's next invocation, if
// any rule matches.
func (i *Injector) Inject(role core.AgentRole) (core.FailureClass, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.seen[role]++
	n := i.seen[role]

	for _, r := range i.rules {
		if r.Role != role {
			continue
		}
		if r.Count <= 0 || r.Count == n {
			return r.Class, true
		}
	}
	return "", false
}

// AddRule appends a rule at runtime (used by tests driving specific
// scenarios).
func (i *Injector) AddRule(r Rule) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.rules = append(i.rules, r)
}

// Scheduler paces periodic chaos sweeps (e.g. randomly degrading a queue
// class for a window) using backoff/v5's jittered ExponentialBackOff
// rather than a fixed-interval timer, since a sweep cadence benefits from
// the same thundering-herd jitter the library already provides — unlike
// the repair ladder's retry backoff, which is pinned to exact per-class
// multipliers by §4.4 and is implemented by hand in resilience/retry.go
// instead of delegated to this library.
type Scheduler struct {
	bo     *backoff.ExponentialBackOff
	ch     chan time.Time
	stopCh chan struct{}
}

// NewScheduler starts a jittered sweep loop at roughly interval.
func NewScheduler(interval time.Duration) *Scheduler {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = interval
	bo.MaxInterval = interval * 2
	bo.Multiplier = 1.0
	bo.Reset()

	s := &Scheduler{bo: bo, ch: make(chan time.Time, 1), stopCh: make(chan struct{})}
	go s.loop()
	return s
}

func (s *Scheduler) loop() {
	for {
		d := s.bo.NextBackOff()
		timer := time.NewTimer(d)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case t := <-timer.C:
			select {
			case s.ch <- t:
			default:
			}
		}
	}
}

// C exposes the sweep channel.
func (s *Scheduler) C() <-chan time.Time { return s.ch }

// Stop halts the sweep loop.
func (s *Scheduler) Stop() { close(s.stopCh) }
