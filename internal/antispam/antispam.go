/*
Kestrel SMTP Server - High-throughput extensible SMTP server platform.
Copyright © 2023-2026 The Kestrel developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package antispam implements the pluggable spam checking pipeline:
// independent checkers run concurrently over the received message, their
// scores are combined into a weighted composite that selects the action.
package antispam

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-msgauth/authres"
	"github.com/kestrel-mta/kestrel/framework/log"
)

// Checker inspects one aspect of a message. Checkers must be safe for
// concurrent use, one Check call may run per message in flight.
type Checker interface {
	Name() string
	Check(ctx context.Context, m *Mail) (CheckResult, error)
}

// CheckResult is the raw (unweighted) verdict of a single checker.
type CheckResult struct {
	// IsSpam marks a confident spam verdict regardless of score bands.
	IsSpam bool
	// Score in [0, 100], 0 = clean.
	Score int
	// Short human-readable explanation, included in X-Spam-Status.
	Reason string
	// Details for logging.
	Details map[string]any
	// Authentication results to aggregate into the
	// Authentication-Results header (SPF/DKIM/DMARC checkers).
	AuthRes []authres.Result
}

// Action is what the session does with the message after evaluation.
type Action int

const (
	ActionAccept Action = iota
	ActionMark
	ActionGreylist
	ActionQuarantine
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionMark:
		return "mark"
	case ActionGreylist:
		return "greylist"
	case ActionQuarantine:
		return "quarantine"
	case ActionReject:
		return "reject"
	default:
		return "accept"
	}
}

// Thresholds map composite score bands to actions. A zero value disables
// the band.
type Thresholds struct {
	Mark       int // default 30
	Greylist   int // default 50
	Quarantine int // default 70
	Reject     int // default 90
}

func DefaultThresholds() Thresholds {
	return Thresholds{Mark: 30, Greylist: 50, Quarantine: 70, Reject: 90}
}

// Greylister resolves the greylist band: defer unknown sending tuples,
// pass known ones.
type Greylister interface {
	ShouldDefer(ctx context.Context, m *Mail) (bool, error)
}

// Result is the outcome of a pipeline evaluation.
type Result struct {
	// Composite weighted score, clamped to [0, 100].
	Score int
	// Weighted per-checker contributions.
	Scores map[string]int
	// Action selected from the thresholds.
	Action Action
	// Defer is set when the greylist band applied and the sending tuple
	// is not yet known. The session replies 451.
	Defer bool
	// Reasons of checkers that scored above zero.
	Reasons []string

	authRes []authres.Result
	reject  int // reject threshold, for X-Spam-Status "required"
}

type registered struct {
	checker Checker
	weight  float64
}

// Service is the checker registry plus evaluation logic. Registration uses
// copy-on-write so Evaluate never blocks on the registry lock.
type Service struct {
	Log log.Logger

	// Per-checker timeout. Zero means 15 seconds.
	CheckTimeout time.Duration

	Thresholds Thresholds

	// Greylister backs the greylist action band. When nil the band
	// degrades to ActionMark.
	Greylister Greylister

	regMu    sync.Mutex
	checkers atomic.Value // []registered
}

func NewService(l log.Logger) *Service {
	s := &Service{Log: l, Thresholds: DefaultThresholds()}
	s.checkers.Store([]registered{})
	return s
}

// Register adds a checker with the given weight. Weight 0 is replaced by 1.
// Registering a name twice replaces the previous entry.
func (s *Service) Register(c Checker, weight float64) {
	if weight == 0 {
		weight = 1
	}
	s.regMu.Lock()
	defer s.regMu.Unlock()

	old := s.checkers.Load().([]registered)
	fresh := make([]registered, 0, len(old)+1)
	for _, reg := range old {
		if reg.checker.Name() == c.Name() {
			continue
		}
		fresh = append(fresh, reg)
	}
	fresh = append(fresh, registered{checker: c, weight: weight})
	s.checkers.Store(fresh)
}

// Unregister removes a checker by name. Evaluations already in flight
// still observe it.
func (s *Service) Unregister(name string) {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	old := s.checkers.Load().([]registered)
	fresh := make([]registered, 0, len(old))
	for _, reg := range old {
		if reg.checker.Name() == name {
			continue
		}
		fresh = append(fresh, reg)
	}
	s.checkers.Store(fresh)
}

func (s *Service) checkTimeout() time.Duration {
	if s.CheckTimeout == 0 {
		return 15 * time.Second
	}
	return s.CheckTimeout
}

// Evaluate runs all registered checkers concurrently and combines their
// scores. A failing or timed-out checker contributes zero (fail open), the
// failure is logged.
func (s *Service) Evaluate(ctx context.Context, m *Mail) *Result {
	regs := s.checkers.Load().([]registered)

	type outcome struct {
		name   string
		weight float64
		res    CheckResult
		err    error
	}
	outcomes := make([]outcome, len(regs))

	var wg sync.WaitGroup
	for i, reg := range regs {
		i, reg := i, reg
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, s.checkTimeout())
			defer cancel()

			started := time.Now()
			res, err := reg.checker.Check(checkCtx, m)
			checkDuration.WithLabelValues(reg.checker.Name()).Observe(time.Since(started).Seconds())
			outcomes[i] = outcome{name: reg.checker.Name(), weight: reg.weight, res: res, err: err}
		}()
	}
	wg.Wait()

	result := &Result{
		Scores: make(map[string]int, len(regs)),
		reject: s.Thresholds.Reject,
	}
	var composite float64
	for _, out := range outcomes {
		if out.err != nil {
			s.Log.Error("checker failed", out.err, "check", out.name)
			result.Scores[out.name] = 0
			continue
		}
		weighted := int(float64(out.res.Score) * out.weight)
		result.Scores[out.name] = weighted
		composite += float64(out.res.Score) * out.weight

		if out.res.Reason != "" && out.res.Score > 0 {
			result.Reasons = append(result.Reasons, out.name+": "+out.res.Reason)
		}
		result.authRes = append(result.authRes, out.res.AuthRes...)

		if out.res.Score != 0 {
			s.Log.DebugMsg("checker verdict", "check", out.name,
				"score", out.res.Score, "spam", out.res.IsSpam, "reason", out.res.Reason)
		}
	}

	switch {
	case composite < 0:
		result.Score = 0
	case composite > 100:
		result.Score = 100
	default:
		result.Score = int(composite)
	}

	result.Action = s.selectAction(result.Score)
	if result.Action == ActionGreylist {
		result.Action = ActionMark
		if s.Greylister != nil {
			deferIt, err := s.Greylister.ShouldDefer(ctx, m)
			if err != nil {
				// Fail open: a broken greylist backend must not bounce
				// legitimate mail.
				s.Log.Error("greylist lookup failed", err)
			} else if deferIt {
				result.Defer = true
			}
		}
	}

	evaluations.WithLabelValues(result.Action.String()).Inc()
	return result
}

func (s *Service) selectAction(score int) Action {
	t := s.Thresholds
	switch {
	case t.Reject != 0 && score >= t.Reject:
		return ActionReject
	case t.Quarantine != 0 && score >= t.Quarantine:
		return ActionQuarantine
	case t.Greylist != 0 && score >= t.Greylist:
		return ActionGreylist
	case t.Mark != 0 && score >= t.Mark:
		return ActionMark
	default:
		return ActionAccept
	}
}

// HeaderLines returns the X-Spam annotation headers, ready to prepend.
func (r *Result) HeaderLines() []string {
	status := "No"
	if r.Action != ActionAccept {
		status = "Yes"
	}

	lines := []string{
		fmt.Sprintf("X-Spam-Score: %d", r.Score),
		fmt.Sprintf("X-Spam-Status: %s, score=%d required=%d action=%s", status, r.Score, r.reject, r.Action),
	}
	if r.Action == ActionMark || r.Action == ActionQuarantine {
		lines = append(lines, "X-Spam-Flag: YES")
	}

	if len(r.Scores) != 0 {
		names := make([]string, 0, len(r.Scores))
		for name := range r.Scores {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s=%d", name, r.Scores[name]))
		}
		lines = append(lines, "X-Spam-Checker-Scores: "+strings.Join(parts, " "))
	}
	return lines
}

// AuthResultsHeader renders the aggregated Authentication-Results header,
// or "" when no checker produced authentication results.
func (r *Result) AuthResultsHeader(hostname string) string {
	if len(r.authRes) == 0 {
		return ""
	}
	return "Authentication-Results: " + authres.Format(hostname, r.authRes)
}
