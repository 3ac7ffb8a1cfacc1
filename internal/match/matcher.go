// Package match runs the post-import backlog sweep: every buyer and supplier
// still pending is pushed through the resolution cascade under the standard
// confidence thresholds.
package match

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/resilience"
	"github.com/openspend/spend-cli/internal/resolver"
	"github.com/openspend/spend-cli/internal/store"
)

// Metrics accumulates sweep outcomes.
type Metrics struct {
	Processed     int
	Matched       int
	NoMatch       int
	PendingReview int
	Skipped       int
	Errors        int
}

// Map renders the metrics as a generic key/value bag for the run stage
// record.
func (m Metrics) Map() map[string]any {
	return map[string]any{
		"processed":     m.Processed,
		"matched":       m.Matched,
		"noMatch":       m.NoMatch,
		"pendingReview": m.PendingReview,
		"skipped":       m.Skipped,
		"errors":        m.Errors,
	}
}

// Matcher sweeps the pending buyer/supplier backlog. Buyers are resolved
// against the run's source-type registry; suppliers default to the company
// registry with council and department flavoured names routed to their own
// registries first.
type Matcher struct {
	st         store.Store
	res        *resolver.Resolver
	buyerHint  model.EntityType
	cooldown   time.Duration
	batchLimit int
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithCooldown overrides the rate-limit cooldown (default 60s).
func WithCooldown(d time.Duration) Option {
	return func(m *Matcher) { m.cooldown = d }
}

// WithBatchLimit bounds how many pending items of each role one sweep
// processes.
func WithBatchLimit(n int) Option {
	return func(m *Matcher) { m.batchLimit = n }
}

// WithSleep replaces the cooldown sleep (for tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Matcher) { m.sleep = fn }
}

// New builds a Matcher. buyerHint is the entity type buyers of the current
// source kind resolve against.
func New(st store.Store, res *resolver.Resolver, buyerHint model.EntityType, opts ...Option) *Matcher {
	m := &Matcher{
		st:         st,
		res:        res,
		buyerHint:  buyerHint,
		cooldown:   60 * time.Second,
		batchLimit: 500,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// item is one backlog entry, role-agnostic.
type item struct {
	id      int64
	name    string
	hint    model.EntityType
	retried bool
	update  func(ctx context.Context, status model.MatchStatus, entityID *int64, confidence *float64) error
}

// Sweep processes the pending backlog once. Per-item failures are isolated
// into the error count; only store-level list failures abort the sweep.
func (m *Matcher) Sweep(ctx context.Context, rc *resolver.Context) (Metrics, error) {
	var metrics Metrics

	buyers, err := m.st.ListPendingBuyers(ctx, m.batchLimit)
	if err != nil {
		return metrics, err
	}
	suppliers, err := m.st.ListPendingSuppliers(ctx, m.batchLimit)
	if err != nil {
		return metrics, err
	}

	queue := make([]item, 0, len(buyers)+len(suppliers))
	for _, b := range buyers {
		id := b.ID
		queue = append(queue, item{
			id:   id,
			name: b.Name,
			hint: m.buyerHint,
			update: func(ctx context.Context, status model.MatchStatus, entityID *int64, confidence *float64) error {
				return m.st.UpdateBuyerMatch(ctx, id, status, entityID, confidence)
			},
		})
	}
	for _, s := range suppliers {
		id := s.ID
		queue = append(queue, item{
			id:   id,
			name: s.Name,
			hint: RouteHint(s.Name, model.TypeCompany),
			update: func(ctx context.Context, status model.MatchStatus, entityID *int64, confidence *float64) error {
				return m.st.UpdateSupplierMatch(ctx, id, status, entityID, confidence)
			},
		})
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return metrics, err
		}
		it := queue[0]
		queue = queue[1:]

		requeue, err := m.processItem(ctx, rc, it, &metrics)
		if err != nil {
			metrics.Errors++
			zap.L().Warn("match: item failed",
				zap.String("name", it.name), zap.Error(err))
			continue
		}
		if requeue {
			it.retried = true
			queue = append(queue, it)
		}
	}

	return metrics, nil
}

// processItem resolves one backlog entry. A rate-limited lookup sleeps the
// cooldown and asks for one requeue instead of failing the sweep.
func (m *Matcher) processItem(ctx context.Context, rc *resolver.Context, it item, metrics *Metrics) (bool, error) {
	key := resolver.NameKey(it.name)
	if resolver.IsNumericName(key) {
		metrics.Processed++
		metrics.Skipped++
		return false, it.update(ctx, model.MatchSkipped, nil, nil)
	}

	out, err := m.resolveWithFallback(ctx, rc, it.name, it.hint)
	if err != nil {
		if resilience.IsRateLimited(err) && !it.retried {
			zap.L().Warn("match: rate limited, cooling down",
				zap.String("name", it.name), zap.Duration("cooldown", m.cooldown))
			if serr := m.sleep(ctx, m.cooldown); serr != nil {
				return false, serr
			}
			return true, nil
		}
		return false, err
	}

	metrics.Processed++
	switch out.Status {
	case model.MatchMatched:
		metrics.Matched++
		return false, it.update(ctx, model.MatchMatched, &out.EntityID, &out.Confidence)
	case model.MatchPendingReview:
		metrics.PendingReview++
		return false, it.update(ctx, model.MatchPendingReview, &out.EntityID, &out.Confidence)
	default:
		metrics.NoMatch++
		return false, it.update(ctx, model.MatchNoMatch, nil, &out.Confidence)
	}
}

// resolveWithFallback tries the flavour-routed registry first and falls back
// to the company registry when it yields nothing.
func (m *Matcher) resolveWithFallback(ctx context.Context, rc *resolver.Context, name string, hint model.EntityType) (resolver.Outcome, error) {
	out, err := m.res.Resolve(ctx, m.st, rc, name, hint)
	if err != nil {
		return resolver.Outcome{}, err
	}
	if out.Status == model.MatchNoMatch && hint != model.TypeCompany {
		return m.res.Resolve(ctx, m.st, rc, name, model.TypeCompany)
	}
	return out, nil
}

// RouteHint classifies a raw name as council or government-department
// flavoured so those registries are tried before the company registry.
func RouteHint(name string, fallback model.EntityType) model.EntityType {
	upper := strings.ToUpper(name)
	switch {
	case strings.Contains(upper, "COUNCIL") || strings.Contains(upper, "BOROUGH OF"):
		return model.TypeCouncil
	case strings.Contains(upper, "DEPARTMENT") || strings.Contains(upper, "MINISTRY") ||
		strings.HasPrefix(upper, "HM ") || strings.Contains(upper, "OFFICE OF"):
		return model.TypeGovDepartment
	default:
		return fallback
	}
}
