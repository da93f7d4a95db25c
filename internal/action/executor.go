package action

import (
	"context"
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marainhq/marain/internal/errs"
	"github.com/marainhq/marain/internal/schema"
)

var log = logrus.WithField("component", "action")

// ConfigSwapper applies staged configuration swaps after commit. The
// registry implements it.
type ConfigSwapper interface {
	SwapConfiguration(cfg *schema.Configuration)
}

// CacheInvalidator evicts all cache entries for one entity. The JSON
// cache implements it.
type CacheInvalidator interface {
	DeletePrefix(prefix string) (int, error)
}

// Status is the final state of an executed action list.
type Status string

const (
	StatusApplied    Status = "applied"
	StatusRolledBack Status = "rolled_back"
	StatusDryRun     Status = "dry_run"
)

// Result records one action's outcome.
type Result struct {
	Action   Action        `json:"action"`
	Applied  bool          `json:"applied"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

// Report is the outcome of one Execute call.
type Report struct {
	Status    Status        `json:"status"`
	Results   []Result      `json:"results"`
	Rollbacks []Action      `json:"rollbacks"`
	Duration  time.Duration `json:"duration"`
	Err       string        `json:"error,omitempty"`
}

// Executor runs action lists. Database actions share one transaction;
// configuration swaps and cache invalidations are staged and applied only
// after that transaction commits, so a failed reload leaves both the
// schema and the in-memory state untouched.
type Executor struct {
	db      *sql.DB
	configs ConfigSwapper
	cache   CacheInvalidator
	timeout time.Duration
}

// NewExecutor wires an executor. cache may be nil when no cache is
// configured; invalidations then become no-ops.
func NewExecutor(db *sql.DB, configs ConfigSwapper, cache CacheInvalidator) *Executor {
	return &Executor{db: db, configs: configs, cache: cache, timeout: 30 * time.Second}
}

// Execute runs the list as a single unit of work. With dryRun set it
// reports what would happen and performs no side effects. The context is
// consulted between actions but never between transaction begin and its
// commit or rollback.
func (x *Executor) Execute(ctx context.Context, actions []Action, dryRun bool) (*Report, error) {
	start := time.Now()
	report := &Report{Rollbacks: Rollbacks(actions)}

	if dryRun {
		for _, a := range actions {
			report.Results = append(report.Results, Result{Action: a})
		}
		report.Status = StatusDryRun
		report.Duration = time.Since(start)
		return report, nil
	}

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Storage(true, "begin action transaction", err)
	}
	defer tx.Rollback()

	var swaps []*schema.Configuration
	var invalidations []string

	for _, a := range actions {
		stepStart := time.Now()
		var stepErr error

		switch {
		case a.IsDDL():
			for _, stmt := range a.SQL {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					stepErr = err
					break
				}
			}
		case a.Op == OpUpdateConfig:
			swaps = append(swaps, &schema.Configuration{
				ID:       a.ConfigID,
				Provider: a.ConfigID,
				Values:   a.ConfigValues,
			})
		case a.Op == OpInvalidateCache:
			invalidations = append(invalidations, a.Entity+":")
		case a.Op == OpNoOp:
			// Recorded in the report only.
		}

		res := Result{Action: a, Applied: stepErr == nil, Duration: time.Since(stepStart)}
		if stepErr != nil {
			res.Err = stepErr.Error()
			report.Results = append(report.Results, res)
			report.Status = StatusRolledBack
			report.Err = stepErr.Error()
			report.Duration = time.Since(start)
			log.WithFields(logrus.Fields{
				"op":    a.Op,
				"table": a.Table,
			}).WithError(stepErr).Error("action failed, rolling back")
			return report, errs.Storage(false, "action execution failed", stepErr)
		}
		report.Results = append(report.Results, res)
	}

	if err := tx.Commit(); err != nil {
		report.Status = StatusRolledBack
		report.Err = err.Error()
		report.Duration = time.Since(start)
		return report, errs.Storage(true, "commit action transaction", err)
	}

	// Post-commit effects. Failures here no longer roll back the DDL;
	// they are logged and the cache self-heals on the next write or TTL.
	for _, cfg := range swaps {
		x.configs.SwapConfiguration(cfg)
	}
	for _, prefix := range invalidations {
		if x.cache == nil {
			continue
		}
		if n, err := x.cache.DeletePrefix(prefix); err != nil {
			log.WithField("prefix", prefix).WithError(err).Warn("cache invalidation failed")
		} else if n > 0 {
			log.WithFields(logrus.Fields{"prefix": prefix, "evicted": n}).Debug("cache invalidated")
		}
	}

	report.Status = StatusApplied
	report.Duration = time.Since(start)
	return report, nil
}
