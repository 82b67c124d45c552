package mailbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/mailbus/mailbox"
	"github.com/rbaliyan/mailbus/registry"
	"github.com/rbaliyan/mailbus/retry"
)

// runRenewal renews leases on every tick until Close. A failed tick is
// reported and the timer keeps running.
func (d *Dispatcher) runRenewal() {
	defer close(d.renewDone)

	ticker := time.NewTicker(d.opts.renewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopRenew:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(d.baseCtx, d.opts.renewalInterval)
			if err := d.renew(ctx); err != nil {
				d.logger.Warn("lease renewal incomplete", "error", err)
			}
			cancel()
		}
	}
}

// RenewLeases runs one renewal tick synchronously: every path with a local
// listener has its lease rewritten, then the registry is swept if it
// supports it. Failures are reported per path and joined in the result.
func (d *Dispatcher) RenewLeases(ctx context.Context) error {
	if err := d.checkStarted(); err != nil {
		return err
	}
	return d.renew(ctx)
}

func (d *Dispatcher) renew(ctx context.Context) error {
	paths := d.table.Load().leasedPaths()

	cfg := d.opts.renewalRetry
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
			d.logger.Debug("retrying lease renewal", "attempt", attempt, "backoff", backoff, "error", err)
		}
	}

	var errs []error
	renewed, failed := 0, 0
	for _, path := range paths {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		err := retry.Do(ctx, cfg, func(ctx context.Context) error {
			return d.registry.Register(ctx, path, d.topic, d.opts.leaseTTL)
		})
		if err != nil {
			rerr := &RegistrationError{Op: "renew", Path: path, Topic: d.topic, Err: err}
			errs = append(errs, rerr)
			failed++
			d.stats.renewalErrors.Add(1)
			d.otel.recordRegistryError(ctx, "renew")
			d.opts.safeOnError(OpRenew, rerr)
			continue
		}
		renewed++
		d.releaseIfUntracked(ctx, path)
	}
	d.stats.renewals.Add(int64(renewed))
	d.otel.recordRenewal(ctx, renewed, failed)
	if skipped := len(paths) - renewed - failed; skipped > 0 {
		d.stats.renewalSkipped.Add(int64(skipped))
		d.logger.Warn("renewal tick ran out of time", "skipped", skipped, "paths", len(paths))
	}

	if sweeper, ok := d.registry.(registry.Sweeper); ok && ctx.Err() == nil {
		n, err := sweeper.Sweep(ctx)
		if err != nil {
			err = fmt.Errorf("mailbus: sweep: %w", err)
			errs = append(errs, err)
			d.opts.safeOnError(OpSweep, err)
		} else if n > 0 {
			d.logger.Debug("expired leases swept", "count", n)
		}
	}

	return errors.Join(errs...)
}

// releaseIfUntracked undoes a renewal that raced with the removal of the
// last listener on path.
func (d *Dispatcher) releaseIfUntracked(ctx context.Context, path mailbox.Path) {
	d.regMu.Lock()
	defer d.regMu.Unlock()

	if d.table.Load().tracks(path) {
		return
	}
	if err := d.registry.Unregister(ctx, path, d.topic); err != nil {
		d.opts.safeOnError(OpUnregister, &RegistrationError{Op: "unregister", Path: path, Topic: d.topic, Err: err})
	}
}
