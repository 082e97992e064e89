/*
job.go - Settlement pass orchestration

PURPOSE:
  Runs one full sweep over the eligible purchase set and invokes the
  accrual or referral engine per record. Records are independent, so they
  are processed by a bounded worker pool; per-record write ordering is
  preserved because each record is handled by exactly one worker.

FAILURE ISOLATION:
  A malformed or transiently-failing record must not block the rest of the
  batch. Each record runs behind a recover() and failures are collected
  into the Summary and logged; only the initial eligibility query can fail
  the pass as a whole.

RECOVERY MODEL:
  A pass may be interrupted at any point. Each record's settlement is
  independently idempotent, so the sole recovery mechanism is the next
  scheduled invocation - no checkpoint state beyond the purchase's own
  PaidDays and the bonus records' uniqueness keys.

SEE ALSO:
  - accrual.go, referral.go: Per-record engines
  - api/handlers.go: HTTP triggers
*/
package settle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

const defaultWorkers = 4

// RecordError ties a per-record failure to the purchase that caused it.
type RecordError struct {
	PurchaseID string
	Err        error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("purchase %s: %v", e.PurchaseID, e.Err)
}

// Summary aggregates one pass. Updated counts purchases whose accrual paid
// at least one day; Processed counts first purchases with at least one
// referral level paid.
type Summary struct {
	Attempted int
	Updated   int
	Processed int
	Failures  int
	Errors    []RecordError
}

// Job orchestrates settlement passes over the store.
type Job struct {
	Store    Store
	Accrual  *AccrualEngine
	Referral *ReferralEngine
	Workers  int // bounded concurrency per pass; defaults to 4
}

// NewJob wires a job and its engines around one store handle. The store
// client is constructed once at process start and injected here - there is
// no package-level store state.
func NewJob(store Store) *Job {
	return &Job{
		Store:    store,
		Accrual:  NewAccrualEngine(store),
		Referral: NewReferralEngine(store),
		Workers:  defaultWorkers,
	}
}

// RunAccrualPass settles daily income for every approved purchase as of now.
func (j *Job) RunAccrualPass(ctx context.Context, now time.Time) (Summary, error) {
	purchases, err := j.Store.PurchasesByStatus(ctx, StatusApproved)
	if err != nil {
		return Summary{}, fmt.Errorf("query approved purchases: %w", err)
	}

	settled, failures, errs := j.sweep(ctx, "accrual", purchases, func(p Purchase) (bool, error) {
		out, err := j.Accrual.Settle(ctx, p, now)
		return out.Updated, err
	})
	return Summary{Attempted: len(purchases), Updated: settled, Failures: failures, Errors: errs}, nil
}

// RunReferralPass pays referral bonuses for every approved first purchase.
func (j *Job) RunReferralPass(ctx context.Context) (Summary, error) {
	purchases, err := j.Store.FirstPurchasesByStatus(ctx, StatusApproved)
	if err != nil {
		return Summary{}, fmt.Errorf("query first purchases: %w", err)
	}

	processed, failures, errs := j.sweep(ctx, "referral", purchases, func(p Purchase) (bool, error) {
		out, err := j.Referral.PayReferral(ctx, p)
		return out.Paid, err
	})
	return Summary{Attempted: len(purchases), Processed: processed, Failures: failures, Errors: errs}, nil
}

// sweep fans the record set out to a bounded worker pool. settleOne reports
// whether the record produced a payout; sweep returns how many did, how many
// failed, and the per-record errors.
func (j *Job) sweep(ctx context.Context, pass string, purchases []Purchase, settleOne func(Purchase) (bool, error)) (settled, failures int, errs []RecordError) {
	workers := j.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	if workers > len(purchases) {
		workers = len(purchases)
	}
	if len(purchases) == 0 {
		return 0, 0, nil
	}

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		queue = make(chan Purchase)
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range queue {
				ok, err := j.settleGuarded(p, settleOne)
				mu.Lock()
				if err != nil {
					failures++
					errs = append(errs, RecordError{PurchaseID: p.ID, Err: err})
					log.Printf("[Job] %s pass: purchase %s failed: %v", pass, p.ID, err)
				} else if ok {
					settled++
				}
				mu.Unlock()
			}
		}()
	}

	for _, p := range purchases {
		select {
		case queue <- p:
		case <-ctx.Done():
			// Interrupted pass: unfed records are picked up by the next
			// invocation, which is the recovery mechanism anyway.
			close(queue)
			wg.Wait()
			return settled, failures, errs
		}
	}
	close(queue)
	wg.Wait()

	return settled, failures, errs
}

// settleGuarded isolates a single record, converting panics into per-record
// failures so one bad record cannot take down the pass.
func (j *Job) settleGuarded(p Purchase, settleOne func(Purchase) (bool, error)) (settled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			settled = false
			err = fmt.Errorf("panic while settling: %v", r)
		}
	}()
	return settleOne(p)
}
