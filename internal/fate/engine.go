// Copyright 2024 The Accumulo-Go Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package fate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/cfkoehler/accumulo/internal/errs"
	"github.com/cfkoehler/accumulo/internal/lock"
)

var (
	reclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "accumulo",
			Subsystem: "fate",
			Name:      "reclaimed_reservations_total",
			Help:      "Count of dead reservations cleared by ReclaimDeadReservations.",
		})

	reclaimScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "accumulo",
			Subsystem: "fate",
			Name:      "reclaim_scan_duration_seconds",
			Help:      "Time spent walking the reservation table in one reclaim sweep.",
		})

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "accumulo",
			Subsystem: "fate",
			Name:      "step_duration_seconds",
			Help:      "Time spent executing one FATE step.",
		}, []string{"step"})
)

func init() {
	prometheus.MustRegister(reclaimedTotal)
	prometheus.MustRegister(reclaimScanDuration)
	prometheus.MustRegister(stepDuration)
}

// LiveChecker reports whether a LockID is still held, backing the
// dead-reservation reclaim sweep.
type LiveChecker interface {
	IsLockHeld(ctx context.Context, id lock.LockID) (bool, error)
}

// Executor is the fixed worker pool that reserves and executes steps,
// generalized from the retrieved coordinator's typed-task queue
// consumed by a fixed pool (tikv/raftstore/worker.go).
type Executor struct {
	store        *Store
	env          Env
	self         lock.LockID
	live         LiveChecker
	pool         *ants.Pool
	requeue      chan Id
	stopCh       chan struct{}
	reclaimLimit *rate.Limiter
}

// NewExecutor builds a worker pool of the given size bound to store,
// executing steps against env. self identifies this process's own
// service-lock identity, used to construct Reservations.
// reclaimRatePerSec bounds how many dead-reservation lookups
// ReclaimDeadReservations performs per second against the coordination
// service (internal/config.FateConfig.ReclaimRateLimitPerSec); a value
// of 0 disables the limiter.
func NewExecutor(store *Store, env Env, self lock.LockID, live LiveChecker, workers int, reclaimRatePerSec float64) (*Executor, error) {
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, err, "fate: create worker pool")
	}
	var limiter *rate.Limiter
	if reclaimRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(reclaimRatePerSec), 1)
	}
	return &Executor{
		store: store, env: env, self: self, live: live, pool: pool,
		requeue:      make(chan Id, 4096),
		stopCh:       make(chan struct{}),
		reclaimLimit: limiter,
	}, nil
}

func (e *Executor) Close() { e.pool.Release() }

// Submit enqueues id for execution. Idempotent: submitting an id
// already queued or running is a harmless no-op from the caller's
// perspective (the pool naturally serializes per-id via reservation).
func (e *Executor) Submit(id Id) {
	select {
	case e.requeue <- id:
	default:
		// Queue saturated: id is not recorded in requeue. Nothing reads
		// requeue; the pool submission below runs the transaction
		// either way.
	}
	_ = e.pool.Submit(func() { e.tryRun(id) })
}

func (e *Executor) tryRun(id Id) {
	res := Reservation{LockID: e.self, UUID: uuid.New()}
	ok, err := e.store.Reserve(id, res)
	if err != nil || !ok {
		return
	}
	defer e.store.Unreserve(id, res)

	snap, ok2 := e.store.Get(id)
	if !ok2 {
		return
	}
	if snap.Status == StatusSubmitted {
		if err := e.store.TransitionStatus(id, res, StatusInProgress); err != nil {
			return
		}
	}

	for {
		step, ok3 := e.store.TopStep(id)
		if !ok3 || step == nil {
			e.finish(id, res)
			return
		}

		delay, err := step.IsReady(id, e.env)
		if err != nil {
			e.fail(id, res, err)
			return
		}
		if delay > 0 {
			// A single FateId is never concurrently executed; releasing
			// the reservation here and re-submitting after delay lets
			// other transactions use this worker slot meanwhile.
			e.store.Unreserve(id, res)
			time.AfterFunc(delay, func() { e.Submit(id) })
			return
		}

		callStart := time.Now()
		next, err := step.Call(id, e.env)
		stepDuration.WithLabelValues(step.Name()).Observe(time.Since(callStart).Seconds())
		if err != nil {
			e.fail(id, res, err)
			return
		}
		if _, err := e.store.PopStep(id, res); err != nil {
			return
		}
		if next != nil {
			if err := e.store.PushStep(id, res, next); err != nil {
				return
			}
			continue
		}
		e.finish(id, res)
		return
	}
}

func (e *Executor) finish(id Id, res Reservation) {
	_ = e.store.TransitionStatus(id, res, StatusSuccessful)
}

func (e *Executor) fail(id Id, res Reservation, cause error) {
	_ = e.store.TransitionStatus(id, res, StatusFailedInProgress)
	stack := e.store.StepStack(id)
	for i := len(stack) - 1; i >= 0; i-- {
		_ = stack[i].Undo(id, e.env)
	}
	_ = e.store.TransitionStatus(id, res, StatusFailed)
	_ = cause
}

// ReclaimDeadReservations scans the store for reservations whose owning
// lock is no longer held and clears them. Intended to be invoked on a
// scheduled interval; each IsLockHeld lookup is paced by the limiter
// built from internal/config.FateConfig.ReclaimRateLimitPerSec so a
// large transaction table doesn't stampede the coordination service.
func (e *Executor) ReclaimDeadReservations(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { reclaimScanDuration.Observe(time.Since(start).Seconds()) }()

	reclaimed := 0
	for id, res := range e.store.ScanReservations() {
		if e.reclaimLimit != nil {
			if err := e.reclaimLimit.Wait(ctx); err != nil {
				return reclaimed, errs.Wrap(errs.Transient, err, "fate: reclaim rate limiter")
			}
		}
		alive, err := e.live.IsLockHeld(ctx, res.LockID)
		if err != nil {
			continue
		}
		if alive {
			continue
		}
		ok, err := e.store.ReclaimIfDead(id, res)
		if err != nil {
			continue
		}
		if ok {
			reclaimed++
			reclaimedTotal.Inc()
			e.Submit(id)
		}
	}
	return reclaimed, nil
}
