// Package gc implements the garbage-collection worker: a single
// goroutine driven by recurring ticks that refreshes the cluster safe
// point from PD and walks the keyspace reclaiming obsolete MVCC
// versions.
package gc

import (
	"container/heap"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"go.uber.org/zap"

	"github.com/wentaoxu/tikv/pkg/config"
	"github.com/wentaoxu/tikv/pkg/logging"
	"github.com/wentaoxu/tikv/pkg/pd"
	"github.com/wentaoxu/tikv/pkg/storage"
	"github.com/wentaoxu/tikv/pkg/storage/mvcc"
)

// SafePointKey is the PD user key holding the cluster GC safe point.
const SafePointKey = "transaction/gc/safepoint"

// needGCSampleKeys bounds the density estimate at a range start.
const needGCSampleKeys = 256

// Msg is a control message for the worker loop.
type Msg int

// Worker control messages. New variants extend this set and the onMsg
// switch.
const (
	// MsgStop shuts the loop down.
	MsgStop Msg = iota
)

type tickKind int

const (
	tickRefreshSafePoint tickKind = iota
	tickGCOneRegion
)

type tick struct {
	kind     tickKind
	deadline time.Time
	// scanKey is the resume position for gc-one-region ticks; empty
	// means the start of the keyspace.
	scanKey []byte
}

type tickQueue []tick

func (q tickQueue) Len() int            { return len(q) }
func (q tickQueue) Less(i, j int) bool  { return q[i].deadline.Before(q[j].deadline) }
func (q tickQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *tickQueue) Push(x interface{}) { *q = append(*q, x.(tick)) }
func (q *tickQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Worker owns the GC state: the advancing safe point and the resume key
// of the region walk. It shares only the engine with the endpoint.
type Worker struct {
	engine   storage.Engine
	pdClient pd.Client
	cfg      config.GCConfig

	safePoint atomic.Uint64

	ticks tickQueue
	msgs  chan Msg
	wg    sync.WaitGroup
	log   *zap.Logger
}

// NewWorker creates a stopped worker.
func NewWorker(engine storage.Engine, pdClient pd.Client, cfg config.GCConfig) *Worker {
	return &Worker{
		engine:   engine,
		pdClient: pdClient,
		cfg:      cfg,
		msgs:     make(chan Msg, 8),
		log:      logging.Named("gc-worker"),
	}
}

// SafePoint returns the last refreshed safe point.
func (w *Worker) SafePoint() uint64 {
	return w.safePoint.Load()
}

// Start registers the initial ticks and launches the loop goroutine.
func (w *Worker) Start() {
	w.registerTick(tick{kind: tickRefreshSafePoint}, w.cfg.RefreshSafePointInterval.Duration)
	w.registerTick(tick{kind: tickGCOneRegion}, w.cfg.RegionTickInterval.Duration)
	w.wg.Add(1)
	go w.run()
}

// Stop shuts the loop down and waits for it.
func (w *Worker) Stop() {
	w.msgs <- MsgStop
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if len(w.ticks) > 0 {
			timer.Reset(time.Until(w.ticks[0].deadline))
		} else {
			// No timers armed; wait for messages only.
			timer.Reset(time.Hour)
		}
		select {
		case msg := <-w.msgs:
			if !w.onMsg(msg) {
				return
			}
		case <-timer.C:
			w.onTimeout()
		}
	}
}

func (w *Worker) onMsg(msg Msg) bool {
	switch msg {
	case MsgStop:
		return false
	default:
		w.log.Warn("unknown message", zap.Int("msg", int(msg)))
		return true
	}
}

func (w *Worker) onTimeout() {
	now := time.Now()
	for len(w.ticks) > 0 && !w.ticks[0].deadline.After(now) {
		t := heap.Pop(&w.ticks).(tick)
		switch t.kind {
		case tickRefreshSafePoint:
			if err := w.onRefreshSafePointTick(); err != nil {
				w.log.Error("refresh safe point failed", zap.Error(err))
			}
			w.registerTick(tick{kind: tickRefreshSafePoint}, w.cfg.RefreshSafePointInterval.Duration)
		case tickGCOneRegion:
			next, err := w.onGCOneRegionTick(t.scanKey)
			if err != nil {
				w.log.Error("gc one region failed", zap.Error(err))
				next = nil
			}
			w.registerTick(tick{kind: tickGCOneRegion, scanKey: next}, w.cfg.RegionTickInterval.Duration)
		}
	}
}

// registerTick arms a tick after delay. A zero delay turns the timer
// off.
func (w *Worker) registerTick(t tick, delay time.Duration) {
	if delay == 0 {
		w.log.Debug("tick disabled", zap.Int("kind", int(t.kind)))
		return
	}
	t.deadline = time.Now().Add(delay)
	heap.Push(&w.ticks, t)
}

// onRefreshSafePointTick fetches the safe point from PD and advances
// the local copy when it is non-zero.
func (w *Worker) onRefreshSafePointTick() error {
	_, value, err := w.pdClient.GetUserKV(SafePointKey)
	if err != nil {
		return errors.Trace(err)
	}
	safePoint, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return errors.Annotatef(err, "parse safe point %q", value)
	}
	if safePoint != 0 {
		w.safePoint.Store(safePoint)
		w.log.Debug("safe point refreshed", zap.Uint64("safe-point", safePoint))
	}
	return nil
}

// onGCOneRegionTick reclaims one batch of keys starting at scanKey and
// returns the resume key for the next pass.
func (w *Worker) onGCOneRegionTick(scanKey []byte) ([]byte, error) {
	safePoint := w.safePoint.Load()
	if safePoint == 0 {
		// No safe point published yet; nothing can be reclaimed.
		return nil, nil
	}
	snap, err := w.snapshot()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer snap.Close()

	reader := mvcc.NewReader(snap, false)

	// Starting a fresh range: consult the density heuristic before
	// paying for a full scan.
	if len(scanKey) == 0 {
		need, err := reader.NeedGC(nil, safePoint, w.cfg.RatioThreshold, needGCSampleKeys)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !need {
			return nil, nil
		}
	}

	mods, next, err := reader.GCBatch(scanKey, safePoint, w.cfg.BatchKeys)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(mods) > 0 {
		if err := w.engine.Write(&kvrpcpb.Context{}, mods); err != nil {
			return nil, errors.Trace(err)
		}
		w.log.Debug("reclaimed versions",
			zap.Int("deletes", len(mods)),
			zap.Uint64("safe-point", safePoint))
	}
	return next, nil
}

// snapshot synchronously acquires an engine snapshot.
func (w *Worker) snapshot() (storage.Snapshot, error) {
	type result struct {
		snap storage.Snapshot
		err  error
	}
	done := make(chan result, 1)
	err := w.engine.Snapshot(&kvrpcpb.Context{}, func(snap storage.Snapshot, err error) {
		done <- result{snap: snap, err: err}
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	res := <-done
	return res.snap, res.err
}
