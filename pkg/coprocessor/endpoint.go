// Package coprocessor implements the read-side coprocessor endpoint: it
// parses pushed-down requests, batches snapshot acquisition per region,
// executes plans on priority worker pools and streams or batches the
// results back through response sinks.
package coprocessor

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gogo/protobuf/proto"
	coppb "github.com/pingcap/kvproto/pkg/coprocessor"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"go.uber.org/zap"

	"github.com/wentaoxu/tikv/pkg/config"
	"github.com/wentaoxu/tikv/pkg/logging"
	"github.com/wentaoxu/tikv/pkg/pd"
	"github.com/wentaoxu/tikv/pkg/storage"
	"github.com/wentaoxu/tikv/pkg/util/pool"
	"github.com/wentaoxu/tikv/pkg/util/worker"
)

// Task is the dispatcher's input alphabet: fresh requests, snapshot
// completions, batched completions, and retry orders.
type Task interface {
	endpointTask()
	fmt.Stringer
}

// SnapRes delivers one snapshot acquisition result for a batch id.
type SnapRes struct {
	ID   uint64
	Snap storage.Snapshot
	Err  error
}

func (SnapRes) endpointTask() {}

// String implements fmt.Stringer.
func (t SnapRes) String() string { return fmt.Sprintf("snapres [%d]", t.ID) }

// BatchSnapRes delivers the ready part of a batched snapshot response.
type BatchSnapRes struct {
	Results []SnapRes
}

func (BatchSnapRes) endpointTask() {}

// String implements fmt.Stringer.
func (t BatchSnapRes) String() string { return "batch snapres" }

// RetryRequests orders single-region retries for batch ids whose
// snapshots came back unavailable.
type RetryRequests struct {
	IDs []uint64
}

func (RetryRequests) endpointTask() {}

// String implements fmt.Stringer.
func (t RetryRequests) String() string { return fmt.Sprintf("retry on task ids: %v", t.IDs) }

// executorPool couples a worker pool with its thread-local metric
// contexts.
type executorPool struct {
	pool *pool.Pool
	ctxs *CopContextPool
}

func newExecutorPool(name string, size int, stackSize int64, sender pd.TaskSender) *executorPool {
	ctxs := &CopContextPool{ctxs: make([]*CopContext, size)}
	p := pool.New(name, size,
		pool.WithStackSize(stackSize),
		pool.WithAfterStart(func(workerID int) {
			ctxs.ctxs[workerID] = NewCopContext(sender)
		}),
	)
	return &executorPool{pool: p, ctxs: ctxs}
}

type groupKey struct {
	regionID     uint64
	epochVersion uint64
	peerID       uint64
}

// Host owns the dispatcher state. It runs on a single batch-scheduler
// goroutine; worker pools never touch its fields.
type Host struct {
	engine storage.Engine
	sched  worker.Scheduler[Task]

	reqs      map[uint64][]*RequestTask
	lastReqID uint64

	pool             *executorPool
	lowPriorityPool  *executorPool
	highPriorityPool *executorPool

	basicLocalMetrics *BasicLocalMetrics

	maxRunningTasks  int
	runningTaskCount atomic.Int64

	batchRowLimit            int
	streamBatchRowLimit      int
	requestMaxHandleDuration time.Duration

	evaluator PredicateEvaluator
	logger    *zap.Logger
}

// NewHost builds the endpoint dispatcher. The scheduler must feed back
// into the worker running this host.
func NewHost(engine storage.Engine, sched worker.Scheduler[Task], cfg *config.EndpointConfig, sender pd.TaskSender) *Host {
	return &Host{
		engine:            engine,
		sched:             sched,
		reqs:              make(map[uint64][]*RequestTask),
		pool:              newExecutorPool("endpoint-normal-pool", cfg.Concurrency, cfg.StackSize, sender),
		lowPriorityPool:   newExecutorPool("endpoint-low-pool", cfg.Concurrency, cfg.StackSize, sender),
		highPriorityPool:  newExecutorPool("endpoint-high-pool", cfg.Concurrency, cfg.StackSize, sender),
		basicLocalMetrics: NewBasicLocalMetrics(),
		maxRunningTasks:          cfg.MaxTasks,
		batchRowLimit:            cfg.BatchRowLimit,
		streamBatchRowLimit:      cfg.StreamBatchRowLimit,
		requestMaxHandleDuration: cfg.RequestMaxHandleDuration.Duration,
		logger:                   logging.Named("coprocessor"),
	}
}

// SetPredicateEvaluator plugs in the expression engine used by
// selection executors.
func (h *Host) SetPredicateEvaluator(eval PredicateEvaluator) {
	h.evaluator = eval
}

// SetMaxRunningTasks overrides the admission cap.
func (h *Host) SetMaxRunningTasks(n int) {
	h.maxRunningTasks = n
}

// RunningTaskCount reads the global running-task counter.
func (h *Host) RunningTaskCount() int64 {
	return h.runningTaskCount.Load()
}

// Run implements worker.Runnable; the host only supports batched
// execution.
func (h *Host) Run(_ Task) {
	panic("Host must be driven through RunBatch")
}

// RunBatch drains one batch of dispatcher tasks: fresh requests are
// grouped per region and admitted against the running-task cap, then a
// single batched snapshot request covers every admitted group.
func (h *Host) RunBatch(tasks []Task) {
	var (
		grouped map[groupKey][]*RequestTask
		order   []groupKey
	)
	for _, task := range tasks {
		switch t := task.(type) {
		case *RequestTask:
			t.SetMaxHandleDuration(h.requestMaxHandleDuration)
			if err := t.CheckOutdated(); err != nil {
				t.sink.Respond(errResp(err, h.basicLocalMetrics))
				t.tracker.Finish()
				continue
			}
			key := groupKey{}
			key.regionID, key.epochVersion, key.peerID = t.requestKey()
			if grouped == nil {
				grouped = make(map[groupKey][]*RequestTask)
			}
			if _, ok := grouped[key]; !ok {
				order = append(order, key)
			}
			grouped[key] = append(grouped[key], t)
		case SnapRes:
			h.handleSnapshotResult(t.ID, t.Snap, t.Err)
		case BatchSnapRes:
			for _, res := range t.Results {
				h.handleSnapshotResult(res.ID, res.Snap, res.Err)
			}
		case RetryRequests:
			h.retryRequests(t.IDs)
		}
	}

	if len(order) == 0 {
		return
	}

	startID := h.lastReqID + 1
	batchCtxs := make([]*kvrpcpb.Context, 0, len(order))
	for _, key := range order {
		reqs := grouped[key]
		if h.runningTaskCount.Load() >= int64(h.maxRunningTasks) {
			h.notifyFailed(&FullError{Allow: h.maxRunningTasks}, reqs)
			continue
		}
		for _, req := range reqs {
			req.tracker.BindRunningTaskCount(&h.runningTaskCount)
		}
		h.lastReqID++
		batchCtxs = append(batchCtxs, reqs[0].req.GetContext())
		h.reqs[h.lastReqID] = reqs
	}
	endID := h.lastReqID

	if len(batchCtxs) > 0 {
		coprBatchRequestTasks.WithLabelValues("all").Observe(float64(len(batchCtxs)))
		sched := h.sched
		cb := func(results []*storage.BatchResult) {
			ready := make([]SnapRes, 0, len(results))
			var retry []uint64
			for i, res := range results {
				id := startID + uint64(i)
				if res == nil {
					retry = append(retry, id)
					continue
				}
				ready = append(ready, SnapRes{ID: id, Snap: res.Snap, Err: res.Err})
			}
			if len(ready) > 0 {
				if err := sched.Schedule(BatchSnapRes{Results: ready}); err != nil {
					logging.Named("coprocessor").Error("schedule batch snapshot results failed", zap.Error(err))
				}
			}
			if len(retry) > 0 {
				coprBatchRequestTasks.WithLabelValues("retry").Observe(float64(len(retry)))
				if err := sched.Schedule(RetryRequests{IDs: retry}); err != nil {
					logging.Named("coprocessor").Error("schedule snapshot retries failed", zap.Error(err))
				}
			}
		}
		if err := h.engine.BatchSnapshot(batchCtxs, cb); err != nil {
			for id := startID; id <= endID; id++ {
				h.notifyBatchFailed(err, id)
			}
		}
	}

	h.basicLocalMetrics.Flush()
}

// retryRequests re-issues one single-region snapshot per batch id.
func (h *Host) retryRequests(ids []uint64) {
	for _, id := range ids {
		reqs := h.reqs[id]
		if len(reqs) == 0 {
			continue
		}
		ctx := reqs[0].req.GetContext()
		batchID := id
		sched := h.sched
		err := h.engine.Snapshot(ctx, func(snap storage.Snapshot, err error) {
			if serr := sched.Schedule(SnapRes{ID: batchID, Snap: snap, Err: err}); serr != nil {
				logging.Named("coprocessor").Error("schedule snapshot result failed", zap.Error(serr))
			}
		})
		if err != nil {
			h.notifyBatchFailed(err, id)
		}
	}
}

func (h *Host) handleSnapshotResult(id uint64, snap storage.Snapshot, err error) {
	if err != nil {
		h.notifyBatchFailed(err, id)
		return
	}
	reqs := h.reqs[id]
	delete(h.reqs, id)
	for _, req := range reqs {
		h.handleRequest(snap, req)
	}
}

// handleRequest routes one task onto its priority pool with the
// snapshot it executes against.
func (h *Host) handleRequest(snap storage.Snapshot, t *RequestTask) {
	if err := t.CheckOutdated(); err != nil {
		t.sink.Respond(errResp(err, h.basicLocalMetrics))
		t.tracker.Finish()
		return
	}

	var ep *executorPool
	switch t.Priority() {
	case kvrpcpb.CommandPri_Low:
		ep = h.lowPriorityPool
	case kvrpcpb.CommandPri_High:
		ep = h.highPriorityPool
	default:
		ep = h.pool
	}
	t.tracker.BindCtxPool(ep.ctxs)

	ranges := t.req.GetRanges()
	tracker := t.tracker
	sink := t.sink

	switch {
	case t.copReq.dag != nil:
		dagCtx, err := NewDAGContext(t.copReq.dag, ranges, snap, t.ctx, h.evaluator)
		if err != nil {
			sink.Respond(errResp(toCopError(err), h.basicLocalMetrics))
			tracker.Finish()
			return
		}
		if !sink.IsStreaming() {
			limit := h.batchRowLimit
			ep.pool.Go(func(workerID int) {
				tracker.RecordWait(workerID)
				resp, err := dagCtx.HandleRequest(limit)
				if err != nil {
					resp = errResp(toCopError(err), tracker.BasicMetrics())
				}
				metrics := ExecutorMetrics{}
				dagCtx.CollectMetricsInto(&metrics)
				tracker.RecordHandle(resp, &metrics)
				sink.Respond(resp)
				tracker.Finish()
			})
			return
		}
		sink.RespondStream(&ResumableStream{
			ctx:     dagCtx,
			tracker: tracker,
			pool:    ep.pool,
			limit:   h.streamBatchRowLimit,
		})
	case t.copReq.analyze != nil:
		analyzeCtx := NewAnalyzeContext(t.copReq.analyze, ranges, snap, t.ctx)
		ep.pool.Go(func(workerID int) {
			tracker.RecordWait(workerID)
			metrics := ExecutorMetrics{}
			resp, err := analyzeCtx.HandleRequest(&metrics)
			if err != nil {
				resp = errResp(toCopError(err), tracker.BasicMetrics())
			}
			tracker.RecordHandle(resp, &metrics)
			sink.Respond(resp)
			tracker.Finish()
		})
	case t.copReq.checksum != nil:
		checksumCtx := NewChecksumContext(t.copReq.checksum, ranges, snap, t.ctx)
		ep.pool.Go(func(workerID int) {
			tracker.RecordWait(workerID)
			metrics := ExecutorMetrics{}
			resp, err := checksumCtx.HandleRequest(&metrics)
			if err != nil {
				resp = errResp(toCopError(err), tracker.BasicMetrics())
			}
			tracker.RecordHandle(resp, &metrics)
			sink.Respond(resp)
			tracker.Finish()
		})
	}
}

// notifyFailed fails a set of requests with one shared error.
func (h *Host) notifyFailed(err error, reqs []*RequestTask) {
	h.logger.Debug("failed to handle batch request", zap.Error(err))
	resp := errMultiResp(err, len(reqs), h.basicLocalMetrics)
	for _, req := range reqs {
		req.sink.Respond(proto.Clone(resp).(*coppb.Response))
		req.tracker.Finish()
	}
}

func (h *Host) notifyBatchFailed(err error, batchID uint64) {
	reqs := h.reqs[batchID]
	delete(h.reqs, batchID)
	h.notifyFailed(err, reqs)
}

// Close shuts the worker pools down after queued tasks drain.
func (h *Host) Close() {
	h.pool.pool.Close()
	h.lowPriorityPool.pool.Close()
	h.highPriorityPool.pool.Close()
}
