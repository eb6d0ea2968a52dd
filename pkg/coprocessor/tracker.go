package coprocessor

import (
	"sync/atomic"
	"time"

	coppb "github.com/pingcap/kvproto/pkg/coprocessor"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"go.uber.org/zap"

	"github.com/wentaoxu/tikv/pkg/logging"
)

// slowQueryThreshold marks a request as slow once its accumulated
// handle time passes it; a single slow step also forces exec details
// into the response.
const slowQueryThreshold = time.Second

// RequestTracker follows one request from parsing to response,
// recording wait and handle times into the worker's thread-local
// buffers and keeping the global running-task accounting honest.
//
// The tracker is moved into the worker closure together with the task;
// apart from the atomic counter its state is only ever touched by one
// goroutine at a time.
type RequestTracker struct {
	runningTaskCount *atomic.Int64
	ctxPool          *CopContextPool
	workerID         int

	recordHandleTime bool
	recordScanDetail bool

	execMetrics ExecutorMetrics
	start       time.Time
	totalHandle time.Duration

	waitStart   time.Time
	handleStart time.Time
	waited      bool
	waitTime    time.Duration
	handleTime  time.Duration

	regionID   uint64
	txnStartTS uint64
	rangesLen  int
	firstRange *coppb.KeyRange
	scanTag    string
	priStr     string

	finished bool
}

// BindRunningTaskCount attaches the global running-task counter,
// incrementing it. The matching decrement happens exactly once in
// Finish.
func (t *RequestTracker) BindRunningTaskCount(count *atomic.Int64) {
	count.Add(1)
	t.runningTaskCount = count
}

// BindCtxPool attaches the thread-local metric pool of the chosen
// worker pool.
func (t *RequestTracker) BindCtxPool(pool *CopContextPool) {
	t.ctxPool = pool
}

// BasicMetrics returns the executing worker's metric buffer. Only valid
// on a pool worker after RecordWait.
func (t *RequestTracker) BasicMetrics() *BasicLocalMetrics {
	return t.ctxPool.Get(t.workerID).BasicMetrics()
}

// RecordWait transitions queued → handling on the given worker,
// measuring how long the task waited. The first wait also settles the
// pending gauge and the wait-time histogram.
func (t *RequestTracker) RecordWait(workerID int) {
	now := time.Now()
	wait := now.Sub(t.waitStart)
	firstWait := !t.waited
	t.waited = true
	t.waitTime = wait
	t.handleStart = now
	t.workerID = workerID

	if firstWait {
		coprPendingReqs.WithLabelValues(t.scanTag, t.priStr).Dec()
		t.ctxPool.Get(workerID).BasicMetrics().waitTime.Observe(t.scanTag, wait.Seconds())
	}
}

// RecordHandle transitions handling → queued, accumulating handle time
// and attaching exec details to the response when requested or when the
// step was slow.
func (t *RequestTracker) RecordHandle(resp *coppb.Response, metrics *ExecutorMetrics) {
	now := time.Now()
	handle := now.Sub(t.handleStart)
	t.handleTime = handle
	t.totalHandle += handle
	t.waitStart = now
	if metrics != nil {
		t.execMetrics.Merge(metrics)
	}

	recordHandleTime := t.recordHandleTime
	recordScanDetail := t.recordScanDetail
	if handle > slowQueryThreshold {
		recordHandleTime = true
		recordScanDetail = true
	}
	if resp == nil || (!recordHandleTime && !recordScanDetail) {
		return
	}
	if resp.ExecDetails == nil {
		resp.ExecDetails = &kvrpcpb.ExecDetails{}
	}
	if recordHandleTime {
		resp.ExecDetails.HandleTime = &kvrpcpb.HandleTime{
			ProcessMs: handle.Milliseconds(),
			WaitMs:    t.waitTime.Milliseconds(),
		}
	}
	if recordScanDetail {
		resp.ExecDetails.ScanDetail = t.execMetrics.CFStats.ScanDetail()
	}
}

// Finish releases the tracker after the response has been delivered.
// It must run on the executing worker when the task ever reached a
// pool; for tasks failed beforehand it runs on the dispatcher.
func (t *RequestTracker) Finish() {
	if t.finished {
		return
	}
	t.finished = true

	if t.runningTaskCount != nil {
		t.runningTaskCount.Add(-1)
	}

	if t.totalHandle > slowQueryThreshold {
		logging.Named("coprocessor").Info("slow query",
			zap.Uint64("region", t.regionID),
			zap.Uint64("txn-start-ts", t.txnStartTS),
			zap.String("type", t.scanTag),
			zap.Duration("handle-time", t.totalHandle),
			zap.Int("ops", t.execMetrics.CFStats.TotalOpCount()),
			zap.Int("hit", t.execMetrics.CFStats.TotalProcessed()),
			zap.Int("ranges", t.rangesLen),
			zap.Any("first-range", t.firstRange),
		)
	}

	if !t.waited {
		coprPendingReqs.WithLabelValues(t.scanTag, t.priStr).Dec()
		// The task never reached a pool; observe against the shared
		// collector directly instead of a worker buffer.
		coprWaitTimeHistogram.WithLabelValues(t.scanTag).
			Observe(time.Since(t.waitStart).Seconds())
		return
	}

	ctx := t.ctxPool.Get(t.workerID)
	basic := ctx.BasicMetrics()
	basic.reqTime.Observe(t.scanTag, time.Since(t.start).Seconds())
	basic.handleTime.Observe(t.scanTag, t.totalHandle.Seconds())
	basic.scanKeys.Observe(t.scanTag, float64(t.execMetrics.CFStats.TotalOpCount()))

	metrics := t.execMetrics
	t.execMetrics = ExecutorMetrics{}
	ctx.Collect(t.regionID, t.scanTag, &metrics)
}
