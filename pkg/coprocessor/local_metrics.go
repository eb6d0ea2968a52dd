package coprocessor

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wentaoxu/tikv/pkg/logging"
	"github.com/wentaoxu/tikv/pkg/pd"
)

// localHistogramVec buffers observations so the hot path never touches
// the shared collector; Flush drains the buffer into it.
type localHistogramVec struct {
	vec *prometheus.HistogramVec
	buf map[string][]float64
}

func newLocalHistogramVec(vec *prometheus.HistogramVec) *localHistogramVec {
	return &localHistogramVec{vec: vec, buf: make(map[string][]float64)}
}

// Observe records one sample under a label.
func (h *localHistogramVec) Observe(label string, v float64) {
	h.buf[label] = append(h.buf[label], v)
}

// Flush pushes buffered samples into the shared collector.
func (h *localHistogramVec) Flush() {
	for label, samples := range h.buf {
		observer := h.vec.WithLabelValues(label)
		for _, v := range samples {
			observer.Observe(v)
		}
		delete(h.buf, label)
	}
}

const labelSep = "\x00"

// localCounterVec buffers counter increments keyed by joined labels.
type localCounterVec struct {
	vec *prometheus.CounterVec
	buf map[string]float64
}

func newLocalCounterVec(vec *prometheus.CounterVec) *localCounterVec {
	return &localCounterVec{vec: vec, buf: make(map[string]float64)}
}

// Add accumulates an increment under the labels.
func (c *localCounterVec) Add(v float64, labels ...string) {
	c.buf[strings.Join(labels, labelSep)] += v
}

// Flush pushes buffered increments into the shared collector.
func (c *localCounterVec) Flush() {
	for key, v := range c.buf {
		if v > 0 {
			c.vec.WithLabelValues(strings.Split(key, labelSep)...).Add(v)
		}
		delete(c.buf, key)
	}
}

// BasicLocalMetrics is the per-thread buffer for request-level
// histograms and error counters.
type BasicLocalMetrics struct {
	reqTime     *localHistogramVec
	handleTime  *localHistogramVec
	waitTime    *localHistogramVec
	outdateTime *localHistogramVec
	scanKeys    *localHistogramVec
	errorCnt    *localCounterVec
}

// NewBasicLocalMetrics creates an empty buffer bound to the shared
// collectors.
func NewBasicLocalMetrics() *BasicLocalMetrics {
	return &BasicLocalMetrics{
		reqTime:     newLocalHistogramVec(coprReqHistogram),
		handleTime:  newLocalHistogramVec(coprHandleTimeHistogram),
		waitTime:    newLocalHistogramVec(coprWaitTimeHistogram),
		outdateTime: newLocalHistogramVec(coprOutdateTimeHistogram),
		scanKeys:    newLocalHistogramVec(coprScanKeysHistogram),
		errorCnt:    newLocalCounterVec(coprErrorCounter),
	}
}

// Flush drains every buffer into the shared collectors.
func (m *BasicLocalMetrics) Flush() {
	m.reqTime.Flush()
	m.handleTime.Flush()
	m.waitTime.Flush()
	m.outdateTime.Flush()
	m.scanKeys.Flush()
	m.errorCnt.Flush()
}

// ExecLocalMetrics buffers executor scan details and per-region read
// flow; flushing pushes the details into prometheus and the flow to the
// PD pusher.
type ExecLocalMetrics struct {
	scanDetails *localCounterVec
	flows       map[uint64]pd.FlowStatistics
	sender      pd.TaskSender
}

// NewExecLocalMetrics creates a buffer that reports flow to sender. A
// nil sender disables flow reporting.
func NewExecLocalMetrics(sender pd.TaskSender) *ExecLocalMetrics {
	return &ExecLocalMetrics{
		scanDetails: newLocalCounterVec(coprScanDetailsCounter),
		flows:       make(map[uint64]pd.FlowStatistics),
		sender:      sender,
	}
}

// Collect folds one request's executor metrics into the buffers.
func (m *ExecLocalMetrics) Collect(scanTag string, regionID uint64, metrics *ExecutorMetrics) {
	stats := &metrics.CFStats
	m.scanDetails.Add(float64(stats.Write.Total), scanTag, "write", "total")
	m.scanDetails.Add(float64(stats.Write.Processed), scanTag, "write", "processed")
	m.scanDetails.Add(float64(stats.Lock.Total), scanTag, "lock", "total")
	m.scanDetails.Add(float64(stats.Lock.Processed), scanTag, "lock", "processed")
	m.scanDetails.Add(float64(stats.Data.Total), scanTag, "data", "total")
	m.scanDetails.Add(float64(stats.Data.Processed), scanTag, "data", "processed")

	flow := m.flows[regionID]
	flow.ReadKeys += uint64(stats.TotalProcessed())
	flow.ReadBytes += uint64(stats.TotalOpCount())
	m.flows[regionID] = flow
}

// Flush pushes buffered details and hands accumulated read flow to PD.
func (m *ExecLocalMetrics) Flush() {
	m.scanDetails.Flush()
	if len(m.flows) == 0 {
		return
	}
	flows := m.flows
	m.flows = make(map[uint64]pd.FlowStatistics)
	if m.sender == nil {
		return
	}
	if err := m.sender.Schedule(pd.Task{ReadStats: flows}); err != nil {
		logging.Named("coprocessor").Debug("report read stats failed", zap.Error(err))
	}
}

const copContextFlushTimeout = time.Second

// CopContext is the per-worker metrics scratch. It is owned by exactly
// one pool worker and must only be touched from that worker.
type CopContext struct {
	execMetrics  *ExecLocalMetrics
	basicMetrics *BasicLocalMetrics
	lastFlush    time.Time
	timeout      time.Duration
}

// NewCopContext creates a worker context reporting flow to sender.
func NewCopContext(sender pd.TaskSender) *CopContext {
	return &CopContext{
		execMetrics:  NewExecLocalMetrics(sender),
		basicMetrics: NewBasicLocalMetrics(),
		lastFlush:    time.Now(),
		timeout:      copContextFlushTimeout,
	}
}

// BasicMetrics exposes the worker's request-level buffer.
func (c *CopContext) BasicMetrics() *BasicLocalMetrics {
	return c.basicMetrics
}

// Collect folds one finished request into the worker buffers and
// triggers a periodic flush when the timeout elapsed.
func (c *CopContext) Collect(regionID uint64, scanTag string, metrics *ExecutorMetrics) {
	c.execMetrics.Collect(scanTag, regionID, metrics)
	now := time.Now()
	if now.Sub(c.lastFlush) >= c.timeout {
		c.execMetrics.Flush()
		c.basicMetrics.Flush()
		c.lastFlush = now
	}
}

// CopContextPool maps worker ids of one pool onto their contexts. The
// slice is read-only after construction; each context is still owned by
// its worker.
type CopContextPool struct {
	ctxs []*CopContext
}

// NewCopContextPool allocates a context slot per worker.
func NewCopContextPool(size int, sender pd.TaskSender) *CopContextPool {
	ctxs := make([]*CopContext, size)
	for i := range ctxs {
		ctxs[i] = NewCopContext(sender)
	}
	return &CopContextPool{ctxs: ctxs}
}

// Get returns the context owned by a worker. It must only be called
// from that worker's goroutine.
func (p *CopContextPool) Get(workerID int) *CopContext {
	return p.ctxs[workerID]
}
