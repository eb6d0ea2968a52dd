package coprocessor

import (
	"fmt"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/pingcap/errors"
	coppb "github.com/pingcap/kvproto/pkg/coprocessor"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/tipb/go-tipb"
)

// ReqContext is the per-request execution context shared by the
// dispatcher and the drivers.
type ReqContext struct {
	StartTime      time.Time
	Deadline       time.Time
	IsolationLevel kvrpcpb.IsolationLevel
	FillCache      bool
	// TableScan records whether the request reads table rows rather
	// than index entries; it picks the metrics scan tag.
	TableScan bool
}

// ScanTag classifies the request for metrics.
func (c *ReqContext) ScanTag() string {
	if c.TableScan {
		return ScanTagSelect
	}
	return ScanTagIndex
}

// CheckOutdated fails once the deadline has passed.
func (c *ReqContext) CheckOutdated() error {
	now := time.Now()
	if !c.Deadline.After(now) {
		return &OutdatedError{Elapsed: now.Sub(c.StartTime), ScanTag: c.ScanTag()}
	}
	return nil
}

// SetMaxHandleDuration finalizes the deadline relative to the start
// time.
func (c *ReqContext) SetMaxHandleDuration(d time.Duration) {
	c.Deadline = c.StartTime.Add(d)
}

// copRequest is the decoded payload; exactly one field is set.
type copRequest struct {
	dag      *tipb.DAGRequest
	analyze  *tipb.AnalyzeReq
	checksum *tipb.ChecksumRequest
}

// RequestTask is a parsed request ready for dispatch.
type RequestTask struct {
	req     *coppb.Request
	copReq  copRequest
	ctx     *ReqContext
	sink    ResponseSink
	tracker *RequestTracker
}

// NewRequestTask decodes the wire request into a typed task. The
// recursion limit bounds the depth of decoded expression trees.
func NewRequestTask(req *coppb.Request, sink ResponseSink, recursionLimit int) (*RequestTask, error) {
	var (
		copReq    copRequest
		startTS   uint64
		tableScan bool
	)
	switch req.GetTp() {
	case ReqTypeDAG:
		dag := &tipb.DAGRequest{}
		if err := proto.Unmarshal(req.GetData(), dag); err != nil {
			return nil, errors.Trace(err)
		}
		if err := checkDAGRecursion(dag, recursionLimit); err != nil {
			return nil, errors.Trace(err)
		}
		if execs := dag.GetExecutors(); len(execs) > 0 {
			tableScan = execs[0].GetTp() == tipb.ExecType_TypeTableScan
		}
		startTS = dag.GetStartTs()
		copReq.dag = dag
	case ReqTypeAnalyze:
		analyze := &tipb.AnalyzeReq{}
		if err := proto.Unmarshal(req.GetData(), analyze); err != nil {
			return nil, errors.Trace(err)
		}
		tableScan = analyze.GetTp() == tipb.AnalyzeType_TypeColumn
		startTS = analyze.GetStartTs()
		copReq.analyze = analyze
	case ReqTypeChecksum:
		checksum := &tipb.ChecksumRequest{}
		if err := proto.Unmarshal(req.GetData(), checksum); err != nil {
			return nil, errors.Trace(err)
		}
		tableScan = checksum.GetScanOn() == tipb.ChecksumScanOn_Table
		startTS = checksum.GetStartTs()
		copReq.checksum = checksum
	default:
		return nil, errors.Errorf("unsupported tp %d", req.GetTp())
	}

	startTime := time.Now()
	reqCtx := &ReqContext{
		StartTime:      startTime,
		Deadline:       startTime,
		IsolationLevel: req.GetContext().GetIsolationLevel(),
		FillCache:      !req.GetContext().GetNotFillCache(),
		TableScan:      tableScan,
	}

	tracker := &RequestTracker{
		recordHandleTime: req.GetContext().GetHandleTime(),
		recordScanDetail: req.GetContext().GetScanDetail(),
		start:            startTime,
		waitStart:        startTime,
		regionID:         req.GetContext().GetRegionId(),
		txnStartTS:       startTS,
		rangesLen:        len(req.GetRanges()),
		scanTag:          reqCtx.ScanTag(),
		priStr:           priorityString(req.GetContext().GetPriority()),
	}
	if ranges := req.GetRanges(); len(ranges) > 0 {
		tracker.firstRange = ranges[0]
	}

	coprPendingReqs.WithLabelValues(tracker.scanTag, tracker.priStr).Inc()

	return &RequestTask{
		req:     req,
		copReq:  copReq,
		ctx:     reqCtx,
		sink:    sink,
		tracker: tracker,
	}, nil
}

// checkDAGRecursion bounds the depth of every expression tree in the
// request, mirroring the decoder-level guard of the wire format.
func checkDAGRecursion(dag *tipb.DAGRequest, limit int) error {
	for _, exec := range dag.GetExecutors() {
		var exprs []*tipb.Expr
		if sel := exec.GetSelection(); sel != nil {
			exprs = append(exprs, sel.GetConditions()...)
		}
		if agg := exec.GetAggregation(); agg != nil {
			exprs = append(exprs, agg.GetGroupBy()...)
			exprs = append(exprs, agg.GetAggFunc()...)
		}
		if topN := exec.GetTopN(); topN != nil {
			for _, item := range topN.GetOrderBy() {
				exprs = append(exprs, item.GetExpr())
			}
		}
		for _, expr := range exprs {
			if err := checkExprDepth(expr, limit); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkExprDepth(expr *tipb.Expr, limit int) error {
	if expr == nil {
		return nil
	}
	if limit <= 0 {
		return errors.New("Recursion limit exceeded while decoding expression tree")
	}
	for _, child := range expr.GetChildren() {
		if err := checkExprDepth(child, limit-1); err != nil {
			return err
		}
	}
	return nil
}

// CheckOutdated fails once the request deadline has passed.
func (t *RequestTask) CheckOutdated() error {
	return t.ctx.CheckOutdated()
}

// Priority returns the request priority.
func (t *RequestTask) Priority() kvrpcpb.CommandPri {
	return t.req.GetContext().GetPriority()
}

// SetMaxHandleDuration finalizes the request deadline.
func (t *RequestTask) SetMaxHandleDuration(d time.Duration) {
	t.ctx.SetMaxHandleDuration(d)
}

// requestKey groups requests that one region snapshot can serve.
func (t *RequestTask) requestKey() (uint64, uint64, uint64) {
	ctx := t.req.GetContext()
	return ctx.GetRegionId(), ctx.GetRegionEpoch().GetVersion(), ctx.GetPeer().GetId()
}

func (t *RequestTask) endpointTask() {}

// String implements fmt.Stringer.
func (t *RequestTask) String() string {
	return fmt.Sprintf("request [context %v, tp: %d, ranges: %d (%v)]",
		t.req.GetContext(), t.req.GetTp(), len(t.req.GetRanges()), t.tracker.firstRange)
}
