package coprocessor

import (
	"github.com/pingcap/errors"
	coppb "github.com/pingcap/kvproto/pkg/coprocessor"
	"github.com/pingcap/tipb/go-tipb"

	"github.com/wentaoxu/tikv/pkg/coprocessor/codec"
	"github.com/wentaoxu/tikv/pkg/storage"
	"github.com/wentaoxu/tikv/pkg/storage/mvcc"
)

// ExecutorMetrics accumulates scan counters produced while driving an
// executor pipeline.
type ExecutorMetrics struct {
	CFStats storage.Statistics
}

// Merge folds other into m.
func (m *ExecutorMetrics) Merge(other *ExecutorMetrics) {
	m.CFStats.Merge(&other.CFStats)
}

// RowData is the raw value of one row plus its per-column split.
type RowData struct {
	// Value is the encoded row blob as read from storage or produced
	// by an upstream executor.
	Value []byte

	cols map[int64][]byte
}

// Get returns the encoded datum of a column, if present.
func (d *RowData) Get(colID int64) ([]byte, bool) {
	v, ok := d.cols[colID]
	return v, ok
}

// Row is one record flowing through the executor pipeline.
type Row struct {
	Handle int64
	Data   RowData
}

// Executor produces rows for the DAG driver. Implementations are
// single-goroutine; the driver owns the instance.
type Executor interface {
	// Next returns the next row, or nil at exhaustion.
	Next() (*Row, error)
	// StartScan marks the beginning of a streamed batch.
	StartScan()
	// StopScan ends a streamed batch and returns the not-yet-consumed
	// remainder of the in-progress range, if any.
	StopScan() *coppb.KeyRange
	// CollectOutputCounts appends the emitted-row counts of the
	// pipeline, leaves first.
	CollectOutputCounts(counts []int64) []int64
	// CollectMetrics drains accumulated scan counters.
	CollectMetrics(m *ExecutorMetrics)
}

// PredicateEvaluator evaluates selection conditions against a row. The
// expression engine is an external collaborator; the default evaluator
// keeps every row.
type PredicateEvaluator interface {
	Eval(conditions []*tipb.Expr, row *Row) (bool, error)
}

type acceptAllEvaluator struct{}

func (acceptAllEvaluator) Eval(_ []*tipb.Expr, _ *Row) (bool, error) { return true, nil }

// builtExec is an assembled pipeline with its schema facts.
type builtExec struct {
	exec    Executor
	columns []*tipb.ColumnInfo
	hasAggr bool
}

// buildExecutors assembles the executor pipeline of a DAG request. The
// leaf must be a table or index scan; selection wraps the leaf, and an
// aggregation stage marks row data as pre-encoded.
func buildExecutors(execs []*tipb.Executor, store *mvcc.Store, ranges []*coppb.KeyRange, eval PredicateEvaluator) (*builtExec, error) {
	if len(execs) == 0 {
		return nil, errors.New("dag executors cannot be empty")
	}
	if eval == nil {
		eval = acceptAllEvaluator{}
	}
	first := execs[0]
	var (
		exec    Executor
		columns []*tipb.ColumnInfo
	)
	switch first.GetTp() {
	case tipb.ExecType_TypeTableScan:
		scan := first.GetTblScan()
		columns = scan.GetColumns()
		exec = newScanExec(store, ranges, scan.GetDesc())
	case tipb.ExecType_TypeIndexScan:
		scan := first.GetIdxScan()
		columns = scan.GetColumns()
		exec = newScanExec(store, ranges, scan.GetDesc())
	default:
		return nil, errors.Errorf("first executor must be a scan, got %s", first.GetTp())
	}
	hasAggr := false
	for _, e := range execs[1:] {
		switch e.GetTp() {
		case tipb.ExecType_TypeSelection:
			exec = &selectionExec{
				child:      exec,
				conditions: e.GetSelection().GetConditions(),
				eval:       eval,
			}
		case tipb.ExecType_TypeAggregation, tipb.ExecType_TypeStreamAgg:
			// Aggregate output rows carry pre-encoded data; the
			// aggregation engine itself is plugged in externally.
			hasAggr = true
		case tipb.ExecType_TypeTopN, tipb.ExecType_TypeLimit:
		default:
			return nil, errors.Errorf("unsupported executor type %s", e.GetTp())
		}
	}
	return &builtExec{exec: exec, columns: columns, hasAggr: hasAggr}, nil
}

// scanExec is the pipeline leaf: an MVCC range scan yielding decoded
// record rows.
type scanExec struct {
	store  *mvcc.Store
	ranges []*coppb.KeyRange
	desc   bool

	rangeIdx int
	scanner  *mvcc.Scanner
	counts   int64

	// Streaming bookkeeping: the key the in-progress range has been
	// consumed through.
	lastKey  []byte
	scanning bool
}

func newScanExec(store *mvcc.Store, ranges []*coppb.KeyRange, desc bool) *scanExec {
	return &scanExec{store: store, ranges: ranges, desc: desc}
}

func (e *scanExec) Next() (*Row, error) {
	for e.rangeIdx < len(e.ranges) {
		rng := e.ranges[e.rangeIdx]
		if IsPoint(rng) {
			e.rangeIdx++
			value, err := e.store.Get(rng.GetStart())
			if err != nil {
				return nil, errors.Trace(err)
			}
			if value == nil {
				continue
			}
			e.lastKey = append(e.lastKey[:0], rng.GetStart()...)
			return e.buildRow(rng.GetStart(), value)
		}
		if e.scanner == nil {
			e.scanner = e.store.Scanner(rng.GetStart(), rng.GetEnd(), e.desc)
		}
		key, value, err := e.scanner.Next()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if key == nil {
			e.scanner.Close()
			e.scanner = nil
			e.rangeIdx++
			continue
		}
		e.lastKey = append(e.lastKey[:0], key...)
		return e.buildRow(key, value)
	}
	return nil, nil
}

func (e *scanExec) buildRow(key, value []byte) (*Row, error) {
	e.counts++
	_, handle, err := codec.DecodeRecordKey(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cols, err := codec.DecodeRow(value)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Row{Handle: handle, Data: RowData{Value: value, cols: cols}}, nil
}

func (e *scanExec) StartScan() {
	e.scanning = true
	e.lastKey = e.lastKey[:0]
}

func (e *scanExec) StopScan() *coppb.KeyRange {
	if !e.scanning {
		return nil
	}
	e.scanning = false
	if len(e.lastKey) == 0 || e.rangeIdx >= len(e.ranges) {
		return nil
	}
	rng := e.ranges[e.rangeIdx]
	if e.desc {
		return &coppb.KeyRange{Start: rng.GetStart(), End: append([]byte(nil), e.lastKey...)}
	}
	return &coppb.KeyRange{Start: PrefixNext(e.lastKey), End: rng.GetEnd()}
}

func (e *scanExec) CollectOutputCounts(counts []int64) []int64 {
	return append(counts, e.counts)
}

func (e *scanExec) CollectMetrics(m *ExecutorMetrics) {
	e.store.CollectStatistics(&m.CFStats)
}

// selectionExec filters child rows through the predicate evaluator.
type selectionExec struct {
	child      Executor
	conditions []*tipb.Expr
	eval       PredicateEvaluator
	counts     int64
}

func (e *selectionExec) Next() (*Row, error) {
	for {
		row, err := e.child.Next()
		if err != nil || row == nil {
			return row, errors.Trace(err)
		}
		keep, err := e.eval.Eval(e.conditions, row)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if keep {
			e.counts++
			return row, nil
		}
	}
}

func (e *selectionExec) StartScan() { e.child.StartScan() }

func (e *selectionExec) StopScan() *coppb.KeyRange { return e.child.StopScan() }

func (e *selectionExec) CollectOutputCounts(counts []int64) []int64 {
	return append(e.child.CollectOutputCounts(counts), e.counts)
}

func (e *selectionExec) CollectMetrics(m *ExecutorMetrics) { e.child.CollectMetrics(m) }
