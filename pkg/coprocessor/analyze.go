package coprocessor

import (
	"github.com/gogo/protobuf/proto"
	"github.com/pingcap/errors"
	coppb "github.com/pingcap/kvproto/pkg/coprocessor"
	"github.com/pingcap/tipb/go-tipb"

	"github.com/wentaoxu/tikv/pkg/coprocessor/codec"
	"github.com/wentaoxu/tikv/pkg/storage"
	"github.com/wentaoxu/tikv/pkg/storage/mvcc"
)

// AnalyzeContext executes a statistics-sampling request. The sampling
// here is the plain first-N collector; richer sketches plug in at the
// statistics layer above.
type AnalyzeContext struct {
	req    *tipb.AnalyzeReq
	ranges []*coppb.KeyRange
	store  *mvcc.Store
	reqCtx *ReqContext
}

// NewAnalyzeContext builds the execution context for an analyze
// request.
func NewAnalyzeContext(req *tipb.AnalyzeReq, ranges []*coppb.KeyRange, snap storage.Snapshot, reqCtx *ReqContext) *AnalyzeContext {
	store := mvcc.NewStore(snap, req.GetStartTs(), reqCtx.IsolationLevel, reqCtx.FillCache)
	return &AnalyzeContext{req: req, ranges: ranges, store: store, reqCtx: reqCtx}
}

// HandleRequest runs the sampling pass and serializes the response.
func (ctx *AnalyzeContext) HandleRequest(metrics *ExecutorMetrics) (*coppb.Response, error) {
	var (
		data []byte
		err  error
	)
	switch ctx.req.GetTp() {
	case tipb.AnalyzeType_TypeColumn:
		data, err = ctx.analyzeColumns()
	case tipb.AnalyzeType_TypeIndex:
		data, err = ctx.analyzeIndex()
	default:
		err = errors.Errorf("unsupported analyze type %v", ctx.req.GetTp())
	}
	ctx.store.CollectStatistics(&metrics.CFStats)
	if err != nil {
		return nil, err
	}
	return &coppb.Response{Data: data}, nil
}

func (ctx *AnalyzeContext) analyzeColumns() ([]byte, error) {
	colReq := ctx.req.GetColReq()
	cols := colReq.GetColumnsInfo()
	sampleLimit := int(colReq.GetSampleSize())
	collectors := make([]*tipb.SampleCollector, len(cols))
	for i := range collectors {
		collectors[i] = &tipb.SampleCollector{}
	}

	err := ctx.scanRows(func(row *Row) error {
		if err := ctx.reqCtx.CheckOutdated(); err != nil {
			return err
		}
		for i, col := range cols {
			collector := collectors[i]
			collector.Count++
			var value []byte
			if raw, ok := row.Data.Get(col.GetColumnId()); ok {
				value = raw
			} else if col.GetPkHandle() {
				var err error
				value, err = codec.EncodeValue(nil, GetPK(col, row.Handle))
				if err != nil {
					return errors.Trace(err)
				}
			} else {
				collector.NullCount++
				continue
			}
			if sampleLimit <= 0 || len(collector.Samples) < sampleLimit {
				collector.Samples = append(collector.Samples, append([]byte(nil), value...))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	resp := &tipb.AnalyzeColumnsResp{Collectors: collectors}
	data, err := proto.Marshal(resp)
	return data, errors.Trace(err)
}

func (ctx *AnalyzeContext) analyzeIndex() ([]byte, error) {
	hist := &tipb.Histogram{}
	var (
		count   int64
		lower   []byte
		upper   []byte
		lastKey []byte
	)
	for _, rng := range ctx.ranges {
		scanner := ctx.store.Scanner(rng.GetStart(), rng.GetEnd(), false)
		for {
			key, _, err := scanner.Next()
			if err != nil {
				scanner.Close()
				return nil, err
			}
			if key == nil {
				break
			}
			if err := ctx.reqCtx.CheckOutdated(); err != nil {
				scanner.Close()
				return nil, err
			}
			if count == 0 {
				lower = append([]byte(nil), key...)
			}
			lastKey = append(lastKey[:0], key...)
			count++
			hist.Ndv++
		}
		scanner.Close()
	}
	if count > 0 {
		upper = append([]byte(nil), lastKey...)
		hist.Buckets = append(hist.Buckets, &tipb.Bucket{
			Count:      count,
			LowerBound: lower,
			UpperBound: upper,
			Repeats:    1,
		})
	}
	resp := &tipb.AnalyzeIndexResp{Hist: hist}
	data, err := proto.Marshal(resp)
	return data, errors.Trace(err)
}

// scanRows walks every visible record row in the request ranges.
func (ctx *AnalyzeContext) scanRows(fn func(row *Row) error) error {
	exec := newScanExec(ctx.store, ctx.ranges, false)
	for {
		row, err := exec.Next()
		if err != nil {
			return errors.Trace(err)
		}
		if row == nil {
			return nil
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}
