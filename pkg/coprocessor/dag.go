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

// DAGContext drives one DAG request against a snapshot, either into a
// single batched response or as a resumable stream of chunks.
type DAGContext struct {
	columns       []*tipb.ColumnInfo
	hasAggr       bool
	reqCtx        *ReqContext
	exec          Executor
	outputOffsets []uint32
}

// NewDAGContext builds the executor pipeline for a request.
func NewDAGContext(dag *tipb.DAGRequest, ranges []*coppb.KeyRange, snap storage.Snapshot, reqCtx *ReqContext, eval PredicateEvaluator) (*DAGContext, error) {
	store := mvcc.NewStore(snap, dag.GetStartTs(), reqCtx.IsolationLevel, reqCtx.FillCache)
	built, err := buildExecutors(dag.GetExecutors(), store, ranges, eval)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &DAGContext{
		columns:       built.columns,
		hasAggr:       built.hasAggr,
		reqCtx:        reqCtx,
		exec:          built.exec,
		outputOffsets: dag.GetOutputOffsets(),
	}, nil
}

// HandleRequest pulls the executor to exhaustion, splitting rows into
// chunks of at most batchRowLimit rows, and returns the batched
// response.
func (ctx *DAGContext) HandleRequest(batchRowLimit int) (*coppb.Response, error) {
	var (
		chunks    []tipb.Chunk
		recordCnt int
	)
	for {
		row, err := ctx.exec.Next()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if row == nil {
			selResp := &tipb.SelectResponse{Chunks: chunks}
			selResp.OutputCounts = ctx.exec.CollectOutputCounts(selResp.OutputCounts)
			data, err := proto.Marshal(selResp)
			if err != nil {
				return nil, errors.Trace(err)
			}
			return &coppb.Response{Data: data}, nil
		}
		if err := ctx.reqCtx.CheckOutdated(); err != nil {
			return nil, err
		}
		if len(chunks) == 0 || recordCnt >= batchRowLimit {
			chunks = append(chunks, tipb.Chunk{})
			recordCnt = 0
		}
		chunk := &chunks[len(chunks)-1]
		recordCnt++
		if err := ctx.appendRow(chunk, row); err != nil {
			return nil, err
		}
	}
}

// HandleStreamingRequest pulls at most batchRowLimit rows into one
// chunk and reports whether the executor is exhausted. An empty pull
// yields no response and finishes the stream.
func (ctx *DAGContext) HandleStreamingRequest(batchRowLimit int) (*coppb.Response, bool, error) {
	var (
		chunk     tipb.Chunk
		recordCnt int
		finished  bool
	)
	ctx.exec.StartScan()
	for recordCnt < batchRowLimit {
		row, err := ctx.exec.Next()
		if err != nil {
			return nil, false, errors.Trace(err)
		}
		if row == nil {
			finished = true
			break
		}
		recordCnt++
		if err := ctx.appendRow(&chunk, row); err != nil {
			return nil, false, err
		}
	}
	if recordCnt > 0 {
		rng := ctx.exec.StopScan()
		resp, err := ctx.makeStreamResponse(chunk, rng)
		if err != nil {
			return nil, false, err
		}
		return resp, finished, nil
	}
	return nil, true, nil
}

func (ctx *DAGContext) appendRow(chunk *tipb.Chunk, row *Row) error {
	if ctx.hasAggr {
		chunk.RowsData = append(chunk.RowsData, row.Data.Value...)
		return nil
	}
	value, err := inflateColumns(row, ctx.columns, ctx.outputOffsets)
	if err != nil {
		return err
	}
	chunk.RowsData = append(chunk.RowsData, value...)
	return nil
}

func (ctx *DAGContext) makeStreamResponse(chunk tipb.Chunk, rng *coppb.KeyRange) (*coppb.Response, error) {
	chunkData, err := proto.Marshal(&chunk)
	if err != nil {
		return nil, errors.Trace(err)
	}
	streamResp := &tipb.StreamResponse{
		EncodeType: tipb.EncodeType_TypeDefault,
	}
	streamResp.Data = append(streamResp.Data, chunkData...)
	streamResp.OutputCounts = ctx.exec.CollectOutputCounts(streamResp.OutputCounts)
	data, err := proto.Marshal(streamResp)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp := &coppb.Response{Data: data}
	if rng != nil {
		resp.Range = rng
	}
	return resp, nil
}

// CollectMetricsInto drains executor scan counters.
func (ctx *DAGContext) CollectMetricsInto(m *ExecutorMetrics) {
	ctx.exec.CollectMetrics(m)
}

// inflateColumns materializes one datum per output offset from the row,
// falling back to the primary-key handle, the column default, or an
// explicit null.
func inflateColumns(row *Row, cols []*tipb.ColumnInfo, outputOffsets []uint32) ([]byte, error) {
	values := make([]byte, 0, len(row.Data.Value))
	for _, offset := range outputOffsets {
		if int(offset) >= len(cols) {
			return nil, errors.Errorf("output offset %d out of range (%d columns)", offset, len(cols))
		}
		col := cols[offset]
		colID := col.GetColumnId()
		raw, ok := row.Data.Get(colID)
		switch {
		case ok:
			values = append(values, raw...)
		case col.GetPkHandle():
			var err error
			values, err = codec.EncodeValue(values, GetPK(col, row.Handle))
			if err != nil {
				return nil, errors.Trace(err)
			}
		case len(col.GetDefaultVal()) > 0:
			values = append(values, col.GetDefaultVal()...)
		case codec.HasNotNullFlag(uint64(col.GetFlag())):
			return nil, errors.Errorf("column %d of %d is missing", colID, row.Handle)
		default:
			var err error
			values, err = codec.EncodeValue(values, codec.NewNullDatum())
			if err != nil {
				return nil, errors.Trace(err)
			}
		}
	}
	return values, nil
}
