package coprocessor

import (
	"testing"
	"time"

	"github.com/gogo/protobuf/proto"
	coppb "github.com/pingcap/kvproto/pkg/coprocessor"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/tipb/go-tipb"
	"github.com/stretchr/testify/require"

	"github.com/wentaoxu/tikv/pkg/coprocessor/codec"
	"github.com/wentaoxu/tikv/pkg/storage"
)

func testSnapshot(t *testing.T, engine *storage.MockEngine) storage.Snapshot {
	t.Helper()
	done := make(chan storage.Snapshot, 1)
	require.NoError(t, engine.Snapshot(&kvrpcpb.Context{}, func(snap storage.Snapshot, err error) {
		require.NoError(t, err)
		done <- snap
	}))
	return <-done
}

func testDAG() *tipb.DAGRequest {
	return &tipb.DAGRequest{
		StartTs: 10,
		Executors: []*tipb.Executor{{
			Tp: tipb.ExecType_TypeTableScan,
			TblScan: &tipb.TableScan{
				TableId: testTableID,
				Columns: testColumns(),
			},
		}},
		OutputOffsets: []uint32{0, 1},
	}
}

func fullTableRanges() []*coppb.KeyRange {
	start, end := codec.TableRecordRange(testTableID)
	return []*coppb.KeyRange{{Start: start, End: end}}
}

func freshReqContext() *ReqContext {
	now := time.Now()
	return &ReqContext{
		StartTime:      now,
		Deadline:       now.Add(time.Minute),
		IsolationLevel: kvrpcpb.IsolationLevel_SI,
		FillCache:      true,
		TableScan:      true,
	}
}

func TestDAGDeadlineBetweenRows(t *testing.T) {
	engine := storage.NewMockEngine()
	seedTableRows(t, engine, 3)
	snap := testSnapshot(t, engine)

	reqCtx := freshReqContext()
	reqCtx.Deadline = reqCtx.StartTime
	ctx, err := NewDAGContext(testDAG(), fullTableRanges(), snap, reqCtx, nil)
	require.NoError(t, err)

	_, err = ctx.HandleRequest(64)
	require.Error(t, err)
	_, ok := err.(*OutdatedError)
	require.True(t, ok, "want OutdatedError, got %v", err)
}

type oddHandleEvaluator struct{}

func (oddHandleEvaluator) Eval(_ []*tipb.Expr, row *Row) (bool, error) {
	return row.Handle%2 == 1, nil
}

func TestSelectionFiltersAndCounts(t *testing.T) {
	engine := storage.NewMockEngine()
	seedTableRows(t, engine, 6)
	snap := testSnapshot(t, engine)

	dag := testDAG()
	dag.Executors = append(dag.Executors, &tipb.Executor{
		Tp:        tipb.ExecType_TypeSelection,
		Selection: &tipb.Selection{},
	})
	ctx, err := NewDAGContext(dag, fullTableRanges(), snap, freshReqContext(), oddHandleEvaluator{})
	require.NoError(t, err)

	resp, err := ctx.HandleRequest(64)
	require.NoError(t, err)
	selResp := &tipb.SelectResponse{}
	require.NoError(t, proto.Unmarshal(resp.GetData(), selResp))
	require.Len(t, selResp.Chunks, 1)
	require.Equal(t, 3, chunkRows(t, selResp.Chunks[0].RowsData, 2))
	// Leaf first, then the selection.
	require.Equal(t, []int64{6, 3}, selResp.OutputCounts)
}

func TestInflateColumns(t *testing.T) {
	cols := []*tipb.ColumnInfo{
		{ColumnId: 1, PkHandle: true},
		{ColumnId: 2},
		{ColumnId: 3, DefaultVal: mustEncodeDatum(t, codec.NewIntDatum(99))},
		{ColumnId: 4},
	}
	rowVal, err := codec.EncodeRow([]int64{2}, []codec.Datum{codec.NewIntDatum(5)})
	require.NoError(t, err)
	colMap, err := codec.DecodeRow(rowVal)
	require.NoError(t, err)
	row := &Row{Handle: 7, Data: RowData{Value: rowVal, cols: colMap}}

	out, err := inflateColumns(row, cols, []uint32{0, 1, 2, 3})
	require.NoError(t, err)
	datums, err := codec.Decode(out)
	require.NoError(t, err)
	require.Len(t, datums, 4)
	require.Equal(t, int64(7), datums[0].I)
	require.Equal(t, int64(5), datums[1].I)
	require.Equal(t, int64(99), datums[2].I)
	require.Equal(t, codec.KindNull, datums[3].Kind)
}

func TestInflateColumnsNotNull(t *testing.T) {
	cols := []*tipb.ColumnInfo{
		{ColumnId: 9, Flag: int32(codec.NotNullFlag)},
	}
	row := &Row{Handle: 3, Data: RowData{}}
	_, err := inflateColumns(row, cols, []uint32{0})
	require.Error(t, err)
	require.Contains(t, err.Error(), "column 9 of 3 is missing")
}

func mustEncodeDatum(t *testing.T, d codec.Datum) []byte {
	t.Helper()
	out, err := codec.EncodeValue(nil, d)
	require.NoError(t, err)
	return out
}
