package coprocessor

import (
	"testing"
	"time"

	"github.com/gogo/protobuf/proto"
	coppb "github.com/pingcap/kvproto/pkg/coprocessor"
	"github.com/pingcap/kvproto/pkg/errorpb"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/tipb/go-tipb"
	"github.com/stretchr/testify/require"

	"github.com/wentaoxu/tikv/pkg/config"
	"github.com/wentaoxu/tikv/pkg/coprocessor/codec"
	"github.com/wentaoxu/tikv/pkg/storage"
	"github.com/wentaoxu/tikv/pkg/storage/mvcc"
	"github.com/wentaoxu/tikv/pkg/util/worker"
)

const testTableID = 1

type testEndpoint struct {
	engine *storage.MockEngine
	worker *worker.Worker[Task]
	host   *Host
}

func startTestEndpoint(t *testing.T, engine *storage.MockEngine, batchSize int, mut func(*config.EndpointConfig)) *testEndpoint {
	t.Helper()
	cfg := config.DefaultConfig().Endpoint
	cfg.Concurrency = 1
	if mut != nil {
		mut(&cfg)
	}
	w := worker.New[Task]("endpoint-test", 4096, batchSize)
	host := NewHost(engine, w.Scheduler(), &cfg, nil)
	w.Start(host)
	t.Cleanup(func() {
		w.Stop()
		host.Close()
	})
	return &testEndpoint{engine: engine, worker: w, host: host}
}

func (ep *testEndpoint) submit(t *testing.T, task *RequestTask) {
	t.Helper()
	require.NoError(t, ep.worker.Scheduler().Schedule(task))
}

// seedTableRows commits rows rows of (pk handle, one int column) into
// the engine at commit ts 2.
func seedTableRows(t *testing.T, engine *storage.MockEngine, rows int) {
	t.Helper()
	for handle := 0; handle < rows; handle++ {
		rowVal, err := codec.EncodeRow(
			[]int64{2}, []codec.Datum{codec.NewIntDatum(int64(handle * 10))})
		require.NoError(t, err)
		key := codec.EncodeRecordKey(testTableID, int64(handle))
		write := &mvcc.Write{Type: mvcc.WritePut, StartTS: 1, ShortValue: rowVal}
		engine.Put(storage.CFWrite, mvcc.EncodeKey(key, 2), write.Encode())
	}
}

func testColumns() []*tipb.ColumnInfo {
	return []*tipb.ColumnInfo{
		{ColumnId: 1, PkHandle: true},
		{ColumnId: 2},
	}
}

func tableScanRequest(t *testing.T, regionID uint64, pri kvrpcpb.CommandPri) *coppb.Request {
	t.Helper()
	dag := &tipb.DAGRequest{
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
	data, err := proto.Marshal(dag)
	require.NoError(t, err)
	start, end := codec.TableRecordRange(testTableID)
	return &coppb.Request{
		Tp:   ReqTypeDAG,
		Data: data,
		Context: &kvrpcpb.Context{
			RegionId: regionID,
			Priority: pri,
		},
		Ranges: []*coppb.KeyRange{{Start: start, End: end}},
	}
}

// chunkRows counts rows in a chunk; every row inflates to one datum per
// output offset.
func chunkRows(t *testing.T, rowsData []byte, columns int) int {
	t.Helper()
	datums, err := codec.Decode(rowsData)
	require.NoError(t, err)
	require.Zero(t, len(datums)%columns)
	return len(datums) / columns
}

func TestRequestOutdated(t *testing.T) {
	ep := startTestEndpoint(t, storage.NewMockEngine(), 30, func(cfg *config.EndpointConfig) {
		cfg.RequestMaxHandleDuration = config.NewDuration(0)
	})

	req := &coppb.Request{Tp: ReqTypeDAG, Context: &kvrpcpb.Context{}}
	ch := make(chan *coppb.Response, 1)
	task, err := NewRequestTask(req, NewUnarySink(func(resp *coppb.Response) { ch <- resp }), 1000)
	require.NoError(t, err)
	ep.submit(t, task)

	select {
	case resp := <-ch:
		require.Equal(t, OutdatedErrorMsg, resp.GetOtherError())
	case <-time.After(3 * time.Second):
		t.Fatal("no response within 3s")
	}
}

func TestTooManyRequests(t *testing.T) {
	ep := startTestEndpoint(t, storage.NewMockEngine(), 5, nil)
	ep.host.SetMaxRunningTasks(1)

	const total = 120
	ch := make(chan *coppb.Response, total)
	for pos := 0; pos < total; pos++ {
		var pri kvrpcpb.CommandPri
		switch pos % 3 {
		case 0:
			pri = kvrpcpb.CommandPri_Low
		case 1:
			pri = kvrpcpb.CommandPri_Normal
		default:
			pri = kvrpcpb.CommandPri_High
		}
		req := tableScanRequest(t, 0, pri)
		task, err := NewRequestTask(req, NewUnarySink(func(resp *coppb.Response) {
			time.Sleep(100 * time.Millisecond)
			ch <- resp
		}), 1000)
		require.NoError(t, err)
		ep.submit(t, task)
	}

	for i := 0; i < total; i++ {
		select {
		case resp := <-ch:
			if resp.GetRegionError() == nil {
				continue
			}
			busy := resp.GetRegionError().GetServerIsBusy()
			require.NotNil(t, busy)
			require.Equal(t, endpointIsBusy, busy.GetReason())
			return
		case <-time.After(3 * time.Second):
			t.Fatal("no response within 3s")
		}
	}
	t.Fatal("expected at least one server-is-busy response")
}

func TestUnaryChunking(t *testing.T) {
	engine := storage.NewMockEngine()
	seedTableRows(t, engine, 130)
	ep := startTestEndpoint(t, engine, 30, func(cfg *config.EndpointConfig) {
		cfg.BatchRowLimit = 50
	})

	ch := make(chan *coppb.Response, 1)
	task, err := NewRequestTask(tableScanRequest(t, 1, kvrpcpb.CommandPri_Normal),
		NewUnarySink(func(resp *coppb.Response) { ch <- resp }), 1000)
	require.NoError(t, err)
	ep.submit(t, task)

	var resp *coppb.Response
	select {
	case resp = <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("no response within 3s")
	}
	require.Empty(t, resp.GetOtherError())
	require.Nil(t, resp.GetRegionError())

	selResp := &tipb.SelectResponse{}
	require.NoError(t, proto.Unmarshal(resp.GetData(), selResp))
	require.Len(t, selResp.Chunks, 3)
	require.Equal(t, 50, chunkRows(t, selResp.Chunks[0].RowsData, 2))
	require.Equal(t, 50, chunkRows(t, selResp.Chunks[1].RowsData, 2))
	require.Equal(t, 30, chunkRows(t, selResp.Chunks[2].RowsData, 2))
	require.Equal(t, []int64{130}, selResp.OutputCounts)

	require.Eventually(t, func() bool { return ep.host.RunningTaskCount() == 0 },
		time.Second, 10*time.Millisecond)
}

// streamCollector is a stream sink that closes its channel once the
// stream finishes.
type streamCollector struct {
	ch chan *coppb.Response
}

func (c *streamCollector) Respond(resp *coppb.Response) {
	c.ch <- resp
	close(c.ch)
}

func (c *streamCollector) RespondStream(s *ResumableStream) {
	go func() {
		defer close(c.ch)
		for {
			resp, finished := s.Next()
			if resp != nil {
				c.ch <- resp
			}
			if finished {
				return
			}
		}
	}()
}

func (c *streamCollector) IsStreaming() bool { return true }

func TestStreamingChunks(t *testing.T) {
	engine := storage.NewMockEngine()
	seedTableRows(t, engine, 250)
	ep := startTestEndpoint(t, engine, 30, func(cfg *config.EndpointConfig) {
		cfg.StreamBatchRowLimit = 64
	})

	collector := &streamCollector{ch: make(chan *coppb.Response, 8)}
	task, err := NewRequestTask(tableScanRequest(t, 1, kvrpcpb.CommandPri_Normal), collector, 1000)
	require.NoError(t, err)
	ep.submit(t, task)

	var (
		sizes  []int
		concat []byte
		ranges []*coppb.KeyRange
	)
	deadline := time.After(3 * time.Second)
	for {
		var (
			resp *coppb.Response
			ok   bool
		)
		select {
		case resp, ok = <-collector.ch:
		case <-deadline:
			t.Fatal("stream did not finish within 3s")
		}
		if !ok {
			break
		}
		require.Empty(t, resp.GetOtherError())
		streamResp := &tipb.StreamResponse{}
		require.NoError(t, proto.Unmarshal(resp.GetData(), streamResp))
		require.Equal(t, tipb.EncodeType_TypeDefault, streamResp.GetEncodeType())
		chunk := &tipb.Chunk{}
		require.NoError(t, proto.Unmarshal(streamResp.Data, chunk))
		sizes = append(sizes, chunkRows(t, chunk.RowsData, 2))
		concat = append(concat, chunk.RowsData...)
		ranges = append(ranges, resp.GetRange())
	}
	require.Equal(t, []int{64, 64, 64, 58}, sizes)
	for i, rng := range ranges[:len(ranges)-1] {
		require.NotNil(t, rng, "intermediate chunk %d should carry a resume range", i)
	}
	require.Nil(t, ranges[len(ranges)-1], "exhausted stream reports no remaining range")

	// Concatenated stream chunks must equal the unary result.
	ch := make(chan *coppb.Response, 1)
	task, err = NewRequestTask(tableScanRequest(t, 1, kvrpcpb.CommandPri_Normal),
		NewUnarySink(func(resp *coppb.Response) { ch <- resp }), 1000)
	require.NoError(t, err)
	ep.submit(t, task)
	resp := <-ch
	selResp := &tipb.SelectResponse{}
	require.NoError(t, proto.Unmarshal(resp.GetData(), selResp))
	var unary []byte
	for _, chunk := range selResp.Chunks {
		unary = append(unary, chunk.RowsData...)
	}
	require.Equal(t, unary, concat)
}

func TestStreamingEmptyFirstPull(t *testing.T) {
	engine := storage.NewMockEngine()
	ep := startTestEndpoint(t, engine, 30, nil)

	collector := &streamCollector{ch: make(chan *coppb.Response, 1)}
	task, err := NewRequestTask(tableScanRequest(t, 1, kvrpcpb.CommandPri_Normal), collector, 1000)
	require.NoError(t, err)
	ep.submit(t, task)

	select {
	case resp, ok := <-collector.ch:
		require.False(t, ok, "empty stream should finish without chunks, got %v", resp)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not finish within 3s")
	}
}

func TestBatchSnapshotRetry(t *testing.T) {
	engine := storage.NewMockEngine()
	seedTableRows(t, engine, 10)
	engine.MissBatchSnapshot(2, 1)
	ep := startTestEndpoint(t, engine, 30, nil)

	ch := make(chan *coppb.Response, 3)
	for _, regionID := range []uint64{1, 1, 2} {
		task, err := NewRequestTask(tableScanRequest(t, regionID, kvrpcpb.CommandPri_Normal),
			NewUnarySink(func(resp *coppb.Response) { ch <- resp }), 1000)
		require.NoError(t, err)
		ep.submit(t, task)
	}

	for i := 0; i < 3; i++ {
		select {
		case resp := <-ch:
			require.Empty(t, resp.GetOtherError())
			require.Nil(t, resp.GetRegionError())
		case <-time.After(3 * time.Second):
			t.Fatal("missing response within 3s")
		}
	}
	require.Eventually(t, func() bool { return ep.host.RunningTaskCount() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestSnapshotRegionError(t *testing.T) {
	engine := storage.NewMockEngine()
	engine.FailRegion(4, &errorpb.Error{Message: "region moved"})
	ep := startTestEndpoint(t, engine, 30, nil)

	ch := make(chan *coppb.Response, 1)
	task, err := NewRequestTask(tableScanRequest(t, 4, kvrpcpb.CommandPri_Normal),
		NewUnarySink(func(resp *coppb.Response) { ch <- resp }), 1000)
	require.NoError(t, err)
	ep.submit(t, task)

	select {
	case resp := <-ch:
		require.NotNil(t, resp.GetRegionError())
		require.Equal(t, "region moved", resp.GetRegionError().GetMessage())
	case <-time.After(3 * time.Second):
		t.Fatal("no response within 3s")
	}
	require.Eventually(t, func() bool { return ep.host.RunningTaskCount() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestChecksumRequest(t *testing.T) {
	engine := storage.NewMockEngine()
	seedTableRows(t, engine, 5)
	ep := startTestEndpoint(t, engine, 30, nil)

	checksum := &tipb.ChecksumRequest{
		StartTs:   10,
		ScanOn:    tipb.ChecksumScanOn_Table,
		Algorithm: tipb.ChecksumAlgorithm_Crc64_Xor,
	}
	data, err := proto.Marshal(checksum)
	require.NoError(t, err)
	start, end := codec.TableRecordRange(testTableID)
	req := &coppb.Request{
		Tp:      ReqTypeChecksum,
		Data:    data,
		Context: &kvrpcpb.Context{RegionId: 1},
		Ranges:  []*coppb.KeyRange{{Start: start, End: end}},
	}

	ch := make(chan *coppb.Response, 1)
	task, err := NewRequestTask(req, NewUnarySink(func(resp *coppb.Response) { ch <- resp }), 1000)
	require.NoError(t, err)
	ep.submit(t, task)

	select {
	case resp := <-ch:
		require.Empty(t, resp.GetOtherError())
		checksumResp := &tipb.ChecksumResponse{}
		require.NoError(t, proto.Unmarshal(resp.GetData(), checksumResp))
		require.Equal(t, uint64(5), checksumResp.TotalKvs)
		require.NotZero(t, checksumResp.Checksum)
	case <-time.After(3 * time.Second):
		t.Fatal("no response within 3s")
	}
}

func TestAnalyzeColumnsRequest(t *testing.T) {
	engine := storage.NewMockEngine()
	seedTableRows(t, engine, 5)
	ep := startTestEndpoint(t, engine, 30, nil)

	analyze := &tipb.AnalyzeReq{
		Tp:      tipb.AnalyzeType_TypeColumn,
		StartTs: 10,
		ColReq: &tipb.AnalyzeColumnsReq{
			SampleSize:  3,
			ColumnsInfo: testColumns(),
		},
	}
	data, err := proto.Marshal(analyze)
	require.NoError(t, err)
	start, end := codec.TableRecordRange(testTableID)
	req := &coppb.Request{
		Tp:      ReqTypeAnalyze,
		Data:    data,
		Context: &kvrpcpb.Context{RegionId: 1},
		Ranges:  []*coppb.KeyRange{{Start: start, End: end}},
	}

	ch := make(chan *coppb.Response, 1)
	task, err := NewRequestTask(req, NewUnarySink(func(resp *coppb.Response) { ch <- resp }), 1000)
	require.NoError(t, err)
	ep.submit(t, task)

	select {
	case resp := <-ch:
		require.Empty(t, resp.GetOtherError())
		analyzeResp := &tipb.AnalyzeColumnsResp{}
		require.NoError(t, proto.Unmarshal(resp.GetData(), analyzeResp))
		require.Len(t, analyzeResp.Collectors, 2)
		for _, collector := range analyzeResp.Collectors {
			require.Equal(t, int64(5), collector.Count)
			require.Len(t, collector.Samples, 3)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no response within 3s")
	}
}

func TestExecDetailsOnRequest(t *testing.T) {
	engine := storage.NewMockEngine()
	seedTableRows(t, engine, 4)
	ep := startTestEndpoint(t, engine, 30, nil)

	req := tableScanRequest(t, 1, kvrpcpb.CommandPri_Normal)
	req.Context.HandleTime = true
	req.Context.ScanDetail = true

	ch := make(chan *coppb.Response, 1)
	task, err := NewRequestTask(req, NewUnarySink(func(resp *coppb.Response) { ch <- resp }), 1000)
	require.NoError(t, err)
	ep.submit(t, task)

	select {
	case resp := <-ch:
		details := resp.GetExecDetails()
		require.NotNil(t, details)
		require.NotNil(t, details.GetHandleTime())
		require.NotNil(t, details.GetScanDetail())
		require.Equal(t, int64(4), details.GetScanDetail().GetWrite().GetTotal())
	case <-time.After(3 * time.Second):
		t.Fatal("no response within 3s")
	}
}
