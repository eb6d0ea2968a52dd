package coprocessor

import (
	"hash/crc64"

	"github.com/gogo/protobuf/proto"
	"github.com/pingcap/errors"
	coppb "github.com/pingcap/kvproto/pkg/coprocessor"
	"github.com/pingcap/tipb/go-tipb"

	"github.com/wentaoxu/tikv/pkg/storage"
	"github.com/wentaoxu/tikv/pkg/storage/mvcc"
)

var crcTable = crc64.MakeTable(crc64.ECMA)

// ChecksumContext executes a checksum request over the snapshot ranges.
type ChecksumContext struct {
	req    *tipb.ChecksumRequest
	ranges []*coppb.KeyRange
	store  *mvcc.Store
	reqCtx *ReqContext
}

// NewChecksumContext builds the execution context for a checksum
// request.
func NewChecksumContext(req *tipb.ChecksumRequest, ranges []*coppb.KeyRange, snap storage.Snapshot, reqCtx *ReqContext) *ChecksumContext {
	store := mvcc.NewStore(snap, req.GetStartTs(), reqCtx.IsolationLevel, reqCtx.FillCache)
	return &ChecksumContext{req: req, ranges: ranges, store: store, reqCtx: reqCtx}
}

// HandleRequest computes the crc64-xor checksum of all visible pairs in
// the ranges.
func (ctx *ChecksumContext) HandleRequest(metrics *ExecutorMetrics) (*coppb.Response, error) {
	if ctx.req.GetAlgorithm() != tipb.ChecksumAlgorithm_Crc64_Xor {
		return nil, errors.Errorf("unknown checksum algorithm %v", ctx.req.GetAlgorithm())
	}
	resp := &tipb.ChecksumResponse{}
	for _, rng := range ctx.ranges {
		scanner := ctx.store.Scanner(rng.GetStart(), rng.GetEnd(), false)
		for {
			key, value, err := scanner.Next()
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
			digest := crc64.New(crcTable)
			digest.Write(key)
			digest.Write(value)
			resp.Checksum ^= digest.Sum64()
			resp.TotalKvs++
			resp.TotalBytes += uint64(len(key) + len(value))
		}
		scanner.Close()
	}
	ctx.store.CollectStatistics(&metrics.CFStats)
	data, err := proto.Marshal(resp)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &coppb.Response{Data: data}, nil
}
