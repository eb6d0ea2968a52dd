package coprocessor

import (
	"fmt"
	"time"

	"github.com/pingcap/errors"
	coppb "github.com/pingcap/kvproto/pkg/coprocessor"
	"github.com/pingcap/kvproto/pkg/errorpb"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/wentaoxu/tikv/pkg/storage"
	"github.com/wentaoxu/tikv/pkg/storage/mvcc"
)

// OutdatedErrorMsg is the response body for deadlined requests.
const OutdatedErrorMsg = "request outdated."

const endpointIsBusy = "endpoint is busy"

// RegionError carries a region error that must be surfaced to the
// client for routing refresh.
type RegionError struct {
	Err *errorpb.Error
}

// Error implements error.
func (e *RegionError) Error() string {
	return fmt.Sprintf("region error: %s", e.Err.GetMessage())
}

// LockedError reports a key lock blocking the read.
type LockedError struct {
	Info *kvrpcpb.LockInfo
}

// Error implements error.
func (e *LockedError) Error() string {
	return fmt.Sprintf("key is locked (ts %d)", e.Info.GetLockVersion())
}

// OutdatedError reports a request whose deadline passed.
type OutdatedError struct {
	Elapsed time.Duration
	ScanTag string
}

// Error implements error.
func (e *OutdatedError) Error() string {
	return OutdatedErrorMsg
}

// FullError reports admission failure against the running-task cap.
type FullError struct {
	Allow int
}

// Error implements error.
func (e *FullError) Error() string {
	return fmt.Sprintf("running batches reach limit %d", e.Allow)
}

// toCopError normalizes engine and MVCC failures into the endpoint
// taxonomy; anything unrecognized stays an opaque "other" error.
func toCopError(err error) error {
	switch e := errors.Cause(err).(type) {
	case *storage.RequestError:
		return &RegionError{Err: e.Err}
	case *mvcc.ErrLocked:
		return &LockedError{Info: e.Info}
	default:
		return err
	}
}

// regionErrorTag classifies a region error for the error counter.
func regionErrorTag(e *errorpb.Error) string {
	switch {
	case e.GetNotLeader() != nil:
		return "not_leader"
	case e.GetRegionNotFound() != nil:
		return "region_not_found"
	case e.GetKeyNotInRegion() != nil:
		return "key_not_in_region"
	case e.GetEpochNotMatch() != nil:
		return "epoch_not_match"
	case e.GetServerIsBusy() != nil:
		return "server_is_busy"
	case e.GetStaleCommand() != nil:
		return "stale_command"
	case e.GetStoreNotMatch() != nil:
		return "store_not_match"
	default:
		return "other"
	}
}

// errMultiResp builds the response for a failed request and counts the
// error once per affected request.
func errMultiResp(err error, count int, metrics *BasicLocalMetrics) *coppb.Response {
	resp := &coppb.Response{}
	var tag string
	switch e := toCopError(err).(type) {
	case *RegionError:
		tag = regionErrorTag(e.Err)
		resp.RegionError = e.Err
	case *LockedError:
		tag = "lock"
		resp.Locked = e.Info
	case *OutdatedError:
		tag = "outdated"
		metrics.outdateTime.Observe(e.ScanTag, e.Elapsed.Seconds())
		resp.OtherError = OutdatedErrorMsg
	case *FullError:
		tag = "full"
		regionErr := &errorpb.Error{
			Message: e.Error(),
			ServerIsBusy: &errorpb.ServerIsBusy{
				Reason: endpointIsBusy,
			},
		}
		resp.RegionError = regionErr
	default:
		tag = "other"
		resp.OtherError = e.Error()
	}
	metrics.errorCnt.Add(float64(count), tag)
	return resp
}

func errResp(err error, metrics *BasicLocalMetrics) *coppb.Response {
	return errMultiResp(err, 1, metrics)
}
