package coprocessor

import (
	"sync"

	coppb "github.com/pingcap/kvproto/pkg/coprocessor"

	"github.com/wentaoxu/tikv/pkg/util/pool"
)

// ResponseSink is the only path results leave the endpoint through.
// Unary sinks accept one response and are consumed; stream sinks drive
// a resumable stream, applying back-pressure between pulls.
type ResponseSink interface {
	Respond(resp *coppb.Response)
	RespondStream(s *ResumableStream)
	IsStreaming() bool
}

// UnarySink delivers a single response to a callback.
type UnarySink struct {
	once sync.Once
	fn   func(*coppb.Response)
}

// NewUnarySink wraps a response callback.
func NewUnarySink(fn func(*coppb.Response)) *UnarySink {
	return &UnarySink{fn: fn}
}

// Respond implements ResponseSink.
func (s *UnarySink) Respond(resp *coppb.Response) {
	s.once.Do(func() { s.fn(resp) })
}

// RespondStream implements ResponseSink. A unary sink drains the stream
// and forwards every chunk; the dispatcher never takes this path.
func (s *UnarySink) RespondStream(stream *ResumableStream) {
	for {
		resp, finished := stream.Next()
		if resp != nil {
			s.fn(resp)
		}
		if finished {
			return
		}
	}
}

// IsStreaming implements ResponseSink.
func (s *UnarySink) IsStreaming() bool { return false }

// StreamSink forwards every streamed chunk to a callback, pulling the
// next chunk only after the callback returns.
type StreamSink struct {
	fn func(*coppb.Response)
}

// NewStreamSink wraps a chunk callback.
func NewStreamSink(fn func(*coppb.Response)) *StreamSink {
	return &StreamSink{fn: fn}
}

// Respond implements ResponseSink; single responses (errors raised
// before streaming starts) go through the same callback.
func (s *StreamSink) Respond(resp *coppb.Response) {
	s.fn(resp)
}

// RespondStream implements ResponseSink.
func (s *StreamSink) RespondStream(stream *ResumableStream) {
	go func() {
		for {
			resp, finished := stream.Next()
			if resp != nil {
				s.fn(resp)
			}
			if finished {
				return
			}
		}
	}()
}

// IsStreaming implements ResponseSink.
func (s *StreamSink) IsStreaming() bool { return true }

// ResumableStream suspends a DAG execution between chunks. Every Next
// schedules one pull onto the owning pool so wait and handle times keep
// being recorded on a worker, then parks until the chunk is ready.
type ResumableStream struct {
	ctx      *DAGContext
	tracker  *RequestTracker
	pool     *pool.Pool
	limit    int
	finished bool
}

// Next produces the next chunk. It returns a nil response with
// finished=true when the stream is exhausted.
func (s *ResumableStream) Next() (*coppb.Response, bool) {
	if s.finished {
		return nil, true
	}
	type pullResult struct {
		resp     *coppb.Response
		finished bool
	}
	done := make(chan pullResult, 1)
	s.pool.Go(func(workerID int) {
		s.tracker.RecordWait(workerID)
		resp, finished, err := s.ctx.HandleStreamingRequest(s.limit)
		if err != nil {
			resp = errResp(toCopError(err), s.tracker.BasicMetrics())
			finished = true
		}
		metrics := ExecutorMetrics{}
		s.ctx.CollectMetricsInto(&metrics)
		s.tracker.RecordHandle(resp, &metrics)
		if finished {
			s.tracker.Finish()
		}
		done <- pullResult{resp: resp, finished: finished}
	})
	result := <-done
	s.finished = result.finished
	return result.resp, result.finished
}
