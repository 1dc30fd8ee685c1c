package stream

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"janus-proxy/internal/model"
)

// ResponseSink adapts the client's http.ResponseWriter to Sink. Every write
// is flushed so transformed bodies reach the client as they are produced.
type ResponseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu          sync.Mutex
	headWritten bool
	finished    bool
	written     int64
	err         error
	done        chan struct{}
}

var _ Sink = (*ResponseSink)(nil)

// NewResponseSink wraps w.
func NewResponseSink(w http.ResponseWriter) *ResponseSink {
	return &ResponseSink{
		w:    w,
		rc:   http.NewResponseController(w),
		done: make(chan struct{}),
	}
}

// WriteHead copies header into the client response, minus hop-by-hop
// headers, and sends the status line.
func (r *ResponseSink) WriteHead(status int, header http.Header) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return r.closedErrLocked()
	}
	if r.headWritten {
		return fmt.Errorf("%w: client: head already written", ErrProtocolViolation)
	}

	out := r.w.Header()
	h := header.Clone()
	model.StripHopByHop(h)
	for k, vs := range h {
		out[k] = vs
	}
	r.w.WriteHeader(status)
	r.headWritten = true
	return nil
}

// Write sends a body chunk to the client and flushes it.
func (r *ResponseSink) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return 0, r.closedErrLocked()
	}
	if !r.headWritten {
		return 0, fmt.Errorf("%w: client: write before head", ErrProtocolViolation)
	}

	n, err := r.w.Write(p)
	r.written += int64(n)
	if err != nil {
		r.finishLocked(err)
		return n, err
	}
	if ferr := r.rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
		r.finishLocked(ferr)
		return n, ferr
	}
	return n, nil
}

// End completes the client response.
func (r *ResponseSink) End() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return r.closedErrLocked()
	}
	if !r.headWritten {
		return fmt.Errorf("%w: client: end before head", ErrProtocolViolation)
	}
	r.finishLocked(nil)
	return nil
}

// Abort terminates the client response with err.
func (r *ResponseSink) Abort(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return
	}
	if err == nil {
		err = ErrClosed
	}
	r.finishLocked(err)
}

// HeadWritten reports whether the status line was sent.
func (r *ResponseSink) HeadWritten() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headWritten
}

// Done is closed when the response is ended or aborted.
func (r *ResponseSink) Done() <-chan struct{} { return r.done }

// Err returns the abort cause, or nil after a clean End.
func (r *ResponseSink) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Written returns the number of body bytes sent to the client.
func (r *ResponseSink) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

func (r *ResponseSink) finishLocked(err error) {
	r.finished = true
	r.err = err
	close(r.done)
}

func (r *ResponseSink) closedErrLocked() error {
	if r.err != nil {
		return r.err
	}
	return fmt.Errorf("%w: client: response already ended", ErrProtocolViolation)
}
