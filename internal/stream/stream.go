// Package stream implements the header-gated duplex stream that connects
// one response pipeline stage to the next.
//
// A Stream carries a status code, a header set and a body. The head must be
// written exactly once before any body bytes, and a new Stream starts paused:
// its consumer receives nothing until Resume is called. Writers are slowed
// down by a high-water mark on buffered bytes, so a fast producer cannot
// overrun a slow consumer.
package stream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

var (
	// ErrProtocolViolation is returned when a stage breaks head-before-body
	// ordering, writes the head twice, or writes after End.
	ErrProtocolViolation = errors.New("stream: protocol violation")

	// ErrClosed is returned once the consumer has gone away.
	ErrClosed = errors.New("stream: closed")
)

// DefaultHighWaterMark is the number of buffered bytes above which Write
// blocks until the consumer catches up.
const DefaultHighWaterMark = 64 << 10

type state int

const (
	stateCreated state = iota
	stateHeadSet
	stateStreaming
	stateFinished
	stateClosed
	stateErrored
)

func (s state) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateHeadSet:
		return "head-set"
	case stateStreaming:
		return "streaming"
	case stateFinished:
		return "finished"
	case stateClosed:
		return "closed"
	case stateErrored:
		return "errored"
	}
	return "unknown"
}

// Sink is the writing side of a response: a Stream or the real client.
type Sink interface {
	io.Writer
	WriteHead(status int, header http.Header) error
	End() error
	Abort(err error)
	HeadWritten() bool
}

// Stream is a paused-at-creation, head-gated byte pipe between two stages.
type Stream struct {
	name string
	hwm  int

	mu       sync.Mutex
	wake     chan struct{}
	st       state
	paused   bool
	status   int
	header   http.Header
	chunks   [][]byte
	buffered int
	written  int64
	err      error
	fwd      Sink

	onHead   []func()
	onFinish []func(int64)
	onClose  []func(error)
}

var _ Sink = (*Stream)(nil)

// New returns a paused Stream. The name is used in error messages only.
func New(name string) *Stream {
	return NewWithHighWaterMark(name, DefaultHighWaterMark)
}

// NewWithHighWaterMark returns a paused Stream that blocks writers once hwm
// bytes are buffered.
func NewWithHighWaterMark(name string, hwm int) *Stream {
	if hwm <= 0 {
		hwm = DefaultHighWaterMark
	}
	return &Stream{
		name:   name,
		hwm:    hwm,
		wake:   make(chan struct{}),
		paused: true,
	}
}

// Name returns the stream name.
func (s *Stream) Name() string { return s.name }

// StatusCode returns the status written by WriteHead, or 0.
func (s *Stream) StatusCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Header returns the header set written by WriteHead, or nil. The returned
// map belongs to the stream; callers that want to modify it for a
// downstream WriteHead should Clone it first.
func (s *Stream) Header() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header
}

// HeadWritten reports whether WriteHead has succeeded.
func (s *Stream) HeadWritten() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status != 0
}

// Paused reports whether the consumer has not resumed the stream yet.
func (s *Stream) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Err returns the error that terminated the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// broadcastLocked wakes every goroutine waiting on a state change.
func (s *Stream) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// waitLocked releases the lock until the next state change.
func (s *Stream) waitLocked() {
	ch := s.wake
	s.mu.Unlock()
	<-ch
	s.mu.Lock()
}

func (s *Stream) violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrProtocolViolation, s.name, fmt.Sprintf(format, args...))
}

// WriteHead fixes the status code and headers. It wakes every continuation
// registered with OnHead and starts a pending Forward.
func (s *Stream) WriteHead(status int, header http.Header) error {
	if status < 100 || status > 999 {
		return s.violation("invalid status code %d", status)
	}

	s.mu.Lock()
	switch s.st {
	case stateCreated:
	case stateClosed, stateErrored:
		err := s.err
		s.mu.Unlock()
		return err
	default:
		s.mu.Unlock()
		return s.violation("head already written")
	}

	if header == nil {
		header = make(http.Header)
	}
	s.status = status
	s.header = header.Clone()
	s.st = stateHeadSet
	callbacks := s.onHead
	s.onHead = nil
	fwd := s.fwd
	s.broadcastLocked()
	s.mu.Unlock()

	for _, fn := range callbacks {
		go fn()
	}
	if fwd != nil {
		go s.pipeTo(fwd)
	}
	return nil
}

// Write appends a body chunk. It blocks while the buffer is above the
// high-water mark and fails once the consumer has closed the stream.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		switch s.st {
		case stateCreated:
			return 0, s.violation("write before head")
		case stateFinished:
			return 0, s.violation("write after end")
		case stateClosed, stateErrored:
			return 0, s.err
		}
		if s.buffered < s.hwm {
			break
		}
		s.waitLocked()
	}

	if len(p) == 0 {
		return 0, nil
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	s.chunks = append(s.chunks, chunk)
	s.buffered += len(chunk)
	s.written += int64(len(chunk))
	s.st = stateStreaming
	s.broadcastLocked()
	return len(p), nil
}

// End marks the end of the body. Readers get io.EOF once the buffer is
// drained, and OnFinish callbacks receive the total byte count.
func (s *Stream) End() error {
	s.mu.Lock()
	switch s.st {
	case stateCreated:
		s.mu.Unlock()
		return s.violation("end before head")
	case stateFinished:
		s.mu.Unlock()
		return s.violation("end called twice")
	case stateClosed, stateErrored:
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.st = stateFinished
	callbacks := s.onFinish
	s.onFinish = nil
	n := s.written
	s.broadcastLocked()
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(n)
	}
	return nil
}

// Resume lets buffered and future data flow to the consumer.
func (s *Stream) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.paused = false
		s.broadcastLocked()
	}
}

// Read implements io.Reader for the consuming stage. It blocks while the
// stream is paused or empty.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		switch s.st {
		case stateClosed, stateErrored:
			return 0, s.err
		}
		if !s.paused {
			if len(s.chunks) > 0 {
				n := copy(p, s.chunks[0])
				if n == len(s.chunks[0]) {
					s.chunks[0] = nil
					s.chunks = s.chunks[1:]
				} else {
					s.chunks[0] = s.chunks[0][n:]
				}
				s.buffered -= n
				s.broadcastLocked()
				return n, nil
			}
			if s.st == stateFinished {
				return 0, io.EOF
			}
		}
		s.waitLocked()
	}
}

// Close tells the writer that the consumer went away.
func (s *Stream) Close() error {
	s.terminate(stateClosed, ErrClosed)
	return nil
}

// Abort terminates the stream with err, typically an upstream failure.
func (s *Stream) Abort(err error) {
	if err == nil {
		err = ErrClosed
	}
	s.terminate(stateErrored, err)
}

func (s *Stream) terminate(st state, err error) {
	s.mu.Lock()
	if s.st == stateClosed || s.st == stateErrored {
		s.mu.Unlock()
		return
	}
	headless := s.st == stateCreated
	s.st = st
	s.err = err
	s.chunks = nil
	s.buffered = 0
	s.onHead = nil
	s.onFinish = nil
	callbacks := s.onClose
	s.onClose = nil
	fwd := s.fwd
	s.broadcastLocked()
	s.mu.Unlock()

	// A forward that never started has nobody else to tell its target.
	if headless && fwd != nil {
		fwd.Abort(err)
	}
	for _, fn := range callbacks {
		fn(err)
	}
}

// OnHead registers fn to run in its own goroutine once the head is written.
// If the head is already written fn starts immediately. fn never runs if the
// stream terminates first.
func (s *Stream) OnHead(fn func()) {
	s.mu.Lock()
	switch s.st {
	case stateCreated:
		s.onHead = append(s.onHead, fn)
		s.mu.Unlock()
	case stateClosed, stateErrored:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		go fn()
	}
}

// OnFinish registers fn to run with the total body size when End is called.
func (s *Stream) OnFinish(fn func(n int64)) {
	s.mu.Lock()
	switch s.st {
	case stateFinished:
		n := s.written
		s.mu.Unlock()
		fn(n)
	case stateClosed, stateErrored:
		s.mu.Unlock()
	default:
		s.onFinish = append(s.onFinish, fn)
		s.mu.Unlock()
	}
}

// OnClose registers fn to run when the stream is closed or aborted.
func (s *Stream) OnClose(fn func(err error)) {
	s.mu.Lock()
	switch s.st {
	case stateClosed, stateErrored:
		err := s.err
		s.mu.Unlock()
		fn(err)
	default:
		s.onClose = append(s.onClose, fn)
		s.mu.Unlock()
	}
}

// Forward pipes the rest of this stream into dst without transformation,
// writing dst's head from this stream's head if needed. When the head is not
// written yet the forward starts as soon as it is. Forward resumes the
// stream.
func (s *Stream) Forward(dst Sink) error {
	s.mu.Lock()
	if s.fwd != nil {
		s.mu.Unlock()
		return s.violation("already forwarding")
	}
	switch s.st {
	case stateClosed, stateErrored:
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.fwd = dst
	s.paused = false
	ready := s.st != stateCreated
	s.broadcastLocked()
	s.mu.Unlock()

	if ready {
		go s.pipeTo(dst)
	}
	return nil
}

func (s *Stream) pipeTo(dst Sink) {
	if !dst.HeadWritten() {
		s.mu.Lock()
		status, header := s.status, s.header
		s.mu.Unlock()
		if err := dst.WriteHead(status, header); err != nil {
			s.Abort(err)
			return
		}
	}
	_ = Pipe(dst, s)
}

// Pipe copies src's body into dst and ends dst. A read failure aborts dst;
// a write failure aborts src with that error so its writer stops. dst's
// head must already be written.
func Pipe(dst Sink, src *Stream) error {
	src.Resume()
	buf := make([]byte, 32<<10)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				src.Abort(werr)
				return werr
			}
		}
		if rerr == io.EOF {
			return dst.End()
		}
		if rerr != nil {
			dst.Abort(rerr)
			return rerr
		}
	}
}
