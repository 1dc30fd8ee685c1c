package stream

import (
	"io"
	"net/http"
)

// FromResponse returns a Stream whose head is already written from an
// upstream response and whose body is pumped from body. Closing or aborting
// the stream closes body, which cancels the upstream read.
func FromResponse(name string, status int, header http.Header, body io.ReadCloser) (*Stream, error) {
	s := New(name)
	if err := s.WriteHead(status, header); err != nil {
		_ = body.Close()
		return nil, err
	}
	s.OnClose(func(error) { _ = body.Close() })

	go func() {
		defer func() { _ = body.Close() }()
		buf := make([]byte, 32<<10)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				if _, werr := s.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err == io.EOF {
				_ = s.End()
				return
			}
			if err != nil {
				s.Abort(err)
				return
			}
		}
	}()
	return s, nil
}
