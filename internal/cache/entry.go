package cache

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/vmihailenco/msgpack"
)

// Entry is a cached response.
type Entry struct {
	StatusCode int         `msgpack:"status"`
	Header     http.Header `msgpack:"header"`
	Body       []byte      `msgpack:"body"`
	Expires    time.Time   `msgpack:"expires"`
}

// Size approximates the memory held by the entry.
func (e *Entry) Size() int64 {
	n := int64(len(e.Body))
	for k, vs := range e.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	return &Entry{
		StatusCode: e.StatusCode,
		Header:     e.Header.Clone(),
		Body:       bytes.Clone(e.Body),
		Expires:    e.Expires,
	}
}

// Expired reports whether the entry is stale at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.Expires.IsZero() && !now.Before(e.Expires)
}

// Encode serializes the entry for external stores.
func (e *Entry) Encode() ([]byte, error) {
	b, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("cache: encode entry: %w", err)
	}
	return b, nil
}

// DecodeEntry parses bytes produced by Encode.
func DecodeEntry(b []byte) (*Entry, error) {
	var e Entry
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("cache: decode entry: %w", err)
	}
	if e.Header == nil {
		e.Header = http.Header{}
	}
	return &e, nil
}
