package cache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Entry is a stored response. Entries handed out by a Store are copies and
// may be modified by the caller.
type Entry struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	ContentType string
	StoredAt    time.Time
}

// Record pairs an Identity with the entry to store under it.
type Record struct {
	Identity Identity
	Entry    *Entry
}

// Store is a single named, versioned cache. Stores are populated once with
// PutAll and are read-only afterwards.
type Store interface {
	Name() string
	// PutAll inserts every record, overwriting entries with the same
	// identity. The batch is validated up front and rejected as a whole.
	PutAll(ctx context.Context, records []Record) error
	// Match returns a copy of the entry stored under id.
	Match(ctx context.Context, id Identity) (*Entry, bool, error)
	Len(ctx context.Context) (int, error)
}

// Backend is the storage medium holding the set of named stores.
type Backend interface {
	// Open returns the named store, creating it if absent.
	Open(ctx context.Context, name string) (Store, error)
	Names(ctx context.Context) ([]string, error)
	// Delete removes the store and all its entries. It reports whether the
	// store existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

// NewEntry builds an entry from a fully read response.
func NewEntry(resp *http.Response, body []byte, now time.Time) *Entry {
	header := cloneHeader(resp.Header)
	return &Entry{
		StatusCode:  resp.StatusCode,
		Header:      header,
		Body:        append([]byte(nil), body...),
		ContentType: header.Get("Content-Type"),
		StoredAt:    now,
	}
}

func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	return &Entry{
		StatusCode:  e.StatusCode,
		Header:      cloneHeader(e.Header),
		Body:        append([]byte(nil), e.Body...),
		ContentType: e.ContentType,
		StoredAt:    e.StoredAt,
	}
}

// Response synthesizes an *http.Response carrying the entry verbatim.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := cloneHeader(e.Header)
	if header.Get("Content-Type") == "" && e.ContentType != "" {
		header.Set("Content-Type", e.ContentType)
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))

	return &http.Response{
		Status:        strconv.Itoa(e.StatusCode) + " " + http.StatusText(e.StatusCode),
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func cloneHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func validate(store string, records []Record) error {
	for _, r := range records {
		if !r.Identity.Cacheable() {
			return InvalidEntry(store, r.Identity, "only GET identities can be stored")
		}
		if r.Entry == nil {
			return InvalidEntry(store, r.Identity, "entry is nil")
		}
	}
	return nil
}
