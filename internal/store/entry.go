package store

import (
	"bytes"
	"encoding/gob"
	"net/http"
	"strings"
)

// Entry is a cached response snapshot.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// size approximates the in-memory footprint used for the RAM budget.
func (e Entry) size() int64 {
	n := int64(len(e.Body)) + 64
	for k, vs := range e.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// RequestKey is the canonical identity of a cacheable request.
func RequestKey(method, url string) string {
	return strings.ToUpper(method) + " " + url
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
