package offline0

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/natefinch/atomic"

	"offline0/internal/store"
)

// ExportQueue writes every pending record to path as a JSON array. The file
// is replaced atomically, so a reader never sees a partial export.
func ExportQueue(q *store.Queue, path string) (int, error) {
	recs, err := q.All()
	if err != nil {
		return 0, err
	}
	if recs == nil {
		recs = []store.Record{}
	}
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode records: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(append(b, '\n'))); err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return len(recs), nil
}
