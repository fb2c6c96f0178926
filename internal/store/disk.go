package store

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// diskMeta is stored under m:<tag>\x00<key> for every entry populated at
// runtime. Provisioned entries carry no meta, so they are never evicted.
type diskMeta struct {
	Size       int64
	LastAccess int64
}

// diskBudget bounds the bytes held by runtime-populated entries across all
// generations. Only the writer goroutine mutates it; readers touch
// LastAccess in memory.
type diskBudget struct {
	maxBytes int64

	mu    sync.Mutex
	index map[string]diskMeta // ramKey(tag, key) -> meta
	total int64
}

func newDiskBudget(maxBytes int64) *diskBudget {
	return &diskBudget{maxBytes: maxBytes, index: map[string]diskMeta{}}
}

func diskMetaKey(tag, key string) []byte { return []byte(prefixDiskMeta + tag + "\x00" + key) }

func diskMetaPrefix(tag string) []byte { return []byte(prefixDiskMeta + tag + "\x00") }

func (d *diskBudget) load(db *leveldb.DB, live func(tag string) bool) error {
	it := db.NewIterator(util.BytesPrefix([]byte(prefixDiskMeta)), nil)
	defer it.Release()
	d.mu.Lock()
	defer d.mu.Unlock()
	for it.Next() {
		k := string(it.Key()[len(prefixDiskMeta):])
		tag, _, ok := strings.Cut(k, "\x00")
		if !ok || !live(tag) {
			continue
		}
		var m diskMeta
		if err := decodeGob(it.Value(), &m); err != nil {
			continue
		}
		d.index[k] = m
		d.total += m.Size
	}
	return it.Error()
}

// track records the size of a written entry. A pinned write removes the
// key from the index if it replaced a runtime entry.
func (d *diskBudget) track(tag, key string, m diskMeta, pinned bool) {
	k := ramKey(tag, key)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forgetLocked(k)
	if pinned {
		return
	}
	d.index[k] = m
	d.total += m.Size
}

func (d *diskBudget) forget(k string) {
	d.mu.Lock()
	d.forgetLocked(k)
	d.mu.Unlock()
}

func (d *diskBudget) forgetLocked(k string) {
	if old, ok := d.index[k]; ok {
		d.total -= old.Size
		delete(d.index, k)
	}
}

func (d *diskBudget) touch(tag, key string) {
	if d.maxBytes <= 0 {
		return
	}
	k := ramKey(tag, key)
	d.mu.Lock()
	if m, ok := d.index[k]; ok {
		m.LastAccess = time.Now().UnixNano()
		d.index[k] = m
	}
	d.mu.Unlock()
}

func (d *diskBudget) dropGeneration(tag string) {
	prefix := tag + "\x00"
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, m := range d.index {
		if strings.HasPrefix(k, prefix) {
			d.total -= m.Size
			delete(d.index, k)
		}
	}
}

func (d *diskBudget) over() bool {
	if d.maxBytes <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total > d.maxBytes
}

// victims returns the least recently used tenth of the index, at least one.
func (d *diskBudget) victims() []string {
	d.mu.Lock()
	type item struct {
		key  string
		last int64
	}
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		items = append(items, item{k, m.LastAccess})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].last < items[j].last })
	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	if n > len(items) {
		n = len(items)
	}
	out := make([]string, n)
	for i := range out {
		out[i] = items[i].key
	}
	return out
}

func (d *diskBudget) totalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// evict removes runtime entries, least recently used first, until the
// budget holds. It runs on the writer goroutine.
func (s *Store) evict() {
	for s.disk.over() {
		victims := s.disk.victims()
		if len(victims) == 0 {
			return
		}
		batch := new(leveldb.Batch)
		for _, k := range victims {
			tag, key, _ := strings.Cut(k, "\x00")
			batch.Delete(entryKey(tag, key))
			batch.Delete(diskMetaKey(tag, key))
		}
		if err := s.db.Write(batch, nil); err != nil {
			s.log.Warn("evict cache entries", zap.Int("entries", len(victims)), zap.Error(err))
			return
		}
		for _, k := range victims {
			tag, key, _ := strings.Cut(k, "\x00")
			s.disk.forget(k)
			s.ram.remove(tag, key)
		}
		s.log.Debug("evicted cache entries", zap.Int("entries", len(victims)), zap.Int64("diskBytes", s.disk.totalSize()))
	}
}

func (s *Store) deleteDiskMeta(batch *leveldb.Batch, tag string) error {
	it := s.db.NewIterator(util.BytesPrefix(diskMetaPrefix(tag)), nil)
	defer it.Release()
	for it.Next() {
		batch.Delete(bytes.Clone(it.Key()))
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("scan generation meta %s: %w", tag, err)
	}
	return nil
}
