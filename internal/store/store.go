// Package store persists generation-tagged response snapshots and the
// pending-write queue in a single LevelDB database.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrClosed             = errors.New("store closed")
	ErrInvalidTag         = errors.New("invalid generation tag")
	ErrGenerationExists   = errors.New("generation already exists")
	ErrGenerationMissing  = errors.New("generation does not exist")
	ErrGenerationActive   = errors.New("generation is active")
	ErrGenerationNotReady = errors.New("generation is not ready")
	ErrWriteBacklog       = errors.New("write backlog full")
)

// Key layout:
//
//	g:<tag>               generation meta
//	e:<tag>\x00<key>      cached entry
//	m:<tag>\x00<key>      size and access time of a runtime-populated entry
//	active                active generation tag
//	q:<id>                pending record
const (
	prefixGeneration = "g:"
	prefixEntry      = "e:"
	prefixDiskMeta   = "m:"
	prefixRecord     = "q:"
	keyActive        = "active"
)

// GenerationState is the provisioning state of a generation.
type GenerationState string

const (
	GenerationProvisioning GenerationState = "provisioning"
	GenerationReady        GenerationState = "ready"
)

// GenerationInfo describes one stored generation.
type GenerationInfo struct {
	Tag       string
	State     GenerationState
	CreatedAt int64
}

type Options struct {
	// RAMMax bounds the in-memory tier in bytes. Zero disables it.
	RAMMax int64
	// DiskMax bounds the bytes of entries written with PutAsync. Entries
	// written with Put are never evicted. Zero means unbounded.
	DiskMax int64
	Logger  *zap.Logger
	// OnWriteError receives failures of detached writes.
	OnWriteError func(tag, key string, err error)
}

type opKind int

const (
	opPut opKind = iota
	opCreate
	opReady
	opActivate
	opDrop
	opBarrier
)

type writeOp struct {
	kind  opKind
	tag   string
	key   string
	ent   *Entry
	// runtime entries count against the disk budget and may be evicted.
	runtime bool
	reply   chan error
}

// Store owns the database. All generation mutations and entry writes are
// applied by a single writer goroutine, so a detached write can never land
// in a generation that was dropped before it.
type Store struct {
	db  *leveldb.DB
	log *zap.Logger
	ram  *ramTier
	disk *diskBudget

	onWriteError func(tag, key string, err error)

	active atomic.Pointer[string]

	genMu sync.RWMutex
	gens  map[string]GenerationInfo

	closeMu sync.RWMutex
	closed  bool
	ops     chan writeOp
	done    chan struct{}

	queue *Queue
}

// Open opens (or creates) the database at path.
func Open(path string, o Options) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		db:           db,
		log:          log,
		ram:          newRAMTier(o.RAMMax),
		disk:         newDiskBudget(o.DiskMax),
		onWriteError: o.OnWriteError,
		gens:         map[string]GenerationInfo{},
		ops:          make(chan writeOp, 1024),
		done:         make(chan struct{}),
	}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	live := func(tag string) bool { _, ok := s.gens[tag]; return ok }
	if err := s.disk.load(db, live); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load disk index: %w", err)
	}
	q, err := newQueue(db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.queue = q
	go s.writerLoop()
	return s, nil
}

// Close drains pending writes and closes the database.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.closeMu.Unlock()
	<-s.done
	return s.db.Close()
}

// Queue returns the pending-write queue stored alongside the cache.
func (s *Store) Queue() *Queue { return s.queue }

func (s *Store) load() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixGeneration)), nil)
	defer it.Release()
	for it.Next() {
		var info GenerationInfo
		if err := decodeGob(it.Value(), &info); err != nil {
			s.log.Warn("skipping unreadable generation meta", zap.ByteString("key", it.Key()), zap.Error(err))
			continue
		}
		s.gens[info.Tag] = info
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("load generations: %w", err)
	}

	b, err := s.db.Get([]byte(keyActive), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("load active generation: %w", err)
	}
	tag := string(b)
	if info, ok := s.gens[tag]; !ok || info.State != GenerationReady {
		s.log.Warn("active generation pointer is dangling, ignoring", zap.String("tag", tag))
		return nil
	}
	s.active.Store(&tag)
	return nil
}

// Active returns the active generation tag.
func (s *Store) Active() (string, bool) {
	p := s.active.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// ListGenerations returns every stored generation tag, oldest first.
func (s *Store) ListGenerations() []string {
	infos := s.Generations()
	out := make([]string, len(infos))
	for i, g := range infos {
		out[i] = g.Tag
	}
	return out
}

// Generations returns metadata for every stored generation, oldest first.
func (s *Store) Generations() []GenerationInfo {
	s.genMu.RLock()
	out := make([]GenerationInfo, 0, len(s.gens))
	for _, g := range s.gens {
		out = append(out, g)
	}
	s.genMu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].Tag < out[j].Tag
	})
	return out
}

// Generation returns metadata for one generation.
func (s *Store) Generation(tag string) (GenerationInfo, bool) {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	g, ok := s.gens[tag]
	return g, ok
}

// OpenGeneration creates a new generation in the provisioning state.
func (s *Store) OpenGeneration(tag string) error {
	if tag == "" || strings.ContainsRune(tag, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	return s.do(writeOp{kind: opCreate, tag: tag})
}

// MarkReady flags a fully provisioned generation; only ready generations
// can be activated.
func (s *Store) MarkReady(tag string) error {
	return s.do(writeOp{kind: opReady, tag: tag})
}

// SetActive atomically makes tag the active generation.
func (s *Store) SetActive(tag string) error {
	return s.do(writeOp{kind: opActivate, tag: tag})
}

// DeleteGeneration removes a non-active generation and all its entries.
// Deleting an unknown generation is a no-op.
func (s *Store) DeleteGeneration(tag string) error {
	return s.do(writeOp{kind: opDrop, tag: tag})
}

// Put stores an entry and waits for the write to be applied.
func (s *Store) Put(tag, key string, ent Entry) error {
	return s.do(writeOp{kind: opPut, tag: tag, key: key, ent: &ent})
}

// PutAsync queues an entry write without waiting. Failures are reported to
// Options.OnWriteError. The entry counts against Options.DiskMax.
func (s *Store) PutAsync(tag, key string, ent Entry) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		s.reportWriteError(tag, key, ErrClosed)
		return
	}
	select {
	case s.ops <- writeOp{kind: opPut, tag: tag, key: key, ent: &ent, runtime: true}:
	default:
		s.reportWriteError(tag, key, ErrWriteBacklog)
	}
}

// Flush waits until every write queued before the call has been applied.
func (s *Store) Flush() error {
	return s.do(writeOp{kind: opBarrier})
}

// Get reads an entry from a specific generation.
func (s *Store) Get(tag, key string) (Entry, bool) {
	if ent, ok := s.ram.get(tag, key); ok {
		return ent, true
	}
	b, err := s.db.Get(entryKey(tag, key), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			s.log.Warn("cache read failed", zap.String("tag", tag), zap.String("key", key), zap.Error(err))
		}
		return Entry{}, false
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		s.log.Warn("cache entry undecodable", zap.String("tag", tag), zap.String("key", key), zap.Error(err))
		return Entry{}, false
	}
	s.cacheInRAM(tag, key, ent)
	s.disk.touch(tag, key)
	return ent, true
}

// cacheInRAM promotes an entry read from disk. The liveness check and the
// insert happen under genMu, so a concurrent drop cannot be undone by it.
func (s *Store) cacheInRAM(tag, key string, ent Entry) {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	if _, live := s.gens[tag]; live {
		s.ram.put(tag, key, ent)
	}
}

// Lookup reads key from the active generation. If the generation it read
// from was reclaimed between loading the pointer and reading the entry, it
// retries against the generation that replaced it.
func (s *Store) Lookup(key string) (Entry, string, bool) {
	for range 2 {
		tag, ok := s.Active()
		if !ok {
			return Entry{}, "", false
		}
		if ent, ok := s.Get(tag, key); ok {
			return ent, tag, true
		}
		if cur, _ := s.Active(); cur == tag {
			return Entry{}, tag, false
		}
	}
	return Entry{}, "", false
}

// EntryCount counts entries stored under tag.
func (s *Store) EntryCount(tag string) int {
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(tag)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n
}

// RAMSize reports the bytes held by the in-memory tier.
func (s *Store) RAMSize() int64 { return s.ram.totalSize() }

// DiskSize reports the bytes held by runtime-populated entries.
func (s *Store) DiskSize() int64 { return s.disk.totalSize() }

func (s *Store) do(op writeOp) error {
	op.reply = make(chan error, 1)
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return ErrClosed
	}
	s.ops <- op
	s.closeMu.RUnlock()
	return <-op.reply
}

func (s *Store) reportWriteError(tag, key string, err error) {
	if s.onWriteError != nil {
		s.onWriteError(tag, key, err)
		return
	}
	s.log.Warn("cache write failed", zap.String("tag", tag), zap.String("key", key), zap.Error(err))
}

func (s *Store) writerLoop() {
	defer close(s.done)
	for op := range s.ops {
		err := s.apply(op)
		if op.reply != nil {
			op.reply <- err
			continue
		}
		if err != nil {
			s.reportWriteError(op.tag, op.key, err)
		}
	}
}

var syncWrite = &opt.WriteOptions{Sync: true}

func (s *Store) apply(op writeOp) error {
	switch op.kind {
	case opBarrier:
		return nil
	case opCreate:
		return s.applyCreate(op.tag)
	case opReady:
		return s.applyReady(op.tag)
	case opActivate:
		return s.applyActivate(op.tag)
	case opDrop:
		return s.applyDrop(op.tag)
	case opPut:
		return s.applyPut(op.tag, op.key, *op.ent, op.runtime)
	}
	return fmt.Errorf("unknown write op %d", op.kind)
}

func (s *Store) applyCreate(tag string) error {
	if _, ok := s.Generation(tag); ok {
		return fmt.Errorf("%w: %s", ErrGenerationExists, tag)
	}
	info := GenerationInfo{Tag: tag, State: GenerationProvisioning, CreatedAt: time.Now().UnixNano()}
	if err := s.writeMeta(info); err != nil {
		return err
	}
	s.genMu.Lock()
	s.gens[tag] = info
	s.genMu.Unlock()
	return nil
}

func (s *Store) applyReady(tag string) error {
	info, ok := s.Generation(tag)
	if !ok {
		return fmt.Errorf("%w: %s", ErrGenerationMissing, tag)
	}
	info.State = GenerationReady
	if err := s.writeMeta(info); err != nil {
		return err
	}
	s.genMu.Lock()
	s.gens[tag] = info
	s.genMu.Unlock()
	return nil
}

func (s *Store) applyActivate(tag string) error {
	info, ok := s.Generation(tag)
	if !ok {
		return fmt.Errorf("%w: %s", ErrGenerationMissing, tag)
	}
	if info.State != GenerationReady {
		return fmt.Errorf("%w: %s", ErrGenerationNotReady, tag)
	}
	if err := s.db.Put([]byte(keyActive), []byte(tag), syncWrite); err != nil {
		return fmt.Errorf("persist active generation: %w", err)
	}
	s.active.Store(&tag)
	return nil
}

func (s *Store) applyDrop(tag string) error {
	if cur, ok := s.Active(); ok && cur == tag {
		return fmt.Errorf("%w: %s", ErrGenerationActive, tag)
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(tag)), nil)
	for it.Next() {
		batch.Delete(bytes.Clone(it.Key()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("scan generation %s: %w", tag, err)
	}
	if err := s.deleteDiskMeta(batch, tag); err != nil {
		return err
	}
	batch.Delete(metaKey(tag))
	if err := s.db.Write(batch, syncWrite); err != nil {
		return fmt.Errorf("delete generation %s: %w", tag, err)
	}

	s.genMu.Lock()
	delete(s.gens, tag)
	s.genMu.Unlock()
	s.ram.dropGeneration(tag)
	s.disk.dropGeneration(tag)
	return nil
}

func (s *Store) applyPut(tag, key string, ent Entry, runtime bool) error {
	if _, ok := s.Generation(tag); !ok {
		return fmt.Errorf("%w: %s", ErrGenerationMissing, tag)
	}
	b, err := encodeGob(ent)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	meta := diskMeta{Size: int64(len(b)), LastAccess: time.Now().UnixNano()}
	batch := new(leveldb.Batch)
	batch.Put(entryKey(tag, key), b)
	if runtime {
		mb, err := encodeGob(meta)
		if err != nil {
			return fmt.Errorf("encode entry meta: %w", err)
		}
		batch.Put(diskMetaKey(tag, key), mb)
	} else {
		batch.Delete(diskMetaKey(tag, key))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	s.ram.put(tag, key, ent)
	s.disk.track(tag, key, meta, !runtime)
	if runtime {
		s.evict()
	}
	return nil
}

func (s *Store) writeMeta(info GenerationInfo) error {
	b, err := encodeGob(info)
	if err != nil {
		return fmt.Errorf("encode generation meta: %w", err)
	}
	if err := s.db.Put(metaKey(info.Tag), b, syncWrite); err != nil {
		return fmt.Errorf("write generation meta: %w", err)
	}
	return nil
}

func metaKey(tag string) []byte { return []byte(prefixGeneration + tag) }

func entryPrefix(tag string) []byte { return []byte(prefixEntry + tag + "\x00") }

func entryKey(tag, key string) []byte { return []byte(prefixEntry + tag + "\x00" + key) }
