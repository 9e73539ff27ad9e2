// Package artifact is the content-addressed store for encoded blobs.
// Artifacts live under <root>/<xx>/<62 hex> as raw bytes; the in-memory
// index carries length and coarse last-access time and drives LRU
// eviction against a byte budget.
package artifact

import (
	"container/heap"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/ticpu/heicfs/pkg/cache"
	"github.com/ticpu/heicfs/pkg/xerrors"
)

const (
	journalFile = "access.db"
	tmpPrefix   = "tmp-"

	janitorInterval = 5 * time.Minute
)

// Options configures a Store.
type Options struct {
	Root         string
	MaxSizeBytes int64
	// MemoryBytes bounds the in-memory byte layer. 0 disables it;
	// reads are then always served from disk.
	MemoryBytes int64
	Logger      logrus.FieldLogger
}

type entry struct {
	key    string
	length int64
	access int64 // unix seconds, coarse on purpose
}

// Store maps artifact keys to persisted blobs.
type Store struct {
	root   string
	budget int64

	mu    sync.Mutex
	index map[string]*entry
	heap  accessHeap
	total int64 // on-disk bytes across indexed entries

	mem     *cache.Cache
	journal *Journal
	log     logrus.FieldLogger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Open initialises the store: creates the root, opens the access
// journal, scans existing artifacts and starts the background janitor.
// An unreadable cache root is a fatal startup error.
func Open(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "cache.open", "root")
	}
	if opts.MaxSizeBytes <= 0 {
		return nil, xerrors.E(xerrors.KindInvalid, "cache.open", "max_size_bytes")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindCacheIO, "cache.open", opts.Root, err)
	}
	journal, err := OpenJournal(filepath.Join(opts.Root, journalFile))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindCacheIO, "cache.open", opts.Root, err)
	}
	s := &Store{
		root:    opts.Root,
		budget:  opts.MaxSizeBytes,
		index:   make(map[string]*entry),
		mem:     cache.New(opts.MemoryBytes),
		journal: journal,
		log:     opts.Logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := s.warmup(); err != nil {
		journal.Close()
		return nil, err
	}
	s.evictUntil(s.budget)
	go s.janitor()
	return s, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// warmup rebuilds the index from disk. Non-conforming files (tempfiles
// from interrupted writes, stray garbage) are deleted.
func (s *Store) warmup() error {
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		return xerrors.Wrap(xerrors.KindCacheIO, "cache.warmup", s.root, err)
	}
	var loaded int
	for _, de := range dirents {
		full := filepath.Join(s.root, de.Name())
		if !de.IsDir() {
			if de.Name() == journalFile {
				continue
			}
			_ = os.Remove(full)
			continue
		}
		if !shardDirRe.MatchString(de.Name()) {
			s.log.WithField("dir", full).Warn("foreign directory in cache root, skipping")
			continue
		}
		files, err := os.ReadDir(full)
		if err != nil {
			return xerrors.Wrap(xerrors.KindCacheIO, "cache.warmup", full, err)
		}
		for _, f := range files {
			child := filepath.Join(full, f.Name())
			if f.IsDir() || !shardFileRe.MatchString(f.Name()) {
				_ = os.RemoveAll(child)
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			key := de.Name() + f.Name()
			access := info.ModTime().Unix()
			if rec, ok := s.journal.Get(key); ok {
				access = rec
			}
			ent := &entry{key: key, length: info.Size(), access: access}
			s.index[key] = ent
			heap.Push(&s.heap, heapItem{key: key, access: access})
			s.total += ent.length
			loaded++
		}
	}
	s.log.WithFields(logrus.Fields{
		"entries": loaded,
		"bytes":   humanize.Bytes(uint64(s.total)),
	}).Info("artifact cache warmed up")
	return nil
}

// Get returns the artifact bytes for key and refreshes its access
// time. ok is false on a miss.
func (s *Store) Get(key string) (data []byte, ok bool, err error) {
	now := time.Now().Unix()
	s.mu.Lock()
	ent, present := s.index[key]
	if !present {
		s.mu.Unlock()
		return nil, false, nil
	}
	if now > ent.access {
		ent.access = now
		heap.Push(&s.heap, heapItem{key: key, access: now})
	}
	s.mu.Unlock()

	if blob, hit := s.mem.Get(key); hit {
		_ = s.journal.Touch(key, now)
		return blob, true, nil
	}
	data, err = os.ReadFile(s.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			// Orphaned index entry (crash, concurrent eviction).
			s.dropIfUnchanged(key, ent)
			return nil, false, nil
		}
		return nil, false, xerrors.Wrap(xerrors.KindCacheIO, "cache.get", key, err)
	}
	s.mem.Set(key, data)
	_ = s.journal.Touch(key, now)
	return data, true, nil
}

// dropIfUnchanged removes a stale index entry, unless the key was
// re-written since the caller snapshotted it.
func (s *Store) dropIfUnchanged(key string, ent *entry) {
	s.mu.Lock()
	if cur, ok := s.index[key]; ok && cur == ent {
		delete(s.index, key)
		s.total -= cur.length
	}
	s.mu.Unlock()
	s.mem.Delete(key)
}

// Length returns the stored artifact length for key without reading
// the blob; used to advertise file sizes.
func (s *Store) Length(key string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ent, ok := s.index[key]; ok {
		return ent.length, true
	}
	return 0, false
}

// Put persists the blob under key: tempfile in the target shard,
// fsync, atomic rename, then index update and eviction back under
// budget. No partial file is ever visible under the final name.
func (s *Store) Put(key string, data []byte) error {
	if !ValidKey(key) {
		return xerrors.E(xerrors.KindInvalid, "cache.put", key)
	}
	shardDir := filepath.Join(s.root, key[:2])
	if err := os.MkdirAll(shardDir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.KindCacheIO, "cache.put", key, err)
	}
	tmp, err := os.CreateTemp(shardDir, tmpPrefix+"*")
	if err != nil {
		return xerrors.Wrap(xerrors.KindCacheIO, "cache.put", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindCacheIO, "cache.put", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindCacheIO, "cache.put", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindCacheIO, "cache.put", key, err)
	}
	if err := os.Rename(tmpName, s.pathFor(key)); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindCacheIO, "cache.put", key, err)
	}

	now := time.Now().Unix()
	s.mu.Lock()
	if old, ok := s.index[key]; ok {
		s.total -= old.length
	}
	ent := &entry{key: key, length: int64(len(data)), access: now}
	s.index[key] = ent
	heap.Push(&s.heap, heapItem{key: key, access: now})
	s.total += ent.length
	s.mu.Unlock()

	s.mem.Set(key, data)
	_ = s.journal.Touch(key, now)
	s.evictUntil(s.budget)
	return nil
}

// evictUntil removes least-recently-accessed entries until the on-disk
// total is at or under budget. Disk removal happens before the index
// forgets the entry; a crash in between leaves an orphan that the next
// warmup tolerates.
func (s *Store) evictUntil(budget int64) {
	for {
		s.mu.Lock()
		if s.total <= budget {
			s.mu.Unlock()
			return
		}
		victim := s.popOldest()
		if victim == nil {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		err := os.Remove(s.pathFor(victim.key))

		s.mu.Lock()
		if cur, ok := s.index[victim.key]; ok && cur == victim {
			delete(s.index, victim.key)
			s.total -= cur.length
		}
		s.mu.Unlock()

		s.mem.Delete(victim.key)
		_ = s.journal.Remove(victim.key)
		if err != nil && !os.IsNotExist(err) {
			s.log.WithField("key", victim.key).WithError(err).Warn("evict: remove failed")
		} else {
			s.log.WithFields(logrus.Fields{
				"key":   victim.key,
				"bytes": humanize.Bytes(uint64(victim.length)),
			}).Debug("evicted artifact")
		}
	}
}

// popOldest pops stale heap items until one matches the live index
// state. Caller holds s.mu.
func (s *Store) popOldest() *entry {
	for s.heap.Len() > 0 {
		item := heap.Pop(&s.heap).(heapItem)
		ent, ok := s.index[item.key]
		if !ok || ent.access != item.access {
			continue // refreshed or already gone; a newer item exists
		}
		return ent
	}
	return nil
}

// PurgeAll empties the cache: index, memory layer, journal and every
// shard on disk. Operator action for encoder param changes.
func (s *Store) PurgeAll() error {
	s.mu.Lock()
	s.index = make(map[string]*entry)
	s.heap = nil
	s.total = 0
	s.mu.Unlock()

	s.mem.Clear()
	if err := s.journal.Reset(); err != nil {
		return xerrors.Wrap(xerrors.KindCacheIO, "cache.purge", s.root, err)
	}
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		return xerrors.Wrap(xerrors.KindCacheIO, "cache.purge", s.root, err)
	}
	for _, de := range dirents {
		if de.Name() == journalFile {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, de.Name())); err != nil {
			return xerrors.Wrap(xerrors.KindCacheIO, "cache.purge", de.Name(), err)
		}
	}
	s.log.Info("artifact cache purged")
	return nil
}

// TotalBytes reports the current on-disk usage.
func (s *Store) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// janitor periodically trims the cache when usage crosses 90% of the
// budget, so steady read traffic does not pay eviction latency.
func (s *Store) janitor() {
	defer close(s.done)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			soft := s.budget / 10 * 9
			if s.TotalBytes() > soft {
				s.evictUntil(soft)
			}
		}
	}
}

// Close stops the janitor and closes the journal. It is safe to call
// more than once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		err = s.journal.Close()
	})
	return err
}

func (s *Store) pathFor(key string) string {
	return filepath.Join(s.root, key[:2], key[2:])
}

// accessHeap is a min-heap of (access, key) with lexicographic key
// tie-break. Stale items are skipped at pop time instead of being
// repaired in place.
type heapItem struct {
	key    string
	access int64
}

type accessHeap []heapItem

func (h accessHeap) Len() int { return len(h) }
func (h accessHeap) Less(i, j int) bool {
	if h[i].access != h[j].access {
		return h[i].access < h[j].access
	}
	return h[i].key < h[j].key
}
func (h accessHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *accessHeap) Push(x any)   { *h = append(*h, x.(heapItem)) }
func (h *accessHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
