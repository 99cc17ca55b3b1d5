package feed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/livebind/encoding"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixFeedLog    = "/feedlog/"    // /feedlog/{16-digit-hex-seq}
	prefixFeedCursor = "/feedcursor/" // /feedcursor/{sinkName}
	prefixFeedSeq    = "/feedseq"     // /feedseq -> uint64 (last assigned)
)

// Pebble configuration constants
const (
	memTableSize                = 16 << 20 // 16MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
)

const (
	defaultReadLimit    = 100
	cleanupIntervalMask = 0x7F // Cleanup every 128 sequences
)

// ErrLogClosed is returned by every operation after Close.
var ErrLogClosed = errors.New("feed log is closed")

// Log is a Pebble-backed append-only event log with per-sink cursors.
type Log struct {
	db   *pebble.DB
	path string

	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	// appendMu orders sequence assignment across concurrent appenders
	appendMu sync.Mutex
	lastSeq  atomic.Uint64

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// OpenLog creates or opens the log under dataDir/feed_log.
func OpenLog(dataDir string) (*Log, error) {
	logPath := filepath.Join(dataDir, "feed_log")

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
	}

	db, err := pebble.Open(logPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open feed log at %s: %w", logPath, err)
	}

	l := &Log{
		db:      db,
		path:    logPath,
		cursors: make(map[string]uint64),
	}

	if err := l.loadLastSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}
	if err := l.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return l, nil
}

func (l *Log) loadLastSeq() error {
	val, closer, err := l.db.Get([]byte(prefixFeedSeq))
	if err == pebble.ErrNotFound {
		l.lastSeq.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}
	l.lastSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

func (l *Log) loadCursors() error {
	prefix := []byte(prefixFeedCursor)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefixFeedCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor data for sink %s: invalid length %d", name, len(val))
		}
		l.cursors[name] = binary.LittleEndian.Uint64(val)
	}
	if err := iter.Error(); err != nil {
		return err
	}

	if len(l.cursors) > 0 {
		log.Info().Int("cursors", len(l.cursors)).Msg("Loaded feed log cursors")
	}
	return nil
}

// Append stores events and assigns their sequence numbers in place.
func (l *Log) Append(events []Event) error {
	if len(events) == 0 {
		return nil
	}
	if l.closed.Load() {
		return ErrLogClosed
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	seq := l.lastSeq.Load()
	batch := l.db.NewBatch()
	defer batch.Close()

	for i := range events {
		seq++
		events[i].Seq = seq

		val, err := encoding.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if err := batch.Set([]byte(formatLogKey(seq)), val, nil); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)
	if err := batch.Set([]byte(prefixFeedSeq), seqBuf, nil); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	// Only publish the new sequence after the batch is durable
	l.lastSeq.Store(seq)
	return nil
}

// LastSeq returns the highest assigned sequence number.
func (l *Log) LastSeq() uint64 {
	return l.lastSeq.Load()
}

// ReadFrom returns up to limit events after cursor.
func (l *Log) ReadFrom(cursor uint64, limit int) ([]Event, error) {
	if l.closed.Load() {
		return nil, ErrLogClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	startKey := []byte(formatLogKey(cursor + 1))
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: startKey,
		UpperBound: prefixUpperBound([]byte(prefixFeedLog)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]Event, 0, limit)
	for iter.SeekGE(startKey); iter.Valid() && len(events) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var event Event
		if err := encoding.Unmarshal(val, &event); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal feed event")
			continue
		}
		events = append(events, event)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return events, nil
}

// Cursor returns the last published sequence for a sink; zero for new sinks.
func (l *Log) Cursor(sinkName string) (uint64, error) {
	if l.closed.Load() {
		return 0, ErrLogClosed
	}

	l.cursorsMu.RLock()
	cursor, ok := l.cursors[sinkName]
	l.cursorsMu.RUnlock()
	if ok {
		return cursor, nil
	}
	return 0, nil
}

// AdvanceCursor persists a sink's cursor and periodically trims the log.
func (l *Log) AdvanceCursor(sinkName string, seq uint64) error {
	if l.closed.Load() {
		return ErrLogClosed
	}

	l.cursorsMu.Lock()
	l.cursors[sinkName] = seq
	l.cursorsMu.Unlock()

	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, seq)
	if err := l.db.Set([]byte(prefixFeedCursor+sinkName), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	if seq&cleanupIntervalMask == 0 && l.cleanupRunning.CompareAndSwap(false, true) {
		l.cleanupWg.Add(1)
		go l.cleanupAsync()
	}
	return nil
}

// cleanup deletes entries every sink has already published.
func (l *Log) cleanup() {
	l.cleanupMu.Lock()
	defer l.cleanupMu.Unlock()

	if l.closed.Load() {
		return
	}

	l.cursorsMu.RLock()
	if len(l.cursors) == 0 {
		l.cursorsMu.RUnlock()
		return
	}
	minCursor := ^uint64(0)
	for _, c := range l.cursors {
		if c < minCursor {
			minCursor = c
		}
	}
	l.cursorsMu.RUnlock()

	if minCursor == 0 {
		return
	}

	// Entries up to and including minCursor are published everywhere
	start := []byte(prefixFeedLog)
	end := []byte(formatLogKey(minCursor + 1))
	if err := l.db.DeleteRange(start, end, pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to trim feed log")
		return
	}
	log.Debug().Uint64("min_cursor", minCursor).Msg("Trimmed feed log")
}

func (l *Log) cleanupAsync() {
	defer l.cleanupWg.Done()
	defer l.cleanupRunning.Store(false)
	l.cleanup()
}

// Close waits for in-flight cleanup and closes Pebble.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return ErrLogClosed
	}
	l.cleanupWg.Wait()
	return l.db.Close()
}

func formatLogKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixFeedLog, seq)
}

// prefixUpperBound returns the exclusive upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
