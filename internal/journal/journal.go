package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tavstaldev/rebus-core/internal/entity"
)

const (
	spillPrefix   = "spill/"
	recordVersion = 1
)

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal: closed")

// Logger defines the logging interface used by the journal.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// badgerLogger routes badger's printf-style logging into a Logger.
type badgerLogger struct {
	log Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Debugf(string, ...any) {}

// Options configures a Journal.
type Options struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps the journal in memory; used by tests.
	InMemory bool

	Logger Logger
}

// Record is the unflushed state of one key at spill time.
type Record struct {
	Key       entity.Key
	Writes    []entity.PendingWrite
	Class     entity.Class
	Reason    string
	SpilledAt time.Time
}

// wireRecord is the JSON form of a Record.
type wireRecord struct {
	Version   int         `json:"v"`
	Key       string      `json:"key"`
	Class     string      `json:"class,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	SpilledAt time.Time   `json:"spilled_at"`
	Writes    []wireWrite `json:"writes"`
}

type wireWrite struct {
	Seq        uint64          `json:"seq"`
	Delete     bool            `json:"delete,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Snapshot   entity.Snapshot `json:"snapshot"`
}

// Journal persists writes that could not be drained at shutdown so the next
// start can replay them.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Journal struct {
	db     *badger.DB
	logger Logger
}

// Open opens or creates the journal.
func Open(opts Options) (*Journal, error) {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	bopts := badger.DefaultOptions(opts.Path).WithLogger(badgerLogger{log: logger})
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("").WithInMemory(true)
	} else if opts.Path == "" {
		return nil, errors.New("journal: path is required")
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &Journal{db: db, logger: logger}, nil
}

// Close closes the journal.
func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("closing journal: %w", err)
	}
	return nil
}

func recordKey(key entity.Key) []byte {
	return []byte(spillPrefix + key.String())
}

// Spill stores records, replacing any earlier record for the same key.
func (j *Journal) Spill(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if j.db.IsClosed() {
		return ErrClosed
	}

	wb := j.db.NewWriteBatch()
	defer wb.Cancel()

	for _, r := range records {
		data, err := encodeRecord(r)
		if err != nil {
			return err
		}
		if err := wb.Set(recordKey(r.Key), data); err != nil {
			return fmt.Errorf("spilling %s: %w", r.Key, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flushing spill batch: %w", err)
	}
	j.logger.Warn("spilled unflushed writes to journal", "keys", len(records))
	return nil
}

// Replay calls fn for every spilled record in key order and removes each
// record fn accepts. A record fn rejects stays for the next replay.
// It returns the number of records accepted.
func (j *Journal) Replay(fn func(Record) error) (int, error) {
	if j.db.IsClosed() {
		return 0, ErrClosed
	}

	var records []Record
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(spillPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var r Record
			if err := it.Item().Value(func(val []byte) error {
				var err error
				r, err = decodeRecord(val)
				return err
			}); err != nil {
				j.logger.Error("skipping unreadable journal record", "key", string(it.Item().KeyCopy(nil)), "error", err)
				continue
			}
			records = append(records, r)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reading journal: %w", err)
	}

	accepted := 0
	for _, r := range records {
		if err := fn(r); err != nil {
			j.logger.Warn("journal record not replayed", "key", r.Key.String(), "error", err)
			continue
		}
		if err := j.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(recordKey(r.Key))
		}); err != nil {
			return accepted, fmt.Errorf("removing replayed record %s: %w", r.Key, err)
		}
		accepted++
	}
	return accepted, nil
}

// Len returns the number of spilled records.
func (j *Journal) Len() (int, error) {
	n := 0
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(spillPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func encodeRecord(r Record) ([]byte, error) {
	w := wireRecord{
		Version:   recordVersion,
		Key:       r.Key.String(),
		Reason:    r.Reason,
		SpilledAt: r.SpilledAt.UTC(),
		Writes:    make([]wireWrite, 0, len(r.Writes)),
	}
	if r.Class != entity.ClassNone {
		w.Class = r.Class.String()
	}
	for _, pw := range r.Writes {
		w.Writes = append(w.Writes, wireWrite{
			Seq:        pw.Seq,
			Delete:     pw.Delete,
			EnqueuedAt: pw.EnqueuedAt.UTC(),
			Snapshot:   pw.Snapshot,
		})
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encoding record %s: %w", r.Key, err)
	}
	return data, nil
}

func decodeRecord(data []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return Record{}, fmt.Errorf("decoding record: %w", err)
	}
	if w.Version != recordVersion {
		return Record{}, fmt.Errorf("unsupported record version %d", w.Version)
	}
	key, err := entity.ParseKey(w.Key)
	if err != nil {
		return Record{}, err
	}

	r := Record{
		Key:       key,
		Class:     parseClass(w.Class),
		Reason:    w.Reason,
		SpilledAt: w.SpilledAt,
		Writes:    make([]entity.PendingWrite, 0, len(w.Writes)),
	}
	for _, ww := range w.Writes {
		snap := ww.Snapshot
		snap.Key = key
		r.Writes = append(r.Writes, entity.PendingWrite{
			Key:        key,
			Seq:        ww.Seq,
			Delete:     ww.Delete,
			EnqueuedAt: ww.EnqueuedAt,
			Snapshot:   snap,
		})
	}
	return r, nil
}

func parseClass(s string) entity.Class {
	for _, c := range []entity.Class{entity.ClassNotFound, entity.ClassTransient, entity.ClassPoolTimeout, entity.ClassFatal} {
		if c.String() == s {
			return c
		}
	}
	return entity.ClassNone
}
