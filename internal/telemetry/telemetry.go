// Package telemetry keeps recent heartbeat metrics in an embedded Badger
// store. Samples expire after the configured retention.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"evalgo.org/fleetrent/internal/protocol"
)

// DefaultRetention is how long samples are kept when none is configured.
const DefaultRetention = 24 * time.Hour

// Sample is one stored heartbeat.
type Sample struct {
	NodeID  string               `json:"node_id"`
	Time    time.Time            `json:"time"`
	Metrics protocol.NodeMetrics `json:"metrics"`
}

// Store is a Badger-backed heartbeat sink.
type Store struct {
	db        *badger.DB
	retention time.Duration
	logger    *zap.Logger
}

// Open opens (or creates) the store at path.
func Open(path string, retention time.Duration, logger *zap.Logger) (*Store, error) {
	return open(badger.DefaultOptions(filepath.Clean(path)), retention, logger)
}

// OpenInMemory returns a store that lives only in memory.
func OpenInMemory(retention time.Duration, logger *zap.Logger) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), retention, logger)
}

func open(opts badger.Options, retention time.Duration, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	opts = opts.
		WithLogger(badgerLogger{logger.Sugar()}).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry store: %w", err)
	}
	return &Store{db: db, retention: retention, logger: logger}, nil
}

// Close flushes and closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func prefix(nodeID string) []byte {
	return []byte("heartbeat:" + nodeID + ":")
}

// key sorts by time within a node: the timestamp is zero padded.
func key(nodeID string, at time.Time) []byte {
	return []byte(fmt.Sprintf("heartbeat:%s:%019d", nodeID, at.UnixNano()))
}

// Write stores one heartbeat sample.
func (s *Store) Write(_ context.Context, nodeID string, at time.Time, m protocol.NodeMetrics) error {
	data, err := json.Marshal(Sample{NodeID: nodeID, Time: at.UTC(), Metrics: m})
	if err != nil {
		return fmt.Errorf("failed to encode sample: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key(nodeID, at), data).WithTTL(s.retention))
	})
}

// Recent returns up to limit samples for nodeID, newest first.
func (s *Store) Recent(nodeID string, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Sample

	err := s.db.View(func(txn *badger.Txn) error {
		p := prefix(nodeID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = p
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, p...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(p) && len(out) < limit; it.Next() {
			var sample Sample
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &sample)
			})
			if err != nil {
				return fmt.Errorf("failed to decode sample %s: %w", it.Item().Key(), err)
			}
			out = append(out, sample)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RunGC runs value log garbage collection until there is nothing left to
// reclaim or ctx is done.
func (s *Store) RunGC(ctx context.Context) {
	for ctx.Err() == nil {
		if err := s.db.RunValueLogGC(0.5); err != nil {
			return
		}
	}
}

// badgerLogger routes badger's log output through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
