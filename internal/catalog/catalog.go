// Package catalog keeps per-channel activation history in badger. It records
// driver lifecycle metadata only, never readings.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/neuroplastio/neio-stream/pkg/bus"
	"github.com/neuroplastio/neio-stream/streamapi"
	"go.uber.org/zap"
)

var ErrChannelNotFound = errors.New("channel not found in catalog")

const keyPrefix = "stream/channels/"

type ErrorRecord struct {
	Kind    streamapi.ErrorKind `json:"kind" yaml:"kind"`
	Message string              `json:"message" yaml:"message"`
	At      time.Time           `json:"at" yaml:"at"`
}

type ChannelRecord struct {
	Name             string       `json:"name" yaml:"name"`
	FirstActivatedAt time.Time    `json:"firstActivatedAt" yaml:"firstActivatedAt"`
	LastActivatedAt  time.Time    `json:"lastActivatedAt" yaml:"lastActivatedAt"`
	LastStoppedAt    time.Time    `json:"lastStoppedAt" yaml:"lastStoppedAt"`
	Activations      uint64       `json:"activations" yaml:"activations"`
	Failures         uint64       `json:"failures" yaml:"failures"`
	LastError        *ErrorRecord `json:"lastError,omitempty" yaml:"lastError,omitempty"`
}

// States is the lifecycle feed the catalog follows.
type States interface {
	SubscribeStates(ctx context.Context, channels ...string) <-chan bus.Message[string, streamapi.StateEvent]
}

type Service struct {
	db     *badger.DB
	log    *zap.Logger
	states States
	ready  chan struct{}
}

func New(db *badger.DB, log *zap.Logger, states States) *Service {
	return &Service{
		db:     db,
		log:    log,
		states: states,
		ready:  make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) error {
	events := s.states.SubscribeStates(ctx)
	close(s.ready)
	s.log.Info("Catalog started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.Record(msg.Message); err != nil {
				s.log.Error("Failed to record channel state", zap.String("channel", msg.Key), zap.Error(err))
			}
		}
	}
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

func channelKey(name string) []byte {
	return []byte(keyPrefix + name)
}

// Record folds one state transition into the channel's record.
func (s *Service) Record(ev streamapi.StateEvent) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		key := channelKey(ev.Channel)
		var rec ChannelRecord
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			rec.Name = ev.Channel
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal channel record: %w", err)
			}
		}
		switch ev.State {
		case streamapi.DriverRunning:
			rec.Activations++
			if rec.FirstActivatedAt.IsZero() {
				rec.FirstActivatedAt = ev.Time
			}
			rec.LastActivatedAt = ev.Time
		case streamapi.DriverIdle:
			rec.LastStoppedAt = ev.Time
		}
		if ev.Err != nil {
			rec.Failures++
			rec.LastError = &ErrorRecord{
				Kind:    ev.Err.Kind,
				Message: ev.Err.Message,
				At:      ev.Time,
			}
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal channel record: %w", err)
		}
		return txn.Set(key, b)
	})
	if err != nil {
		return fmt.Errorf("failed to record channel %s: %w", ev.Channel, err)
	}
	return nil
}

func (s *Service) List() ([]ChannelRecord, error) {
	var records []ChannelRecord
	err := s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		prefix := []byte(keyPrefix)
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			var rec ChannelRecord
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	return records, nil
}

func (s *Service) Get(name string) (ChannelRecord, error) {
	var rec ChannelRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(channelKey(name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ChannelRecord{}, fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}
	if err != nil {
		return ChannelRecord{}, fmt.Errorf("failed to get channel: %w", err)
	}
	return rec, nil
}
