package persistence

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/life-stream-dev/treemq/internal/config"
	"github.com/life-stream-dev/treemq/internal/logger"
	"github.com/life-stream-dev/treemq/internal/mqtt"
	"github.com/life-stream-dev/treemq/internal/subscription"
	"github.com/vmihailenco/msgpack/v5"
)

// Key layout. MQTT client ids and topics never contain U+0000, so it is
// used as the separator.
const (
	retainedPrefix = "retained\x00"
	subsPrefix     = "subs\x00"
	offlinePrefix  = "offline\x00"
	offlineSeqKey  = "seq\x00offline"
)

type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

func NewBadgerStore(cfg config.BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("badger dir is required for on-disk mode")
	}
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(badgerLogger{})
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger{})
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error occured while opening badger: %w", err)
	}
	seq, err := db.GetSequence([]byte(offlineSeqKey), 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error occured while leasing badger sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

func offlineClientPrefix(clientID string) []byte {
	return []byte(offlinePrefix + clientID + "\x00")
}

func (bs *BadgerStore) StoreRetained(_ context.Context, msg *mqtt.Message) error {
	key := []byte(retainedPrefix + msg.Topic)
	if len(msg.Payload) == 0 {
		return bs.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
	}
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return err
	}
	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// scan calls fn for every key under prefix, in key order.
func (bs *BadgerStore) scan(txn *badger.Txn, prefix []byte, fn func(key, value []byte) error) error {
	iterOpts := badger.DefaultIteratorOptions
	iterOpts.Prefix = prefix
	it := txn.NewIterator(iterOpts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), value); err != nil {
			return err
		}
	}
	return nil
}

func (bs *BadgerStore) LookupRetained(_ context.Context, filter string) ([]*mqtt.Message, error) {
	var result []*mqtt.Message
	err := bs.db.View(func(txn *badger.Txn) error {
		return bs.scan(txn, []byte(retainedPrefix), func(key, value []byte) error {
			topic := strings.TrimPrefix(string(key), retainedPrefix)
			if !subscription.MatchFilter(filter, topic) {
				return nil
			}
			var msg mqtt.Message
			if err := msgpack.Unmarshal(value, &msg); err != nil {
				return err
			}
			result = append(result, &msg)
			return nil
		})
	})
	return result, err
}

func (bs *BadgerStore) StoreSubscriptions(_ context.Context, clientID string, subs []mqtt.Subscription) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	key := []byte(subsPrefix + clientID)
	if len(subs) == 0 {
		return bs.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
	}
	data, err := msgpack.Marshal(subs)
	if err != nil {
		return err
	}
	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (bs *BadgerStore) LookupSubscriptions(_ context.Context, clientID string) ([]mqtt.Subscription, error) {
	if clientID == "" {
		return nil, ErrClientIdEmpty
	}
	var subs []mqtt.Subscription
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(subsPrefix + clientID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &subs)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return subs, err
}

func (bs *BadgerStore) AllSubscriptions(_ context.Context) (map[string][]mqtt.Subscription, error) {
	result := make(map[string][]mqtt.Subscription)
	err := bs.db.View(func(txn *badger.Txn) error {
		return bs.scan(txn, []byte(subsPrefix), func(key, value []byte) error {
			var subs []mqtt.Subscription
			if err := msgpack.Unmarshal(value, &subs); err != nil {
				return err
			}
			result[strings.TrimPrefix(string(key), subsPrefix)] = subs
			return nil
		})
	})
	return result, err
}

func (bs *BadgerStore) StoreOfflinePacket(_ context.Context, clientID string, msg *mqtt.Message) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	n, err := bs.seq.Next()
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return err
	}
	key := binary.BigEndian.AppendUint64(offlineClientPrefix(clientID), n)
	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (bs *BadgerStore) StreamOfflinePackets(_ context.Context, clientID string, fn func(*mqtt.Message) error) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	var messages []*mqtt.Message
	err := bs.db.Update(func(txn *badger.Txn) error {
		var keys [][]byte
		err := bs.scan(txn, offlineClientPrefix(clientID), func(key, value []byte) error {
			var msg mqtt.Message
			if err := msgpack.Unmarshal(value, &msg); err != nil {
				logger.WarnF("[%s] Skip undecodable offline message, details: %v", clientID, err)
			} else {
				messages = append(messages, &msg)
			}
			keys = append(keys, key)
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, msg := range messages {
		if err := fn(msg); err != nil {
			return err
		}
	}
	return nil
}

func (bs *BadgerStore) CleanSession(_ context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIdEmpty
	}
	return bs.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(subsPrefix + clientID)); err != nil {
			return err
		}
		var keys [][]byte
		err := bs.scan(txn, offlineClientPrefix(clientID), func(key, _ []byte) error {
			keys = append(keys, key)
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (bs *BadgerStore) Close(_ context.Context) error {
	if err := bs.seq.Release(); err != nil {
		logger.WarnF("Fail to release badger sequence, details: %v", err)
	}
	return bs.db.Close()
}

// badgerLogger forwards badger warnings and errors to the broker log.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logger.ErrorF("badger: "+strings.TrimSpace(format), args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logger.WarnF("badger: "+strings.TrimSpace(format), args...)
}

func (badgerLogger) Infof(string, ...interface{}) {}

func (badgerLogger) Debugf(string, ...interface{}) {}
