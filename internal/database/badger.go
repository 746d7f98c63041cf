package database

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

const (
	maxTxnRetries     = 16
	sequenceBandwidth = 100
)

// BadgerChatRepository is the embedded single-node store. Keys are laid out so that
// prefix scans return records in id or sequence order:
//
//	conv:{id}                          conversation
//	convpair:{low}:{high}              conversation id
//	room:{id}                          room
//	roomname:{lower(name)}             room id
//	roomext:{external id}              room id
//	mbr:{container}:{user}             membership
//	umbr:{user}:{container}            reverse membership index
//	msg:{id}                           message
//	cmsg:{container}:{seq}             message id
//	rbatch:{message}                   receipt creation guard
//	rcpt:{message}:{user}              receipt
//	unread:{user}:{container}:{message} message creation time
type BadgerChatRepository struct {
	db   *badger.DB
	seqs map[string]*badger.Sequence
}

// NewBadgerChatRepository opens the store at path, or an in-memory store when path is empty.
func NewBadgerChatRepository(path string) (*BadgerChatRepository, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	repo := &BadgerChatRepository{db: db, seqs: make(map[string]*badger.Sequence)}
	for _, name := range []string{"conversation", "room", "message"} {
		seq, err := db.GetSequence([]byte("seq:"+name), sequenceBandwidth)
		if err != nil {
			repo.Close()
			return nil, fmt.Errorf("sequence %s: %w", name, err)
		}
		repo.seqs[name] = seq
	}

	return repo, nil
}

func (b *BadgerChatRepository) Ping() error {
	if b.db.IsClosed() {
		return errors.New("badger: database is closed")
	}
	return nil
}

func (b *BadgerChatRepository) Close() error {
	for _, seq := range b.seqs {
		seq.Release()
	}
	return b.db.Close()
}

func (b *BadgerChatRepository) nextId(name string) (int, error) {
	n, err := b.seqs[name].Next()
	if err != nil {
		return 0, err
	}
	// sequences start at zero, ids at one
	return int(n) + 1, nil
}

// update runs fn in a read-write transaction, retrying when a concurrent transaction
// committed a conflicting write first.
func (b *BadgerChatRepository) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range maxTxnRetries {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getRecord(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}

	return item.Value(func(val []byte) error {
		return cbor.Unmarshal(val, v)
	})
}

func setRecord(txn *badger.Txn, key string, v any) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

func exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func getInt(txn *badger.Txn, key string) (int, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}

	var n int
	err = item.Value(func(val []byte) error {
		n, err = strconv.Atoi(string(val))
		return err
	})
	return n, err
}

func setInt(txn *badger.Txn, key string, n int) error {
	return txn.Set([]byte(key), []byte(strconv.Itoa(n)))
}

// scanKeys returns copies of every key under prefix, in ascending order.
func scanKeys(txn *badger.Txn, prefix string) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)

	it := txn.NewIterator(opts)
	defer it.Close()

	var keys []string
	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		keys = append(keys, string(it.Item().KeyCopy(nil)))
	}
	return keys
}

func toUnix(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func pad(n int) string {
	return fmt.Sprintf("%010d", n)
}
