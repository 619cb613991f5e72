package persist

import (
	"os"
	"sync"

	"encoding/binary"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Variables

var messagesBucket = []byte("messages")

// Structs

// Record is one delivered message handed to the writer in
// delivery order. When the durable upcall fires for a
// record, its bytes are on stable storage.
type Record struct {
	Subgroup int
	Sender   int32
	Index    int64
	Seq      int64
	Vid      int32
	Cooked   bool
	Payload  []byte
}

// Service is the asynchronous append-only persistence
// writer. Records are durable before the upcall returns.
// A failed append is fatal to the process: losing the
// ordering between reported-durable and actually-durable
// records would break every recovery path.
type Service interface {

	// Append enqueues a record. Never blocks; safe to call
	// from predicate triggers.
	Append(rec Record)

	// SetUpcall installs the function invoked after a record
	// became durable. The owning group rebinds this across a
	// view transition.
	SetUpcall(fn func(Record))

	// Close drains the queue and shuts the writer down.
	Close() error
}

type service struct {
	logger log.Logger
	db     *bolt.DB

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Record
	upcall   func(Record)
	nextKey  uint64
	shutdown bool
	done     chan struct{}
}

// Functions

// NewService opens the append log at path and starts the
// single writer goroutine.
func NewService(logger log.Logger, path string) (Service, error) {

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening persistence log at '%s' failed", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(messagesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating messages bucket failed")
	}

	s := &service{
		logger: logger,
		db:     db,
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	go s.writeLoop()

	return s, nil
}

func (s *service) Append(rec Record) {

	s.mu.Lock()
	s.queue = append(s.queue, rec)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *service) SetUpcall(fn func(Record)) {

	s.mu.Lock()
	s.upcall = fn
	s.mu.Unlock()
}

func (s *service) Close() error {

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.shutdown = true
	s.cond.Signal()
	s.mu.Unlock()

	<-s.done
	return s.db.Close()
}

// writeLoop appends queued records one transaction at a
// time and reports each as durable once committed.
func (s *service) writeLoop() {

	defer close(s.done)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.shutdown {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.shutdown {
			s.mu.Unlock()
			return
		}
		rec := s.queue[0]
		s.queue = s.queue[1:]
		key := s.nextKey
		s.nextKey++
		upcall := s.upcall
		s.mu.Unlock()

		if err := s.writeRecord(key, rec); err != nil {
			// Losing a record that may already be reported
			// stable elsewhere cannot be recovered from here.
			level.Error(s.logger).Log(
				"msg", "appending record to persistence log failed",
				"subgroup", rec.Subgroup,
				"index", rec.Index,
				"err", err,
			)
			os.Exit(1)
		}

		if upcall != nil {
			upcall(rec)
		}
	}
}

func (s *service) writeRecord(key uint64, rec Record) error {

	return s.db.Update(func(tx *bolt.Tx) error {

		b := tx.Bucket(messagesBucket)
		if b == nil {
			return errors.New("messages bucket missing")
		}

		var k [8]byte
		binary.BigEndian.PutUint64(k[:], key)

		return b.Put(k[:], EncodeRecord(rec))
	})
}

// EncodeRecord lays a record out as:
// subgroup:i32 | sender:i32 | index:i64 | seq:i64 | vid:i32
// | cooked:u8 | payload_len:u32 | payload. Little-endian.
func EncodeRecord(rec Record) []byte {

	buf := make([]byte, 4+4+8+8+4+1+4+len(rec.Payload))
	off := 0

	binary.LittleEndian.PutUint32(buf[off:], uint32(rec.Subgroup))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(rec.Sender))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], uint64(rec.Index))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(rec.Seq))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(rec.Vid))
	off += 4
	if rec.Cooked {
		buf[off] = 1
	}
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(rec.Payload)))
	off += 4
	copy(buf[off:], rec.Payload)

	return buf
}

// DecodeRecord is the inverse of EncodeRecord.
func DecodeRecord(buf []byte) (Record, error) {

	if len(buf) < 33 {
		return Record{}, errors.Errorf("record of %d bytes too short", len(buf))
	}

	rec := Record{}
	off := 0

	rec.Subgroup = int(int32(binary.LittleEndian.Uint32(buf[off:])))
	off += 4
	rec.Sender = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	rec.Index = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	rec.Seq = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	rec.Vid = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	rec.Cooked = buf[off] != 0
	off++

	payloadLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+payloadLen {
		return Record{}, errors.Errorf("record payload truncated: want %d bytes, have %d", payloadLen, len(buf)-off)
	}
	rec.Payload = append([]byte(nil), buf[off:off+payloadLen]...)

	return rec, nil
}

// ReadAll returns every record of the log at path in append
// order. Used by recovery tooling and tests.
func ReadAll(path string) ([]Record, error) {

	db, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return nil, errors.Wrapf(err, "opening persistence log at '%s' failed", path)
	}
	defer db.Close()

	var records []Record

	err = db.View(func(tx *bolt.Tx) error {

		b := tx.Bucket(messagesBucket)
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			rec, err := DecodeRecord(v)
			if err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "scanning persistence log failed")
	}

	return records, nil
}
