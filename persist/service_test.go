package persist

import (
	"os"
	"sync"
	"testing"
	"time"

	"path/filepath"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
)

// Functions

func testLogger() log.Logger {
	return log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
}

// TestRecordRoundTrip executes a white-box unit test on the
// record codec.
func TestRecordRoundTrip(t *testing.T) {

	rec := Record{
		Subgroup: 2,
		Sender:   7,
		Index:    42,
		Seq:      85,
		Vid:      3,
		Cooked:   true,
		Payload:  []byte("payload bytes"),
	}

	back, err := DecodeRecord(EncodeRecord(rec))
	assert.Nilf(t, err, "expected nil error for DecodeRecord() but received: %v", err)
	assert.Equalf(t, rec, back, "expected record %+v but found: %+v", rec, back)
}

// TestDecodeRecordRejectsTruncatedInput checks the codec's
// error cases.
func TestDecodeRecordRejectsTruncatedInput(t *testing.T) {

	data := EncodeRecord(Record{Payload: []byte("abc")})

	_, err := DecodeRecord(data[:10])
	assert.NotNilf(t, err, "expected error for truncated record but received nil")

	_, err = DecodeRecord(data[:len(data)-1])
	assert.NotNilf(t, err, "expected error for truncated payload but received nil")
}

// TestWriterAppendsInOrder checks that the upcall fires per
// record, in append order, after durability.
func TestWriterAppendsInOrder(t *testing.T) {

	dir, err := os.MkdirTemp("", "TestWriterAppendsInOrder-")
	assert.Nilf(t, err, "failed to create temporary directory: %v", err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "messages.log")

	s, err := NewService(testLogger(), path)
	assert.Nilf(t, err, "expected nil error for NewService() but received: %v", err)

	var mu sync.Mutex
	var confirmed []int64

	s.SetUpcall(func(rec Record) {
		mu.Lock()
		confirmed = append(confirmed, rec.Index)
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		s.Append(Record{Subgroup: 0, Sender: 1, Index: int64(i), Seq: int64(i), Payload: []byte{byte(i)}})
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(confirmed)
		mu.Unlock()
		if n == 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("writer confirmed only %d of 5 records", n)
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	assert.Equalf(t, []int64{0, 1, 2, 3, 4}, confirmed, "expected confirmations in append order but found: %v", confirmed)
	mu.Unlock()

	assert.Nilf(t, s.Close(), "expected nil error for Close() but received nil")

	// The log file holds the same records in the same order.
	records, err := ReadAll(path)
	assert.Nilf(t, err, "expected nil error for ReadAll() but received: %v", err)
	assert.Equalf(t, 5, len(records), "expected 5 records but found: %d", len(records))
	for i, rec := range records {
		assert.Equalf(t, int64(i), rec.Index, "expected index %d at position %d but found: %d", i, i, rec.Index)
	}
}

// TestWriterCloseDrainsQueue checks that Close waits for
// queued records.
func TestWriterCloseDrainsQueue(t *testing.T) {

	dir, err := os.MkdirTemp("", "TestWriterCloseDrainsQueue-")
	assert.Nilf(t, err, "failed to create temporary directory: %v", err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "messages.log")

	s, err := NewService(testLogger(), path)
	assert.Nilf(t, err, "expected nil error for NewService() but received: %v", err)

	for i := 0; i < 20; i++ {
		s.Append(Record{Index: int64(i), Payload: []byte("x")})
	}

	assert.Nilf(t, s.Close(), "expected nil error for Close() but received nil")

	records, err := ReadAll(path)
	assert.Nilf(t, err, "expected nil error for ReadAll() but received: %v", err)
	assert.Equalf(t, 20, len(records), "expected all 20 queued records flushed but found: %d", len(records))
}

// TestLoggingMiddlewareDelegates checks the decorator
// plumbing.
func TestLoggingMiddlewareDelegates(t *testing.T) {

	dir, err := os.MkdirTemp("", "TestLoggingMiddlewareDelegates-")
	assert.Nilf(t, err, "failed to create temporary directory: %v", err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "messages.log")

	inner, err := NewService(testLogger(), path)
	assert.Nilf(t, err, "expected nil error for NewService() but received: %v", err)

	s := NewLoggingService(inner, testLogger())

	done := make(chan struct{}, 1)
	s.SetUpcall(func(Record) {
		select {
		case done <- struct{}{}:
		default:
		}
	})

	s.Append(Record{Index: 9, Payload: []byte("via middleware")})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("wrapped writer never confirmed the record")
	}

	assert.Nilf(t, s.Close(), "expected nil error for Close() but received nil")
}
