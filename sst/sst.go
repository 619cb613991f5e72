package sst

import (
	"sync"
	"sync/atomic"
	"time"

	"encoding/binary"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	uuid "github.com/satori/go.uuid"
)

// Structs

// SST is a replicated row-per-member table. Every member
// owns exactly one row and pushes byte ranges of it to its
// peers with one-sided writes; all other rows are local
// replicas that remote writers update. A single predicate
// loop evaluates registered predicates against the table
// and runs their triggers.
type SST struct {
	logger    log.Logger
	session   string
	layout    Layout
	myRank    int
	rows      [][]byte
	mu        sync.RWMutex
	transport Transport

	Predicates *Predicates

	failureObserver  func(rank int)
	observerMu       sync.Mutex
	loopShutdown     chan struct{}
	loopDone         chan struct{}
	started          atomic.Bool
	stopped          atomic.Bool
	frozen           atomic.Bool
}

// Functions

// New constructs an SST with the given layout and member
// count. The caller owns row myRank; all rows start zeroed.
// Start() has to be called before predicates fire.
func New(logger log.Logger, transport Transport, layout Layout, myRank int) *SST {

	s := &SST{
		logger:       logger,
		session:      uuid.NewV4().String(),
		layout:       layout,
		myRank:       myRank,
		rows:         make([][]byte, layout.NumMembers),
		transport:    transport,
		Predicates:   newPredicates(),
		loopShutdown: make(chan struct{}),
		loopDone:     make(chan struct{}),
	}

	for i := range s.rows {
		s.rows[i] = make([]byte, layout.RowSize())
	}

	transport.Attach(s)

	level.Debug(logger).Log(
		"msg", "created SST instance",
		"session", s.session,
		"rank", myRank,
		"row_size", layout.RowSize(),
	)

	return s
}

// Layout returns the row layout of this table.
func (s *SST) Layout() Layout { return s.layout }

// MyRank returns the row index this member owns.
func (s *SST) MyRank() int { return s.myRank }

// Session returns the instance identifier used in log lines.
func (s *SST) Session() string { return s.session }

// Start launches the predicate loop.
func (s *SST) Start() {

	if s.started.Swap(true) {
		return
	}

	go s.predicateLoop()
}

// Stop terminates the predicate loop and detaches from the
// transport. Idempotent.
func (s *SST) Stop() {

	if s.stopped.Swap(true) {
		return
	}

	if s.started.Load() {
		close(s.loopShutdown)
		<-s.loopDone
	}

	s.transport.Detach(s)
}

// Freeze halts remote updates into this table without
// stopping the predicate loop. Used while a retired view's
// state is still being read during a transition.
func (s *SST) Freeze() {
	s.frozen.Store(true)
}

// OnWriteFailure registers the observer invoked when a
// put_with_completion to some destination rank fails. The
// failure detector of the view manager consumes this.
func (s *SST) OnWriteFailure(observer func(rank int)) {
	s.observerMu.Lock()
	s.failureObserver = observer
	s.observerMu.Unlock()
}

func (s *SST) reportWriteFailure(rank int) {
	s.observerMu.Lock()
	observer := s.failureObserver
	s.observerMu.Unlock()

	if observer != nil {
		observer(rank)
	}
}

// Put pushes the byte range [offset, offset+size) of this
// member's own row to the listed destination rows. The
// write is one-sided: no completion is awaited and failures
// are ignored. Triggers may call Put freely.
func (s *SST) Put(dests []int, offset, size int) {

	data := s.snapshotOwnRange(offset, size)

	for _, d := range dests {
		if d == s.myRank {
			continue
		}
		// Ignore transient failures; completion-tracked
		// writes are the failure signal, not these.
		_ = s.transport.Write(d, offset, data)
	}
}

// PutAll pushes the full own row to every other member.
func (s *SST) PutAll() {

	dests := make([]int, 0, s.layout.NumMembers)
	for i := 0; i < s.layout.NumMembers; i++ {
		dests = append(dests, i)
	}
	s.Put(dests, 0, s.layout.RowSize())
}

// PutWithCompletion pushes a byte range like Put but tracks
// the remote completion of each write. A failed completion
// is reported to the registered failure observer.
func (s *SST) PutWithCompletion(dests []int, offset, size int) {

	data := s.snapshotOwnRange(offset, size)

	for _, d := range dests {
		if d == s.myRank {
			continue
		}
		if err := s.transport.WriteWithCompletion(d, offset, data); err != nil {
			level.Debug(s.logger).Log(
				"msg", "completion-tracked write failed",
				"session", s.session,
				"dest", d,
				"err", err,
			)
			s.reportWriteFailure(d)
		}
	}
}

// SyncWithMembers blocks until every member of the table
// has reached the same barrier.
func (s *SST) SyncWithMembers() error {
	return s.transport.Sync()
}

func (s *SST) snapshotOwnRange(offset, size int) []byte {

	s.mu.RLock()
	defer s.mu.RUnlock()

	data := make([]byte, size)
	copy(data, s.rows[s.myRank][offset:offset+size])
	return data
}

// applyRemote installs a one-sided write from the member
// owning row srcRank.
func (s *SST) applyRemote(srcRank int, offset int, data []byte) {

	if s.frozen.Load() || s.stopped.Load() {
		return
	}
	if srcRank < 0 || srcRank >= len(s.rows) {
		return
	}
	if offset < 0 || offset+len(data) > s.layout.RowSize() {
		return
	}

	s.mu.Lock()
	copy(s.rows[srcRank][offset:], data)
	s.mu.Unlock()
}

// predicateLoop runs all registered predicates against the
// current table until shutdown. Triggers run on this
// goroutine and must not block on I/O.
func (s *SST) predicateLoop() {

	defer close(s.loopDone)

	ticker := time.NewTicker(200 * time.Microsecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.loopShutdown:
			return
		case <-ticker.C:
			s.Predicates.runCycle(s)
		}
	}
}

// Typed column accessors. Reads may name any row; writes
// only ever touch this member's own row.

func (s *SST) getInt64(row, off int) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(binary.LittleEndian.Uint64(s.rows[row][off:]))
}

func (s *SST) setInt64(off int, v int64) {
	s.mu.Lock()
	binary.LittleEndian.PutUint64(s.rows[s.myRank][off:], uint64(v))
	s.mu.Unlock()
}

func (s *SST) getInt32(row, off int) int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int32(binary.LittleEndian.Uint32(s.rows[row][off:]))
}

func (s *SST) setInt32(off int, v int32) {
	s.mu.Lock()
	binary.LittleEndian.PutUint32(s.rows[s.myRank][off:], uint32(v))
	s.mu.Unlock()
}

func (s *SST) getBool(row, off int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[row][off] != 0
}

func (s *SST) setBool(off int, v bool) {
	s.mu.Lock()
	if v {
		s.rows[s.myRank][off] = 1
	} else {
		s.rows[s.myRank][off] = 0
	}
	s.mu.Unlock()
}

func (s *SST) Vid(row int) int32  { return s.getInt32(row, s.layout.offVid) }
func (s *SST) SetVid(v int32)     { s.setInt32(s.layout.offVid, v) }

func (s *SST) Suspected(row, member int) bool { return s.getBool(row, s.layout.offSuspected+member) }
func (s *SST) SetSuspected(member int, v bool) {
	s.setBool(s.layout.offSuspected+member, v)
}

func (s *SST) Change(row, i int) int32  { return s.getInt32(row, s.layout.offChanges+4*i) }
func (s *SST) SetChange(i int, v int32) { s.setInt32(s.layout.offChanges+4*i, v) }

func (s *SST) JoinerID(row, i int) int32  { return s.getInt32(row, s.layout.offJoinerIDs+4*i) }
func (s *SST) SetJoinerID(i int, v int32) { s.setInt32(s.layout.offJoinerIDs+4*i, v) }

func (s *SST) NChanges(row int) int32  { return s.getInt32(row, s.layout.offNChanges) }
func (s *SST) SetNChanges(v int32)     { s.setInt32(s.layout.offNChanges, v) }

func (s *SST) NCommitted(row int) int32 { return s.getInt32(row, s.layout.offNCommitted) }
func (s *SST) SetNCommitted(v int32)    { s.setInt32(s.layout.offNCommitted, v) }

func (s *SST) NAcked(row int) int32 { return s.getInt32(row, s.layout.offNAcked) }
func (s *SST) SetNAcked(v int32)    { s.setInt32(s.layout.offNAcked, v) }

func (s *SST) NInstalled(row int) int32 { return s.getInt32(row, s.layout.offNInstalled) }
func (s *SST) SetNInstalled(v int32)    { s.setInt32(s.layout.offNInstalled, v) }

func (s *SST) NumReceived(row, senderSlot int) int64 {
	return s.getInt64(row, s.layout.NumReceivedOffset(senderSlot))
}
func (s *SST) SetNumReceived(senderSlot int, v int64) {
	s.setInt64(s.layout.NumReceivedOffset(senderSlot), v)
}

func (s *SST) NumReceivedSST(row, senderSlot int) int64 {
	return s.getInt64(row, s.layout.NumReceivedSSTOffset(senderSlot))
}
func (s *SST) SetNumReceivedSST(senderSlot int, v int64) {
	s.setInt64(s.layout.NumReceivedSSTOffset(senderSlot), v)
}

func (s *SST) SeqNum(row, subgroup int) int64 {
	return s.getInt64(row, s.layout.SeqNumOffset(subgroup))
}
func (s *SST) SetSeqNum(subgroup int, v int64) {
	s.setInt64(s.layout.SeqNumOffset(subgroup), v)
}

func (s *SST) StableNum(row, subgroup int) int64 {
	return s.getInt64(row, s.layout.StableNumOffset(subgroup))
}
func (s *SST) SetStableNum(subgroup int, v int64) {
	s.setInt64(s.layout.StableNumOffset(subgroup), v)
}

func (s *SST) DeliveredNum(row, subgroup int) int64 {
	return s.getInt64(row, s.layout.DeliveredNumOffset(subgroup))
}
func (s *SST) SetDeliveredNum(subgroup int, v int64) {
	s.setInt64(s.layout.DeliveredNumOffset(subgroup), v)
}

func (s *SST) PersistedNum(row, subgroup int) int64 {
	return s.getInt64(row, s.layout.PersistedNumOffset(subgroup))
}
func (s *SST) SetPersistedNum(subgroup int, v int64) {
	s.setInt64(s.layout.PersistedNumOffset(subgroup), v)
}

func (s *SST) SlotNextSeq(row, subgroup, slot int) int64 {
	return s.getInt64(row, s.layout.SlotOffset(subgroup, slot))
}
func (s *SST) SetSlotNextSeq(subgroup, slot int, v int64) {
	s.setInt64(s.layout.SlotOffset(subgroup, slot), v)
}

func (s *SST) SlotSize(row, subgroup, slot int) int32 {
	return s.getInt32(row, s.layout.SlotOffset(subgroup, slot)+8)
}

// SlotBuf returns a copy of the first size bytes of the
// slot's payload buffer.
func (s *SST) SlotBuf(row, subgroup, slot int, size int) []byte {

	s.mu.RLock()
	defer s.mu.RUnlock()

	off := s.layout.SlotOffset(subgroup, slot) + 12
	buf := make([]byte, size)
	copy(buf, s.rows[row][off:off+size])
	return buf
}

// SetSlotContents writes size and payload of the slot in
// this member's own row. next_seq is bumped separately.
func (s *SST) SetSlotContents(subgroup, slot int, payload []byte) {

	s.mu.Lock()
	defer s.mu.Unlock()

	off := s.layout.SlotOffset(subgroup, slot)
	binary.LittleEndian.PutUint32(s.rows[s.myRank][off+8:], uint32(len(payload)))
	copy(s.rows[s.myRank][off+12:], payload)
}

func (s *SST) Heartbeat(row, member int) bool { return s.getBool(row, s.layout.offHeartbeat+member) }
func (s *SST) SetHeartbeat(member int, v bool) {
	s.setBool(s.layout.offHeartbeat+member, v)
}

func (s *SST) GlobalMin(row, senderSlot int) int64 {
	return s.getInt64(row, s.layout.GlobalMinOffset(senderSlot))
}
func (s *SST) SetGlobalMin(senderSlot int, v int64) {
	s.setInt64(s.layout.GlobalMinOffset(senderSlot), v)
}

func (s *SST) GlobalMinReady(row, subgroup int) bool {
	return s.getBool(row, s.layout.GlobalMinReadyOffset(subgroup))
}
func (s *SST) SetGlobalMinReady(subgroup int, v bool) {
	s.setBool(s.layout.GlobalMinReadyOffset(subgroup), v)
}

// InitCounters sets all sequence counters of the own row to
// -1, the value meaning "nothing yet". Callers push the row
// and sync afterwards.
func (s *SST) InitCounters() {

	for j := 0; j < s.layout.TotalSenders; j++ {
		s.SetNumReceived(j, -1)
		s.SetNumReceivedSST(j, -1)
		s.SetGlobalMin(j, -1)
	}
	for g := 0; g < s.layout.NumSubgroups; g++ {
		s.SetSeqNum(g, -1)
		s.SetStableNum(g, -1)
		s.SetDeliveredNum(g, -1)
		s.SetPersistedNum(g, -1)
	}
}
