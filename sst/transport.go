package sst

import (
	"sync"

	"github.com/pkg/errors"
)

// Structs

// Transport moves one-sided row writes between the SST
// instances of a group. Rank numbering follows the SST row
// numbering of the current view.
type Transport interface {

	// Attach binds the local table so incoming writes can be
	// applied to it.
	Attach(s *SST)

	// Detach unbinds the local table. Writes arriving after
	// Detach are dropped.
	Detach(s *SST)

	// Write pushes a byte range of the caller's row into the
	// replica held by destRank. No completion is awaited.
	Write(destRank, offset int, data []byte) error

	// WriteWithCompletion pushes like Write but blocks until
	// the remote completion is confirmed. A returned error is
	// proof of peer failure.
	WriteWithCompletion(destRank, offset int, data []byte) error

	// Sync blocks until every member of the group has called
	// Sync.
	Sync() error
}

// Exchange is an in-process mesh connecting the SST
// instances of every member of a single-process group.
// Tests and single-host clusters use it in place of the
// TCP transport.
type Exchange struct {
	mu       sync.Mutex
	cond     *sync.Cond
	members  map[int]*SST
	expected int
	arrived  int
	barrier  uint64
}

type memEndpoint struct {
	exchange *Exchange
	rank     int
}

// Functions

// NewExchange creates a mesh expecting the given number of
// members to participate in barriers.
func NewExchange(expected int) *Exchange {

	e := &Exchange{
		members:  make(map[int]*SST),
		expected: expected,
	}
	e.cond = sync.NewCond(&e.mu)

	return e
}

// Endpoint returns the transport endpoint of the member at
// the given rank.
func (e *Exchange) Endpoint(rank int) Transport {
	return &memEndpoint{exchange: e, rank: rank}
}

// Fail detaches the member at the given rank, making all
// subsequent completion-tracked writes to it fail. Used by
// tests to simulate a crashed peer.
func (e *Exchange) Fail(rank int) {

	e.mu.Lock()
	delete(e.members, rank)
	e.mu.Unlock()
}

func (e *Exchange) attach(rank int, s *SST) {
	e.mu.Lock()
	e.members[rank] = s
	e.mu.Unlock()
}

func (e *Exchange) detach(rank int, s *SST) {
	e.mu.Lock()
	if e.members[rank] == s {
		delete(e.members, rank)
	}
	e.mu.Unlock()
}

func (e *Exchange) lookup(rank int) *SST {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.members[rank]
}

func (e *Exchange) await() {

	e.mu.Lock()
	defer e.mu.Unlock()

	e.arrived++
	if e.arrived == e.expected {
		e.arrived = 0
		e.barrier++
		e.cond.Broadcast()
		return
	}

	gen := e.barrier
	for e.barrier == gen {
		e.cond.Wait()
	}
}

func (m *memEndpoint) Attach(s *SST) {
	m.exchange.attach(m.rank, s)
}

func (m *memEndpoint) Detach(s *SST) {
	m.exchange.detach(m.rank, s)
}

func (m *memEndpoint) Write(destRank, offset int, data []byte) error {

	dest := m.exchange.lookup(destRank)
	if dest == nil {
		return errors.Errorf("no member attached at rank %d", destRank)
	}

	dest.applyRemote(m.rank, offset, data)
	return nil
}

func (m *memEndpoint) WriteWithCompletion(destRank, offset int, data []byte) error {

	dest := m.exchange.lookup(destRank)
	if dest == nil {
		return errors.Errorf("completion failure: no member attached at rank %d", destRank)
	}

	dest.applyRemote(m.rank, offset, data)
	return nil
}

func (m *memEndpoint) Sync() error {
	m.exchange.await()
	return nil
}
