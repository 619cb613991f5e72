package multicast

import (
	"sync"

	"github.com/pkg/errors"
)

// Structs

// ReceiveDestination supplies the buffer an incoming bulk
// transfer lands in.
type ReceiveDestination struct {
	Buffer []byte
}

// BulkTransport is the reliable bulk-transfer collaborator
// the ordering pipeline drives. For every sender of a shard
// one transfer group exists with the sender rotated to the
// root. Receivers register a destination-select callback
// supplying an incoming buffer and a completion callback
// observing the finished transfer. The sender's own
// completion callback fires as a self-receive.
type BulkTransport interface {

	// CreateGroup registers this node's participation in the
	// transfer group groupNum. members lists the rotated
	// shard with the sender first. incomingBuffer is nil on
	// the sender.
	CreateGroup(groupNum int, members []int32, incomingBuffer func(size int) *ReceiveDestination, receive func(data []byte, size int)) error

	// Send transfers size bytes of buf to every group member.
	Send(groupNum int, buf []byte, size int) error

	// DestroyGroup tears this node's membership in the group
	// down. Idempotent.
	DestroyGroup(groupNum int)
}

// BulkExchange is an in-process bulk transport connecting
// the members of a single-process group. Tests and
// single-host clusters use it in place of an RDMA-backed
// implementation.
type BulkExchange struct {
	mu     sync.Mutex
	groups map[int]*bulkGroup
}

type bulkMember struct {
	node     int32
	incoming func(size int) *ReceiveDestination
	receive  func(data []byte, size int)
}

type bulkGroup struct {
	sender   int32
	members  map[int32]*bulkMember
	queue    chan bulkTransfer
	shutdown chan struct{}
	once     sync.Once
}

type bulkTransfer struct {
	data []byte
	size int
}

type bulkEndpoint struct {
	exchange *BulkExchange
	node     int32
}

// Functions

// NewBulkExchange creates an empty in-process bulk mesh.
func NewBulkExchange() *BulkExchange {
	return &BulkExchange{groups: make(map[int]*bulkGroup)}
}

// Endpoint returns the transport endpoint of the given node.
func (e *BulkExchange) Endpoint(node int32) BulkTransport {
	return &bulkEndpoint{exchange: e, node: node}
}

func (e *BulkExchange) group(groupNum int, sender int32) *bulkGroup {

	e.mu.Lock()
	defer e.mu.Unlock()

	g, ok := e.groups[groupNum]
	if !ok {
		g = &bulkGroup{
			sender:   sender,
			members:  make(map[int32]*bulkMember),
			queue:    make(chan bulkTransfer, 64),
			shutdown: make(chan struct{}),
		}
		e.groups[groupNum] = g
		go g.deliverLoop()
	}
	return g
}

// deliverLoop moves queued transfers to every registered
// member in order, one transfer at a time, so per-sender
// receipt order matches send order at every receiver.
func (g *bulkGroup) deliverLoop() {

	for {
		select {
		case <-g.shutdown:
			return
		case tr := <-g.queue:
			g.deliver(tr)
		}
	}
}

func (g *bulkGroup) deliver(tr bulkTransfer) {

	// Snapshot the member set so callbacks run without the
	// exchange lock held.
	members := make([]*bulkMember, 0)
	g.lockExchangeFree(func() {
		for _, m := range g.members {
			members = append(members, m)
		}
	})

	for _, m := range members {

		if m.node == g.sender {
			// Self-receive: the sender's completion observes
			// its own outbound buffer.
			m.receive(tr.data, tr.size)
			continue
		}

		if m.incoming == nil {
			continue
		}
		dest := m.incoming(tr.size)
		if dest == nil {
			continue
		}
		copy(dest.Buffer, tr.data[:tr.size])
		m.receive(dest.Buffer, tr.size)
	}
}

var bulkMemberMu sync.Mutex

func (g *bulkGroup) lockExchangeFree(fn func()) {
	bulkMemberMu.Lock()
	defer bulkMemberMu.Unlock()
	fn()
}

func (b *bulkEndpoint) CreateGroup(groupNum int, members []int32, incomingBuffer func(size int) *ReceiveDestination, receive func(data []byte, size int)) error {

	if len(members) == 0 {
		return errors.New("bulk group needs at least one member")
	}

	g := b.exchange.group(groupNum, members[0])

	g.lockExchangeFree(func() {
		g.members[b.node] = &bulkMember{
			node:     b.node,
			incoming: incomingBuffer,
			receive:  receive,
		}
	})

	return nil
}

func (b *bulkEndpoint) Send(groupNum int, buf []byte, size int) error {

	b.exchange.mu.Lock()
	g, ok := b.exchange.groups[groupNum]
	b.exchange.mu.Unlock()

	if !ok {
		return errors.Errorf("bulk group %d does not exist", groupNum)
	}
	if g.sender != b.node {
		return errors.Errorf("node %d is not the sender of bulk group %d", b.node, groupNum)
	}

	// Copy out so the caller may reuse its buffer while the
	// transfer is queued.
	data := make([]byte, size)
	copy(data, buf[:size])

	select {
	case g.queue <- bulkTransfer{data: data, size: size}:
		return nil
	case <-g.shutdown:
		return errors.Errorf("bulk group %d shut down", groupNum)
	}
}

func (b *bulkEndpoint) DestroyGroup(groupNum int) {

	b.exchange.mu.Lock()
	g, ok := b.exchange.groups[groupNum]
	b.exchange.mu.Unlock()

	if !ok {
		return
	}

	empty := false
	g.lockExchangeFree(func() {
		delete(g.members, b.node)
		empty = len(g.members) == 0
	})

	if empty {
		b.exchange.mu.Lock()
		if e, ok := b.exchange.groups[groupNum]; ok && e == g {
			delete(b.exchange.groups, groupNum)
		}
		b.exchange.mu.Unlock()
		g.once.Do(func() { close(g.shutdown) })
	}
}
