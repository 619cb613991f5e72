package multicast

import (
	"bufio"
	"io"
	"net"
	"sync"

	"encoding/binary"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// Structs

// TCPBulkTransport carries bulk transfers between processes
// over plain TCP, one frame per message, through the RDMC
// bootstrap port. Frames from one sender travel a single
// connection per receiver, so per-sender receipt order
// matches send order.
type TCPBulkTransport struct {
	logger log.Logger
	myID   int32
	addrs  map[int32]string

	listener net.Listener

	mu     sync.Mutex
	groups map[int]*tcpBulkGroup
	conns  map[int32]*tcpBulkConn

	shutdown chan struct{}
	wg       sync.WaitGroup
}

type tcpBulkGroup struct {
	sender   int32
	members  []int32
	incoming func(size int) *ReceiveDestination
	receive  func(data []byte, size int)
}

type tcpBulkConn struct {
	conn net.Conn
	wmu  sync.Mutex
	w    *bufio.Writer
}

// Functions

// NewTCPBulkTransport opens the bulk bootstrap listener.
// addrs maps every node id to its bulk bootstrap address.
func NewTCPBulkTransport(logger log.Logger, myID int32, addrs map[int32]string) (*TCPBulkTransport, error) {

	ln, err := net.Listen("tcp", addrs[myID])
	if err != nil {
		return nil, errors.Wrapf(err, "listening on bulk bootstrap address %s failed", addrs[myID])
	}

	t := &TCPBulkTransport{
		logger:   logger,
		myID:     myID,
		addrs:    addrs,
		listener: ln,
		groups:   make(map[int]*tcpBulkGroup),
		conns:    make(map[int32]*tcpBulkConn),
		shutdown: make(chan struct{}),
	}

	t.wg.Add(1)
	go t.acceptLoop()

	return t, nil
}

// Close shuts the listener and all connections down.
func (t *TCPBulkTransport) Close() error {

	close(t.shutdown)
	err := t.listener.Close()

	t.mu.Lock()
	for _, c := range t.conns {
		c.conn.Close()
	}
	t.conns = make(map[int32]*tcpBulkConn)
	t.mu.Unlock()

	t.wg.Wait()
	return err
}

func (t *TCPBulkTransport) CreateGroup(groupNum int, members []int32, incomingBuffer func(size int) *ReceiveDestination, receive func(data []byte, size int)) error {

	if len(members) == 0 {
		return errors.New("bulk group needs at least one member")
	}

	t.mu.Lock()
	t.groups[groupNum] = &tcpBulkGroup{
		sender:   members[0],
		members:  append([]int32(nil), members...),
		incoming: incomingBuffer,
		receive:  receive,
	}
	t.mu.Unlock()

	return nil
}

func (t *TCPBulkTransport) Send(groupNum int, buf []byte, size int) error {

	t.mu.Lock()
	g, ok := t.groups[groupNum]
	t.mu.Unlock()

	if !ok {
		return errors.Errorf("bulk group %d does not exist", groupNum)
	}
	if g.sender != t.myID {
		return errors.Errorf("node %d is not the sender of bulk group %d", t.myID, groupNum)
	}

	for _, member := range g.members {
		if member == t.myID {
			continue
		}
		if err := t.sendFrame(member, groupNum, buf[:size]); err != nil {
			return err
		}
	}

	// Self-receive completes the sender's own transfer.
	data := make([]byte, size)
	copy(data, buf[:size])
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		g.receive(data, size)
	}()

	return nil
}

func (t *TCPBulkTransport) DestroyGroup(groupNum int) {

	t.mu.Lock()
	delete(t.groups, groupNum)
	t.mu.Unlock()
}

func (t *TCPBulkTransport) sendFrame(dest int32, groupNum int, data []byte) error {

	c, err := t.peer(dest)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(groupNum))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(data)))

	if _, err := c.w.Write(hdr[:]); err != nil {
		t.dropPeer(dest)
		return errors.Wrapf(err, "writing bulk frame header to node %d failed", dest)
	}
	if _, err := c.w.Write(data); err != nil {
		t.dropPeer(dest)
		return errors.Wrapf(err, "writing bulk frame payload to node %d failed", dest)
	}
	if err := c.w.Flush(); err != nil {
		t.dropPeer(dest)
		return errors.Wrapf(err, "flushing bulk frame to node %d failed", dest)
	}

	return nil
}

func (t *TCPBulkTransport) peer(node int32) (*tcpBulkConn, error) {

	t.mu.Lock()
	if c, ok := t.conns[node]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	addr, ok := t.addrs[node]
	if !ok {
		return nil, errors.Errorf("no bulk address known for node %d", node)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing bulk peer %d failed", node)
	}

	c := &tcpBulkConn{conn: conn, w: bufio.NewWriter(conn)}

	t.mu.Lock()
	if existing, ok := t.conns[node]; ok {
		t.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	t.conns[node] = c
	t.mu.Unlock()

	return c, nil
}

func (t *TCPBulkTransport) dropPeer(node int32) {

	t.mu.Lock()
	if c, ok := t.conns[node]; ok {
		c.conn.Close()
		delete(t.conns, node)
	}
	t.mu.Unlock()
}

func (t *TCPBulkTransport) acceptLoop() {

	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.shutdown:
				return
			default:
			}
			level.Warn(t.logger).Log("msg", "accepting bulk connection failed", "err", err)
			return
		}

		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *TCPBulkTransport) readLoop(conn net.Conn) {

	defer t.wg.Done()
	defer conn.Close()

	r := bufio.NewReader(conn)

	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return
		}

		groupNum := int(binary.LittleEndian.Uint32(hdr[0:]))
		size := int(binary.LittleEndian.Uint32(hdr[4:]))

		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return
		}

		t.mu.Lock()
		g, ok := t.groups[groupNum]
		t.mu.Unlock()

		if !ok {
			// The group was destroyed mid-transfer; the frame
			// belongs to a retired view.
			continue
		}

		if g.incoming == nil {
			continue
		}
		dest := g.incoming(size)
		if dest == nil {
			continue
		}
		copy(dest.Buffer, data)
		g.receive(dest.Buffer, size)
	}
}
