package sst

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"encoding/binary"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// Constants

// Frame kinds on an SST bootstrap connection.
const (
	frameWrite    byte = 0
	frameWriteAck byte = 1
	frameAck      byte = 2
	frameSync     byte = 3
)

// completionTimeout bounds how long a completion-tracked
// write waits before it counts as a peer failure.
const completionTimeout = 2 * time.Second

// Structs

// TCPTransport carries one-sided row writes between group
// members over plain TCP connections established through
// the SST bootstrap port. Each frame names the byte range
// it covers, mirroring a remote-write verb.
type TCPTransport struct {
	logger log.Logger
	myRank int
	addrs  []string

	listener net.Listener

	mu    sync.Mutex
	sst   *SST
	peers map[int]*tcpPeer

	ackMu   sync.Mutex
	nextAck uint64
	acks    map[uint64]chan struct{}

	syncMu      sync.Mutex
	syncCond    *sync.Cond
	syncArrived map[int]bool

	shutdown chan struct{}
	wg       sync.WaitGroup
}

type tcpPeer struct {
	conn net.Conn
	wmu  sync.Mutex
	w    *bufio.Writer
}

// Functions

// NewTCPTransport opens the SST bootstrap listener of the
// member at myRank. addrs lists the bootstrap address of
// every member in rank order.
func NewTCPTransport(logger log.Logger, myRank int, addrs []string) (*TCPTransport, error) {

	ln, err := net.Listen("tcp", addrs[myRank])
	if err != nil {
		return nil, errors.Wrapf(err, "listening on SST bootstrap address %s failed", addrs[myRank])
	}

	t := &TCPTransport{
		logger:      logger,
		myRank:      myRank,
		addrs:       addrs,
		listener:    ln,
		peers:       make(map[int]*tcpPeer),
		acks:        make(map[uint64]chan struct{}),
		syncArrived: make(map[int]bool),
		shutdown:    make(chan struct{}),
	}
	t.syncCond = sync.NewCond(&t.syncMu)

	t.wg.Add(1)
	go t.acceptLoop()

	return t, nil
}

func (t *TCPTransport) Attach(s *SST) {
	t.mu.Lock()
	t.sst = s
	t.mu.Unlock()
}

func (t *TCPTransport) Detach(s *SST) {
	t.mu.Lock()
	if t.sst == s {
		t.sst = nil
	}
	t.mu.Unlock()
}

// Close shuts the listener and all peer connections down
// and waits for the background routines to drain.
func (t *TCPTransport) Close() error {

	close(t.shutdown)
	err := t.listener.Close()

	t.mu.Lock()
	for _, p := range t.peers {
		p.conn.Close()
	}
	t.peers = make(map[int]*tcpPeer)
	t.mu.Unlock()

	t.wg.Wait()
	return err
}

func (t *TCPTransport) Write(destRank, offset int, data []byte) error {
	return t.send(destRank, frameWrite, 0, offset, data)
}

func (t *TCPTransport) WriteWithCompletion(destRank, offset int, data []byte) error {

	t.ackMu.Lock()
	t.nextAck++
	id := t.nextAck
	done := make(chan struct{}, 1)
	t.acks[id] = done
	t.ackMu.Unlock()

	defer func() {
		t.ackMu.Lock()
		delete(t.acks, id)
		t.ackMu.Unlock()
	}()

	if err := t.send(destRank, frameWriteAck, id, offset, data); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-time.After(completionTimeout):
		return errors.Errorf("completion timed out for write to rank %d", destRank)
	case <-t.shutdown:
		return errors.New("transport shut down")
	}
}

// Sync implements the group barrier: every member sends a
// sync frame to every peer and waits until it has observed
// one from each.
func (t *TCPTransport) Sync() error {

	for rank := range t.addrs {
		if rank == t.myRank {
			continue
		}
		if err := t.send(rank, frameSync, 0, 0, nil); err != nil {
			return errors.Wrapf(err, "sending sync frame to rank %d failed", rank)
		}
	}

	t.syncMu.Lock()
	defer t.syncMu.Unlock()

	for len(t.syncArrived) < len(t.addrs)-1 {
		t.syncCond.Wait()
	}
	t.syncArrived = make(map[int]bool)

	return nil
}

func (t *TCPTransport) send(destRank int, kind byte, ackID uint64, offset int, data []byte) error {

	peer, err := t.peer(destRank)
	if err != nil {
		return err
	}

	peer.wmu.Lock()
	defer peer.wmu.Unlock()

	var hdr [21]byte
	hdr[0] = kind
	binary.LittleEndian.PutUint32(hdr[1:], uint32(t.myRank))
	binary.LittleEndian.PutUint64(hdr[5:], ackID)
	binary.LittleEndian.PutUint32(hdr[13:], uint32(offset))
	binary.LittleEndian.PutUint32(hdr[17:], uint32(len(data)))

	if _, err := peer.w.Write(hdr[:]); err != nil {
		t.dropPeer(destRank)
		return errors.Wrapf(err, "writing frame header to rank %d failed", destRank)
	}
	if len(data) > 0 {
		if _, err := peer.w.Write(data); err != nil {
			t.dropPeer(destRank)
			return errors.Wrapf(err, "writing frame payload to rank %d failed", destRank)
		}
	}
	if err := peer.w.Flush(); err != nil {
		t.dropPeer(destRank)
		return errors.Wrapf(err, "flushing frame to rank %d failed", destRank)
	}

	return nil
}

func (t *TCPTransport) peer(rank int) (*tcpPeer, error) {

	t.mu.Lock()
	if p, ok := t.peers[rank]; ok {
		t.mu.Unlock()
		return p, nil
	}
	t.mu.Unlock()

	conn, err := net.Dial("tcp", t.addrs[rank])
	if err != nil {
		return nil, errors.Wrapf(err, "dialing SST peer at rank %d failed", rank)
	}

	// Announce our rank so the peer can attribute frames.
	var hello [5]byte
	hello[0] = 0xff
	binary.LittleEndian.PutUint32(hello[1:], uint32(t.myRank))
	if _, err := conn.Write(hello[:]); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "sending hello to rank %d failed", rank)
	}

	p := &tcpPeer{conn: conn, w: bufio.NewWriter(conn)}

	t.mu.Lock()
	if existing, ok := t.peers[rank]; ok {
		t.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	t.peers[rank] = p
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(conn, rank)

	return p, nil
}

func (t *TCPTransport) dropPeer(rank int) {
	t.mu.Lock()
	if p, ok := t.peers[rank]; ok {
		p.conn.Close()
		delete(t.peers, rank)
	}
	t.mu.Unlock()
}

func (t *TCPTransport) acceptLoop() {

	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.shutdown:
				return
			default:
			}
			level.Warn(t.logger).Log(
				"msg", "accepting SST bootstrap connection failed",
				"err", err,
			)
			return
		}

		t.wg.Add(1)
		go t.handleIncoming(conn)
	}
}

func (t *TCPTransport) handleIncoming(conn net.Conn) {

	defer t.wg.Done()

	// Read the hello frame announcing the dialing rank.
	var hello [5]byte
	if _, err := io.ReadFull(conn, hello[:]); err != nil || hello[0] != 0xff {
		conn.Close()
		return
	}
	rank := int(binary.LittleEndian.Uint32(hello[1:]))

	p := &tcpPeer{conn: conn, w: bufio.NewWriter(conn)}
	t.mu.Lock()
	if _, ok := t.peers[rank]; !ok {
		t.peers[rank] = p
	}
	t.mu.Unlock()

	t.wg.Add(1)
	t.readLoopFromPeer(bufio.NewReader(conn), conn, rank)
}

func (t *TCPTransport) readLoop(conn net.Conn, rank int) {
	t.readLoopFromPeer(bufio.NewReader(conn), conn, rank)
}

func (t *TCPTransport) readLoopFromPeer(r *bufio.Reader, conn net.Conn, rank int) {

	defer t.wg.Done()
	defer conn.Close()

	for {
		var hdr [21]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return
		}

		kind := hdr[0]
		src := int(binary.LittleEndian.Uint32(hdr[1:]))
		ackID := binary.LittleEndian.Uint64(hdr[5:])
		offset := int(binary.LittleEndian.Uint32(hdr[13:]))
		length := int(binary.LittleEndian.Uint32(hdr[17:]))

		var data []byte
		if length > 0 {
			data = make([]byte, length)
			if _, err := io.ReadFull(r, data); err != nil {
				return
			}
		}

		switch kind {

		case frameWrite, frameWriteAck:
			t.mu.Lock()
			table := t.sst
			t.mu.Unlock()
			if table != nil {
				table.applyRemote(src, offset, data)
			}
			if kind == frameWriteAck {
				if err := t.send(src, frameAck, ackID, 0, nil); err != nil {
					level.Debug(t.logger).Log(
						"msg", "sending write ack failed",
						"peer", src,
						"err", err,
					)
				}
			}

		case frameAck:
			t.ackMu.Lock()
			if done, ok := t.acks[ackID]; ok {
				select {
				case done <- struct{}{}:
				default:
				}
			}
			t.ackMu.Unlock()

		case frameSync:
			t.syncMu.Lock()
			t.syncArrived[src] = true
			t.syncCond.Broadcast()
			t.syncMu.Unlock()

		default:
			level.Warn(t.logger).Log(
				"msg", fmt.Sprintf("dropping frame of unknown kind %d", kind),
				"peer", rank,
			)
		}
	}
}

