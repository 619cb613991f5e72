package gms

import (
	"io"
	"net"

	"encoding/binary"

	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/ashleyniemerg/derecho-unified/config"
	"github.com/ashleyniemerg/derecho-unified/view"
)

// Constants

// First byte of a GMS connection, declaring its purpose.
const (
	helloJoin  byte = 'J'
	helloState byte = 'S'
)

// Structs

// ShardLeader pairs a subgroup with the node a joiner pulls
// replicated object state from.
type ShardLeader struct {
	Subgroup int32
	Leader   int32
}

// Functions

// readClientHello consumes the purpose byte of an incoming
// GMS connection. State requests carry the subgroup id.
func readClientHello(conn net.Conn) (byte, int, error) {

	var kind [1]byte
	if _, err := io.ReadFull(conn, kind[:]); err != nil {
		return 0, 0, errors.Wrap(err, "reading GMS hello failed")
	}

	if kind[0] != helloState {
		return kind[0], 0, nil
	}

	var sg [4]byte
	if _, err := io.ReadFull(conn, sg[:]); err != nil {
		return 0, 0, errors.Wrap(err, "reading state-request subgroup failed")
	}

	return kind[0], int(binary.LittleEndian.Uint32(sg[:])), nil
}

// JoinGroup dials the group leader and performs the join
// handshake: node-id assignment, the new view, the protocol
// parameters, and the shard-leader list for state transfer.
// The caller keeps the connection open until it has pulled
// all object state.
func JoinGroup(leaderAddr string) (int32, *view.View, config.Params, []ShardLeader, net.Conn, error) {

	var params config.Params

	conn, err := net.Dial("tcp", leaderAddr)
	if err != nil {
		return 0, nil, params, nil, nil, errors.Wrapf(err, "dialing group leader at %s failed", leaderAddr)
	}

	if _, err := conn.Write([]byte{helloJoin}); err != nil {
		conn.Close()
		return 0, nil, params, nil, nil, errors.Wrap(err, "sending join hello failed")
	}

	var idBuf [4]byte
	if _, err := io.ReadFull(conn, idBuf[:]); err != nil {
		conn.Close()
		return 0, nil, params, nil, nil, errors.Wrap(err, "reading assigned node id failed")
	}
	nodeID := int32(binary.LittleEndian.Uint32(idBuf[:]))

	viewBytes, err := readLengthPrefixed(conn)
	if err != nil {
		conn.Close()
		return 0, nil, params, nil, nil, errors.Wrap(err, "reading serialized view failed")
	}
	v, err := view.Unmarshal(viewBytes)
	if err != nil {
		conn.Close()
		return 0, nil, params, nil, nil, errors.Wrap(err, "decoding view failed")
	}

	paramBytes, err := readLengthPrefixed(conn)
	if err != nil {
		conn.Close()
		return 0, nil, params, nil, nil, errors.Wrap(err, "reading protocol parameters failed")
	}
	params, err = decodeParams(paramBytes)
	if err != nil {
		conn.Close()
		return 0, nil, params, nil, nil, errors.Wrap(err, "decoding protocol parameters failed")
	}

	var countBuf [4]byte
	if _, err := io.ReadFull(conn, countBuf[:]); err != nil {
		conn.Close()
		return 0, nil, params, nil, nil, errors.Wrap(err, "reading shard-leader count failed")
	}
	count := int(binary.LittleEndian.Uint32(countBuf[:]))

	leaders := make([]ShardLeader, 0, count)
	for i := 0; i < count; i++ {
		var pair [8]byte
		if _, err := io.ReadFull(conn, pair[:]); err != nil {
			conn.Close()
			return 0, nil, params, nil, nil, errors.Wrap(err, "reading shard-leader pair failed")
		}
		leaders = append(leaders, ShardLeader{
			Subgroup: int32(binary.LittleEndian.Uint32(pair[0:])),
			Leader:   int32(binary.LittleEndian.Uint32(pair[4:])),
		})
	}

	return nodeID, v, params, leaders, conn, nil
}

// RequestState opens a state-transfer connection to a shard
// leader for the given subgroup. The caller reads the
// object state stream from the returned connection.
func RequestState(leaderAddr string, subgroup int) (net.Conn, error) {

	conn, err := net.Dial("tcp", leaderAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing shard leader at %s failed", leaderAddr)
	}

	msg := make([]byte, 5)
	msg[0] = helloState
	binary.LittleEndian.PutUint32(msg[1:], uint32(subgroup))

	if _, err := conn.Write(msg); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "sending state request failed")
	}

	return conn, nil
}

// commitJoins sends every buffered joiner its commitment:
// assigned id, the next view from the joiner's perspective,
// the protocol parameters, and the shard-leader list.
func (vm *ViewManager) commitJoins(next *view.View, prev *view.View) {

	vm.viewMu.RLock()
	proposed := append([]net.Conn(nil), vm.proposedJoins...)
	ids := make(map[net.Conn]int32, len(vm.joinerIDBySock))
	for c, id := range vm.joinerIDBySock {
		ids[c] = id
	}
	vm.viewMu.RUnlock()

	leaders := vm.shardLeaders(next, prev)

	for _, conn := range proposed {

		id, ok := ids[conn]
		if !ok {
			continue
		}

		if err := writeJoinCommit(conn, id, next, vm.conf.Params, leaders); err != nil {
			level.Warn(vm.logger).Log(
				"msg", "sending join commitment failed",
				"joiner", id,
				"err", err,
			)
		}
	}
}

// writeJoinCommit performs the leader's half of the join
// handshake on one socket.
func writeJoinCommit(conn net.Conn, joiner int32, next *view.View, params config.Params, leaders []ShardLeader) error {

	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], uint32(joiner))
	if _, err := conn.Write(idBuf[:]); err != nil {
		return errors.Wrap(err, "writing node id failed")
	}

	// The joiner receives the view from its own perspective.
	joinerView := *next
	joinerView.MyRank = int32(next.RankOf(joiner))

	if err := writeLengthPrefixed(conn, view.Marshal(&joinerView)); err != nil {
		return errors.Wrap(err, "writing serialized view failed")
	}

	if err := writeLengthPrefixed(conn, encodeParams(params)); err != nil {
		return errors.Wrap(err, "writing protocol parameters failed")
	}

	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(leaders)))
	if _, err := conn.Write(countBuf[:]); err != nil {
		return errors.Wrap(err, "writing shard-leader count failed")
	}

	for _, l := range leaders {
		var pair [8]byte
		binary.LittleEndian.PutUint32(pair[0:], uint32(l.Subgroup))
		binary.LittleEndian.PutUint32(pair[4:], uint32(l.Leader))
		if _, err := conn.Write(pair[:]); err != nil {
			return errors.Wrap(err, "writing shard-leader pair failed")
		}
	}

	return nil
}

// shardLeaders pairs every subgroup of the next view with
// the member a joiner should pull state from: the lowest
// ranked shard member that already held state in the
// previous view.
func (vm *ViewManager) shardLeaders(next *view.View, prev *view.View) []ShardLeader {

	layouts := vm.subgroupInfo.Layout(next)

	leaders := make([]ShardLeader, 0, len(layouts))
	for sg, l := range layouts {
		for _, m := range l.Members {
			if prev.RankOf(m) >= 0 {
				leaders = append(leaders, ShardLeader{Subgroup: int32(sg), Leader: m})
				break
			}
		}
	}
	return leaders
}

func readLengthPrefixed(conn net.Conn) ([]byte, error) {

	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.LittleEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, err
	}
	return data, nil
}

func writeLengthPrefixed(conn net.Conn, data []byte) error {

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(data)
	return err
}

// encodeParams lays the protocol parameters out as:
// window:u32 | block:u64 | max_payload:u64 | slot_payload:u64
// | heartbeat_ms:u32 | change_capacity:u32 | file_len:u32 |
// file. Little-endian.
func encodeParams(p config.Params) []byte {

	buf := make([]byte, 4+8+8+8+4+4+4+len(p.PersistenceFile))
	off := 0

	binary.LittleEndian.PutUint32(buf[off:], p.WindowSize)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], p.BlockSize)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], p.MaxPayloadSize)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], p.SlotPayloadSize)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], p.HeartbeatMS)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], p.ChangeCapacity)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(p.PersistenceFile)))
	off += 4
	copy(buf[off:], p.PersistenceFile)

	return buf
}

func decodeParams(buf []byte) (config.Params, error) {

	var p config.Params
	if len(buf) < 40 {
		return p, errors.Errorf("parameter block of %d bytes too short", len(buf))
	}

	off := 0
	p.WindowSize = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	p.BlockSize = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	p.MaxPayloadSize = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	p.SlotPayloadSize = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	p.HeartbeatMS = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	p.ChangeCapacity = binary.LittleEndian.Uint32(buf[off:])
	off += 4

	fileLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+fileLen {
		return p, errors.Errorf("parameter block truncated: want %d more bytes, have %d", fileLen, len(buf)-off)
	}
	p.PersistenceFile = string(buf[off : off+fileLen])

	return p, nil
}
