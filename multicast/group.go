package multicast

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/ashleyniemerg/derecho-unified/config"
	"github.com/ashleyniemerg/derecho-unified/persist"
	"github.com/ashleyniemerg/derecho-unified/sst"
	"github.com/ashleyniemerg/derecho-unified/view"
)

// Constants

// Medium selects the transport path of one send.
const (
	MediumBulk Medium = iota
	MediumSlot
)

// Structs

// Medium names one of the two transport paths: bulk
// transfer for large messages, SST slots for small ones.
type Medium int

// CallbackSet bundles the upcalls the pipeline issues:
// delivery and persistence of messages, plus a notification
// for every send committed into the pipeline. All fields
// but GlobalStability and RPC may be nil.
type CallbackSet struct {
	GlobalStability  func(subgroup int, sender int32, index int64, payload []byte)
	RPC              func(subgroup int, sender int32, payload []byte)
	LocalPersistence func(subgroup int, sender int32, index int64, payload []byte)
	MessageSent      func(subgroup int)
}

// SubgroupSettings describes this node's position in one
// subgroup's shard, as computed by the subgroup layout glue.
type SubgroupSettings struct {
	Members           []int32
	Senders           []bool
	Mode              view.Mode
	SenderRank        int
	NumReceivedOffset int
}

// NumSenders counts the senders of the shard.
func (s SubgroupSettings) NumSenders() int {

	n := 0
	for _, isSender := range s.Senders {
		if isSender {
			n++
		}
	}
	return n
}

// ShardRanksBySenderRank maps a sender rank to the shard
// rank of the member holding it.
func (s SubgroupSettings) ShardRanksBySenderRank() []int {

	ranks := make([]int, 0, len(s.Members))
	for shardRank, isSender := range s.Senders {
		if isSender {
			ranks = append(ranks, shardRank)
		}
	}
	return ranks
}

type subgroupState struct {
	sg        int
	settings  SubgroupSettings
	shardRows []int

	futureIndex          int64
	nextMessageToDeliver int64
	lastMediumBulk       bool

	pool            *BufferPool
	nextSend        *BulkMessage
	pendingSends    []BulkMessage
	currentSend     *BulkMessage
	currentReceives map[int64]BulkMessage

	locallyStableBulk map[int64]BulkMessage
	locallyStableSlot map[int64]SlotMessage
	nonPersistentBulk map[int64]BulkMessage
	nonPersistentSlot map[int64]SlotMessage

	myBulkGroup int

	slotStage      []byte
	slotStageSize  int
	slotStageIndex int64
	slotStageSlot  int
}

// MulticastGroup drives the per-subgroup send, receive,
// order, and deliver pipeline of one view. All per-subgroup
// message state is guarded by one message-state mutex.
type MulticastGroup struct {
	logger log.Logger

	members    []int32
	myRank     int
	nodeToRank map[int32]int

	params     config.Params
	maxMsgSize int
	callbacks  CallbackSet

	table *sst.SST
	bulk  BulkTransport

	bulkGroupBase int
	bulkGroups    []int

	writer persist.Service

	subgroups []*subgroupState
	intervals map[int]*receivedIntervals

	msgState   sync.Mutex
	senderCond *sync.Cond

	wedged        atomic.Bool
	groupsCreated bool
	handles       []sst.Handle

	senderDone    chan struct{}
	heartbeatDone chan struct{}
	hbShutdown    chan struct{}
	hbOnce        sync.Once
}

// Functions

// ComputeMaxMsgSize returns the bulk buffer size: payload
// plus header, rounded up to a whole number of blocks.
func ComputeMaxMsgSize(maxPayloadSize, blockSize uint64) int {

	maxMsgSize := maxPayloadSize + HeaderBytes
	if maxMsgSize%blockSize != 0 {
		maxMsgSize = (maxMsgSize/blockSize + 1) * blockSize
	}
	return int(maxMsgSize)
}

// New constructs the pipeline of a fresh view. members
// lists the view members in rank order; subgroups holds one
// entry per subgroup id, nil where this node is not a shard
// member. writer may be nil for non-persistent groups.
func New(logger log.Logger, members []int32, myRank int, table *sst.SST, bulk BulkTransport,
	bulkGroupBase int, params config.Params, callbacks CallbackSet,
	subgroups []*SubgroupSettings, writer persist.Service, alreadyFailed []bool) *MulticastGroup {

	g := &MulticastGroup{
		logger:        logger,
		members:       members,
		myRank:        myRank,
		nodeToRank:    make(map[int32]int),
		params:        params,
		maxMsgSize:    ComputeMaxMsgSize(params.MaxPayloadSize, params.BlockSize),
		callbacks:     callbacks,
		table:         table,
		bulk:          bulk,
		bulkGroupBase: bulkGroupBase,
		writer:        writer,
		subgroups:     make([]*subgroupState, len(subgroups)),
		intervals:     make(map[int]*receivedIntervals),
		senderDone:    make(chan struct{}),
		heartbeatDone: make(chan struct{}),
		hbShutdown:    make(chan struct{}),
	}
	g.senderCond = sync.NewCond(&g.msgState)

	for i, m := range members {
		g.nodeToRank[m] = i
	}

	for sg, settings := range subgroups {
		if settings == nil {
			continue
		}
		g.subgroups[sg] = g.newSubgroupState(sg, *settings)
	}

	if g.writer != nil {
		g.writer.SetUpcall(g.makeFileWrittenCallback())
	}

	g.finishConstruction(alreadyFailed)

	return g
}

func (g *MulticastGroup) newSubgroupState(sg int, settings SubgroupSettings) *subgroupState {

	st := &subgroupState{
		sg:        sg,
		settings:          settings,
		shardRows:         make([]int, 0, len(settings.Members)),
		pool:              NewBufferPool(int(g.params.WindowSize)*len(settings.Members), g.maxMsgSize),
		currentReceives:   make(map[int64]BulkMessage),
		locallyStableBulk: make(map[int64]BulkMessage),
		locallyStableSlot: make(map[int64]SlotMessage),
		nonPersistentBulk: make(map[int64]BulkMessage),
		nonPersistentSlot: make(map[int64]SlotMessage),
		myBulkGroup:       -1,
		slotStage:         make([]byte, HeaderBytes+int(g.params.SlotPayloadSize)),
	}

	for _, m := range settings.Members {
		st.shardRows = append(st.shardRows, g.nodeToRank[m])
	}

	for j := 0; j < settings.NumSenders(); j++ {
		slot := settings.NumReceivedOffset + j
		if _, ok := g.intervals[slot]; !ok {
			g.intervals[slot] = newReceivedIntervals()
		}
	}

	return st
}

// finishConstruction runs the tail shared by New and
// Handoff: row initialization, transfer-group creation,
// predicate registration, and thread launch.
func (g *MulticastGroup) finishConstruction(alreadyFailed []bool) {

	noMemberFailed := true
	for _, f := range alreadyFailed {
		if f {
			noMemberFailed = false
			break
		}
	}

	if noMemberFailed {
		g.groupsCreated = g.createBulkGroups()
	}

	// The member barrier runs after group creation so no
	// peer can send before every receiver is registered.
	g.initializeSSTRow()

	g.registerPredicates()

	go g.sendLoop()
	go g.heartbeatLoop()
}

func (g *MulticastGroup) initializeSSTRow() {

	g.table.InitCounters()
	g.table.PutAll()

	if err := g.table.SyncWithMembers(); err != nil {
		level.Warn(g.logger).Log(
			"msg", "SST member barrier failed during row initialization",
			"err", err,
		)
	}
}

// createBulkGroups builds one transfer group per sender of
// every shard this node belongs to, with the sender rotated
// to the root.
func (g *MulticastGroup) createBulkGroups() bool {

	groupNum := g.bulkGroupBase

	for sg, st := range g.subgroups {
		if st == nil {
			continue
		}

		settings := st.settings
		shardRanks := settings.ShardRanksBySenderRank()
		numSenders := len(shardRanks)

		for senderRank := 0; senderRank < numSenders; senderRank++ {

			nodeID := settings.Members[shardRanks[senderRank]]

			// Rotate the shard so the sender leads.
			rotated := make([]int32, len(settings.Members))
			for k := range settings.Members {
				rotated[k] = settings.Members[(shardRanks[senderRank]+k)%len(settings.Members)]
			}

			sgCopy, senderRankCopy, nodeIDCopy := sg, senderRank, nodeID

			receive := func(data []byte, size int) {
				g.receiveBulk(sgCopy, senderRankCopy, nodeIDCopy, data, size)
				g.senderCond.Broadcast()
			}

			var incoming func(size int) *ReceiveDestination
			if nodeID != g.members[g.myRank] {
				incoming = func(size int) *ReceiveDestination {
					return g.selectReceiveBuffer(sgCopy, senderRankCopy, nodeIDCopy, size)
				}
			}

			if err := g.bulk.CreateGroup(groupNum, rotated, incoming, receive); err != nil {
				level.Error(g.logger).Log(
					"msg", "creating bulk transfer group failed",
					"subgroup", sg,
					"sender_rank", senderRank,
					"err", err,
				)
				return false
			}

			if nodeID == g.members[g.myRank] {
				st.myBulkGroup = groupNum
			}

			g.bulkGroups = append(g.bulkGroups, groupNum)
			groupNum++
		}
	}

	return true
}

// selectReceiveBuffer supplies the landing buffer of an
// incoming bulk transfer and records the pending receive.
func (g *MulticastGroup) selectReceiveBuffer(sg, senderRank int, nodeID int32, size int) *ReceiveDestination {

	g.msgState.Lock()
	defer g.msgState.Unlock()

	st := g.subgroups[sg]
	if st == nil {
		return nil
	}

	buf, ok := st.pool.Get()
	if !ok {
		level.Warn(g.logger).Log(
			"msg", "no free message buffer for incoming bulk transfer",
			"subgroup", sg,
			"sender_rank", senderRank,
		)
		return nil
	}

	numSenders := st.settings.NumSenders()
	slot := st.settings.NumReceivedOffset + senderRank
	index := g.table.NumReceived(g.myRank, slot) + 1

	msg := BulkMessage{
		SenderID: nodeID,
		Index:    index,
		Size:     size,
		Buffer:   buf,
	}

	seq := index*int64(numSenders) + int64(senderRank)
	st.currentReceives[seq] = msg

	return &ReceiveDestination{Buffer: msg.Buffer.Buf}
}

// receiveBulk is the completion handler of the bulk path.
func (g *MulticastGroup) receiveBulk(sg, senderRank int, nodeID int32, data []byte, size int) {

	g.msgState.Lock()
	defer g.msgState.Unlock()

	st := g.subgroups[sg]
	if st == nil || g.wedged.Load() {
		return
	}

	h, err := ParseHeader(data)
	if err != nil {
		level.Warn(g.logger).Log(
			"msg", "dropping bulk message with bad header",
			"subgroup", sg,
			"err", err,
		)
		return
	}

	numSenders := int64(st.settings.NumSenders())
	index := h.Index
	beg := index
	seq := index*numSenders + int64(senderRank)

	level.Debug(g.logger).Log(
		"msg", "locally received bulk message",
		"subgroup", sg,
		"sender_rank", senderRank,
		"index", index,
	)

	// Move the message into the locally-stable queue.
	if nodeID == g.members[g.myRank] {
		if st.currentSend == nil {
			return
		}
		st.locallyStableBulk[seq] = *st.currentSend
		st.currentSend = nil
	} else {
		msg, ok := st.currentReceives[seq]
		if !ok {
			return
		}
		st.locallyStableBulk[seq] = msg
		delete(st.currentReceives, seq)
	}

	// Zero-size placeholders hold the turns the sender is
	// skipping.
	for j := uint32(0); j < h.PauseSendingTurns; j++ {
		index++
		seq += numSenders
		st.locallyStableBulk[seq] = BulkMessage{SenderID: nodeID, Index: index, Size: 0}
	}

	g.noteReceived(sg, st, senderRank, beg, index)
}

// receiveSlot ingests one message taken from an SST slot.
// Caller holds the message-state mutex.
func (g *MulticastGroup) receiveSlot(sg int, st *subgroupState, senderRank int, nodeID int32, data []byte, size int) {

	h, err := ParseHeader(data)
	if err != nil {
		level.Warn(g.logger).Log(
			"msg", "dropping slot message with bad header",
			"subgroup", sg,
			"err", err,
		)
		return
	}

	numSenders := int64(st.settings.NumSenders())
	index := h.Index
	beg := index
	seq := index*numSenders + int64(senderRank)

	level.Debug(g.logger).Log(
		"msg", "locally received slot message",
		"subgroup", sg,
		"sender_rank", senderRank,
		"index", index,
	)

	st.locallyStableSlot[seq] = SlotMessage{
		SenderID: nodeID,
		Index:    index,
		Size:     size,
		Data:     data,
	}

	for j := uint32(0); j < h.PauseSendingTurns; j++ {
		index++
		seq += numSenders
		st.locallyStableSlot[seq] = SlotMessage{SenderID: nodeID, Index: index, Size: 0}
	}

	g.noteReceived(sg, st, senderRank, beg, index)
}

// noteReceived advances num_received through the interval
// tracker, delivers immediately in Raw mode, and publishes
// num_received and seq_num to the shard. Caller holds the
// message-state mutex.
func (g *MulticastGroup) noteReceived(sg int, st *subgroupState, senderRank int, beg, end int64) {

	settings := st.settings
	numSenders := settings.NumSenders()
	slot := settings.NumReceivedOffset + senderRank

	oldNumReceived := g.table.NumReceived(g.myRank, slot)
	newNumReceived := g.intervals[slot].add(beg, end)

	if settings.Mode == view.Raw {
		g.deliverRecentRaw(sg, st, senderRank, oldNumReceived, newNumReceived)
	}

	if newNumReceived <= oldNumReceived {
		return
	}

	g.table.SetNumReceived(slot, newNumReceived)

	// Recompute the subgroup's sequence frontier from the
	// per-sender receive counters.
	minReceived := int64(math.MaxInt64)
	minIndex := 0
	for j := 0; j < numSenders; j++ {
		nr := g.table.NumReceived(g.myRank, settings.NumReceivedOffset+j)
		if nr < minReceived {
			minReceived = nr
			minIndex = j
		}
	}

	newSeqNum := (minReceived+1)*int64(numSenders) + int64(minIndex) - 1
	if newSeqNum > g.table.SeqNum(g.myRank, sg) {
		level.Debug(g.logger).Log(
			"msg", "updating sequence frontier",
			"subgroup", sg,
			"seq_num", newSeqNum,
		)
		g.table.SetSeqNum(sg, newSeqNum)
		g.table.Put(st.shardRows, g.table.Layout().SeqNumOffset(sg), 8)
	}

	g.table.Put(st.shardRows, g.table.Layout().NumReceivedOffset(slot), 8)
}

// deliverRecentRaw issues stability upcalls for the newly
// sequenced messages of a Raw-mode subgroup, without any
// stability gating. Caller holds the message-state mutex.
func (g *MulticastGroup) deliverRecentRaw(sg int, st *subgroupState, senderRank int, oldNumReceived, newNumReceived int64) {

	numSenders := int64(st.settings.NumSenders())

	for i := oldNumReceived + 1; i <= newNumReceived; i++ {

		seq := i*numSenders + int64(senderRank)

		if msg, ok := st.locallyStableSlot[seq]; ok {
			if msg.Size > 0 {
				h, err := ParseHeader(msg.Data)
				if err == nil && msg.Size > int(h.HeaderSize) {
					g.callbacks.GlobalStability(sg, msg.SenderID, msg.Index, msg.Data[h.HeaderSize:msg.Size])
				}
			}
			delete(st.locallyStableSlot, seq)
			continue
		}

		if msg, ok := st.locallyStableBulk[seq]; ok {
			if msg.Size > 0 {
				h, err := ParseHeader(msg.Buffer.Buf)
				if err == nil && msg.Size > int(h.HeaderSize) {
					g.callbacks.GlobalStability(sg, msg.SenderID, msg.Index, msg.Buffer.Buf[h.HeaderSize:msg.Size])
				}
				st.pool.Put(msg.Buffer)
			}
			delete(st.locallyStableBulk, seq)
		}
	}
}

// deliverBulkMessage dispatches one stable bulk message and
// hands it to the persistence writer or back to the pool.
// Caller holds the message-state mutex.
func (g *MulticastGroup) deliverBulkMessage(sg int, st *subgroupState, seq int64, msg BulkMessage) {

	if msg.Size == 0 {
		return
	}

	h, err := ParseHeader(msg.Buffer.Buf)
	if err != nil {
		level.Warn(g.logger).Log("msg", "undeliverable bulk message header", "subgroup", sg, "err", err)
		st.pool.Put(msg.Buffer)
		return
	}

	payload := msg.Buffer.Buf[h.HeaderSize:msg.Size]

	if len(payload) > 0 {
		if h.CookedSend {
			g.callbacks.RPC(sg, msg.SenderID, payload)
		} else {
			g.callbacks.GlobalStability(sg, msg.SenderID, msg.Index, payload)
		}
	}

	if g.writer != nil {
		record := persist.Record{
			Subgroup: sg,
			Sender:   msg.SenderID,
			Index:    msg.Index,
			Seq:      seq,
			Vid:      g.table.Vid(g.myRank),
			Cooked:   h.CookedSend,
			Payload:  append([]byte(nil), payload...),
		}
		st.nonPersistentBulk[seq] = msg
		g.writer.Append(record)
	} else {
		st.pool.Put(msg.Buffer)
	}
}

// deliverSlotMessage dispatches one stable slot message.
// Caller holds the message-state mutex.
func (g *MulticastGroup) deliverSlotMessage(sg int, st *subgroupState, seq int64, msg SlotMessage) {

	if msg.Size == 0 {
		return
	}

	h, err := ParseHeader(msg.Data)
	if err != nil {
		level.Warn(g.logger).Log("msg", "undeliverable slot message header", "subgroup", sg, "err", err)
		return
	}

	payload := msg.Data[h.HeaderSize:msg.Size]

	if len(payload) > 0 {
		if h.CookedSend {
			g.callbacks.RPC(sg, msg.SenderID, payload)
		} else {
			g.callbacks.GlobalStability(sg, msg.SenderID, msg.Index, payload)
		}
	}

	if g.writer != nil {
		record := persist.Record{
			Subgroup: sg,
			Sender:   msg.SenderID,
			Index:    msg.Index,
			Seq:      seq,
			Vid:      g.table.Vid(g.myRank),
			Cooked:   h.CookedSend,
			Payload:  append([]byte(nil), payload...),
		}
		st.nonPersistentSlot[seq] = msg
		g.writer.Append(record)
	}
}

// makeFileWrittenCallback binds the writer's durable upcall
// to this group: return the buffer, advance persisted_num,
// and publish it to the shard.
func (g *MulticastGroup) makeFileWrittenCallback() func(persist.Record) {

	return func(rec persist.Record) {

		if g.callbacks.LocalPersistence != nil {
			g.callbacks.LocalPersistence(rec.Subgroup, rec.Sender, rec.Index, rec.Payload)
		}

		g.msgState.Lock()
		defer g.msgState.Unlock()

		st := g.subgroups[rec.Subgroup]
		if st == nil {
			return
		}

		if msg, ok := st.nonPersistentBulk[rec.Seq]; ok {
			st.pool.Put(msg.Buffer)
			delete(st.nonPersistentBulk, rec.Seq)
		} else {
			delete(st.nonPersistentSlot, rec.Seq)
		}

		if rec.Seq > g.table.PersistedNum(g.myRank, rec.Subgroup) {
			g.table.SetPersistedNum(rec.Subgroup, rec.Seq)
			g.table.Put(st.shardRows, g.table.Layout().PersistedNumOffset(rec.Subgroup), 8)
		}
	}
}

// GetSendBuffer returns a writable region of exactly
// payloadSize bytes for the next message of the subgroup,
// or nil when the window is full or the group is wedged.
// The header is pre-filled; the caller fills the payload
// and commits with Send.
func (g *MulticastGroup) GetSendBuffer(sg int, payloadSize uint64, medium Medium, pauseTurns uint32, cooked, nullSend bool) []byte {

	if g.wedged.Load() || !g.groupsCreated {
		return nil
	}

	g.msgState.Lock()
	defer g.msgState.Unlock()

	st := g.subgroups[sg]
	if st == nil || st.settings.SenderRank < 0 {
		return nil
	}

	msgSize := int(payloadSize) + HeaderBytes
	if payloadSize == 0 {
		// A zero payload size asks for the largest buffer.
		msgSize = g.maxMsgSize
	}
	if nullSend {
		msgSize = HeaderBytes
	}
	if msgSize > g.maxMsgSize {
		level.Warn(g.logger).Log(
			"msg", "message exceeds maximum message size",
			"subgroup", sg,
			"size", msgSize,
			"max", g.maxMsgSize,
		)
		return nil
	}

	if !g.sendWindowOpen(st, st.futureIndex) {
		return nil
	}

	settings := st.settings
	header := Header{
		HeaderSize:        HeaderBytes,
		Index:             st.futureIndex,
		PauseSendingTurns: pauseTurns,
		CookedSend:        cooked,
	}

	if medium == MediumBulk {

		buf, ok := st.pool.Get()
		if !ok {
			return nil
		}

		msg := BulkMessage{
			SenderID: g.members[g.myRank],
			Index:    st.futureIndex,
			Size:     msgSize,
			Buffer:   buf,
		}
		MarshalHeader(header, msg.Buffer.Buf)

		st.nextSend = &msg
		st.futureIndex += int64(pauseTurns) + 1
		st.lastMediumBulk = true

		return msg.Buffer.Buf[HeaderBytes:msgSize]
	}

	// Slot medium: the message has to fit one SST slot.
	if msgSize > HeaderBytes+int(g.params.SlotPayloadSize) {
		return nil
	}

	index := st.futureIndex
	slotIdx := int(index % int64(g.params.WindowSize))

	// The slot may only be reused once every shard member
	// has consumed its previous occupant.
	for _, row := range st.shardRows {
		if g.table.NumReceivedSST(row, settings.NumReceivedOffset+settings.SenderRank) < index-int64(g.params.WindowSize) {
			return nil
		}
	}

	MarshalHeader(header, st.slotStage)
	st.slotStageSize = msgSize
	st.slotStageIndex = index
	st.slotStageSlot = slotIdx
	st.futureIndex += int64(pauseTurns) + 1
	st.lastMediumBulk = false

	return st.slotStage[HeaderBytes:msgSize]
}

// sendWindowOpen implements the sender flow-control gate
// for index: every shard member must have delivered (and,
// with persistence enabled, persisted) the message window
// messages back. Raw mode gates on receipt instead. Caller
// holds the message-state mutex.
func (g *MulticastGroup) sendWindowOpen(st *subgroupState, index int64) bool {

	settings := st.settings
	numSenders := int64(settings.NumSenders())
	window := int64(g.params.WindowSize)

	if settings.Mode != view.Raw {
		threshold := (index-window)*numSenders + int64(settings.SenderRank)
		for _, row := range st.shardRows {
			if g.table.DeliveredNum(row, st.sg) < threshold {
				return false
			}
			if g.writer != nil && g.table.PersistedNum(row, st.sg) < threshold {
				return false
			}
		}
		return true
	}

	for _, row := range st.shardRows {
		if g.table.NumReceived(row, settings.NumReceivedOffset+settings.SenderRank) < index-window {
			return false
		}
	}
	return true
}

// Send commits the most recent GetSendBuffer result. For
// the bulk medium the message joins the pending queue and
// the sender worker is notified; for the slot medium the
// slot contents are pushed first and next_seq last.
func (g *MulticastGroup) Send(sg int) bool {

	if g.wedged.Load() || !g.groupsCreated {
		return false
	}

	g.msgState.Lock()
	defer g.msgState.Unlock()

	st := g.subgroups[sg]
	if st == nil {
		return false
	}

	if st.lastMediumBulk {
		if st.nextSend == nil {
			return false
		}
		st.pendingSends = append(st.pendingSends, *st.nextSend)
		st.nextSend = nil
		g.senderCond.Broadcast()
		if g.callbacks.MessageSent != nil {
			g.callbacks.MessageSent(sg)
		}
		return true
	}

	if st.slotStageSize == 0 {
		return false
	}

	layout := g.table.Layout()
	slotIdx := st.slotStageSlot

	// Contents before next_seq: readers check next_seq first
	// and must never observe it bumped over stale contents.
	g.table.SetSlotContents(sg, slotIdx, st.slotStage[:st.slotStageSize])
	g.table.Put(st.shardRows, layout.SlotContentsOffset(sg, slotIdx), 4+st.slotStageSize)

	g.table.SetSlotNextSeq(sg, slotIdx, st.slotStageIndex/int64(g.params.WindowSize)+1)
	g.table.Put(st.shardRows, layout.SlotOffset(sg, slotIdx), 8)

	st.slotStageSize = 0

	if g.callbacks.MessageSent != nil {
		g.callbacks.MessageSent(sg)
	}

	return true
}

// DeliverMessagesUpto forces delivery of all queued
// messages whose per-sender index does not exceed the given
// maxima, regardless of the current stability frontier.
// Used by the ragged-edge cleanup of a view change.
func (g *MulticastGroup) DeliverMessagesUpto(maxIndices []int64, sg int) {

	g.msgState.Lock()
	defer g.msgState.Unlock()

	st := g.subgroups[sg]
	if st == nil {
		return
	}

	numSenders := int64(st.settings.NumSenders())

	curSeq := g.table.DeliveredNum(g.myRank, sg)
	maxSeq := curSeq
	for sender, idx := range maxIndices {
		if seq := idx*numSenders + int64(sender); seq > maxSeq {
			maxSeq = seq
		}
	}

	for seq := curSeq + 1; seq <= maxSeq; seq++ {
		if sender := int(seq % numSenders); sender < len(maxIndices) && seq/numSenders > maxIndices[sender] {
			continue
		}
		if msg, ok := st.locallyStableBulk[seq]; ok {
			g.deliverBulkMessage(sg, st, seq, msg)
			delete(st.locallyStableBulk, seq)
		} else if msg, ok := st.locallyStableSlot[seq]; ok {
			g.deliverSlotMessage(sg, st, seq, msg)
			delete(st.locallyStableSlot, seq)
		}
	}

	if maxSeq > curSeq {
		g.table.SetDeliveredNum(sg, maxSeq)
		g.table.Put(st.shardRows, g.table.Layout().DeliveredNumOffset(sg), 8)
	}
}

// Wedged reports whether the group has entered its terminal
// state.
func (g *MulticastGroup) Wedged() bool {
	return g.wedged.Load()
}

// Wedge moves the group into its terminal state: all
// predicates are removed, the transfer groups destroyed,
// and the worker threads joined. Public operations fail
// afterwards. Re-entering Wedge is a no-op.
func (g *MulticastGroup) Wedge() {

	first := !g.wedged.Swap(true)

	if first {
		for _, h := range g.handles {
			g.table.Predicates.Remove(h)
		}
		g.handles = nil

		for _, num := range g.bulkGroups {
			g.bulk.DestroyGroup(num)
		}
	}

	g.msgState.Lock()
	g.senderCond.Broadcast()
	g.msgState.Unlock()

	g.hbOnce.Do(func() { close(g.hbShutdown) })

	<-g.senderDone
	<-g.heartbeatDone
}

// FreeBufferCount returns the free-list length of the
// subgroup's pool. Exposed for invariant checks.
func (g *MulticastGroup) FreeBufferCount(sg int) int {

	g.msgState.Lock()
	defer g.msgState.Unlock()

	st := g.subgroups[sg]
	if st == nil {
		return 0
	}
	return st.pool.Len()
}

func minKeyBulk(m map[int64]BulkMessage) int64 {

	min := int64(math.MaxInt64)
	for k := range m {
		if k < min {
			min = k
		}
	}
	return min
}

func minKeySlot(m map[int64]SlotMessage) int64 {

	min := int64(math.MaxInt64)
	for k := range m {
		if k < min {
			min = k
		}
	}
	return min
}
