package multicast

import (
	"sort"
	"sync"

	"github.com/go-kit/kit/log"

	"github.com/ashleyniemerg/derecho-unified/sst"
)

// Functions

// Handoff builds the pipeline of the next view from a
// retiring one. The old group is wedged, its buffer pools
// and in-flight queues move over, messages authored by this
// node are renumbered for re-send, and the persistence
// writer changes owner. The old group must not be used
// afterwards.
func Handoff(old *MulticastGroup, logger log.Logger, members []int32, myRank int,
	table *sst.SST, bulk BulkTransport, bulkGroupBase int,
	subgroups []*SubgroupSettings, alreadyFailed []bool) *MulticastGroup {

	// Step 1: wedge the retiring group. This removes its
	// predicates and joins its worker threads.
	old.Wedge()

	g := &MulticastGroup{
		logger:        logger,
		members:       members,
		myRank:        myRank,
		nodeToRank:    make(map[int32]int),
		params:        old.params,
		maxMsgSize:    old.maxMsgSize,
		callbacks:     old.callbacks,
		table:         table,
		bulk:          bulk,
		bulkGroupBase: bulkGroupBase,
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

	myID := members[myRank]

	old.msgState.Lock()
	defer old.msgState.Unlock()

	for sg, settings := range subgroups {
		if settings == nil {
			continue
		}

		st := g.newSubgroupState(sg, *settings)
		g.subgroups[sg] = st

		oldState := (*subgroupState)(nil)
		if sg < len(old.subgroups) {
			oldState = old.subgroups[sg]
		}
		if oldState == nil {
			continue
		}

		// Step 2: steal the free pool, growing to the new
		// window dimensions.
		st.pool = oldState.pool
		oldState.pool = NewBufferPool(0, g.maxMsgSize)
		st.pool.Grow(int(g.params.WindowSize) * len(settings.Members))

		// Step 3: outstanding bulk receives are abandoned and
		// their buffers reclaimed.
		for seq, msg := range oldState.currentReceives {
			st.pool.Put(msg.Buffer)
			delete(oldState.currentReceives, seq)
		}

		// Step 4: locally stable bulk messages this node
		// authored are re-sent in the new view, in sequence
		// order so renumbering keeps their relative order; the
		// rest are freed. Slot-mode stable messages belong to
		// the retired table and are discarded.
		stableSeqs := make([]int64, 0, len(oldState.locallyStableBulk))
		for seq := range oldState.locallyStableBulk {
			stableSeqs = append(stableSeqs, seq)
		}
		sort.Slice(stableSeqs, func(a, b int) bool { return stableSeqs[a] < stableSeqs[b] })
		for _, seq := range stableSeqs {
			msg := oldState.locallyStableBulk[seq]
			delete(oldState.locallyStableBulk, seq)
			if msg.Size == 0 {
				continue
			}
			if msg.SenderID == myID {
				st.pendingSends = append(st.pendingSends, g.convertMessage(st, msg))
			} else {
				st.pool.Put(msg.Buffer)
			}
		}
		oldState.locallyStableSlot = make(map[int64]SlotMessage)

		// Step 5: in-flight sends of the old view restart from
		// fresh indices.
		if oldState.currentSend != nil {
			st.pendingSends = append(st.pendingSends, g.convertMessage(st, *oldState.currentSend))
			oldState.currentSend = nil
		}
		for _, msg := range oldState.pendingSends {
			st.pendingSends = append(st.pendingSends, g.convertMessage(st, msg))
		}
		oldState.pendingSends = nil
		if oldState.nextSend != nil {
			converted := g.convertMessage(st, *oldState.nextSend)
			st.nextSend = &converted
			oldState.nextSend = nil
		}

		pendingSeqs := make([]int64, 0, len(oldState.nonPersistentBulk))
		for seq := range oldState.nonPersistentBulk {
			pendingSeqs = append(pendingSeqs, seq)
		}
		sort.Slice(pendingSeqs, func(a, b int) bool { return pendingSeqs[a] < pendingSeqs[b] })
		for _, seq := range pendingSeqs {
			st.nonPersistentBulk[seq] = g.convertMessage(st, oldState.nonPersistentBulk[seq])
			delete(oldState.nonPersistentBulk, seq)
		}
		for seq, msg := range oldState.nonPersistentSlot {
			st.nonPersistentSlot[seq] = msg
			delete(oldState.nonPersistentSlot, seq)
		}
	}

	// Step 6: the persistence writer changes owner and its
	// durable upcall rebinds to the new group.
	g.writer = old.writer
	old.writer = nil
	if g.writer != nil {
		g.writer.SetUpcall(g.makeFileWrittenCallback())
	}

	// Step 7: fresh table row, transfer groups, predicates,
	// and worker threads.
	g.finishConstruction(alreadyFailed)

	return g
}

// convertMessage renumbers a message carried over from the
// old view to this node's next send index, rewriting the
// index in the buffer header as well.
func (g *MulticastGroup) convertMessage(st *subgroupState, msg BulkMessage) BulkMessage {

	h, err := ParseHeader(msg.Buffer.Buf)
	if err != nil {
		h = Header{HeaderSize: HeaderBytes}
	}

	msg.SenderID = g.members[g.myRank]
	msg.Index = st.futureIndex
	h.Index = st.futureIndex
	MarshalHeader(h, msg.Buffer.Buf)

	st.futureIndex += int64(h.PauseSendingTurns) + 1

	return msg
}
