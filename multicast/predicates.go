package multicast

import (
	"math"

	"github.com/go-kit/kit/log/level"

	"github.com/ashleyniemerg/derecho-unified/sst"
	"github.com/ashleyniemerg/derecho-unified/view"
)

// Functions

// registerPredicates installs the recurrent predicates of
// every subgroup this node participates in: the slot-path
// receiver, and for Ordered mode the stability, delivery,
// and sender flow-control predicates.
func (g *MulticastGroup) registerPredicates() {

	for sg, st := range g.subgroups {
		if st == nil {
			continue
		}

		g.registerReceiverPredicate(sg, st)

		if st.settings.Mode != view.Raw {
			g.registerStabilityPredicate(sg, st)
			g.registerDeliveryPredicate(sg, st)
			if st.settings.SenderRank >= 0 {
				g.registerOrderedSenderPredicate(sg, st)
			}
		} else if st.settings.SenderRank >= 0 {
			g.registerRawSenderPredicate(sg, st)
		}
	}
}

// registerReceiverPredicate watches the slot windows of all
// shard senders and drains freshly published slots.
func (g *MulticastGroup) registerReceiverPredicate(sg int, st *subgroupState) {

	settings := st.settings
	shardRanks := settings.ShardRanksBySenderRank()
	numSenders := len(shardRanks)
	offset := settings.NumReceivedOffset
	window := int64(g.params.WindowSize)

	senderRow := func(senderRank int) int {
		return st.shardRows[shardRanks[senderRank]]
	}

	slotReady := func(table *sst.SST, senderRank int) (int64, int, bool) {
		expected := table.NumReceivedSST(g.myRank, offset+senderRank) + 1
		slotIdx := int(expected % window)
		if table.SlotNextSeq(senderRow(senderRank), sg, slotIdx) == expected/window+1 {
			return expected, slotIdx, true
		}
		return 0, 0, false
	}

	pred := func(table *sst.SST) bool {
		for j := 0; j < numSenders; j++ {
			if _, _, ok := slotReady(table, j); ok {
				return true
			}
		}
		return false
	}

	// Drain at most half a window per sender per firing so
	// one busy sender cannot starve the rest of the loop.
	numTimes := int(g.params.WindowSize) / 2
	if numTimes == 0 {
		numTimes = 1
	}

	trig := func(table *sst.SST) {

		if g.wedged.Load() {
			return
		}

		g.msgState.Lock()
		defer g.msgState.Unlock()

		for i := 0; i < numTimes; i++ {
			for j := 0; j < numSenders; j++ {

				expected, slotIdx, ok := slotReady(table, j)
				if !ok {
					continue
				}

				row := senderRow(j)
				size := int(table.SlotSize(row, sg, slotIdx))
				data := table.SlotBuf(row, sg, slotIdx, size)
				nodeID := settings.Members[shardRanks[j]]

				g.receiveSlot(sg, st, j, nodeID, data, size)
				table.SetNumReceivedSST(offset+j, expected)
			}
		}

		table.Put(st.shardRows, table.Layout().NumReceivedSSTOffset(offset), 8*numSenders)
	}

	g.handles = append(g.handles, g.table.Predicates.Insert(pred, trig, sst.Recurrent))
}

// registerStabilityPredicate publishes the row-wise minimum
// of the shard's sequence frontiers as this node's
// stability frontier.
func (g *MulticastGroup) registerStabilityPredicate(sg int, st *subgroupState) {

	pred := func(table *sst.SST) bool { return true }

	trig := func(table *sst.SST) {

		if g.wedged.Load() {
			return
		}

		minSeqNum := int64(math.MaxInt64)
		for _, row := range st.shardRows {
			if sn := table.SeqNum(row, sg); sn < minSeqNum {
				minSeqNum = sn
			}
		}

		if minSeqNum > table.StableNum(g.myRank, sg) {
			level.Debug(g.logger).Log(
				"msg", "updating stability frontier",
				"subgroup", sg,
				"stable_num", minSeqNum,
			)
			table.SetStableNum(sg, minSeqNum)
			table.Put(st.shardRows, table.Layout().StableNumOffset(sg), 8)
		}
	}

	g.handles = append(g.handles, g.table.Predicates.Insert(pred, trig, sst.Recurrent))
}

// registerDeliveryPredicate delivers every locally stable
// message at or below the shard-wide stability minimum, in
// global sequence order.
func (g *MulticastGroup) registerDeliveryPredicate(sg int, st *subgroupState) {

	pred := func(table *sst.SST) bool { return true }

	trig := func(table *sst.SST) {

		if g.wedged.Load() {
			return
		}

		g.msgState.Lock()
		defer g.msgState.Unlock()

		minStable := int64(math.MaxInt64)
		for _, row := range st.shardRows {
			if sn := table.StableNum(row, sg); sn < minStable {
				minStable = sn
			}
		}

		updated := false
		for {
			leastBulk := minKeyBulk(st.locallyStableBulk)
			leastSlot := minKeySlot(st.locallyStableSlot)

			if leastBulk < leastSlot && leastBulk <= minStable {
				msg := st.locallyStableBulk[leastBulk]
				g.deliverBulkMessage(sg, st, leastBulk, msg)
				table.SetDeliveredNum(sg, leastBulk)
				delete(st.locallyStableBulk, leastBulk)
				updated = true
			} else if leastSlot < leastBulk && leastSlot <= minStable {
				msg := st.locallyStableSlot[leastSlot]
				g.deliverSlotMessage(sg, st, leastSlot, msg)
				table.SetDeliveredNum(sg, leastSlot)
				delete(st.locallyStableSlot, leastSlot)
				updated = true
			} else {
				break
			}
		}

		if updated {
			table.Put(st.shardRows, table.Layout().DeliveredNumOffset(sg), 8)
		}
	}

	g.handles = append(g.handles, g.table.Predicates.Insert(pred, trig, sst.Recurrent))
}

// registerOrderedSenderPredicate wakes the sender worker
// once every shard member has delivered (and persisted,
// when enabled) far enough for the next in-flight index.
func (g *MulticastGroup) registerOrderedSenderPredicate(sg int, st *subgroupState) {

	numSenders := int64(st.settings.NumSenders())
	senderRank := int64(st.settings.SenderRank)

	pred := func(table *sst.SST) bool {

		g.msgState.Lock()
		seq := st.nextMessageToDeliver*numSenders + senderRank
		g.msgState.Unlock()

		for _, row := range st.shardRows {
			if table.DeliveredNum(row, sg) < seq {
				return false
			}
			if g.writer != nil && table.PersistedNum(row, sg) < seq {
				return false
			}
		}
		return true
	}

	trig := func(table *sst.SST) {
		g.msgState.Lock()
		st.nextMessageToDeliver++
		g.senderCond.Broadcast()
		g.msgState.Unlock()
	}

	g.handles = append(g.handles, g.table.Predicates.Insert(pred, trig, sst.Recurrent))
}

// registerRawSenderPredicate is the Raw-mode counterpart:
// the gate runs on receipt counters instead of delivery.
func (g *MulticastGroup) registerRawSenderPredicate(sg int, st *subgroupState) {

	offset := st.settings.NumReceivedOffset
	senderRank := st.settings.SenderRank
	window := int64(g.params.WindowSize)

	pred := func(table *sst.SST) bool {

		g.msgState.Lock()
		threshold := st.futureIndex - 1 - window
		g.msgState.Unlock()

		for _, row := range st.shardRows {
			if table.NumReceived(row, offset+senderRank) < threshold {
				return false
			}
		}
		return true
	}

	trig := func(table *sst.SST) {
		g.msgState.Lock()
		g.senderCond.Broadcast()
		g.msgState.Unlock()
	}

	g.handles = append(g.handles, g.table.Predicates.Insert(pred, trig, sst.Recurrent))
}
