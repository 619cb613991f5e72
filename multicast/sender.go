package multicast

import (
	"time"

	"github.com/go-kit/kit/log/level"
)

// Functions

// sendLoop is the single sender worker: it scans subgroups
// round-robin and issues the next admissible pending bulk
// send. On a send failure the group is declared failed and
// the worker exits; callers observe the wedge.
func (g *MulticastGroup) sendLoop() {

	defer close(g.senderDone)

	subgroupToSend := 0

	g.msgState.Lock()

	for !g.wedged.Load() {

		sg, ok := g.nextSendableSubgroup(&subgroupToSend)
		if !ok {
			g.senderCond.Wait()
			continue
		}

		st := g.subgroups[sg]
		msg := st.pendingSends[0]
		st.pendingSends = st.pendingSends[1:]
		st.currentSend = &msg

		level.Debug(g.logger).Log(
			"msg", "issuing bulk send",
			"subgroup", sg,
			"index", msg.Index,
			"sender", msg.SenderID,
		)

		// Drop the lock while handing the transfer off: the
		// transport may deliver self-receives inline and those
		// re-acquire the message-state mutex.
		groupNum := st.myBulkGroup
		buf, size := msg.Buffer.Buf, msg.Size
		g.msgState.Unlock()

		err := g.bulk.Send(groupNum, buf, size)
		if err != nil {
			level.Error(g.logger).Log(
				"msg", "bulk send failed, wedging group",
				"subgroup", sg,
				"err", err,
			)
			g.failFromSender()
			return
		}

		g.msgState.Lock()
	}

	g.msgState.Unlock()
}

// nextSendableSubgroup finds the next subgroup, starting
// after the previous pick, whose head-of-queue message
// passes the admission checks. Caller holds the
// message-state mutex.
func (g *MulticastGroup) nextSendableSubgroup(cursor *int) (int, bool) {

	total := len(g.subgroups)

	for i := 1; i <= total; i++ {
		sg := (*cursor + i) % total
		if g.shouldSendToSubgroup(sg) {
			*cursor = sg
			return sg, true
		}
	}
	return 0, false
}

// shouldSendToSubgroup checks the admission conditions for
// the head of the subgroup's pending queue: transfer groups
// exist, the queue is non-empty, this sender's own receive
// counter has caught up to the predecessor message, and the
// flow-control window is open. Caller holds the
// message-state mutex.
func (g *MulticastGroup) shouldSendToSubgroup(sg int) bool {

	if !g.groupsCreated {
		return false
	}

	st := g.subgroups[sg]
	if st == nil || len(st.pendingSends) == 0 || st.currentSend != nil {
		return false
	}
	if st.settings.SenderRank < 0 {
		return false
	}

	msg := st.pendingSends[0]
	offset := st.settings.NumReceivedOffset

	// This sender's own receipt of its predecessor gates the
	// next enqueue, keeping per-sender indices contiguous.
	if g.table.NumReceived(g.myRank, offset+st.settings.SenderRank) < msg.Index-1 {
		return false
	}

	return g.sendWindowOpen(st, msg.Index)
}

// failFromSender marks the group failed from inside the
// sender worker. The worker cannot join itself, so only the
// terminal flags and cleanup run here; a later Wedge call
// finds them already set.
func (g *MulticastGroup) failFromSender() {

	if !g.wedged.Swap(true) {
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
}

// heartbeatLoop pushes this node's heartbeat byte to every
// peer with completion tracking. A failed completion is the
// fine-grained failure signal the view manager consumes.
func (g *MulticastGroup) heartbeatLoop() {

	defer close(g.heartbeatDone)

	interval := time.Duration(g.params.HeartbeatMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	allRows := make([]int, len(g.members))
	for i := range g.members {
		allRows[i] = i
	}

	for {
		select {
		case <-g.hbShutdown:
			return
		case <-ticker.C:
			g.table.SetHeartbeat(g.myRank, true)
			g.table.PutWithCompletion(allRows, g.table.Layout().HeartbeatOffset()+g.myRank, 1)
		}
	}
}
