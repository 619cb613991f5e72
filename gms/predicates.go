package gms

import (
	"github.com/go-kit/kit/log/level"

	"github.com/ashleyniemerg/derecho-unified/sst"
)

// Functions

// registerPredicates installs the five management
// predicates on the table of view v.
func (vm *ViewManager) registerPredicates(table *sst.SST) {

	vm.gmsHandles = nil

	vm.gmsHandles = append(vm.gmsHandles,
		table.Predicates.Insert(vm.suspectedChangedPred, vm.suspectedChangedTrig, sst.Recurrent))
	vm.gmsHandles = append(vm.gmsHandles,
		table.Predicates.Insert(vm.startJoinPred, vm.startJoinTrig, sst.Recurrent))
	vm.gmsHandles = append(vm.gmsHandles,
		table.Predicates.Insert(vm.changeCommitReadyPred, vm.changeCommitReadyTrig, sst.Recurrent))
	vm.gmsHandles = append(vm.gmsHandles,
		table.Predicates.Insert(vm.leaderProposedPred, vm.leaderProposedTrig, sst.Recurrent))
	vm.gmsHandles = append(vm.gmsHandles,
		table.Predicates.Insert(vm.leaderCommittedPred, vm.leaderCommittedTrig, sst.Recurrent))
}

// tableCurrent reports whether the given table still drives
// the protocol. Predicates of a retiring table may fire one
// last time from an in-flight cycle snapshot; they must not
// act on it.
func (vm *ViewManager) tableCurrent(table *sst.SST) bool {

	vm.viewMu.RLock()
	defer vm.viewMu.RUnlock()
	return vm.table == table
}

// leaderRank computes the implicit leader from the local
// failure knowledge.
func (vm *ViewManager) leaderRank() int {

	vm.viewMu.RLock()
	defer vm.viewMu.RUnlock()

	for i := range vm.failed {
		if !vm.failed[i] {
			return i
		}
	}
	return -1
}

func (vm *ViewManager) iAmLeader() bool {

	lr := vm.leaderRank()
	vm.viewMu.RLock()
	defer vm.viewMu.RUnlock()
	return lr == int(vm.currView.MyRank)
}

// suspectedNotEqual reports whether any member is suspected
// anywhere in the table without being recorded in old.
func suspectedNotEqual(table *sst.SST, old []bool) bool {

	n := table.Layout().NumMembers
	for r := 0; r < n; r++ {
		for m := 0; m < n; m++ {
			if table.Suspected(r, m) && !old[m] {
				return true
			}
		}
	}
	return false
}

// copySuspected folds the table-wide suspicion union into
// dst.
func copySuspected(table *sst.SST, dst []bool) {

	n := table.Layout().NumMembers
	for m := 0; m < n; m++ {
		for r := 0; r < n; r++ {
			if table.Suspected(r, m) {
				dst[m] = true
				break
			}
		}
	}
}

// changesContains reports whether the own row's proposed
// changes already name the given node.
func changesContains(table *sst.SST, node int32) bool {

	capacity := table.Layout().ChangeCapacity
	n := int(table.NChanges(table.MyRank()))
	if n > capacity {
		n = capacity
	}
	for i := 0; i < n; i++ {
		if table.Change(table.MyRank(), i) == node {
			return true
		}
	}
	return false
}

// minAcked returns the lowest acknowledgment count among
// rows not marked failed.
func minAcked(table *sst.SST, failed []bool) int32 {

	min := int32(-1)
	for r := 0; r < table.Layout().NumMembers; r++ {
		if failed[r] {
			continue
		}
		acked := table.NAcked(r)
		if min < 0 || acked < min {
			min = acked
		}
	}
	return min
}

// Predicate 1: suspicion changed anywhere.

func (vm *ViewManager) suspectedChangedPred(table *sst.SST) bool {
	if !vm.tableCurrent(table) {
		return false
	}

	vm.viewMu.RLock()
	last := vm.lastSuspected
	vm.viewMu.RUnlock()

	return suspectedNotEqual(table, last)
}

func (vm *ViewManager) suspectedChangedTrig(table *sst.SST) {
	if !vm.tableCurrent(table) {
		return
	}

	n := table.Layout().NumMembers

	current := make([]bool, n)
	copySuspected(table, current)

	vm.viewMu.Lock()
	newly := make([]int, 0)
	for m := 0; m < n; m++ {
		if current[m] && !vm.lastSuspected[m] {
			newly = append(newly, m)
			vm.failed[m] = true
		}
	}
	vm.lastSuspected = current
	members := vm.currView.Members
	myRank := int(vm.currView.MyRank)
	failed := append([]bool(nil), vm.failed...)
	vm.viewMu.Unlock()

	if len(newly) == 0 {
		return
	}

	rows := allRows(n)

	for _, m := range newly {

		level.Info(vm.logger).Log(
			"msg", "peer failure recorded",
			"rank", m,
			"node", members[m],
		)

		// Suspicion is sticky: echo it in the own row so every
		// member converges on the same failure set.
		if !table.Suspected(table.MyRank(), m) {
			table.SetSuspected(m, true)
		}
	}
	table.Put(rows, table.Layout().SuspectedOffset(), n)

	// The leader turns failures into proposed changes.
	if vm.leaderRankFrom(failed) != myRank {
		return
	}

	for _, m := range newly {
		vm.proposeChange(table, members[m], 0, rows)
	}
}

func (vm *ViewManager) leaderRankFrom(failed []bool) int {

	for i := range failed {
		if !failed[i] {
			return i
		}
	}
	return -1
}

// proposeChange appends one change to the own row. A full
// change array surfaces as capacity exhaustion: the change
// is dropped here and re-proposed after the next commit,
// when failure detection or the join queue raises it again.
func (vm *ViewManager) proposeChange(table *sst.SST, node int32, joiner int32, rows []int) bool {

	if changesContains(table, node) {
		return true
	}

	capacity := table.Layout().ChangeCapacity
	nChanges := table.NChanges(table.MyRank())

	if int(nChanges) >= capacity {
		level.Warn(vm.logger).Log(
			"msg", "change array capacity exhausted, deferring proposal",
			"node", node,
			"pending", nChanges,
		)
		return false
	}

	idx := int(nChanges) % capacity
	table.SetChange(idx, node)
	if joiner != 0 {
		table.SetJoinerID(idx, joiner)
	}
	table.SetNChanges(nChanges + 1)
	table.SetNAcked(nChanges + 1)

	layout := table.Layout()
	table.Put(rows, layout.ChangesOffset(), 4*capacity)
	table.Put(rows, layout.JoinerIDsOffset(), 4*capacity)
	table.Put(rows, layout.NChangesOffset(), 4)
	table.Put(rows, layout.NAckedOffset(), 4)

	level.Info(vm.logger).Log(
		"msg", "proposed membership change",
		"node", node,
		"n_changes", nChanges+1,
	)

	return true
}

// Predicate 2: leader drains pending join sockets.

func (vm *ViewManager) startJoinPred(table *sst.SST) bool {
	if !vm.tableCurrent(table) {
		return false
	}
	return vm.iAmLeader() && vm.pendingJoins.Len() > 0
}

func (vm *ViewManager) startJoinTrig(table *sst.SST) {
	if !vm.tableCurrent(table) {
		return
	}

	rows := allRows(table.Layout().NumMembers)

	conns := vm.pendingJoins.Drain()

	for i, conn := range conns {

		vm.viewMu.Lock()
		id := vm.nextNodeID
		vm.nextNodeID++
		vm.joinerIDBySock[conn] = id
		vm.viewMu.Unlock()

		if !vm.proposeChange(table, id, id, rows) {
			// Put the sockets back; the joins are retried after
			// the next commit frees change capacity.
			vm.viewMu.Lock()
			delete(vm.joinerIDBySock, conn)
			vm.nextNodeID--
			vm.viewMu.Unlock()
			for _, rest := range conns[i:] {
				vm.pendingJoins.Push(rest)
			}
			return
		}

		vm.proposedJoins = append(vm.proposedJoins, conn)

		level.Info(vm.logger).Log(
			"msg", "queued joiner into proposed changes",
			"joiner", id,
		)
	}
}

// Predicate 3: leader commits once every live member acked.

func (vm *ViewManager) changeCommitReadyPred(table *sst.SST) bool {
	if !vm.tableCurrent(table) {
		return false
	}

	if !vm.iAmLeader() {
		return false
	}

	me := table.MyRank()
	if table.NCommitted(me) >= table.NChanges(me) {
		return false
	}

	vm.viewMu.RLock()
	failed := append([]bool(nil), vm.failed...)
	vm.viewMu.RUnlock()

	return minAcked(table, failed) >= table.NChanges(me)
}

func (vm *ViewManager) changeCommitReadyTrig(table *sst.SST) {
	if !vm.tableCurrent(table) {
		return
	}

	me := table.MyRank()
	n := table.NChanges(me)

	table.SetNCommitted(n)
	table.Put(allRows(table.Layout().NumMembers), table.Layout().NCommittedOffset(), 4)

	level.Info(vm.logger).Log("msg", "committed proposed changes", "n_committed", n)
}

// Predicate 4: followers copy and acknowledge the leader's
// proposal.

func (vm *ViewManager) leaderProposedPred(table *sst.SST) bool {
	if !vm.tableCurrent(table) {
		return false
	}

	lr := vm.leaderRank()
	if lr < 0 || lr == table.MyRank() {
		return false
	}
	return table.NChanges(lr) > table.NAcked(table.MyRank())
}

func (vm *ViewManager) leaderProposedTrig(table *sst.SST) {
	if !vm.tableCurrent(table) {
		return
	}

	lr := vm.leaderRank()
	if lr < 0 {
		return
	}

	layout := table.Layout()
	capacity := layout.ChangeCapacity

	n := table.NChanges(lr)
	for i := 0; i < capacity; i++ {
		table.SetChange(i, table.Change(lr, i))
		table.SetJoinerID(i, table.JoinerID(lr, i))
	}
	table.SetNChanges(n)
	table.SetNAcked(n)

	rows := allRows(layout.NumMembers)
	table.Put(rows, layout.ChangesOffset(), 4*capacity)
	table.Put(rows, layout.JoinerIDsOffset(), 4*capacity)
	table.Put(rows, layout.NChangesOffset(), 4)
	table.Put(rows, layout.NAckedOffset(), 4)

	level.Debug(vm.logger).Log("msg", "acknowledged leader proposal", "n_acked", n)
}

// Predicate 5: a commit beyond the installed count starts
// the view transition.

func (vm *ViewManager) leaderCommittedPred(table *sst.SST) bool {
	if !vm.tableCurrent(table) {
		return false
	}

	lr := vm.leaderRank()
	if lr < 0 {
		return false
	}
	return table.NCommitted(lr) > table.NInstalled(table.MyRank())
}

func (vm *ViewManager) leaderCommittedTrig(table *sst.SST) {
	if !vm.tableCurrent(table) {
		return
	}
	vm.transitionViews(table)
}
