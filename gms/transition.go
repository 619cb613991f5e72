package gms

import (
	"github.com/go-kit/kit/log/level"

	"github.com/ashleyniemerg/derecho-unified/multicast"
	"github.com/ashleyniemerg/derecho-unified/sst"
	"github.com/ashleyniemerg/derecho-unified/view"
)

// Functions

// transitionViews runs once a commit is observed beyond the
// installed count: wedge the pipeline, run the ragged-edge
// cleanup, construct the next view, and install it.
func (vm *ViewManager) transitionViews(table *sst.SST) {

	lr := vm.leaderRank()
	me := table.MyRank()
	if lr < 0 {
		return
	}

	nCommitted := table.NCommitted(lr)
	nInstalled := table.NInstalled(me)
	if nCommitted <= nInstalled {
		return
	}

	vm.viewMu.RLock()
	curr := vm.currView
	group := vm.group
	layouts := vm.currLayouts
	failedCopy := append([]bool(nil), vm.failed...)
	vm.viewMu.RUnlock()

	capacity := table.Layout().ChangeCapacity

	var departures []int32
	var joiners []int32
	for i := nInstalled; i < nCommitted; i++ {
		idx := int(i) % capacity
		node := table.Change(lr, idx)
		if curr.RankOf(node) >= 0 {
			departures = append(departures, node)
		} else {
			joiners = append(joiners, node)
		}
	}

	for _, node := range departures {
		failedCopy[curr.RankOf(node)] = true
	}

	level.Info(vm.logger).Log(
		"msg", "starting view transition",
		"vid", curr.Vid,
		"departures", len(departures),
		"joiners", len(joiners),
	)

	// The pipeline stops accepting work before cleanup reads
	// its frontier.
	group.Wedge()

	mcSettings, _, err := makeSubgroupMaps(layouts, curr)
	if err == nil {
		for sg := range layouts {
			vm.raggedEdgeCleanup(table, group, sg, layouts[sg], mcSettings[sg], failedCopy, curr)
		}
	} else {
		level.Warn(vm.logger).Log("msg", "skipping ragged-edge cleanup", "err", err)
	}

	// Record the install on the retiring table so this
	// commit is not acted on twice.
	table.SetNInstalled(nCommitted)
	table.Put(allRows(table.Layout().NumMembers), table.Layout().NInstalledOffset(), 4)

	// Membership of the next view: survivors keep their
	// relative order, joiners are appended.
	var members []int32
	var ips []string
	for r, node := range curr.Members {
		if !failedCopy[r] {
			members = append(members, node)
			ips = append(ips, curr.MemberIPs[r])
		}
	}
	for _, j := range joiners {
		members = append(members, j)
		ips = append(ips, vm.joinerAddr(j))
	}

	myRank := -1
	for i, m := range members {
		if m == vm.myID {
			myRank = i
		}
	}

	if myRank < 0 {
		level.Info(vm.logger).Log("msg", "this node departed the group; staying wedged")
		return
	}

	next := view.NewView(curr.Vid+1, members, ips, make([]bool, len(members)), joiners, departures, int32(myRank))

	// The leader hands the committed view to its buffered
	// joiners before installing, so they can construct their
	// side and take part in the new view's barrier.
	if vm.leaderRankFrom(failedCopy) == int(curr.MyRank) {
		vm.commitJoins(next, curr)
	}

	vm.installNextView(next, table, group)
}

// installNextView swaps the manager onto the next view:
// persist it, retire the old table, construct the new
// table and pipeline, and notify the upcalls. Installing a
// view whose vid is not beyond the current one is a no-op.
func (vm *ViewManager) installNextView(next *view.View, oldTable *sst.SST, oldGroup *multicast.MulticastGroup) {

	vm.viewMu.RLock()
	old := vm.currView
	oldLayouts := vm.currLayouts
	vm.viewMu.RUnlock()

	if next.Vid <= old.Vid {
		level.Debug(vm.logger).Log(
			"msg", "ignoring install of non-advancing view",
			"vid", next.Vid,
			"current", old.Vid,
		)
		return
	}

	vm.viewMu.Lock()
	vm.nextView = next
	vm.viewMu.Unlock()

	if vm.viewFile != "" {
		if err := view.PersistView(next, vm.viewFile); err != nil {
			level.Warn(vm.logger).Log("msg", "persisting view file failed", "err", err)
		}
	}

	// The retiring table stops driving the protocol but keeps
	// its memory readable until the cleanup thread drops it.
	oldTable.Predicates.RemoveAll()
	oldTable.Freeze()

	if err := vm.constructForView(next, oldGroup); err != nil {
		level.Error(vm.logger).Log(
			"msg", "constructing next view failed",
			"vid", next.Vid,
			"err", err,
		)
		return
	}

	newSubgroups := vm.newlyJoinedSubgroups(oldLayouts, next)

	vm.viewMu.Lock()
	vm.currView = next
	vm.nextView = nil
	vm.failed = make([]bool, next.NumMembers())
	vm.lastSuspected = make([]bool, next.NumMembers())
	upcalls := append([]func(*view.View){}, vm.viewUpcalls...)
	proposed := vm.proposedJoins
	vm.proposedJoins = nil
	initUpcall := vm.initObjectsUpcall
	vm.viewMu.Unlock()

	for _, conn := range proposed {
		conn.Close()
	}

	select {
	case vm.oldViews <- retiredView{v: old, table: oldTable}:
	default:
		oldTable.Stop()
	}

	level.Info(vm.logger).Log(
		"msg", "installed new view",
		"vid", next.Vid,
		"members", next.NumMembers(),
	)

	if initUpcall != nil && len(newSubgroups) > 0 {
		initUpcall(next, newSubgroups)
	}
	for _, up := range upcalls {
		up(next)
	}
}

// newlyJoinedSubgroups lists the subgroup ids this node is
// a shard member of in next but was not in the previous
// layout.
func (vm *ViewManager) newlyJoinedSubgroups(oldLayouts []view.SubgroupSettings, next *view.View) []int {

	nextLayouts := vm.subgroupInfo.Layout(next)

	wasMember := func(layouts []view.SubgroupSettings, sg int) bool {
		if sg >= len(layouts) {
			return false
		}
		for _, m := range layouts[sg].Members {
			if m == vm.myID {
				return true
			}
		}
		return false
	}

	var fresh []int
	for sg := range nextLayouts {
		if wasMember(nextLayouts, sg) && !wasMember(oldLayouts, sg) {
			fresh = append(fresh, sg)
		}
	}
	return fresh
}

func (vm *ViewManager) joinerAddr(id int32) string {

	vm.viewMu.RLock()
	defer vm.viewMu.RUnlock()

	for conn, joiner := range vm.joinerIDBySock {
		if joiner == id {
			return conn.RemoteAddr().String()
		}
	}
	return ""
}
