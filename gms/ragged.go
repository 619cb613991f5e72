package gms

import (
	"time"

	"github.com/go-kit/kit/log/level"

	"github.com/ashleyniemerg/derecho-unified/multicast"
	"github.com/ashleyniemerg/derecho-unified/sst"
	"github.com/ashleyniemerg/derecho-unified/view"
)

// Constants

// raggedEdgeTimeout bounds how long a follower waits for
// its shard leader's global minimum before falling back to
// its own receive counters.
const raggedEdgeTimeout = 5 * time.Second

// Functions

// raggedEdgeCleanup brings delivery of one subgroup to a
// consistent frontier before the next view: the shard
// leader publishes, per sender, the greatest index every
// live member has received, and all members deliver up to
// that point.
func (vm *ViewManager) raggedEdgeCleanup(table *sst.SST, group *multicast.MulticastGroup,
	sg int, layout view.SubgroupSettings, settings *multicast.SubgroupSettings,
	failed []bool, curr *view.View) {

	if settings == nil || layout.Mode == view.Raw {
		return
	}

	shardRows := make([]int, 0, len(layout.Members))
	for _, m := range layout.Members {
		shardRows = append(shardRows, curr.RankOf(m))
	}

	// Shard leader: lowest-ranked shard member not failed.
	leaderShardRow := -1
	for _, row := range shardRows {
		if !failed[row] {
			leaderShardRow = row
			break
		}
	}
	if leaderShardRow < 0 {
		return
	}

	numSenders := settings.NumSenders()
	offset := settings.NumReceivedOffset

	if leaderShardRow == table.MyRank() {
		vm.leaderRaggedEdgeCleanup(table, group, sg, shardRows, offset, numSenders, failed)
	} else {
		vm.followerRaggedEdgeCleanup(table, group, sg, leaderShardRow, shardRows, offset, numSenders)
	}
}

// leaderRaggedEdgeCleanup computes the per-sender global
// minimum over live shard members, publishes it, and
// delivers through it.
func (vm *ViewManager) leaderRaggedEdgeCleanup(table *sst.SST, group *multicast.MulticastGroup,
	sg int, shardRows []int, offset, numSenders int, failed []bool) {

	mins := make([]int64, numSenders)

	for s := 0; s < numSenders; s++ {
		min := int64(-1)
		first := true
		for _, row := range shardRows {
			if failed[row] {
				continue
			}
			nr := table.NumReceived(row, offset+s)
			if first || nr < min {
				min = nr
				first = false
			}
		}
		mins[s] = min
		table.SetGlobalMin(offset+s, min)
	}

	table.SetGlobalMinReady(sg, true)

	layout := table.Layout()
	table.Put(shardRows, layout.GlobalMinOffset(offset), 8*numSenders)
	table.Put(shardRows, layout.GlobalMinReadyOffset(sg), 1)

	level.Info(vm.logger).Log(
		"msg", "published ragged-edge frontier as shard leader",
		"subgroup", sg,
	)

	vm.deliverInOrder(group, sg, mins)
}

// followerRaggedEdgeCleanup waits for the shard leader's
// frontier, copies it, and delivers through it. If the
// leader never publishes, the follower falls back to its
// own receive counters after a timeout.
func (vm *ViewManager) followerRaggedEdgeCleanup(table *sst.SST, group *multicast.MulticastGroup,
	sg int, leaderShardRow int, shardRows []int, offset, numSenders int) {

	deadline := time.Now().Add(raggedEdgeTimeout)
	for !table.GlobalMinReady(leaderShardRow, sg) {
		if time.Now().After(deadline) {
			level.Warn(vm.logger).Log(
				"msg", "shard leader never published ragged-edge frontier, using local counters",
				"subgroup", sg,
			)
			mins := make([]int64, numSenders)
			for s := 0; s < numSenders; s++ {
				mins[s] = table.NumReceived(table.MyRank(), offset+s)
			}
			vm.deliverInOrder(group, sg, mins)
			return
		}
		time.Sleep(time.Millisecond)
	}

	mins := make([]int64, numSenders)
	for s := 0; s < numSenders; s++ {
		mins[s] = table.GlobalMin(leaderShardRow, offset+s)
		table.SetGlobalMin(offset+s, mins[s])
	}
	table.SetGlobalMinReady(sg, true)

	layout := table.Layout()
	table.Put(shardRows, layout.GlobalMinOffset(offset), 8*numSenders)
	table.Put(shardRows, layout.GlobalMinReadyOffset(sg), 1)

	level.Info(vm.logger).Log(
		"msg", "copied ragged-edge frontier from shard leader",
		"subgroup", sg,
	)

	vm.deliverInOrder(group, sg, mins)
}

// deliverInOrder forces delivery through the merged queues
// up to the agreed per-sender indices.
func (vm *ViewManager) deliverInOrder(group *multicast.MulticastGroup, sg int, mins []int64) {
	group.DeliverMessagesUpto(mins, sg)
}
