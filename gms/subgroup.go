package gms

import (
	"github.com/pkg/errors"

	"github.com/ashleyniemerg/derecho-unified/multicast"
	"github.com/ashleyniemerg/derecho-unified/view"
)

// Functions

// makeSubgroupMaps turns the policy's per-subgroup shard
// layouts into the per-node settings the pipeline needs:
// this node's sender rank per shard and the num_received
// column offset of every subgroup. The returned slice has
// nil entries for subgroups this node is not a member of.
// The second result is the total sender-column count, which
// sizes the SST layout.
func makeSubgroupMaps(layouts []view.SubgroupSettings, v *view.View) ([]*multicast.SubgroupSettings, int, error) {

	settings := make([]*multicast.SubgroupSettings, len(layouts))
	offset := 0
	myID := v.MyID()

	for sg, l := range layouts {

		if len(l.Members) == 0 {
			return nil, 0, errors.Errorf("subgroup %d has an empty shard", sg)
		}
		if len(l.Senders) != len(l.Members) {
			return nil, 0, errors.Errorf("subgroup %d sender bitmap does not match shard size", sg)
		}

		numSenders := 0
		for _, isSender := range l.Senders {
			if isSender {
				numSenders++
			}
		}
		if numSenders == 0 {
			return nil, 0, errors.Errorf("subgroup %d has no senders", sg)
		}

		myShardRank := -1
		for i, m := range l.Members {
			if v.RankOf(m) < 0 {
				return nil, 0, errors.Errorf("subgroup %d lists node %d which is not a view member", sg, m)
			}
			if m == myID {
				myShardRank = i
			}
		}

		if myShardRank >= 0 {

			senderRank := -1
			if l.Senders[myShardRank] {
				senderRank = 0
				for i := 0; i < myShardRank; i++ {
					if l.Senders[i] {
						senderRank++
					}
				}
			}

			settings[sg] = &multicast.SubgroupSettings{
				Members:           append([]int32(nil), l.Members...),
				Senders:           append([]bool(nil), l.Senders...),
				Mode:              l.Mode,
				SenderRank:        senderRank,
				NumReceivedOffset: offset,
			}
		}

		offset += numSenders
	}

	return settings, offset, nil
}
