package view

// Constants

// Integer counter for defining delivery modes.
const (
	Ordered Mode = iota
	Raw
)

// Structs

// Mode declares how a subgroup delivers messages: Ordered
// waits for shard-wide stability, Raw delivers on receipt.
type Mode int

// SubgroupSettings describes one subgroup's shard as seen
// by this node: the shard members in rank order, which of
// them send, and the delivery mode. Mode is pinned when the
// subgroup is first created and must not change across
// views.
type SubgroupSettings struct {
	Members    []int32
	Senders    []bool
	Mode       Mode
	SenderRank int
}

// View is an immutable snapshot of group membership. The
// member list defines ranks; Members and Failed are
// parallel. Vid strictly increases across the lifetime of
// the process.
type View struct {
	Vid       int32
	Members   []int32
	MemberIPs []string
	Failed    []bool
	NumFailed int32
	Joined    []int32
	Departed  []int32
	MyRank    int32

	// Per-subgroup shard layout, recomputed from the
	// subgroup policy at every view; not serialized.
	Subgroups []SubgroupSettings
}

// Functions

// NewView bundles the given membership into a View.
// Members, ips, and failed have to be parallel.
func NewView(vid int32, members []int32, ips []string, failed []bool, joined, departed []int32, myRank int32) *View {

	numFailed := int32(0)
	for _, f := range failed {
		if f {
			numFailed++
		}
	}

	return &View{
		Vid:       vid,
		Members:   members,
		MemberIPs: ips,
		Failed:    failed,
		NumFailed: numFailed,
		Joined:    joined,
		Departed:  departed,
		MyRank:    myRank,
	}
}

// NumMembers returns the number of members in this view.
func (v *View) NumMembers() int {
	return len(v.Members)
}

// RankOf returns the rank of the given node in this view,
// or -1 if the node is not a member.
func (v *View) RankOf(node int32) int {

	for i, m := range v.Members {
		if m == node {
			return i
		}
	}
	return -1
}

// MyID returns the node id of the member running this code.
func (v *View) MyID() int32 {
	return v.Members[v.MyRank]
}

// LeaderRank returns the rank of the current leader: the
// lowest-ranked member whose failed flag is not set.
func (v *View) LeaderRank() int {

	for i := range v.Members {
		if !v.Failed[i] {
			return i
		}
	}
	return -1
}

// IAmLeader reports whether this node is the leader of the
// view. Election is implicit: every member computes the
// leader from its local view.
func (v *View) IAmLeader() bool {
	return v.LeaderRank() == int(v.MyRank)
}

// IsMemberFailed reports the failed flag of the member at
// the given rank.
func (v *View) IsMemberFailed(rank int) bool {
	return v.Failed[rank]
}

// Equals compares two views field by field, ignoring the
// per-view subgroup layout.
func (v *View) Equals(o *View) bool {

	if v.Vid != o.Vid || v.MyRank != o.MyRank || v.NumFailed != o.NumFailed {
		return false
	}
	if len(v.Members) != len(o.Members) || len(v.Joined) != len(o.Joined) || len(v.Departed) != len(o.Departed) {
		return false
	}
	for i := range v.Members {
		if v.Members[i] != o.Members[i] || v.MemberIPs[i] != o.MemberIPs[i] || v.Failed[i] != o.Failed[i] {
			return false
		}
	}
	for i := range v.Joined {
		if v.Joined[i] != o.Joined[i] {
			return false
		}
	}
	for i := range v.Departed {
		if v.Departed[i] != o.Departed[i] {
			return false
		}
	}

	return true
}
