package sst

// Structs

// Layout fixes the byte offsets of every column in one
// SST row. All members of a view compute the same layout
// from the same dimensions, so a one-sided write of a
// byte range lands on the same column at every reader.
//
// Row format, little-endian, in column order:
//
//	vid:i32
//	suspected:bool[N]
//	changes:i32[C]
//	joiner_ids:i32[C]
//	nChanges:i32 | nCommitted:i32 | nAcked:i32 | nInstalled:i32
//	num_received:i64[S]
//	num_received_sst:i64[S]
//	seq_num:i64[G] | stable_num:i64[G] | delivered_num:i64[G] | persisted_num:i64[G]
//	slots:{next_seq:i64, size:i32, buf[MAXMSG]}[G*W]
//	heartbeat:bool[N]
//	global_min:i64[S]
//	global_min_ready:bool[G]
//
// N = members, C = change capacity, S = total shard senders
// across subgroups, G = total subgroups, W = window size.
type Layout struct {
	NumMembers     int
	ChangeCapacity int
	TotalSenders   int
	NumSubgroups   int
	WindowSize     int
	MaxMsgSize     int

	offVid            int
	offSuspected      int
	offChanges        int
	offJoinerIDs      int
	offNChanges       int
	offNCommitted     int
	offNAcked         int
	offNInstalled     int
	offNumReceived    int
	offNumReceivedSST int
	offSeqNum         int
	offStableNum      int
	offDeliveredNum   int
	offPersistedNum   int
	offSlots          int
	offHeartbeat      int
	offGlobalMin      int
	offGlobalMinReady int
	rowSize           int
}

// Functions

// NewLayout computes all column offsets for the given
// table dimensions.
func NewLayout(numMembers, changeCapacity, totalSenders, numSubgroups, windowSize, maxMsgSize int) Layout {

	l := Layout{
		NumMembers:     numMembers,
		ChangeCapacity: changeCapacity,
		TotalSenders:   totalSenders,
		NumSubgroups:   numSubgroups,
		WindowSize:     windowSize,
		MaxMsgSize:     maxMsgSize,
	}

	off := 0

	l.offVid = off
	off += 4

	l.offSuspected = off
	off += numMembers

	l.offChanges = off
	off += 4 * changeCapacity

	l.offJoinerIDs = off
	off += 4 * changeCapacity

	l.offNChanges = off
	off += 4
	l.offNCommitted = off
	off += 4
	l.offNAcked = off
	off += 4
	l.offNInstalled = off
	off += 4

	l.offNumReceived = off
	off += 8 * totalSenders

	l.offNumReceivedSST = off
	off += 8 * totalSenders

	l.offSeqNum = off
	off += 8 * numSubgroups
	l.offStableNum = off
	off += 8 * numSubgroups
	l.offDeliveredNum = off
	off += 8 * numSubgroups
	l.offPersistedNum = off
	off += 8 * numSubgroups

	l.offSlots = off
	off += l.SlotSize() * numSubgroups * windowSize

	l.offHeartbeat = off
	off += numMembers

	l.offGlobalMin = off
	off += 8 * totalSenders

	l.offGlobalMinReady = off
	off += numSubgroups

	l.rowSize = off

	return l
}

// SlotSize returns the byte size of one slot entry:
// next_seq (i64), size (i32), and the payload buffer.
func (l Layout) SlotSize() int {
	return 8 + 4 + l.MaxMsgSize
}

// RowSize returns the total byte size of one row.
func (l Layout) RowSize() int {
	return l.rowSize
}

// Column offset accessors. Put callers use these to name
// the byte range a one-sided write covers.

func (l Layout) VidOffset() int        { return l.offVid }
func (l Layout) SuspectedOffset() int  { return l.offSuspected }
func (l Layout) ChangesOffset() int    { return l.offChanges }
func (l Layout) JoinerIDsOffset() int  { return l.offJoinerIDs }
func (l Layout) NChangesOffset() int   { return l.offNChanges }
func (l Layout) NCommittedOffset() int { return l.offNCommitted }
func (l Layout) NAckedOffset() int     { return l.offNAcked }
func (l Layout) NInstalledOffset() int { return l.offNInstalled }

// NumReceivedOffset returns the offset of the num_received
// entry at the given sender slot.
func (l Layout) NumReceivedOffset(senderSlot int) int {
	return l.offNumReceived + 8*senderSlot
}

// NumReceivedSSTOffset returns the offset of the
// num_received_sst entry at the given sender slot.
func (l Layout) NumReceivedSSTOffset(senderSlot int) int {
	return l.offNumReceivedSST + 8*senderSlot
}

// SeqNumOffset returns the offset of the seq_num entry of
// the given subgroup.
func (l Layout) SeqNumOffset(subgroup int) int {
	return l.offSeqNum + 8*subgroup
}

// StableNumOffset returns the offset of the stable_num
// entry of the given subgroup.
func (l Layout) StableNumOffset(subgroup int) int {
	return l.offStableNum + 8*subgroup
}

// DeliveredNumOffset returns the offset of the
// delivered_num entry of the given subgroup.
func (l Layout) DeliveredNumOffset(subgroup int) int {
	return l.offDeliveredNum + 8*subgroup
}

// PersistedNumOffset returns the offset of the
// persisted_num entry of the given subgroup.
func (l Layout) PersistedNumOffset(subgroup int) int {
	return l.offPersistedNum + 8*subgroup
}

// SlotOffset returns the offset of the slot entry for the
// given subgroup and window position.
func (l Layout) SlotOffset(subgroup, slot int) int {
	return l.offSlots + l.SlotSize()*(subgroup*l.WindowSize+slot)
}

// SlotContentsOffset returns the offset of the size+buf
// part of a slot, skipping next_seq. Senders write slot
// contents first and bump next_seq in a separate put so
// readers never observe a bumped next_seq with stale
// contents.
func (l Layout) SlotContentsOffset(subgroup, slot int) int {
	return l.SlotOffset(subgroup, slot) + 8
}

func (l Layout) HeartbeatOffset() int { return l.offHeartbeat }

// GlobalMinOffset returns the offset of the global_min
// entry at the given sender slot.
func (l Layout) GlobalMinOffset(senderSlot int) int {
	return l.offGlobalMin + 8*senderSlot
}

// GlobalMinReadyOffset returns the offset of the
// global_min_ready flag of the given subgroup.
func (l Layout) GlobalMinReadyOffset(subgroup int) int {
	return l.offGlobalMinReady + subgroup
}
