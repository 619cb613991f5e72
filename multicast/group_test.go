package multicast

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"path/filepath"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"

	"github.com/ashleyniemerg/derecho-unified/config"
	"github.com/ashleyniemerg/derecho-unified/persist"
	"github.com/ashleyniemerg/derecho-unified/sst"
	"github.com/ashleyniemerg/derecho-unified/view"
)

// Structs

type deliveredMsg struct {
	sender  int32
	index   int64
	payload string
}

type testNode struct {
	table *sst.SST
	group *MulticastGroup

	mu        sync.Mutex
	delivered []deliveredMsg
}

func (n *testNode) record(sender int32, index int64, payload []byte) {
	n.mu.Lock()
	n.delivered = append(n.delivered, deliveredMsg{sender: sender, index: index, payload: string(payload)})
	n.mu.Unlock()
}

func (n *testNode) deliveredCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.delivered)
}

func (n *testNode) deliveredCopy() []deliveredMsg {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]deliveredMsg(nil), n.delivered...)
}

// Functions

func testLogger() log.Logger {
	return log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
}

func testParams() config.Params {

	p := config.DefaultParams()
	p.WindowSize = 3
	p.BlockSize = 256
	p.MaxPayloadSize = 1024
	p.SlotPayloadSize = 64
	p.HeartbeatMS = 1
	return p
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {

	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never held: %s", msg)
}

// buildCluster assembles an in-process shard of n members,
// all of them senders of one subgroup running in the given
// mode. writers may be nil or hold one entry per node.
func buildCluster(t *testing.T, n int, mode view.Mode, params config.Params, writers []persist.Service) []*testNode {

	t.Helper()

	members := make([]int32, n)
	senders := make([]bool, n)
	for i := range members {
		members[i] = int32(i)
		senders[i] = true
	}

	layout := sst.NewLayout(n, 4, n, 1, int(params.WindowSize), HeaderBytes+int(params.SlotPayloadSize))
	exchange := sst.NewExchange(n)
	bulkEx := NewBulkExchange()

	nodes := make([]*testNode, n)
	for i := range nodes {
		nodes[i] = &testNode{}
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()

			node := nodes[rank]

			table := sst.New(testLogger(), exchange.Endpoint(rank), layout, rank)
			table.Start()
			node.table = table

			settings := []*SubgroupSettings{{
				Members:           members,
				Senders:           senders,
				Mode:              mode,
				SenderRank:        rank,
				NumReceivedOffset: 0,
			}}

			callbacks := CallbackSet{
				GlobalStability: func(subgroup int, sender int32, index int64, payload []byte) {
					node.record(sender, index, payload)
				},
				RPC: func(subgroup int, sender int32, payload []byte) {},
			}

			var writer persist.Service
			if writers != nil {
				writer = writers[rank]
			}

			node.group = New(testLogger(), members, rank, table, bulkEx.Endpoint(int32(rank)),
				0, params, callbacks, settings, writer, nil)
		}(i)
	}
	wg.Wait()

	t.Cleanup(func() {
		for _, node := range nodes {
			node.group.Wedge()
			node.table.Stop()
		}
	})

	return nodes
}

// sendString pushes one payload through the given medium,
// waiting for the send window to open.
func sendString(t *testing.T, node *testNode, payload string, medium Medium) {

	t.Helper()

	var buf []byte
	waitUntil(t, 5*time.Second, func() bool {
		buf = node.group.GetSendBuffer(0, uint64(len(payload)), medium, 0, false, false)
		return buf != nil
	}, fmt.Sprintf("send window never opened for %q", payload))

	copy(buf, payload)
	assert.Equalf(t, true, node.group.Send(0), "expected Send to succeed for %q", payload)
}

// assertPipelineInvariants checks, per node, the counter
// chain persisted <= delivered <= stable <= seq.
func assertPipelineInvariants(t *testing.T, nodes []*testNode) {

	t.Helper()

	for i, node := range nodes {
		me := node.table.MyRank()
		persisted := node.table.PersistedNum(me, 0)
		delivered := node.table.DeliveredNum(me, 0)
		stable := node.table.StableNum(me, 0)
		seq := node.table.SeqNum(me, 0)

		if node.group.writer != nil {
			assert.LessOrEqualf(t, persisted, delivered, "node %d: persisted_num %d above delivered_num %d", i, persisted, delivered)
		}
		assert.LessOrEqualf(t, delivered, stable, "node %d: delivered_num %d above stable_num %d", i, delivered, stable)
		assert.LessOrEqualf(t, stable, seq, "node %d: stable_num %d above seq_num %d", i, stable, seq)
	}
}

// TestOrderedBroadcastThreeNodes runs the three-node
// ordered shard: every node sends ten bulk messages and all
// nodes observe the same thirty deliveries, per-sender
// indices strictly increasing.
func TestOrderedBroadcastThreeNodes(t *testing.T) {

	nodes := buildCluster(t, 3, view.Ordered, testParams(), nil)

	var wg sync.WaitGroup
	for rank, node := range nodes {
		wg.Add(1)
		go func(rank int, node *testNode) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				sendString(t, node, fmt.Sprintf("%d-%d", rank, i), MediumBulk)
			}
		}(rank, node)
	}
	wg.Wait()

	for i, node := range nodes {
		waitUntil(t, 10*time.Second, func() bool {
			return node.deliveredCount() == 30
		}, fmt.Sprintf("node %d never delivered all 30 messages", i))
	}

	reference := nodes[0].deliveredCopy()

	for i, node := range nodes {

		got := node.deliveredCopy()
		assert.Equalf(t, reference, got, "node %d delivered a different order than node 0", i)

		// Per sender, indices are strictly increasing.
		lastIndex := map[int32]int64{0: -1, 1: -1, 2: -1}
		for _, d := range got {
			assert.Greaterf(t, d.index, lastIndex[d.sender], "node %d: sender %d index %d not increasing", i, d.sender, d.index)
			lastIndex[d.sender] = d.index
		}
	}

	assertPipelineInvariants(t, nodes)

	// Once everything is delivered, every buffer is back in
	// the free list: window size times shard size.
	for i, node := range nodes {
		waitUntil(t, 5*time.Second, func() bool {
			return node.group.FreeBufferCount(0) == 3*3
		}, fmt.Sprintf("node %d never returned all buffers to the pool", i))
	}
}

// TestOrderedSlotPath runs a two-node ordered shard over
// the small-message slot transport.
func TestOrderedSlotPath(t *testing.T) {

	nodes := buildCluster(t, 2, view.Ordered, testParams(), nil)

	var wg sync.WaitGroup
	for rank, node := range nodes {
		wg.Add(1)
		go func(rank int, node *testNode) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				sendString(t, node, fmt.Sprintf("s%d-%d", rank, i), MediumSlot)
			}
		}(rank, node)
	}
	wg.Wait()

	for i, node := range nodes {
		waitUntil(t, 10*time.Second, func() bool {
			return node.deliveredCount() == 10
		}, fmt.Sprintf("node %d never delivered all 10 slot messages", i))
	}

	assert.Equalf(t, nodes[0].deliveredCopy(), nodes[1].deliveredCopy(), "slot-path delivery order differs between nodes")
	assertPipelineInvariants(t, nodes)
}

// TestRawModeImmediateDelivery checks that a Raw subgroup
// delivers on receipt and leaves the stability counters
// untouched.
func TestRawModeImmediateDelivery(t *testing.T) {

	nodes := buildCluster(t, 2, view.Raw, testParams(), nil)

	sendString(t, nodes[0], "A", MediumBulk)
	sendString(t, nodes[0], "B", MediumBulk)

	waitUntil(t, 5*time.Second, func() bool {
		return nodes[1].deliveredCount() == 2
	}, "receiver never saw both raw messages")

	got := nodes[1].deliveredCopy()
	assert.Equalf(t, "A", got[0].payload, "expected 'A' first but found: %q", got[0].payload)
	assert.Equalf(t, "B", got[1].payload, "expected 'B' second but found: %q", got[1].payload)

	// Raw mode never advances the ordered-delivery counters.
	for i, node := range nodes {
		me := node.table.MyRank()
		assert.Equalf(t, int64(-1), node.table.DeliveredNum(me, 0), "node %d: delivered_num moved in raw mode", i)
		assert.Equalf(t, int64(-1), node.table.StableNum(me, 0), "node %d: stable_num moved in raw mode", i)
	}
}

// TestNullSendAdvancesWithoutCallback checks that a
// header-only message consumes a sequence number but never
// reaches the stability upcall.
func TestNullSendAdvancesWithoutCallback(t *testing.T) {

	nodes := buildCluster(t, 1, view.Ordered, testParams(), nil)
	node := nodes[0]

	var buf []byte
	waitUntil(t, 5*time.Second, func() bool {
		buf = node.group.GetSendBuffer(0, 0, MediumBulk, 0, false, true)
		return buf != nil
	}, "null-send buffer never became available")
	assert.Equalf(t, true, node.group.Send(0), "expected null send to commit")

	sendString(t, node, "x", MediumBulk)

	waitUntil(t, 5*time.Second, func() bool {
		return node.table.DeliveredNum(0, 0) == 1
	}, "delivered_num never advanced over the null send")

	got := node.deliveredCopy()
	assert.Equalf(t, 1, len(got), "expected exactly one upcall but found: %d", len(got))
	assert.Equalf(t, "x", got[0].payload, "expected payload 'x' but found: %q", got[0].payload)
	assert.Equalf(t, int64(1), got[0].index, "expected index 1 for the real message but found: %d", got[0].index)
}

// TestPauseTurnsReserveSequenceNumbers runs the pause-turn
// reservation: sender 0 skips two turns, sender 1 fills its
// own; the skipped turns deliver as silent placeholders.
func TestPauseTurnsReserveSequenceNumbers(t *testing.T) {

	nodes := buildCluster(t, 2, view.Ordered, testParams(), nil)

	// Sender 0: one real message reserving two further turns.
	var buf []byte
	waitUntil(t, 5*time.Second, func() bool {
		buf = nodes[0].group.GetSendBuffer(0, 2, MediumBulk, 2, false, false)
		return buf != nil
	}, "paused send buffer never became available")
	copy(buf, "a0")
	assert.Equalf(t, true, nodes[0].group.Send(0), "expected paused send to commit")

	// Sender 1: three real messages.
	for i := 0; i < 3; i++ {
		sendString(t, nodes[1], fmt.Sprintf("b%d", i), MediumBulk)
	}

	// Sequence layout: a0 at seq 0, b0..b2 at seqs 1,3,5,
	// placeholders at seqs 2 and 4. Upcalls skip placeholders.
	for i, node := range nodes {
		waitUntil(t, 10*time.Second, func() bool {
			return node.deliveredCount() == 4
		}, fmt.Sprintf("node %d never delivered the 4 real messages", i))
	}

	want := []string{"a0", "b0", "b1", "b2"}
	for i, node := range nodes {
		got := node.deliveredCopy()
		for j, w := range want {
			assert.Equalf(t, w, got[j].payload, "node %d: expected %q at position %d but found: %q", i, w, j, got[j].payload)
		}
	}

	// The reserved turns consumed sequence numbers: the full
	// round of six sequence slots was delivered.
	for i, node := range nodes {
		waitUntil(t, 5*time.Second, func() bool {
			return node.table.DeliveredNum(node.table.MyRank(), 0) == 5
		}, fmt.Sprintf("node %d never advanced delivered_num over the placeholders", i))
	}
}

// TestWindowFullReopens checks that an exhausted send
// window surfaces as a nil buffer and reopens after
// delivery progresses.
func TestWindowFullReopens(t *testing.T) {

	params := testParams()
	params.WindowSize = 2

	nodes := buildCluster(t, 1, view.Ordered, params, nil)
	node := nodes[0]

	// Two sends fit the window unconditionally.
	for i := 0; i < 2; i++ {
		buf := node.group.GetSendBuffer(0, 1, MediumBulk, 0, false, false)
		assert.NotNilf(t, buf, "expected buffer %d inside the window", i)
		copy(buf, "x")
		assert.Equalf(t, true, node.group.Send(0), "expected send %d to commit", i)
	}

	// The third send needs delivery progress first. Whether
	// the immediate call fails depends on scheduling; after
	// delivery catches up it must succeed.
	if buf := node.group.GetSendBuffer(0, 1, MediumBulk, 0, false, false); buf == nil {
		waitUntil(t, 5*time.Second, func() bool {
			return node.table.DeliveredNum(0, 0) >= 0
		}, "delivery never progressed")
	}

	waitUntil(t, 5*time.Second, func() bool {
		return node.group.GetSendBuffer(0, 1, MediumBulk, 0, false, false) != nil
	}, "send window never reopened")
}

// TestPersistenceGating runs a persistent single-member
// shard: persisted_num trails delivery and reaches the last
// sequence number only after the writer confirmed every
// record.
func TestPersistenceGating(t *testing.T) {

	dir, err := os.MkdirTemp("", "TestPersistenceGating-")
	assert.Nilf(t, err, "failed to create temporary directory: %v", err)
	defer os.RemoveAll(dir)

	logPath := filepath.Join(dir, "messages.log")

	writer, err := persist.NewService(testLogger(), logPath)
	assert.Nilf(t, err, "failed to open persistence writer: %v", err)

	params := testParams()
	params.WindowSize = 2

	nodes := buildCluster(t, 1, view.Ordered, params, []persist.Service{writer})
	node := nodes[0]

	for i := 0; i < 5; i++ {
		sendString(t, node, fmt.Sprintf("m%d", i), MediumBulk)
	}

	waitUntil(t, 10*time.Second, func() bool {
		return node.table.PersistedNum(0, 0) == 4
	}, "persisted_num never reached the last sequence number")

	assertPipelineInvariants(t, nodes)

	// All buffers return through the persistence callback.
	waitUntil(t, 5*time.Second, func() bool {
		return node.group.FreeBufferCount(0) == 2*1
	}, "buffers never returned after persistence")

	// Wedge flushes nothing further; the log holds all five
	// records in delivery order.
	node.group.Wedge()
	assert.Nilf(t, writer.Close(), "failed to close persistence writer")

	records, err := persist.ReadAll(logPath)
	assert.Nilf(t, err, "failed to read persistence log: %v", err)
	assert.Equalf(t, 5, len(records), "expected 5 records but found: %d", len(records))
	for i, rec := range records {
		assert.Equalf(t, int64(i), rec.Index, "expected record %d to carry index %d but found: %d", i, i, rec.Index)
		assert.Equalf(t, fmt.Sprintf("m%d", i), string(rec.Payload), "unexpected payload in record %d: %q", i, rec.Payload)
	}
}

// TestWedgeIsTerminalAndIdempotent checks the wedge
// contract: operations fail afterwards and re-entry is a
// no-op.
func TestWedgeIsTerminalAndIdempotent(t *testing.T) {

	nodes := buildCluster(t, 2, view.Ordered, testParams(), nil)

	nodes[0].group.Wedge()

	assert.Equalf(t, true, nodes[0].group.Wedged(), "expected group to report wedged")
	assert.Nilf(t, nodes[0].group.GetSendBuffer(0, 1, MediumBulk, 0, false, false), "expected nil buffer after wedge")
	assert.Equalf(t, false, nodes[0].group.Send(0), "expected Send to fail after wedge")

	// Re-entering wedge returns without effect.
	nodes[0].group.Wedge()
	assert.Equalf(t, true, nodes[0].group.Wedged(), "expected group to stay wedged")
}

// TestHandoffCarriesPipelineToNextView retires a
// single-member group and continues sending through its
// successor.
func TestHandoffCarriesPipelineToNextView(t *testing.T) {

	nodes := buildCluster(t, 1, view.Ordered, testParams(), nil)
	old := nodes[0]

	sendString(t, old, "before", MediumBulk)
	waitUntil(t, 5*time.Second, func() bool {
		return old.deliveredCount() == 1
	}, "message never delivered in the first view")

	// Next view: same single member, fresh table.
	layout := old.table.Layout()
	exchange := sst.NewExchange(1)
	newTable := sst.New(testLogger(), exchange.Endpoint(0), layout, 0)
	newTable.Start()

	successor := &testNode{table: newTable}

	settings := []*SubgroupSettings{{
		Members:           []int32{0},
		Senders:           []bool{true},
		Mode:              view.Ordered,
		SenderRank:        0,
		NumReceivedOffset: 0,
	}}

	bulkEx := NewBulkExchange()

	newGroup := Handoff(old.group, testLogger(), []int32{0}, 0, newTable,
		bulkEx.Endpoint(0), 2048, settings, nil)

	// Rebind the upcall: handoff keeps the old callback set,
	// which records into the old node. Redirect by reusing it.
	successor.group = newGroup

	assert.Equalf(t, true, old.group.Wedged(), "expected retired group to be wedged")

	// New sends flow through the successor and restart the
	// per-sender index at zero.
	var buf []byte
	waitUntil(t, 5*time.Second, func() bool {
		buf = newGroup.GetSendBuffer(0, 5, MediumBulk, 0, false, false)
		return buf != nil
	}, "successor send window never opened")
	copy(buf, "after")
	assert.Equalf(t, true, newGroup.Send(0), "expected successor send to commit")

	waitUntil(t, 5*time.Second, func() bool {
		return old.deliveredCount() == 2
	}, "successor never delivered through the carried-over callback")

	got := old.deliveredCopy()
	assert.Equalf(t, "after", got[1].payload, "expected 'after' from the successor but found: %q", got[1].payload)
	assert.Equalf(t, int64(0), got[1].index, "expected successor index to restart at 0 but found: %d", got[1].index)

	newGroup.Wedge()
	newTable.Stop()
}
