package gms

import (
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"

	"github.com/ashleyniemerg/derecho-unified/config"
	"github.com/ashleyniemerg/derecho-unified/multicast"
	"github.com/ashleyniemerg/derecho-unified/view"
)

// Structs

type testMember struct {
	vm *ViewManager

	mu        sync.Mutex
	delivered []string
}

func (m *testMember) record(sender int32, index int64, payload []byte) {
	m.mu.Lock()
	m.delivered = append(m.delivered, fmt.Sprintf("%d:%d:%s", sender, index, payload))
	m.mu.Unlock()
}

func (m *testMember) deliveredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.delivered)
}

func (m *testMember) deliveredCopy() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.delivered...)
}

// Functions

func testLogger() log.Logger {
	return log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
}

func testConfig() *config.Config {

	params := config.DefaultParams()
	params.WindowSize = 3
	params.BlockSize = 256
	params.MaxPayloadSize = 512
	params.SlotPayloadSize = 64
	params.HeartbeatMS = 1
	params.ChangeCapacity = 4

	return &config.Config{
		Params: params,
		// Port 0 disables the GMS listener in tests.
		Ports: config.Ports{GMS: 0, SST: 0, RDMC: 0},
	}
}

func allSendersLayout(v *view.View) []view.SubgroupSettings {

	senders := make([]bool, v.NumMembers())
	for i := range senders {
		senders[i] = true
	}
	return []view.SubgroupSettings{{
		Members: append([]int32(nil), v.Members...),
		Senders: senders,
		Mode:    view.Ordered,
	}}
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

// buildManagedCluster starts n view managers over one
// in-process fabric.
func buildManagedCluster(t *testing.T, n int) ([]*testMember, *MemCluster) {

	t.Helper()

	cluster := NewMemCluster()
	conf := testConfig()

	members := make([]int32, n)
	ips := make([]string, n)
	for i := range members {
		members[i] = int32(i)
		ips[i] = fmt.Sprintf("127.0.0.1:%d", 20000+i)
	}

	nodes := make([]*testMember, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()

			node := &testMember{}
			nodes[rank] = node

			initial := view.NewView(0, members, ips, make([]bool, n), nil, nil, int32(rank))

			callbacks := multicast.CallbackSet{
				GlobalStability: func(subgroup int, sender int32, index int64, payload []byte) {
					node.record(sender, index, payload)
				},
				RPC: func(subgroup int, sender int32, payload []byte) {},
			}

			vm, err := NewManager(testLogger(), conf, initial, callbacks,
				SubgroupInfo{Layout: allSendersLayout}, cluster.Factory(int32(rank)), nil, "", nil)
			if err != nil {
				t.Errorf("building manager %d failed: %v", rank, err)
				return
			}
			node.vm = vm

			if err := vm.Start(); err != nil {
				t.Errorf("starting manager %d failed: %v", rank, err)
			}
		}(i)
	}
	wg.Wait()

	t.Cleanup(func() {
		for _, node := range nodes {
			if node != nil && node.vm != nil {
				node.vm.Stop()
			}
		}
	})

	return nodes, cluster
}

func sendThrough(t *testing.T, node *testMember, payload string) {

	t.Helper()

	waitUntil(t, 5*time.Second, func() bool {
		buf := node.vm.GetSendBuffer(0, uint64(len(payload)), multicast.MediumBulk, 0, false, false)
		if buf == nil {
			return false
		}
		copy(buf, payload)
		return node.vm.Send(0)
	}, fmt.Sprintf("send of %q never went through", payload))
}

// TestManagedClusterDeliversInOrder runs two managed nodes
// end to end through the view manager's pipeline.
func TestManagedClusterDeliversInOrder(t *testing.T) {

	nodes, _ := buildManagedCluster(t, 2)

	for i := 0; i < 3; i++ {
		sendThrough(t, nodes[0], fmt.Sprintf("a%d", i))
		sendThrough(t, nodes[1], fmt.Sprintf("b%d", i))
	}

	for i, node := range nodes {
		waitUntil(t, 10*time.Second, func() bool {
			return node.deliveredCount() == 6
		}, fmt.Sprintf("node %d never delivered all 6 messages", i))
	}

	assert.Equalf(t, nodes[0].deliveredCopy(), nodes[1].deliveredCopy(), "managed nodes disagree on delivery order")
}

// TestFailureDrivesViewChange stops one of three members
// and expects the survivors to install the next view and
// keep multicasting in it.
func TestFailureDrivesViewChange(t *testing.T) {

	nodes, _ := buildManagedCluster(t, 3)

	// A few messages in the founding view.
	for i := 0; i < 2; i++ {
		for _, node := range nodes {
			sendThrough(t, node, fmt.Sprintf("v0-%d", i))
		}
	}

	for i, node := range nodes {
		waitUntil(t, 10*time.Second, func() bool {
			return node.deliveredCount() == 6
		}, fmt.Sprintf("node %d never delivered the founding-view messages", i))
	}

	// Node 2 dies: its table detaches, so completion-tracked
	// heartbeats to it start failing on the survivors.
	nodes[2].vm.Stop()

	for i := 0; i < 2; i++ {
		node := nodes[i]
		waitUntil(t, 20*time.Second, func() bool {
			v := node.vm.CurrentView()
			return v.Vid == 1 && v.NumMembers() == 2
		}, fmt.Sprintf("node %d never installed the next view", i))
	}

	v0 := nodes[0].vm.CurrentView()
	assert.Equalf(t, []int32{0, 1}, v0.Members, "expected surviving members {0,1} but found: %v", v0.Members)
	assert.Equalf(t, []int32{2}, v0.Departed, "expected node 2 in departed but found: %v", v0.Departed)

	// The rebuilt pipeline keeps working in the new view.
	before0 := nodes[0].deliveredCount()
	before1 := nodes[1].deliveredCount()

	sendThrough(t, nodes[0], "v1-a")
	sendThrough(t, nodes[1], "v1-b")

	waitUntil(t, 10*time.Second, func() bool {
		return nodes[0].deliveredCount() >= before0+2 && nodes[1].deliveredCount() >= before1+2
	}, "survivors never delivered in the new view")
}

// TestInstallIsVidGated checks that installing a view that
// does not advance the vid is a no-op.
func TestInstallIsVidGated(t *testing.T) {

	nodes, _ := buildManagedCluster(t, 1)
	vm := nodes[0].vm

	curr := vm.CurrentView()

	stale := view.NewView(curr.Vid, curr.Members, curr.MemberIPs, curr.Failed, nil, nil, curr.MyRank)
	vm.installNextView(stale, vm.Table(), vm.Group())

	after := vm.CurrentView()
	assert.Equalf(t, curr, after, "expected stale install to be a no-op but view changed to vid %d", after.Vid)
	assert.Equalf(t, false, vm.Group().Wedged(), "expected pipeline to stay unwedged after the no-op install")
}

// TestJoinHandshakeFraming exercises the joiner wire
// protocol over a real socket pair.
func TestJoinHandshakeFraming(t *testing.T) {

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nilf(t, err, "failed to open listener: %v", err)
	defer ln.Close()

	next := view.NewView(3,
		[]int32{0, 1, 5},
		[]string{"10.0.0.1:1", "10.0.0.2:1", "10.0.0.3:1"},
		[]bool{false, false, false},
		[]int32{5}, nil, 0)

	params := testConfig().Params
	leaders := []ShardLeader{{Subgroup: 0, Leader: 0}, {Subgroup: 1, Leader: 1}}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		kind, _, err := readClientHello(conn)
		if err != nil || kind != helloJoin {
			return
		}
		writeJoinCommit(conn, 5, next, params, leaders)
	}()

	nodeID, v, gotParams, gotLeaders, conn, err := JoinGroup(ln.Addr().String())
	assert.Nilf(t, err, "expected nil error for JoinGroup() but received: %v", err)
	defer conn.Close()

	assert.Equalf(t, int32(5), nodeID, "expected assigned node id 5 but found: %d", nodeID)
	assert.Equalf(t, int32(3), v.Vid, "expected vid 3 but found: %d", v.Vid)
	// The view arrives from the joiner's own perspective.
	assert.Equalf(t, int32(2), v.MyRank, "expected joiner rank 2 but found: %d", v.MyRank)
	assert.Equalf(t, params, gotParams, "expected params %+v but found: %+v", params, gotParams)
	assert.Equalf(t, leaders, gotLeaders, "expected shard leaders %+v but found: %+v", leaders, gotLeaders)
}

// TestNewJoinerBuildsManagerFromHandshake runs the joiner
// construction path against a stub leader: the manager
// comes up on the received view with the leader's protocol
// parameters, keeping the local persistence path.
func TestNewJoinerBuildsManagerFromHandshake(t *testing.T) {

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nilf(t, err, "failed to open listener: %v", err)
	defer ln.Close()

	next := view.NewView(2,
		[]int32{0, 5},
		[]string{"10.0.0.1:1", "10.0.0.2:1"},
		[]bool{false, false},
		[]int32{5}, nil, 0)

	leaderParams := testConfig().Params
	leaderParams.WindowSize = 7
	leaderParams.PersistenceFile = "/leader/only/path"

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		kind, _, err := readClientHello(conn)
		if err != nil || kind != helloJoin {
			return
		}
		writeJoinCommit(conn, 5, next, leaderParams, nil)
	}()

	conf := testConfig()
	conf.Params.PersistenceFile = ""

	cluster := NewMemCluster()

	vm, leaders, err := NewJoiner(testLogger(), conf, ln.Addr().String(),
		multicast.CallbackSet{
			GlobalStability: func(int, int32, int64, []byte) {},
			RPC:             func(int, int32, []byte) {},
		},
		SubgroupInfo{Layout: allSendersLayout}, cluster.Factory(5), nil, "", nil)
	assert.Nilf(t, err, "expected nil error for NewJoiner() but received: %v", err)
	assert.Equalf(t, 0, len(leaders), "expected no shard leaders but found: %v", leaders)

	v := vm.CurrentView()
	assert.Equalf(t, int32(2), v.Vid, "expected joined vid 2 but found: %d", v.Vid)
	assert.Equalf(t, int32(1), v.MyRank, "expected joiner rank 1 but found: %d", v.MyRank)
	assert.Equalf(t, int32(5), v.MyID(), "expected joiner id 5 but found: %d", v.MyID())

	// Protocol parameters follow the leader; the persistence
	// path stays node-local.
	assert.Equalf(t, uint32(7), vm.conf.Params.WindowSize, "expected leader window size 7 but found: %d", vm.conf.Params.WindowSize)
	assert.Equalf(t, "", vm.conf.Params.PersistenceFile, "expected local persistence path to stay empty but found: %q", vm.conf.Params.PersistenceFile)

	// Never started; Stop is still safe.
	vm.Stop()
}

// TestParamsCodecRoundTrip checks the parameter block
// codec used in the join handshake.
func TestParamsCodecRoundTrip(t *testing.T) {

	params := config.Params{
		WindowSize:      5,
		BlockSize:       4096,
		MaxPayloadSize:  65536,
		SlotPayloadSize: 128,
		HeartbeatMS:     2,
		ChangeCapacity:  8,
		PersistenceFile: "/tmp/log",
	}

	back, err := decodeParams(encodeParams(params))
	assert.Nilf(t, err, "expected nil error for decodeParams() but received: %v", err)
	assert.Equalf(t, params, back, "expected params %+v but found: %+v", params, back)

	_, err = decodeParams(encodeParams(params)[:10])
	assert.NotNilf(t, err, "expected error for truncated parameter block but received nil")
}
