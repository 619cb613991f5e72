package group

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"path/filepath"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/metrics"
	"github.com/stretchr/testify/assert"

	"github.com/ashleyniemerg/derecho-unified/config"
	"github.com/ashleyniemerg/derecho-unified/gms"
	"github.com/ashleyniemerg/derecho-unified/multicast"
	"github.com/ashleyniemerg/derecho-unified/view"
)

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

	return &config.Config{
		Params: params,
		Ports:  config.Ports{GMS: 0, SST: 0, RDMC: 0},
	}
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

func allSendersLayout(mode view.Mode) func(v *view.View) []view.SubgroupSettings {

	return func(v *view.View) []view.SubgroupSettings {
		senders := make([]bool, v.NumMembers())
		for i := range senders {
			senders[i] = true
		}
		return []view.SubgroupSettings{{
			Members: append([]int32(nil), v.Members...),
			Senders: senders,
			Mode:    mode,
		}}
	}
}

// Structs

// testCounter is a threadsafe go-kit counter recording the
// summed deltas.
type testCounter struct {
	mu    sync.Mutex
	total float64
}

func (c *testCounter) With(labelValues ...string) metrics.Counter { return c }

func (c *testCounter) Add(delta float64) {
	c.mu.Lock()
	c.total += delta
	c.mu.Unlock()
}

func (c *testCounter) value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// TestGroupOrderedSendSingleNode runs a one-member group
// end to end through the Group facade.
func TestGroupOrderedSendSingleNode(t *testing.T) {

	cluster := gms.NewMemCluster()
	initial := view.NewView(0, []int32{0}, []string{"127.0.0.1:0"}, []bool{false}, nil, nil, 0)

	var mu sync.Mutex
	var got []string

	g, err := New(testLogger(), testConfig(), initial, Options{
		Layout:  allSendersLayout(view.Ordered),
		Factory: cluster.Factory(0),
		Stability: func(subgroup int, sender int32, index int64, payload []byte) {
			mu.Lock()
			got = append(got, string(payload))
			mu.Unlock()
		},
	})
	assert.Nilf(t, err, "expected nil error for New() but received: %v", err)

	assert.Nilf(t, g.Start(), "expected nil error for Start()")
	defer g.Stop()

	for i := 0; i < 3; i++ {
		payload := fmt.Sprintf("msg-%d", i)
		waitUntil(t, 5*time.Second, func() bool {
			return g.OrderedSend(0, []byte(payload), multicast.MediumBulk)
		}, fmt.Sprintf("send of %q never went through", payload))
	}

	waitUntil(t, 10*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, "group never delivered all 3 messages")

	mu.Lock()
	assert.Equalf(t, []string{"msg-0", "msg-1", "msg-2"}, got, "expected in-order delivery but found: %v", got)
	mu.Unlock()

	assert.Equalf(t, []int32{0}, g.Members(), "expected single member 0 but found: %v", g.Members())
}

// TestGroupCountsSendsAndPersists checks that the engine
// counters move: one increment per committed send and one
// per durable record, with the writer's append counters
// wired through the metrics middleware.
func TestGroupCountsSendsAndPersists(t *testing.T) {

	dir, err := os.MkdirTemp("", "TestGroupCountsSendsAndPersists-")
	assert.Nilf(t, err, "failed to create temporary directory: %v", err)
	defer os.RemoveAll(dir)

	conf := testConfig()
	conf.Params.PersistenceFile = filepath.Join(dir, "messages.log")

	cluster := gms.NewMemCluster()
	initial := view.NewView(0, []int32{0}, []string{"127.0.0.1:0"}, []bool{false}, nil, nil, 0)

	sent := &testCounter{}
	persisted := &testCounter{}
	appends := &testCounter{}
	bytesWritten := &testCounter{}

	g, err := New(testLogger(), conf, initial, Options{
		Layout:  allSendersLayout(view.Ordered),
		Factory: cluster.Factory(0),
		Metrics: &Metrics{
			Sent:           sent,
			Persisted:      persisted,
			PersistAppends: appends,
			PersistBytes:   bytesWritten,
		},
	})
	assert.Nilf(t, err, "expected nil error for New() but received: %v", err)

	assert.Nilf(t, g.Start(), "expected nil error for Start()")
	defer g.Stop()

	for i := 0; i < 2; i++ {
		payload := fmt.Sprintf("rec-%d", i)
		waitUntil(t, 5*time.Second, func() bool {
			return g.OrderedSend(0, []byte(payload), multicast.MediumBulk)
		}, fmt.Sprintf("send of %q never went through", payload))
	}

	assert.Equalf(t, float64(2), sent.value(), "expected 2 committed sends counted but found: %v", sent.value())

	waitUntil(t, 10*time.Second, func() bool {
		return persisted.value() == 2
	}, "durable-record counter never reached 2")

	assert.Equalf(t, float64(2), appends.value(), "expected 2 writer appends counted but found: %v", appends.value())
	assert.Equalf(t, float64(10), bytesWritten.value(), "expected 10 payload bytes counted but found: %v", bytesWritten.value())
}

// TestGroupRoutesCookedSendsToObject checks that cooked
// messages reach the replicated object's RPC hook instead
// of the stability upcall.
func TestGroupRoutesCookedSendsToObject(t *testing.T) {

	cluster := gms.NewMemCluster()
	initial := view.NewView(0, []int32{0}, []string{"127.0.0.1:0"}, []bool{false}, nil, nil, 0)

	registry := NewRegistry()
	obj := &countingObject{}
	err := registry.Register("counter", func() Replicated { return obj })
	assert.Nilf(t, err, "expected nil error for Register() but received: %v", err)

	var mu sync.Mutex
	stabilityCalls := 0

	g, err := New(testLogger(), testConfig(), initial, Options{
		Layout:   allSendersLayout(view.Ordered),
		Tags:     []string{"counter"},
		Registry: registry,
		Factory:  cluster.Factory(0),
		Stability: func(subgroup int, sender int32, index int64, payload []byte) {
			mu.Lock()
			stabilityCalls++
			mu.Unlock()
		},
	})
	assert.Nilf(t, err, "expected nil error for New() but received: %v", err)

	assert.Nilf(t, g.Start(), "expected nil error for Start()")
	defer g.Stop()

	// One cooked send.
	waitUntil(t, 5*time.Second, func() bool {
		buf := g.GetSendBuffer(0, 4, multicast.MediumBulk, 0, true, false)
		if buf == nil {
			return false
		}
		copy(buf, "incr")
		return g.Send(0)
	}, "cooked send never went through")

	waitUntil(t, 10*time.Second, func() bool {
		return obj.appliedCount() == 1
	}, "cooked message never reached the replicated object")

	mu.Lock()
	assert.Equalf(t, 0, stabilityCalls, "expected no stability upcalls for cooked sends but found: %d", stabilityCalls)
	mu.Unlock()
}
