package gms

import (
	"sync"

	"github.com/ashleyniemerg/derecho-unified/multicast"
	"github.com/ashleyniemerg/derecho-unified/sst"
	"github.com/ashleyniemerg/derecho-unified/view"
)

// Structs

// MemCluster wires the members of a single-process group
// together: one SST exchange per view and one shared bulk
// mesh. Tests and single-host runs use it in place of the
// TCP and RDMA fabrics.
type MemCluster struct {
	mu        sync.Mutex
	exchanges map[int32]*sst.Exchange
	bulk      *multicast.BulkExchange
}

type memFactory struct {
	cluster *MemCluster
	nodeID  int32
}

// Functions

// NewMemCluster creates an empty in-process fabric.
func NewMemCluster() *MemCluster {
	return &MemCluster{
		exchanges: make(map[int32]*sst.Exchange),
		bulk:      multicast.NewBulkExchange(),
	}
}

// Factory returns the transport factory of one member.
func (c *MemCluster) Factory(nodeID int32) TransportFactory {
	return &memFactory{cluster: c, nodeID: nodeID}
}

// Exchange returns the SST exchange of the view with the
// given vid, creating it for the expected number of live
// members. All members of one view observe the same
// exchange.
func (c *MemCluster) Exchange(vid int32, liveMembers int) *sst.Exchange {

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.exchanges[vid]
	if !ok {
		e = sst.NewExchange(liveMembers)
		c.exchanges[vid] = e
	}
	return e
}

// Bulk returns the shared bulk mesh.
func (c *MemCluster) Bulk() *multicast.BulkExchange {
	return c.bulk
}

func (f *memFactory) SSTTransport(v *view.View) (sst.Transport, error) {

	live := v.NumMembers() - int(v.NumFailed)
	e := f.cluster.Exchange(v.Vid, live)
	return e.Endpoint(int(v.MyRank)), nil
}

func (f *memFactory) BulkTransport(v *view.View) (multicast.BulkTransport, error) {
	return f.cluster.Bulk().Endpoint(f.nodeID), nil
}
