package gms

import (
	"net"
	"sync"
	"time"

	"sync/atomic"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/ashleyniemerg/derecho-unified/config"
	"github.com/ashleyniemerg/derecho-unified/multicast"
	"github.com/ashleyniemerg/derecho-unified/persist"
	"github.com/ashleyniemerg/derecho-unified/sst"
	"github.com/ashleyniemerg/derecho-unified/view"
)

// Structs

// SubgroupInfo is the user policy deriving the subgroup
// shards of a view. The returned slice has one entry per
// subgroup id; each entry lists that shard's members in
// rank order, its sender bitmap, and its pinned mode.
type SubgroupInfo struct {
	Layout func(v *view.View) []view.SubgroupSettings
}

// TransportFactory builds the per-view transports: the SST
// write mesh and the bulk transfer fabric.
type TransportFactory interface {
	SSTTransport(v *view.View) (sst.Transport, error)
	BulkTransport(v *view.View) (multicast.BulkTransport, error)
}

// LockedQueue is a threadsafe FIFO of pending join sockets.
type LockedQueue struct {
	mu    sync.Mutex
	items []net.Conn
}

// Push appends a connection.
func (q *LockedQueue) Push(c net.Conn) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
}

// Drain removes and returns all queued connections.
func (q *LockedQueue) Drain() []net.Conn {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// Len returns the queue length.
func (q *LockedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type retiredView struct {
	v     *view.View
	table *sst.SST
}

// ViewManager runs the membership state machine: failure
// detection, view proposal and commit through the SST, and
// the ragged-edge cleanup that keeps delivery consistent
// across a membership change. It exclusively owns the
// current MulticastGroup.
type ViewManager struct {
	logger log.Logger
	conf   *config.Config
	myID   int32

	viewMu       sync.RWMutex
	currView     *view.View
	nextView     *view.View
	failed       []bool
	currLayouts  []view.SubgroupSettings
	pinnedModes  []view.Mode
	table        *sst.SST
	group        *multicast.MulticastGroup
	callbacks    multicast.CallbackSet
	subgroupInfo SubgroupInfo
	factory      TransportFactory
	writer       persist.Service
	viewFile     string

	lastSuspected []bool

	pendingJoins   LockedQueue
	proposedJoins  []net.Conn
	joinerIDBySock map[net.Conn]int32
	nextNodeID     int32

	viewUpcalls       []func(*view.View)
	sendObjectUpcall  func(subgroup int, conn net.Conn)
	initObjectsUpcall func(v *view.View, newSubgroups []int)

	gmsHandles []sst.Handle

	listener     net.Listener
	oldViews     chan retiredView
	shutdown     chan struct{}
	shutdownOnce sync.Once
	started      atomic.Bool
	wg           sync.WaitGroup
}

// Functions

// NewManager constructs a ViewManager for a node that knows
// its initial view, either as the bootstrap membership or
// as the view received from a group leader during a join.
// writer may be nil for non-persistent groups.
func NewManager(logger log.Logger, conf *config.Config, initial *view.View,
	callbacks multicast.CallbackSet, info SubgroupInfo, factory TransportFactory,
	writer persist.Service, viewFile string, viewUpcalls []func(*view.View)) (*ViewManager, error) {

	if initial == nil || len(initial.Members) == 0 {
		return nil, errors.New("initial view needs at least one member")
	}

	nextID := int32(0)
	for _, m := range initial.Members {
		if m >= nextID {
			nextID = m + 1
		}
	}

	vm := &ViewManager{
		logger:         logger,
		conf:           conf,
		myID:           initial.MyID(),
		currView:       initial,
		failed:         append([]bool(nil), initial.Failed...),
		callbacks:      callbacks,
		subgroupInfo:   info,
		factory:        factory,
		writer:         writer,
		viewFile:       viewFile,
		lastSuspected:  make([]bool, initial.NumMembers()),
		joinerIDBySock: make(map[net.Conn]int32),
		nextNodeID:     nextID,
		viewUpcalls:    viewUpcalls,
		oldViews:       make(chan retiredView, 8),
		shutdown:       make(chan struct{}),
	}

	return vm, nil
}

// NewFromFile recovers a manager from the last persisted
// view on disk. The recovering node resumes with the stored
// membership; the failure detector weeds out peers that did
// not come back.
func NewFromFile(logger log.Logger, conf *config.Config, viewFile string,
	callbacks multicast.CallbackSet, info SubgroupInfo, factory TransportFactory,
	writer persist.Service, viewUpcalls []func(*view.View)) (*ViewManager, error) {

	v, err := view.LoadView(viewFile)
	if err != nil {
		return nil, errors.Wrap(err, "recovering view from file failed")
	}

	return NewManager(logger, conf, v, callbacks, info, factory, writer, viewFile, viewUpcalls)
}

// NewJoiner constructs a ViewManager by joining a running
// group: it dials the leader's GMS address, performs the
// join handshake, and builds the manager from the received
// view and protocol parameters. The local persistence file
// path is kept; every other parameter follows the leader.
// The returned shard leaders name where replicated object
// state has to be pulled from before Start.
func NewJoiner(logger log.Logger, conf *config.Config, leaderAddr string,
	callbacks multicast.CallbackSet, info SubgroupInfo, factory TransportFactory,
	writer persist.Service, viewFile string, viewUpcalls []func(*view.View)) (*ViewManager, []ShardLeader, error) {

	nodeID, v, params, leaders, conn, err := JoinGroup(leaderAddr)
	if err != nil {
		return nil, nil, errors.Wrap(err, "joining group through leader failed")
	}
	conn.Close()

	if v.MyRank < 0 || int(v.MyRank) >= v.NumMembers() || v.MyID() != nodeID {
		return nil, nil, errors.Errorf("leader assigned node id %d but the received view places us elsewhere", nodeID)
	}

	level.Info(logger).Log(
		"msg", "joined group",
		"node", nodeID,
		"vid", v.Vid,
		"members", v.NumMembers(),
	)

	// Protocol parameters come from the leader; the
	// persistence log stays a node-local path.
	joinedConf := *conf
	localFile := joinedConf.Params.PersistenceFile
	joinedConf.Params = params
	joinedConf.Params.PersistenceFile = localFile

	vm, err := NewManager(logger, &joinedConf, v, callbacks, info, factory, writer, viewFile, viewUpcalls)
	if err != nil {
		return nil, nil, err
	}

	return vm, leaders, nil
}

// RegisterSendObjectUpcall installs the hook that streams
// replicated object state of a subgroup to a joiner.
func (vm *ViewManager) RegisterSendObjectUpcall(fn func(subgroup int, conn net.Conn)) {
	vm.sendObjectUpcall = fn
}

// RegisterInitializeObjectsUpcall installs the hook invoked
// after a view install for subgroups this node newly
// belongs to.
func (vm *ViewManager) RegisterInitializeObjectsUpcall(fn func(v *view.View, newSubgroups []int)) {
	vm.initObjectsUpcall = fn
}

// AddViewUpcall appends a function called with every newly
// installed view.
func (vm *ViewManager) AddViewUpcall(fn func(*view.View)) {
	vm.viewMu.Lock()
	vm.viewUpcalls = append(vm.viewUpcalls, fn)
	vm.viewMu.Unlock()
}

// Start builds the SST and MulticastGroup of the current
// view, registers the management predicates, and launches
// the listener and cleanup threads.
func (vm *ViewManager) Start() error {

	if vm.started.Swap(true) {
		return nil
	}

	if err := vm.constructForView(vm.currView, nil); err != nil {
		return err
	}

	if vm.conf.Ports.GMS != 0 {
		addr := vm.currView.MemberIPs[vm.currView.MyRank]
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			level.Warn(vm.logger).Log(
				"msg", "GMS listener could not be opened, joins disabled",
				"addr", addr,
				"err", err,
			)
		} else {
			vm.listener = ln
			vm.wg.Add(1)
			go vm.clientListenerLoop()
		}
	}

	vm.wg.Add(1)
	go vm.oldViewCleanupLoop()

	return nil
}

// constructForView builds table, transports, and group for
// v. oldGroup is nil on first construction and the retiring
// group during a transition.
func (vm *ViewManager) constructForView(v *view.View, oldGroup *multicast.MulticastGroup) error {

	layouts := vm.subgroupInfo.Layout(v)

	if err := vm.validateModes(layouts); err != nil {
		return err
	}

	settings, totalSenders, err := makeSubgroupMaps(layouts, v)
	if err != nil {
		return err
	}

	layout := sst.NewLayout(
		v.NumMembers(),
		int(vm.conf.Params.ChangeCapacity),
		totalSenders,
		len(layouts),
		int(vm.conf.Params.WindowSize),
		multicast.HeaderBytes+int(vm.conf.Params.SlotPayloadSize),
	)

	transport, err := vm.factory.SSTTransport(v)
	if err != nil {
		return errors.Wrap(err, "building SST transport failed")
	}

	bulk, err := vm.factory.BulkTransport(v)
	if err != nil {
		return errors.Wrap(err, "building bulk transport failed")
	}

	table := sst.New(vm.logger, transport, layout, int(v.MyRank))
	table.SetVid(v.Vid)
	table.OnWriteFailure(func(rank int) { vm.suspectRank(rank) })
	table.Start()

	bulkGroupBase := int(v.Vid) * 1024

	var group *multicast.MulticastGroup
	if oldGroup == nil {
		group = multicast.New(vm.logger, v.Members, int(v.MyRank), table, bulk,
			bulkGroupBase, vm.conf.Params, vm.callbacks, settings, vm.writer, v.Failed)
	} else {
		group = multicast.Handoff(oldGroup, vm.logger, v.Members, int(v.MyRank),
			table, bulk, bulkGroupBase, settings, v.Failed)
	}

	vm.viewMu.Lock()
	vm.table = table
	vm.group = group
	vm.currLayouts = layouts
	if vm.pinnedModes == nil {
		vm.pinnedModes = make([]view.Mode, len(layouts))
		for i, l := range layouts {
			vm.pinnedModes[i] = l.Mode
		}
	}
	vm.viewMu.Unlock()

	vm.registerPredicates(table)

	return nil
}

// validateModes rejects a layout whose subgroup modes
// differ from the modes pinned at subgroup creation.
func (vm *ViewManager) validateModes(layouts []view.SubgroupSettings) error {

	if vm.pinnedModes == nil {
		return nil
	}

	if len(layouts) != len(vm.pinnedModes) {
		return errors.Errorf("subgroup count changed from %d to %d across views", len(vm.pinnedModes), len(layouts))
	}

	for i, l := range layouts {
		if l.Mode != vm.pinnedModes[i] {
			return errors.Errorf("subgroup %d mode changed across views; modes are pinned at creation", i)
		}
	}

	return nil
}

// CurrentView returns the installed view.
func (vm *ViewManager) CurrentView() *view.View {
	vm.viewMu.RLock()
	defer vm.viewMu.RUnlock()
	return vm.currView
}

// Members lists the node ids of the current view.
func (vm *ViewManager) Members() []int32 {
	vm.viewMu.RLock()
	defer vm.viewMu.RUnlock()
	return append([]int32(nil), vm.currView.Members...)
}

// Group exposes the owned MulticastGroup of the current
// view.
func (vm *ViewManager) Group() *multicast.MulticastGroup {
	vm.viewMu.RLock()
	defer vm.viewMu.RUnlock()
	return vm.group
}

// Table exposes the SST of the current view. Test hooks and
// the engine binary read protocol counters through it.
func (vm *ViewManager) Table() *sst.SST {
	vm.viewMu.RLock()
	defer vm.viewMu.RUnlock()
	return vm.table
}

// GetSendBuffer forwards to the owned group.
func (vm *ViewManager) GetSendBuffer(sg int, payloadSize uint64, medium multicast.Medium, pauseTurns uint32, cooked, nullSend bool) []byte {
	return vm.Group().GetSendBuffer(sg, payloadSize, medium, pauseTurns, cooked, nullSend)
}

// Send forwards to the owned group.
func (vm *ViewManager) Send(sg int) bool {
	return vm.Group().Send(sg)
}

// ReportFailure marks the given node suspected, as if a
// heartbeat to it had failed.
func (vm *ViewManager) ReportFailure(node int32) {

	vm.viewMu.RLock()
	rank := vm.currView.RankOf(node)
	vm.viewMu.RUnlock()

	if rank >= 0 {
		vm.suspectRank(rank)
	}
}

// suspectRank sets the sticky suspicion bit for a rank in
// this node's row and gossips it.
func (vm *ViewManager) suspectRank(rank int) {

	vm.viewMu.RLock()
	table := vm.table
	numMembers := vm.currView.NumMembers()
	vm.viewMu.RUnlock()

	if table == nil || rank < 0 || rank >= numMembers {
		return
	}

	if table.Suspected(table.MyRank(), rank) {
		return
	}

	level.Info(vm.logger).Log(
		"msg", "marking peer suspected",
		"rank", rank,
	)

	table.SetSuspected(rank, true)

	all := allRows(numMembers)
	table.Put(all, table.Layout().SuspectedOffset(), numMembers)
}

// ComputeGlobalStabilityFrontier returns the lowest
// stability frontier across the subgroup's shard: every
// message at or below it is stable on all shard members.
func (vm *ViewManager) ComputeGlobalStabilityFrontier(sg int) int64 {

	vm.viewMu.RLock()
	table := vm.table
	curr := vm.currView
	layouts := vm.currLayouts
	vm.viewMu.RUnlock()

	if table == nil || sg >= len(layouts) {
		return -1
	}

	frontier := int64(-1)
	first := true
	for _, m := range layouts[sg].Members {
		rank := curr.RankOf(m)
		if rank < 0 {
			continue
		}
		sn := table.StableNum(rank, sg)
		if first || sn < frontier {
			frontier = sn
			first = false
		}
	}
	return frontier
}

// Leave causes this node to exit cleanly by reporting
// itself failed.
func (vm *ViewManager) Leave() {
	vm.ReportFailure(vm.myID)
}

// BarrierSync blocks until every live member has reached
// the same barrier.
func (vm *ViewManager) BarrierSync() error {

	vm.viewMu.RLock()
	table := vm.table
	vm.viewMu.RUnlock()

	if table == nil {
		return errors.New("no SST instance")
	}
	return table.SyncWithMembers()
}

// Stop tears the manager down: the group is wedged, the
// predicate loops stop, and the background threads join.
func (vm *ViewManager) Stop() {

	vm.shutdownOnce.Do(func() {
		close(vm.shutdown)
	})

	if vm.listener != nil {
		vm.listener.Close()
	}

	vm.viewMu.RLock()
	group := vm.group
	table := vm.table
	vm.viewMu.RUnlock()

	if group != nil {
		group.Wedge()
	}
	if table != nil {
		table.Stop()
	}

	if vm.writer != nil {
		if err := vm.writer.Close(); err != nil {
			level.Warn(vm.logger).Log("msg", "closing persistence writer failed", "err", err)
		}
	}

	vm.wg.Wait()

	// Drain any views still queued for cleanup.
	for {
		select {
		case rv := <-vm.oldViews:
			rv.table.Stop()
		default:
			return
		}
	}
}

// clientListenerLoop accepts connections on the GMS port.
// Joins are queued for the leader's proposal predicate;
// state requests are answered by the registered upcall.
func (vm *ViewManager) clientListenerLoop() {

	defer vm.wg.Done()

	for {
		conn, err := vm.listener.Accept()
		if err != nil {
			select {
			case <-vm.shutdown:
				return
			default:
			}
			level.Warn(vm.logger).Log("msg", "accepting GMS connection failed", "err", err)
			return
		}

		vm.wg.Add(1)
		go vm.dispatchClient(conn)
	}
}

func (vm *ViewManager) dispatchClient(conn net.Conn) {

	defer vm.wg.Done()

	// A silent client must not pin the shutdown path.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	kind, subgroup, err := readClientHello(conn)
	if err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	switch kind {

	case helloJoin:
		vm.pendingJoins.Push(conn)

	case helloState:
		if vm.sendObjectUpcall != nil {
			vm.sendObjectUpcall(subgroup, conn)
		}
		conn.Close()

	default:
		conn.Close()
	}
}

// oldViewCleanupLoop drains retired views and stops their
// tables off the predicate-loop goroutines.
func (vm *ViewManager) oldViewCleanupLoop() {

	defer vm.wg.Done()

	for {
		select {
		case <-vm.shutdown:
			return
		case rv := <-vm.oldViews:
			level.Debug(vm.logger).Log("msg", "cleaning up retired view", "vid", rv.v.Vid)
			rv.table.Stop()
		}
	}
}

func allRows(n int) []int {

	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}
	return rows
}
