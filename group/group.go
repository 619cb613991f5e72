package group

import (
	"net"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/pkg/errors"

	"github.com/ashleyniemerg/derecho-unified/config"
	"github.com/ashleyniemerg/derecho-unified/gms"
	"github.com/ashleyniemerg/derecho-unified/multicast"
	"github.com/ashleyniemerg/derecho-unified/persist"
	"github.com/ashleyniemerg/derecho-unified/view"
)

// Structs

// StabilityCallback is the user upcall for delivered raw
// messages, issued in global sequence order per subgroup.
type StabilityCallback func(subgroup int, sender int32, index int64, payload []byte)

// Metrics bundles the counters the engine increments: sends
// committed into the pipeline, records reported durable,
// and the persistence writer's append and byte counts. Nil
// fields fall back to discard counters.
type Metrics struct {
	Sent           metrics.Counter
	Persisted      metrics.Counter
	PersistAppends metrics.Counter
	PersistBytes   metrics.Counter
}

func counterOrDiscard(c metrics.Counter) metrics.Counter {

	if c == nil {
		return discard.NewCounter()
	}
	return c
}

func (m *Metrics) normalized() *Metrics {

	if m == nil {
		m = &Metrics{}
	}
	return &Metrics{
		Sent:           counterOrDiscard(m.Sent),
		Persisted:      counterOrDiscard(m.Persisted),
		PersistAppends: counterOrDiscard(m.PersistAppends),
		PersistBytes:   counterOrDiscard(m.PersistBytes),
	}
}

// Options bundles what a Group needs besides the config:
// the subgroup layout policy, the per-subgroup type tags,
// the transport factory, and the engine counters.
type Options struct {
	Layout      func(v *view.View) []view.SubgroupSettings
	Tags        []string
	Registry    *Registry
	Factory     gms.TransportFactory
	Stability   StabilityCallback
	Metrics     *Metrics
	ViewFile    string
	ViewUpcalls []func(*view.View)
}

// Group is the top-level handle of one engine node. It
// exclusively owns the ViewManager, which in turn owns the
// MulticastGroup of the current view; all callbacks are
// injected as function values at construction.
type Group struct {
	logger   log.Logger
	conf     *config.Config
	registry *Registry
	tags     []string

	vm *gms.ViewManager

	mu      sync.Mutex
	objects map[int]Replicated
}

// Functions

// buildWriter assembles the configured persistence writer
// with its logging and metrics middlewares, or nil when no
// persistence file is set.
func buildWriter(logger log.Logger, conf *config.Config, m *Metrics) (persist.Service, error) {

	if conf.Params.PersistenceFile == "" {
		return nil, nil
	}

	w, err := persist.NewService(logger, conf.Params.PersistenceFile)
	if err != nil {
		return nil, errors.Wrap(err, "starting persistence writer failed")
	}

	writer := persist.NewLoggingService(w, logger)
	writer = persist.NewMetricsService(writer, m.PersistAppends, m.PersistBytes)

	return writer, nil
}

// buildCallbacks wires the pipeline upcalls: user stability
// callback, cooked-message routing, and the send/persist
// counters.
func (g *Group) buildCallbacks(opts Options, m *Metrics) multicast.CallbackSet {

	return multicast.CallbackSet{
		GlobalStability: func(subgroup int, sender int32, index int64, payload []byte) {
			if opts.Stability != nil {
				opts.Stability(subgroup, sender, index, payload)
			}
		},
		RPC: g.applyRPC,
		LocalPersistence: func(subgroup int, sender int32, index int64, payload []byte) {
			m.Persisted.Add(1)
		},
		MessageSent: func(subgroup int) {
			m.Sent.Add(1)
		},
	}
}

// finishAssembly hooks the manager into the group and
// constructs the objects of every subgroup this node is a
// member of in v.
func (g *Group) finishAssembly(vm *gms.ViewManager, opts Options, v *view.View) error {

	g.vm = vm

	vm.RegisterSendObjectUpcall(g.sendObjectState)
	vm.RegisterInitializeObjectsUpcall(g.initializeObjects)

	layouts := opts.Layout(v)
	for sg, l := range layouts {
		if !g.isShardMember(l, v.MyID()) {
			continue
		}
		if err := g.constructObject(sg); err != nil {
			return err
		}
	}

	return nil
}

// New assembles a node from a known initial view: the
// persistence writer when configured, the callback set, and
// the view manager.
func New(logger log.Logger, conf *config.Config, initial *view.View, opts Options) (*Group, error) {

	if opts.Layout == nil {
		return nil, errors.New("a subgroup layout policy is required")
	}

	g := &Group{
		logger:   logger,
		conf:     conf,
		registry: opts.Registry,
		tags:     opts.Tags,
		objects:  make(map[int]Replicated),
	}

	m := opts.Metrics.normalized()

	writer, err := buildWriter(logger, conf, m)
	if err != nil {
		return nil, err
	}

	vm, err := gms.NewManager(logger, conf, initial, g.buildCallbacks(opts, m),
		gms.SubgroupInfo{Layout: opts.Layout}, opts.Factory, writer, opts.ViewFile, opts.ViewUpcalls)
	if err != nil {
		if writer != nil {
			writer.Close()
		}
		return nil, err
	}

	if err := g.finishAssembly(vm, opts, initial); err != nil {
		vm.Stop()
		return nil, err
	}

	return g, nil
}

// Join assembles a node by joining a running group through
// the leader at leaderAddr: the join handshake assigns the
// node id and supplies the view and protocol parameters,
// and replicated object state is pulled from the returned
// shard leaders. The caller starts the node afterwards.
func Join(logger log.Logger, conf *config.Config, leaderAddr string, opts Options) (*Group, error) {

	if opts.Layout == nil {
		return nil, errors.New("a subgroup layout policy is required")
	}

	g := &Group{
		logger:   logger,
		conf:     conf,
		registry: opts.Registry,
		tags:     opts.Tags,
		objects:  make(map[int]Replicated),
	}

	m := opts.Metrics.normalized()

	writer, err := buildWriter(logger, conf, m)
	if err != nil {
		return nil, err
	}

	vm, leaders, err := gms.NewJoiner(logger, conf, leaderAddr, g.buildCallbacks(opts, m),
		gms.SubgroupInfo{Layout: opts.Layout}, opts.Factory, writer, opts.ViewFile, opts.ViewUpcalls)
	if err != nil {
		if writer != nil {
			writer.Close()
		}
		return nil, err
	}

	if err := g.finishAssembly(vm, opts, vm.CurrentView()); err != nil {
		vm.Stop()
		return nil, err
	}

	// Fill the freshly constructed objects from the shard
	// leaders named in the handshake.
	if err := g.ReceiveObjects(leaders, vm.CurrentView()); err != nil {
		vm.Stop()
		return nil, err
	}

	return g, nil
}

func (g *Group) isShardMember(l view.SubgroupSettings, id int32) bool {

	for _, m := range l.Members {
		if m == id {
			return true
		}
	}
	return false
}

func (g *Group) constructObject(sg int) error {

	if g.registry == nil || sg >= len(g.tags) || g.tags[sg] == "" {
		return nil
	}

	obj, err := g.registry.Create(g.tags[sg])
	if err != nil {
		return errors.Wrapf(err, "constructing replicated object of subgroup %d failed", sg)
	}

	g.mu.Lock()
	g.objects[sg] = obj
	g.mu.Unlock()

	return nil
}

// applyRPC routes a cooked message to the subgroup's
// replicated object.
func (g *Group) applyRPC(subgroup int, sender int32, payload []byte) {

	g.mu.Lock()
	obj := g.objects[subgroup]
	g.mu.Unlock()

	if obj == nil {
		level.Warn(g.logger).Log(
			"msg", "dropping cooked message for subgroup without object",
			"subgroup", subgroup,
		)
		return
	}

	obj.ApplyRPC(sender, payload)
}

// sendObjectState streams a subgroup's object to a joiner.
func (g *Group) sendObjectState(subgroup int, conn net.Conn) {

	g.mu.Lock()
	obj := g.objects[subgroup]
	g.mu.Unlock()

	if obj == nil {
		return
	}

	if err := obj.SendState(conn); err != nil {
		level.Warn(g.logger).Log(
			"msg", "streaming object state to joiner failed",
			"subgroup", subgroup,
			"err", err,
		)
	}
}

// initializeObjects constructs fresh objects for subgroups
// this node entered with the new view.
func (g *Group) initializeObjects(v *view.View, newSubgroups []int) {

	for _, sg := range newSubgroups {
		if err := g.constructObject(sg); err != nil {
			level.Warn(g.logger).Log("msg", "object construction failed", "subgroup", sg, "err", err)
		}
	}
}

// ReceiveObjects pulls object state from the listed shard
// leaders, as a joiner does right after the join handshake.
func (g *Group) ReceiveObjects(leaders []gms.ShardLeader, v *view.View) error {

	for _, l := range leaders {

		g.mu.Lock()
		obj := g.objects[int(l.Subgroup)]
		g.mu.Unlock()

		if obj == nil {
			continue
		}

		rank := v.RankOf(l.Leader)
		if rank < 0 {
			continue
		}

		conn, err := gms.RequestState(v.MemberIPs[rank], int(l.Subgroup))
		if err != nil {
			return errors.Wrapf(err, "requesting state of subgroup %d failed", l.Subgroup)
		}

		err = obj.ReceiveState(conn)
		conn.Close()
		if err != nil {
			return errors.Wrapf(err, "receiving state of subgroup %d failed", l.Subgroup)
		}
	}

	return nil
}

// Start launches the node: SST, pipeline, predicates, and
// the GMS listener.
func (g *Group) Start() error {
	return g.vm.Start()
}

// Stop shuts the node down, wedging the pipeline and
// joining every background thread.
func (g *Group) Stop() {
	g.vm.Stop()
}

// GetSendBuffer exposes the pipeline's buffer allocation.
func (g *Group) GetSendBuffer(sg int, payloadSize uint64, medium multicast.Medium, pauseTurns uint32, cooked, nullSend bool) []byte {
	return g.vm.GetSendBuffer(sg, payloadSize, medium, pauseTurns, cooked, nullSend)
}

// Send commits the buffer handed out last.
func (g *Group) Send(sg int) bool {
	return g.vm.Send(sg)
}

// OrderedSend copies payload into a fresh send buffer and
// commits it. Returns false when the window is closed.
func (g *Group) OrderedSend(sg int, payload []byte, medium multicast.Medium) bool {

	buf := g.GetSendBuffer(sg, uint64(len(payload)), medium, 0, false, len(payload) == 0)
	if buf == nil {
		return false
	}
	copy(buf, payload)
	return g.Send(sg)
}

// Members lists the current membership.
func (g *Group) Members() []int32 {
	return g.vm.Members()
}

// CurrentView returns the installed view.
func (g *Group) CurrentView() *view.View {
	return g.vm.CurrentView()
}

// ReportFailure feeds an external failure observation into
// the membership service.
func (g *Group) ReportFailure(node int32) {
	g.vm.ReportFailure(node)
}

// Leave causes this node to exit the group cleanly.
func (g *Group) Leave() {
	g.vm.Leave()
}

// BarrierSync blocks until all live members reached the
// barrier.
func (g *Group) BarrierSync() error {
	return g.vm.BarrierSync()
}
