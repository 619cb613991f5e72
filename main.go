package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"

	"os/signal"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/ashleyniemerg/derecho-unified/config"
	"github.com/ashleyniemerg/derecho-unified/group"
	"github.com/ashleyniemerg/derecho-unified/multicast"
	"github.com/ashleyniemerg/derecho-unified/sst"
	"github.com/ashleyniemerg/derecho-unified/view"
)

// Structs

// tcpFactory builds the per-view transports of one process
// from the static node table in the config. Listeners are
// opened once and re-attached across views.
type tcpFactory struct {
	logger log.Logger
	conf   *config.Config
	myID   int32

	sstTransport  *sst.TCPTransport
	bulkTransport *multicast.TCPBulkTransport
}

func (f *tcpFactory) SSTTransport(v *view.View) (sst.Transport, error) {

	if f.sstTransport != nil {
		return f.sstTransport, nil
	}

	addrs := make([]string, v.NumMembers())
	for rank, id := range v.Members {
		for _, n := range f.conf.Nodes {
			if n.ID == id {
				addrs[rank] = n.SST
			}
		}
	}

	t, err := sst.NewTCPTransport(f.logger, int(v.MyRank), addrs)
	if err != nil {
		return nil, err
	}
	f.sstTransport = t
	return t, nil
}

func (f *tcpFactory) BulkTransport(v *view.View) (multicast.BulkTransport, error) {

	if f.bulkTransport != nil {
		return f.bulkTransport, nil
	}

	addrs := make(map[int32]string)
	for _, n := range f.conf.Nodes {
		addrs[n.ID] = n.RDMC
	}

	t, err := multicast.NewTCPBulkTransport(f.logger, f.myID, addrs)
	if err != nil {
		return nil, err
	}
	f.bulkTransport = t
	return t, nil
}

// Functions

// initLogger initializes a JSON gokit-logger set
// to the according log level supplied via cli flag.
func initLogger(loglevel string) log.Logger {

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger,
		"ts", log.DefaultTimestampUTC,
		"caller", log.DefaultCaller,
	)

	switch strings.ToLower(loglevel) {
	case "info":
		logger = level.NewFilter(logger, level.AllowInfo())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowDebug())
	}

	return logger
}

// initialViewFromConfig assembles the bootstrap view from
// the static node table.
func initialViewFromConfig(conf *config.Config, myID int32) (*view.View, error) {

	members := make([]int32, 0, len(conf.Nodes))
	ips := make([]string, 0, len(conf.Nodes))
	myRank := int32(-1)

	for i, n := range conf.Nodes {
		members = append(members, n.ID)
		ips = append(ips, n.GMS)
		if n.ID == myID {
			myRank = int32(i)
		}
	}

	if myRank < 0 {
		return nil, fmt.Errorf("node id %d not listed in config", myID)
	}

	return view.NewView(0, members, ips, make([]bool, len(members)), nil, nil, myRank), nil
}

func main() {

	var err error

	// Set CPUs usable to all available.
	runtime.GOMAXPROCS(runtime.NumCPU())

	configFlag := flag.String("config", "config.toml", "Provide path to configuration file in TOML syntax.")
	idFlag := flag.Int("id", -1, "Node id of this process; has to appear in the config's node table.")
	joinFlag := flag.String("join", "", "GMS address of a running group's leader to join instead of bootstrapping from the node table.")
	loglevelFlag := flag.String("loglevel", "debug", "This flag sets the default logging level.")
	viewFileFlag := flag.String("viewfile", "", "If set, every installed view is persisted to this file.")
	flag.Parse()

	logger := initLogger(*loglevelFlag)

	// Read configuration from file.
	conf, err := config.LoadConfig(*configFlag)
	if err != nil {
		level.Error(logger).Log(
			"msg", "failed to load the config", "err", err,
		)
		os.Exit(1)
	}

	if *idFlag < 0 {
		flag.Usage()
		os.Exit(1)
	}
	myID := int32(*idFlag)

	metrics := NewEngineMetrics(conf.PrometheusAddr)
	go runPromHTTP(logger, conf.PrometheusAddr)

	// One ordered subgroup spanning all members, everyone a
	// sender: the layout of a plain replicated group.
	layout := func(v *view.View) []view.SubgroupSettings {
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

	opts := group.Options{
		Layout:  layout,
		Factory: &tcpFactory{logger: logger, conf: conf, myID: myID},
		Stability: func(subgroup int, sender int32, index int64, payload []byte) {
			metrics.Delivered.Add(1)
			level.Info(logger).Log(
				"msg", "delivered",
				"subgroup", subgroup,
				"sender", sender,
				"index", index,
				"bytes", len(payload),
			)
		},
		Metrics: &group.Metrics{
			Sent:           metrics.Sent,
			Persisted:      metrics.Persisted,
			PersistAppends: metrics.PersistAppends,
			PersistBytes:   metrics.PersistBytes,
		},
		ViewFile: *viewFileFlag,
		ViewUpcalls: []func(*view.View){
			func(v *view.View) {
				metrics.ViewInstalls.Add(1)
				metrics.CurrentVid.Set(float64(v.Vid))
			},
		},
	}

	var g *group.Group

	if *joinFlag != "" {

		// Join a running group through its leader; the leader
		// assigns our node id and supplies view and parameters.
		g, err = group.Join(logger, conf, *joinFlag, opts)
		if err != nil {
			level.Error(logger).Log("msg", "failed to join group", "leader", *joinFlag, "err", err)
			os.Exit(3)
		}
	} else {

		initial, err := initialViewFromConfig(conf, myID)
		if err != nil {
			level.Error(logger).Log("msg", "failed to assemble bootstrap view", "err", err)
			os.Exit(2)
		}

		g, err = group.New(logger, conf, initial, opts)
		if err != nil {
			level.Error(logger).Log("msg", "failed to assemble engine node", "err", err)
			os.Exit(3)
		}
	}

	if err = g.Start(); err != nil {
		level.Error(logger).Log("msg", "failed to start engine node", "err", err)
		os.Exit(4)
	}

	level.Info(logger).Log(
		"msg", "engine node running",
		"id", myID,
		"members", len(g.Members()),
	)

	// Block until told to shut down.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	g.Leave()
	g.Stop()
}
