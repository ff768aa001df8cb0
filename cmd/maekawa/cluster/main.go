// Command cluster runs an N node Maekawa system inside one process, records
// every critical section stay and verifies that no two conflicting nodes were
// ever inside at the same time.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/sirupsen/logrus"

	"maekawa-dme/internal/audit"
	"maekawa-dme/internal/maekawa"
	"maekawa-dme/internal/pubsub"
	"maekawa-dme/internal/transport"
)

type options struct {
	numNodes int
	duration time.Duration
	useGRPC  bool
	tick     time.Duration
	unit     time.Duration
	dwell    [2]int
	cooldown [2]int
}

// buildTransports returns one transport per node, either on a shared in-memory
// network or as gRPC servers on ephemeral localhost ports
func buildTransports(opts options, logger *logrus.Entry) ([]maekawa.Transport, error) {
	transports := make([]maekawa.Transport, opts.numNodes)
	if !opts.useGRPC {
		network := maekawa.NewNetwork()
		for i := range transports {
			transports[i] = network.Transport(maekawa.NodeID(i))
		}
		return transports, nil
	}

	grpcTransports := make([]*transport.GRPCTransport, opts.numNodes)
	addrs := make(map[maekawa.NodeID]string, opts.numNodes)
	for i := range grpcTransports {
		config := transport.DefaultConfig()
		config.ID = maekawa.NodeID(i)
		config.Logger = logger.WithField("node", i)
		tr, err := transport.New(config)
		if err != nil {
			return nil, err
		}
		addr, err := tr.Listen()
		if err != nil {
			return nil, err
		}
		grpcTransports[i] = tr
		addrs[maekawa.NodeID(i)] = addr
	}
	for i, tr := range grpcTransports {
		for id, addr := range addrs {
			if id != maekawa.NodeID(i) {
				tr.AddPeer(id, addr)
			}
		}
		transports[i] = tr
	}
	return transports, nil
}

func run(opts options, auditPath string, logger *logrus.Entry) (*maekawa.Report, []*maekawa.Node, []audit.Interval, []audit.Violation, error) {
	store, err := audit.Open(auditPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	defer store.Close()
	if err := store.SetNumNodes(opts.numNodes); err != nil {
		return nil, nil, nil, nil, err
	}

	bus := pubsub.NewBus(4096, pubsub.WithLogger(logger))
	recorder := audit.NewRecorder(store, bus, logger)

	transports, err := buildTransports(opts, logger)
	if err != nil {
		bus.Close()
		return nil, nil, nil, nil, err
	}

	metrics := maekawa.NewMetrics()
	nodes := make([]*maekawa.Node, opts.numNodes)
	for i := range nodes {
		config := maekawa.DefaultConfig()
		config.NodeID = maekawa.NodeID(i)
		config.NumNodes = opts.numNodes
		config.TickInterval = opts.tick
		config.TimeUnit = opts.unit
		config.DwellMin, config.DwellMax = opts.dwell[0], opts.dwell[1]
		config.CooldownMin, config.CooldownMax = opts.cooldown[0], opts.cooldown[1]
		config.Events = bus
		config.Metrics = metrics
		config.Logger = logger.WithField("node", i)

		node, err := maekawa.New(config, transports[i])
		if err != nil {
			bus.Close()
			return nil, nil, nil, nil, err
		}
		nodes[i] = node
	}

	for _, node := range nodes {
		if err := node.Start(); err != nil {
			for _, started := range nodes {
				started.Stop()
			}
			bus.Close()
			return nil, nil, nil, nil, err
		}
	}

	spinner, err := pterm.DefaultSpinner.Start(fmt.Sprintf("Running %d nodes for %s", opts.numNodes, opts.duration))
	if err != nil {
		spinner = nil
	}
	deadline := time.Now().Add(opts.duration)
	for time.Now().Before(deadline) {
		time.Sleep(250 * time.Millisecond)
		if spinner != nil {
			spinner.UpdateText(fmt.Sprintf("Running %d nodes, %d critical section entries so far",
				opts.numNodes, metrics.CSEntries()))
		}
	}
	if spinner != nil {
		spinner.Success(fmt.Sprintf("Ran %d nodes for %s", opts.numNodes, opts.duration))
	}

	for _, node := range nodes {
		if err := node.Stop(); err != nil {
			logger.Errorf("Error stopping node %d: %v", node.ID(), err)
		}
	}
	report := metrics.GetReport(opts.numNodes)

	bus.Close()
	if err := recorder.Wait(); err != nil {
		return nil, nil, nil, nil, err
	}

	records, err := store.Records()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	intervals, err := audit.BuildIntervals(records)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	sets := make([]maekawa.VotingSet, len(nodes))
	for i, node := range nodes {
		sets[i] = node.VotingSet()
	}
	return &report, nodes, intervals, audit.CheckMutualExclusion(intervals, sets), nil
}

func printReport(report *maekawa.Report, nodes []*maekawa.Node, intervals []audit.Interval, violations []audit.Violation) {
	entries := make(map[maekawa.NodeID]int)
	stays := make(map[maekawa.NodeID]time.Duration)
	for _, iv := range intervals {
		entries[iv.Node]++
		if !iv.Open() {
			stays[iv.Node] += iv.Exit.Sub(iv.Enter)
		}
	}

	pterm.DefaultSection.Println("Nodes")
	data := pterm.TableData{{"Node", "Voting set", "Entries", "Mean stay", "Final state"}}
	for _, node := range nodes {
		id := node.ID()
		mean := "-"
		if entries[id] > 0 {
			mean = (stays[id] / time.Duration(entries[id])).Round(time.Microsecond).String()
		}
		data = append(data, []string{
			strconv.Itoa(int(id)),
			fmt.Sprint(node.VotingSet()),
			strconv.Itoa(entries[id]),
			mean,
			node.State().String(),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(data).Render(); err != nil {
		pterm.Error.Printfln("Failed to render table: %v", err)
	}

	pterm.DefaultSection.Println("Protocol")
	messages := pterm.TableData{{"Type", "Sent", "Received"}}
	for t := maekawa.RequestMsg; t <= maekawa.YieldMsg; t++ {
		messages = append(messages, []string{
			t.String(),
			strconv.FormatUint(report.SentByType[t.String()], 10),
			strconv.FormatUint(report.ReceivedByType[t.String()], 10),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(messages).Render(); err != nil {
		pterm.Error.Printfln("Failed to render table: %v", err)
	}
	pterm.Info.Printfln("Critical section entries: %d (%.2f/s)", report.CSEntries, report.CSThroughput)
	pterm.Info.Printfln("Messages per entry: %.2f", report.MessagesPerCS)
	pterm.Info.Printfln("Wait latency: P50 %.2fms, P95 %.2fms, P99 %.2fms",
		report.WaitLatency.P50, report.WaitLatency.P95, report.WaitLatency.P99)
	if report.DroppedSends > 0 || report.StaleIgnored > 0 {
		pterm.Warning.Printfln("Dropped sends: %d, stale messages ignored: %d", report.DroppedSends, report.StaleIgnored)
	}

	pterm.DefaultSection.Println("Safety")
	if len(violations) == 0 {
		pterm.Success.Printfln("No overlapping critical sections in %d stays", len(intervals))
		return
	}
	for _, v := range violations {
		pterm.Error.Println(v.String())
	}
	pterm.Error.Printfln("%d mutual exclusion violations", len(violations))
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	var opts options
	flag.IntVar(&opts.numNodes, "n", 7, "Number of nodes")
	flag.DurationVar(&opts.duration, "duration", 10*time.Second, "How long to run")
	flag.BoolVar(&opts.useGRPC, "grpc", false, "Connect the nodes over gRPC on localhost instead of in memory")
	flag.DurationVar(&opts.tick, "tick", time.Millisecond, "Tick interval")
	flag.DurationVar(&opts.unit, "unit", time.Millisecond, "Length of one dwell/cooldown unit")
	flag.IntVar(&opts.dwell[0], "dwell-min", 5, "Minimum dwell, in units")
	flag.IntVar(&opts.dwell[1], "dwell-max", 10, "Maximum dwell, in units")
	flag.IntVar(&opts.cooldown[0], "cooldown-min", 5, "Minimum cooldown, in units")
	flag.IntVar(&opts.cooldown[1], "cooldown-max", 20, "Maximum cooldown, in units")
	auditPath := flag.String("audit", "", "Keep the recorded trace in this bbolt file")
	reportPath := flag.String("report", "", "Write the metrics report to this JSON file")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	logrus.SetLevel(logrus.WarnLevel)
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logger := logrus.WithField("cluster", opts.numNodes)

	path := *auditPath
	if path == "" {
		dir, err := os.MkdirTemp("", "maekawa-cluster")
		if err != nil {
			pterm.Error.Printfln("Failed to create temp dir: %v", err)
			return 1
		}
		defer os.RemoveAll(dir)
		path = filepath.Join(dir, "audit.db")
	}

	transportName := "in-memory network"
	if opts.useGRPC {
		transportName = "gRPC"
	}
	pterm.DefaultHeader.WithFullWidth().Println("Maekawa mutual exclusion")
	pterm.Info.Printfln("%d nodes over %s, trace in %s", opts.numNodes, transportName, path)

	report, nodes, intervals, violations, err := run(opts, path, logger)
	if err != nil {
		pterm.Error.Printfln("Cluster run failed: %v", err)
		return 1
	}
	printReport(report, nodes, intervals, violations)

	if *reportPath != "" {
		if err := report.SaveJSON(*reportPath); err != nil {
			pterm.Error.Printfln("Failed to save report: %v", err)
		}
	}
	if len(violations) > 0 {
		return 1
	}
	return 0
}
