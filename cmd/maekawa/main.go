package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"maekawa-dme/internal/audit"
	"maekawa-dme/internal/maekawa"
	"maekawa-dme/internal/pubsub"
	"maekawa-dme/internal/transport"
)

// parsePeers parses "0=127.0.0.1:7000,1=127.0.0.1:7001"
func parsePeers(s string) (map[maekawa.NodeID]string, error) {
	peers := make(map[maekawa.NodeID]string)
	if strings.TrimSpace(s) == "" {
		return peers, nil
	}
	for _, entry := range strings.Split(s, ",") {
		idStr, addr, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || addr == "" {
			return nil, fmt.Errorf("bad peer %q, want id=host:port", entry)
		}
		id, err := strconv.Atoi(idStr)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("bad peer id %q", idStr)
		}
		peers[maekawa.NodeID(id)] = addr
	}
	return peers, nil
}

// checkPeers verifies that peers has an address for every node id exchanges
// messages with: the members of its voting set and the nodes whose voting
// sets contain it
func checkPeers(id maekawa.NodeID, numNodes int, peers map[maekawa.NodeID]string) error {
	for peer := range peers {
		if int(peer) >= numNodes {
			return fmt.Errorf("peer %d is outside a %d node system", peer, numNodes)
		}
	}
	sets, err := maekawa.Topology(numNodes)
	if err != nil {
		return err
	}
	if id < 0 || int(id) >= numNodes {
		return fmt.Errorf("node %d is outside a %d node system", id, numNodes)
	}

	var missing []maekawa.NodeID
	for other, set := range sets {
		otherID := maekawa.NodeID(other)
		if otherID == id || (!sets[id].Contains(otherID) && !set.Contains(id)) {
			continue
		}
		if _, ok := peers[otherID]; !ok {
			missing = append(missing, otherID)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no address for nodes %v, which node %d exchanges votes with", missing, id)
	}
	return nil
}

func main() {
	// Command line flags
	nodeID := flag.Int("id", 0, "Node ID")
	numNodes := flag.Int("n", 3, "Total number of nodes")
	listenAddr := flag.String("listen", "127.0.0.1:7000", "Listen address")
	peersStr := flag.String("peers", "", "Comma-separated id=host:port list of the other nodes")
	tick := flag.Duration("tick", 10*time.Millisecond, "Tick interval")
	unit := flag.Duration("unit", time.Millisecond, "Length of one dwell/cooldown unit")
	delay := flag.Duration("delay", time.Second, "Delay before the first request")
	auditPath := flag.String("audit", "", "bbolt file to record critical section transitions in")
	reportPath := flag.String("report", "", "Write the final metrics report to this JSON file")
	statsEvery := flag.Duration("stats", 10*time.Second, "Interval between metric log lines")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logger := logrus.WithField("node", *nodeID)

	peers, err := parsePeers(*peersStr)
	if err != nil {
		logger.Fatalf("Invalid -peers: %v", err)
	}
	if err := checkPeers(maekawa.NodeID(*nodeID), *numNodes, peers); err != nil {
		logger.Fatalf("Invalid -peers: %v", err)
	}

	tconfig := transport.DefaultConfig()
	tconfig.ID = maekawa.NodeID(*nodeID)
	tconfig.ListenAddr = *listenAddr
	tconfig.Peers = peers
	tconfig.Logger = logger

	trans, err := transport.New(tconfig)
	if err != nil {
		logger.Fatalf("Failed to create transport: %v", err)
	}

	bus := pubsub.NewBus(1024, pubsub.WithLogger(logger))

	var store *audit.Store
	var recorder *audit.Recorder
	if *auditPath != "" {
		store, err = audit.Open(*auditPath)
		if err != nil {
			logger.Fatalf("Failed to open audit store: %v", err)
		}
		if err := store.SetNumNodes(*numNodes); err != nil {
			logger.Fatalf("Failed to write audit metadata: %v", err)
		}
		recorder = audit.NewRecorder(store, bus, logger)
	}

	entered := make(chan *pubsub.Event[maekawa.CSEvent], 64)
	pubsub.Subscribe(bus, maekawa.EnteredCS, entered, pubsub.SubscriptionOptions{})
	go func() {
		for ev := range entered {
			logger.Infof("Entered critical section (ts=%d)", ev.Payload.TS)
		}
	}()

	config := maekawa.DefaultConfig()
	config.NodeID = maekawa.NodeID(*nodeID)
	config.NumNodes = *numNodes
	config.TickInterval = *tick
	config.TimeUnit = *unit
	config.InitialDelay = *delay
	config.Events = bus
	config.Logger = logger

	node, err := maekawa.New(config, trans)
	if err != nil {
		logger.Fatalf("Failed to create node: %v", err)
	}
	logger.Infof("Voting set %v, peers %v", node.VotingSet(), peers)

	if err := node.Start(); err != nil {
		logger.Fatalf("Failed to start node: %v", err)
	}
	logger.Infof("Maekawa node started on %s", trans.Addr())

	// Print statistics periodically
	go func() {
		ticker := time.NewTicker(*statsEvery)
		defer ticker.Stop()

		for range ticker.C {
			report := node.Metrics().GetReport(*numNodes)
			logger.Infof("Metrics: entries=%d, sent=%d, received=%d, msgs/CS=%.2f, wait P50=%.2fms P99=%.2fms",
				report.CSEntries, report.TotalSent, report.TotalReceived, report.MessagesPerCS,
				report.WaitLatency.P50, report.WaitLatency.P99)
			logger.Infof("State: %s, votes=%d, queue=%d, lamport=%d, dropped=%d",
				node.State(), node.VotesReceived(), node.QueueLen(), node.LamportTime(), trans.Dropped())
		}
	}()

	// Wait for termination signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("Received %s, shutting down", sig)

	if err := node.Stop(); err != nil {
		logger.Errorf("Error stopping node: %v", err)
	}
	bus.Close()

	if recorder != nil {
		if err := recorder.Wait(); err != nil {
			logger.Errorf("Audit recording failed: %v", err)
		}
		logger.Infof("Recorded %d transitions to %s", recorder.Count(), *auditPath)
		if err := store.Close(); err != nil {
			logger.Errorf("Error closing audit store: %v", err)
		}
	}

	report := node.Metrics().GetReport(*numNodes)
	report.PrintReport()
	if *reportPath != "" {
		if err := report.SaveJSON(*reportPath); err != nil {
			logger.Errorf("Failed to save report: %v", err)
		}
	}
}
