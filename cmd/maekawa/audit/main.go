// Command audit merges the audit databases written by several maekawa
// processes and checks the combined trace for overlapping critical sections.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"maekawa-dme/internal/audit"
	"maekawa-dme/internal/maekawa"
)

func loadRecords(paths []string) ([]audit.Record, int, error) {
	var records []audit.Record
	numNodes := 0
	for _, path := range paths {
		store, err := audit.Open(path)
		if err != nil {
			return nil, 0, err
		}
		recs, err := store.Records()
		if err == nil {
			var n int
			n, err = store.NumNodes()
			if n > numNodes {
				numNodes = n
			}
		}
		store.Close()
		if err != nil {
			return nil, 0, fmt.Errorf("%s: %w", path, err)
		}
		logrus.Debugf("Loaded %d records from %s", len(recs), path)
		records = append(records, recs...)
	}
	return records, numNodes, nil
}

func main() {
	numNodes := flag.Int("n", 0, "System size (defaults to the size stored in the databases)")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-n N] [-v] <audit.db> [<audit.db>...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	records, storedN, err := loadRecords(flag.Args())
	if err != nil {
		logrus.Fatalf("Failed to load audit records: %v", err)
	}
	n := *numNodes
	if n == 0 {
		n = storedN
	}
	if n == 0 {
		logrus.Fatalf("System size unknown, pass -n")
	}

	sets, err := maekawa.Topology(n)
	if err != nil {
		logrus.Fatalf("Failed to build voting sets for %d nodes: %v", n, err)
	}

	intervals, err := audit.BuildIntervals(records)
	if err != nil {
		logrus.Fatalf("Inconsistent trace: %v", err)
	}
	logrus.Infof("Checking %d critical section stays from %d records (%d nodes)", len(intervals), len(records), n)

	violations := audit.CheckMutualExclusion(intervals, sets)
	if len(violations) > 0 {
		for _, v := range violations {
			logrus.Errorf("Violation: %s", v)
		}
		logrus.Errorf("%d mutual exclusion violations found", len(violations))
		os.Exit(1)
	}
	logrus.Infof("No mutual exclusion violations found")
}
