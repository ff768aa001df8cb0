package audit

import (
	"fmt"
	"sort"
	"time"

	"golang.org/x/exp/slices"

	"maekawa-dme/internal/maekawa"
)

// Interval is one stay of one node in the critical section. Exit is zero when
// the trace ends with the node still inside.
type Interval struct {
	Node    maekawa.NodeID
	Enter   time.Time
	Exit    time.Time
	EnterTS maekawa.Timestamp
}

// Open reports whether the trace ended before the node left
func (i Interval) Open() bool {
	return i.Exit.IsZero()
}

// overlaps reports whether the two stays share any instant. Touching
// endpoints do not count.
func (i Interval) overlaps(other Interval) bool {
	return (i.Open() || other.Enter.Before(i.Exit)) && (other.Open() || i.Enter.Before(other.Exit))
}

// Violation is a pair of overlapping stays by nodes with intersecting voting sets
type Violation struct {
	First  Interval
	Second Interval
}

func (v Violation) String() string {
	return fmt.Sprintf("nodes %d and %d overlap: [%s, %s) and [%s, %s)",
		v.First.Node, v.Second.Node,
		v.First.Enter.Format(time.RFC3339Nano), formatExit(v.First),
		v.Second.Enter.Format(time.RFC3339Nano), formatExit(v.Second))
}

func formatExit(i Interval) string {
	if i.Open() {
		return "open"
	}
	return i.Exit.Format(time.RFC3339Nano)
}

// BuildIntervals pairs every node's entries with its exits. Records may be
// interleaved across nodes in any order; per node they are ordered by time.
func BuildIntervals(records []Record) ([]Interval, error) {
	perNode := make(map[maekawa.NodeID][]Record)
	for _, rec := range records {
		if rec.Kind == Entered || rec.Kind == Exited {
			perNode[rec.Node] = append(perNode[rec.Node], rec)
		}
	}

	var intervals []Interval
	for node, recs := range perNode {
		// Entries sort before exits at the same instant
		sort.SliceStable(recs, func(i, j int) bool {
			if !recs[i].At.Equal(recs[j].At) {
				return recs[i].At.Before(recs[j].At)
			}
			return recs[i].Kind < recs[j].Kind
		})

		var current *Interval
		for _, rec := range recs {
			switch rec.Kind {
			case Entered:
				if current != nil {
					return nil, fmt.Errorf("node %d entered at %s while already inside", node, rec.At)
				}
				current = &Interval{Node: node, Enter: rec.At, EnterTS: rec.TS}
			case Exited:
				if current == nil {
					return nil, fmt.Errorf("node %d exited at %s without entering", node, rec.At)
				}
				current.Exit = rec.At
				intervals = append(intervals, *current)
				current = nil
			}
		}
		if current != nil {
			intervals = append(intervals, *current)
		}
	}

	sort.Slice(intervals, func(i, j int) bool {
		if !intervals[i].Enter.Equal(intervals[j].Enter) {
			return intervals[i].Enter.Before(intervals[j].Enter)
		}
		return intervals[i].Node < intervals[j].Node
	})
	return intervals, nil
}

// CheckMutualExclusion returns every pair of overlapping intervals whose nodes'
// voting sets intersect. sets is indexed by node ID. intervals must be sorted
// by Enter, as BuildIntervals returns them.
func CheckMutualExclusion(intervals []Interval, sets []maekawa.VotingSet) []Violation {
	var violations []Violation
	for i := 0; i < len(intervals); i++ {
		a := intervals[i]
		for j := i + 1; j < len(intervals); j++ {
			b := intervals[j]
			if !a.overlaps(b) {
				if !a.Open() && !b.Enter.Before(a.Exit) {
					break
				}
				continue
			}
			if conflicting(a.Node, b.Node, sets) {
				violations = append(violations, Violation{First: a, Second: b})
			}
		}
	}
	return violations
}

func conflicting(a, b maekawa.NodeID, sets []maekawa.VotingSet) bool {
	if a == b {
		return true
	}
	if int(a) >= len(sets) || int(b) >= len(sets) || a < 0 || b < 0 {
		// Without a voting set the pair is assumed to conflict.
		return true
	}
	return slices.ContainsFunc(sets[a], sets[b].Contains)
}
