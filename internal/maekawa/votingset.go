package maekawa

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// VotingSet is the sorted set of nodes whose votes form one node's quorum
type VotingSet []NodeID

// Contains reports whether id is a member of the set
func (v VotingSet) Contains(id NodeID) bool {
	return slices.Contains(v, id)
}

// Size returns the number of members, i.e. the number of grants needed to enter the CS
func (v VotingSet) Size() int {
	return len(v)
}

// Intersects reports whether v and other share at least one member
func (v VotingSet) Intersects(other VotingSet) bool {
	for _, id := range v {
		if other.Contains(id) {
			return true
		}
	}
	return false
}

func normalize(ids []NodeID) VotingSet {
	set := slices.Clone(ids)
	slices.Sort(set)
	return slices.Compact(set)
}

// sevenNodeSets is the fixed assignment for a 7 node system. Every set has three
// members and every pair of sets meets in exactly one node.
var sevenNodeSets = [7][]NodeID{
	{0, 1, 2},
	{1, 3, 5},
	{2, 4, 5},
	{3, 0, 4},
	{4, 1, 6},
	{5, 0, 6},
	{6, 2, 3},
}

// NewVotingSet derives the voting set of node id in a system of n nodes.
//
// n=3 uses the ring {id, id+1 mod 3} and n=7 uses a fixed table. When n = q²+q+1
// for a prime q the sets are the lines of the projective plane of order q (size
// q+1). Any other n falls back to the row and column of a ⌈√n⌉ wide grid.
func NewVotingSet(id NodeID, n int) (VotingSet, error) {
	sets, err := Topology(n)
	if err != nil {
		return nil, err
	}
	if id < 0 || int(id) >= n {
		return nil, fmt.Errorf("%w: node %d out of range [0, %d)", ErrInvalidConfig, id, n)
	}
	return sets[id], nil
}

// Topology returns the voting set of every node in a system of n nodes
func Topology(n int) ([]VotingSet, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: need at least one node, got %d", ErrInvalidConfig, n)
	}

	switch n {
	case 3:
		sets := make([]VotingSet, n)
		for i := 0; i < n; i++ {
			sets[i] = normalize([]NodeID{NodeID(i), NodeID((i + 1) % n)})
		}
		return sets, nil
	case 7:
		sets := make([]VotingSet, n)
		for i, members := range sevenNodeSets {
			sets[i] = normalize(members)
		}
		return sets, nil
	}

	if q, ok := planeOrder(n); ok {
		return projectivePlane(q), nil
	}
	return grid(n), nil
}

// ValidateTopology checks that every node belongs to its own set and that every
// pair of sets intersects
func ValidateTopology(sets []VotingSet) error {
	for i, set := range sets {
		if !set.Contains(NodeID(i)) {
			return fmt.Errorf("voting set of node %d does not contain itself: %v", i, set)
		}
		for j := i + 1; j < len(sets); j++ {
			if !set.Intersects(sets[j]) {
				return fmt.Errorf("voting sets of nodes %d and %d do not intersect: %v, %v", i, j, set, sets[j])
			}
		}
	}
	return nil
}

// planeOrder returns q when n = q²+q+1 for a prime q
func planeOrder(n int) (int, bool) {
	for q := 2; q*q+q+1 <= n; q++ {
		if q*q+q+1 == n && isPrime(q) {
			return q, true
		}
	}
	return 0, false
}

func isPrime(q int) bool {
	if q < 2 {
		return false
	}
	for d := 2; d*d <= q; d++ {
		if q%d == 0 {
			return false
		}
	}
	return true
}

// projectivePlane builds PG(2,q). Points and lines are both the normalized
// vectors over GF(q); point p lies on line l iff p·l = 0. Node i owns point i and
// is given a distinct line through it.
func projectivePlane(q int) []VotingSet {
	var vecs [][3]int
	for a := 0; a < q; a++ {
		for b := 0; b < q; b++ {
			vecs = append(vecs, [3]int{1, a, b})
		}
	}
	for b := 0; b < q; b++ {
		vecs = append(vecs, [3]int{0, 1, b})
	}
	vecs = append(vecs, [3]int{0, 0, 1})

	n := len(vecs)
	incident := make([][]int, n) // point -> lines through it
	onLine := make([][]NodeID, n)
	for p := 0; p < n; p++ {
		for l := 0; l < n; l++ {
			dot := vecs[p][0]*vecs[l][0] + vecs[p][1]*vecs[l][1] + vecs[p][2]*vecs[l][2]
			if dot%q == 0 {
				incident[p] = append(incident[p], l)
				onLine[l] = append(onLine[l], NodeID(p))
			}
		}
	}

	lineOf := matchPointsToLines(incident, n)
	sets := make([]VotingSet, n)
	for p := 0; p < n; p++ {
		sets[p] = normalize(onLine[lineOf[p]])
	}
	return sets
}

// matchPointsToLines finds a perfect matching in the point/line incidence graph.
// The graph is (q+1)-regular so one always exists.
func matchPointsToLines(incident [][]int, n int) []int {
	pointOf := make([]int, n)
	for i := range pointOf {
		pointOf[i] = -1
	}

	var augment func(p int, seen []bool) bool
	augment = func(p int, seen []bool) bool {
		for _, l := range incident[p] {
			if seen[l] {
				continue
			}
			seen[l] = true
			if pointOf[l] == -1 || augment(pointOf[l], seen) {
				pointOf[l] = p
				return true
			}
		}
		return false
	}

	for p := 0; p < n; p++ {
		augment(p, make([]bool, n))
	}

	lineOf := make([]int, n)
	for l, p := range pointOf {
		lineOf[p] = l
	}
	return lineOf
}

// grid places nodes row-major in a grid ⌈√n⌉ wide. A node's set is its row plus
// its column. For nodes a and b the cell (row(a), col(b)) or (row(b), col(a))
// always exists, so every pair of sets intersects.
func grid(n int) []VotingSet {
	width := 1
	for width*width < n {
		width++
	}

	sets := make([]VotingSet, n)
	for i := 0; i < n; i++ {
		row, col := i/width, i%width
		var members []NodeID
		for c := 0; c < width; c++ {
			if id := row*width + c; id < n {
				members = append(members, NodeID(id))
			}
		}
		for id := col; id < n; id += width {
			members = append(members, NodeID(id))
		}
		sets[i] = normalize(members)
	}
	return sets
}
