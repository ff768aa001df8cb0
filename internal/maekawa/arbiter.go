package maekawa

import "fmt"

// voterState is the voting side of a node. It is only touched by the arbiter
// handlers below.
type voterState struct {
	hasVoted bool
	// The request this node's single vote is committed to
	votedRequest *Message
	// Set once an INQUIRE has been sent for votedRequest
	hasInquired bool
	queue       *RequestQueue
}

// process merges the clock and dispatches one inbound message
func (n *Node) process(msg *Message) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !msg.Type.Valid() {
		n.logger.Warnf("[Arbiter] Node %d ignoring message of unknown type %d from %d", n.id, msg.Type, msg.Src)
		return
	}

	n.metrics.RecordReceived(msg.Type)
	n.clock.Merge(msg.TS)
	n.logger.Debugf("[Arbiter] Node %d <--- %s", n.id, msg)

	switch msg.Type {
	case RequestMsg:
		n.onRequest(msg)
	case GrantMsg:
		n.onGrant(msg)
	case ReleaseMsg:
		n.onRelease(msg)
	case FailMsg:
		n.onFail(msg)
	case InquireMsg:
		n.onInquire(msg)
	case YieldMsg:
		n.onYield(msg)
	}

	n.checkInvariants()
}

// onRequest defers the request while in the CS, grants it when the vote is free,
// and otherwise queues it and either inquires the current holder or fails the
// requester. Only one INQUIRE is sent per commitment.
func (n *Node) onRequest(req *Message) {
	if n.state == Held {
		n.voter.queue.Push(req)
		n.logger.Debugf("[Arbiter] Node %d in CS, deferring request from %d", n.id, req.Src)
		return
	}

	if !n.voter.hasVoted {
		n.grant(req)
		return
	}

	n.voter.queue.Push(req)
	if req.Less(n.voter.votedRequest) && !n.voter.hasInquired {
		n.voter.hasInquired = true
		n.logger.Debugf("[Arbiter] Node %d inquiring %d on behalf of %d", n.id, n.voter.votedRequest.Src, req.Src)
		n.send(InquireMsg, n.voter.votedRequest.Src)
		return
	}
	n.send(FailMsg, req.Src)
}

func (n *Node) grant(req *Message) {
	n.logger.Debugf("[Arbiter] Node %d grants its vote to %d (ts=%d)", n.id, req.Src, req.TS)
	n.send(GrantMsg, req.Src)
	n.voter.hasVoted = true
	n.voter.votedRequest = req
}

// onGrant counts a vote for the outstanding request
func (n *Node) onGrant(msg *Message) {
	if n.state != Requesting || !n.votingSet.Contains(msg.Src) || n.proposer.grantsFrom[msg.Src] {
		n.metrics.RecordStaleIgnored()
		n.logger.Warnf("[Arbiter] Node %d ignoring unexpected grant from %d in state %s", n.id, msg.Src, n.state)
		return
	}
	n.proposer.grantsFrom[msg.Src] = true
	n.proposer.votesReceived++
	n.logger.Debugf("[Arbiter] Node %d has %d/%d votes", n.id, n.proposer.votesReceived, n.votingSet.Size())
}

// onRelease frees the vote held by the sender and re-arbitrates
func (n *Node) onRelease(msg *Message) {
	if n.voter.hasVoted && n.voter.votedRequest.Src != msg.Src {
		n.metrics.RecordStaleIgnored()
		n.logger.Warnf("[Arbiter] Node %d ignoring release from %d, vote is held by %d",
			n.id, msg.Src, n.voter.votedRequest.Src)
		return
	}
	n.rearbitrate()
}

// onFail changes nothing: the vote is simply not counted
func (n *Node) onFail(msg *Message) {
	n.logger.Debugf("[Arbiter] Node %d failed by %d", n.id, msg.Src)
}

// onInquire gives the inquirer's vote back unless the node is in the CS. An
// INQUIRE about a grant that is no longer held is stale and ignored.
func (n *Node) onInquire(msg *Message) {
	if n.state == Held {
		n.logger.Debugf("[Arbiter] Node %d in CS, ignoring inquire from %d", n.id, msg.Src)
		return
	}
	if !n.proposer.grantsFrom[msg.Src] {
		n.metrics.RecordStaleIgnored()
		n.logger.Debugf("[Arbiter] Node %d ignoring stale inquire from %d", n.id, msg.Src)
		return
	}
	delete(n.proposer.grantsFrom, msg.Src)
	n.proposer.votesReceived--
	n.send(YieldMsg, msg.Src)
}

// onYield puts the yielded request back in the queue and re-arbitrates exactly
// as for a RELEASE
func (n *Node) onYield(msg *Message) {
	if !n.voter.hasVoted || !n.voter.hasInquired || n.voter.votedRequest.Src != msg.Src {
		n.metrics.RecordStaleIgnored()
		n.logger.Warnf("[Arbiter] Node %d ignoring unexpected yield from %d", n.id, msg.Src)
		return
	}
	n.voter.queue.Push(n.voter.votedRequest)
	n.rearbitrate()
}

// rearbitrate grants the highest priority queued request, or frees the vote
func (n *Node) rearbitrate() {
	n.voter.hasInquired = false
	if next := n.voter.queue.Pop(); next != nil {
		n.grant(next)
		return
	}
	n.voter.hasVoted = false
	n.voter.votedRequest = nil
}

// checkInvariants panics when arbitration state is inconsistent
func (n *Node) checkInvariants() {
	if n.voter.hasVoted != (n.voter.votedRequest != nil) {
		panic(fmt.Sprintf("maekawa: node %d hasVoted=%v but votedRequest=%v", n.id, n.voter.hasVoted, n.voter.votedRequest))
	}
	if n.voter.hasInquired && !n.voter.hasVoted {
		panic(fmt.Sprintf("maekawa: node %d has inquired without a committed vote", n.id))
	}
	if n.proposer.votesReceived < 0 || n.proposer.votesReceived > n.votingSet.Size() {
		panic(fmt.Sprintf("maekawa: node %d holds %d votes, voting set size %d", n.id, n.proposer.votesReceived, n.votingSet.Size()))
	}
	if n.proposer.votesReceived != len(n.proposer.grantsFrom) {
		panic(fmt.Sprintf("maekawa: node %d counts %d votes but holds %d grants", n.id, n.proposer.votesReceived, len(n.proposer.grantsFrom)))
	}
}
