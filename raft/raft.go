// Copyright 2015 The etcd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package raft

import (
	"errors"
	"math/rand"
	"sort"

	pb "github.com/pingcap/kvproto/pkg/eraftpb"

	"github.com/rangekv/rangekv/log"
)

// None is a placeholder node ID used when there is no leader.
const None uint64 = 0

// StateType represents the role of a node in a cluster.
type StateType uint64

const (
	StateFollower StateType = iota
	StateCandidate
	StateLeader
)

var stmap = [...]string{
	"StateFollower",
	"StateCandidate",
	"StateLeader",
}

func (st StateType) String() string {
	return stmap[uint64(st)]
}

// ErrProposalDropped is returned when the proposal is ignored by some
// cases, so that the proposer can be notified and fail fast.
var ErrProposalDropped = errors.New("raft proposal dropped")

// Config contains the parameters to start a raft.
type Config struct {
	// ID is the identity of the local raft. ID cannot be 0.
	ID uint64

	// peers contains the IDs of all nodes (including self) in the raft
	// cluster. It should only be set when starting a new raft cluster.
	// Restarting raft from previous configuration will panic if peers
	// is set. peer is private and only used for testing right now.
	peers []uint64

	// ElectionTick is the number of Node.Tick invocations that must
	// pass between elections. That is, if a follower does not receive
	// any message from the leader of current term before ElectionTick
	// has elapsed, it will become candidate and start an election.
	// ElectionTick must be greater than HeartbeatTick.
	ElectionTick int
	// HeartbeatTick is the number of Node.Tick invocations that must
	// pass between heartbeats. That is, a leader sends heartbeat
	// messages to maintain its leadership every HeartbeatTick ticks.
	HeartbeatTick int

	// Storage is the storage for raft. raft generates entries and
	// states to be stored in storage. raft reads the persisted entries
	// and states out of Storage when it needs.
	Storage Storage
	// Applied is the last applied index. It should only be set when
	// restarting raft. raft will not return entries to the application
	// smaller or equal to Applied.
	Applied uint64
}

func (c *Config) validate() error {
	if c.ID == None {
		return errors.New("cannot use none as id")
	}
	if c.HeartbeatTick <= 0 {
		return errors.New("heartbeat tick must be greater than 0")
	}
	if c.ElectionTick <= c.HeartbeatTick {
		return errors.New("election tick must be greater than heartbeat tick")
	}
	if c.Storage == nil {
		return errors.New("storage cannot be nil")
	}
	return nil
}

// Progress represents a follower's progress in the view of the leader.
// Leader maintains progresses of all followers, and sends entries to
// the follower based on its progress.
type Progress struct {
	Match, Next uint64
}

type Raft struct {
	id uint64

	Term uint64
	Vote uint64

	// the log
	RaftLog *RaftLog

	// log replication progress of each peer
	Prs map[uint64]*Progress

	// this peer's role
	State StateType

	// votes records
	votes map[uint64]bool

	// msgs to be sent out, drained by RawNode.Ready.
	msgs []pb.Message

	// the leader id
	Lead uint64

	// heartbeat interval, should send
	heartbeatTimeout int
	// baseline of election interval
	electionTimeout int
	// randomized election interval in [electionTimeout,
	// 2*electionTimeout), reset on state change and term change.
	randomizedElectionTimeout int

	// number of ticks since it reached last heartbeatTimeout.
	// only leader keeps heartbeatElapsed.
	heartbeatElapsed int
	// number of ticks since it reached last electionTimeout or
	// received a valid message from the leader.
	electionElapsed int

	// leadTransferee is the id of the leader transfer target when its
	// value is not zero. While it is set, proposals are dropped.
	leadTransferee uint64

	// Only one conf change may be pending (in the log, but not yet
	// applied) at a time. This is enforced via PendingConfIndex, which
	// is set to a value >= the log index of the latest pending
	// configuration change (if any). Config changes are only allowed
	// to be proposed if the leader's applied index is greater than
	// this value.
	PendingConfIndex uint64
}

func newRaft(c *Config) *Raft {
	if err := c.validate(); err != nil {
		panic(err.Error())
	}
	raftLog := newLog(c.Storage)
	hs, cs, err := c.Storage.InitialState()
	if err != nil {
		panic(err.Error())
	}
	peers := c.peers
	if len(cs.Nodes) > 0 {
		if len(peers) > 0 {
			panic("cannot specify both newRaft(peers) and ConfState.Nodes")
		}
		peers = cs.Nodes
	}
	r := &Raft{
		id:               c.ID,
		RaftLog:          raftLog,
		Prs:              make(map[uint64]*Progress),
		heartbeatTimeout: c.HeartbeatTick,
		electionTimeout:  c.ElectionTick,
	}
	for _, p := range peers {
		r.Prs[p] = &Progress{Next: raftLog.LastIndex() + 1}
	}
	if !IsEmptyHardState(hs) {
		r.loadState(hs)
	}
	if c.Applied > 0 {
		raftLog.appliedTo(c.Applied)
	}
	r.becomeFollower(r.Term, None)
	return r
}

func (r *Raft) loadState(hs pb.HardState) {
	if hs.Commit < r.RaftLog.committed || hs.Commit > r.RaftLog.LastIndex() {
		log.Panicf("%x hardstate commit %d is out of range [%d, %d]",
			r.id, hs.Commit, r.RaftLog.committed, r.RaftLog.LastIndex())
	}
	r.RaftLog.committed = hs.Commit
	r.Term = hs.Term
	r.Vote = hs.Vote
}

func (r *Raft) softState() *SoftState {
	return &SoftState{Lead: r.Lead, RaftState: r.State}
}

func (r *Raft) hardState() pb.HardState {
	return pb.HardState{
		Term:   r.Term,
		Vote:   r.Vote,
		Commit: r.RaftLog.committed,
	}
}

func (r *Raft) send(m pb.Message) {
	m.From = r.id
	if m.Term == 0 {
		m.Term = r.Term
	}
	r.msgs = append(r.msgs, m)
}

// sendAppend sends an append RPC with new entries (if any) and the
// current commit index to the given peer. Falls back to a snapshot
// when the needed entries have been compacted.
func (r *Raft) sendAppend(to uint64) bool {
	pr := r.Prs[to]
	term, errt := r.RaftLog.Term(pr.Next - 1)
	ents, erre := r.RaftLog.entriesFrom(pr.Next)
	if errt != nil || erre != nil {
		r.sendSnapshot(to)
		return false
	}
	r.send(pb.Message{
		MsgType: pb.MessageType_MsgAppend,
		To:      to,
		Index:   pr.Next - 1,
		LogTerm: term,
		Entries: entryPointers(ents),
		Commit:  r.RaftLog.committed,
	})
	return true
}

func (r *Raft) sendSnapshot(to uint64) {
	snapshot, err := r.RaftLog.snapshot()
	if err != nil {
		if err == ErrSnapshotTemporarilyUnavailable {
			log.Debugf("%x failed to send snapshot to %x because snapshot is temporarily unavailable", r.id, to)
			return
		}
		panic(err)
	}
	if IsEmptySnap(&snapshot) {
		panic("need non-empty snapshot")
	}
	r.send(pb.Message{
		MsgType:  pb.MessageType_MsgSnapshot,
		To:       to,
		Snapshot: &snapshot,
	})
	r.Prs[to].Next = snapshot.Metadata.Index + 1
	log.Infof("%x sent snapshot[index: %d, term: %d] to %x",
		r.id, snapshot.Metadata.Index, snapshot.Metadata.Term, to)
}

func (r *Raft) sendHeartbeat(to uint64) {
	// Attach the commit as min(to.matched, r.committed). A peer that is
	// behind must not learn a commit index past its own log.
	commit := min(r.Prs[to].Match, r.RaftLog.committed)
	r.send(pb.Message{
		MsgType: pb.MessageType_MsgHeartbeat,
		To:      to,
		Commit:  commit,
	})
}

func (r *Raft) bcastAppend() {
	for id := range r.Prs {
		if id == r.id {
			continue
		}
		r.sendAppend(id)
	}
}

func (r *Raft) bcastHeartbeat() {
	for id := range r.Prs {
		if id == r.id {
			continue
		}
		r.sendHeartbeat(id)
	}
}

func (r *Raft) tick() {
	switch r.State {
	case StateFollower, StateCandidate:
		r.tickElection()
	case StateLeader:
		r.tickHeartbeat()
	}
}

func (r *Raft) tickElection() {
	r.electionElapsed++
	if r.electionElapsed >= r.randomizedElectionTimeout && r.promotable() {
		r.electionElapsed = 0
		r.Step(pb.Message{MsgType: pb.MessageType_MsgHup})
	}
}

func (r *Raft) tickHeartbeat() {
	r.heartbeatElapsed++
	r.electionElapsed++

	if r.electionElapsed >= r.electionTimeout {
		r.electionElapsed = 0
		// A leadership transfer that does not finish within an election
		// timeout is abandoned so proposals can resume.
		if r.leadTransferee != None {
			r.abortLeaderTransfer()
		}
	}

	if r.heartbeatElapsed >= r.heartbeatTimeout {
		r.heartbeatElapsed = 0
		r.Step(pb.Message{MsgType: pb.MessageType_MsgBeat})
	}
}

// promotable indicates whether this node may start an election: it must
// be a voter and not be waiting on an unapplied snapshot.
func (r *Raft) promotable() bool {
	_, ok := r.Prs[r.id]
	return ok && !r.RaftLog.hasPendingSnapshot()
}

func (r *Raft) reset(term uint64) {
	if r.Term != term {
		r.Term = term
		r.Vote = None
	}
	r.Lead = None
	r.electionElapsed = 0
	r.heartbeatElapsed = 0
	r.resetRandomizedElectionTimeout()
	r.abortLeaderTransfer()
	r.votes = make(map[uint64]bool)
	for id := range r.Prs {
		r.Prs[id] = &Progress{Next: r.RaftLog.LastIndex() + 1}
		if id == r.id {
			r.Prs[id].Match = r.RaftLog.LastIndex()
		}
	}
	r.PendingConfIndex = 0
}

func (r *Raft) resetRandomizedElectionTimeout() {
	r.randomizedElectionTimeout = r.electionTimeout + rand.Intn(r.electionTimeout)
}

func (r *Raft) becomeFollower(term uint64, lead uint64) {
	r.reset(term)
	r.State = StateFollower
	r.Lead = lead
	log.Debugf("%x became follower at term %d", r.id, r.Term)
}

func (r *Raft) becomeCandidate() {
	if r.State == StateLeader {
		panic("invalid transition [leader -> candidate]")
	}
	r.reset(r.Term + 1)
	r.State = StateCandidate
	r.Vote = r.id
	r.votes[r.id] = true
	log.Debugf("%x became candidate at term %d", r.id, r.Term)
}

func (r *Raft) becomeLeader() {
	if r.State == StateFollower {
		panic("invalid transition [follower -> leader]")
	}
	r.reset(r.Term)
	r.State = StateLeader
	r.Lead = r.id

	// Uncommitted conf change entries from a previous term block new
	// conf change proposals until applied.
	ents, err := r.RaftLog.slice(r.RaftLog.committed+1, r.RaftLog.LastIndex()+1)
	if err != nil {
		log.Panicf("unexpected error getting uncommitted entries (%v)", err)
	}
	for i := range ents {
		if ents[i].EntryType == pb.EntryType_EntryConfChange {
			r.PendingConfIndex = ents[i].Index
		}
	}

	r.appendEntry(pb.Entry{Data: nil})
	log.Infof("%x became leader at term %d", r.id, r.Term)
}

func (r *Raft) appendEntry(es ...pb.Entry) {
	li := r.RaftLog.LastIndex()
	for i := range es {
		es[i].Term = r.Term
		es[i].Index = li + 1 + uint64(i)
	}
	r.RaftLog.append(es...)
	r.Prs[r.id].Match = r.RaftLog.LastIndex()
	r.Prs[r.id].Next = r.Prs[r.id].Match + 1
	r.maybeCommit()
}

// maybeCommit advances the commit index to the highest index replicated
// on a quorum, provided the entry there is from the current term.
func (r *Raft) maybeCommit() bool {
	matches := make([]uint64, 0, len(r.Prs))
	for _, pr := range r.Prs {
		matches = append(matches, pr.Match)
	}
	sort.Sort(sort.Reverse(uint64Slice(matches)))
	mci := matches[len(matches)/2]
	if mci > r.RaftLog.committed && r.RaftLog.matchTerm(mci, r.Term) {
		r.RaftLog.commitTo(mci)
		return true
	}
	return false
}

// Step is the entrance of message handling.
func (r *Raft) Step(m pb.Message) error {
	switch {
	case m.Term == 0:
		// local message
	case m.Term > r.Term:
		lead := m.From
		if m.MsgType == pb.MessageType_MsgRequestVote {
			lead = None
		}
		log.Debugf("%x [term: %d] received a %s message with higher term from %x [term: %d]",
			r.id, r.Term, m.MsgType, m.From, m.Term)
		r.becomeFollower(m.Term, lead)
	case m.Term < r.Term:
		// A reply lets the stale sender discover the new term.
		switch m.MsgType {
		case pb.MessageType_MsgRequestVote:
			r.send(pb.Message{MsgType: pb.MessageType_MsgRequestVoteResponse, To: m.From, Reject: true})
		case pb.MessageType_MsgHeartbeat:
			r.send(pb.Message{MsgType: pb.MessageType_MsgHeartbeatResponse, To: m.From})
		case pb.MessageType_MsgAppend:
			r.send(pb.Message{MsgType: pb.MessageType_MsgAppendResponse, To: m.From})
		}
		return nil
	}

	switch m.MsgType {
	case pb.MessageType_MsgHup:
		if r.State != StateLeader {
			r.campaign()
		}
	case pb.MessageType_MsgRequestVote:
		r.handleRequestVote(m)
	default:
		switch r.State {
		case StateFollower:
			return r.stepFollower(m)
		case StateCandidate:
			return r.stepCandidate(m)
		case StateLeader:
			return r.stepLeader(m)
		}
	}
	return nil
}

func (r *Raft) campaign() {
	if !r.promotable() {
		log.Warnf("%x is unpromotable and can not campaign", r.id)
		return
	}
	r.becomeCandidate()
	if r.quorum() == 1 {
		r.becomeLeader()
		return
	}
	for id := range r.Prs {
		if id == r.id {
			continue
		}
		r.send(pb.Message{
			MsgType: pb.MessageType_MsgRequestVote,
			To:      id,
			Index:   r.RaftLog.LastIndex(),
			LogTerm: r.RaftLog.LastTerm(),
		})
	}
}

func (r *Raft) handleRequestVote(m pb.Message) {
	canVote := (r.Vote == m.From || (r.Vote == None && r.Lead == None)) &&
		r.RaftLog.isUpToDate(m.Index, m.LogTerm)
	if canVote {
		r.Vote = m.From
		r.electionElapsed = 0
	}
	r.send(pb.Message{
		MsgType: pb.MessageType_MsgRequestVoteResponse,
		To:      m.From,
		Reject:  !canVote,
	})
}

func (r *Raft) quorum() int {
	return len(r.Prs)/2 + 1
}

func (r *Raft) poll(id uint64, granted bool) (granting int) {
	r.votes[id] = granted
	for _, g := range r.votes {
		if g {
			granting++
		}
	}
	return granting
}

func (r *Raft) stepFollower(m pb.Message) error {
	switch m.MsgType {
	case pb.MessageType_MsgPropose:
		if r.Lead == None {
			return ErrProposalDropped
		}
		m.To = r.Lead
		r.send(m)
	case pb.MessageType_MsgAppend:
		r.electionElapsed = 0
		r.Lead = m.From
		r.handleAppendEntries(m)
	case pb.MessageType_MsgHeartbeat:
		r.electionElapsed = 0
		r.Lead = m.From
		r.handleHeartbeat(m)
	case pb.MessageType_MsgSnapshot:
		r.electionElapsed = 0
		r.Lead = m.From
		r.handleSnapshot(m)
	case pb.MessageType_MsgTransferLeader:
		if r.Lead == None {
			log.Infof("%x no leader at term %d; dropping leader transfer msg", r.id, r.Term)
			return nil
		}
		m.To = r.Lead
		r.send(m)
	case pb.MessageType_MsgTimeoutNow:
		if r.promotable() {
			log.Infof("%x [term %d] received MsgTimeoutNow from %x and starts an election to get leadership",
				r.id, r.Term, m.From)
			r.campaign()
		}
	}
	return nil
}

func (r *Raft) stepCandidate(m pb.Message) error {
	switch m.MsgType {
	case pb.MessageType_MsgPropose:
		return ErrProposalDropped
	case pb.MessageType_MsgAppend:
		r.becomeFollower(m.Term, m.From)
		r.handleAppendEntries(m)
	case pb.MessageType_MsgHeartbeat:
		r.becomeFollower(m.Term, m.From)
		r.handleHeartbeat(m)
	case pb.MessageType_MsgSnapshot:
		r.becomeFollower(m.Term, m.From)
		r.handleSnapshot(m)
	case pb.MessageType_MsgRequestVoteResponse:
		granted := r.poll(m.From, !m.Reject)
		if granted >= r.quorum() {
			r.becomeLeader()
			r.bcastAppend()
		} else if len(r.votes)-granted >= r.quorum() {
			r.becomeFollower(r.Term, None)
		}
	case pb.MessageType_MsgTransferLeader:
		log.Debugf("%x no leader at term %d; dropping leader transfer msg", r.id, r.Term)
	}
	return nil
}

func (r *Raft) stepLeader(m pb.Message) error {
	switch m.MsgType {
	case pb.MessageType_MsgBeat:
		r.bcastHeartbeat()
	case pb.MessageType_MsgPropose:
		if len(m.Entries) == 0 {
			log.Panicf("%x stepped empty MsgPropose", r.id)
		}
		if r.leadTransferee != None {
			log.Debugf("%x [term %d] transfer leadership to %x is in progress; dropping proposal",
				r.id, r.Term, r.leadTransferee)
			return ErrProposalDropped
		}
		ents := entryValues(m.Entries)
		for i := range ents {
			if ents[i].EntryType == pb.EntryType_EntryConfChange {
				if r.PendingConfIndex > r.RaftLog.applied {
					// An unapplied conf change is in flight; demote
					// this one to a no-op.
					ents[i] = pb.Entry{EntryType: pb.EntryType_EntryNormal}
				} else {
					r.PendingConfIndex = r.RaftLog.LastIndex() + uint64(i) + 1
				}
			}
		}
		r.appendEntry(ents...)
		r.bcastAppend()
	case pb.MessageType_MsgAppendResponse:
		r.handleAppendResponse(m)
	case pb.MessageType_MsgHeartbeatResponse:
		if r.Prs[m.From] != nil && r.Prs[m.From].Match < r.RaftLog.LastIndex() {
			r.sendAppend(m.From)
		}
	case pb.MessageType_MsgTransferLeader:
		r.handleTransferLeader(m)
	}
	return nil
}

func (r *Raft) handleAppendResponse(m pb.Message) {
	pr := r.Prs[m.From]
	if pr == nil {
		log.Debugf("%x no progress available for %x", r.id, m.From)
		return
	}
	if m.Reject {
		log.Debugf("%x received MsgAppendResponse(rejected, index: %d) from %x",
			r.id, m.Index, m.From)
		// The follower's log diverges before Next-1; back off and retry.
		if pr.Next > 1 {
			pr.Next--
		}
		if m.Index+1 < pr.Next {
			pr.Next = m.Index + 1
		}
		r.sendAppend(m.From)
		return
	}
	if m.Index <= pr.Match {
		return
	}
	pr.Match = m.Index
	pr.Next = m.Index + 1
	if r.maybeCommit() {
		r.bcastAppend()
	}
	if m.From == r.leadTransferee && pr.Match == r.RaftLog.LastIndex() {
		log.Infof("%x sent MsgTimeoutNow to %x after received MsgAppendResponse", r.id, m.From)
		r.sendTimeoutNow(m.From)
	}
}

func (r *Raft) handleTransferLeader(m pb.Message) {
	transferee := m.From
	if _, ok := r.Prs[transferee]; !ok {
		log.Debugf("%x ignored transferring leadership to unknown peer %x", r.id, transferee)
		return
	}
	if transferee == r.id {
		log.Debugf("%x is already leader; ignored transferring leadership to self", r.id)
		return
	}
	if r.leadTransferee == transferee {
		return
	}
	r.abortLeaderTransfer()
	r.leadTransferee = transferee
	r.electionElapsed = 0
	log.Infof("%x [term %d] starts to transfer leadership to %x", r.id, r.Term, transferee)
	if r.Prs[transferee].Match == r.RaftLog.LastIndex() {
		r.sendTimeoutNow(transferee)
	} else {
		r.sendAppend(transferee)
	}
}

func (r *Raft) sendTimeoutNow(to uint64) {
	r.send(pb.Message{MsgType: pb.MessageType_MsgTimeoutNow, To: to})
}

func (r *Raft) abortLeaderTransfer() {
	r.leadTransferee = None
}

// handleAppendEntries handles an append RPC from the leader.
func (r *Raft) handleAppendEntries(m pb.Message) {
	if m.Index < r.RaftLog.committed {
		r.send(pb.Message{
			MsgType: pb.MessageType_MsgAppendResponse,
			To:      m.From,
			Index:   r.RaftLog.committed,
		})
		return
	}
	if lastnewi, ok := r.RaftLog.maybeAppend(m.Index, m.LogTerm, m.Commit, entryValues(m.Entries)...); ok {
		r.send(pb.Message{
			MsgType: pb.MessageType_MsgAppendResponse,
			To:      m.From,
			Index:   lastnewi,
		})
		return
	}
	// The probed index may lie beyond the end of this log, in which case
	// there is no local term to report.
	localTerm, _ := r.RaftLog.Term(m.Index)
	log.Debugf("%x [logterm: %d, index: %d] rejected MsgAppend [logterm: %d, index: %d] from %x",
		r.id, localTerm, m.Index, m.LogTerm, m.Index, m.From)
	r.send(pb.Message{
		MsgType: pb.MessageType_MsgAppendResponse,
		To:      m.From,
		Index:   min(m.Index, r.RaftLog.LastIndex()),
		Reject:  true,
	})
}

// handleHeartbeat handles a heartbeat RPC from the leader.
func (r *Raft) handleHeartbeat(m pb.Message) {
	r.RaftLog.commitTo(m.Commit)
	r.send(pb.Message{MsgType: pb.MessageType_MsgHeartbeatResponse, To: m.From})
}

// handleSnapshot replaces the local log with an incoming snapshot.
func (r *Raft) handleSnapshot(m pb.Message) {
	meta := m.Snapshot.Metadata
	if meta.Index <= r.RaftLog.committed {
		r.send(pb.Message{
			MsgType: pb.MessageType_MsgAppendResponse,
			To:      m.From,
			Index:   r.RaftLog.committed,
		})
		return
	}
	log.Infof("%x [commit: %d] restoring snapshot [index: %d, term: %d]",
		r.id, r.RaftLog.committed, meta.Index, meta.Term)
	r.RaftLog.restore(m.Snapshot)
	r.Prs = make(map[uint64]*Progress)
	for _, id := range meta.ConfState.Nodes {
		r.Prs[id] = &Progress{Next: r.RaftLog.LastIndex() + 1}
	}
	r.send(pb.Message{
		MsgType: pb.MessageType_MsgAppendResponse,
		To:      m.From,
		Index:   r.RaftLog.LastIndex(),
	})
}

// addNode adds a new node to the raft group.
func (r *Raft) addNode(id uint64) {
	if _, ok := r.Prs[id]; ok {
		return
	}
	r.Prs[id] = &Progress{Next: r.RaftLog.LastIndex() + 1}
}

// removeNode removes a node from the raft group.
func (r *Raft) removeNode(id uint64) {
	if _, ok := r.Prs[id]; !ok {
		return
	}
	delete(r.Prs, id)
	if id == r.leadTransferee {
		r.abortLeaderTransfer()
	}
	// The quorum shrank; pending entries may now be committed.
	if r.State == StateLeader && len(r.Prs) > 0 {
		if r.maybeCommit() {
			r.bcastAppend()
		}
	}
}

type uint64Slice []uint64

func (p uint64Slice) Len() int           { return len(p) }
func (p uint64Slice) Less(i, j int) bool { return p[i] < p[j] }
func (p uint64Slice) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
