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
	pb "github.com/pingcap/kvproto/pkg/eraftpb"

	"github.com/rangekv/rangekv/log"
)

// RaftLog manages the log entries, its struct looks like:
//
//	snapshot/first.....applied....committed....stabled.....last
//	--------|------------------------------------------------|
//	                          log entries
//
// Entries at or below the snapshot index have been compacted away;
// entries up to stabled are persisted in Storage; entries up to
// committed are known to be durable on a quorum; entries up to applied
// have been fed to the state machine.
type RaftLog struct {
	// storage contains all stable entries since the last snapshot.
	storage Storage

	// committed is the highest log position that is known to be in
	// stable storage on a quorum of nodes.
	committed uint64

	// applied is the highest log position that the application has
	// been instructed to apply to its state machine.
	// Invariant: applied <= committed
	applied uint64

	// log entries with index <= stabled are persisted to storage.
	stabled uint64

	// all entries that have not yet been compacted, entries[i] has
	// log index offset+i.
	entries []pb.Entry

	// offset is the index of entries[0]. It equals the truncated
	// (snapshot) index plus one, so it stays meaningful when entries
	// is empty.
	offset uint64

	// the incoming unstable snapshot, if any.
	pendingSnapshot *pb.Snapshot
}

// newLog returns a log restored from storage.
func newLog(storage Storage) *RaftLog {
	if storage == nil {
		log.Panicf("storage must not be nil")
	}
	firstIndex, err := storage.FirstIndex()
	if err != nil {
		panic(err)
	}
	lastIndex, err := storage.LastIndex()
	if err != nil {
		panic(err)
	}
	var entries []pb.Entry
	if firstIndex <= lastIndex {
		entries, err = storage.Entries(firstIndex, lastIndex+1)
		if err != nil {
			panic(err)
		}
	}
	return &RaftLog{
		storage:   storage,
		committed: firstIndex - 1,
		applied:   firstIndex - 1,
		stabled:   lastIndex,
		entries:   entries,
		offset:    firstIndex,
	}
}

// maybeCompact drops in-memory entries that the storage has compacted
// away, so the slice does not grow without bound.
func (l *RaftLog) maybeCompact() {
	first, err := l.storage.FirstIndex()
	if err != nil {
		panic(err)
	}
	if first <= l.offset {
		return
	}
	if len(l.entries) > 0 {
		if first > l.LastIndex() {
			l.entries = nil
		} else {
			l.entries = append([]pb.Entry{}, l.entries[first-l.offset:]...)
		}
	}
	l.offset = first
}

func (l *RaftLog) LastIndex() uint64 {
	return l.offset + uint64(len(l.entries)) - 1
}

func (l *RaftLog) LastTerm() uint64 {
	t, err := l.Term(l.LastIndex())
	if err != nil {
		log.Panicf("unexpected error getting last term: %v", err)
	}
	return t
}

// Term returns the term of the entry at index i.
func (l *RaftLog) Term(i uint64) (uint64, error) {
	if i >= l.offset && i < l.offset+uint64(len(l.entries)) {
		return l.entries[i-l.offset].Term, nil
	}
	if l.pendingSnapshot != nil && i == l.pendingSnapshot.Metadata.Index {
		return l.pendingSnapshot.Metadata.Term, nil
	}
	if i > l.LastIndex() {
		return 0, ErrUnavailable
	}
	// The term of the entry just below offset is retained by storage
	// for log matching.
	return l.storage.Term(i)
}

func (l *RaftLog) matchTerm(i, term uint64) bool {
	t, err := l.Term(i)
	if err != nil {
		return false
	}
	return t == term
}

// isUpToDate reports whether the given (lastIndex, term) log is at
// least as up-to-date as this one, per the raft election restriction.
func (l *RaftLog) isUpToDate(lasti, term uint64) bool {
	return term > l.LastTerm() || (term == l.LastTerm() && lasti >= l.LastIndex())
}

// unstableEntries returns all entries not yet persisted to storage.
func (l *RaftLog) unstableEntries() []pb.Entry {
	if l.stabled+1 < l.offset {
		log.Panicf("stabled %d below log offset %d", l.stabled, l.offset)
	}
	if l.stabled >= l.LastIndex() {
		return nil
	}
	return l.entries[l.stabled+1-l.offset:]
}

// nextEntsSince returns committed entries with index above
// max(applied, sinceIdx), ready to be handed to the state machine.
func (l *RaftLog) nextEntsSince(sinceIdx uint64) []pb.Entry {
	lo := max(l.applied, sinceIdx) + 1
	if l.committed < lo {
		return nil
	}
	ents, err := l.slice(lo, l.committed+1)
	if err != nil {
		log.Panicf("unexpected error getting committed entries: %v", err)
	}
	return ents
}

func (l *RaftLog) hasNextEntsSince(sinceIdx uint64) bool {
	return l.committed > max(l.applied, sinceIdx)
}

// nextEnts returns all committed but not yet applied entries.
func (l *RaftLog) nextEnts() []pb.Entry {
	return l.nextEntsSince(l.applied)
}

// slice returns entries in [lo, hi). All requested entries must be
// present in memory.
func (l *RaftLog) slice(lo, hi uint64) ([]pb.Entry, error) {
	if lo > hi {
		log.Panicf("invalid slice %d > %d", lo, hi)
	}
	if lo < l.offset {
		return nil, ErrCompacted
	}
	if hi > l.LastIndex()+1 {
		return nil, ErrUnavailable
	}
	if lo == hi {
		return nil, nil
	}
	return l.entries[lo-l.offset : hi-l.offset], nil
}

// entriesFrom returns entries in [i, LastIndex()].
func (l *RaftLog) entriesFrom(i uint64) ([]pb.Entry, error) {
	if i > l.LastIndex() {
		return nil, nil
	}
	return l.slice(i, l.LastIndex()+1)
}

// append adds entries to the log. The first entry must directly follow
// the current LastIndex.
func (l *RaftLog) append(ents ...pb.Entry) uint64 {
	if len(ents) == 0 {
		return l.LastIndex()
	}
	if after := ents[0].Index - 1; after < l.committed {
		log.Panicf("appending at %d below committed %d", after, l.committed)
	}
	l.entries = append(l.entries, ents...)
	return l.LastIndex()
}

// maybeAppend accepts entries from a leader append if the preceding
// (index, logTerm) matches, truncating any conflicting suffix. Returns
// the index of the last new entry and whether the append was accepted.
func (l *RaftLog) maybeAppend(index, logTerm, committed uint64, ents ...pb.Entry) (uint64, bool) {
	if !l.matchTerm(index, logTerm) {
		return 0, false
	}
	lastnewi := index + uint64(len(ents))
	ci := l.findConflict(ents)
	switch {
	case ci == 0:
		// everything already present
	case ci <= l.committed:
		log.Panicf("entry %d conflicts with committed entry [committed(%d)]", ci, l.committed)
	default:
		l.truncateAndAppend(ents[ci-index-1:])
	}
	l.commitTo(min(committed, lastnewi))
	return lastnewi, true
}

func (l *RaftLog) truncateAndAppend(ents []pb.Entry) {
	after := ents[0].Index
	if after <= l.LastIndex() {
		l.entries = append([]pb.Entry{}, l.entries[:after-l.offset]...)
		if l.stabled >= after {
			l.stabled = after - 1
		}
	}
	l.entries = append(l.entries, ents...)
}

// findConflict returns the index of the first entry whose term differs
// from the existing entry at the same index, or 0 when there is no
// conflict and no new entry.
func (l *RaftLog) findConflict(ents []pb.Entry) uint64 {
	for _, e := range ents {
		if !l.matchTerm(e.Index, e.Term) {
			if e.Index <= l.LastIndex() && e.Index > l.committed {
				log.Debugf("found conflict at index %d, existing term %d, conflicting term %d",
					e.Index, l.zeroTermOnErrCompacted(l.Term(e.Index)), e.Term)
			}
			return e.Index
		}
	}
	return 0
}

func (l *RaftLog) commitTo(tocommit uint64) {
	if l.committed >= tocommit {
		return
	}
	if l.LastIndex() < tocommit {
		log.Panicf("tocommit(%d) is out of range [lastIndex(%d)]", tocommit, l.LastIndex())
	}
	l.committed = tocommit
}

func (l *RaftLog) appliedTo(i uint64) {
	if i == 0 {
		return
	}
	if l.committed < i || i < l.applied {
		log.Panicf("applied(%d) is out of range [prevApplied(%d), committed(%d)]",
			i, l.applied, l.committed)
	}
	l.applied = i
}

func (l *RaftLog) stableTo(i uint64) {
	if i > l.stabled {
		l.stabled = i
	}
}

func (l *RaftLog) stableSnapTo(i uint64) {
	if l.pendingSnapshot != nil && l.pendingSnapshot.Metadata.Index == i {
		l.pendingSnapshot = nil
	}
}

func (l *RaftLog) hasPendingSnapshot() bool {
	return l.pendingSnapshot != nil
}

// snapshot returns the snapshot a slow follower should be sent.
func (l *RaftLog) snapshot() (pb.Snapshot, error) {
	if l.pendingSnapshot != nil {
		return *l.pendingSnapshot, nil
	}
	return l.storage.Snapshot()
}

// restore resets the log to the state of an incoming snapshot.
func (l *RaftLog) restore(s *pb.Snapshot) {
	log.Infof("log [committed=%d] starts to restore snapshot [index: %d, term: %d]",
		l.committed, s.Metadata.Index, s.Metadata.Term)
	l.committed = s.Metadata.Index
	l.applied = s.Metadata.Index
	l.stabled = s.Metadata.Index
	l.entries = nil
	l.offset = s.Metadata.Index + 1
	l.pendingSnapshot = s
}

func (l *RaftLog) zeroTermOnErrCompacted(t uint64, err error) uint64 {
	if err == nil {
		return t
	}
	if err == ErrCompacted {
		return 0
	}
	log.Panicf("unexpected error: %v", err)
	return 0
}
