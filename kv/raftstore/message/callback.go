package message

import (
	"time"

	"github.com/Connor1996/badger"
	"github.com/pingcap/kvproto/pkg/raft_cmdpb"
)

// Callback carries the response of a proposed raft command back to the
// proposer once it has been applied.
type Callback struct {
	Resp *raft_cmdpb.RaftCmdResponse
	Txn  *badger.Txn // set for snapshot (read) commands
	done chan struct{}
}

func (cb *Callback) Done(resp *raft_cmdpb.RaftCmdResponse) {
	if cb == nil {
		return
	}
	if resp != nil {
		cb.Resp = resp
	}
	cb.done <- struct{}{}
}

func (cb *Callback) WaitResp() *raft_cmdpb.RaftCmdResponse {
	<-cb.done
	return cb.Resp
}

func (cb *Callback) WaitRespWithTimeout(timeout time.Duration) *raft_cmdpb.RaftCmdResponse {
	select {
	case <-cb.done:
		return cb.Resp
	case <-time.After(timeout):
		return cb.Resp
	}
}

func NewCallback() *Callback {
	return &Callback{done: make(chan struct{}, 1)}
}
