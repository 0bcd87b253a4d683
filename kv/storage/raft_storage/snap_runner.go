package raft_storage

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/pingcap/errors"
	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/pingcap/kvproto/pkg/tikvpb"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/rangekv/rangekv/kv/config"
	"github.com/rangekv/rangekv/kv/raftstore/message"
	"github.com/rangekv/rangekv/kv/raftstore/snap"
	"github.com/rangekv/rangekv/kv/util/worker"
	"github.com/rangekv/rangekv/log"
)

const snapChunkLen = 1024 * 1024

type sendSnapTask struct {
	addr     string
	msg      *rspb.RaftMessage
	callback func(error)
}

type recvSnapTask struct {
	stream   tikvpb.Tikv_SnapshotServer
	callback func(error)
}

// snapRunner streams snapshot files between stores, outside the normal raft
// message channel, in fixed-size chunks behind a shared rate limiter.
type snapRunner struct {
	config      *config.Config
	snapManager *snap.SnapManager
	router      message.RaftRouter
	sendLimiter *rate.Limiter
}

func newSnapRunner(snapManager *snap.SnapManager, config *config.Config, router message.RaftRouter) *snapRunner {
	limit := rate.Inf
	if config.SnapIORateLimit > 0 {
		limit = rate.Limit(config.SnapIORateLimit)
	}
	return &snapRunner{
		config:      config,
		snapManager: snapManager,
		router:      router,
		sendLimiter: rate.NewLimiter(limit, snapChunkLen),
	}
}

func (r *snapRunner) Handle(t worker.Task) {
	switch task := t.(type) {
	case *sendSnapTask:
		task.callback(r.sendSnap(task.addr, task.msg))
	case *recvSnapTask:
		msg, err := r.recvSnap(task.stream)
		if err == nil {
			r.router.SendRaftMessage(msg)
		}
		task.callback(err)
	}
}

func (r *snapRunner) sendSnap(addr string, msg *rspb.RaftMessage) error {
	start := time.Now()
	snapKey, err := snap.SnapKeyFromSnap(msg.GetMessage().GetSnapshot())
	if err != nil {
		return err
	}

	r.snapManager.Register(snapKey, snap.SnapEntrySending)
	defer r.snapManager.Deregister(snapKey, snap.SnapEntrySending)

	snapshot, err := r.snapManager.GetSnapshotForSending(snapKey)
	if err != nil {
		return err
	}
	if !snapshot.Exists() {
		return errors.Errorf("missing snap file: %v", snapshot.Path())
	}

	cc, err := grpc.Dial(addr, grpc.WithInsecure(),
		grpc.WithInitialWindowSize(2*1024*1024),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    3 * time.Second,
			Timeout: 60 * time.Second,
		}))
	if err != nil {
		return err
	}
	defer cc.Close()
	stream, err := tikvpb.NewTikvClient(cc).Snapshot(context.TODO())
	if err != nil {
		return err
	}
	// The first chunk carries the raft message, the rest carry file data.
	if err := stream.Send(&rspb.SnapshotChunk{Message: msg}); err != nil {
		return err
	}

	buf := make([]byte, snapChunkLen)
	for remain := snapshot.TotalSize(); remain > 0; remain -= uint64(len(buf)) {
		if remain < uint64(len(buf)) {
			buf = buf[:remain]
		}
		if _, err := io.ReadFull(snapshot, buf); err != nil {
			return errors.Errorf("failed to read snapshot chunk: %v", err)
		}
		if err := r.sendLimiter.WaitN(context.TODO(), len(buf)); err != nil {
			return err
		}
		if err := stream.Send(&rspb.SnapshotChunk{Data: buf}); err != nil {
			return err
		}
	}
	if _, err := stream.CloseAndRecv(); err != nil {
		return err
	}

	log.Infof("sent snapshot. regionID: %v, snapKey: %v, size: %v, duration: %s",
		snapKey.RegionID, snapKey, snapshot.TotalSize(), time.Since(start))
	return nil
}

func (r *snapRunner) recvSnap(stream tikvpb.Tikv_SnapshotServer) (*rspb.RaftMessage, error) {
	head, err := stream.Recv()
	if err != nil {
		return nil, err
	}
	raftMsg := head.GetMessage()
	if raftMsg == nil {
		return nil, errors.New("no raft message in the first chunk")
	}
	snapKey, err := snap.SnapKeyFromSnap(raftMsg.GetMessage().GetSnapshot())
	if err != nil {
		return nil, errors.Errorf("failed to create snap key: %v", err)
	}

	data := raftMsg.GetMessage().GetSnapshot().GetData()
	snapshot, err := r.snapManager.GetSnapshotForReceiving(snapKey, data)
	if err != nil {
		return nil, errors.Errorf("%v failed to create snapshot file: %v", snapKey, err)
	}
	if snapshot.Exists() {
		log.Infof("snapshot file already exists, skip receiving. snapKey: %v, file: %v", snapKey, snapshot.Path())
		stream.SendAndClose(&rspb.Done{})
		return raftMsg, nil
	}
	r.snapManager.Register(snapKey, snap.SnapEntryReceiving)
	defer r.snapManager.Deregister(snapKey, snap.SnapEntryReceiving)

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(chunk.GetData()) == 0 {
			return nil, errors.Errorf("%v receive chunk with empty data", snapKey)
		}
		if _, err := bytes.NewReader(chunk.GetData()).WriteTo(snapshot); err != nil {
			return nil, errors.Errorf("%v failed to write snapshot file %v: %v", snapKey, snapshot.Path(), err)
		}
	}

	if err := snapshot.Save(); err != nil {
		return nil, err
	}

	stream.SendAndClose(&rspb.Done{})
	return raftMsg, nil
}
