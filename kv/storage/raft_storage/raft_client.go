package raft_storage

import (
	"context"
	"sync"
	"time"

	rspb "github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/pingcap/kvproto/pkg/tikvpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/rangekv/rangekv/kv/config"
	"github.com/rangekv/rangekv/log"
)

// raftConn is one outgoing raft stream. Sending is serialized because grpc
// streams allow only one writer at a time.
type raftConn struct {
	sendMu sync.Mutex
	stream tikvpb.Tikv_RaftClient
	ctx    context.Context
	cancel context.CancelFunc
}

func newRaftConn(addr string, cfg *config.Config) (*raftConn, error) {
	cc, err := grpc.Dial(addr, grpc.WithInsecure(),
		grpc.WithInitialWindowSize(2*1024*1024),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                3 * time.Second,
			Timeout:             60 * time.Second,
			PermitWithoutStream: true,
		}))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := tikvpb.NewTikvClient(cc).Raft(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	return &raftConn{
		stream: stream,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (c *raftConn) Stop() {
	c.cancel()
}

func (c *raftConn) Send(msg *rspb.RaftMessage) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.Send(msg)
}

// RaftClient maintains raft streams to the other stores in the cluster.
type RaftClient struct {
	config *config.Config
	sync.RWMutex
	conns map[string]*raftConn
	addrs map[uint64]string
}

func newRaftClient(config *config.Config) *RaftClient {
	return &RaftClient{
		config: config,
		conns:  make(map[string]*raftConn),
		addrs:  make(map[uint64]string),
	}
}

func (c *RaftClient) getConn(addr string, regionID uint64) (*raftConn, error) {
	c.RLock()
	conn, ok := c.conns[addr]
	c.RUnlock()
	if ok {
		return conn, nil
	}
	fresh, err := newRaftConn(addr, c.config)
	if err != nil {
		return nil, err
	}
	c.Lock()
	defer c.Unlock()
	// Another sender may have raced us to the same address.
	if existing, ok := c.conns[addr]; ok {
		fresh.Stop()
		return existing, nil
	}
	c.conns[addr] = fresh
	return fresh, nil
}

func (c *RaftClient) Send(storeID uint64, addr string, msg *rspb.RaftMessage) error {
	conn, err := c.getConn(addr, msg.GetRegionId())
	if err != nil {
		return err
	}
	if err := conn.Send(msg); err != nil {
		// Drop the broken stream and the cached address so the next send
		// resolves the store again.
		log.Errorf("raft client failed to send to store %d", storeID)
		c.Lock()
		defer c.Unlock()
		conn.Stop()
		delete(c.conns, addr)
		if cached, ok := c.addrs[storeID]; ok && cached == addr {
			delete(c.addrs, storeID)
		}
		return err
	}
	return nil
}

func (c *RaftClient) GetAddr(storeID uint64) string {
	c.RLock()
	defer c.RUnlock()
	return c.addrs[storeID]
}

func (c *RaftClient) InsertAddr(storeID uint64, addr string) {
	c.Lock()
	defer c.Unlock()
	c.addrs[storeID] = addr
}

func (c *RaftClient) Flush() {
	// Not supported.
}
