// Copyright 2017 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler_client

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/pingcap/kvproto/pkg/pdpb"
	"google.golang.org/grpc"

	"github.com/rangekv/rangekv/log"
)

// Client is a scheduler client.
// It should not be used after calling Close().
type Client interface {
	GetClusterID(ctx context.Context) uint64
	AllocID(ctx context.Context) (uint64, error)
	Bootstrap(ctx context.Context, store *metapb.Store, region *metapb.Region) (*pdpb.BootstrapResponse, error)
	IsBootstrapped(ctx context.Context) (bool, error)
	PutStore(ctx context.Context, store *metapb.Store) error
	GetStore(ctx context.Context, storeID uint64) (*metapb.Store, error)
	GetRegion(ctx context.Context, key []byte) (*metapb.Region, *metapb.Peer, error)
	GetRegionByID(ctx context.Context, regionID uint64) (*metapb.Region, *metapb.Peer, error)
	AskSplit(ctx context.Context, region *metapb.Region) (*pdpb.AskSplitResponse, error)
	StoreHeartbeat(ctx context.Context, stats *pdpb.StoreStats) error
	RegionHeartbeat(*pdpb.RegionHeartbeatRequest) error
	SetRegionHeartbeatResponseHandler(storeID uint64, h func(*pdpb.RegionHeartbeatResponse))
	Close()
}

const (
	schedulerTimeout = time.Second
	retryInterval    = time.Second
	maxRetryCount    = 10
)

type client struct {
	endpoints []string
	clusterID uint64
	tag       string

	connMu struct {
		sync.RWMutex
		conns      map[string]*grpc.ClientConn
		leaderAddr string
	}
	leaderCheckCh chan struct{}

	heartbeatCh chan *pdpb.RegionHeartbeatRequest
	// unsent holds a heartbeat that hit a broken stream so the next
	// stream delivers it first.
	unsent *pdpb.RegionHeartbeatRequest

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	heartbeatHandler atomic.Value
}

// NewClient creates a scheduler client talking to any of the given
// endpoints. It resolves the current leader before returning.
func NewClient(addrs []string, tag string) (Client, error) {
	endpoints := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if !strings.Contains(addr, "://") {
			addr = "http://" + addr
		}
		endpoints = append(endpoints, addr)
	}
	log.Infof("[%s][scheduler] create scheduler client with endpoints %v", tag, endpoints)

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		endpoints:     endpoints,
		leaderCheckCh: make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		tag:           tag,
		heartbeatCh:   make(chan *pdpb.RegionHeartbeatRequest, 64),
	}
	c.connMu.conns = make(map[string]*grpc.ClientConn)

	var (
		members *pdpb.GetMembersResponse
		err     error
	)
	for attempt := 0; attempt < maxRetryCount; attempt++ {
		if members, err = c.updateLeader(); err == nil {
			break
		}
		time.Sleep(retryInterval)
	}
	if err != nil {
		return nil, err
	}

	c.clusterID = members.GetHeader().GetClusterId()
	log.Infof("[%s][scheduler] init cluster id %v", tag, c.clusterID)
	c.wg.Add(2)
	go c.leaderCheckLoop()
	go c.heartbeatStreamLoop()

	return c, nil
}

func (c *client) requestLeaderCheck() {
	select {
	case c.leaderCheckCh <- struct{}{}:
	default:
	}
}

func (c *client) leaderCheckLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.leaderCheckCh:
		case <-ticker.C:
		}
		if _, err := c.updateLeader(); err != nil {
			log.Errorf("[scheduler] failed updateLeader, err: %s", err)
		}
	}
}

func (c *client) updateLeader() (*pdpb.GetMembersResponse, error) {
	for _, endpoint := range c.endpoints {
		ctx, cancel := context.WithTimeout(c.ctx, schedulerTimeout)
		members, err := c.getMembers(ctx, endpoint)
		cancel()
		leader := members.GetLeader()
		if err != nil || leader == nil || len(leader.GetClientUrls()) == 0 {
			select {
			case <-c.ctx.Done():
				return nil, err
			default:
			}
			continue
		}

		c.refreshEndpoints(members.GetMembers(), leader)
		return members, c.switchLeader(leader.GetClientUrls())
	}
	return nil, errors.Errorf("failed to get leader from %v", c.endpoints)
}

// refreshEndpoints rebuilds the endpoint list with the leader's URLs last,
// so updateLeader still tries the followers when the leader is down.
func (c *client) refreshEndpoints(members []*pdpb.Member, leader *pdpb.Member) {
	endpoints := make([]string, 0, len(members))
	for _, m := range members {
		if m.GetMemberId() == leader.GetMemberId() {
			continue
		}
		endpoints = append(endpoints, m.GetClientUrls()...)
	}
	c.endpoints = append(endpoints, leader.GetClientUrls()...)
}

func (c *client) switchLeader(addrs []string) error {
	addr := addrs[0]

	c.connMu.RLock()
	prev := c.connMu.leaderAddr
	c.connMu.RUnlock()
	if addr == prev {
		return nil
	}

	log.Infof("[scheduler] switch leader, new-leader: %s, old-leader: %s", addr, prev)
	if _, err := c.getOrCreateConn(addr); err != nil {
		return err
	}

	c.connMu.Lock()
	c.connMu.leaderAddr = addr
	c.connMu.Unlock()
	return nil
}

func (c *client) getMembers(ctx context.Context, endpoint string) (*pdpb.GetMembersResponse, error) {
	cc, err := c.getOrCreateConn(endpoint)
	if err != nil {
		return nil, err
	}
	return pdpb.NewPDClient(cc).GetMembers(ctx, new(pdpb.GetMembersRequest))
}

func (c *client) getOrCreateConn(addr string) (*grpc.ClientConn, error) {
	c.connMu.RLock()
	conn, ok := c.connMu.conns[addr]
	c.connMu.RUnlock()
	if ok {
		return conn, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	cc, err := grpc.Dial(u.Host, grpc.WithInsecure())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	// Another goroutine may have raced us here.
	if existing, ok := c.connMu.conns[addr]; ok {
		cc.Close()
		return existing, nil
	}
	c.connMu.conns[addr] = cc
	return cc, nil
}

func (c *client) leaderClient() pdpb.PDClient {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return pdpb.NewPDClient(c.connMu.conns[c.connMu.leaderAddr])
}

// doRequest runs f against the current leader, retrying with a leader
// refresh between attempts.
func (c *client) doRequest(ctx context.Context, f func(context.Context, pdpb.PDClient) error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetryCount; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, schedulerTimeout)
		lastErr = f(reqCtx, c.leaderClient())
		cancel()
		if lastErr == nil {
			return nil
		}

		c.requestLeaderCheck()
		select {
		case <-time.After(retryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Errorf("failed too many times: %v", lastErr)
}

func (c *client) heartbeatStreamLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		streamCtx, cancel := context.WithCancel(c.ctx)
		c.connMu.RLock()
		stream, err := c.leaderClient().RegionHeartbeat(streamCtx)
		c.connMu.RUnlock()
		if err != nil {
			cancel()
			c.requestLeaderCheck()
			time.Sleep(retryInterval)
			continue
		}

		errCh := make(chan error, 1)
		streamWG := &sync.WaitGroup{}
		streamWG.Add(2)
		go c.sendHeartbeats(streamCtx, stream, errCh, streamWG)
		go c.receiveHeartbeats(stream, errCh, streamWG)

		select {
		case err := <-errCh:
			log.Warnf("[%s][scheduler] heartbeat stream get error: %s", c.tag, err)
			cancel()
			c.requestLeaderCheck()
			time.Sleep(retryInterval)
			streamWG.Wait()
		case <-c.ctx.Done():
			log.Info("cancel heartbeat stream loop")
			cancel()
			return
		}
	}
}

func (c *client) receiveHeartbeats(stream pdpb.PD_RegionHeartbeatClient, errCh chan error, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		resp, err := stream.Recv()
		if err != nil {
			errCh <- err
			return
		}
		if h := c.heartbeatHandler.Load(); h != nil {
			h.(func(*pdpb.RegionHeartbeatResponse))(resp)
		}
	}
}

func (c *client) sendHeartbeats(ctx context.Context, stream pdpb.PD_RegionHeartbeatClient, errCh chan error, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		req, ok := c.nextHeartbeat(ctx)
		if !ok {
			return
		}

		req.Header = c.requestHeader()
		if err := stream.Send(req); err != nil {
			c.unsent = req
			errCh <- err
			return
		}
	}
}

func (c *client) nextHeartbeat(ctx context.Context) (*pdpb.RegionHeartbeatRequest, bool) {
	if req := c.unsent; req != nil {
		c.unsent = nil
		return req, true
	}

	select {
	case <-ctx.Done():
		return nil, false
	case req, ok := <-c.heartbeatCh:
		return req, ok
	}
}

func (c *client) Close() {
	c.cancel()
	c.wg.Wait()
	c.connMu.Lock()
	defer c.connMu.Unlock()
	for _, cc := range c.connMu.conns {
		cc.Close()
	}
}

func (c *client) GetClusterID(context.Context) uint64 {
	return c.clusterID
}

// headerError converts a scheduler response header error into a Go error.
func headerError(header *pdpb.ResponseHeader) error {
	if respErr := header.GetError(); respErr != nil {
		return errors.New(respErr.String())
	}
	return nil
}

func (c *client) AllocID(ctx context.Context) (uint64, error) {
	var resp *pdpb.AllocIDResponse
	err := c.doRequest(ctx, func(ctx context.Context, cli pdpb.PDClient) error {
		var rpcErr error
		resp, rpcErr = cli.AllocID(ctx, &pdpb.AllocIDRequest{Header: c.requestHeader()})
		return rpcErr
	})
	if err != nil {
		return 0, err
	}
	return resp.GetId(), nil
}

func (c *client) Bootstrap(ctx context.Context, store *metapb.Store, region *metapb.Region) (resp *pdpb.BootstrapResponse, err error) {
	err = c.doRequest(ctx, func(ctx context.Context, cli pdpb.PDClient) error {
		var rpcErr error
		resp, rpcErr = cli.Bootstrap(ctx, &pdpb.BootstrapRequest{
			Header: c.requestHeader(),
			Store:  store,
			Region: region,
		})
		return rpcErr
	})
	return resp, err
}

func (c *client) IsBootstrapped(ctx context.Context) (bool, error) {
	var resp *pdpb.IsBootstrappedResponse
	err := c.doRequest(ctx, func(ctx context.Context, cli pdpb.PDClient) error {
		var rpcErr error
		resp, rpcErr = cli.IsBootstrapped(ctx, &pdpb.IsBootstrappedRequest{Header: c.requestHeader()})
		return rpcErr
	})
	if err != nil {
		return false, err
	}
	if err := headerError(resp.Header); err != nil {
		return false, err
	}
	return resp.Bootstrapped, nil
}

func (c *client) PutStore(ctx context.Context, store *metapb.Store) error {
	var resp *pdpb.PutStoreResponse
	err := c.doRequest(ctx, func(ctx context.Context, cli pdpb.PDClient) error {
		var rpcErr error
		resp, rpcErr = cli.PutStore(ctx, &pdpb.PutStoreRequest{
			Header: c.requestHeader(),
			Store:  store,
		})
		return rpcErr
	})
	if err != nil {
		return err
	}
	return headerError(resp.Header)
}

func (c *client) GetStore(ctx context.Context, storeID uint64) (*metapb.Store, error) {
	var resp *pdpb.GetStoreResponse
	err := c.doRequest(ctx, func(ctx context.Context, cli pdpb.PDClient) error {
		var rpcErr error
		resp, rpcErr = cli.GetStore(ctx, &pdpb.GetStoreRequest{
			Header:  c.requestHeader(),
			StoreId: storeID,
		})
		return rpcErr
	})
	if err != nil {
		return nil, err
	}
	if err := headerError(resp.Header); err != nil {
		return nil, err
	}
	return resp.Store, nil
}

func (c *client) GetRegion(ctx context.Context, key []byte) (*metapb.Region, *metapb.Peer, error) {
	var resp *pdpb.GetRegionResponse
	err := c.doRequest(ctx, func(ctx context.Context, cli pdpb.PDClient) error {
		var rpcErr error
		resp, rpcErr = cli.GetRegion(ctx, &pdpb.GetRegionRequest{
			Header:    c.requestHeader(),
			RegionKey: key,
		})
		return rpcErr
	})
	if err != nil {
		return nil, nil, err
	}
	if err := headerError(resp.Header); err != nil {
		return nil, nil, err
	}
	return resp.Region, resp.Leader, nil
}

func (c *client) GetRegionByID(ctx context.Context, regionID uint64) (*metapb.Region, *metapb.Peer, error) {
	var resp *pdpb.GetRegionResponse
	err := c.doRequest(ctx, func(ctx context.Context, cli pdpb.PDClient) error {
		var rpcErr error
		resp, rpcErr = cli.GetRegionByID(ctx, &pdpb.GetRegionByIDRequest{
			Header:   c.requestHeader(),
			RegionId: regionID,
		})
		return rpcErr
	})
	if err != nil {
		return nil, nil, err
	}
	if err := headerError(resp.Header); err != nil {
		return nil, nil, err
	}
	return resp.Region, resp.Leader, nil
}

func (c *client) AskSplit(ctx context.Context, region *metapb.Region) (resp *pdpb.AskSplitResponse, err error) {
	err = c.doRequest(ctx, func(ctx context.Context, cli pdpb.PDClient) error {
		var rpcErr error
		resp, rpcErr = cli.AskSplit(ctx, &pdpb.AskSplitRequest{
			Header: c.requestHeader(),
			Region: region,
		})
		return rpcErr
	})
	if err != nil {
		return nil, err
	}
	if err := headerError(resp.Header); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *client) StoreHeartbeat(ctx context.Context, stats *pdpb.StoreStats) error {
	var resp *pdpb.StoreHeartbeatResponse
	err := c.doRequest(ctx, func(ctx context.Context, cli pdpb.PDClient) error {
		var rpcErr error
		resp, rpcErr = cli.StoreHeartbeat(ctx, &pdpb.StoreHeartbeatRequest{
			Header: c.requestHeader(),
			Stats:  stats,
		})
		return rpcErr
	})
	if err != nil {
		return err
	}
	return headerError(resp.Header)
}

func (c *client) RegionHeartbeat(request *pdpb.RegionHeartbeatRequest) error {
	c.heartbeatCh <- request
	return nil
}

func (c *client) SetRegionHeartbeatResponseHandler(_ uint64, h func(*pdpb.RegionHeartbeatResponse)) {
	if h == nil {
		h = func(*pdpb.RegionHeartbeatResponse) {}
	}
	c.heartbeatHandler.Store(h)
}

func (c *client) requestHeader() *pdpb.RequestHeader {
	return &pdpb.RequestHeader{
		ClusterId: c.clusterID,
	}
}
