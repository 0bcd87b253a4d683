package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rangekv/rangekv/log"
)

type Config struct {
	StoreAddr     string
	AdvertiseAddr string
	Raft          bool
	SchedulerAddr string
	LogLevel      string
	StatusAddr    string

	// Directory to store the data in. Should exist and be writable.
	DBPath string

	// Base tick driving all raft timers.
	RaftBaseTickInterval     time.Duration
	RaftHeartbeatTicks       int
	RaftElectionTimeoutTicks int

	// Interval to gc unnecessary raft log.
	RaftLogGCTickInterval time.Duration
	// When entry count exceeds this value, gc will be forcibly triggered.
	RaftLogGcCountLimit uint64

	// Interval to check whether a region needs to be split.
	SplitRegionCheckTickInterval time.Duration

	SchedulerHeartbeatTickInterval      time.Duration
	SchedulerStoreHeartbeatTickInterval time.Duration

	// When region [a,e) size meets RegionMaxSize, it will be split into
	// several regions [a,b), [b,c), [c,d), [d,e), where the size of [a,b),
	// [b,c), [c,d) will be RegionSplitSize (maybe a little larger).
	RegionMaxSize   uint64
	RegionSplitSize uint64

	// Bytes per second for snapshot generation and reception, 0 means no limit.
	SnapIORateLimit uint64
}

func (c *Config) Validate() error {
	if c.RaftHeartbeatTicks == 0 {
		return fmt.Errorf("heartbeat tick must greater than 0")
	}
	if c.RaftElectionTimeoutTicks <= c.RaftHeartbeatTicks {
		return fmt.Errorf("election tick must be greater than heartbeat tick")
	}
	if c.RaftElectionTimeoutTicks != 10 {
		log.Warnf("Election timeout ticks needs to be same across all the cluster, " +
			"otherwise it may lead to inconsistency.")
	}
	return nil
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

func logLevelFromEnv() string {
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		return l
	}
	return "info"
}

func NewDefaultConfig() *Config {
	return &Config{
		SchedulerAddr:            "127.0.0.1:2379",
		StoreAddr:                "127.0.0.1:20160",
		StatusAddr:               "127.0.0.1:20180",
		LogLevel:                 logLevelFromEnv(),
		Raft:                     true,
		RaftBaseTickInterval:     1 * time.Second,
		RaftHeartbeatTicks:       2,
		RaftElectionTimeoutTicks: 10,
		RaftLogGCTickInterval:    10 * time.Second,
		// Assume the average size of entries is 1k.
		RaftLogGcCountLimit:                 128000,
		SplitRegionCheckTickInterval:        10 * time.Second,
		SchedulerHeartbeatTickInterval:      100 * time.Millisecond,
		SchedulerStoreHeartbeatTickInterval: 10 * time.Second,
		RegionMaxSize:                       144 * MB,
		RegionSplitSize:                     96 * MB,
		DBPath:                              "/tmp/badger",
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel:                 logLevelFromEnv(),
		Raft:                     true,
		RaftBaseTickInterval:     50 * time.Millisecond,
		RaftHeartbeatTicks:       2,
		RaftElectionTimeoutTicks: 10,
		RaftLogGCTickInterval:    50 * time.Millisecond,
		// Assume the average size of entries is 1k.
		RaftLogGcCountLimit:                 128000,
		SplitRegionCheckTickInterval:        100 * time.Millisecond,
		SchedulerHeartbeatTickInterval:      100 * time.Millisecond,
		SchedulerStoreHeartbeatTickInterval: 500 * time.Millisecond,
		RegionMaxSize:                       144 * MB,
		RegionSplitSize:                     96 * MB,
		DBPath:                              "/tmp/badger",
	}
}

// Load reads overrides from a TOML file on top of conf.
func Load(path string, conf *Config) error {
	_, err := toml.DecodeFile(path, conf)
	return err
}
