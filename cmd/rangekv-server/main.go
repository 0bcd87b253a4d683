package main

import (
	"flag"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap/kvproto/pkg/tikvpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/rangekv/rangekv/kv/config"
	"github.com/rangekv/rangekv/kv/server"
	"github.com/rangekv/rangekv/kv/storage"
	"github.com/rangekv/rangekv/kv/storage/raft_storage"
	"github.com/rangekv/rangekv/kv/storage/standalone_storage"
	"github.com/rangekv/rangekv/log"
)

var (
	configPath    = flag.String("config", "", "config file path")
	schedulerAddr = flag.String("scheduler", "", "scheduler address")
	storeAddr     = flag.String("addr", "", "store address")
	dbPath        = flag.String("path", "", "directory path of db")
	logLevel      = flag.String("loglevel", "", "the level of log")
)

func main() {
	flag.Parse()
	conf := loadConfig()
	log.SetLevelByString(conf.LogLevel)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	log.Infof("server started with conf %+v", conf)

	var store storage.Storage
	if conf.Raft {
		store = raft_storage.NewRaftStorage(conf)
	} else {
		store = standalone_storage.NewStandAloneStorage(conf)
	}
	if err := store.Start(); err != nil {
		log.Fatal(err)
	}
	kvServer := server.NewServer(store)

	alivePolicy := keepalive.EnforcementPolicy{
		MinTime:             2 * time.Second, // If a client pings more than once every 2 seconds, terminate the connection
		PermitWithoutStream: true,            // Allow pings even when there are no active streams
	}
	grpcServer := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(alivePolicy),
		grpc.InitialWindowSize(1<<30),
		grpc.InitialConnWindowSize(1<<30),
		grpc.MaxRecvMsgSize(10*1024*1024),
	)
	tikvpb.RegisterTikvServer(grpcServer, kvServer)

	l, err := net.Listen("tcp", conf.StoreAddr)
	if err != nil {
		log.Fatal(err)
	}
	handleSignal(grpcServer)

	if conf.StatusAddr != "" {
		go func() {
			log.Infof("status server listening on %v", conf.StatusAddr)
			http.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			if err := http.ListenAndServe(conf.StatusAddr, nil); err != nil {
				log.Fatal(err)
			}
		}()
	}

	if err := grpcServer.Serve(l); err != nil {
		log.Fatal(err)
	}
	if err := store.Stop(); err != nil {
		log.Fatal(err)
	}
	log.Info("server stopped.")
}

func loadConfig() *config.Config {
	conf := config.NewDefaultConfig()
	if *configPath != "" {
		if err := config.Load(*configPath, conf); err != nil {
			log.Fatal(err)
		}
	}
	if *schedulerAddr != "" {
		conf.SchedulerAddr = *schedulerAddr
	}
	if *storeAddr != "" {
		conf.StoreAddr = *storeAddr
	}
	if *dbPath != "" {
		conf.DBPath = *dbPath
	}
	if *logLevel != "" {
		conf.LogLevel = *logLevel
	}
	if err := conf.Validate(); err != nil {
		log.Fatal(err)
	}
	return conf
}

func handleSignal(grpcServer *grpc.Server) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sigCh
		log.Infof("got signal [%s] to exit.", sig)
		grpcServer.Stop()
	}()
}
