// Command gridnode runs one grid node: the node-to-node gRPC API, etcd or
// static membership, the caches named in its config file, and an HTTP
// endpoint with Prometheus metrics and size/peek queries.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/shardgrid/affinity"
	"github.com/IvanBrykalov/shardgrid/cluster"
	"github.com/IvanBrykalov/shardgrid/cluster/etcd"
	"github.com/IvanBrykalov/shardgrid/config"
	"github.com/IvanBrykalov/shardgrid/grid"
	"github.com/IvanBrykalov/shardgrid/internal/logging"
	pmet "github.com/IvanBrykalov/shardgrid/metrics/prom"
	"github.com/IvanBrykalov/shardgrid/transport/grpcx"
)

func main() {
	path := flag.String("config", "gridnode.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gridnode:", err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gridnode:", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("gridnode stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Configuration, log *zap.Logger) error {
	self := cluster.Member{ID: cfg.NodeID(), Addr: cfg.Node.ListenAddr}
	members := cluster.NewMembership(log)

	client := grpcx.NewClient(func(id affinity.NodeID) (string, bool) {
		return members.View().Addr(id)
	}, log)
	defer func() { _ = client.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := pmet.New(reg, cfg.Metrics.Namespace, cfg.Metrics.Subsystem, prometheus.Labels{"node": cfg.Node.ID})

	node, err := grid.NewNode(grid.Options{
		ID:             self.ID,
		Membership:     members,
		Transport:      client,
		FanOut:         cfg.Aggregation.FanOut,
		RequestTimeout: cfg.Aggregation.Timeout,
		SwapDir:        cfg.Node.SwapDir,
		Retain:         cfg.Topology.Retain,
		Metrics:        metrics,
		Logger:         log,
	})
	if err != nil {
		return err
	}
	defer func() { _ = node.Close() }()

	lis, err := net.Listen("tcp", cfg.Node.ListenAddr)
	if err != nil {
		return err
	}
	srv := grpcx.NewServer(node, log)
	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Error("grpc server", zap.Error(err))
		}
	}()
	defer srv.GracefulStop()

	// Caches must exist before peers learn about this node.
	for _, req := range cfg.StartRequests() {
		if err := node.Apply(req); err != nil {
			return err
		}
	}

	discoveryErr := make(chan error, 1)
	if len(cfg.Etcd.Endpoints) > 0 {
		d, err := etcd.New(etcd.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			Prefix:      cfg.Etcd.Prefix,
			LeaseTTL:    cfg.Etcd.LeaseTTL,
			DialTimeout: cfg.Etcd.DialTimeout,
		}, self, members, log)
		if err != nil {
			return err
		}
		defer func() { _ = d.Close() }()
		go func() { discoveryErr <- d.Run(ctx) }()
	} else {
		members.Join(cfg.StaticMembers()...)
	}

	if cfg.Node.HTTPAddr != "" {
		router := mux.NewRouter()
		router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")
		newAPI(node, log).register(router)
		hs := &http.Server{Addr: cfg.Node.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("http: serving", zap.String("addr", cfg.Node.HTTPAddr))
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = hs.Shutdown(sctx)
		}()
	}

	log.Info("node started",
		zap.String("id", cfg.Node.ID),
		zap.String("grpc", cfg.Node.ListenAddr),
		zap.Strings("caches", node.Caches()))

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-discoveryErr:
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
}
