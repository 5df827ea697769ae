// Command tinyraftd assembles config, durable storage, transport and
// the node driver into a runnable single-peer raft process. It is a
// thin assembly point, not part of the tested core surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/pingcap-incubator/tinyraft/config"
	"github.com/pingcap-incubator/tinyraft/node"
	pb "github.com/pingcap-incubator/tinyraft/proto/pkg/eraftpb"
	badgerstore "github.com/pingcap-incubator/tinyraft/storage/badger"
	grpctransport "github.com/pingcap-incubator/tinyraft/transport/grpc"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "tinyraftd",
		Short: "runs a single tinyraft consensus peer",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "tinyraftd.toml", "path to node config file")
	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("tinyraftd exited with error")
	}
}

func setupLogging(dbPath string) {
	logrus.SetOutput(&lumberjack.Logger{
		Filename:   dbPath + "/tinyraftd.log",
		MaxSize:    64, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	})
	logrus.SetFormatter(&logrus.JSONFormatter{})
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DBPath, 0o755); err != nil {
		return fmt.Errorf("create db-path %q: %w", cfg.DBPath, err)
	}
	setupLogging(cfg.DBPath)

	store, err := badgerstore.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	raftCfg, err := cfg.RaftConfig(store)
	if err != nil {
		return err
	}

	n, err := node.Start(raftCfg)
	if err != nil {
		return err
	}
	defer n.Stop()

	dialer := grpctransport.NewDialer()
	defer dialer.Close()

	server := grpctransport.NewServer(func(m pb.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := n.Step(ctx, m); err != nil {
			logrus.WithError(err).Debug("dropped inbound raft message")
		}
	}, 4096, nil)

	go func() {
		if err := server.Serve(cfg.Addr); err != nil {
			logrus.WithError(err).Error("raft transport server stopped")
		}
	}()
	defer server.Stop()

	tick, err := cfg.TickDuration()
	if err != nil {
		return err
	}
	stop := make(chan struct{})
	go node.TickLoop(n, tick, stop)
	defer close(stop)

	go reportHealth(n, 30*time.Second, stop)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logrus.Info("tinyraftd shutting down")
	return nil
}

// reportHealth periodically samples process CPU/memory stats via
// gopsutil and logs them alongside the node's raft status, giving an
// operator a cheap combined liveness signal without a metrics
// scrape endpoint.
func reportHealth(n node.Node, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st := n.Status()
			fields := logrus.Fields{
				"id":      st.ID,
				"term":    st.Term,
				"state":   st.State.String(),
				"lead":    st.Lead,
				"commit":  st.Commit,
				"applied": st.Applied,
			}
			if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
				fields["cpu_percent"] = pct[0]
			}
			if vm, err := mem.VirtualMemory(); err == nil {
				fields["mem_used_percent"] = vm.UsedPercent
			}
			logrus.WithFields(fields).Info("node health")
		case <-stop:
			return
		}
	}
}
