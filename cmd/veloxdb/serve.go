package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/veloxdb/veloxdb/pkg/checkpoint"
	"github.com/veloxdb/veloxdb/pkg/config"
	"github.com/veloxdb/veloxdb/pkg/dispatch"
	"github.com/veloxdb/veloxdb/pkg/endpoint"
	"github.com/veloxdb/veloxdb/pkg/replication"
	"github.com/veloxdb/veloxdb/pkg/security"
	"github.com/veloxdb/veloxdb/pkg/store"
	"github.com/veloxdb/veloxdb/pkg/txn"
	"github.com/veloxdb/veloxdb/pkg/veloxapi"
	"github.com/veloxdb/veloxdb/pkg/veloxtype"
	"github.com/veloxdb/veloxdb/pkg/vevents"
	"github.com/veloxdb/veloxdb/pkg/vlog"
	"github.com/veloxdb/veloxdb/pkg/vmetrics"
	"github.com/veloxdb/veloxdb/pkg/wal"
)

// checkpointInterval is how often a running node takes a new
// checkpoint image and truncates the WAL behind it. Five minutes
// balances recovery time (how much WAL a restart must replay) against
// the cost of a full-store snapshot.
const checkpointInterval = 5 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the VeloxDB server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	serveCmd.Flags().Bool("interactive", false, "run in the foreground and attach console logging")
}

// runServe implements the server startup sequence: load config,
// recover local state from the last checkpoint plus WAL tail, join a
// replication topology, start serving, and block until signaled.
func runServe(cmd *cobra.Command) error {
	extraConfigs, _ := cmd.Flags().GetStringSlice("config")
	interactive, _ := cmd.Flags().GetBool("interactive")

	cfg, err := config.Load(append(config.InstallPaths(), extraConfigs...))
	if err != nil {
		return &exitError{1, fmt.Errorf("load configuration: %w", err)}
	}

	logCfg := vlog.Config{Level: vlog.Level(cfg.Logging.Level), UserLevel: vlog.Level(cfg.Logging.UserLevel), Path: cfg.Logging.Path}
	if interactive {
		logCfg.Output = os.Stdout
	}
	if err := vlog.Init(logCfg); err != nil {
		return &exitError{1, fmt.Errorf("initialize logging: %w", err)}
	}

	dataDir := cfg.Database.SystemDatabasePath
	walDir := filepath.Join(dataDir, "wal")
	checkpointDir := filepath.Join(dataDir, "snapshots")
	metaPath := filepath.Join(dataDir, "meta")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return &exitError{1, fmt.Errorf("create data directory: %w", err)}
	}

	meta, err := checkpoint.ReadMeta(metaPath)
	if err != nil {
		return &exitError{2, fmt.Errorf("read meta file: %w", err)}
	}

	s := store.New()
	veloxapi.RegisterSchema(s)
	if err := checkpoint.WriteSchema(filepath.Join(dataDir, "schema"), s.Classes()); err != nil {
		return &exitError{1, fmt.Errorf("write schema descriptors: %w", err)}
	}

	var lastCSN veloxtype.CSN
	if path, csn, ok := checkpoint.Latest(checkpointDir); ok {
		restoredCSN, err := checkpoint.Restore(path, s)
		if err != nil {
			return &exitError{3, fmt.Errorf("restore checkpoint %s: %w", path, err)}
		}
		lastCSN = restoredCSN
		vlog.WithComponent("startup").Info().Str("image", path).Uint64("csn", uint64(csn)).Msg("restored checkpoint")
	}

	lastLSN, err := wal.Recover(walDir, func(lsn veloxtype.LSN, payload []byte) error {
		rec, err := txn.DecodeLogRecord(payload)
		if err != nil {
			return fmt.Errorf("decode record at %+v: %w", lsn, err)
		}
		if rec.CSN <= lastCSN {
			return nil // already reflected in the restored checkpoint image
		}
		if err := txn.Replay(s, rec); err != nil {
			return err
		}
		lastCSN = rec.CSN
		return nil
	})
	if err != nil {
		vlog.WithComponent("startup").Error().Err(err).Msg("WAL replay failed")
		return &exitError{3, fmt.Errorf("replay WAL: %w", err)}
	}
	vlog.WithComponent("startup").Info().Uint64("csn", uint64(lastCSN)).Str("lsn", fmt.Sprintf("%+v", lastLSN)).Msg("recovery complete")

	walOpts := wal.DefaultOptions()
	walOpts.DirPath = walDir
	w, err := wal.Open(walOpts)
	if err != nil {
		return &exitError{2, fmt.Errorf("open WAL: %w", err)}
	}
	defer w.Close()

	events := vevents.NewBroker()
	events.Start()
	defer events.Stop()

	mgr := txn.NewManager(s, w, nil, events, txn.DefaultGroupCommitOptions())
	mgr.SetLastCommittedCSN(lastCSN)
	defer mgr.Stop()

	epoch := meta.Epoch
	if epoch == 0 {
		epoch = 1
	}

	engine := replication.NewEngine(cfg.Replication.ThisNodeName, s, mgr, w, events)
	engine.ConfigureJoinToken(cfg.Replication.JoinToken)
	mgr.SetReplicator(engine)

	if cfg.Replication.PrimaryAddress != "" {
		engine.StartStandby(cfg.Replication.PrimaryAddress, epoch)
		vlog.WithComponent("startup").Info().Str("primary", cfg.Replication.PrimaryAddress).Msg("starting as standby")
	} else if len(cfg.Replication.Standbys) > 0 {
		cluster := replication.ClusterConfig{
			ThisNodeName:                   cfg.Replication.ThisNodeName,
			PrimaryWorkerCount:             cfg.Replication.PrimaryWorkerCount,
			StandbyWorkerCount:             cfg.Replication.StandbyWorkerCount,
			UseSeparateConnectionPerWorker: cfg.Replication.UseSeparateConnectionPerWorker,
		}
		for _, sb := range cfg.Replication.Standbys {
			cluster.Standbys = append(cluster.Standbys, replication.StandbyConfig{
				NodeName: sb.NodeName, Address: sb.Address, Sync: replication.SyncMode(sb.Sync),
			})
		}
		replLis, err := net.Listen("tcp", net.JoinHostPort("", fmt.Sprint(cfg.Replication.Port)))
		if err != nil {
			return &exitError{1, fmt.Errorf("listen replication port: %w", err)}
		}
		if err := engine.StartPrimary(cluster, replLis, epoch); err != nil {
			return &exitError{1, fmt.Errorf("start primary replication: %w", err)}
		}
		vlog.WithComponent("startup").Info().Int("standbys", len(cluster.Standbys)).Msg("starting as primary")
	} else {
		if err := engine.ApplyRoleChange(replication.RolePrimary, epoch); err != nil {
			return &exitError{1, fmt.Errorf("assume primary role: %w", err)}
		}
		vlog.WithComponent("startup").Info().Msg("starting single-node (no configured standbys)")
	}
	defer engine.Stop()

	disp := dispatch.New(mgr, engine)
	veloxapi.RegisterOperations(disp)

	ep := endpoint.New(endpoint.Config{
		Port:                cfg.ExecutionEndpoint.Port,
		BacklogSize:         cfg.ExecutionEndpoint.BacklogSize,
		MaxOpenConnCount:    cfg.ExecutionEndpoint.MaxOpenConnCount,
		BufferPoolSize:      cfg.ExecutionEndpoint.BufferPoolSize,
		InactivityInterval:  time.Duration(cfg.ExecutionEndpoint.InactivityInterval) * time.Second,
		InactivityTimeout:   time.Duration(cfg.ExecutionEndpoint.InactivityTimeout) * time.Second,
		MaxQueuedChunkCount: cfg.ExecutionEndpoint.MaxQueuedChunkCount,
		TLS:                 security.Config(cfg.SSLConfiguration),
	}, disp)
	if err := ep.Listen(); err != nil {
		return &exitError{1, fmt.Errorf("start execution endpoint: %w", err)}
	}
	defer ep.Stop()
	vlog.UserLogger.Info().Str("addr", ep.Addr().String()).Msg("execution endpoint listening")

	if port := cfg.ExecutionEndpoint.MetricsPort; port > 0 {
		go func() {
			addr := net.JoinHostPort("", fmt.Sprint(port))
			if err := http.ListenAndServe(addr, vmetrics.Handler()); err != nil {
				vlog.WithComponent("metrics").Warn().Err(err).Msg("metrics listener stopped")
			}
		}()
	}

	stopCheckpointer := make(chan struct{})
	checkpointerDone := make(chan struct{})
	go runCheckpointer(s, mgr, w, engine, checkpointDir, metaPath, epoch, events, stopCheckpointer, checkpointerDone)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	vlog.UserLogger.Info().Msg("shutdown signal received")

	close(stopCheckpointer)
	<-checkpointerDone

	return nil
}

// runCheckpointer periodically snapshots the live store and truncates
// the WAL behind the snapshot's LSN. Truncation is additionally held back to
// the oldest LSN every configured standby has acknowledged, so a
// lagging standby can still be backfilled from the log on reconnect.
// It stops when stopCh is closed, taking one final checkpoint first so
// a clean shutdown never discards durable work it didn't have to.
func runCheckpointer(s *store.Store, mgr *txn.Manager, w *wal.WAL, engine *replication.Engine, checkpointDir, metaPath string, epoch uint64, events *vevents.Broker, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()

	takeCheckpoint := func() {
		timer := vmetrics.NewTimer()
		csn := mgr.CurrentCSN()
		if _, err := checkpoint.Snapshot(checkpointDir, csn, s); err != nil {
			vlog.WithComponent("checkpoint").Error().Err(err).Msg("checkpoint snapshot failed")
			return
		}
		lsn := w.CurrentLSN()
		if err := checkpoint.WriteMeta(metaPath, checkpoint.Meta{CheckpointLSN: lsn, Epoch: epoch}); err != nil {
			vlog.WithComponent("checkpoint").Error().Err(err).Msg("checkpoint meta write failed")
			return
		}
		if err := w.TruncateBefore(engine.SafeTruncationLSN(lsn)); err != nil {
			vlog.WithComponent("checkpoint").Error().Err(err).Msg("WAL truncation failed")
		}
		if freed := s.PruneVersions(mgr.MinActiveSnapshot()); freed > 0 {
			vlog.WithComponent("checkpoint").Debug().Int("versions", freed).Msg("version chains pruned")
		}
		timer.ObserveDuration(vmetrics.CheckpointDuration)
		vmetrics.CheckpointsTotal.Inc()
		if events != nil {
			events.Publish(&vevents.Event{Type: vevents.EventCheckpointTaken, Message: fmt.Sprintf("checkpoint at csn=%d lsn=%+v", csn, lsn)})
		}
		vlog.WithComponent("checkpoint").Info().Uint64("csn", uint64(csn)).Msg("checkpoint taken")
	}

	for {
		select {
		case <-ticker.C:
			takeCheckpoint()
		case <-stopCh:
			takeCheckpoint()
			return
		}
	}
}
