package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/exp/slices"

	"core-raft/network"
	"core-raft/raft"
	"core-raft/server"
	"core-raft/state"
)

const (
	snapshotFileName = "snapshot"
	tailSize         = 10
)

func main() {
	var (
		replicaId       string
		groupId         string
		storeIdString   string
		natsUrl         string
		peerString      string
		dataDir         string
		configPath      string
		logLevel        string
		compactInterval time.Duration
	)
	flag.StringVar(&replicaId, "replica-id", "", "unique id (uuid) of replica")
	flag.StringVar(&groupId, "group-id", "", "raft group id")
	flag.StringVar(&storeIdString, "store-id", "", "id of the database all replicas share")
	flag.StringVar(&natsUrl, "nats-url", nats.DefaultURL, "nats url")
	flag.StringVar(&peerString, "peers", "", "comma separated list of peer ids (including self)")
	flag.StringVar(&dataDir, "data-dir", "", "directory for the log and snapshots, in-memory if empty")
	flag.StringVar(&configPath, "config", "", "yaml file with raft settings")
	flag.StringVar(&logLevel, "log-level", "info", "log level")
	flag.DurationVar(&compactInterval, "compact-interval", time.Minute, "how often to snapshot and prune the log, 0 to disable")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "replica",
		Level: hclog.LevelFromString(logLevel),
	})
	fatalErr := func(err error) {
		logger.Error(err.Error())
		os.Exit(1)
	}

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		logger.Warn("failed to set GOMAXPROCS", "error", err)
	}

	if replicaId == "" {
		fatalErr(fmt.Errorf("missing required argument: replica-id"))
	}
	if groupId == "" {
		fatalErr(fmt.Errorf("missing required argument: group-id"))
	}
	if storeIdString == "" {
		fatalErr(fmt.Errorf("missing required argument: store-id"))
	}
	if peerString == "" {
		fatalErr(fmt.Errorf("missing required argument: peers"))
	}

	id, err := raft.ParseMemberId(replicaId)
	if err != nil {
		fatalErr(err)
	}
	storeId, err := raft.ParseStoreId(storeIdString)
	if err != nil {
		fatalErr(err)
	}
	var peers []raft.MemberId
	for _, p := range strings.Split(peerString, ",") {
		peer, err := raft.ParseMemberId(strings.TrimSpace(p))
		if err != nil {
			fatalErr(err)
		}
		peers = append(peers, peer)
	}
	if !slices.Contains(peers, id) {
		fatalErr(fmt.Errorf("list of peers does not include this replica"))
	}

	cfg := raft.DefaultConfig()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			fatalErr(fmt.Errorf("failed to read config: %w", err))
		}
		if cfg, err = raft.ParseConfig(data); err != nil {
			fatalErr(err)
		}
	}
	cfg.OnCatchupRequired = func(leader raft.MemberId, prevIndex raft.LogIndex) {
		logger.Warn("log compacted past this replica, copy the leader's snapshot into the data dir and restart",
			"leader", leader, "prevIndex", prevIndex)
	}

	natsNetwork, err := network.NewNatsNetwork(groupId, natsUrl, logger)
	if err != nil {
		fatalErr(fmt.Errorf("failed to initialize network: %w", err))
	}
	defer natsNetwork.Close()

	var store *raft.BadgerStore
	if dataDir == "" {
		store, err = raft.NewInMemoryStore(nil, logger)
	} else {
		store, err = raft.NewDiskStore(replicaId, dataDir, nil, logger)
	}
	if err != nil {
		fatalErr(fmt.Errorf("failed to open log: %w", err))
	}
	defer store.Close()

	sm := state.NewKeepLastEntriesStateMachine(replicaId, tailSize, logger)
	if dataDir != "" {
		if err := restoreSnapshot(sm, store, filepath.Join(dataDir, replicaId+"-"+snapshotFileName), logger); err != nil {
			fatalErr(err)
		}
	}

	raftNode, err := raft.NewRaftNodeImpl(id, storeId, sm, store, raft.NewStaticMembership(peers...), natsNetwork, cfg)
	if err != nil {
		fatalErr(fmt.Errorf("failed to create raft node: %w", err))
	}
	srv := server.NewServer(replicaId, raftNode, sm, logger)
	if err := natsNetwork.RegisterNode(replicaId, srv); err != nil {
		fatalErr(err)
	}
	if err := natsNetwork.SubscribeProposals(func(data []byte) {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.MaxElectionTimeout)
		defer cancel()
		if _, err := srv.Propose(ctx, data); err != nil {
			logger.Debug("dropped proposal", "error", err)
		}
	}); err != nil {
		fatalErr(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv.Start()
	defer srv.Stop()

	var compactCh <-chan time.Time
	if dataDir != "" && compactInterval > 0 {
		ticker := time.NewTicker(compactInterval)
		defer ticker.Stop()
		compactCh = ticker.C
	}
	statusTicker := time.NewTicker(10 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-compactCh:
			if err := compact(ctx, srv, filepath.Join(dataDir, replicaId+"-"+snapshotFileName)); err != nil {
				logger.Error("compaction failed", "error", err)
			}
		case <-statusTicker.C:
			if err := srv.Err(); err != nil {
				logger.Error("raft node halted", "error", err)
				return
			}
			status, err := srv.Status(ctx)
			if err != nil {
				continue
			}
			logger.Info("status", "state", status.State, "term", status.Term, "leader", status.Leader,
				"commitIndex", status.CommitIndex, "applied", sm.Applied())
		}
	}
}

// restoreSnapshot installs the snapshot at path, if any. A snapshot copied from
// the leader moves the log base past a log that fell behind compaction.
func restoreSnapshot(sm state.StateMachine, store raft.RaftLog, path string, logger hclog.Logger) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()
	meta, err := raft.RestoreSnapshot(f, sm, store)
	if err != nil {
		return fmt.Errorf("failed to restore snapshot %s: %w", path, err)
	}
	logger.Info("restored snapshot", "index", meta.Index, "term", meta.Term, "prevIndex", store.PrevIndex())
	return nil
}

// snapshotFile is only visible at its final path once it is closed.
type snapshotFile struct {
	*os.File
	path string
}

func (f *snapshotFile) Close() error {
	if err := f.File.Sync(); err != nil {
		f.File.Close()
		return err
	}
	if err := f.File.Close(); err != nil {
		return err
	}
	return os.Rename(f.File.Name(), f.path)
}

func compact(ctx context.Context, srv *server.ServerImpl, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), snapshotFileName+".*")
	if err != nil {
		return err
	}
	// no-op once the rename happened
	defer os.Remove(tmp.Name())

	if _, err := srv.Compact(ctx, &snapshotFile{File: tmp, path: path}); err != nil {
		tmp.Close()
		return err
	}
	return nil
}
