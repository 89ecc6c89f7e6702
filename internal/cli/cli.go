// Package cli dispatches the command-line surface.
package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dfreplica/internal/checkpoint"
	"dfreplica/internal/config"
	"dfreplica/internal/dispatch"
	"dfreplica/internal/logger"
	"dfreplica/internal/rdb"
	"dfreplica/internal/reactor"
	"dfreplica/internal/replica"
	"dfreplica/internal/state"
	"dfreplica/internal/web"
)

const version = "0.1.0-dev"

// Execute dispatches CLI subcommands and returns the process exit code.
func Execute(args []string) int {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("[dfreplica] ")

	// Survive SSH session disconnects when run with a trailing &:
	// ignore the hangup, and turn SIGPIPE on a closed stdout into plain
	// write errors the logger tolerates.
	signal.Ignore(syscall.SIGHUP)
	signal.Ignore(syscall.SIGPIPE)

	if len(args) == 0 {
		printUsage()
		return 1
	}
	switch args[0] {
	case "replicate":
		return runReplicate(args[1:])
	case "status":
		return runStatus(args[1:])
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "version", "--version", "-v":
		fmt.Println("dfreplica " + version)
		return 0
	default:
		log.Printf("Unknown subcommand: %s", args[0])
		printUsage()
		return 1
	}
}

func runReplicate(args []string) int {
	cfg, err := loadConfigFromArgs("replicate", args)
	if err != nil {
		return 1
	}
	if err := cfg.EnsureStateDir(); err != nil {
		log.Printf("Failed to create state directory: %v", err)
		return 1
	}
	if err := logger.Init(cfg.LogDir(), logger.ParseLevel(cfg.Log.Level), cfg.Log.FilePrefix); err != nil {
		log.Printf("Failed to init logger: %v", err)
		return 1
	}
	defer logger.Close()

	ctx := context.Background()
	pool := reactor.NewPool(cfg.Replica.Reactors)

	var dispatcher dispatch.Dispatcher
	if cfg.Relay.Enabled {
		relay, err := dispatch.NewRelay(ctx, dispatch.RelayOptions{
			Addr:              cfg.Relay.Addr,
			Password:          cfg.Relay.Password,
			MaxCommandsPerSec: cfg.Relay.MaxCommandsPerSec,
		})
		if err != nil {
			logger.Errorf("relay target unavailable: %v", err)
			return 1
		}
		defer relay.Close()
		dispatcher = relay
	} else {
		dispatcher = dispatch.NewDiscard()
	}

	store := state.NewStore(cfg.StatusFilePath())
	slot := &replica.Slot{}

	opts := replica.Options{
		Addr:        cfg.Master.Addr,
		DialTimeout: time.Duration(cfg.Master.DialTimeoutSeconds) * time.Second,
		Pool:        pool,
		Dispatcher:  dispatcher,
		NewLoader: func() replica.SnapshotLoader {
			return rdb.NewLoader(dispatch.NewSnapshotSink(ctx, dispatcher))
		},
		Checkpoint: checkpoint.NewManager(cfg.CheckpointPath()),
	}
	if err := slot.ReplicaOf(opts); err != nil {
		logger.Errorf("replicaof %s: %v", cfg.Master.Addr, err)
		_ = store.AppendEvent("error", err.Error())
		return 1
	}
	logger.Infof("attached to master %s", cfg.Master.Addr)
	_ = store.AppendEvent("attach", "attached to "+cfg.Master.Addr)

	var statusSrv *web.Server
	if cfg.HTTP.Addr != "" {
		statusSrv = web.New(cfg.HTTP.Addr, slot, store)
		statusSrv.Start()
	}

	// Mirror the link status into the status file until shutdown.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			info, ok := slot.Info()
			_ = store.Update(func(snap *state.Snapshot) {
				if ok {
					snap.Role = "replica"
					snap.MasterHost = info.Host
					snap.MasterPort = info.Port
					snap.LinkEstablished = info.LinkEstablished
					snap.SyncInProgress = info.FullSyncInProgress
					snap.SecondsSinceLastIO = info.SecondsSinceLastIO
					snap.ReplOffset = info.ReplOffset
				} else {
					snap.Role = "primary"
					snap.LinkEstablished = false
				}
			})
		case sig := <-sigCh:
			logger.Infof("received %s, shutting down", sig)
			slot.PromoteToPrimary()
			if statusSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				_ = statusSrv.Shutdown(shutdownCtx)
				cancel()
			}
			pool.Shutdown()
			_ = store.AppendEvent("detach", "role reset, supervisor stopped")
			return 0
		}
	}
}

func runStatus(args []string) int {
	cfg, err := loadConfigFromArgs("status", args)
	if err != nil {
		return 1
	}
	store := state.NewStore(cfg.StatusFilePath())
	snap, err := store.Load()
	if err != nil {
		log.Printf("Failed to read status: %v", err)
		return 1
	}
	out, _ := json.MarshalIndent(snap, "", "  ")
	fmt.Println(string(out))
	return 0
}

func loadConfigFromArgs(cmd string, args []string) (*config.Config, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	path := fs.String("config", "dfreplica.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg, err := config.Load(*path)
	if err != nil {
		log.Printf("%v", err)
		return nil, err
	}
	return cfg, nil
}

func printUsage() {
	fmt.Println(`dfreplica - replication client for Redis-compatible masters

Usage:
  dfreplica replicate --config <file>   attach to the configured master
  dfreplica status    --config <file>   print the persisted link status
  dfreplica version                     print version
  dfreplica help                        this text`)
}
