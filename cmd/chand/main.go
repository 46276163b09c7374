package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nayutafoundry/chandler/build"
	"github.com/nayutafoundry/chandler/chanactor"
	"github.com/nayutafoundry/chandler/channel"
	"github.com/nayutafoundry/chandler/channeldb"
	"github.com/nayutafoundry/chandler/channelnotifier"
	"github.com/nayutafoundry/chandler/cluster"
	"github.com/nayutafoundry/chandler/contractcourt"
)

func main() {
	if err := chandMain(); err != nil {
		fmt.Fprintf(os.Stderr, "chand: %v\n", err)
		os.Exit(1)
	}
}

func chandMain() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	// Wire the per-package subsystem loggers to one shared handler.
	logMgr := build.NewSubLoggerManager()
	channel.UseLogger(logMgr.GenSubLogger("CHAN"))
	contractcourt.UseLogger(logMgr.GenSubLogger("CNCT"))
	chanactor.UseLogger(logMgr.GenSubLogger("ACTR"))
	cluster.UseLogger(logMgr.GenSubLogger("CLUS"))
	log := logMgr.GenSubLogger("CHND")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// In clustered deployments the store has exactly one owner at a
	// time; block here until we hold the lease.
	if cfg.Cluster.EnableLeaderElection {
		elector, err := cluster.MakeLeaderElector(
			ctx, cluster.EtcdLeaderElector, cfg.Cluster.ID,
			cfg.Cluster.ElectionPrefix,
			cfg.Cluster.EtcdEndpoints,
		)
		if err != nil {
			return err
		}

		log.Infof("Campaigning for store leadership as %v",
			cfg.Cluster.ID)
		if err := elector.Campaign(ctx); err != nil {
			return fmt.Errorf("leadership campaign failed: %w",
				err)
		}
		defer func() {
			if err := elector.Resign(ctx); err != nil {
				log.Warnf("leadership resignation failed: %v",
					err)
			}
		}()
		log.Infof("Elected as store leader")
	}

	db, err := channeldb.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("unable to open channel db: %w", err)
	}
	defer db.Close()

	notifier := channelnotifier.New()
	if err := notifier.Start(); err != nil {
		return err
	}
	defer notifier.Stop()

	channels, err := db.ListChannels()
	if err != nil {
		return err
	}
	log.Infof("Channel store open with %d channels", len(channels))

	// The transport, wallet and chain backends attach here in a full
	// deployment; the core waits for work either way.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt

	log.Infof("Shutting down")

	return nil
}
