// Copyright 2025 The chainwatch Authors
// This file is part of chainwatch.
//
// chainwatch is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// chainwatch is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with chainwatch. If not, see <http://www.gnu.org/licenses/>.

// chainwatchd watches bitcoind and zcashd nodes for deposits to payment
// addresses and drives the payment lifecycle in the shared store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/coinharbor/chainwatch/btc"
	"github.com/coinharbor/chainwatch/core"
	"github.com/coinharbor/chainwatch/core/types"
	"github.com/coinharbor/chainwatch/metrics"
	"github.com/coinharbor/chainwatch/params"
	"github.com/coinharbor/chainwatch/rpc"
	"github.com/coinharbor/chainwatch/storage"
	ldb "github.com/coinharbor/chainwatch/storage/leveldb"
	"github.com/coinharbor/chainwatch/storage/postgres"
	"github.com/coinharbor/chainwatch/zec"
	"github.com/coinharbor/chainwatch/zmq"
)

const clientIdentifier = "chainwatchd"

// nodeReadyPollInterval is how often startup re-asks an unresponsive node
// for getblockchaininfo before giving up to a signal.
const nodeReadyPollInterval = 5 * time.Second

var gitCommit string // set via linker flag

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the leveldb backend",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Logging verbosity: trace, debug, info, warn, error",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "Write logs to this file with rotation instead of stderr",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "Listen address for the prometheus metrics endpoint",
	}

	daemonFlags = []cli.Flag{
		configFileFlag,
		dataDirFlag,
		logLevelFlag,
		logFileFlag,
		metricsAddrFlag,
	}
)

var (
	dumpConfigCommand = &cli.Command{
		Action: dumpConfig,
		Name:   "dumpconfig",
		Usage:  "Print the effective configuration as TOML",
		Flags:  daemonFlags,
		Description: `The dumpconfig command shows configuration values, merging the
defaults with the given config file and flags. Piping the output into a file
gives a template to edit.`,
	}
	versionCommand = &cli.Command{
		Action: printVersion,
		Name:   "version",
		Usage:  "Print version numbers",
	}
)

var app = &cli.App{
	Name:      clientIdentifier,
	Usage:     "deposit monitor for bitcoin and zcash payment processing",
	Version:   params.VersionWithCommit(gitCommit),
	Copyright: "Copyright 2024-2025 The chainwatch Authors",
	Flags:     daemonFlags,
	Action:    run,
	Commands: []*cli.Command{
		dumpConfigCommand,
		versionCommand,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// makeConfig merges the defaults, the config file and the command line, in
// that order. Validation is left to the caller; dumpconfig works on
// configurations that could not run.
func makeConfig(cliCtx *cli.Context) (*params.Config, error) {
	cfg := params.DefaultConfig()
	if path := cliCtx.String(configFileFlag.Name); path != "" {
		loaded, err := params.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cliCtx.IsSet(dataDirFlag.Name) {
		cfg.DataDir = cliCtx.String(dataDirFlag.Name)
	}
	if cliCtx.IsSet(logLevelFlag.Name) {
		cfg.Log.Level = cliCtx.String(logLevelFlag.Name)
	}
	if cliCtx.IsSet(logFileFlag.Name) {
		cfg.Log.File = cliCtx.String(logFileFlag.Name)
	}
	if cliCtx.IsSet(metricsAddrFlag.Name) {
		cfg.Metrics.Addr = cliCtx.String(metricsAddrFlag.Name)
	}
	return cfg, nil
}

func setupLogging(cfg params.LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return errors.Wrapf(err, "unknown log level %q", cfg.Level)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.File != "" {
		logrus.SetOutput(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		})
	}
	return nil
}

func openStore(ctx context.Context, cfg *params.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "leveldb":
		return ldb.New(filepath.Join(cfg.DataDir, "db"))
	case "postgres":
		pgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return postgres.New(pgCtx, cfg.Storage.DSN)
	default:
		return nil, errors.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// chainMonitor is the lifecycle surface shared by the per-chain monitors.
type chainMonitor interface {
	Start() error
	Stop() error
}

func run(cliCtx *cli.Context) error {
	cfg, err := makeConfig(cliCtx)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	log := logrus.WithField("module", "daemon")
	log.WithFields(logrus.Fields{
		"version": params.VersionWithCommit(gitCommit),
		"backend": cfg.Storage.Backend,
	}).Info("starting chainwatchd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "opening storage")
	}
	defer store.Close()

	var monitors []chainMonitor
	if cfg.Node.BTC.Enabled {
		mon, err := buildBTCMonitor(ctx, cfg, store)
		if err != nil {
			return err
		}
		monitors = append(monitors, mon)
	}
	if cfg.Node.ZEC.Enabled {
		mon, err := buildZECMonitor(ctx, cfg, store)
		if err != nil {
			return err
		}
		monitors = append(monitors, mon)
	}

	started := 0
	for _, m := range monitors {
		if err := m.Start(); err != nil {
			stopMonitors(monitors[:started], log)
			return errors.Wrap(err, "starting monitor")
		}
		started++
	}

	serverErr := make(chan error, 1)
	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler()}
		go func() {
			log.WithField("addr", cfg.Metrics.Addr).Info("metrics server listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErr <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("interrupt received, shutting down")
	case runErr = <-serverErr:
		log.WithError(runErr).Error("metrics server failed, shutting down")
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics server shutdown failed")
		}
		cancel()
	}
	if err := stopMonitors(monitors, log); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// stopMonitors shuts the monitors down in parallel so a slow chain does not
// stack shutdown grace periods.
func stopMonitors(monitors []chainMonitor, log *logrus.Entry) error {
	var g errgroup.Group
	for _, m := range monitors {
		g.Go(m.Stop)
	}
	err := g.Wait()
	if err != nil {
		log.WithError(err).Warn("monitor shutdown reported an error")
	}
	return err
}

func nodeRPCConfig(nc params.NodeConfig) rpc.Config {
	return rpc.Config{
		URL:        nc.URL,
		User:       nc.User,
		Password:   nc.Password,
		MaxRetries: nc.RPCMaxRetries,
		RetryDelay: nc.RPCRetryDelay.Std(),
		Timeout:    nc.RPCTimeout.Std(),
	}
}

func buildBTCMonitor(ctx context.Context, cfg *params.Config, store storage.Store) (*btc.Monitor, error) {
	nodeCfg := cfg.Node.BTC
	client, err := rpc.NewNodeClient(nodeRPCConfig(nodeCfg.NodeConfig))
	if err != nil {
		return nil, errors.Wrap(err, "building bitcoind client")
	}
	info, err := client.WaitForNode(ctx, nodeReadyPollInterval)
	if err != nil {
		return nil, errors.Wrap(err, "waiting for bitcoind")
	}
	log := logrus.WithField("chain", types.ChainBTC)
	log.WithFields(logrus.Fields{"network": info.Chain, "height": info.Blocks}).Info("node ready")
	if info.InitialBlockDownload {
		log.Warn("node is in initial block download, deposit detection will lag")
	}

	netParams, err := btc.NetworkParams(nodeCfg.Network)
	if err != nil {
		return nil, err
	}
	sub := zmq.NewSubscriber(zmq.Config{
		Endpoint:             nodeCfg.ZMQEndpoint,
		MaxReconnectAttempts: nodeCfg.MaxReconnectAttempts,
	})
	return btc.New(btc.Config{
		Node:              client,
		Store:             store,
		Engine:            core.NewEngine(types.ChainBTC, store, cfg.Monitor.ConfirmationThreshold),
		Cache:             core.NewAddressCache(types.ChainBTC, store, nil),
		Subscriber:        sub,
		Params:            netParams,
		ReconcileInterval: nodeCfg.ReconcileInterval.Std(),
		RefreshInterval:   cfg.Monitor.RefreshInterval.Std(),
		CatchUpBatch:      nodeCfg.CatchUpBatch,
		ShutdownGrace:     cfg.Monitor.ShutdownGrace.Std(),
	})
}

func buildZECMonitor(ctx context.Context, cfg *params.Config, store storage.Store) (*zec.Monitor, error) {
	nodeCfg := cfg.Node.ZEC
	client, err := zec.NewClient(nodeRPCConfig(nodeCfg.NodeConfig))
	if err != nil {
		return nil, errors.Wrap(err, "building zcashd client")
	}
	info, err := client.WaitForNode(ctx, nodeReadyPollInterval)
	if err != nil {
		return nil, errors.Wrap(err, "waiting for zcashd")
	}
	log := logrus.WithField("chain", types.ChainZEC)
	log.WithFields(logrus.Fields{"network": info.Chain, "height": info.Blocks}).Info("node ready")
	if info.InitialBlockDownload {
		log.Warn("node is in initial block download, deposit detection will lag")
	}

	return zec.New(zec.Config{
		Node:             client,
		Store:            store,
		Engine:           core.NewEngine(types.ChainZEC, store, cfg.Monitor.ConfirmationThreshold),
		Cache:            core.NewAddressCache(types.ChainZEC, store, zec.IsShieldedAddress),
		Wallet:           newConfigWallet(nodeCfg.ViewingKeys),
		PollInterval:     nodeCfg.PollInterval.Std(),
		RefreshInterval:  cfg.Monitor.RefreshInterval.Std(),
		CatchUpBatch:     nodeCfg.CatchUpBatch,
		ShieldedLookback: nodeCfg.ShieldedLookback,
		ShutdownGrace:    cfg.Monitor.ShutdownGrace.Std(),
	})
}

func dumpConfig(cliCtx *cli.Context) error {
	cfg, err := makeConfig(cliCtx)
	if err != nil {
		return err
	}
	return toml.NewEncoder(os.Stdout).Encode(cfg)
}

func printVersion(*cli.Context) error {
	fmt.Println(clientIdentifier)
	fmt.Println("Version:", params.VersionWithMeta)
	if gitCommit != "" {
		fmt.Println("Git Commit:", gitCommit)
	}
	fmt.Println("Architecture:", runtime.GOARCH)
	fmt.Println("Go Version:", runtime.Version())
	fmt.Println("Operating System:", runtime.GOOS)
	return nil
}
