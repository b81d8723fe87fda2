package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"vnetsock/pkg/cli"
	"vnetsock/pkg/config"
	"vnetsock/pkg/debugsrv"
	"vnetsock/pkg/engine"
	"vnetsock/pkg/metrics"
	"vnetsock/pkg/socket"
	"vnetsock/pkg/tcpstack"
	"vnetsock/pkg/vnet"
	"vnetsock/pkg/vtap"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type options struct {
	config    string
	logLevel  string
	debugAddr string
}

func (o *options) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.config, "config", "c", "", "host configuration file")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "", "override log_level from the config")
	cmd.Flags().StringVar(&o.debugAddr, "debug-addr", "", "override debug.listen from the config")
	cmd.MarkFlagRequired("config")
}

func loadConfig(path, logLevel, debugAddr string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if debugAddr != "" {
		cfg.Debug.Listen = debugAddr
	}
	// flags may have broken an otherwise valid file
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, opts options) error {
	cfg, err := loadConfig(opts.config, opts.logLevel, opts.debugAddr)
	if err != nil {
		return err
	}
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(metrics.Config{
		Registry:    reg,
		ConstLabels: prometheus.Labels{"if": cfg.Interface.Name},
	})

	tap, err := vtap.New(cfg.TapConfig(), func(out func([]byte) error) (engine.Engine, error) {
		s, err := tcpstack.New(cfg.EngineConfig(log), out)
		if err != nil {
			return nil, err
		}
		return s, nil
	}, vtap.WithLogger(log), vtap.WithMetrics(m), vtap.WithTransportFactory(socket.NewPipe(socket.DefaultPipeSize)))
	if err != nil {
		return errors.Wrap(err, "failed to create tap")
	}

	listen, _ := cfg.WireListen()
	peers, _ := cfg.WirePeers()
	wire, err := vnet.ListenUDP(listen, peers, cfg.Interface.MTU, log)
	if err != nil {
		return err
	}
	tap.Attach(wire)
	log.WithFields(logrus.Fields{"tap": tap.ID, "wire": wire.LocalAddr()}).Infof("interface %s up", cfg.Interface.Name)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wire.Serve(ctx, tap) })
	g.Go(func() error { return tap.Run(ctx) })
	if cfg.Debug.Listen != "" {
		g.Go(func() error {
			return debugsrv.Serve(ctx, cfg.Debug.Listen, debugsrv.Router(tap, reg), log)
		})
	}
	g.Go(func() error {
		err := cli.MonitorCL(ctx, tap, os.Stdin, os.Stdout)
		// end of input shuts the host down
		stop()
		return err
	})
	return g.Wait()
}
