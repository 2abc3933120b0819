package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docker/go-connections/sockets"
	"github.com/moby/otlpexport/client"
	"github.com/moby/otlpexport/cmd/otlpspand/config"
	"github.com/moby/otlpexport/exporter"
	"github.com/moby/otlpexport/util/appdefaults"
	"github.com/moby/otlpexport/util/grpcerrors"
	"github.com/moby/otlpexport/util/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func main() {
	app := cli.NewApp()
	app.Name = "otlpspand"
	app.Usage = "OTLP trace relay daemon"
	app.Version = appdefaults.Version

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug output in logs",
		},
		cli.StringFlag{
			Name:  "config",
			Usage: "path to config file",
			Value: appdefaults.ConfigPath,
		},
		cli.StringSliceFlag{
			Name:  "addr",
			Usage: "listening address (socket or tcp)",
			Value: &cli.StringSlice{appdefaults.ListenAddress},
		},
		cli.StringFlag{
			Name:  "collector",
			Usage: "upstream collector address (host:port)",
		},
		cli.BoolFlag{
			Name:  "insecure",
			Usage: "disable transport security for the collector connection",
		},
		cli.StringFlag{
			Name:  "debugaddr",
			Usage: "debugging address (eg. 127.0.0.1:6060)",
			Value: "",
		},
	}

	app.Action = run

	app.Before = func(c *cli.Context) error {
		if c.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "otlpspand: %s\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.LoadFile(c.GlobalString("config"))
	if err != nil {
		return err
	}
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if debugAddr := firstNonEmpty(c.GlobalString("debugaddr"), cfg.GRPC.DebugAddress); debugAddr != "" {
		if err := setupDebugHandlers(debugAddr); err != nil {
			return err
		}
	}

	opts, err := exporterOptions(c, cfg)
	if err != nil {
		return err
	}
	exp, err := exporter.New(opts)
	if err != nil {
		return err
	}

	server := grpc.NewServer(
		grpc.UnaryInterceptor(grpcerrors.UnaryServerInterceptor),
		grpc.StreamInterceptor(grpcerrors.StreamServerInterceptor),
	)
	coltracepb.RegisterTraceServiceServer(server, &relay{exporter: exp})

	errCh := make(chan error, 1)
	addrs := c.GlobalStringSlice("addr")
	if len(addrs) > 1 {
		addrs = addrs[1:] // https://github.com/urfave/cli/issues/160
	}
	if len(cfg.GRPC.Address) > 0 && !c.GlobalIsSet("addr") {
		addrs = cfg.GRPC.Address
	}
	if err := serveGRPC(server, addrs, errCh); err != nil {
		return err
	}

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	log.L.Info("stopping server")
	server.GracefulStop()

	if !exp.Shutdown(context.Background(), appdefaults.ShutdownTimeout) {
		log.L.Warnf("shutdown timed out after %s, remaining exports were cancelled", appdefaults.ShutdownTimeout)
	}
	return err
}

func serveGRPC(server *grpc.Server, addrs []string, errCh chan error) error {
	if len(addrs) == 0 {
		return errors.New("--addr cannot be empty")
	}
	eg, _ := errgroup.WithContext(context.Background())
	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		l, err := getListener(addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return err
		}
		listeners = append(listeners, l)
	}
	for _, l := range listeners {
		l := l
		eg.Go(func() error {
			defer l.Close()
			log.L.Infof("running server on %s", l.Addr())
			return server.Serve(l)
		})
	}
	go func() {
		errCh <- eg.Wait()
	}()
	return nil
}

func getListener(addr string) (net.Listener, error) {
	proto, listenAddr, ok := strings.Cut(addr, "://")
	if !ok {
		proto, listenAddr = "tcp", addr
	}
	switch proto {
	case "tcp":
		return sockets.NewTCPSocket(listenAddr, nil)
	case "unix":
		return sockets.NewUnixSocket(listenAddr, os.Getgid())
	default:
		return nil, errors.Errorf("addr %s not supported", addr)
	}
}

func exporterOptions(c *cli.Context, cfg config.Config) (exporter.Options, error) {
	opts := exporter.OptionsFromEnv()

	col := cfg.Collector
	if col.Endpoint != "" {
		opts.Endpoint = col.Endpoint
		opts.Insecure = col.Insecure
	}
	if col.CACert != "" {
		tlsConf, err := tlsConfigFromFile(col.CACert)
		if err != nil {
			return exporter.Options{}, err
		}
		opts.TLSConfig = tlsConf
	}
	if len(col.Headers) > 0 {
		if opts.Headers == nil {
			opts.Headers = map[string]string{}
		}
		for k, v := range col.Headers {
			opts.Headers[k] = v
		}
	}
	if col.Timeout != "" {
		d, err := time.ParseDuration(col.Timeout)
		if err != nil {
			return exporter.Options{}, errors.Wrapf(err, "invalid collector timeout %q", col.Timeout)
		}
		opts.Timeout = d
	}
	if col.Compression != "" {
		opts.Compression = col.Compression
	}
	if col.MaxConcurrentRequests > 0 {
		opts.MaxConcurrentRequests = col.MaxConcurrentRequests
	}
	if col.QueueSize > 0 {
		opts.QueueSize = col.QueueSize
	}
	switch col.QueueFullPolicy {
	case "", "reject":
	case "block":
		opts.QueuePolicy = client.QueueBlock
	default:
		return exporter.Options{}, errors.Errorf("invalid queueFullPolicy %q", col.QueueFullPolicy)
	}

	if addr := c.GlobalString("collector"); addr != "" {
		opts.Endpoint = addr
	}
	if c.GlobalBool("insecure") {
		opts.Insecure = true
	}
	if opts.Endpoint == "" {
		return exporter.Options{}, errors.New("collector endpoint is required (--collector, collector.endpoint in config, or OTEL_EXPORTER_OTLP_ENDPOINT)")
	}
	if opts.Compression == "none" {
		opts.Compression = ""
	}

	opts.Registerer = prometheus.DefaultRegisterer
	return opts, nil
}

func tlsConfigFromFile(path string) (*tls.Config, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read collector CA certificate %s", path)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Errorf("no certificates parsed from %s", path)
	}
	return &tls.Config{RootCAs: pool}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
