package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"xdao.co/capvault/storage/grpcblob"
	"xdao.co/capvault/storage/registry"

	_ "xdao.co/capvault/storage/ipfs"
	_ "xdao.co/capvault/storage/localfs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, out io.Writer, errOut io.Writer) int {
	fs := pflag.NewFlagSet("capvault-blobd", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	listen := fs.String("listen", "127.0.0.1:7777", "gRPC listen address")
	backend := fs.String("backend", "localfs", "Backend name")
	opts := fs.StringToString("opt", nil, "Backend config key=value (repeatable), e.g. --opt dir=/srv/blobs")
	maxBytes := fs.Int("max-bytes", 16<<20, "Largest blob accepted")
	metricsListen := fs.String("metrics-listen", "", "Serve Prometheus metrics on this address")
	listBackends := fs.Bool("list-backends", false, "List supported backends and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *listBackends {
		for _, b := range registry.List(registry.UsageDaemon) {
			if b.Description == "" {
				_, _ = fmt.Fprintf(out, "%s\n", b.Name)
				continue
			}
			_, _ = fmt.Fprintf(out, "%s\t%s\n", b.Name, b.Description)
		}
		return 0
	}

	logger := slog.New(slog.NewTextHandler(errOut, nil)).With("component", "blobd")

	be, closeFn, err := registry.Open(*backend, registry.UsageDaemon, *opts)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if closeFn != nil {
		defer closeFn()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capvault",
		Subsystem: "blobd",
		Name:      "requests_total",
		Help:      "Blob RPCs by method and status code.",
	}, []string{"method", "code"})
	reg.MustRegister(requests)

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer lis.Close()

	s := grpc.NewServer(
		grpc.MaxRecvMsgSize(*maxBytes+1024),
		grpc.MaxSendMsgSize(*maxBytes+1024),
		grpc.UnaryInterceptor(func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			resp, err := handler(ctx, req)
			requests.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
			return resp, err
		}),
	)
	grpcblob.RegisterBlobsServer(s, &grpcblob.Server{Backend: be, MaxSize: *maxBytes, Logger: logger})

	var metricsSrv *http.Server
	if *metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: *metricsListen, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		if metricsSrv != nil {
			_ = metricsSrv.Close()
		}
		s.GracefulStop()
	}()

	logger.Info("listening", "addr", lis.Addr().String(), "backend", *backend)
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		fmt.Fprintln(errOut, err)
		return 1
	}
	return 0
}
