package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Ankesh2004/boardlink/internal/assets"
	"github.com/Ankesh2004/boardlink/internal/library"
	"github.com/Ankesh2004/boardlink/internal/logging"
	"github.com/Ankesh2004/boardlink/internal/protocol"
	"github.com/Ankesh2004/boardlink/internal/sim"
	"github.com/Ankesh2004/boardlink/pkg/p2p"
)

type simulateFlags struct {
	companions  int
	boards      int
	requests    int
	drop        float64
	latency     time.Duration
	jitter      time.Duration
	seed        uint64
	metricsAddr string
	linger      bool
}

func newSimulateCmd() *cobra.Command {
	var f simulateFlags
	cmd := &cobra.Command{
		Use:   "simulate [asset...]",
		Short: "Run simulated companions and a board over the in-process transport",
		Long: `simulate attaches simulated peers to an in-process transport, sends each of
them a burst of ordered requests and uploads the named library assets to all
of them. Peers can be made lossy and slow to exercise timeouts and retries.
Without asset names a couple of built-in sample assets are used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, args, f)
		},
	}
	fl := cmd.Flags()
	fl.IntVar(&f.companions, "companions", 3, "Number of companion screens")
	fl.IntVar(&f.boards, "boards", 1, "Number of boards")
	fl.IntVar(&f.requests, "requests", 10, "Requests sent to every peer")
	fl.Float64Var(&f.drop, "drop", 0.1, "Probability a peer never answers a request")
	fl.DurationVar(&f.latency, "latency", 5*time.Millisecond, "Fixed peer response latency")
	fl.DurationVar(&f.jitter, "jitter", 10*time.Millisecond, "Random extra peer latency")
	fl.Uint64Var(&f.seed, "seed", 1, "Seed for simulated loss and jitter")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (overrides metrics.addr)")
	fl.BoolVar(&f.linger, "linger", false, "Keep serving metrics after the run until interrupted")
	return cmd
}

func runSimulate(cmd *cobra.Command, args []string, f simulateFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	sample, err := loadAssets(cfg.Library.Root, args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	tr := p2p.NewLoopback(p2p.LoopbackOptions{})
	defer tr.Close()
	core := protocol.New(cfg.ProtocolOptions(), tr,
		protocol.WithLogger(logger),
		protocol.WithMetrics(protocol.NewMetrics(reg)),
	)
	defer core.Close()
	core.Start(ctx)
	<-core.Ready()

	cache := assets.New(core,
		assets.WithLogger(logger),
		assets.WithMetrics(assets.NewMetrics(reg)),
		assets.WithMaxPerPeer(cfg.Assets.MaxPerPeer),
	)

	addr := cfg.Metrics.Addr
	if f.metricsAddr != "" {
		addr = f.metricsAddr
	}
	if addr != "" {
		srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "addr", addr, "error", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		logger.Info("serving metrics", "addr", addr)
	}

	scenario := sim.Scenario{
		Companions: f.companions,
		Boards:     f.boards,
		Requests:   f.requests,
		Assets:     sample,
		Peer: sim.PeerOptions{
			DropRate: f.drop,
			Latency:  f.latency,
			Jitter:   f.jitter,
			Seed:     f.seed,
		},
		Logger: logger,
	}
	report, err := scenario.Run(ctx, core, cache, tr)
	if err != nil {
		return err
	}
	printReport(cmd.OutOrStdout(), report)

	if f.linger && addr != "" {
		logger.Info("run finished, waiting for interrupt")
		<-ctx.Done()
	}
	return nil
}

func loadAssets(root string, names []string) ([]sim.Asset, error) {
	if len(names) == 0 {
		return []sim.Asset{
			{Name: "card-back", Data: []byte("sample card back artwork")},
			{Name: "board-map", Data: []byte("sample board map tiles")},
		}, nil
	}
	lib := library.Open(root)
	out := make([]sim.Asset, 0, len(names))
	for _, name := range names {
		e, data, err := lib.Load(name)
		if err != nil {
			return nil, err
		}
		out = append(out, sim.Asset{Name: e.Name, Data: data})
	}
	return out, nil
}

func printReport(w io.Writer, r sim.Report) {
	fmt.Fprintf(w, "simulation finished in %s\n\n", r.Elapsed.Round(time.Millisecond))
	for _, p := range r.Peers {
		labels := make([]string, 0, len(p.Outcomes))
		for l := range p.Outcomes {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		fmt.Fprintf(w, "%-14s %-9s in-order=%-5t recv=%-4d dropped=%-4d uploads=%-3d deletes=%d\n",
			p.ID, p.Kind, p.InOrder, p.Stats.Received, p.Stats.Dropped, p.Stats.Uploads, p.Stats.Deletes)
		for _, l := range labels {
			fmt.Fprintf(w, "    %-20s %d\n", l, p.Outcomes[l])
		}
	}
	fmt.Fprintln(w)
	names := make([]string, 0, len(r.Uploaded))
	for n := range r.Uploaded {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "asset %-14s on %d peers\n", n, len(r.Uploaded[n]))
	}
	if len(r.Invalidated) > 0 {
		fmt.Fprintf(w, "first asset invalidated on %v\n", r.Invalidated)
	}
	if r.AssetErrors > 0 {
		fmt.Fprintf(w, "%d asset uploads failed\n", r.AssetErrors)
	}
}
