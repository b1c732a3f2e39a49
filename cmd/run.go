package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/encodeous/spfsim/core"
	"github.com/encodeous/spfsim/perf"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	metricsAddr    string
	hold           bool
	expireInterval time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Converge the network and play the scripted changes",
	Long: `Converges every router of the topology, then applies the changes listed in the topology file one at a time.
Each change is flooded from its originating router and every router that accepts it recomputes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		collector := perf.NewCollector()
		cfg, in, err := loadInstance(core.WithMetrics(collector))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		if metricsAddr != "" {
			go serveMetrics(ctx, collector)
		}

		st, err := in.Converge()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "converged %d routers: %d routes, %d failures\n", len(in.Routers()), st.Touched, len(st.Failures))
		for _, f := range st.Failures {
			fmt.Fprintf(out, "  %s\n", f.Error())
		}

		reports, err := applyScript(in, cfg.Changes)
		if len(reports) > 0 {
			table := newTable(out, "#", "CHANGE", "DELIVERED", "FULL", "PARTIAL", "ADDED", "CHANGED", "UPDATED", "SWEPT", "FAILED")
			for i, r := range reports {
				table.Append([]string{
					strconv.Itoa(i),
					r.Advert.String(),
					strconv.Itoa(len(r.Delivered)),
					strconv.Itoa(r.Full),
					strconv.Itoa(r.Partial),
					strconv.Itoa(r.Stats.Added),
					strconv.Itoa(r.Stats.Changed),
					strconv.Itoa(r.Stats.Updated),
					strconv.Itoa(r.Stats.Swept),
					strconv.Itoa(len(r.Stats.Failures)),
				})
			}
			table.Render()
		}
		if err != nil {
			return err
		}

		if !hold {
			return nil
		}
		// keep the network alive, aging out link state entries like a real router would
		logger.Info("holding, interrupt to exit", "metrics", metricsAddr)
		loop := core.NewLoop(in)
		loop.RepeatTask(ctx, func(in *core.Instance) error {
			in.Expire()
			return nil
		}, expireInterval)
		err = loop.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
	GroupID: "sim",
}

func serveMetrics(ctx context.Context, collector *perf.Collector) {
	http.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	server := &http.Server{Addr: metricsAddr}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	logger.Info("exporting metrics", "addr", metricsAddr)
	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "err", err)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&metricsAddr, "metrics", "", "serve prometheus metrics, expvar and /debug/metrics on this address")
	runCmd.Flags().BoolVar(&hold, "hold", false, "keep the network running after the script finished")
	runCmd.Flags().DurationVar(&expireInterval, "expire-interval", time.Minute, "how often held routers age out their link state databases")
}
