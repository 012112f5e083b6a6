// Package metrics exposes a read-only Prometheus endpoint over cycle
// counters. It is observability, not control: it accepts no input and
// triggers no action on the update engine, per spec.md's "serving an API
// of its own" non-goal.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relikd/dockwatch/pkg/update"
)

const shutdownTimeout = 5 * time.Second

// Recorder accumulates per-cycle counts into Prometheus counters.
type Recorder struct {
	cyclesRun            prometheus.Counter
	containersUpdated    prometheus.Counter
	containersRolledBack prometheus.Counter
	containersAbandoned  prometheus.Counter
	stacksRedeployed     prometheus.Counter
	imagesPruned         prometheus.Counter
}

// NewRecorder registers its counters against reg. Pass
// prometheus.DefaultRegisterer to use the global registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		cyclesRun: factory.NewCounter(prometheus.CounterOpts{
			Name: "dockwatch_cycles_total",
			Help: "Number of update cycles completed.",
		}),
		containersUpdated: factory.NewCounter(prometheus.CounterOpts{
			Name: "dockwatch_containers_updated_total",
			Help: "Number of containers successfully recreated on a newer image.",
		}),
		containersRolledBack: factory.NewCounter(prometheus.CounterOpts{
			Name: "dockwatch_containers_rolled_back_total",
			Help: "Number of containers rolled back to their backup image after a failed pull, create/start or health probe.",
		}),
		containersAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Name: "dockwatch_containers_abandoned_total",
			Help: "Number of containers whose update was abandoned before any change was made.",
		}),
		stacksRedeployed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dockwatch_stacks_redeployed_total",
			Help: "Number of orchestrator stacks redeployed.",
		}),
		imagesPruned: factory.NewCounter(prometheus.CounterOpts{
			Name: "dockwatch_images_pruned_total",
			Help: "Number of local images deleted by the prune phase.",
		}),
	}
}

// Observe folds one cycle's Result into the counters.
func (r *Recorder) Observe(result update.Result) {
	r.cyclesRun.Inc()
	r.containersUpdated.Add(float64(result.ContainersUpdated))
	r.containersRolledBack.Add(float64(result.ContainersRolledBack))
	r.containersAbandoned.Add(float64(result.ContainersAbandoned))
	r.stacksRedeployed.Add(float64(result.StacksRedeployed))
	r.imagesPruned.Add(float64(result.ImagesPruned))
}

// Serve runs a minimal HTTP server exposing /metrics until ctx is
// cancelled, matching the rest of the codebase's pattern of a single
// cancellation scope driving every suspension point.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown error", "error", err)
		}

		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	}
}
