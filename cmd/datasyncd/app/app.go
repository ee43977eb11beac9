// Package app wires the datasyncd command: flag/config parsing, then the
// construction and Run of the synccore Engine over an MQTT wire client,
// an in-memory store, and an optional blob offload store.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/autopeer-io/datasync/cmd/datasyncd/app/options"
	"github.com/autopeer-io/datasync/internal/metrics"
	"github.com/autopeer-io/datasync/internal/synccore"
	"github.com/autopeer-io/datasync/pkg/log"
	"github.com/autopeer-io/datasync/pkg/mqtt"
	"github.com/autopeer-io/datasync/storefake"
	"github.com/autopeer-io/datasync/transport/blobstore"
	"github.com/autopeer-io/datasync/transport/mqttwire"
)

const (
	commandName = "datasyncd"
	commandDesc = `datasyncd runs the offline-first model synchronization engine: it
reconciles incoming changes from an MQTT-backed backend into a local
store, drains locally-queued mutations back out one at a time, and
performs an initial full sync of every configured model type on startup.`
)

// NewCommand builds the datasyncd root cobra.Command.
func NewCommand() *cobra.Command {
	opts := options.NewOptions()
	v := viper.New()

	cmd := &cobra.Command{
		Use:           commandName,
		Short:         "Run the datasync engine daemon",
		Long:          commandDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bindConfig(v, cmd, opts); err != nil {
				return err
			}
			if errs := opts.Validate(); len(errs) > 0 {
				return fmt.Errorf("invalid configuration: %w", errs[0])
			}
			return run(cmd.Context(), opts)
		},
	}

	fs := cmd.Flags()
	opts.AddFlags(fs)
	fs.String("config", "", "Path to a YAML config file overlaying these flags.")

	return cmd
}

// bindConfig loads an optional --config file through viper and unmarshals
// it over opts, so a config file and flags can both supply settings with
// flags already applied as the struct's current values.
func bindConfig(v *viper.Viper, cmd *cobra.Command, opts *options.Options) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	if cfgPath == "" {
		return nil
	}

	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %q: %w", cfgPath, err)
	}
	if err := v.Unmarshal(opts); err != nil {
		return fmt.Errorf("failed to decode config file %q: %w", cfgPath, err)
	}
	return nil
}

func run(ctx context.Context, opts *options.Options) error {
	log.Init(opts.Log)
	logger := log.Std().WithName("datasyncd")

	undoMaxProcs, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Info(fmt.Sprintf(format, args...))
	}))
	if err != nil {
		logger.Warn("failed to set GOMAXPROCS from cgroup quota", "error", err)
	}
	if undoMaxProcs != nil {
		defer undoMaxProcs()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.MustRegisterDefault()

	mqttClient, err := mqtt.NewClient(opts.Mqtt.ToClientConfig())
	if err != nil {
		return fmt.Errorf("failed to build mqtt client: %w", err)
	}

	wire := mqttwire.New(mqttClient, opts.Mqtt.TopicRoot)

	if opts.EnableBlobOffload {
		blobs, err := blobstore.New(opts.Blob)
		if err != nil {
			return fmt.Errorf("failed to build blob store: %w", err)
		}
		if err := blobs.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("failed to prepare blob bucket: %w", err)
		}
		wire.SetBlobStore(blobs, opts.Blob.InlineMaxBytes)
	}

	if err := wire.Start(ctx); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}

	store := storefake.New()

	engine := synccore.NewEngine(synccore.EngineOptions{
		ModelTypes:      opts.ModelTypes,
		Store:           store,
		Wire:            wire,
		MutationPersist: store,
	})

	admin := newAdminServer(opts.HTTP.Addr, engine, opts.ModelTypes)
	go func() {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "admin server exited unexpectedly")
		}
	}()
	defer func() {
		_ = admin.Shutdown(context.Background())
	}()

	go logEngineEvents(ctx, engine, logger)

	logger.Info("starting datasync engine", "models", opts.ModelTypes, "broker", opts.Mqtt.Broker, "admin", opts.HTTP.Addr)
	return engine.Run(ctx)
}

// newAdminServer exposes /healthz, /metrics, and /debug/engine next to the
// running engine, following the same gorilla/mux + promhttp pairing the
// rest of the pack uses for its own HTTP surfaces.
func newAdminServer(addr string, engine *synccore.Engine, modelTypes []string) *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(engine.State().String()))
	})
	r.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	r.HandleFunc("/debug/engine", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			State      string   `json:"state"`
			ModelTypes []string `json:"modelTypes"`
		}{
			State:      engine.State().String(),
			ModelTypes: modelTypes,
		})
	})

	return &http.Server{
		Addr:    addr,
		Handler: r,
	}
}

// logEngineEvents drains the engine's publisher for the lifetime of ctx,
// logging every state transition and surfacing the terminal error (if
// any) once the engine stops.
func logEngineEvents(ctx context.Context, engine *synccore.Engine, logger log.Logger) {
	for {
		select {
		case ev, ok := <-engine.Publisher():
			if !ok {
				return
			}
			switch ev.Kind {
			case synccore.EngineStateTransition:
				logger.Info("engine state transition", "state", ev.State.String())
			case synccore.EngineMutationEvent:
				logger.Debug("reconciled mutation event", "mutation", ev.MutationEvent.String())
			case synccore.EngineTerminalError:
				logger.Error(ev.Err, "engine terminated")
			}
		case <-ctx.Done():
			return
		}
	}
}
