package cmd

import (
	"fmt"
	"io"

	"github.com/renstrom/shortuuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/hpcflow/cosched/internal/common/app"
	"github.com/hpcflow/cosched/internal/common/ctxlog"
	"github.com/hpcflow/cosched/internal/common/logging"
	"github.com/hpcflow/cosched/internal/common/serve"
	"github.com/hpcflow/cosched/internal/cosched/configuration"
	"github.com/hpcflow/cosched/internal/cosched/metrics"
	"github.com/hpcflow/cosched/internal/cosched/runner"
)

const CustomConfigLocation = "config"

// addCommonFlags registers the flags shared by every evaluating command and binds them to configuration keys.
func addCommonFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()
	flags.StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	flags.String("output", "", "Directory result documents are written to.")
	flags.String("format", "", "Result document format, yaml or json.")
	flags.Int("workers", 0, "Number of evaluations run in parallel.")
	flags.String("tie-break", "", "Rounding rule of model decisions, ascending or near-allocate.")
	flags.String("trials", "", "If set, every evaluated partition is recorded in <dir>/trials.parquet.")
	flags.Uint16("metrics-port", 0, "If set, Prometheus metrics are served on this port while running.")
	flags.String("log-level", "", "Log level, e.g., debug or info.")

	bind(v, flags.Lookup("output"), "output.directory")
	bind(v, flags.Lookup("format"), "output.format")
	bind(v, flags.Lookup("workers"), "search.workers")
	bind(v, flags.Lookup("tie-break"), "apportionment.tieBreak")
	bind(v, flags.Lookup("trials"), "trials.outputDirectory")
	bind(v, flags.Lookup("metrics-port"), "metrics.port")
	bind(v, flags.Lookup("log-level"), "logging.level")
}

// environment is what an evaluating command runs with.
type environment struct {
	config configuration.Configuration
	runner *runner.Runner
	out    io.Writer
	close  func()
}

// setup loads the configuration, configures logging and starts the metrics server if one is configured.
// The returned context is cancelled on SIGINT or SIGTERM.
func setup(cmd *cobra.Command, v *viper.Viper, label string) (*ctxlog.Context, *environment, error) {
	overrides, err := cmd.Flags().GetStringSlice(CustomConfigLocation)
	if err != nil {
		return nil, nil, err
	}
	config, err := configuration.Load(v, configuration.DefaultConfigPath, overrides)
	if err != nil {
		return nil, nil, err
	}
	if err := logging.ConfigureLogging(config.Logging, cmd.OutOrStdout()); err != nil {
		return nil, nil, err
	}

	ctx := ctxlog.WithLogField(ctxlog.Background(), "run", shortuuid.New())
	ctx, stop := app.CreateContextWithShutdown(ctx)
	m := metrics.NewSearchMetrics()
	if port := config.Metrics.Port; port != 0 {
		server := serve.MetricsServer(port, m.Handler())
		go func() {
			if err := serve.ListenAndServe(ctx, server); err != nil {
				logging.WithStacktrace(ctx.Log, err).Error("metrics server failed")
			}
		}()
		ctx.Log.Infof("serving metrics on :%d/metrics", port)
	}

	r, err := runner.New(config, m, label)
	if err != nil {
		stop()
		return nil, nil, err
	}
	return ctx, &environment{
		config: config,
		runner: r,
		out:    cmd.OutOrStdout(),
		close: func() {
			r.Close(ctx)
			stop()
		},
	}, nil
}

func (e *environment) print(summaries []*runner.Summary) {
	if len(summaries) > 0 {
		fmt.Fprint(e.out, runner.Table(summaries))
	}
}

func bind(v *viper.Viper, flag *pflag.Flag, key string) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}
