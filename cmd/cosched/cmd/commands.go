package cmd

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	commonconfig "github.com/hpcflow/cosched/internal/common/config"
	"github.com/hpcflow/cosched/internal/cosched/generator"
	"github.com/hpcflow/cosched/internal/cosched/search"
)

func directiveCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "directive <config-path>",
		Short: "Evaluate the partition given by each document's non-co-scheduling key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx, env, err := setup(cmd, v, "directive")
			if err != nil {
				return err
			}
			defer env.close()
			summaries, err := env.runner.Directive(ctx, args[0])
			env.print(summaries)
			return err
		},
	}
}

func searchCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <config-path>",
		Short: "Search for the partition with the lowest feasible makespan.",
		Long: `Search for the partition with the lowest feasible makespan.

Starting from the ideal partition, analyses are offloaded one at a time in the order given by --policy.
When a partition runs out of memory only the simulations that ran out are advanced.
brute-force instead evaluates every partition and is limited to search.maxBruteForceAnalyses analyses.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx, env, err := setup(cmd, v, "search")
			if err != nil {
				return err
			}
			defer env.close()
			summaries, err := env.runner.Search(ctx, args[0])
			env.print(summaries)
			return err
		},
	}
	cmd.Flags().String("policy", "", "One of increasing, decreasing, random or brute-force.")
	cmd.Flags().Int("max-trials", 0, "Stop after this many trials. Unbounded if 0.")
	cmd.Flags().Duration("timeout", 0, "Stop after this long. Unbounded if 0.")
	cmd.Flags().Int64("seed", 0, "Seed of the random policy. Time-based if 0.")
	bind(v, cmd.Flags().Lookup("policy"), "search.policy")
	bind(v, cmd.Flags().Lookup("max-trials"), "search.maxTrials")
	bind(v, cmd.Flags().Lookup("timeout"), "search.timeout")
	bind(v, cmd.Flags().Lookup("seed"), "search.seed")
	return cmd
}

func sweepCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep <config-path>",
		Short: "Evaluate every scenario, the ratio-based ones over a grid of ratios.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx, env, err := setup(cmd, v, "sweep")
			if err != nil {
				return err
			}
			defer env.close()
			scenarios := []search.Scenario{search.Ideal, search.Transit, search.Increasing, search.Decreasing}
			combinations := search.Combinations(scenarios, env.config.Sweep.Ratios, env.config.Heuristics.Pairs())
			summaries, err := env.runner.Scenarios(ctx, args[0], combinations)
			env.print(summaries)
			return err
		},
	}
	cmd.Flags().StringSlice("ratios", nil, "Ratios evaluated by the increasing and decreasing scenarios, e.g., 0.25,0.5.")
	bind(v, cmd.Flags().Lookup("ratios"), "sweep.ratios")
	return cmd
}

func generateCmd() *cobra.Command {
	defaults := generator.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a random workload document.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			config, err := generatorConfig(cmd)
			if err != nil {
				return err
			}
			out, err := generator.Generate(config)
			if err != nil {
				return err
			}
			path, err := cmd.Flags().GetString("file")
			if err != nil {
				return err
			}
			if path == "" {
				_, err = cmd.OutOrStdout().Write(out)
				return errors.WithStack(err)
			}
			return errors.WithStack(os.WriteFile(path, out, 0o644))
		},
	}
	flags := cmd.Flags()
	flags.String("file", "", "Write the document here instead of stdout.")
	flags.Int64("seed", 0, "Seed. Time-based if 0.")
	flags.Int("nodes", defaults.Nodes, "Nodes in the cluster.")
	flags.Int("cores", defaults.Cores, "Cores per node.")
	flags.Float64("memory", defaults.Memory, "Memory per node in GB.")
	flags.Float64("bandwidth", defaults.Bandwidth, "Bandwidth per node in GB/s.")
	flags.Float64("speed", defaults.Speed, "Core speed in GFLOP/s.")
	flags.Int("steps", defaults.Steps, "Coupling iterations.")
	flags.Int("simulations", defaults.Simulations, "Number of simulations.")
	flags.Int("min-analyses", defaults.Analyses.Min, "Fewest analyses per simulation.")
	flags.Int("max-analyses", defaults.Analyses.Max, "Most analyses per simulation.")
	return cmd
}

func generatorConfig(cmd *cobra.Command) (generator.Config, error) {
	config := generator.DefaultConfig()
	flags := cmd.Flags()
	var err error
	if config.Seed, err = flags.GetInt64("seed"); err != nil {
		return config, err
	}
	if config.Nodes, err = flags.GetInt("nodes"); err != nil {
		return config, err
	}
	if config.Cores, err = flags.GetInt("cores"); err != nil {
		return config, err
	}
	if config.Memory, err = flags.GetFloat64("memory"); err != nil {
		return config, err
	}
	if config.Bandwidth, err = flags.GetFloat64("bandwidth"); err != nil {
		return config, err
	}
	if config.Speed, err = flags.GetFloat64("speed"); err != nil {
		return config, err
	}
	if config.Steps, err = flags.GetInt("steps"); err != nil {
		return config, err
	}
	if config.Simulations, err = flags.GetInt("simulations"); err != nil {
		return config, err
	}
	if config.Analyses.Min, err = flags.GetInt("min-analyses"); err != nil {
		return config, err
	}
	if config.Analyses.Max, err = flags.GetInt("max-analyses"); err != nil {
		return config, err
	}
	if err := commonconfig.Validate(config); err != nil {
		commonconfig.LogValidationErrors(err)
		return config, err
	}
	return config, nil
}
