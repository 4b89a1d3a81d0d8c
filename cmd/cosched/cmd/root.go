package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hpcflow/cosched/internal/cosched/search"
)

// RootCmd is the root Cobra command that gets called from the main func.
// Run on its own it evaluates one scenario; the other modes are sub-commands.
func RootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "cosched <config-path> <scenario> [ratio]",
		Short: "cosched partitions a cluster between coupled simulations and their analyses.",
		Long: `Evaluate one partitioning scenario for every workload document matching <config-path>.

<config-path> may be a glob pattern; ** matches directories recursively.
<scenario> is one of ideal, transit, increasing or decreasing. increasing and decreasing
offload the given ratio, in (0, 1], of the analyses with the smallest or largest flop.

One result document is written per document and pair of node and core heuristics.`,
		Args: scenarioArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			scenario, ratio, _ := parseScenarioArgs(args)

			ctx, env, err := setup(cmd, v, scenario.String())
			if err != nil {
				return err
			}
			defer env.close()
			combinations := search.Combinations([]search.Scenario{scenario}, []float64{ratio}, env.config.Heuristics.Pairs())
			summaries, err := env.runner.Scenarios(ctx, args[0], combinations)
			env.print(summaries)
			return err
		},
	}
	addCommonFlags(cmd, v)

	cmd.AddCommand(
		directiveCmd(v),
		searchCmd(v),
		sweepCmd(v),
		generateCmd(),
	)
	return cmd
}

func scenarioArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.RangeArgs(2, 3)(cmd, args); err != nil {
		return err
	}
	_, _, err := parseScenarioArgs(args)
	return err
}

func parseScenarioArgs(args []string) (search.Scenario, float64, error) {
	scenario, err := search.ParseScenario(args[1])
	if err != nil {
		return scenario, 0, err
	}
	if !scenario.NeedsRatio() {
		if len(args) == 3 {
			return scenario, 0, fmt.Errorf("scenario %s takes no ratio", scenario)
		}
		return scenario, 0, nil
	}
	if len(args) < 3 {
		return scenario, 0, fmt.Errorf("scenario %s requires a ratio in (0, 1]", scenario)
	}
	ratio, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return scenario, 0, fmt.Errorf("invalid ratio %q: %s", args[2], err)
	}
	if err := search.ValidateRatio(ratio); err != nil {
		return scenario, 0, err
	}
	return scenario, ratio, nil
}
