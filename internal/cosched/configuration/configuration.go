package configuration

import (
	"time"

	"github.com/spf13/viper"

	"github.com/hpcflow/cosched/internal/common"
	commonconfig "github.com/hpcflow/cosched/internal/common/config"
	"github.com/hpcflow/cosched/internal/common/logging"
	"github.com/hpcflow/cosched/internal/cosched/apportion"
	"github.com/hpcflow/cosched/internal/cosched/document"
	"github.com/hpcflow/cosched/internal/cosched/model"
	"github.com/hpcflow/cosched/internal/cosched/search"
)

const (
	DefaultConfigPath = "./config/cosched"
	EnvPrefix         = "COSCHED"
)

type Configuration struct {
	Logging logging.Config
	Output  OutputConfig
	// Every combination of a node and a core heuristic is evaluated.
	Heuristics    HeuristicsConfig
	Search        SearchConfig
	Sweep         SweepConfig
	Apportionment ApportionmentConfig
	Metrics       MetricsConfig
	Trials        TrialsConfig
}

type OutputConfig struct {
	// Result documents are written here.
	Directory string `validate:"required"`
	Format    document.Format
}

type HeuristicsConfig struct {
	Nodes []model.Heuristic `validate:"required,min=1"`
	Cores []model.Heuristic `validate:"required,min=1"`
}

// Pairs returns every (nodes, cores) pair, node heuristic major.
func (c HeuristicsConfig) Pairs() []model.Heuristics {
	rv := make([]model.Heuristics, 0, len(c.Nodes)*len(c.Cores))
	for _, nodes := range c.Nodes {
		for _, cores := range c.Cores {
			rv = append(rv, model.Heuristics{Nodes: nodes, Cores: cores})
		}
	}
	return rv
}

type SearchConfig struct {
	Policy search.Policy
	// Parallel evaluations for brute-force searches and sweeps.
	Workers int `validate:"gte=1"`
	// Zero means unbounded.
	MaxTrials int `validate:"gte=0"`
	// Zero means unbounded.
	Timeout time.Duration `validate:"gte=0"`
	// Zero picks a time-based seed.
	Seed                  int64
	MaxBruteForceAnalyses int `validate:"gte=0,lte=30"`
	// Number of memoised trial outcomes. Zero disables the cache.
	CacheSize int `validate:"gte=0"`
}

type SweepConfig struct {
	Ratios []float64 `validate:"required,min=1,dive,gt=0,lte=1"`
}

type ApportionmentConfig struct {
	TieBreak apportion.TieBreak
}

type MetricsConfig struct {
	// If non-zero, metrics are served on this port while the command runs.
	Port uint16
}

type TrialsConfig struct {
	// If set, every evaluated trial is appended to a parquet file in this directory.
	OutputDirectory string
}

func (c Configuration) Validate() error {
	if err := commonconfig.Validate(c); err != nil {
		return err
	}
	return c.Logging.Validate()
}

// SetDefaults registers the built-in defaults on v. Every key has a default so that environment variables can
// override any of them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logging.FormatText)
	v.SetDefault("output.directory", "results")
	v.SetDefault("output.format", "yaml")
	v.SetDefault("heuristics.nodes", []string{"model", "even"})
	v.SetDefault("heuristics.cores", []string{"model", "even"})
	v.SetDefault("search.policy", "increasing")
	v.SetDefault("search.workers", 4)
	v.SetDefault("search.maxTrials", 0)
	v.SetDefault("search.timeout", "0s")
	v.SetDefault("search.seed", 0)
	v.SetDefault("search.maxBruteForceAnalyses", search.DefaultMaxBruteForceAnalyses)
	v.SetDefault("search.cacheSize", 4096)
	v.SetDefault("sweep.ratios", []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1})
	v.SetDefault("apportionment.tieBreak", "ascending")
	v.SetDefault("metrics.port", 0)
	v.SetDefault("trials.outputDirectory", "")
}

// Load reads the configuration from defaultPath, overrides and the environment, then validates it.
// Validation failures are logged field by field.
func Load(v *viper.Viper, defaultPath string, overrides []string) (Configuration, error) {
	var config Configuration
	SetDefaults(v)
	if err := common.LoadConfig(v, &config, defaultPath, overrides, EnvPrefix); err != nil {
		return config, err
	}
	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		return config, err
	}
	return config, nil
}
