// Package runner evaluates workload documents and writes one result document per evaluated combination.
package runner

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hpcflow/cosched/internal/common/coerrors"
	"github.com/hpcflow/cosched/internal/common/ctxlog"
	"github.com/hpcflow/cosched/internal/common/logging"
	"github.com/hpcflow/cosched/internal/common/util"
	"github.com/hpcflow/cosched/internal/cosched/configuration"
	"github.com/hpcflow/cosched/internal/cosched/document"
	"github.com/hpcflow/cosched/internal/cosched/metrics"
	"github.com/hpcflow/cosched/internal/cosched/model"
	"github.com/hpcflow/cosched/internal/cosched/search"
	"github.com/hpcflow/cosched/internal/cosched/sink"
)

// Runner is configured once per command invocation.
type Runner struct {
	config  configuration.Configuration
	metrics *metrics.SearchMetrics
	// Nil unless trials are recorded.
	trials *sink.TrialWriter
}

// New creates a runner. If config.Trials.OutputDirectory is set, every evaluated trial is also written to a parquet
// file labelled with label; call Close to flush it.
func New(config configuration.Configuration, m *metrics.SearchMetrics, label string) (*Runner, error) {
	r := &Runner{config: config, metrics: m}
	if dir := config.Trials.OutputDirectory; dir != "" {
		w, err := sink.NewTrialWriter(dir, label)
		if err != nil {
			return nil, err
		}
		r.trials = w
	}
	return r, nil
}

func (r *Runner) Close(ctx *ctxlog.Context) {
	if r.trials != nil {
		r.trials.Close(ctx)
	}
}

// Summary is one written (or skipped) result.
type Summary struct {
	Document string
	Label    string
	Trial    *search.Trial
	// Empty if no document was written.
	Path string
}

// Scenarios evaluates the given combinations for every document matching pattern.
func (r *Runner) Scenarios(ctx *ctxlog.Context, pattern string, combinations []search.Combination) ([]*Summary, error) {
	return r.forEachDocument(ctx, pattern, func(ctx *ctxlog.Context, doc *document.Document, evaluator *search.Evaluator) ([]*Summary, error) {
		results, err := search.Sweep(ctx, evaluator, combinations, r.config.Search.Workers, r.observers(doc)...)
		if err != nil {
			return nil, err
		}
		rv := make([]*Summary, 0, len(results))
		for _, result := range results {
			c := result.Combination
			summary, err := r.write(ctx, doc, result.Trial, scenarioLabel(c), c.Scenario.String(), c.Ratio)
			if err != nil {
				return nil, err
			}
			rv = append(rv, summary)
		}
		return rv, nil
	})
}

// Directive evaluates the partition each document gives under its non-co-scheduling key.
func (r *Runner) Directive(ctx *ctxlog.Context, pattern string) ([]*Summary, error) {
	return r.forEachDocument(ctx, pattern, func(ctx *ctxlog.Context, doc *document.Document, evaluator *search.Evaluator) ([]*Summary, error) {
		if !doc.HasDirective {
			ctx.Log.Warnf("%s has no non-co-scheduling key; evaluating the ideal partition", doc.Name)
		}
		observers := r.observers(doc)
		var rv []*Summary
		for i, h := range r.config.Heuristics.Pairs() {
			trial := evaluator.Evaluate(i, doc.Directive, h)
			for _, o := range observers {
				if err := o.OnTrial(trial); err != nil {
					return nil, err
				}
			}
			summary, err := r.write(ctx, doc, trial, "directive", "directive", 0)
			if err != nil {
				return nil, err
			}
			rv = append(rv, summary)
		}
		return rv, nil
	})
}

// Search runs the configured search policy once per heuristics pair and writes the best partition found.
func (r *Runner) Search(ctx *ctxlog.Context, pattern string) ([]*Summary, error) {
	label := "search-" + r.config.Search.Policy.String()
	return r.forEachDocument(ctx, pattern, func(ctx *ctxlog.Context, doc *document.Document, evaluator *search.Evaluator) ([]*Summary, error) {
		var rv []*Summary
		for _, h := range r.config.Heuristics.Pairs() {
			s := search.New(evaluator, r.searchConfig(h), r.observers(doc)...)
			outcome, err := s.Run(ctxlog.WithLogField(ctx, "heuristics", h))
			if err != nil {
				return nil, err
			}
			if outcome.Best == nil {
				ctx.Log.Warnf("%s: no feasible partition found with %s heuristics after %d trials", doc.Name, h, outcome.Trials)
				rv = append(rv, &Summary{Document: doc.Name, Label: label})
				continue
			}
			r.metrics.ReportBest(label, outcome.Best.Makespan())
			summary, err := r.write(ctx, doc, outcome.Best, label, label, 0)
			if err != nil {
				return nil, err
			}
			rv = append(rv, summary)
		}
		return rv, nil
	})
}

func (r *Runner) searchConfig(h model.Heuristics) search.Config {
	c := r.config.Search
	return search.Config{
		Policy:                c.Policy,
		Heuristics:            h,
		MaxTrials:             c.MaxTrials,
		Timeout:               c.Timeout,
		Workers:               c.Workers,
		Seed:                  c.Seed,
		MaxBruteForceAnalyses: c.MaxBruteForceAnalyses,
	}
}

type documentFunc func(ctx *ctxlog.Context, doc *document.Document, evaluator *search.Evaluator) ([]*Summary, error)

// forEachDocument loads every document matching pattern and applies f to each. Documents that fail to load or to
// evaluate are logged and skipped; their errors are returned together once every document has been processed.
func (r *Runner) forEachDocument(ctx *ctxlog.Context, pattern string, f documentFunc) ([]*Summary, error) {
	docs, loadErr := document.FromPattern(pattern)
	var result *multierror.Error
	if loadErr != nil {
		var merr *multierror.Error
		if errors.As(loadErr, &merr) {
			for _, err := range merr.Errors {
				logging.WithStacktrace(ctx.Log, err).Error("skipping document")
			}
		}
		result = multierror.Append(result, loadErr)
	}

	var rv []*Summary
	paths := make(map[string]string, len(docs))
	for _, doc := range docs {
		if ctx.Err() != nil {
			result = multierror.Append(result, errors.WithStack(ctx.Err()))
			break
		}
		if other, ok := paths[doc.Name]; ok {
			err := errors.WithStack(&coerrors.ErrInvalidArgument{
				Name:    "config-path",
				Value:   doc.Path,
				Message: fmt.Sprintf("results would overwrite those of %s", other),
			})
			logging.WithStacktrace(ctx.Log, err).Error("skipping document")
			result = multierror.Append(result, err)
			continue
		}
		paths[doc.Name] = doc.Path
		docCtx := ctxlog.WithLogField(ctx, "document", doc.Name)
		evaluator, err := search.NewEvaluator(doc.Catalog, r.config.Apportionment.TieBreak, r.config.Search.CacheSize)
		if err != nil {
			return nil, err
		}
		summaries, err := f(docCtx, doc, evaluator)
		if err != nil {
			logging.WithStacktrace(docCtx.Log, err).Error("failed to evaluate document")
			result = multierror.Append(result, errors.WithMessagef(err, "document %s", doc.Name))
			continue
		}
		rv = append(rv, summaries...)
	}
	return rv, result.ErrorOrNil()
}

func (r *Runner) observers(doc *document.Document) []search.Observer {
	rv := []search.Observer{search.ObserverFunc(func(trial *search.Trial) error {
		r.metrics.ReportTrial(trial.Heuristics, trial.Result, trial.Err)
		return nil
	})}
	if r.trials != nil {
		rv = append(rv, r.trials.Observer(doc.Name))
	}
	return rv
}

// write stores the result document of trial. Trials without a schedule produce no document; memory infeasible
// schedules are written with their unfeasible allocations listed.
func (r *Runner) write(ctx *ctxlog.Context, doc *document.Document, trial *search.Trial, label, scenario string, ratio float64) (*Summary, error) {
	summary := &Summary{Document: doc.Name, Label: label, Trial: trial}
	log := ctx.Log.WithFields(logrus.Fields{
		"label":      label,
		"heuristics": trial.Heuristics,
		"partition":  trial.Partition.Key(),
	})
	if trial.Result == nil {
		log.WithField("reason", coerrors.Reason(trial.Err)).Warnf("no schedule: %s", trial.Err)
		return summary, nil
	}
	result := &document.Result{Scenario: scenario, Ratio: ratio, Schedule: trial.Result}
	if trial.Report != nil && !trial.Report.Feasible() {
		result.Unfeasible = trial.Report.Infeasible
		log.Warnf("allocations %v do not have enough memory", trial.Report.Infeasible)
	}
	path, err := document.Write(r.config.Output.Directory, doc, result, label, r.config.Output.Format)
	if err != nil {
		return nil, err
	}
	summary.Path = path
	log.WithField("makespan", trial.Makespan()).Infof("wrote %s", path)
	return summary, nil
}

func scenarioLabel(c search.Combination) string {
	if c.Scenario.NeedsRatio() {
		return fmt.Sprintf("%s_%g", c.Scenario, c.Ratio)
	}
	return c.Scenario.String()
}

// Table renders summaries for the terminal.
func Table(summaries []*Summary) string {
	t := util.NewTable("DOCUMENT", "LABEL", "HEURISTICS", "PARTITION", "MAKESPAN", "OUTCOME", "FILE")
	for _, s := range summaries {
		if s.Trial == nil {
			t.Row(s.Document, s.Label, "", "", "", "no feasible partition", "")
			continue
		}
		makespan := "-"
		if s.Trial.Result != nil {
			makespan = fmt.Sprintf("%.4g", s.Trial.Makespan())
		}
		t.Row(s.Document, s.Label, s.Trial.Heuristics, s.Trial.Partition.Key(), makespan, coerrors.Reason(s.Trial.Err), s.Path)
	}
	return t.String()
}
