package sink

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	parquetWriter "github.com/xitongsys/parquet-go/writer"

	"github.com/hpcflow/cosched/internal/common/coerrors"
	"github.com/hpcflow/cosched/internal/common/ctxlog"
	"github.com/hpcflow/cosched/internal/cosched/search"
)

const trialsFileName = "trials.parquet"

type TrialRow struct {
	Index      int64   `parquet:"name=index, type=INT64"`
	Document   string  `parquet:"name=document, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Label      string  `parquet:"name=label, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Partition  string  `parquet:"name=partition, type=BYTE_ARRAY, convertedtype=UTF8"`
	Heuristics string  `parquet:"name=heuristics, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Reason     string  `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Makespan   float64 `parquet:"name=makespan, type=DOUBLE"`
	PoolNodes  int32   `parquet:"name=pool_nodes, type=INT32"`
	Offloaded  int32   `parquet:"name=offloaded, type=INT32"`
	Infeasible string  `parquet:"name=infeasible, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// TrialWriter appends one parquet row per trial to a single file shared by every document of a run.
type TrialWriter struct {
	label  string
	mu     sync.Mutex
	file   *os.File
	writer *parquetWriter.ParquetWriter
}

// NewTrialWriter creates <dir>/trials.parquet. label is copied into every row, e.g., the command or search policy.
func NewTrialWriter(dir, label string) (*TrialWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	fileWriter, err := os.Create(filepath.Join(dir, trialsFileName))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	pw, err := parquetWriter.NewParquetWriterFromWriter(fileWriter, new(TrialRow), 1)
	if err != nil {
		_ = fileWriter.Close()
		return nil, errors.WithStack(err)
	}
	return &TrialWriter{
		label:  label,
		file:   fileWriter,
		writer: pw,
	}, nil
}

// Observer returns an observer writing the trials of document.
func (w *TrialWriter) Observer(document string) search.Observer {
	return search.ObserverFunc(func(trial *search.Trial) error {
		return w.Write(document, trial)
	})
}

func (w *TrialWriter) Write(document string, trial *search.Trial) error {
	row := TrialRow{
		Index:      int64(trial.Index),
		Document:   document,
		Label:      w.label,
		Partition:  trial.Partition.Key(),
		Heuristics: trial.Heuristics.String(),
		Reason:     coerrors.Reason(trial.Err),
		Makespan:   trial.Makespan(),
		Offloaded:  int32(trial.Partition.Len()),
	}
	if trial.Result != nil {
		if pool := trial.Result.Pool(); pool != nil {
			row.PoolNodes = int32(pool.NodeCount)
		}
	}
	if trial.Report != nil && !trial.Report.Feasible() {
		row.Infeasible = strings.Join(trial.Report.Infeasible, ",")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return errors.WithStack(w.writer.Write(row))
}

func (w *TrialWriter) Close(ctx *ctxlog.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.WriteStop(); err != nil {
		ctx.Log.Warnf("Could not cleanly close %s parquet file: %s", trialsFileName, err)
	}
	if err := w.file.Close(); err != nil {
		ctx.Log.Warnf("Could not close %s: %s", trialsFileName, err)
	}
}
