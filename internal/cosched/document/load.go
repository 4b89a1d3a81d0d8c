package document

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/mattn/go-zglob"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/hpcflow/cosched/internal/common/coerrors"
)

// FromPattern loads every document matching pattern, which may use ** to match directories recursively
// and may start with ~. A pattern matching no file is an error.
func FromPattern(pattern string) ([]*Document, error) {
	expanded, err := homedir.Expand(pattern)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	filePaths, err := zglob.Glob(expanded)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			filePaths = nil
		} else {
			return nil, errors.WithStack(err)
		}
	}
	if len(filePaths) == 0 {
		return nil, errors.WithStack(&coerrors.ErrInvalidArgument{
			Name:    "config-path",
			Value:   pattern,
			Message: "no document matches",
		})
	}
	slices.Sort(filePaths)
	docs, err := FromFilePaths(filePaths)
	disambiguate(docs)
	return docs, err
}

// disambiguate renames documents sharing a file name after their directory relative to the deepest directory the
// group has in common, e.g., runs/a/config.yml and runs/b/config.yml become a_config and b_config.
func disambiguate(docs []*Document) {
	byName := make(map[string][]*Document)
	for _, doc := range docs {
		byName[doc.Name] = append(byName[doc.Name], doc)
	}
	for _, group := range byName {
		if len(group) < 2 {
			continue
		}
		common := filepath.Dir(group[0].Path)
		for _, doc := range group[1:] {
			common = commonDir(common, filepath.Dir(doc.Path))
		}
		for _, doc := range group {
			rel, err := filepath.Rel(common, filepath.Dir(doc.Path))
			if err != nil || rel == "." {
				continue
			}
			doc.Name = strings.ReplaceAll(filepath.ToSlash(rel), "/", "_") + "_" + doc.Name
		}
	}
}

// commonDir returns the deepest directory containing both a and b.
func commonDir(a, b string) string {
	for !within(b, a) {
		parent := filepath.Dir(a)
		if parent == a {
			return a
		}
		a = parent
	}
	return a
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// FromFilePaths loads documents in the given order. Documents that fail to load are skipped; their errors are
// returned together with the documents that did load.
func FromFilePaths(filePaths []string) ([]*Document, error) {
	rv := make([]*Document, 0, len(filePaths))
	var result *multierror.Error
	for _, filePath := range filePaths {
		doc, err := FromFilePath(filePath)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		rv = append(rv, doc)
	}
	return rv, result.ErrorOrNil()
}

func FromFilePath(filePath string) (*Document, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	doc, err := Parse(NameOf(filePath), data)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid document %s", filePath)
	}
	doc.Path = filePath
	return doc, nil
}

// NameOf is the file name of filePath without its extension.
func NameOf(filePath string) string {
	base := filepath.Base(filePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
