package detect

import (
	"errors"
	"fmt"

	"github.com/MrWong99/civicsight/pkg/preprocess"
)

// defaultLabels is the built-in scenario catalog.
var defaultLabels = []string{
	"Pothole on road",
	"Garbage accumulation",
	"Clean road",
	"Broken streetlight",
	"Illegal construction",
}

// DefaultLabels returns a copy of the built-in scenario catalog.
func DefaultLabels() []string {
	return append([]string(nil), defaultLabels...)
}

// NormalizeCatalog applies [preprocess.NormalizeLabel] to every label and
// rejects catalogs that are empty or contain blank or duplicate entries after
// normalisation. Order is preserved.
func NormalizeCatalog(labels []string) ([]string, error) {
	if len(labels) == 0 {
		return nil, errors.New("detect: label catalog is empty")
	}
	out := make([]string, len(labels))
	seen := make(map[string]int, len(labels))
	var errs []error
	for i, l := range labels {
		n := preprocess.NormalizeLabel(l)
		if n == "" {
			errs = append(errs, fmt.Errorf("detect: label %d is blank", i))
			continue
		}
		if j, dup := seen[n]; dup {
			errs = append(errs, fmt.Errorf("detect: label %d %q duplicates label %d", i, n, j))
			continue
		}
		seen[n] = i
		out[i] = n
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}
