// Package scope defines the project/dataset naming scheme and the
// deterministic identifiers derived from it. Every dataset maps to
// exactly one vector collection whose name is a pure function of the
// canonical project and dataset names.
package scope

import (
	"strings"

	"github.com/google/uuid"

	"github.com/scopehq/contextmcp/internal/errors"
)

// MaxCollectionName is the longest collection name the vector backends
// accept.
const MaxCollectionName = 63

// idNamespace seeds the deterministic scope identifiers. Fixed forever:
// changing it would orphan every existing collection.
var idNamespace = uuid.MustParse("7aa5c6e4-9df1-4f0b-8c3a-2f4f6a1d0b42")

// Sanitize canonicalizes a raw project or dataset name: lowercase,
// non-[a-z0-9_] replaced by underscores, runs collapsed, edges trimmed.
// Sanitize is idempotent.
func Sanitize(name string) string {
	lower := strings.ToLower(name)
	var sb strings.Builder
	sb.Grow(len(lower))
	prevUnderscore := false
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			prevUnderscore = false
			continue
		}
		if !prevUnderscore {
			sb.WriteByte('_')
			prevUnderscore = true
		}
	}
	return strings.Trim(sb.String(), "_")
}

// Validate rejects names that sanitize to nothing.
func Validate(name string) error {
	if Sanitize(name) == "" {
		return errors.Newf(errors.KindValidation, "name %q contains no usable characters", name)
	}
	return nil
}

// CollectionName returns the canonical collection for a dataset within a
// project. Inputs are sanitized first; the result is truncated to the
// backend limit with trailing underscores trimmed.
func CollectionName(project, dataset string) string {
	name := "project_" + Sanitize(project) + "_dataset_" + Sanitize(dataset)
	if len(name) > MaxCollectionName {
		name = strings.TrimRight(name[:MaxCollectionName], "_")
	}
	return name
}

// ProjectID derives the stable identifier for a project name.
// Equal canonical names always yield equal ids.
func ProjectID(project string) string {
	return uuid.NewSHA1(idNamespace, []byte("project:"+Sanitize(project))).String()
}

// DatasetID derives the stable identifier for a dataset within a project.
func DatasetID(project, dataset string) string {
	return uuid.NewSHA1(idNamespace, []byte("dataset:"+Sanitize(project)+"/"+Sanitize(dataset))).String()
}

// Scope pairs a canonical project with one of its datasets.
type Scope struct {
	Project string
	Dataset string
}

// NewScope canonicalizes and validates both parts.
func NewScope(project, dataset string) (Scope, error) {
	if err := Validate(project); err != nil {
		return Scope{}, errors.Wrap(errors.KindValidation, "invalid project name", err)
	}
	if err := Validate(dataset); err != nil {
		return Scope{}, errors.Wrap(errors.KindValidation, "invalid dataset name", err)
	}
	return Scope{Project: Sanitize(project), Dataset: Sanitize(dataset)}, nil
}

// Collection returns the scope's collection name.
func (s Scope) Collection() string {
	return CollectionName(s.Project, s.Dataset)
}

// AccessSet resolves the collections a query may touch: the named
// datasets within the project, or every provided dataset when none are
// named. The result is deduplicated and order-preserving.
func AccessSet(project string, requested, available []string) ([]Scope, error) {
	if err := Validate(project); err != nil {
		return nil, err
	}
	datasets := requested
	if len(datasets) == 0 {
		datasets = available
	}
	if len(datasets) == 0 {
		return nil, errors.New(errors.KindNotFound, "project has no datasets").WithResource(Sanitize(project))
	}

	avail := make(map[string]bool, len(available))
	for _, d := range available {
		avail[Sanitize(d)] = true
	}

	seen := make(map[string]bool, len(datasets))
	scopes := make([]Scope, 0, len(datasets))
	for _, d := range datasets {
		canonical := Sanitize(d)
		if canonical == "" || seen[canonical] {
			continue
		}
		if len(requested) > 0 && len(available) > 0 && !avail[canonical] {
			return nil, errors.Newf(errors.KindNotFound, "dataset %q not found in project", d).
				WithResource(Sanitize(project))
		}
		seen[canonical] = true
		scopes = append(scopes, Scope{Project: Sanitize(project), Dataset: canonical})
	}
	return scopes, nil
}
