// Package resolve turns any of the four dataset identifier forms (uuid,
// numeric id, slug, human name) into the catalog record, and mints the
// derived identifiers for new datasets.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/scivault/ingestd/catalog"
	"github.com/scivault/ingestd/idgen"
)

// Kind classifies the syntactic form of an identifier.
type Kind string

const (
	KindUUID    Kind = "uuid"
	KindNumeric Kind = "numeric"
	KindSlug    Kind = "slug"
)

var (
	uuidRe    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	numericRe = regexp.MustCompile(`^[0-9]+$`)
	slugRe    = regexp.MustCompile(`[^a-z0-9]+`)
)

// Classify reports the strongest syntactic form identifier matches. A
// string that is neither a uuid nor all digits is tried as a slug first
// and as a name second; both share KindSlug here.
func Classify(identifier string) Kind {
	switch {
	case uuidRe.MatchString(identifier):
		return KindUUID
	case numericRe.MatchString(identifier):
		return KindNumeric
	default:
		return KindSlug
	}
}

// Resolver resolves identifiers against the catalog.
type Resolver struct {
	cat *catalog.Catalog
}

// New returns a Resolver backed by cat.
func New(cat *catalog.Catalog) *Resolver {
	return &Resolver{cat: cat}
}

// Resolve returns the dataset identifier refers to. ownerHint scopes name
// lookups; without it a name shared across owners is
// catalog.ErrAmbiguousIdentifier. Resolution order is uuid, numeric id,
// slug, then name, so the stronger forms can never be shadowed.
func (r *Resolver) Resolve(ctx context.Context, identifier, ownerHint string) (*catalog.Dataset, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, catalog.ErrNotFound
	}
	switch Classify(identifier) {
	case KindUUID:
		return r.cat.GetDatasetByUUID(ctx, strings.ToLower(identifier))
	case KindNumeric:
		n, err := strconv.ParseInt(identifier, 10, 64)
		if err != nil {
			return nil, catalog.ErrNotFound
		}
		return r.cat.GetDatasetByNumericID(ctx, n)
	}
	d, err := r.cat.GetDatasetBySlug(ctx, identifier)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		return nil, err
	}
	return r.cat.GetDatasetByName(ctx, identifier, ownerHint)
}

// NewDatasetUUID mints a fresh time-ordered uuid for a dataset record.
func NewDatasetUUID() string {
	return idgen.New()
}

// slugPart lowercases s and collapses every non-alphanumeric run into a
// single hyphen.
func slugPart(s string) string {
	s = slugRe.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(s, "-")
}

// Slugify builds the canonical slug for a dataset: the local part of the
// owner's email, the dataset name, and the creation year, hyphen joined.
func Slugify(ownerEmail, name string, created time.Time) string {
	local := ownerEmail
	if at := strings.IndexByte(ownerEmail, '@'); at >= 0 {
		local = ownerEmail[:at]
	}
	parts := []string{slugPart(local), slugPart(name), strconv.Itoa(created.UTC().Year())}
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "-")
}

const maxSlugProbes = 100

// MintSlug returns a slug not yet present in the catalog: the canonical
// form when free, otherwise the first free -2, -3, ... variant.
func (r *Resolver) MintSlug(ctx context.Context, ownerEmail, name string, created time.Time) (string, error) {
	base := Slugify(ownerEmail, name, created)
	if base == "" {
		base = "dataset-" + strconv.Itoa(created.UTC().Year())
	}
	for i := 1; i <= maxSlugProbes; i++ {
		candidate := base
		if i > 1 {
			candidate = fmt.Sprintf("%s-%d", base, i)
		}
		_, err := r.cat.GetDatasetBySlug(ctx, candidate)
		if errors.Is(err, catalog.ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("resolve: no free slug for %q after %d probes", base, maxSlugProbes)
}

const (
	numericIDCounter = "dataset_numeric_id"
	numericIDBase    = 10000
	numericIDSpan    = 90000
	maxIDProbes      = 100
)

// MintNumericID returns a free 5-digit numeric id derived from the
// monotonic counter. Soft-deleted datasets keep their id, so a derived
// value can collide; collisions advance the counter and retry.
func (r *Resolver) MintNumericID(ctx context.Context) (int64, error) {
	for i := 0; i < maxIDProbes; i++ {
		n, err := r.cat.NextCounter(ctx, numericIDCounter)
		if err != nil {
			return 0, err
		}
		candidate := numericIDBase + (n-1)%numericIDSpan
		_, err = r.cat.GetDatasetByNumericID(ctx, candidate)
		if errors.Is(err, catalog.ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("resolve: numeric id space exhausted")
}
