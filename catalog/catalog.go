/*
Package catalog converts course and resource definitions into ledger records.

PURPOSE:
  Courses, their ordered lessons and standalone resources are defined in
  YAML or JSON and imported without code changes. The factory validates
  field shape with go-playground/validator, then the engine invariants
  (contiguous lesson order, priced paid items) before anything reaches
  the store.

DOCUMENT SCHEMA:
  courses:
    - id: intro-trading
      title: Intro to Trading
      is_free: false
      price_usd: "99.00"
      lessons:
        - {id: l1, title: Basics, order: 1, is_preview: true}
        - {id: l2, title: Charts, order: 2}
  resources:
    - {id: cheat-sheet, title: Cheat sheet, is_premium: true, price_usd: "50"}

  JSON documents are accepted as-is (JSON is a YAML subset).
  Lessons without any order are numbered by position.

USAGE:
  f := catalog.NewFactory()
  cat, err := f.Parse(data)
  err = catalog.Load(ctx, store, cat)

SEE ALSO:
  - ledger/types.go: ValidateLessonOrder
  - demo.go: Built-in demo catalog
*/
package catalog

import (
	"context"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/access-engine/ledger"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// DOCUMENT SCHEMA TYPES
// =============================================================================

// Document is the on-disk and over-the-wire catalog representation.
type Document struct {
	Courses   []CourseDoc   `yaml:"courses" json:"courses" validate:"dive"`
	Resources []ResourceDoc `yaml:"resources" json:"resources" validate:"dive"`
}

type CourseDoc struct {
	ID       string      `yaml:"id" json:"id" validate:"required,max=128"`
	Title    string      `yaml:"title" json:"title" validate:"required"`
	IsFree   bool        `yaml:"is_free" json:"is_free"`
	PriceUSD string      `yaml:"price_usd" json:"price_usd" validate:"omitempty,numeric"`
	Lessons  []LessonDoc `yaml:"lessons" json:"lessons" validate:"dive"`
}

type LessonDoc struct {
	ID        string `yaml:"id" json:"id" validate:"required,max=128"`
	Title     string `yaml:"title" json:"title"`
	Order     int    `yaml:"order" json:"order" validate:"gte=0"`
	IsPreview bool   `yaml:"is_preview" json:"is_preview"`
}

type ResourceDoc struct {
	ID        string `yaml:"id" json:"id" validate:"required,max=128"`
	Title     string `yaml:"title" json:"title" validate:"required"`
	IsPremium bool   `yaml:"is_premium" json:"is_premium"`
	PriceUSD  string `yaml:"price_usd" json:"price_usd" validate:"omitempty,numeric"`
}

// Catalog is a validated set of records ready to be saved.
type Catalog struct {
	Courses   []ledger.Course
	Resources []ledger.Resource
}

// =============================================================================
// FACTORY
// =============================================================================

// Factory converts documents to ledger records.
type Factory struct {
	validate *validator.Validate
}

func NewFactory() *Factory {
	return &Factory{validate: validator.New()}
}

// Parse decodes a YAML or JSON document and builds it.
func (f *Factory) Parse(data []byte) (*Catalog, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse catalog: %v", ledger.ErrInvalidCatalog, err)
	}
	return f.Build(doc)
}

// ParseFile reads and parses a catalog file.
func (f *Factory) ParseFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return f.Parse(data)
}

// Build validates doc and converts it.
func (f *Factory) Build(doc Document) (*Catalog, error) {
	if err := f.validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidCatalog, err)
	}

	cat := &Catalog{}
	seenCourses := make(map[string]bool)
	seenLessons := make(map[string]bool)
	for _, cd := range doc.Courses {
		if seenCourses[cd.ID] {
			return nil, fmt.Errorf("%w: duplicate course %s", ledger.ErrInvalidCatalog, cd.ID)
		}
		seenCourses[cd.ID] = true

		c, err := buildCourse(cd)
		if err != nil {
			return nil, err
		}
		for _, l := range c.Lessons {
			if seenLessons[string(l.ID)] {
				return nil, fmt.Errorf("%w: duplicate lesson %s", ledger.ErrInvalidCatalog, l.ID)
			}
			seenLessons[string(l.ID)] = true
		}
		cat.Courses = append(cat.Courses, c)
	}

	seenResources := make(map[string]bool)
	for _, rd := range doc.Resources {
		if seenResources[rd.ID] {
			return nil, fmt.Errorf("%w: duplicate resource %s", ledger.ErrInvalidCatalog, rd.ID)
		}
		seenResources[rd.ID] = true

		r, err := buildResource(rd)
		if err != nil {
			return nil, err
		}
		cat.Resources = append(cat.Resources, r)
	}
	return cat, nil
}

func buildCourse(cd CourseDoc) (ledger.Course, error) {
	c := ledger.Course{
		ID:     ledger.CourseID(cd.ID),
		Title:  cd.Title,
		IsFree: cd.IsFree,
	}
	if !cd.IsFree {
		price, err := parsePrice(cd.PriceUSD)
		if err != nil {
			return ledger.Course{}, fmt.Errorf("%w: course %s: %v", ledger.ErrInvalidCatalog, cd.ID, err)
		}
		c.PriceUSD = price
	}

	numberByPosition := true
	for _, ld := range cd.Lessons {
		if ld.Order != 0 {
			numberByPosition = false
			break
		}
	}
	for i, ld := range cd.Lessons {
		order := ld.Order
		if numberByPosition {
			order = i + 1
		}
		c.Lessons = append(c.Lessons, ledger.Lesson{
			ID:        ledger.LessonID(ld.ID),
			CourseID:  c.ID,
			Title:     ld.Title,
			Order:     order,
			IsPreview: ld.IsPreview,
		})
	}
	if err := ledger.ValidateLessonOrder(c.ID, c.Lessons); err != nil {
		return ledger.Course{}, err
	}
	return c, nil
}

func buildResource(rd ResourceDoc) (ledger.Resource, error) {
	r := ledger.Resource{
		ID:        ledger.ResourceID(rd.ID),
		Title:     rd.Title,
		IsPremium: rd.IsPremium,
	}
	if rd.IsPremium {
		price, err := parsePrice(rd.PriceUSD)
		if err != nil {
			return ledger.Resource{}, fmt.Errorf("%w: resource %s: %v", ledger.ErrInvalidCatalog, rd.ID, err)
		}
		r.PriceUSD = price
	}
	return r, nil
}

// parsePrice requires a positive amount with at most two decimals.
func parsePrice(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("paid item needs price_usd")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad price %q: %v", s, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("price must be positive, got %s", d)
	}
	if !d.Equal(d.Round(2)) {
		return decimal.Zero, fmt.Errorf("price %s has more than two decimals", d)
	}
	return d, nil
}

// =============================================================================
// LOADING
// =============================================================================

// Saver is the catalog half of the Ledger Store.
type Saver interface {
	SaveCourse(ctx context.Context, c ledger.Course) error
	SaveResource(ctx context.Context, r ledger.Resource) error
}

// Load saves every course and resource. Courses already published keep their
// lesson sequence; a document that changes it fails with ErrInvalidCatalog.
func Load(ctx context.Context, s Saver, cat *Catalog) error {
	for _, c := range cat.Courses {
		if err := s.SaveCourse(ctx, c); err != nil {
			return fmt.Errorf("save course %s: %w", c.ID, err)
		}
	}
	for _, r := range cat.Resources {
		if err := s.SaveResource(ctx, r); err != nil {
			return fmt.Errorf("save resource %s: %w", r.ID, err)
		}
	}
	return nil
}
