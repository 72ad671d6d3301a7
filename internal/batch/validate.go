package batch

import (
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/docforge/querycache/internal/datasource"
)

// Schema describes the shape items must have before they are written.
type Schema struct {
	// Required fields must be present, even if null.
	Required []string `json:"required,omitempty" yaml:"required"`
	// Types maps a field to string, number, boolean, object or array.
	Types map[string]string `json:"types,omitempty" yaml:"types"`
	// Rules maps a field to validator tags, for example "email" or "min=3".
	Rules map[string]string `json:"rules,omitempty" yaml:"rules"`
}

// InvalidItem is an item rejected by ValidateItems.
type InvalidItem struct {
	Index  int            `json:"index"`
	Item   datasource.Row `json:"item"`
	Errors []string       `json:"errors"`
}

var validate = validator.New()

// ValidateItems partitions items into those that satisfy schema and those
// that do not. Order is preserved in both.
func ValidateItems(items []datasource.Row, schema Schema) ([]datasource.Row, []InvalidItem) {
	var (
		valid   []datasource.Row
		invalid []InvalidItem
	)
	for i, it := range items {
		if errs := schema.check(it); len(errs) > 0 {
			invalid = append(invalid, InvalidItem{Index: i, Item: it, Errors: errs})
			continue
		}
		valid = append(valid, it)
	}
	return valid, invalid
}

func (s Schema) check(it datasource.Row) []string {
	var errs []string
	for _, f := range s.Required {
		if _, ok := it[f]; !ok {
			errs = append(errs, "missing required field: "+f)
		}
	}
	for _, f := range sortedKeys(s.Types) {
		v, ok := it[f]
		if !ok || v == nil {
			continue
		}
		if want := s.Types[f]; typeOf(v) != want {
			errs = append(errs, fmt.Sprintf("field %s must be of type %s", f, want))
		}
	}
	for _, f := range sortedKeys(s.Rules) {
		v, ok := it[f]
		if !ok || v == nil {
			continue
		}
		if err := validate.Var(v, s.Rules[f]); err != nil {
			errs = append(errs, fmt.Sprintf("field %s fails %q", f, s.Rules[f]))
		}
	}
	return errs
}

func typeOf(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return "number"
	case map[string]any:
		return "object"
	case []any, []string, []int, []float64, []map[string]any:
		return "array"
	}
	return fmt.Sprintf("%T", v)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	tableChunkSizes = map[string]int{
		"contracts": 50,
		"users":     200,
		"vistorias": 100,
		"documents": 30,
	}
	kindParallel = map[datasource.OperationKind]int{
		datasource.OpInsert: 3,
		datasource.OpUpdate: 2,
		datasource.OpDelete: 5,
		datasource.OpUpsert: 2,
	}
)

// OptimizeOptions tunes the defaults of kind for table: chunk sizes follow
// the table's typical row width and parallelism follows the write cost of
// the kind. A positive count caps the chunk size.
func OptimizeOptions(kind datasource.OperationKind, table string, count int) Options {
	o := DefaultOptions(kind)
	size, ok := tableChunkSizes[table]
	if !ok {
		size = 100
	}
	if size < o.ChunkSize {
		o.ChunkSize = size
	}
	if count > 0 && count < o.ChunkSize {
		o.ChunkSize = count
	}
	o.Parallel = 3
	if p, ok := kindParallel[kind]; ok {
		o.Parallel = p
	}
	return o
}
