package flow

import "time"

// Field is the closed set of flow attributes a Simple filter can test.
type Field string

const (
	FieldMethod          Field = "method"
	FieldURL             Field = "url"
	FieldHost            Field = "host"
	FieldPath            Field = "path"
	FieldStatusCode      Field = "status_code"
	FieldRequestHeader   Field = "request_header"
	FieldResponseHeader  Field = "response_header"
	FieldRequestBody     Field = "request_body"
	FieldResponseBody    Field = "response_body"
	FieldContentType     Field = "content_type"
	FieldDurationMs      Field = "duration_ms"
	FieldSizeBytes       Field = "size_bytes"
	FieldTags            Field = "tags"
	FieldNotes           Field = "notes"
	FieldIsMarked        Field = "is_marked"
)

// Op is the closed set of comparison operators a Simple filter can apply.
type Op string

const (
	OpEquals         Op = "equals"
	OpNotEquals      Op = "not_equals"
	OpContains       Op = "contains"
	OpNotContains    Op = "not_contains"
	OpStartsWith     Op = "starts_with"
	OpEndsWith       Op = "ends_with"
	OpRegex          Op = "regex"
	OpGreaterThan    Op = "greater_than"
	OpLessThan       Op = "less_than"
	OpGreaterOrEqual Op = "greater_or_equal"
	OpLessOrEqual    Op = "less_or_equal"
	OpExists         Op = "exists"
	OpNotExists      Op = "not_exists"
	OpInList         Op = "in_list"
	OpNotInList      Op = "not_in_list"
)

// Combinator joins a Combined filter's children.
type Combinator string

const (
	CombinatorAnd Combinator = "and"
	CombinatorOr  Combinator = "or"
)

// FilterKind discriminates the Filter sum type.
type FilterKind string

const (
	FilterSimple      FilterKind = "simple"
	FilterCombined    FilterKind = "combined"
	FilterQuickSearch FilterKind = "quick_search"
)

// Filter is the recursive predicate sum type evaluated by internal/filter.
type Filter struct {
	Kind FilterKind

	// Simple
	Field      Field
	Op         Op
	Value      string
	HeaderName string // used when Field is request_header/response_header

	// Combined
	Combinator Combinator
	Children   []*Filter

	// QuickSearch
	Text string

	IsEnabled bool
}

func NewSimpleFilter(field Field, op Op, value string) *Filter {
	return &Filter{Kind: FilterSimple, Field: field, Op: op, Value: value, IsEnabled: true}
}

func NewHeaderFilter(field Field, headerName string, op Op, value string) *Filter {
	return &Filter{Kind: FilterSimple, Field: field, HeaderName: headerName, Op: op, Value: value, IsEnabled: true}
}

func NewCombinedFilter(combinator Combinator, children ...*Filter) *Filter {
	return &Filter{Kind: FilterCombined, Combinator: combinator, Children: children, IsEnabled: true}
}

func NewQuickSearch(text string) *Filter {
	return &Filter{Kind: FilterQuickSearch, Text: text, IsEnabled: true}
}

// DateRange bounds a FilterState by creation time, inclusive on both ends.
type DateRange struct {
	From time.Time
	To   time.Time
}

// FilterState composes the coarse toggles and filter list a session applies
// to decide which flows are visible, per §4.D.
type FilterState struct {
	QuickSearch           *Filter
	Filters               []*Filter // AND-ed together
	ShowMarkedOnly        bool
	ShowErrorsOnly        bool
	HiddenPatterns        []string
	SelectedMethods       []Method
	SelectedStatusCodes   []int
	SelectedContentTypes  []ContentType
	DateRange             *DateRange
}
