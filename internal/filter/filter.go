// Package filter evaluates the flow.Filter/flow.FilterState predicate trees
// defined in internal/flow against captured flows, per §4.D.
package filter

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/syrahproxy/syrah/internal/flow"
)

// Matches applies fs to f and returns whether f should be visible.
func Matches(fs *flow.FilterState, f *flow.Flow) bool {
	if fs == nil {
		return true
	}
	if fs.ShowMarkedOnly && !f.IsMarked {
		return false
	}
	if fs.ShowErrorsOnly && f.Err == nil && !isErrorStatus(f) {
		return false
	}
	if fs.QuickSearch != nil && !EvaluateFilter(fs.QuickSearch, f) {
		return false
	}
	for _, pat := range fs.HiddenPatterns {
		if pat != "" && f.Request != nil && strings.Contains(f.Request.URL(), pat) {
			return false
		}
	}
	if len(fs.SelectedMethods) > 0 && !methodIn(f, fs.SelectedMethods) {
		return false
	}
	if len(fs.SelectedStatusCodes) > 0 && !statusIn(f, fs.SelectedStatusCodes) {
		return false
	}
	if len(fs.SelectedContentTypes) > 0 && !contentTypeIn(f, fs.SelectedContentTypes) {
		return false
	}
	if fs.DateRange != nil {
		if f.CreatedAt.Before(fs.DateRange.From) || f.CreatedAt.After(fs.DateRange.To) {
			return false
		}
	}
	for _, child := range fs.Filters {
		if !EvaluateFilter(child, f) {
			return false
		}
	}
	return true
}

func isErrorStatus(f *flow.Flow) bool {
	return f.Response != nil && f.Response.StatusCode >= 400
}

func methodIn(f *flow.Flow, methods []flow.Method) bool {
	if f.Request == nil {
		return false
	}
	for _, m := range methods {
		if f.Request.Method == m {
			return true
		}
	}
	return false
}

func statusIn(f *flow.Flow, codes []int) bool {
	if f.Response == nil {
		return false
	}
	for _, c := range codes {
		if f.Response.StatusCode == c {
			return true
		}
	}
	return false
}

func contentTypeIn(f *flow.Flow, types []flow.ContentType) bool {
	if f.Request == nil {
		return false
	}
	for _, t := range types {
		if f.Request.ContentType == t {
			return true
		}
	}
	return false
}

// EvaluateFilter evaluates a single (possibly recursive) Filter node.
// Disabled filters short-circuit to true, per §4.D.
func EvaluateFilter(fl *flow.Filter, f *flow.Flow) bool {
	if fl == nil {
		return true
	}
	if !fl.IsEnabled {
		return true
	}
	switch fl.Kind {
	case flow.FilterSimple:
		return evaluateSimple(fl, f)
	case flow.FilterCombined:
		return evaluateCombined(fl, f)
	case flow.FilterQuickSearch:
		return evaluateQuickSearch(fl, f)
	default:
		return false
	}
}

func evaluateCombined(fl *flow.Filter, f *flow.Flow) bool {
	switch fl.Combinator {
	case flow.CombinatorOr:
		if len(fl.Children) == 0 {
			return false
		}
		for _, c := range fl.Children {
			if EvaluateFilter(c, f) {
				return true
			}
		}
		return false
	default: // and, including unspecified
		for _, c := range fl.Children {
			if !EvaluateFilter(c, f) {
				return false
			}
		}
		return true
	}
}

func evaluateQuickSearch(fl *flow.Filter, f *flow.Flow) bool {
	needle := strings.ToLower(fl.Text)
	if needle == "" {
		return true
	}
	haystacks := []string{}
	if f.Request != nil {
		haystacks = append(haystacks, f.Request.URL(), string(f.Request.Method), f.Request.Host, f.Request.Path, string(f.Request.BodyBytes))
	}
	if f.Response != nil {
		haystacks = append(haystacks, strconv.Itoa(f.Response.StatusCode), string(f.Response.BodyBytes))
	}
	haystacks = append(haystacks, f.Tags...)
	haystacks = append(haystacks, f.Notes)
	for _, h := range haystacks {
		if strings.Contains(strings.ToLower(h), needle) {
			return true
		}
	}
	return false
}

func evaluateSimple(fl *flow.Filter, f *flow.Flow) bool {
	actual, present := fieldValue(fl, f)
	switch fl.Op {
	case flow.OpExists:
		return present
	case flow.OpNotExists:
		return !present
	}
	if !present {
		return false
	}
	return compare(fl.Op, actual, fl.Value)
}

func compare(op flow.Op, actual, value string) bool {
	switch op {
	case flow.OpEquals:
		return strings.EqualFold(actual, value)
	case flow.OpNotEquals:
		return !strings.EqualFold(actual, value)
	case flow.OpContains:
		return strings.Contains(strings.ToLower(actual), strings.ToLower(value))
	case flow.OpNotContains:
		return !strings.Contains(strings.ToLower(actual), strings.ToLower(value))
	case flow.OpStartsWith:
		return strings.HasPrefix(strings.ToLower(actual), strings.ToLower(value))
	case flow.OpEndsWith:
		return strings.HasSuffix(strings.ToLower(actual), strings.ToLower(value))
	case flow.OpRegex:
		re, err := regexp.Compile(value)
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	case flow.OpGreaterThan, flow.OpLessThan, flow.OpGreaterOrEqual, flow.OpLessOrEqual:
		return compareNumeric(op, actual, value)
	case flow.OpInList:
		return inList(actual, value, true)
	case flow.OpNotInList:
		return inList(actual, value, false)
	default:
		return false
	}
}

func compareNumeric(op flow.Op, actual, value string) bool {
	a, err1 := strconv.ParseFloat(actual, 64)
	v, err2 := strconv.ParseFloat(value, 64)
	if err1 != nil || err2 != nil {
		return false
	}
	switch op {
	case flow.OpGreaterThan:
		return a > v
	case flow.OpLessThan:
		return a < v
	case flow.OpGreaterOrEqual:
		return a >= v
	case flow.OpLessOrEqual:
		return a <= v
	default:
		return false
	}
}

func inList(actual, csv string, wantIn bool) bool {
	found := false
	for _, part := range strings.Split(csv, ",") {
		if strings.EqualFold(strings.TrimSpace(part), actual) {
			found = true
			break
		}
	}
	if wantIn {
		return found
	}
	return !found
}

// fieldValue extracts the string form of fl.Field from f, and whether it
// was present (non-empty headers, a parsed status code, etc).
func fieldValue(fl *flow.Filter, f *flow.Flow) (string, bool) {
	switch fl.Field {
	case flow.FieldMethod:
		if f.Request == nil {
			return "", false
		}
		return string(f.Request.Method), true
	case flow.FieldURL:
		if f.Request == nil {
			return "", false
		}
		return f.Request.URL(), true
	case flow.FieldHost:
		if f.Request == nil {
			return "", false
		}
		return f.Request.Host, true
	case flow.FieldPath:
		if f.Request == nil {
			return "", false
		}
		return f.Request.Path, true
	case flow.FieldStatusCode:
		if f.Response == nil {
			return "", false
		}
		return strconv.Itoa(f.Response.StatusCode), true
	case flow.FieldRequestHeader:
		if f.Request == nil {
			return "", false
		}
		v, ok := f.Request.Headers.Get(fl.HeaderName)
		return v, ok
	case flow.FieldResponseHeader:
		if f.Response == nil {
			return "", false
		}
		v, ok := f.Response.Headers.Get(fl.HeaderName)
		return v, ok
	case flow.FieldRequestBody:
		if f.Request == nil || len(f.Request.BodyBytes) == 0 {
			return "", false
		}
		return string(f.Request.BodyBytes), true
	case flow.FieldResponseBody:
		if f.Response == nil || len(f.Response.BodyBytes) == 0 {
			return "", false
		}
		return string(f.Response.BodyBytes), true
	case flow.FieldContentType:
		if f.Request == nil {
			return "", false
		}
		return string(f.Request.ContentType), true
	case flow.FieldDurationMs:
		ms := f.DurationMs()
		if ms < 0 {
			return "", false
		}
		return strconv.FormatInt(ms, 10), true
	case flow.FieldSizeBytes:
		return strconv.FormatInt(f.SizeBytes(), 10), true
	case flow.FieldTags:
		return strings.Join(f.Tags, ","), len(f.Tags) > 0
	case flow.FieldNotes:
		return f.Notes, f.Notes != ""
	case flow.FieldIsMarked:
		return strconv.FormatBool(f.IsMarked), true
	default:
		return "", false
	}
}
