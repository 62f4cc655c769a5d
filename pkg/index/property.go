package index

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// PropertyOperator selects the comparison used by PropertyIndex.Query.
type PropertyOperator string

const (
	OpEq       PropertyOperator = "eq"
	OpNe       PropertyOperator = "ne"
	OpLt       PropertyOperator = "lt"
	OpGt       PropertyOperator = "gt"
	OpLte      PropertyOperator = "lte"
	OpGte      PropertyOperator = "gte"
	OpContains PropertyOperator = "contains"
	OpMatches  PropertyOperator = "matches"
)

// PropertyIndex maps property name -> value -> id set, with a reverse map
// from id to its indexed properties so removal never scans.
//
// Range operators (lt/gt/lte/gte) apply only when both the stored value and
// the query value are numeric; non-numeric pairs simply don't match.
// Contains is a case-insensitive substring test over the string form;
// Matches applies a compiled regular expression.
type PropertyIndex struct {
	mu      sync.RWMutex
	byProp  map[string]map[string]map[string]struct{} // prop -> valueKey -> ids
	values  map[string]map[string]any                 // prop -> valueKey -> original value
	reverse map[string]map[string]any                 // id -> prop -> value
}

// NewPropertyIndex creates an empty property index.
func NewPropertyIndex() *PropertyIndex {
	return &PropertyIndex{
		byProp:  make(map[string]map[string]map[string]struct{}),
		values:  make(map[string]map[string]any),
		reverse: make(map[string]map[string]any),
	}
}

// valueKey folds a property value into its map key. Numbers share a key
// space so 1 and 1.0 collide, matching eq semantics.
func valueKey(v any) string {
	if f, ok := asFloat(v); ok {
		return fmt.Sprintf("num:%g", f)
	}
	return "str:" + fmt.Sprintf("%v", v)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Add indexes one property value for id, replacing any previous value of the
// same property.
func (p *PropertyIndex) Add(id, property string, value any) {
	if id == "" || property == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.reverse[id][property]; ok {
		p.removeValueLocked(id, property, old)
	}

	key := valueKey(value)
	if p.byProp[property] == nil {
		p.byProp[property] = make(map[string]map[string]struct{})
		p.values[property] = make(map[string]any)
	}
	if p.byProp[property][key] == nil {
		p.byProp[property][key] = make(map[string]struct{})
	}
	p.byProp[property][key][id] = struct{}{}
	p.values[property][key] = value

	if p.reverse[id] == nil {
		p.reverse[id] = make(map[string]any)
	}
	p.reverse[id][property] = value
}

// AddAll indexes every property of the bag for id.
func (p *PropertyIndex) AddAll(id string, properties map[string]any) {
	for name, value := range properties {
		p.Add(id, name, value)
	}
}

// Remove drops every property entry for id.
func (p *PropertyIndex) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for property, value := range p.reverse[id] {
		p.removeValueLocked(id, property, value)
	}
	delete(p.reverse, id)
}

func (p *PropertyIndex) removeValueLocked(id, property string, value any) {
	key := valueKey(value)
	if vals := p.byProp[property]; vals != nil {
		if ids := vals[key]; ids != nil {
			delete(ids, id)
			if len(ids) == 0 {
				delete(vals, key)
				delete(p.values[property], key)
			}
		}
		if len(vals) == 0 {
			delete(p.byProp, property)
			delete(p.values, property)
		}
	}
	if props := p.reverse[id]; props != nil {
		delete(props, property)
	}
}

// Query returns the ids whose property satisfies (operator, value), sorted.
// An invalid regex for OpMatches returns an error.
func (p *PropertyIndex) Query(property string, operator PropertyOperator, value any) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var re *regexp.Regexp
	if operator == OpMatches {
		pattern, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("matches operator requires a string pattern, got %T", value)
		}
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
	}

	result := make(map[string]struct{})

	switch operator {
	case OpEq:
		key := valueKey(value)
		for id := range p.byProp[property][key] {
			result[id] = struct{}{}
		}
	case OpNe:
		key := valueKey(value)
		for k, ids := range p.byProp[property] {
			if k == key {
				continue
			}
			for id := range ids {
				result[id] = struct{}{}
			}
		}
	case OpLt, OpGt, OpLte, OpGte:
		qf, ok := asFloat(value)
		if !ok {
			break // non-numeric query value matches nothing
		}
		for k, ids := range p.byProp[property] {
			vf, ok := asFloat(p.values[property][k])
			if !ok {
				continue
			}
			match := false
			switch operator {
			case OpLt:
				match = vf < qf
			case OpGt:
				match = vf > qf
			case OpLte:
				match = vf <= qf
			case OpGte:
				match = vf >= qf
			}
			if match {
				for id := range ids {
					result[id] = struct{}{}
				}
			}
		}
	case OpContains:
		needle := strings.ToLower(fmt.Sprintf("%v", value))
		for k, ids := range p.byProp[property] {
			haystack := strings.ToLower(fmt.Sprintf("%v", p.values[property][k]))
			if strings.Contains(haystack, needle) {
				for id := range ids {
					result[id] = struct{}{}
				}
			}
		}
	case OpMatches:
		for k, ids := range p.byProp[property] {
			if re.MatchString(fmt.Sprintf("%v", p.values[property][k])) {
				for id := range ids {
					result[id] = struct{}{}
				}
			}
		}
	default:
		return nil, fmt.Errorf("unknown operator %q", operator)
	}

	ids := make([]string, 0, len(result))
	for id := range result {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Get returns the indexed properties for id.
func (p *PropertyIndex) Get(id string) map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	props := p.reverse[id]
	if props == nil {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

// Size returns the number of indexed ids.
func (p *PropertyIndex) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.reverse)
}

// Clear resets the index.
func (p *PropertyIndex) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byProp = make(map[string]map[string]map[string]struct{})
	p.values = make(map[string]map[string]any)
	p.reverse = make(map[string]map[string]any)
}
