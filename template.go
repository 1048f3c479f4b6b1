package state

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Template declares the default state of a broker. A field holding a Deriver
// (or a plain func(State) any) is a derived property: it is recomputed on
// every write and may never be set directly.
type Template map[string]any

// Deriver computes one field from the rest of the state.
type Deriver func(s State) any

type deepValue struct {
	value any
}

// DeepCompare marks a template literal for structural comparison. Writes to
// the field only count as a change when the new value is not deeply equal to
// the old one.
func DeepCompare(v any) any {
	return deepValue{value: v}
}

type deriver struct {
	key    string
	derive Deriver
}

type processedTemplate struct {
	initial     State
	derivers    []deriver
	derivedKeys []string
	derived     map[string]struct{}
	deepKeys    map[string]struct{}
}

func asDeriver(v any) (Deriver, bool) {
	switch fn := v.(type) {
	case Deriver:
		return fn, fn != nil
	case func(State) any:
		return fn, fn != nil
	}
	return nil, false
}

// processTemplate splits t into literals and derivers and computes the
// initial state. At this point derivers see only the template literals, never
// the values of other derivers.
func processTemplate(t Template) *processedTemplate {
	p := &processedTemplate{
		initial:  make(State, len(t)),
		derived:  make(map[string]struct{}),
		deepKeys: make(map[string]struct{}),
	}

	raw := make(State, len(t))
	for key, v := range t {
		if dv, ok := v.(deepValue); ok {
			p.deepKeys[key] = struct{}{}
			v = dv.value
		}
		if fn, ok := asDeriver(v); ok {
			p.derivers = append(p.derivers, deriver{key: key, derive: fn})
			p.derived[key] = struct{}{}
			continue
		}
		raw[key] = v
		p.initial[key] = v
	}

	sort.Slice(p.derivers, func(i, j int) bool {
		return p.derivers[i].key < p.derivers[j].key
	})

	for _, d := range p.derivers {
		p.derivedKeys = append(p.derivedKeys, d.key)
		p.initial[d.key] = d.derive(raw.Clone())
	}

	return p
}

func (p *processedTemplate) isDerived(key string) bool {
	_, ok := p.derived[key]
	return ok
}

func (p *processedTemplate) equal(key string, a, b any) bool {
	if _, ok := p.deepKeys[key]; ok {
		return structurallyEqual(a, b)
	}
	return identical(a, b)
}

// derive recomputes every derived field against merged and returns the
// results.
func (p *processedTemplate) derive(merged State) State {
	out := make(State, len(p.derivers))
	for _, d := range p.derivers {
		out[d.key] = d.derive(merged.Clone())
	}
	return out
}

// LoadTemplate parses a YAML mapping into a literal-only Template. Derived
// fields can be added to the result afterwards.
func LoadTemplate(data []byte) (Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing template: %w", err)
	}
	if t == nil {
		t = Template{}
	}
	return t, nil
}
