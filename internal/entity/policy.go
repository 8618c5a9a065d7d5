package entity

import (
	_ "embed"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var defaultPolicyYAML []byte

// FieldPolicy is the overwrite rule for one enriched field. The policy table
// is the single place coalescing behavior lives; workflows never carry their
// own first-non-null-wins logic.
type FieldPolicy struct {
	Name string `yaml:"name"`

	// Multi marks a multi-valued field (keywords, technologies). Items
	// accumulate monotonically keyed on (entity, field, value); nothing is
	// ever overwritten.
	Multi bool `yaml:"multi"`

	// Richer marks a composite field (location) where an incoming value
	// only wins when it has strictly more populated sub-components than
	// the stored one. Never regress from more-complete to less-complete.
	Richer bool `yaml:"richer"`

	// Authoritative lists sources whose values overwrite regardless of
	// confidence, e.g. a paid enrichment API outranking a discovery scrape.
	Authoritative []string `yaml:"authoritative,omitempty"`
}

// Policy is the indexed field policy table. It doubles as the write schema:
// a field name missing from the table is a schema mismatch, rejected loudly.
type Policy struct {
	Fields []FieldPolicy

	byName map[string]*FieldPolicy
}

// LoadPolicy parses a YAML policy table and indexes it.
func LoadPolicy(data []byte) (*Policy, error) {
	var raw struct {
		Fields []FieldPolicy `yaml:"fields"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "entity: parse policy table")
	}
	if len(raw.Fields) == 0 {
		return nil, eris.New("entity: policy table has no fields")
	}

	p := &Policy{
		Fields: raw.Fields,
		byName: make(map[string]*FieldPolicy, len(raw.Fields)),
	}
	for i := range p.Fields {
		f := &p.Fields[i]
		if f.Name == "" {
			return nil, eris.New("entity: policy field with empty name")
		}
		if _, dup := p.byName[f.Name]; dup {
			return nil, eris.Errorf("entity: duplicate policy field %q", f.Name)
		}
		p.byName[f.Name] = f
	}
	return p, nil
}

// DefaultPolicy returns the embedded policy table.
func DefaultPolicy() *Policy {
	p, err := LoadPolicy(defaultPolicyYAML)
	if err != nil {
		// The embedded table is validated by tests; a parse failure here is
		// a build defect, not a runtime condition.
		panic(err)
	}
	return p
}

// ByName returns the policy for a field, or nil if the field is unknown.
func (p *Policy) ByName(name string) *FieldPolicy {
	return p.byName[name]
}

// Known reports whether the field exists in the policy table.
func (p *Policy) Known(name string) bool {
	_, ok := p.byName[name]
	return ok
}

// AuthoritativeFor reports whether source always wins for this field.
func (f *FieldPolicy) AuthoritativeFor(source string) bool {
	for _, s := range f.Authoritative {
		if s == source {
			return true
		}
	}
	return false
}
