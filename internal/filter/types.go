// Package filter models LDAP search filters as a tree that admission
// checks can walk without knowing how the filter reached the server.
package filter

// Kind represents the type of an LDAP filter node.
type Kind int

const (
	// KindAnd represents an AND filter (&).
	KindAnd Kind = iota
	// KindOr represents an OR filter (|).
	KindOr
	// KindNot represents a NOT filter (!).
	KindNot
	// KindEquality represents an equality filter (attr=value).
	KindEquality
	// KindSubstring represents a substring filter (attr=ab*cd*ef).
	KindSubstring
	// KindGreaterOrEqual represents a greater-or-equal filter (attr>=value).
	KindGreaterOrEqual
	// KindLessOrEqual represents a less-or-equal filter (attr<=value).
	KindLessOrEqual
	// KindPresent represents a presence filter (attr=*).
	KindPresent
	// KindApproxMatch represents an approximate match filter (attr~=value).
	KindApproxMatch
	// KindExtensibleMatch represents an extensible match filter.
	KindExtensibleMatch
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindAnd:
		return "AND"
	case KindOr:
		return "OR"
	case KindNot:
		return "NOT"
	case KindEquality:
		return "EQUALITY"
	case KindSubstring:
		return "SUBSTRING"
	case KindGreaterOrEqual:
		return "GREATER_OR_EQUAL"
	case KindLessOrEqual:
		return "LESS_OR_EQUAL"
	case KindPresent:
		return "PRESENT"
	case KindApproxMatch:
		return "APPROX_MATCH"
	case KindExtensibleMatch:
		return "EXTENSIBLE_MATCH"
	default:
		return "UNKNOWN"
	}
}

// Node is the read-only accessor the resource limits walk. Subfilters is
// only meaningful for AND/OR, Negated for NOT and SubstringComponents for
// SUBSTRING nodes; other kinds return zero values.
type Node interface {
	Kind() Kind
	Subfilters() []Node
	Negated() Node
	SubstringComponents() (initial string, any []string, final string)
}

// Filter represents an LDAP search filter.
type Filter struct {
	Type      Kind
	Attribute string
	Value     string
	Elements  []*Filter        // For AND/OR filters
	Operand   *Filter          // For NOT filter
	Substring *SubstringFilter // For substring filters

	// Extensible match only.
	MatchingRule string
	DNAttributes bool
}

// SubstringFilter represents the components of a substring filter.
type SubstringFilter struct {
	Initial string   // before the first *
	Any     []string // between *s
	Final   string   // after the last *
}

var _ Node = (*Filter)(nil)

// Kind implements Node.
func (f *Filter) Kind() Kind { return f.Type }

// Subfilters implements Node.
func (f *Filter) Subfilters() []Node {
	if f.Type != KindAnd && f.Type != KindOr {
		return nil
	}
	nodes := make([]Node, 0, len(f.Elements))
	for _, e := range f.Elements {
		nodes = append(nodes, e)
	}
	return nodes
}

// Negated implements Node.
func (f *Filter) Negated() Node {
	if f.Type != KindNot || f.Operand == nil {
		return nil
	}
	return f.Operand
}

// SubstringComponents implements Node.
func (f *Filter) SubstringComponents() (string, []string, string) {
	if f.Type != KindSubstring || f.Substring == nil {
		return "", nil, ""
	}
	return f.Substring.Initial, f.Substring.Any, f.Substring.Final
}

// NewAndFilter creates a new AND filter with the given children.
func NewAndFilter(children ...*Filter) *Filter {
	return &Filter{Type: KindAnd, Elements: children}
}

// NewOrFilter creates a new OR filter with the given children.
func NewOrFilter(children ...*Filter) *Filter {
	return &Filter{Type: KindOr, Elements: children}
}

// NewNotFilter creates a new NOT filter with the given child.
func NewNotFilter(child *Filter) *Filter {
	return &Filter{Type: KindNot, Operand: child}
}

// NewEqualityFilter creates a new equality filter.
func NewEqualityFilter(attribute, value string) *Filter {
	return &Filter{Type: KindEquality, Attribute: attribute, Value: value}
}

// NewPresentFilter creates a new presence filter.
func NewPresentFilter(attribute string) *Filter {
	return &Filter{Type: KindPresent, Attribute: attribute}
}

// NewSubstringFilter creates a new substring filter.
func NewSubstringFilter(attribute, initial string, any []string, final string) *Filter {
	return &Filter{
		Type:      KindSubstring,
		Attribute: attribute,
		Substring: &SubstringFilter{Initial: initial, Any: any, Final: final},
	}
}
