package entity

import "sort"

// AttributeSchema declares an attribute of an entity or reference
type AttributeSchema struct {
	Name           string
	Type           ValueType
	Mandatory      bool
	Localized      bool
	Unique         bool
	GloballyUnique bool
}

// IsUnique reports whether the attribute is indexed for unique lookups
func (a *AttributeSchema) IsUnique() bool {
	return a.Unique || a.GloballyUnique
}

// ReferenceSchema declares a named reference and its attributes
type ReferenceSchema struct {
	Name       string
	TargetType string
	GroupType  string
	Attributes map[string]*AttributeSchema
}

// EntitySchema declares a collection
type EntitySchema struct {
	Name          string
	WithHierarchy bool
	WithPrice     bool
	Attributes    map[string]*AttributeSchema
	References    map[string]*ReferenceSchema
}

// NewSchema returns an empty schema for a collection
func NewSchema(name string) *EntitySchema {
	return &EntitySchema{
		Name:       name,
		Attributes: make(map[string]*AttributeSchema),
		References: make(map[string]*ReferenceSchema),
	}
}

// WithAttribute adds an attribute declaration and returns the schema
func (s *EntitySchema) WithAttribute(a AttributeSchema) *EntitySchema {
	if a.Type == "" {
		a.Type = TypeString
	}
	s.Attributes[a.Name] = &a
	return s
}

// WithReference adds a reference declaration and returns the schema
func (s *EntitySchema) WithReference(r ReferenceSchema) *EntitySchema {
	if r.Attributes == nil {
		r.Attributes = make(map[string]*AttributeSchema)
	}
	for _, a := range r.Attributes {
		if a.Type == "" {
			a.Type = TypeString
		}
	}
	s.References[r.Name] = &r
	return s
}

// Attribute returns the declaration of name, or nil
func (s *EntitySchema) Attribute(name string) *AttributeSchema {
	return s.Attributes[name]
}

// Reference returns the declaration of name, or nil
func (s *EntitySchema) Reference(name string) *ReferenceSchema {
	return s.References[name]
}

// UniqueAttributes returns the unique and globally unique attribute declarations
func (s *EntitySchema) UniqueAttributes() []*AttributeSchema {
	var out []*AttributeSchema
	for _, a := range s.Attributes {
		if a.IsUnique() {
			out = append(out, a)
		}
	}
	return out
}

// CheckMandatory returns one ValidationError per missing mandatory attribute,
// including mandatory attributes of every reference the entity carries.
func (s *EntitySchema) CheckMandatory(e *Entity) ValidationErrors {
	var errs ValidationErrors
	for _, a := range sortedAttributes(s.Attributes) {
		errs = append(errs, missingAttribute(a, e.Attributes, e.Locales, "attributes.")...)
	}
	for _, r := range e.References {
		rs := s.References[r.Name]
		if rs == nil {
			continue
		}
		prefix := "references." + r.Name + ".attributes."
		for _, a := range sortedAttributes(rs.Attributes) {
			errs = append(errs, missingAttribute(a, r.Attributes, e.Locales, prefix)...)
		}
	}
	return errs
}

func missingAttribute(a *AttributeSchema, values map[AttributeKey]interface{}, locales []string, prefix string) ValidationErrors {
	if !a.Mandatory {
		return nil
	}
	var errs ValidationErrors
	if !a.Localized {
		if _, ok := values[AttributeKey{Name: a.Name}]; !ok {
			errs = append(errs, Invalid(prefix+a.Name, nil, "mandatory attribute is missing"))
		}
		return errs
	}
	for _, locale := range locales {
		if _, ok := values[AttributeKey{Name: a.Name, Locale: locale}]; !ok {
			errs = append(errs, Invalid(prefix+a.Name, locale, "mandatory localized attribute is missing"))
		}
	}
	return errs
}

func sortedAttributes(attrs map[string]*AttributeSchema) []*AttributeSchema {
	out := make([]*AttributeSchema, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
