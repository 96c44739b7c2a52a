package entity

import (
	"fmt"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Marshal encodes the full entity state for the mutation journal
func Marshal(e *Entity) ([]byte, error) {
	rec := entityRecord{
		Type:                e.Type,
		PrimaryKey:          e.PrimaryKey,
		Version:             e.Version,
		Scope:               e.Scope.String(),
		InnerRecordHandling: e.PriceInnerRecordHandling.String(),
		Parent:              e.Parent,
		Prices:              e.Prices,
	}
	attrs, err := encodeAttributes(e.Attributes)
	if err != nil {
		return nil, err
	}
	rec.Attributes = attrs
	for _, k := range sortedDataKeys(e.AssociatedData) {
		rec.AssociatedData = append(rec.AssociatedData, associatedDataRecord{
			Name: k.Name, Locale: k.Locale, Value: e.AssociatedData[k],
		})
	}
	for _, r := range e.References {
		ra, err := encodeAttributes(r.Attributes)
		if err != nil {
			return nil, err
		}
		rec.References = append(rec.References, referenceRecord{
			Name: r.Name, Target: r.Target, Group: r.Group, Attributes: ra,
		})
	}
	return json.Marshal(rec)
}

// Unmarshal decodes an entity written by Marshal
func Unmarshal(data []byte) (*Entity, error) {
	var rec entityRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	e := New(rec.Type, rec.PrimaryKey)
	e.Version = rec.Version
	scope, err := ParseScope(rec.Scope)
	if err != nil {
		return nil, err
	}
	e.Scope = scope
	handling, err := ParsePriceInnerRecordHandling(rec.InnerRecordHandling)
	if err != nil {
		return nil, err
	}
	e.PriceInnerRecordHandling = handling
	e.Parent = rec.Parent
	e.Prices = rec.Prices
	if e.Attributes, err = decodeAttributes(rec.Attributes); err != nil {
		return nil, err
	}
	for _, ad := range rec.AssociatedData {
		e.AssociatedData[AttributeKey{Name: ad.Name, Locale: ad.Locale}] = ad.Value
	}
	for _, rr := range rec.References {
		attrs, err := decodeAttributes(rr.Attributes)
		if err != nil {
			return nil, err
		}
		e.References = append(e.References, Reference{
			Name: rr.Name, Target: rr.Target, Group: rr.Group, Attributes: attrs,
		})
	}
	e.refreshLocales()
	return e, nil
}

type entityRecord struct {
	Type                string                 `json:"type"`
	PrimaryKey          int                    `json:"primaryKey"`
	Version             int                    `json:"version"`
	Scope               string                 `json:"scope"`
	InnerRecordHandling string                 `json:"priceInnerRecordHandling"`
	Parent              *EntityRef             `json:"parent,omitempty"`
	Attributes          []attributeRecord      `json:"attributes,omitempty"`
	AssociatedData      []associatedDataRecord `json:"associatedData,omitempty"`
	Prices              []Price                `json:"prices,omitempty"`
	References          []referenceRecord      `json:"references,omitempty"`
}

type attributeRecord struct {
	Name   string          `json:"name"`
	Locale string          `json:"locale,omitempty"`
	Type   ValueType       `json:"type"`
	Value  json.RawMessage `json:"value"`
}

type associatedDataRecord struct {
	Name   string `json:"name"`
	Locale string `json:"locale,omitempty"`
	Value  []byte `json:"value"`
}

type referenceRecord struct {
	Name       string            `json:"name"`
	Target     EntityRef         `json:"target"`
	Group      *EntityRef        `json:"group,omitempty"`
	Attributes []attributeRecord `json:"attributes,omitempty"`
}

func encodeAttributes(attrs map[AttributeKey]interface{}) ([]attributeRecord, error) {
	keys := make([]AttributeKey, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sortKeys(keys)
	out := make([]attributeRecord, 0, len(keys))
	for _, k := range keys {
		v := attrs[k]
		t, err := typeOf(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k.Name, err)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out = append(out, attributeRecord{Name: k.Name, Locale: k.Locale, Type: t, Value: raw})
	}
	return out, nil
}

func decodeAttributes(recs []attributeRecord) (map[AttributeKey]interface{}, error) {
	out := make(map[AttributeKey]interface{}, len(recs))
	for _, r := range recs {
		var (
			v   interface{}
			err error
		)
		switch r.Type {
		case TypeString:
			var s string
			err = json.Unmarshal(r.Value, &s)
			v = s
		case TypeInt:
			var n int64
			err = json.Unmarshal(r.Value, &n)
			v = n
		case TypeDecimal:
			var d decimal.Decimal
			err = json.Unmarshal(r.Value, &d)
			v = d
		case TypeBool:
			var b bool
			err = json.Unmarshal(r.Value, &b)
			v = b
		case TypeDateTime:
			var ts time.Time
			err = json.Unmarshal(r.Value, &ts)
			v = ts.UTC()
		case TypeStrings:
			var list []string
			err = json.Unmarshal(r.Value, &list)
			v = list
		default:
			err = fmt.Errorf("unknown attribute type %q", r.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", r.Name, err)
		}
		out[AttributeKey{Name: r.Name, Locale: r.Locale}] = v
	}
	return out, nil
}

func typeOf(v interface{}) (ValueType, error) {
	switch v.(type) {
	case string:
		return TypeString, nil
	case int64:
		return TypeInt, nil
	case decimal.Decimal:
		return TypeDecimal, nil
	case bool:
		return TypeBool, nil
	case time.Time:
		return TypeDateTime, nil
	case []string:
		return TypeStrings, nil
	}
	return "", fmt.Errorf("unsupported value type %T", v)
}

func sortedDataKeys(m map[AttributeKey][]byte) []AttributeKey {
	keys := make([]AttributeKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

func sortKeys(keys []AttributeKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Name != keys[j].Name {
			return keys[i].Name < keys[j].Name
		}
		return keys[i].Locale < keys[j].Locale
	})
}
