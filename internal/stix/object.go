// Package stix models STIX 2.1 objects as semi-structured records.
//
// Only the fields needed for identity and display are interpreted; every
// other property is carried through untouched.
package stix

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidObject is returned when a record lacks a usable id or type.
var ErrInvalidObject = errors.New("invalid stix object")

// Object is a STIX object keyed by property name.
type Object map[string]any

// UnmarshalJSON decodes numbers as json.Number so integers of any size
// survive a decode and re-encode unchanged.
func (o *Object) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return err
	}
	*o = m
	return nil
}

// Parse decodes a single JSON object and validates it.
func Parse(raw json.RawMessage) (Object, error) {
	var obj Object
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidObject, err)
	}
	if err := obj.Validate(); err != nil {
		return nil, err
	}
	return obj, nil
}

// Validate checks the required id and type properties. A STIX id has the
// form "<type>--<uuid>".
func (o Object) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: nil object", ErrInvalidObject)
	}
	id := o.ID()
	if id == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidObject)
	}
	typ := o.Type()
	if typ == "" {
		return fmt.Errorf("%w: %s: missing type", ErrInvalidObject, id)
	}
	if !strings.Contains(id, "--") {
		return fmt.Errorf("%w: malformed id %q", ErrInvalidObject, id)
	}
	return nil
}

// ID returns the "id" property.
func (o Object) ID() string { return o.str("id") }

// Type returns the "type" property.
func (o Object) Type() string { return o.str("type") }

func (o Object) Name() string        { return o.str("name") }
func (o Object) Description() string { return o.str("description") }
func (o Object) Created() string     { return o.str("created") }
func (o Object) Modified() string    { return o.str("modified") }
func (o Object) Pattern() string     { return o.str("pattern") }

// Value is the display value of the object: "value" for SCOs, otherwise
// the indicator pattern, otherwise the name.
func (o Object) Value() string {
	if v := o.str("value"); v != "" {
		return v
	}
	if p := o.Pattern(); p != "" {
		return p
	}
	return o.Name()
}

// LastSeen returns "last_seen", falling back to "valid_from" for indicators.
func (o Object) LastSeen() string {
	if v := o.str("last_seen"); v != "" {
		return v
	}
	return o.str("valid_from")
}

func (o Object) str(key string) string {
	s, _ := o[key].(string)
	return s
}
