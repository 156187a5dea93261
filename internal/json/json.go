// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package json provides JSON marshal/unmarshal that preserves fields the
// current schema version does not know about. Any struct carrying an
// AdditionalFields map[string]interface{} field will have unrecognized JSON
// keys captured on Unmarshal and written back verbatim on Marshal. The token
// cache wire format is shared with other implementations in the ecosystem,
// so data written by a newer client must survive a read/write cycle here.
package json

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// addField is the name of the passthrough bucket on structs.
const addField = "AdditionalFields"

var (
	jsonMarshaler   = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	jsonUnmarshaler = reflect.TypeOf((*json.Unmarshaler)(nil)).Elem()
)

// Unmarshal unmarshals a []byte representing JSON into i, which must be a
// *struct. Unknown keys at any struct level that has an AdditionalFields
// field are stored there as json.RawMessage.
func Unmarshal(b []byte, i interface{}) error {
	if len(b) == 0 {
		return nil
	}

	v := reflect.ValueOf(i)
	if v.Kind() != reflect.Ptr {
		return fmt.Errorf("json: Unmarshal() received type %T, which is not a *struct", i)
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("json: Unmarshal() received type %T, which is not a *struct", i)
	}
	return unmarshalStruct(b, v)
}

func unmarshalStruct(b []byte, v reflect.Value) error {
	t := v.Type()

	if f, ok := t.FieldByName(addField); ok {
		if f.Type != reflect.TypeOf(map[string]interface{}(nil)) {
			return fmt.Errorf("json: type %s has AdditionalFields of type %s, must be map[string]interface{}", t.Name(), f.Type)
		}
	}

	raw := map[string]json.RawMessage{}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	// known maps a JSON key to the struct field it belongs to. Fields of
	// embedded structs are promoted to the outer level, as encoding/json
	// does.
	known := map[string][]int{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Name == addField || !f.IsExported() {
			continue
		}
		if f.Anonymous && f.Type.Kind() == reflect.Struct && f.Tag.Get("json") == "" {
			et := f.Type
			for j := 0; j < et.NumField(); j++ {
				ef := et.Field(j)
				if ef.Name == addField || !ef.IsExported() {
					continue
				}
				name, skip := jsonName(ef)
				if skip {
					continue
				}
				known[name] = []int{i, j}
			}
			continue
		}
		name, skip := jsonName(f)
		if skip {
			continue
		}
		known[name] = []int{i}
	}

	var extra map[string]interface{}
	for key, rm := range raw {
		idx, ok := known[key]
		if !ok {
			if _, hasAdd := t.FieldByName(addField); hasAdd {
				if extra == nil {
					extra = map[string]interface{}{}
				}
				extra[key] = json.RawMessage(rm)
			}
			continue
		}
		if err := unmarshalField(rm, v.FieldByIndex(idx)); err != nil {
			return fmt.Errorf("json: field %s.%s: %w", t.Name(), key, err)
		}
	}
	if extra != nil {
		v.FieldByName(addField).Set(reflect.ValueOf(extra))
	}
	return nil
}

func unmarshalField(b []byte, v reflect.Value) error {
	if string(b) == "null" {
		return nil
	}

	t := v.Type()

	// Types with their own unmarshaler (time.Time and friends) are handled
	// by the standard decoder.
	if t.Implements(jsonUnmarshaler) || reflect.PtrTo(t).Implements(jsonUnmarshaler) {
		return json.Unmarshal(b, v.Addr().Interface())
	}

	switch t.Kind() {
	case reflect.Ptr:
		if t.Elem().Kind() == reflect.Struct && !t.Implements(jsonUnmarshaler) {
			if v.IsNil() {
				v.Set(reflect.New(t.Elem()))
			}
			return unmarshalStruct(b, v.Elem())
		}
	case reflect.Struct:
		return unmarshalStruct(b, v)
	case reflect.Map:
		if t.Key().Kind() == reflect.String && needsRecursion(t.Elem()) {
			return unmarshalMap(b, v)
		}
	case reflect.Slice:
		if needsRecursion(t.Elem()) {
			return unmarshalSlice(b, v)
		}
	}
	return json.Unmarshal(b, v.Addr().Interface())
}

// needsRecursion reports whether values of type t must go through our own
// decoder to keep their unknown fields.
func needsRecursion(t reflect.Type) bool {
	if t.Implements(jsonUnmarshaler) || reflect.PtrTo(t).Implements(jsonUnmarshaler) {
		return false
	}
	if t.Kind() == reflect.Ptr {
		return t.Elem().Kind() == reflect.Struct
	}
	return t.Kind() == reflect.Struct
}

func unmarshalMap(b []byte, v reflect.Value) error {
	t := v.Type()

	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	m := reflect.MakeMapWithSize(t, len(raw))
	for key, rm := range raw {
		ev := reflect.New(t.Elem()).Elem()
		if err := unmarshalField(rm, ev); err != nil {
			return fmt.Errorf("map key %q: %w", key, err)
		}
		m.SetMapIndex(reflect.ValueOf(key), ev)
	}
	v.Set(m)
	return nil
}

func unmarshalSlice(b []byte, v reflect.Value) error {
	t := v.Type()

	raw := []json.RawMessage{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	s := reflect.MakeSlice(t, len(raw), len(raw))
	for i, rm := range raw {
		if err := unmarshalField(rm, s.Index(i)); err != nil {
			return fmt.Errorf("slice index %d: %w", i, err)
		}
	}
	v.Set(s)
	return nil
}

// jsonName reports the JSON key for a struct field and whether the field is
// skipped entirely ("-" tag).
func jsonName(f reflect.StructField) (name string, skip bool) {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name, false
	}
	parts := strings.Split(tag, ",")
	switch parts[0] {
	case "-":
		return "", true
	case "":
		return f.Name, false
	}
	return parts[0], false
}

func omitEmpty(f reflect.StructField) bool {
	tag := f.Tag.Get("json")
	for _, p := range strings.Split(tag, ",")[1:] {
		if p == "omitempty" {
			return true
		}
	}
	return false
}
