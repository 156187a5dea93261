// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package json

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Marshal marshals i into JSON. If i (or any struct reachable from it) has an
// AdditionalFields map, those entries are emitted at the same level as the
// struct's own fields.
func Marshal(i interface{}) ([]byte, error) {
	m, err := toJSONValue(reflect.ValueOf(i))
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// MarshalRaw marshals i into a json.RawMessage. Panics only on types the
// standard library cannot marshal; used to build AdditionalFields values.
func MarshalRaw(i interface{}) json.RawMessage {
	b, err := json.Marshal(i)
	if err != nil {
		panic(fmt.Sprintf("json: MarshalRaw(%T): %s", i, err))
	}
	return json.RawMessage(b)
}

// toJSONValue converts v into something encoding/json can marshal while
// expanding structs that carry AdditionalFields.
func toJSONValue(v reflect.Value) (interface{}, error) {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}

	t := v.Type()

	// A type that marshals itself is passed through untouched.
	if t.Implements(jsonMarshaler) || reflect.PtrTo(t).Implements(jsonMarshaler) {
		return v.Interface(), nil
	}

	switch t.Kind() {
	case reflect.Struct:
		return structToMap(v)
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		out := make(map[string]interface{}, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			k := iter.Key()
			if k.Kind() != reflect.String {
				return v.Interface(), nil
			}
			val, err := toJSONValue(iter.Value())
			if err != nil {
				return nil, err
			}
			out[k.String()] = val
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if t.Kind() == reflect.Slice && v.IsNil() {
			return nil, nil
		}
		// []byte keeps the standard base64 encoding.
		if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 {
			return v.Interface(), nil
		}
		out := make([]interface{}, v.Len())
		for i := 0; i < v.Len(); i++ {
			val, err := toJSONValue(v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	}
	return v.Interface(), nil
}

func structToMap(v reflect.Value) (map[string]interface{}, error) {
	t := v.Type()
	out := map[string]interface{}{}

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if f.Name == addField {
			if f.Type.Kind() != reflect.Map {
				return nil, fmt.Errorf("json: type %s has AdditionalFields of kind %s, must be map[string]interface{}", t.Name(), f.Type.Kind())
			}
			if f.Type != reflect.TypeOf(map[string]interface{}(nil)) {
				return nil, fmt.Errorf("json: type %s has AdditionalFields of type %s, must be map[string]interface{}", t.Name(), f.Type)
			}
			iter := v.Field(i).MapRange()
			for iter.Next() {
				out[iter.Key().String()] = iter.Value().Interface()
			}
			continue
		}
		// Embedded struct fields are emitted at the outer level, as
		// encoding/json does.
		if f.Anonymous && f.Type.Kind() == reflect.Struct && f.Tag.Get("json") == "" {
			inner, err := structToMap(v.Field(i))
			if err != nil {
				return nil, err
			}
			for k, val := range inner {
				out[k] = val
			}
			continue
		}
		name, skip := jsonName(f)
		if skip {
			continue
		}
		fv := v.Field(i)
		if omitEmpty(f) && fv.IsZero() {
			continue
		}
		val, err := toJSONValue(fv)
		if err != nil {
			return nil, err
		}
		out[name] = val
	}
	return out, nil
}
