// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package time provides custom types to translate time to and from the
// string representations the cache wire format uses.
package time

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unix marshals and unmarshals a string representation of the unix epoch
// (seconds) into a time.Time object. The cache schema stores all timestamps
// as strings so that the schema stays stable across implementations.
type Unix struct {
	T time.Time
}

// MarshalJSON implements encoding/json.Marshaler.
func (u Unix) MarshalJSON() ([]byte, error) {
	if u.T.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(fmt.Sprintf("%q", strconv.FormatInt(u.T.Unix(), 10))), nil
}

// UnmarshalJSON implements encoding/json.Unmarshaler.
func (u *Unix) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		u.T = time.Time{}
		return nil
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("unix time(%s) could not be converted from string to int: %w", string(b), err)
	}
	u.T = time.Unix(i, 0)
	return nil
}
