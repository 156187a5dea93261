// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package errors defines the error types the library surfaces to callers.
// Construction-time problems (bad keys, bad items, bad authority URLs) are
// reported synchronously with typed errors the caller can fix; network
// validation problems carry the HTTP detail required to diagnose them.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kylelemons/godebug/pretty"
)

var prettyConf = &pretty.Config{IncludeUnexported: false, SkipZeroFields: true, TrackCycles: true}

type verboser interface {
	Verbose() string
}

// Verbose prints the most verbose error that the error message has.
func Verbose(err error) string {
	if v, ok := err.(verboser); ok {
		return v.Verbose()
	}
	return err.Error()
}

// New is equivalent to errors.New().
func New(text string) error {
	return errors.New(text)
}

// Is is equivalent to errors.Is().
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is equivalent to errors.As().
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// CallErr represents an HTTP call error. Has a Verbose() method that allows
// getting the http.Request and Response objects. Implements error.
type CallErr struct {
	Req  *http.Request
	Resp *http.Response
	Err  error
}

// Error implements error.Error().
func (e CallErr) Error() string {
	return e.Err.Error()
}

// Verbose prints a verbose error message with the request and response.
func (e CallErr) Verbose() string {
	return fmt.Sprintf("%s:\n\tRequest:\n%s\n\tResponse:\n%s", e.Err, prettyConf.Sprint(e.Req), prettyConf.Sprint(e.Resp))
}

// Unwrap implements errors.Unwrap().
func (e CallErr) Unwrap() error {
	return e.Err
}

// InvalidKeyError indicates a cache key could not be constructed because a
// required identity field was empty.
type InvalidKeyError struct {
	Field string
}

func (e InvalidKeyError) Error() string {
	return fmt.Sprintf("cache key is missing required field %q", e.Field)
}

// InvalidItemError indicates a cache item failed construction-time
// validation.
type InvalidItemError struct {
	Type  string
	Field string
}

func (e InvalidItemError) Error() string {
	return fmt.Sprintf("%s cache item is missing required field %q", e.Type, e.Field)
}

// ServiceError indicates an authority validation call returned a non-200
// response. It carries the HTTP status and the OAuth error body when the
// server provided one.
type ServiceError struct {
	StatusCode       int
	OAuthError       string
	ErrorDescription string
	ErrorCodes       []int
}

func (e ServiceError) Error() string {
	if e.OAuthError != "" {
		return fmt.Sprintf("http call returned status %d: %s: %s", e.StatusCode, e.OAuthError, e.ErrorDescription)
	}
	return fmt.Sprintf("http call returned status %d", e.StatusCode)
}

// TenantDiscoveryError indicates the openid-configuration document from a
// tenant was missing required fields.
type TenantDiscoveryError struct {
	Missing string
}

func (e TenantDiscoveryError) Error() string {
	return fmt.Sprintf("tenant discovery: %s was not found in the openid configuration", e.Missing)
}

// InvalidAuthorityError indicates an authority URL failed structural or
// trust validation.
type InvalidAuthorityError struct {
	Authority string
	Reason    string
}

func (e InvalidAuthorityError) Error() string {
	return fmt.Sprintf("authority %q failed validation: %s", e.Authority, e.Reason)
}
