// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package comm provides helpers for communicating with HTTP backends.
package comm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/AzureAD/azure-activedirectory-library-for-go/errors"
	customJSON "github.com/AzureAD/azure-activedirectory-library-for-go/internal/json"
	"github.com/google/uuid"
)

// HTTPClient represents an HTTP client. It is implemented by *http.Client.
type HTTPClient interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(req *http.Request) (*http.Response, error)

	// CloseIdleConnections closes any idle connections in a "keep-alive" state.
	CloseIdleConnections()
}

// defaultTimeout bounds calls whose context carries no deadline.
const defaultTimeout = 30 * time.Second

// Client provides JSON calls to REST endpoints on behalf of the library.
type Client struct {
	client HTTPClient
}

// testID is set non-empty by tests to get a stable client-request-id.
var testID string

// New returns a new Client object.
func New(httpClient HTTPClient) *Client {
	if httpClient == nil {
		panic("http.Client cannot == nil")
	}
	return &Client{client: httpClient}
}

// JSONCall connects to the REST endpoint passing the HTTP query values and
// body (JSON marshalled) and unmarshalling the response into resp. If body is
// nil the call is a GET, otherwise a POST. resp must be a pointer to a struct.
// If the struct has an AdditionalFields map, unknown response fields are
// preserved there.
func (c *Client) JSONCall(ctx context.Context, endpoint string, headers http.Header, qv url.Values, body, resp interface{}) error {
	if qv == nil {
		qv = url.Values{}
	}

	v := reflect.ValueOf(resp)
	if err := c.checkResp(v); err != nil {
		return err
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("could not parse endpoint(%s): %w", endpoint, err)
	}
	u.RawQuery = qv.Encode()

	addStdHeaders(headers)

	req := &http.Request{Method: http.MethodGet, URL: u, Header: headers}

	if body != nil {
		headers.Set("Content-Type", "application/json; charset=utf-8")
		data, err := customJSON.Marshal(body)
		if err != nil {
			return fmt.Errorf("bug: conn.Call(): could not marshal the body object: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewBuffer(data))
		req.Method = http.MethodPost
	}

	data, err := c.do(ctx, req)
	if err != nil {
		return err
	}

	if resp != nil {
		if err := customJSON.Unmarshal(data, resp); err != nil {
			return fmt.Errorf("json decode error: %w\nraw message was: %s", err, string(data))
		}
	}
	return nil
}

// do makes the HTTP call to the server and returns the contents of the body.
func (c *Client) do(ctx context.Context, req *http.Request) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	req = req.WithContext(ctx)

	reply, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server response error:\n %w", err)
	}
	defer reply.Body.Close()

	data, err := c.readBody(reply)
	if err != nil {
		return nil, fmt.Errorf("could not read the body of an HTTP Response: %w", err)
	}
	reply.Body = io.NopCloser(bytes.NewBuffer(data))

	// NOTE: This doesn't happen immediately after the call so that we can get
	// the body of the response and put it in the CallErr.
	if reply.StatusCode != http.StatusOK {
		return nil, errors.CallErr{
			Req:  req,
			Resp: reply,
			Err:  serviceErr(reply.StatusCode, data),
		}
	}
	return data, nil
}

// serviceErr builds the error for a non-200 reply, attaching the OAuth error
// body when the server sent one.
func serviceErr(statusCode int, body []byte) error {
	se := errors.ServiceError{StatusCode: statusCode}
	parsed := struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		ErrorCodes       []int  `json:"error_codes"`
	}{}
	if err := json.Unmarshal(body, &parsed); err == nil {
		se.OAuthError = parsed.Error
		se.ErrorDescription = parsed.ErrorDescription
		se.ErrorCodes = parsed.ErrorCodes
	}
	return se
}

// checkResp validates that resp is a pointer to a struct.
func (c *Client) checkResp(v reflect.Value) error {
	if v.Kind() != reflect.Ptr {
		return fmt.Errorf("bug: resp argument must be a *struct, was %T", v.Interface())
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("bug: resp argument must be a *struct, was %T", v.Interface())
	}
	return nil
}

// readBody reads the body out of an *http.Response. It supports gzip encoded
// responses.
func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch resp.Header.Get("Content-Encoding") {
	case "":
		// Do nothing
	case "gzip":
		reader = gzipDecompress(resp.Body)
	default:
		return nil, fmt.Errorf("bug: comm.Client.JSONCall(): content was send with unsupported content-encoding %s", resp.Header.Get("Content-Encoding"))
	}
	return io.ReadAll(reader)
}

var testReplace = strings.NewReplacer(" ", "", `"`, "")

// addStdHeaders adds the standard headers the backends expect to every call.
func addStdHeaders(headers http.Header) http.Header {
	headers.Set("Accept-Encoding", "gzip")
	headers.Set("x-client-sku", "ADAL.Go")
	headers.Set("x-client-os", runtime.GOOS)

	if headers.Get("client-request-id") == "" {
		id := testID
		if id == "" {
			id = uuid.New().String()
		}
		headers.Set("client-request-id", testReplace.Replace(id))
	}
	if headers.Get("return-client-request-id") == "" {
		headers.Set("return-client-request-id", "false")
	}
	return headers
}
