// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package ops provides operations to various backend services using REST clients.

The REST type provides several clients that can be used to communicate to backends.
Usage is simple:

	rest := ops.New()

	// Creates an authority client and calls the AADInstanceDiscovery() method.
	resp, err := rest.Authority().AADInstanceDiscovery(ctx, authorityInfo)
	if err != nil {
		// Do something
	}
*/
package ops

import (
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/ops/authority"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/ops/internal/comm"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/shared"
)

// HTTPClient represents an HTTP client.
// It's usually an *http.Client from the standard library.
type HTTPClient = comm.HTTPClient

// REST provides REST clients for communicating with the authority backends.
type REST struct {
	client *comm.Client
}

// New is the constructor for REST. client is the HTTP client to use for all
// calls, pass nil to use a default client.
func New(client HTTPClient) *REST {
	if client == nil {
		client = shared.DefaultClient
	}
	return &REST{client: comm.New(client)}
}

// Authority returns a client for querying information about various authorities.
func (r *REST) Authority() authority.Client {
	return authority.Client{Comm: r.client}
}
