// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package fake provides canned implementations of the backend calls the
// authority resolver makes so packages above oauth can test without a
// network.
package fake

import (
	"context"
	"errors"

	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/ops/authority"
)

// Authority implements the resolver's REST dependency. Set Err to make
// every call fail.
type Authority struct {
	// Err will cause all methods to return an error.
	Err bool

	TenantDiscoveryResp   authority.TenantDiscoveryResponse
	InstanceResp          authority.InstanceDiscoveryResponse
	DRSResp               authority.DRSMetadata
	WebFingerResp         authority.WebFingerResponse
	TenantDiscoveryCalled int
	InstanceCalled        int
}

func (f *Authority) GetTenantDiscoveryResponse(ctx context.Context, openIDConfigurationEndpoint string) (authority.TenantDiscoveryResponse, error) {
	f.TenantDiscoveryCalled++
	if f.Err {
		return authority.TenantDiscoveryResponse{}, errors.New("fake tenant discovery error")
	}
	return f.TenantDiscoveryResp, nil
}

func (f *Authority) AADInstanceDiscovery(ctx context.Context, authorityInfo authority.Info) (authority.InstanceDiscoveryResponse, error) {
	f.InstanceCalled++
	if f.Err {
		return authority.InstanceDiscoveryResponse{}, errors.New("fake instance discovery error")
	}
	return f.InstanceResp, nil
}

func (f *Authority) GetDRSMetadata(ctx context.Context, upnDomain string) (authority.DRSMetadata, error) {
	if f.Err {
		return authority.DRSMetadata{}, errors.New("fake DRS error")
	}
	return f.DRSResp, nil
}

func (f *Authority) GetWebFingerResponse(ctx context.Context, host, resource string) (authority.WebFingerResponse, error) {
	if f.Err {
		return authority.WebFingerResponse{}, errors.New("fake WebFinger error")
	}
	return f.WebFingerResp, nil
}
