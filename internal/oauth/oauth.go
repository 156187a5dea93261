// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package oauth resolves and validates authority endpoints. Resolution
// results are cached per Client instance, keyed by the canonical authority
// URI, so independent clients never share validation state.
package oauth

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/AzureAD/azure-activedirectory-library-for-go/errors"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/ops"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/ops/authority"
)

// authorityREST is implemented by ops.REST's authority client. It exists so
// tests can substitute the backend calls.
type authorityREST interface {
	GetTenantDiscoveryResponse(ctx context.Context, openIDConfigurationEndpoint string) (authority.TenantDiscoveryResponse, error)
	AADInstanceDiscovery(ctx context.Context, authorityInfo authority.Info) (authority.InstanceDiscoveryResponse, error)
	GetDRSMetadata(ctx context.Context, upnDomain string) (authority.DRSMetadata, error)
	GetWebFingerResponse(ctx context.Context, host, resource string) (authority.WebFingerResponse, error)
}

type cacheEntry struct {
	Endpoints authority.Endpoints

	// ValidForDomainsInList records the UPN domains an ADFS entry has been
	// validated for. Hits for a not yet validated domain go back to the
	// network.
	ValidForDomainsInList map[string]bool
}

func newCacheEntry(endpoints authority.Endpoints) cacheEntry {
	return cacheEntry{Endpoints: endpoints, ValidForDomainsInList: map[string]bool{}}
}

// Client resolves authority endpoints and caches successful resolutions.
// It is safe for concurrent use. The zero value is not usable, use New.
type Client struct {
	// Rest talks to the STS. It is replaceable for testing.
	Rest authorityREST

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New is the constructor for Client. httpClient may be nil, in which case a
// default HTTP client is used.
func New(httpClient ops.HTTPClient) *Client {
	return &Client{
		Rest:  ops.New(httpClient).Authority(),
		cache: map[string]cacheEntry{},
	}
}

// AADInstanceDiscovery queries instance discovery for the authority's alias
// metadata. Responses are not cached here, the caller owns alias data
// lifetime.
func (c *Client) AADInstanceDiscovery(ctx context.Context, authorityInfo authority.Info) (authority.InstanceDiscoveryResponse, error) {
	return c.Rest.AADInstanceDiscovery(ctx, authorityInfo)
}

// ResolveEndpoints gets the authorization and token endpoints for the
// authority, validating the authority first when authorityInfo asks for it.
// Only successful resolutions are cached; a failed validation leaves the
// cache untouched so the next call retries.
func (c *Client) ResolveEndpoints(ctx context.Context, authorityInfo authority.Info, userPrincipalName string) (authority.Endpoints, error) {
	if authorityInfo.AuthorityType == authority.ADFS && authorityInfo.ValidateAuthority && userPrincipalName == "" {
		return authority.Endpoints{}, errors.New("UPN required for authority validation for ADFS")
	}

	if endpoints, found := c.cachedEndpoints(authorityInfo, userPrincipalName); found {
		return endpoints, nil
	}

	endpoint, err := c.openIDConfigurationEndpoint(ctx, authorityInfo, userPrincipalName)
	if err != nil {
		return authority.Endpoints{}, err
	}

	resp, err := c.Rest.GetTenantDiscoveryResponse(ctx, endpoint)
	if err != nil {
		return authority.Endpoints{}, err
	}
	if err := resp.Validate(); err != nil {
		return authority.Endpoints{}, fmt.Errorf("ResolveEndpoints(): %w", err)
	}

	tenant := authorityInfo.Tenant
	endpoints := authority.NewEndpoints(
		strings.Replace(resp.AuthorizationEndpoint, "{tenant}", tenant, -1),
		strings.Replace(resp.TokenEndpoint, "{tenant}", tenant, -1),
		strings.Replace(resp.Issuer, "{tenant}", tenant, -1),
	)

	c.addCachedEndpoints(authorityInfo, userPrincipalName, endpoints)

	return endpoints, nil
}

// cachedEndpoints returns the cached endpoints if they exist and are valid
// for the caller. An ADFS entry only satisfies a validating caller when the
// caller's UPN domain has itself been validated before.
func (c *Client) cachedEndpoints(authorityInfo authority.Info, userPrincipalName string) (authority.Endpoints, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache[authorityInfo.CanonicalAuthorityURI]
	if !ok {
		return authority.Endpoints{}, false
	}

	if authorityInfo.AuthorityType == authority.ADFS && authorityInfo.ValidateAuthority {
		domain, err := adfsDomainFromUpn(userPrincipalName)
		if err != nil || !entry.ValidForDomainsInList[domain] {
			return authority.Endpoints{}, false
		}
	}
	return entry.Endpoints, true
}

func (c *Client) addCachedEndpoints(authorityInfo authority.Info, userPrincipalName string, endpoints authority.Endpoints) {
	c.mu.Lock()
	defer c.mu.Unlock()

	updated := newCacheEntry(endpoints)

	if authorityInfo.AuthorityType == authority.ADFS {
		// We just made a call to the backend, so keep the latest endpoints
		// but carry over the domains already proven valid.
		if entry, ok := c.cache[authorityInfo.CanonicalAuthorityURI]; ok {
			for k := range entry.ValidForDomainsInList {
				updated.ValidForDomainsInList[k] = true
			}
		}
		if domain, err := adfsDomainFromUpn(userPrincipalName); err == nil {
			updated.ValidForDomainsInList[domain] = true
		}
	}

	c.cache[authorityInfo.CanonicalAuthorityURI] = updated
}

// openIDConfigurationEndpoint determines where the openid-configuration
// document for the authority lives, performing any validation the authority
// kind requires first.
func (c *Client) openIDConfigurationEndpoint(ctx context.Context, authorityInfo authority.Info, userPrincipalName string) (string, error) {
	switch authorityInfo.AuthorityType {
	case authority.ADFS:
		if authorityInfo.ValidateAuthority {
			if err := c.validateADFSAuthority(ctx, authorityInfo, userPrincipalName); err != nil {
				return "", err
			}
		}
	case authority.B2C:
		if authorityInfo.ValidateAuthority && !b2cTrusted(authorityInfo.Host) {
			return "", errors.InvalidAuthorityError{
				Authority: authorityInfo.CanonicalAuthorityURI,
				Reason:    "B2C authority validation is only supported for known hosts",
			}
		}
	default:
		if authorityInfo.ValidateAuthority && !authority.TrustedHost(authorityInfo.Host) {
			resp, err := c.Rest.AADInstanceDiscovery(ctx, authorityInfo)
			if err != nil {
				return "", err
			}
			if !aliasesCover(resp, authorityInfo.Host) {
				return "", errors.InvalidAuthorityError{
					Authority: authorityInfo.CanonicalAuthorityURI,
					Reason:    fmt.Sprintf("host %q is not an alias of a known authority instance", authorityInfo.Host),
				}
			}
			return resp.TenantDiscoveryEndpoint, nil
		}
	}

	return authorityInfo.OpenIDConfigurationEndpoint(), nil
}

// aliasesCover reports whether the instance discovery metadata names host as
// an alias of a known instance.
func aliasesCover(resp authority.InstanceDiscoveryResponse, host string) bool {
	for _, metadata := range resp.Metadata {
		for _, alias := range metadata.Aliases {
			if strings.EqualFold(alias, host) {
				return true
			}
		}
	}
	return false
}

// validateADFSAuthority proves the ADFS host is trusted for the user's
// domain: the domain's device registration service names a passive auth
// endpoint, and that endpoint's WebFinger document must list the authority
// as a trusted realm.
func (c *Client) validateADFSAuthority(ctx context.Context, authorityInfo authority.Info, userPrincipalName string) error {
	domain, err := adfsDomainFromUpn(userPrincipalName)
	if err != nil {
		return err
	}

	drs, err := c.Rest.GetDRSMetadata(ctx, domain)
	if err != nil {
		return err
	}

	passiveEndpoint := drs.IdentityProviderService.PassiveAuthEndpoint
	if passiveEndpoint == "" {
		return errors.InvalidAuthorityError{
			Authority: authorityInfo.CanonicalAuthorityURI,
			Reason:    fmt.Sprintf("DRS metadata for domain %q has no passive auth endpoint", domain),
		}
	}
	u, err := url.Parse(passiveEndpoint)
	if err != nil {
		return errors.InvalidAuthorityError{
			Authority: authorityInfo.CanonicalAuthorityURI,
			Reason:    fmt.Sprintf("DRS passive auth endpoint %q is not a URL", passiveEndpoint),
		}
	}

	resource := "https://" + authorityInfo.Host
	resp, err := c.Rest.GetWebFingerResponse(ctx, u.Host, resource)
	if err != nil {
		return err
	}
	if !resp.HasTrustedRealm(authorityInfo.Host) {
		return errors.InvalidAuthorityError{
			Authority: authorityInfo.CanonicalAuthorityURI,
			Reason:    fmt.Sprintf("WebFinger document at %q does not trust the authority", u.Host),
		}
	}
	return nil
}

func b2cTrusted(host string) bool {
	return authority.TrustedHost(host) || strings.HasSuffix(host, "b2clogin.com")
}

func adfsDomainFromUpn(userPrincipalName string) (string, error) {
	parts := strings.Split(userPrincipalName, "@")
	if len(parts) < 2 {
		return "", errors.New("no @ present in user principal name")
	}
	return parts[1], nil
}
