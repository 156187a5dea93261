// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package authority provides the authority model: parsing and
// canonicalization of authority URIs, classification into the supported
// authority kinds (AAD, ADFS, B2C) and the REST calls used to discover and
// validate an authority's endpoints.
package authority

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/AzureAD/azure-activedirectory-library-for-go/errors"
	"github.com/google/uuid"
)

const (
	authorizationEndpoint     = "https://%v/%v/oauth2/v2.0/authorize"
	instanceDiscoveryEndpoint = "https://%v/common/discovery/instance"
	defaultHost               = "login.microsoftonline.com"

	// trustedRealm is the rel a WebFinger response link must carry for an
	// ADFS host to be considered trusted.
	trustedRealm = "http://schemas.microsoft.com/rel/trusted-realm"

	drsOnPremEndpoint = "https://enterpriseregistration.%s/enrollmentserver/contract"
	drsCloudEndpoint  = "https://enterpriseregistration.windows.net/%s/enrollmentserver/contract"

	// b2cTrustedSuffix marks B2C hosts that are accepted without network
	// validation.
	b2cTrustedSuffix = "b2clogin.com"
	b2cPathPrefix    = "tfp"
)

// These are the authority types the library understands.
const (
	MSSTS = "MSSTS"
	ADFS  = "ADFS"
	B2C   = "B2C"
)

type jsonCaller interface {
	JSONCall(ctx context.Context, endpoint string, headers http.Header, qv url.Values, body, resp interface{}) error
}

var aadTrustedHostList = map[string]bool{
	"login.windows.net":            true, // Microsoft Azure Worldwide - Used in validation scenarios where host is not this list
	"login.chinacloudapi.cn":       true, // Microsoft Azure China
	"login.microsoftonline.de":     true, // Microsoft Azure Blackforest
	"login-us.microsoftonline.com": true, // Microsoft Azure US Government - Legacy
	"login.microsoftonline.us":     true, // Microsoft Azure US Government
	"login.microsoftonline.com":    true, // Microsoft Azure Worldwide
	"login.cloudgovapi.us":         true, // Microsoft Azure US Government
}

// TrustedHost checks if an AAD host is trusted/valid.
func TrustedHost(host string) bool {
	return aadTrustedHostList[host]
}

// OAuthResponseBase is the base fields the STS attaches to error replies.
type OAuthResponseBase struct {
	Error            string `json:"error"`
	SubError         string `json:"suberror"`
	ErrorDescription string `json:"error_description"`
	ErrorCodes       []int  `json:"error_codes"`
	CorrelationID    string `json:"correlation_id"`
	Claims           string `json:"claims"`
}

// TenantDiscoveryResponse is the tenant endpoints from the OpenID
// configuration endpoint.
type TenantDiscoveryResponse struct {
	OAuthResponseBase

	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	Issuer                string `json:"issuer"`

	AdditionalFields map[string]interface{}
}

// Validate validates that the response had the correct values required.
func (r *TenantDiscoveryResponse) Validate() error {
	switch "" {
	case r.AuthorizationEndpoint:
		return errors.TenantDiscoveryError{Missing: "authorize endpoint"}
	case r.TokenEndpoint:
		return errors.TenantDiscoveryError{Missing: "token endpoint"}
	case r.Issuer:
		return errors.TenantDiscoveryError{Missing: "issuer"}
	}
	return nil
}

// InstanceDiscoveryMetadata describes one logical AAD instance: its
// preferred host names plus every DNS alias that refers to it.
type InstanceDiscoveryMetadata struct {
	PreferredNetwork        string   `json:"preferred_network"`
	PreferredCache          string   `json:"preferred_cache"`
	TenantDiscoveryEndpoint string   `json:"tenant_discovery_endpoint"`
	Aliases                 []string `json:"aliases"`

	AdditionalFields map[string]interface{}
}

// InstanceDiscoveryResponse is the reply from the instance discovery
// endpoint. The alias sets it carries are the source of environment alias
// data for cache lookups; the library never hardcodes alias tables.
type InstanceDiscoveryResponse struct {
	TenantDiscoveryEndpoint string                      `json:"tenant_discovery_endpoint"`
	Metadata                []InstanceDiscoveryMetadata `json:"metadata"`

	AdditionalFields map[string]interface{}
}

// DRSMetadata is the device registration service contract document for an
// on-premise ADFS deployment.
type DRSMetadata struct {
	IdentityProviderService struct {
		PassiveAuthEndpoint string `json:"PassiveAuthEndpoint"`

		AdditionalFields map[string]interface{}
	} `json:"IdentityProviderService"`

	AdditionalFields map[string]interface{}
}

// WebFingerResponse is the reply from an ADFS WebFinger endpoint.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Links   []WebFingerLink `json:"links"`

	AdditionalFields map[string]interface{}
}

// WebFingerLink is a relation entry in a WebFinger document.
type WebFingerLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`

	AdditionalFields map[string]interface{}
}

// HasTrustedRealm reports whether the response carries a trusted-realm link
// for host.
func (r WebFingerResponse) HasTrustedRealm(host string) bool {
	want := "https://" + host
	for _, link := range r.Links {
		if strings.EqualFold(link.Rel, trustedRealm) && strings.EqualFold(link.Href, want) {
			return true
		}
	}
	return false
}

// Info consists of information about the authority.
type Info struct {
	Host                  string
	CanonicalAuthorityURI string
	AuthorityType         string
	ValidateAuthority     bool
	Tenant                string
	Policy                string
}

// NewInfoFromAuthorityURI parses an authority URI and classifies it into one
// of the supported authority kinds. The canonical form is lower-cased, drops
// a default :443 port (other ports are preserved) and always ends in a
// single "/".
func NewInfoFromAuthorityURI(authorityURI string, validateAuthority bool) (Info, error) {
	canonical := strings.ToLower(strings.TrimSpace(authorityURI))

	u, err := url.Parse(canonical)
	if err != nil {
		return Info{}, errors.InvalidAuthorityError{Authority: authorityURI, Reason: err.Error()}
	}
	if u.Scheme != "https" {
		return Info{}, errors.InvalidAuthorityError{Authority: authorityURI, Reason: "authority must use the https scheme"}
	}

	host := u.Hostname()
	if host == "" {
		return Info{}, errors.InvalidAuthorityError{Authority: authorityURI, Reason: "authority has no host"}
	}
	if port := u.Port(); port != "" && port != "443" {
		host = host + ":" + port
	}

	segments := splitPath(u.EscapedPath())
	if len(segments) == 0 {
		return Info{}, errors.InvalidAuthorityError{Authority: authorityURI, Reason: "authority does not have a path segment for the tenant"}
	}

	info := Info{
		Host:              host,
		ValidateAuthority: validateAuthority,
	}

	switch {
	case segments[0] == b2cPathPrefix || strings.HasSuffix(u.Hostname(), b2cTrustedSuffix):
		// B2C requires prefix/tenant/policy in the path.
		if len(segments) < 3 {
			return Info{}, errors.InvalidAuthorityError{
				Authority: authorityURI,
				Reason:    "B2C authority path must contain prefix, tenant and policy segments",
			}
		}
		info.AuthorityType = B2C
		info.Tenant = segments[1]
		info.Policy = segments[2]
		info.CanonicalAuthorityURI = fmt.Sprintf("https://%v/%v/%v/%v/", host, segments[0], segments[1], segments[2])
	case segments[0] == "adfs":
		info.AuthorityType = ADFS
		info.Tenant = segments[0]
		info.CanonicalAuthorityURI = fmt.Sprintf("https://%v/adfs/", host)
	default:
		info.AuthorityType = MSSTS
		info.Tenant = segments[0]
		info.CanonicalAuthorityURI = fmt.Sprintf("https://%v/%v/", host, segments[0])
	}
	return info, nil
}

func splitPath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// UpdateTenantID replaces the tenant segment of the authority in place. The
// rewritten authority gets a new canonical URI, which makes any previously
// validated endpoints for the old URI inapplicable; the caller must resolve
// endpoints again before use.
func (i *Info) UpdateTenantID(tenantID string) error {
	switch i.AuthorityType {
	case MSSTS:
		i.Tenant = tenantID
		i.CanonicalAuthorityURI = fmt.Sprintf("https://%v/%v/", i.Host, tenantID)
	case B2C:
		segments := splitPath(strings.TrimPrefix(i.CanonicalAuthorityURI, "https://"+i.Host))
		i.Tenant = tenantID
		i.CanonicalAuthorityURI = fmt.Sprintf("https://%v/%v/%v/%v/", i.Host, segments[0], tenantID, i.Policy)
	default:
		return fmt.Errorf("UpdateTenantID() cannot be called on an authority of type %s", i.AuthorityType)
	}
	return nil
}

// OpenIDConfigurationEndpoint is the default openid-configuration document
// location for the authority kind. For a validating MSSTS authority the
// tenant discovery endpoint supplied by instance discovery takes precedence
// over this default.
func (i Info) OpenIDConfigurationEndpoint() string {
	switch i.AuthorityType {
	case ADFS:
		return i.CanonicalAuthorityURI + ".well-known/openid-configuration"
	case B2C:
		return i.CanonicalAuthorityURI + "v2.0/.well-known/openid-configuration"
	}
	return fmt.Sprintf("https://%v/%v/v2.0/.well-known/openid-configuration", i.Host, i.Tenant)
}

// Endpoints consists of the endpoints from the tenant discovery response.
type Endpoints struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	SelfSignedJwtAudience string
}

// NewEndpoints creates an Endpoints object.
func NewEndpoints(authorizationEndpoint, tokenEndpoint, selfSignedJwtAudience string) Endpoints {
	return Endpoints{authorizationEndpoint, tokenEndpoint, selfSignedJwtAudience}
}

// AuthorizationType represents the type of token flow.
type AuthorizationType int

// These are all the types of token flows.
const (
	ATUnknown AuthorizationType = iota
	ATUsernamePassword
	ATAuthCode
	ATInteractive
	ATClientCredentials
	ATDeviceCode
	ATRefreshToken
)

// AuthParams represents the parameters used for authorization for token
// acquisition.
type AuthParams struct {
	AuthorityInfo     Info
	CorrelationID     string
	Endpoints         Endpoints
	ClientID          string
	Redirecturi       string
	HomeaccountID     string
	Username          string
	Scopes            []string
	AuthorizationType AuthorizationType
}

// NewAuthParams creates an authorization parameters object.
func NewAuthParams(clientID string, authorityInfo Info) AuthParams {
	return AuthParams{
		ClientID:      clientID,
		AuthorityInfo: authorityInfo,
		CorrelationID: uuid.New().String(),
	}
}

// Client represents the REST calls to authority backends.
type Client struct {
	// Comm provides the HTTP transport client.
	Comm jsonCaller // *comm.Client
}

// GetTenantDiscoveryResponse fetches the openid-configuration document for a
// tenant.
func (c Client) GetTenantDiscoveryResponse(ctx context.Context, openIDConfigurationEndpoint string) (TenantDiscoveryResponse, error) {
	resp := TenantDiscoveryResponse{}
	err := c.Comm.JSONCall(
		ctx,
		openIDConfigurationEndpoint,
		http.Header{},
		nil,
		nil,
		&resp,
	)
	return resp, err
}

// AADInstanceDiscovery confirms the authority host belongs to a known set of
// equivalent AAD instances and returns its alias metadata.
func (c Client) AADInstanceDiscovery(ctx context.Context, authorityInfo Info) (InstanceDiscoveryResponse, error) {
	qv := url.Values{}
	qv.Set("api-version", "1.1")
	qv.Set("authorization_endpoint", fmt.Sprintf(authorizationEndpoint, authorityInfo.Host, authorityInfo.Tenant))

	discoveryHost := defaultHost
	if TrustedHost(authorityInfo.Host) {
		discoveryHost = authorityInfo.Host
	}

	endpoint := fmt.Sprintf(instanceDiscoveryEndpoint, discoveryHost)

	resp := InstanceDiscoveryResponse{}
	err := c.Comm.JSONCall(ctx, endpoint, http.Header{}, qv, nil, &resp)
	return resp, err
}

// GetDRSMetadata queries the device registration service for the UPN domain.
// The on-premise enrollment server is tried first; on any failure the public
// cloud enrollment endpoint is used as a fallback. This is an endpoint
// fallback, not a retry with backoff.
func (c Client) GetDRSMetadata(ctx context.Context, upnDomain string) (DRSMetadata, error) {
	qv := url.Values{}
	qv.Set("api-version", "1.0")

	resp := DRSMetadata{}
	err := c.Comm.JSONCall(ctx, fmt.Sprintf(drsOnPremEndpoint, upnDomain), http.Header{}, qv, nil, &resp)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return DRSMetadata{}, ctx.Err()
	}

	resp = DRSMetadata{}
	err = c.Comm.JSONCall(ctx, fmt.Sprintf(drsCloudEndpoint, upnDomain), http.Header{}, qv, nil, &resp)
	return resp, err
}

// GetWebFingerResponse performs the WebFinger trust validation call against
// the given host for the resource (the canonical authority origin).
func (c Client) GetWebFingerResponse(ctx context.Context, host, resource string) (WebFingerResponse, error) {
	qv := url.Values{}
	qv.Set("rel", trustedRealm)
	qv.Set("resource", resource)

	endpoint := fmt.Sprintf("https://%s/adfs/.well-known/webfinger", host)

	resp := WebFingerResponse{}
	err := c.Comm.JSONCall(ctx, endpoint, http.Header{}, qv, nil, &resp)
	return resp, err
}
