// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package tokencache provides a client for caching and looking up OAuth2/OIDC
tokens issued by Azure AD family authorities (AAD, ADFS, B2C). The cache
stores access tokens, refresh tokens, ID tokens and accounts under canonical
keys shared with the other implementations of the same cache schema, resolves
and validates authorities before lookups so environment aliases match, and
keeps a legacy single-blob mirror in sync for older consumers.

Persistence is delegated to a cache.ExportReplace implementation supplied by
the application. Without one the cache lives in memory only.
*/
package tokencache

import (
	"context"
	"fmt"
	"net/url"

	"github.com/AzureAD/azure-activedirectory-library-for-go/cache"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/base"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/ops"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/shared"
	"go.uber.org/zap"
)

// AuthResult contains the results of one cached token lookup or store
// operation.
type AuthResult = base.AuthResult

// Account identifies the user a credential belongs to.
type Account = shared.Account

// TokenResponse is a token endpoint reply to be stored.
type TokenResponse = accesstokens.TokenResponse

// RefreshToken is a cached refresh token.
type RefreshToken = accesstokens.RefreshToken

// FindTokenParameters are the parameters for looking up a cached credential.
type FindTokenParameters = base.FindTokenParameters

// LegacyEntry is the single-blob representation of one cached credential,
// returned to callers still reading the old format.
type LegacyEntry = base.LegacyEntry

// Options configures the Client's behavior.
type Options struct {
	// Accessor controls cache persistence. By default there is no cache
	// persistence. This can be set with the WithCache() option.
	Accessor cache.ExportReplace

	// LegacyAccessor controls persistence of the legacy single-blob mirror.
	// It is a separate slot from Accessor. By default the mirror is not
	// persisted. This can be set with the WithLegacyCache() option.
	LegacyAccessor cache.ExportReplace

	// The host of the Azure Active Directory authority.
	// The default is https://login.microsoftonline.com/common. This can be
	// changed with the WithAuthority() option.
	Authority string

	// HTTPClient sets the transport for making authority resolution calls.
	HTTPClient ops.HTTPClient

	// DisableInstanceDiscovery skips the network validation of the
	// authority. Only set this for private clouds that cannot reach the
	// public discovery endpoint.
	DisableInstanceDiscovery bool

	// Logger receives reports of swallowed legacy cache errors. nil
	// discards them.
	Logger *zap.SugaredLogger
}

func (o *Options) validate() error {
	u, err := url.Parse(o.Authority)
	if err != nil {
		return fmt.Errorf("the Authority(%s) does not parse as a URL: %w", o.Authority, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("the Authority(%s) does not start with https://", u.String())
	}
	return nil
}

// Option is an optional argument to the New constructor.
type Option func(o *Options)

// WithAuthority allows for a custom authority to be set. This must be a
// valid https url.
func WithAuthority(authority string) Option {
	return func(o *Options) {
		o.Authority = authority
	}
}

// WithCache sets the external storage for the cache.
func WithCache(accessor cache.ExportReplace) Option {
	return func(o *Options) {
		o.Accessor = accessor
	}
}

// WithLegacyCache sets the external storage for the legacy single-blob
// mirror.
func WithLegacyCache(accessor cache.ExportReplace) Option {
	return func(o *Options) {
		o.LegacyAccessor = accessor
	}
}

// WithHTTPClient allows for a custom HTTP client to be set.
func WithHTTPClient(httpClient ops.HTTPClient) Option {
	return func(o *Options) {
		o.HTTPClient = httpClient
	}
}

// WithInstanceDiscovery set to false to disable authority validation.
func WithInstanceDiscovery(enabled bool) Option {
	return func(o *Options) {
		o.DisableInstanceDiscovery = !enabled
	}
}

// WithLogger sets the logger swallowed cache errors are reported to.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// Client caches tokens for one client application. It is safe for
// concurrent use.
type Client struct {
	base.Client
}

// New is the constructor for Client. clientID is the application's client
// ID, taken from the authority's app registration.
func New(clientID string, options ...Option) (Client, error) {
	opts := Options{Authority: base.AuthorityPublicCloud}

	for _, o := range options {
		o(&opts)
	}
	if err := opts.validate(); err != nil {
		return Client{}, err
	}

	baseOpts := []base.Option{
		base.WithCacheAccessor(opts.Accessor),
		base.WithLegacyCacheAccessor(opts.LegacyAccessor),
		base.WithLogger(opts.Logger),
		base.WithInstanceDiscovery(!opts.DisableInstanceDiscovery),
	}

	internalClient, err := base.New(clientID, opts.Authority, oauth.New(opts.HTTPClient), baseOpts...)
	if err != nil {
		return Client{}, err
	}
	return Client{internalClient}, nil
}

// FindAccessToken returns the cached access token covering the scope set
// for the account, or an error on a cache miss. An expired token is a miss.
func (c Client) FindAccessToken(ctx context.Context, params FindTokenParameters) (AuthResult, error) {
	return c.Client.FindAccessToken(ctx, params)
}

// FindRefreshToken returns the cached refresh token for the account.
// Refresh tokens are scope independent.
func (c Client) FindRefreshToken(ctx context.Context, params FindTokenParameters) (RefreshToken, error) {
	return c.Client.FindRefreshToken(ctx, params)
}

// Store caches the tokens of a token endpoint response and mirrors the
// refresh token into the legacy blob. scopes are the scopes the tokens were
// requested with, used when the authority did not echo the granted set.
func (c Client) Store(ctx context.Context, tokenResponse TokenResponse, scopes []string) (AuthResult, error) {
	return c.Client.Store(ctx, tokenResponse, scopes)
}

// Accounts returns the accounts in the cache, in no particular order.
func (c Client) Accounts(ctx context.Context) []Account {
	return c.Client.Accounts(ctx)
}

// RemoveAccount signs the account out of both cache formats.
func (c Client) RemoveAccount(ctx context.Context, account Account) error {
	return c.Client.RemoveAccount(ctx, account)
}

// ImportLegacy migrates every usable entry of the legacy blob into the
// item-based cache.
func (c Client) ImportLegacy(ctx context.Context) error {
	return c.Client.ImportLegacy(ctx)
}

// FindLegacyEntry returns the refresh token for the user as a partial
// legacy-format entry, so a caller still on the single-blob format can use
// a token written by this library. An empty userPrincipalName matches any
// account under the client's authority. ok is false on a cache miss.
func (c Client) FindLegacyEntry(ctx context.Context, userPrincipalName string) (LegacyEntry, bool, error) {
	return c.Client.FindLegacyEntry(ctx, userPrincipalName)
}
