// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package base contains a "Base" client that wires the storage manager, the
// legacy cache bridge and the authority resolver together behind one type.
// The public tokencache package is a thin veneer over it. Base brackets every
// cache touch with the external accessor's Replace/Export pair so that an
// application-provided byte store always sees a whole-blob load, mutate,
// save cycle.
package base

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/AzureAD/azure-activedirectory-library-for-go/cache"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/base/internal/legacy"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/base/internal/storage"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/ops/authority"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/shared"
	"go.uber.org/zap"
)

const (
	// AuthorityPublicCloud is the default AAD authority host.
	AuthorityPublicCloud = "https://login.microsoftonline.com/common"
	scopeSeparator       = " "
)

// manager provides an internal cache. It is defined to allow faking the
// cache in tests. In all production use it is a *storage.Manager.
type manager interface {
	Read(ctx context.Context, authParameters authority.AuthParams, account shared.Account) (storage.TokenResponse, error)
	ReadRefreshToken(ctx context.Context, authParameters authority.AuthParams, account shared.Account) (accesstokens.RefreshToken, error)
	Write(authParameters authority.AuthParams, tokenResponse accesstokens.TokenResponse) (shared.Account, error)
	AllAccounts() []shared.Account
	Account(homeAccountID string) shared.Account
	RemoveAccount(ctx context.Context, account shared.Account, clientID string)
	AllRefreshTokens() []accesstokens.RefreshToken
	WriteRefreshToken(refreshToken accesstokens.RefreshToken) error
	WriteAccount(account shared.Account) error
}

type noopCacheAccessor struct{}

func (n noopCacheAccessor) Replace(cache cache.Unmarshaler, key string) {}
func (n noopCacheAccessor) Export(cache cache.Marshaler, key string)    {}

// LegacyEntry is the single-blob representation of one cached credential.
type LegacyEntry = legacy.Entry

// FindTokenParameters are the parameters for looking up a cached credential.
type FindTokenParameters struct {
	Scopes  []string
	Account shared.Account

	// UserPrincipalName is only required when the authority is ADFS and
	// validation is on.
	UserPrincipalName string
}

// AuthResult contains the results of one cached token lookup or one token
// store operation.
type AuthResult struct {
	Account        shared.Account
	IDToken        accesstokens.IDToken
	AccessToken    string
	ExpiresOn      time.Time
	GrantedScopes  []string
	DeclinedScopes []string
}

// AuthResultFromStorage creates an AuthResult from a cache read.
func AuthResultFromStorage(storageTokenResponse storage.TokenResponse) (AuthResult, error) {
	if err := storageTokenResponse.AccessToken.Validate(); err != nil {
		return AuthResult{}, fmt.Errorf("problem with access token in StorageTokenResponse: %w", err)
	}

	account := storageTokenResponse.Account
	accessToken := storageTokenResponse.AccessToken.Secret
	grantedScopes := strings.Split(storageTokenResponse.AccessToken.Scopes, scopeSeparator)

	// Public client caches hold an ID token, confidential app-only caches
	// do not.
	var idToken accesstokens.IDToken
	if !storageTokenResponse.IDToken.IsZero() {
		var err error
		idToken, err = accesstokens.NewIDToken(storageTokenResponse.IDToken.Secret)
		if err != nil {
			return AuthResult{}, fmt.Errorf("problem decoding JWT token: %w", err)
		}
	}
	return AuthResult{account, idToken, accessToken, storageTokenResponse.AccessToken.ExpiresOn.T, grantedScopes, nil}, nil
}

// NewAuthResult creates an AuthResult from a token endpoint response.
func NewAuthResult(tokenResponse accesstokens.TokenResponse, account shared.Account) (AuthResult, error) {
	if len(tokenResponse.DeclinedScopes) > 0 {
		return AuthResult{}, fmt.Errorf("token response failed because declined scopes are present: %s", strings.Join(tokenResponse.DeclinedScopes, ","))
	}
	return AuthResult{
		Account:       account,
		IDToken:       tokenResponse.IDToken,
		AccessToken:   tokenResponse.AccessToken,
		ExpiresOn:     tokenResponse.ExpiresOn,
		GrantedScopes: tokenResponse.GrantedScopes,
	}, nil
}

// Client is a base client that provides access to common methods and
// primitives that can be used by multiple clients.
type Client struct {
	Token   *oauth.Client
	manager manager // *storage.Manager or a fake in tests
	legacy  *legacy.Manager

	AuthParams     authority.AuthParams // DO NOT EVER MAKE THIS A POINTER! The zero-copy semantics below depend on it.
	cacheAccessor  cache.ExportReplace
	legacyAccessor cache.ExportReplace
}

// Option is an optional argument to the New constructor.
type Option func(c *Client)

// WithCacheAccessor allows you to set some type of external cache for
// storing authentication tokens.
func WithCacheAccessor(ca cache.ExportReplace) Option {
	return func(c *Client) {
		if ca != nil {
			c.cacheAccessor = ca
		}
	}
}

// WithLegacyCacheAccessor sets the external store for the legacy single-blob
// mirror. It is a separate slot from the item-based cache, the two formats
// never share a blob.
func WithLegacyCacheAccessor(ca cache.ExportReplace) Option {
	return func(c *Client) {
		if ca != nil {
			c.legacyAccessor = ca
		}
	}
}

// WithLogger sets the logger the legacy bridge reports swallowed errors to.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Client) {
		c.legacy = legacy.NewManager(logger)
	}
}

// WithInstanceDiscovery set to false to disable authority validation (improves performance!)
func WithInstanceDiscovery(enabled bool) Option {
	return func(c *Client) {
		c.AuthParams.AuthorityInfo.ValidateAuthority = enabled
	}
}

// New is the constructor for Base.
func New(clientID string, authorityURI string, token *oauth.Client, options ...Option) (Client, error) {
	authInfo, err := authority.NewInfoFromAuthorityURI(authorityURI, true)
	if err != nil {
		return Client{}, err
	}
	authParams := authority.NewAuthParams(clientID, authInfo)
	client := Client{ // Note: Hey, don't even THINK about making Base into *Base. The methods below rely on non-pointer copies.
		Token:          token,
		AuthParams:     authParams,
		cacheAccessor:  noopCacheAccessor{},
		legacyAccessor: noopCacheAccessor{},
		manager:        storage.New(token),
		legacy:         legacy.NewManager(nil),
	}
	for _, o := range options {
		o(&client)
	}
	return client, nil
}

// AuthCodeURL creates a URL used to acquire an authorization code.
func (b Client) AuthCodeURL(ctx context.Context, clientID, redirectURI string, scopes []string, authParams authority.AuthParams) (string, error) {
	endpoints, err := b.Token.ResolveEndpoints(ctx, authParams.AuthorityInfo, "")
	if err != nil {
		return "", err
	}

	baseURL, err := url.Parse(endpoints.AuthorizationEndpoint)
	if err != nil {
		return "", err
	}

	v := url.Values{}
	v.Add("client_id", clientID)
	v.Add("response_type", "code")
	v.Add("redirect_uri", redirectURI)
	v.Add("scope", strings.Join(scopes, scopeSeparator))

	baseURL.RawQuery = v.Encode()
	return baseURL.String(), nil
}

// replace loads the external blob into s. Accessors that understand contexts
// get the caller's, the rest are called without one.
func (b Client) replace(ctx context.Context, s cache.Serializer, accessor cache.ExportReplace, key string) error {
	if ca, ok := accessor.(cache.ExportReplaceCtx); ok {
		return ca.ReplaceCtx(ctx, s, key)
	}
	accessor.Replace(s, key)
	return nil
}

// export writes s back out to the external blob.
func (b Client) export(ctx context.Context, s cache.Serializer, accessor cache.ExportReplace, key string) error {
	if ca, ok := accessor.(cache.ExportReplaceCtx); ok {
		return ca.ExportCtx(ctx, s, key)
	}
	accessor.Export(s, key)
	return nil
}

// FindAccessToken looks up a cached access token for the account, client
// and scope set. The authority the client was built with is resolved first
// so environment aliases match. A miss, including an expired token, is an
// error.
func (b Client) FindAccessToken(ctx context.Context, params FindTokenParameters) (AuthResult, error) {
	authParams := b.AuthParams // This is a copy, as we don't have a pointer receiver and authParams is not a pointer.
	authParams.Scopes = params.Scopes
	authParams.HomeaccountID = params.Account.HomeAccountID

	if _, err := b.Token.ResolveEndpoints(ctx, authParams.AuthorityInfo, params.UserPrincipalName); err != nil {
		return AuthResult{}, err
	}

	if s, ok := b.manager.(cache.Serializer); ok {
		if err := b.replace(ctx, s, b.cacheAccessor, authParams.HomeaccountID); err != nil {
			return AuthResult{}, err
		}
		defer b.export(ctx, s, b.cacheAccessor, authParams.HomeaccountID)
	}

	storageTokenResponse, err := b.manager.Read(ctx, authParams, params.Account)
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResultFromStorage(storageTokenResponse)
}

// FindRefreshToken looks up a cached refresh token for the account and
// client. Refresh tokens are scope independent, the scope set in params is
// ignored. When the app is in a token family the family token wins over the
// client-bound one.
func (b Client) FindRefreshToken(ctx context.Context, params FindTokenParameters) (accesstokens.RefreshToken, error) {
	authParams := b.AuthParams
	authParams.HomeaccountID = params.Account.HomeAccountID

	if _, err := b.Token.ResolveEndpoints(ctx, authParams.AuthorityInfo, params.UserPrincipalName); err != nil {
		return accesstokens.RefreshToken{}, err
	}

	if s, ok := b.manager.(cache.Serializer); ok {
		if err := b.replace(ctx, s, b.cacheAccessor, authParams.HomeaccountID); err != nil {
			return accesstokens.RefreshToken{}, err
		}
		defer b.export(ctx, s, b.cacheAccessor, authParams.HomeaccountID)
	}

	return b.manager.ReadRefreshToken(ctx, authParams, params.Account)
}

// Store writes a token response to the cache and mirrors it into the legacy
// blob. The returned AuthResult carries the account the tokens were stored
// under. Mirror failures are not errors, the legacy blob is best effort.
func (b Client) Store(ctx context.Context, tokenResponse accesstokens.TokenResponse, scopes []string) (AuthResult, error) {
	authParams := b.AuthParams
	authParams.Scopes = scopes
	authParams.HomeaccountID = tokenResponse.HomeAccountID()

	if s, ok := b.manager.(cache.Serializer); ok {
		if err := b.replace(ctx, s, b.cacheAccessor, authParams.HomeaccountID); err != nil {
			return AuthResult{}, err
		}
		defer b.export(ctx, s, b.cacheAccessor, authParams.HomeaccountID)
	}

	account, err := b.manager.Write(authParams, tokenResponse)
	if err != nil {
		return AuthResult{}, err
	}

	b.mirrorToLegacy(ctx, authParams, tokenResponse)

	return NewAuthResult(tokenResponse, account)
}

func (b Client) mirrorToLegacy(ctx context.Context, authParams authority.AuthParams, tokenResponse accesstokens.TokenResponse) {
	if err := b.replace(ctx, b.legacy, b.legacyAccessor, authParams.HomeaccountID); err != nil {
		return
	}
	resource := storage.NormalizeScopes(tokenResponse.GrantedScopes)
	b.legacy.WriteLegacyMirror(authParams.AuthorityInfo.CanonicalAuthorityURI, resource, authParams.ClientID, tokenResponse)
	b.export(ctx, b.legacy, b.legacyAccessor, authParams.HomeaccountID)
}

// ImportLegacy reads the legacy blob and mirrors every usable entry into the
// item-based cache so a caller migrating from the old library finds its
// refresh tokens.
func (b Client) ImportLegacy(ctx context.Context) error {
	if err := b.replace(ctx, b.legacy, b.legacyAccessor, ""); err != nil {
		return err
	}

	if s, ok := b.manager.(cache.Serializer); ok {
		if err := b.replace(ctx, s, b.cacheAccessor, ""); err != nil {
			return err
		}
		defer b.export(ctx, s, b.cacheAccessor, "")
	}

	for _, entry := range b.legacy.AllUsers() {
		b.legacy.WriteAccountAndRefreshToken(b.manager, entry.Authority, entry)
	}
	return nil
}

// FindLegacyEntry searches the item-based cache for a refresh token a
// caller still on the legacy format can use, and returns it as a partial
// legacy entry. An empty userPrincipalName matches any account under the
// client's authority. ok is false on a miss.
func (b Client) FindLegacyEntry(ctx context.Context, userPrincipalName string) (legacy.Entry, bool, error) {
	if s, ok := b.manager.(cache.Serializer); ok {
		if err := b.replace(ctx, s, b.cacheAccessor, ""); err != nil {
			return legacy.Entry{}, false, err
		}
		defer b.export(ctx, s, b.cacheAccessor, "")
	}

	entry, ok := b.legacy.FindEntryForLegacyLookup(
		b.manager.AllAccounts(),
		b.manager.AllRefreshTokens(),
		b.AuthParams.AuthorityInfo.CanonicalAuthorityURI,
		b.AuthParams.ClientID,
		userPrincipalName,
	)
	return entry, ok, nil
}

// Accounts returns all cached accounts, in no particular order.
func (b Client) Accounts(ctx context.Context) []shared.Account {
	if s, ok := b.manager.(cache.Serializer); ok {
		if err := b.replace(ctx, s, b.cacheAccessor, ""); err != nil {
			return nil
		}
		defer b.export(ctx, s, b.cacheAccessor, "")
	}

	return b.manager.AllAccounts()
}

// Account returns the cached account matching the home account ID, or the
// zero value.
func (b Client) Account(ctx context.Context, homeAccountID string) shared.Account {
	if s, ok := b.manager.(cache.Serializer); ok {
		if err := b.replace(ctx, s, b.cacheAccessor, homeAccountID); err != nil {
			return shared.Account{}
		}
		defer b.export(ctx, s, b.cacheAccessor, homeAccountID)
	}

	return b.manager.Account(homeAccountID)
}

// RemoveAccount signs the account out of both cache formats.
func (b Client) RemoveAccount(ctx context.Context, account shared.Account) error {
	if s, ok := b.manager.(cache.Serializer); ok {
		if err := b.replace(ctx, s, b.cacheAccessor, account.HomeAccountID); err != nil {
			return err
		}
		defer b.export(ctx, s, b.cacheAccessor, account.HomeAccountID)
	}
	b.manager.RemoveAccount(ctx, account, b.AuthParams.ClientID)

	if err := b.replace(ctx, b.legacy, b.legacyAccessor, account.HomeAccountID); err != nil {
		return nil
	}
	b.legacy.RemoveUser(account.PreferredUsername)
	b.export(ctx, b.legacy, b.legacyAccessor, account.HomeAccountID)
	return nil
}
