// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package storage holds all cached token information. This storage can be
// augmented with third-party extensions to provide persistent storage. In
// that case, reads and writes in upper packages will call Marshal() to take
// the entire in-memory representation and write it to storage and
// Unmarshal() to update the entire in-memory storage with what was in the
// persistent storage. The persistent storage can only be accessed in this
// way because multiple clients written in multiple languages can access the
// same storage and must adhere to the same method that was defined
// previously.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AzureAD/azure-activedirectory-library-for-go/errors"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/json"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/ops/authority"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/shared"
)

// aadInstanceDiscoveryer allows faking in tests.
// It is implemented in production by oauth.Client.
type aadInstanceDiscoveryer interface {
	AADInstanceDiscovery(ctx context.Context, authorityInfo authority.Info) (authority.InstanceDiscoveryResponse, error)
}

// TokenResponse mimics a token response that was pulled from the cache.
type TokenResponse struct {
	RefreshToken accesstokens.RefreshToken
	IDToken      IDToken
	AccessToken  AccessToken
	Account      shared.Account
}

// Manager is an in-memory cache of access tokens, accounts and meta data.
// This data is updated on read/write calls. Unmarshal() replaces all data
// stored here with whatever was given to it on each call.
type Manager struct {
	contract   *Contract
	serialized bool
	contractMu sync.RWMutex
	requests   aadInstanceDiscoveryer // *oauth.Client

	aadCacheMu sync.RWMutex
	aadCache   map[string]authority.InstanceDiscoveryMetadata
}

// New is the constructor for Manager.
func New(requests *oauth.Client) *Manager {
	return &Manager{
		requests: requests,
		contract: NewContract(),
		aadCache: make(map[string]authority.InstanceDiscoveryMetadata),
	}
}

func checkAlias(alias string, aliases []string) bool {
	for _, v := range aliases {
		if alias == v {
			return true
		}
	}
	return false
}

const scopeSeparator = " "

// NormalizeScopes produces the canonical target string for a scope set:
// sorted without regard to case, deduplicated, original casing kept. Two
// requests for the same scopes in different orders produce the same string.
func NormalizeScopes(scopes []string) string {
	sorted := make([]string, len(scopes))
	copy(sorted, scopes)
	sort.Slice(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i]) < strings.ToLower(sorted[j])
	})

	deduped := sorted[:0]
	for _, s := range sorted {
		if len(deduped) == 0 || !strings.EqualFold(deduped[len(deduped)-1], s) {
			deduped = append(deduped, s)
		}
	}
	return strings.Join(deduped, scopeSeparator)
}

// isMatchingScopes reports whether every wanted scope appears in the stored
// target string. The comparison ignores case, a cached token for a superset
// of the wanted scopes matches.
func isMatchingScopes(scopesOne []string, scopesTwo string) bool {
	newScopesTwo := strings.Split(scopesTwo, scopeSeparator)
	scopeCounter := 0
	for _, scope := range scopesOne {
		for _, otherScope := range newScopesTwo {
			if strings.EqualFold(scope, otherScope) {
				scopeCounter++
				break
			}
		}
	}
	return scopeCounter == len(scopesOne)
}

// Read reads a storage token from the cache if it exists.
func (m *Manager) Read(ctx context.Context, authParameters authority.AuthParams, account shared.Account) (TokenResponse, error) {
	homeAccountID := authParameters.HomeaccountID
	realm := authParameters.AuthorityInfo.Tenant
	clientID := authParameters.ClientID
	scopes := authParameters.Scopes

	metadata, err := m.getMetadataEntry(ctx, authParameters.AuthorityInfo)
	if err != nil {
		return TokenResponse{}, err
	}

	accessToken, err := m.readAccessToken(homeAccountID, metadata.Aliases, realm, clientID, scopes)
	if err != nil {
		return TokenResponse{}, err
	}

	if err := accessToken.Validate(); err != nil {
		return TokenResponse{}, err
	}

	if account.IsZero() {
		return TokenResponse{AccessToken: accessToken}, nil
	}
	idToken, err := m.readIDToken(homeAccountID, metadata.Aliases, realm, clientID)
	if err != nil {
		return TokenResponse{}, err
	}

	appMetaData, err := m.readAppMetaData(metadata.Aliases, clientID)
	if err != nil {
		return TokenResponse{}, err
	}
	familyID := appMetaData.FamilyID

	refreshToken, err := m.readRefreshToken(homeAccountID, metadata.Aliases, familyID, clientID)
	if err != nil {
		return TokenResponse{}, err
	}
	account, err = m.readAccount(homeAccountID, metadata.Aliases, realm)
	if err != nil {
		return TokenResponse{}, err
	}
	return TokenResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		IDToken:      idToken,
		Account:      account,
	}, nil
}

// Write writes a token response to the cache and returns the account
// information the token is stored with. Writes are upserts, an entry with
// the same key is overwritten in full.
func (m *Manager) Write(authParameters authority.AuthParams, tokenResponse accesstokens.TokenResponse) (shared.Account, error) {
	authParameters.HomeaccountID = tokenResponse.HomeAccountID()
	homeAccountID := authParameters.HomeaccountID
	environment := authParameters.AuthorityInfo.Host
	realm := authParameters.AuthorityInfo.Tenant
	clientID := authParameters.ClientID
	target := NormalizeScopes(tokenResponse.GrantedScopes)

	cachedAt := time.Now()

	var account shared.Account

	if tokenResponse.HasRefreshToken() {
		refreshToken := accesstokens.NewRefreshToken(homeAccountID, environment, clientID, tokenResponse.RefreshToken, tokenResponse.FamilyID)
		if err := m.writeRefreshToken(refreshToken); err != nil {
			return account, err
		}
	}

	if tokenResponse.HasAccessToken() {
		accessToken, err := NewAccessToken(
			homeAccountID,
			environment,
			realm,
			clientID,
			cachedAt,
			tokenResponse.ExpiresOn,
			tokenResponse.ExtExpiresOn,
			target,
			tokenResponse.AccessToken,
		)
		if err != nil {
			return account, err
		}

		// Since we have a valid access token, cache it before moving on.
		if err := accessToken.Validate(); err == nil {
			if err := m.writeAccessToken(accessToken); err != nil {
				return account, err
			}
		}
	}

	idTokenJwt := tokenResponse.IDToken
	if !idTokenJwt.IsZero() {
		idToken, err := NewIDToken(homeAccountID, environment, realm, clientID, idTokenJwt.RawToken)
		if err != nil {
			return shared.Account{}, err
		}
		if err := m.writeIDToken(idToken); err != nil {
			return shared.Account{}, err
		}

		localAccountID := idTokenJwt.LocalAccountID()
		authorityType := authParameters.AuthorityInfo.AuthorityType

		account = shared.NewAccount(
			homeAccountID,
			environment,
			realm,
			localAccountID,
			authorityType,
			idTokenJwt.PreferredUsername,
		)
		if err := m.writeAccount(account); err != nil {
			return shared.Account{}, err
		}
	}

	appMetaData := NewAppMetaData(tokenResponse.FamilyID, clientID, environment)

	if err := m.writeAppMetaData(appMetaData); err != nil {
		return shared.Account{}, err
	}
	return account, nil
}

func (m *Manager) getMetadataEntry(ctx context.Context, authorityInfo authority.Info) (authority.InstanceDiscoveryMetadata, error) {
	// we can't defer m.aadCacheMu.RUnlock() here
	// as m.aadMetadata() takes the write lock.
	m.aadCacheMu.RLock()
	if metadata, ok := m.aadCache[authorityInfo.Host]; ok {
		m.aadCacheMu.RUnlock()
		return metadata, nil
	}
	m.aadCacheMu.RUnlock()
	metadata, err := m.aadMetadata(ctx, authorityInfo)
	if err != nil {
		return authority.InstanceDiscoveryMetadata{}, err
	}
	return metadata, nil
}

func (m *Manager) aadMetadata(ctx context.Context, authorityInfo authority.Info) (authority.InstanceDiscoveryMetadata, error) {
	m.aadCacheMu.Lock()
	defer m.aadCacheMu.Unlock()
	discoveryResponse, err := m.requests.AADInstanceDiscovery(ctx, authorityInfo)
	if err != nil {
		return authority.InstanceDiscoveryMetadata{}, err
	}

	for _, metadataEntry := range discoveryResponse.Metadata {
		metadataEntry.TenantDiscoveryEndpoint = discoveryResponse.TenantDiscoveryEndpoint
		for _, aliasedAuthority := range metadataEntry.Aliases {
			m.aadCache[aliasedAuthority] = metadataEntry
		}
	}
	// A host the discovery reply does not mention is only an alias of
	// itself. Cache that fact so we don't query again for it.
	if _, ok := m.aadCache[authorityInfo.Host]; !ok {
		m.aadCache[authorityInfo.Host] = authority.InstanceDiscoveryMetadata{
			PreferredNetwork: authorityInfo.Host,
			PreferredCache:   authorityInfo.Host,
			Aliases:          []string{authorityInfo.Host},
		}
	}
	return m.aadCache[authorityInfo.Host], nil
}

func (m *Manager) readAccessToken(homeID string, envAliases []string, realm, clientID string, scopes []string) (AccessToken, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()
	for _, at := range m.contract.AccessTokens {
		if at.HomeAccountID == homeID && at.Realm == realm && at.ClientID == clientID {
			if checkAlias(at.Environment, envAliases) {
				if isMatchingScopes(scopes, at.Scopes) {
					return at, nil
				}
			}
		}
	}
	return AccessToken{}, fmt.Errorf("access token not found")
}

// checkKey guards credential writes against keys built from empty identity
// fields, which would silently collide in the contract maps.
func checkKey(environment, clientID string) error {
	switch "" {
	case environment:
		return errors.InvalidKeyError{Field: "environment"}
	case clientID:
		return errors.InvalidKeyError{Field: "client_id"}
	}
	return nil
}

func (m *Manager) writeAccessToken(accessToken AccessToken) error {
	if err := checkKey(accessToken.Environment, accessToken.ClientID); err != nil {
		return err
	}
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	key := accessToken.Key()
	m.contract.AccessTokens[key] = accessToken
	return nil
}

// readRefreshToken prefers a family refresh token when the app is known to
// be part of a family, otherwise a client specific one. Either way the
// other kind serves as a fallback.
func (m *Manager) readRefreshToken(homeID string, envAliases []string, familyID, clientID string) (accesstokens.RefreshToken, error) {
	byFamily := func(rt accesstokens.RefreshToken) bool {
		return matchFamilyRefreshToken(rt, homeID, envAliases)
	}
	byClient := func(rt accesstokens.RefreshToken) bool {
		return matchClientIDRefreshToken(rt, homeID, envAliases, clientID)
	}

	var matchers []func(rt accesstokens.RefreshToken) bool
	if familyID == "" {
		matchers = []func(rt accesstokens.RefreshToken) bool{
			byClient, byFamily,
		}
	} else {
		matchers = []func(rt accesstokens.RefreshToken) bool{
			byFamily, byClient,
		}
	}

	m.contractMu.RLock()
	defer m.contractMu.RUnlock()
	for _, matcher := range matchers {
		for _, rt := range m.contract.RefreshTokens {
			if matcher(rt) {
				return rt, nil
			}
		}
	}

	return accesstokens.RefreshToken{}, fmt.Errorf("refresh token not found")
}

func matchFamilyRefreshToken(rt accesstokens.RefreshToken, homeID string, envAliases []string) bool {
	return rt.HomeAccountID == homeID && checkAlias(rt.Environment, envAliases) && rt.FamilyID != ""
}

func matchClientIDRefreshToken(rt accesstokens.RefreshToken, homeID string, envAliases []string, clientID string) bool {
	return rt.HomeAccountID == homeID && checkAlias(rt.Environment, envAliases) && rt.ClientID == clientID
}

func (m *Manager) writeRefreshToken(refreshToken accesstokens.RefreshToken) error {
	if err := checkKey(refreshToken.Environment, refreshToken.ClientID); err != nil {
		return err
	}
	key := refreshToken.Key()
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract.RefreshTokens[key] = refreshToken
	return nil
}

func (m *Manager) readIDToken(homeID string, envAliases []string, realm, clientID string) (IDToken, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()
	for _, idt := range m.contract.IDTokens {
		if idt.HomeAccountID == homeID && idt.Realm == realm && idt.ClientID == clientID {
			if checkAlias(idt.Environment, envAliases) {
				return idt, nil
			}
		}
	}
	return IDToken{}, fmt.Errorf("token not found")
}

func (m *Manager) writeIDToken(idToken IDToken) error {
	if err := checkKey(idToken.Environment, idToken.ClientID); err != nil {
		return err
	}
	key := idToken.Key()
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract.IDTokens[key] = idToken
	return nil
}

// ReadRefreshToken returns the refresh token for the account and client.
// Refresh tokens are scope independent so no scope matching happens. When
// AppMetaData says the client is in a token family, the family token is
// preferred over a client-bound one.
func (m *Manager) ReadRefreshToken(ctx context.Context, authParameters authority.AuthParams, account shared.Account) (accesstokens.RefreshToken, error) {
	homeAccountID := authParameters.HomeaccountID
	if homeAccountID == "" {
		homeAccountID = account.HomeAccountID
	}

	metadata, err := m.getMetadataEntry(ctx, authParameters.AuthorityInfo)
	if err != nil {
		return accesstokens.RefreshToken{}, err
	}

	familyID := ""
	if appMetaData, err := m.readAppMetaData(metadata.Aliases, authParameters.ClientID); err == nil {
		familyID = appMetaData.FamilyID
	}

	return m.readRefreshToken(homeAccountID, metadata.Aliases, familyID, authParameters.ClientID)
}

// AllRefreshTokens returns all refresh tokens in the cache, in no particular
// order. The legacy cache bridge uses it to join refresh tokens to their
// accounts.
func (m *Manager) AllRefreshTokens() []accesstokens.RefreshToken {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	var tokens []accesstokens.RefreshToken
	for _, v := range m.contract.RefreshTokens {
		tokens = append(tokens, v)
	}

	return tokens
}

// WriteRefreshToken upserts a refresh token on behalf of the legacy cache
// bridge.
func (m *Manager) WriteRefreshToken(refreshToken accesstokens.RefreshToken) error {
	return m.writeRefreshToken(refreshToken)
}

// AllAccessTokens returns all access tokens in the cache, in no particular
// order.
func (m *Manager) AllAccessTokens() []AccessToken {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	var tokens []AccessToken
	for _, v := range m.contract.AccessTokens {
		tokens = append(tokens, v)
	}

	return tokens
}

// AllIDTokens returns all ID tokens in the cache, in no particular order.
func (m *Manager) AllIDTokens() []IDToken {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	var tokens []IDToken
	for _, v := range m.contract.IDTokens {
		tokens = append(tokens, v)
	}

	return tokens
}

// DeleteAccessToken removes the access token stored under key. Deleting a
// key that is not present is a no-op.
func (m *Manager) DeleteAccessToken(key string) {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	delete(m.contract.AccessTokens, key)
}

// DeleteRefreshToken removes the refresh token stored under key. Deleting a
// key that is not present is a no-op.
func (m *Manager) DeleteRefreshToken(key string) {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	delete(m.contract.RefreshTokens, key)
}

// DeleteIDToken removes the ID token stored under key. Deleting a key that
// is not present is a no-op.
func (m *Manager) DeleteIDToken(key string) {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	delete(m.contract.IDTokens, key)
}

// DeleteAccount removes the account stored under key. Deleting a key that
// is not present is a no-op.
func (m *Manager) DeleteAccount(key string) {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	delete(m.contract.Accounts, key)
}

// WriteAccount upserts an account on behalf of the legacy cache bridge.
func (m *Manager) WriteAccount(account shared.Account) error {
	return m.writeAccount(account)
}

// AllAccounts returns all accounts in the cache, in no particular order.
func (m *Manager) AllAccounts() []shared.Account {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	var accounts []shared.Account
	for _, v := range m.contract.Accounts {
		accounts = append(accounts, v)
	}

	return accounts
}

// Account returns the account matching the home account ID, or the zero
// value if none is cached.
func (m *Manager) Account(homeAccountID string) shared.Account {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	for _, v := range m.contract.Accounts {
		if v.HomeAccountID == homeAccountID {
			return v
		}
	}

	return shared.Account{}
}

func (m *Manager) readAccount(homeAccountID string, envAliases []string, realm string) (shared.Account, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	// You might ask why, if cache.Accounts is a map, we would loop through
	// all of these instead of using a key. We only use a map because the
	// storage contract shared between all language implementations says use
	// a map. We can't change that. The other is because the keys are made
	// using a specific "env", but here we are allowing a match in multiple
	// envs (envAlias). That means we either need to hash each possible key
	// and do the lookup or just statically check. The amount of keys stored
	// is really low (say 2). Each hash is more expensive than the entire
	// iteration.
	for _, acc := range m.contract.Accounts {
		if acc.HomeAccountID == homeAccountID && checkAlias(acc.Environment, envAliases) && acc.Realm == realm {
			return acc, nil
		}
	}
	return shared.Account{}, fmt.Errorf("account not found")
}

func (m *Manager) writeAccount(account shared.Account) error {
	key := account.Key()
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract.Accounts[key] = account
	return nil
}

func (m *Manager) readAppMetaData(envAliases []string, clientID string) (AppMetaData, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	for _, app := range m.contract.AppMetaData {
		if checkAlias(app.Environment, envAliases) && app.ClientID == clientID {
			return app, nil
		}
	}
	return AppMetaData{}, fmt.Errorf("not found")
}

func (m *Manager) writeAppMetaData(appMetaData AppMetaData) error {
	key := appMetaData.Key()
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract.AppMetaData[key] = appMetaData
	return nil
}

// RemoveAccount removes the account and all its associated credentials from
// the cache. Missing entries are not an error, removal is idempotent.
func (m *Manager) RemoveAccount(ctx context.Context, account shared.Account, clientID string) {
	aliases := []string{account.Environment}
	if metadata, err := m.getMetadataEntry(ctx, authority.Info{Host: account.Environment}); err == nil {
		aliases = metadata.Aliases
	}

	m.removeRefreshTokens(account.HomeAccountID, aliases, clientID)
	m.removeAccessTokens(account.HomeAccountID, aliases)
	m.removeIDTokens(account.HomeAccountID, aliases)
	m.removeAccounts(account.HomeAccountID, aliases)
}

func (m *Manager) removeRefreshTokens(homeID string, envAliases []string, clientID string) {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	for key, rt := range m.contract.RefreshTokens {
		// Check for RTs associated with the account.
		if rt.HomeAccountID == homeID && checkAlias(rt.Environment, envAliases) {
			// Do RT's app ownership check as a precaution, in case family
			// apps and 3rd-party apps share same token cache, although they
			// should not.
			if rt.ClientID == clientID || rt.FamilyID != "" {
				delete(m.contract.RefreshTokens, key)
			}
		}
	}
}

func (m *Manager) removeAccessTokens(homeID string, envAliases []string) {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	for key, at := range m.contract.AccessTokens {
		// Remove AT's of all clients with the same account. Due to
		// environment aliasing the same token may be keyed under several
		// envs, all of them go.
		if at.HomeAccountID == homeID && checkAlias(at.Environment, envAliases) {
			delete(m.contract.AccessTokens, key)
		}
	}
}

func (m *Manager) removeIDTokens(homeID string, envAliases []string) {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	for key, idt := range m.contract.IDTokens {
		if idt.HomeAccountID == homeID && checkAlias(idt.Environment, envAliases) {
			delete(m.contract.IDTokens, key)
		}
	}
}

func (m *Manager) removeAccounts(homeID string, envAliases []string) {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	for key, acc := range m.contract.Accounts {
		if acc.HomeAccountID == homeID && checkAlias(acc.Environment, envAliases) {
			delete(m.contract.Accounts, key)
		}
	}
}

// Clear drops every entry from every collection, leaving an empty but
// serializable contract. Unknown top level data carried for other
// implementations is dropped with it.
func (m *Manager) Clear() {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract = NewContract()
}

// update updates the internal cache object. This is for use in tests, other
// uses are not supported.
func (m *Manager) update(cache *Contract) {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract = cache
}

// Marshal implements cache.Marshaler.
func (m *Manager) Marshal() ([]byte, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()
	return json.Marshal(m.contract)
}

// Unmarshal implements cache.Unmarshaler. An empty blob is not an error, it
// means no external cache exists yet and the in-memory state is kept.
func (m *Manager) Unmarshal(b []byte) error {
	if len(b) == 0 {
		return nil
	}

	m.contractMu.Lock()
	defer m.contractMu.Unlock()

	contract := NewContract()

	err := json.Unmarshal(b, contract)
	if err != nil {
		return err
	}

	m.contract = contract
	m.serialized = true

	return nil
}

// HasSerialized reports whether a serialized cache has ever been loaded.
// It distinguishes "no prior cache" from an explicitly empty document,
// since Unmarshal treats empty input as a no-op.
func (m *Manager) HasSerialized() bool {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()
	return m.serialized
}
