// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package legacy bridges the single-blob cache format of the older library
// generation to the item-based cache schema. The legacy blob is a best-effort
// mirror kept for applications that still read the old format, it is never
// the source of truth. Lookup and write failures therefore collapse to
// "not found" or a no-op with a log line instead of propagating, a corrupt
// entry must only cost a network round trip, never a request failure.
package legacy

import (
	"net/url"
	"strings"
	"sync"

	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/json"
	internalTime "github.com/AzureAD/azure-activedirectory-library-for-go/internal/json/types/time"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/shared"
	"go.uber.org/zap"
)

// Entry is one record of the legacy blob. The key fields identify the token
// request the record answered, the value fields carry the credentials. Any
// fields an older writer stored that we do not model round-trip through
// AdditionalFields.
type Entry struct {
	Authority     string            `json:"authority,omitempty"`
	Resource      string            `json:"resource,omitempty"`
	ClientID      string            `json:"client_id,omitempty"`
	AccessToken   string            `json:"access_token,omitempty"`
	RefreshToken  string            `json:"refresh_token,omitempty"`
	IDToken       string            `json:"id_token,omitempty"`
	RawClientInfo string            `json:"client_info,omitempty"`
	ExpiresOn     internalTime.Unix `json:"expires_on,omitempty"`
	TenantID      string            `json:"tenant_id,omitempty"`
	UniqueID      string            `json:"unique_id,omitempty"`
	DisplayableID string            `json:"displayable_id,omitempty"`
	GivenName     string            `json:"given_name,omitempty"`
	FamilyName    string            `json:"family_name,omitempty"`

	AdditionalFields map[string]interface{}
}

// Key outputs the key used to uniquely look up this entry in the blob.
func (e Entry) Key() string {
	return strings.ToLower(
		strings.Join(
			[]string{e.Authority, e.Resource, e.ClientID, e.UniqueID, e.DisplayableID},
			shared.CacheKeySeparator,
		),
	)
}

// Contract is the JSON representation of the legacy blob.
type Contract struct {
	Entries map[string]Entry `json:"Entries"`

	AdditionalFields map[string]interface{}
}

// NewContract is the constructor for Contract.
func NewContract() *Contract {
	return &Contract{
		Entries: map[string]Entry{},
	}
}

// newFormatWriter upserts items in the new cache schema.
type newFormatWriter interface {
	WriteRefreshToken(accesstokens.RefreshToken) error
	WriteAccount(shared.Account) error
}

// Manager owns the legacy blob. It satisfies cache.Serializer so an external
// store can persist it through its own slot, separate from the new-format
// cache.
type Manager struct {
	contractMu sync.RWMutex
	contract   *Contract

	log *zap.SugaredLogger
}

// NewManager is the constructor for Manager. logger may be nil, in which
// case swallowed errors are discarded.
func NewManager(logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		contract: NewContract(),
		log:      logger,
	}
}

// WriteAccountAndRefreshToken mirrors a legacy entry into the new cache
// schema as one RefreshToken and one Account. Entries missing client info,
// the refresh token or the ID token cannot be represented in the new schema
// and are skipped with a log line. Errors never propagate, the mirror is
// best effort.
func (m *Manager) WriteAccountAndRefreshToken(store newFormatWriter, authority string, entry Entry) {
	switch "" {
	case entry.RawClientInfo:
		m.log.Info("client info is missing, skipping refresh token cache write")
		return
	case entry.RefreshToken:
		m.log.Info("refresh token is missing, skipping refresh token cache write")
		return
	case entry.IDToken:
		m.log.Info("ID token is missing, skipping refresh token cache write")
		return
	}

	u, err := url.Parse(authority)
	if err != nil || u.Host == "" {
		m.log.Infow("could not parse authority, skipping refresh token cache write", "authority", authority)
		return
	}
	env := u.Host

	clientInfo, err := accesstokens.NewClientInfo(entry.RawClientInfo)
	if err != nil {
		m.log.Info("could not decode client info, skipping refresh token cache write")
		return
	}
	homeAccountID := clientInfo.HomeAccountID()

	rt := accesstokens.NewRefreshToken(homeAccountID, env, entry.ClientID, entry.RefreshToken, "")
	if err := store.WriteRefreshToken(rt); err != nil {
		m.log.Infow("could not write refresh token to the cache", "error", err)
		return
	}

	account := shared.NewAccount(homeAccountID, env, entry.TenantID, entry.UniqueID, "MSSTS", entry.DisplayableID)
	account.GivenName = entry.GivenName
	account.FamilyName = entry.FamilyName
	account.RawClientInfo = entry.RawClientInfo
	if err := store.WriteAccount(account); err != nil {
		m.log.Infow("could not write account to the cache", "error", err)
	}
}

// FindEntryForLegacyLookup searches the new cache schema for a refresh token
// an older caller can use. Accounts are filtered by the authority's host,
// refresh tokens by host and client ID, then each candidate token is joined
// to an account sharing its home account ID. An empty upn matches any
// account. The first join wins. The returned entry carries only the refresh
// token and client info. ok is false when nothing matches, including when
// the authority cannot be parsed.
func (m *Manager) FindEntryForLegacyLookup(accounts []shared.Account, refreshTokens []accesstokens.RefreshToken, authority, clientID, upn string) (Entry, bool) {
	u, err := url.Parse(authority)
	if err != nil || u.Host == "" {
		m.log.Infow("could not parse authority for legacy lookup", "authority", authority)
		return Entry{}, false
	}
	env := u.Host

	var candidates []shared.Account
	for _, account := range accounts {
		if strings.EqualFold(account.Environment, env) {
			candidates = append(candidates, account)
		}
	}
	if len(candidates) == 0 {
		return Entry{}, false
	}

	for _, rt := range refreshTokens {
		if !strings.EqualFold(rt.Environment, env) || !strings.EqualFold(rt.ClientID, clientID) {
			continue
		}
		for _, account := range candidates {
			if !strings.EqualFold(rt.HomeAccountID, account.HomeAccountID) {
				continue
			}
			if upn != "" && !strings.EqualFold(account.PreferredUsername, upn) {
				continue
			}
			return Entry{
				RefreshToken:  rt.Secret,
				RawClientInfo: account.RawClientInfo,
			}, true
		}
	}
	return Entry{}, false
}

// WriteLegacyMirror records a token response in the legacy blob. Responses
// missing client info, the refresh token or the ID token have no legacy
// representation and are skipped with a log line.
func (m *Manager) WriteLegacyMirror(authority, resource, clientID string, tokenResponse accesstokens.TokenResponse) {
	switch "" {
	case tokenResponse.RawClientInfo:
		m.log.Info("client info is missing, skipping legacy cache write")
		return
	case tokenResponse.RefreshToken:
		m.log.Info("refresh token is missing, skipping legacy cache write")
		return
	case tokenResponse.IDToken.RawToken:
		m.log.Info("ID token is missing, skipping legacy cache write")
		return
	}

	idToken := tokenResponse.IDToken
	entry := Entry{
		Authority:     authority,
		Resource:      resource,
		ClientID:      clientID,
		AccessToken:   tokenResponse.AccessToken,
		RefreshToken:  tokenResponse.RefreshToken,
		IDToken:       idToken.RawToken,
		RawClientInfo: tokenResponse.RawClientInfo,
		ExpiresOn:     internalTime.Unix{T: tokenResponse.ExpiresOn},
		TenantID:      idToken.TenantID,
		UniqueID:      idToken.LocalAccountID(),
		DisplayableID: idToken.PreferredUsername,
		GivenName:     idToken.GivenName,
		FamilyName:    idToken.FamilyName,
	}

	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract.Entries[entry.Key()] = entry
}

// AllUsers returns one entry per distinct user in the legacy blob, in no
// particular order. Entries without a user identifier are skipped.
func (m *Manager) AllUsers() []Entry {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	seen := map[string]bool{}
	var users []Entry
	for _, entry := range m.contract.Entries {
		id := strings.ToLower(entry.DisplayableID)
		if id == "" {
			id = strings.ToLower(entry.UniqueID)
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		users = append(users, entry)
	}
	return users
}

// RemoveUser deletes every entry belonging to the user from the legacy
// blob. Unknown users are a no-op.
func (m *Manager) RemoveUser(displayableID string) {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()

	for key, entry := range m.contract.Entries {
		if strings.EqualFold(entry.DisplayableID, displayableID) {
			delete(m.contract.Entries, key)
		}
	}
}

// Marshal implements cache.Marshaler.
func (m *Manager) Marshal() ([]byte, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()
	return json.Marshal(m.contract)
}

// Unmarshal implements cache.Unmarshaler. An empty input means there is no
// prior blob and leaves the current state untouched.
func (m *Manager) Unmarshal(b []byte) error {
	if len(b) == 0 {
		return nil
	}

	contract := NewContract()
	if err := json.Unmarshal(b, contract); err != nil {
		return err
	}
	if contract.Entries == nil {
		contract.Entries = map[string]Entry{}
	}

	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract = contract
	return nil
}
