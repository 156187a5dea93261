// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package storage

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/AzureAD/azure-activedirectory-library-for-go/errors"
	internalTime "github.com/AzureAD/azure-activedirectory-library-for-go/internal/json/types/time"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/shared"
)

// Contract is the JSON structure that is written to any storage medium when
// serializing the internal cache. This design is shared between token cache
// implementations in many languages. This cannot be changed without design
// that includes other SDKs.
type Contract struct {
	AccessTokens  map[string]AccessToken               `json:"AccessToken"`
	RefreshTokens map[string]accesstokens.RefreshToken `json:"RefreshToken"`
	IDTokens      map[string]IDToken                   `json:"IdToken"`
	Accounts      map[string]shared.Account            `json:"Account"`
	AppMetaData   map[string]AppMetaData               `json:"AppMetadata"`

	AdditionalFields map[string]interface{}
}

// NewContract is the constructor for Contract.
func NewContract() *Contract {
	return &Contract{
		AccessTokens:  map[string]AccessToken{},
		RefreshTokens: map[string]accesstokens.RefreshToken{},
		IDTokens:      map[string]IDToken{},
		Accounts:      map[string]shared.Account{},
		AppMetaData:   map[string]AppMetaData{},
	}
}

// AccessToken is the JSON representation of an access token for encoding to
// storage.
type AccessToken struct {
	HomeAccountID     string            `json:"home_account_id,omitempty"`
	Environment       string            `json:"environment,omitempty"`
	Realm             string            `json:"realm,omitempty"`
	CredentialType    string            `json:"credential_type,omitempty"`
	ClientID          string            `json:"client_id,omitempty"`
	Secret            string            `json:"secret,omitempty"`
	Scopes            string            `json:"target,omitempty"`
	ExpiresOn         internalTime.Unix `json:"expires_on,omitempty"`
	ExtendedExpiresOn internalTime.Unix `json:"extended_expires_on,omitempty"`
	CachedAt          internalTime.Unix `json:"cached_at,omitempty"`

	AdditionalFields map[string]interface{}
}

// NewAccessToken is the constructor for AccessToken. scopes must already be
// in normalized form, see NormalizeScopes.
func NewAccessToken(homeAccountID, env, realm, clientID string, cachedAt, expiresOn, extendedExpiresOn time.Time, scopes, token string) (AccessToken, error) {
	a := AccessToken{
		HomeAccountID:     homeAccountID,
		Environment:       env,
		Realm:             realm,
		CredentialType:    "AccessToken",
		ClientID:          clientID,
		Secret:            token,
		Scopes:            scopes,
		CachedAt:          internalTime.Unix{T: cachedAt.UTC()},
		ExpiresOn:         internalTime.Unix{T: expiresOn.UTC()},
		ExtendedExpiresOn: internalTime.Unix{T: extendedExpiresOn.UTC()},
	}

	switch "" {
	case homeAccountID:
		return AccessToken{}, errors.InvalidItemError{Type: "AccessToken", Field: "HomeAccountID"}
	case env:
		return AccessToken{}, errors.InvalidItemError{Type: "AccessToken", Field: "Environment"}
	case clientID:
		return AccessToken{}, errors.InvalidItemError{Type: "AccessToken", Field: "ClientID"}
	case token:
		return AccessToken{}, errors.InvalidItemError{Type: "AccessToken", Field: "Secret"}
	case scopes:
		return AccessToken{}, errors.InvalidItemError{Type: "AccessToken", Field: "Scopes"}
	}
	if cachedAt.IsZero() {
		return AccessToken{}, errors.InvalidItemError{Type: "AccessToken", Field: "CachedAt"}
	}
	if expiresOn.IsZero() {
		return AccessToken{}, errors.InvalidItemError{Type: "AccessToken", Field: "ExpiresOn"}
	}
	return a, nil
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (a AccessToken) Key() string {
	return strings.Join(
		[]string{a.HomeAccountID, a.Environment, a.CredentialType, a.ClientID, a.Realm, a.Scopes},
		shared.CacheKeySeparator,
	)
}

// Validate validates that this AccessToken can be used. Tokens within five
// minutes of expiry are treated as expired.
func (a AccessToken) Validate() error {
	if a.CachedAt.T.After(time.Now()) {
		return errors.New("access token isn't valid, it was cached at a future time")
	}
	if a.ExpiresOn.T.Before(time.Now().Add(5 * time.Minute)) {
		return fmt.Errorf("access token is expired")
	}
	if a.CachedAt.T.IsZero() {
		return fmt.Errorf("access token does not have CachedAt set")
	}
	return nil
}

// IDToken is the JSON representation of an ID token for encoding to storage.
type IDToken struct {
	HomeAccountID  string `json:"home_account_id,omitempty"`
	Environment    string `json:"environment,omitempty"`
	Realm          string `json:"realm,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Secret         string `json:"secret,omitempty"`

	AdditionalFields map[string]interface{}
}

// compile time check that makes sure IDToken hasn't added any fields not
// covered in IsZero().
func _() {
	valid := map[string]bool{
		"HomeAccountID":    true,
		"Environment":      true,
		"Realm":            true,
		"CredentialType":   true,
		"ClientID":         true,
		"Secret":           true,
		"AdditionalFields": true,
	}
	t := reflect.TypeOf(IDToken{})
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !valid[f.Name] {
			panic(fmt.Sprintf("storage.IDToken has new field %q, which must be added to .IsZero()", f.Name))
		}
	}
}

// NewIDToken is the constructor for IDToken.
func NewIDToken(homeAccountID, env, realm, clientID, idToken string) (IDToken, error) {
	i := IDToken{
		HomeAccountID:  homeAccountID,
		Environment:    env,
		Realm:          realm,
		CredentialType: "IdToken",
		ClientID:       clientID,
		Secret:         idToken,
	}

	switch "" {
	case homeAccountID:
		return IDToken{}, errors.InvalidItemError{Type: "IdToken", Field: "HomeAccountID"}
	case env:
		return IDToken{}, errors.InvalidItemError{Type: "IdToken", Field: "Environment"}
	case clientID:
		return IDToken{}, errors.InvalidItemError{Type: "IdToken", Field: "ClientID"}
	case idToken:
		return IDToken{}, errors.InvalidItemError{Type: "IdToken", Field: "Secret"}
	}
	return i, nil
}

// IsZero determines if IDToken is the zero value.
func (i IDToken) IsZero() bool {
	switch {
	case i.HomeAccountID != "":
		return false
	case i.Environment != "":
		return false
	case i.Realm != "":
		return false
	case i.CredentialType != "":
		return false
	case i.ClientID != "":
		return false
	case i.Secret != "":
		return false
	case i.AdditionalFields != nil:
		return false
	}
	return true
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (i IDToken) Key() string {
	return strings.Join(
		[]string{i.HomeAccountID, i.Environment, i.CredentialType, i.ClientID, i.Realm},
		shared.CacheKeySeparator,
	)
}

// AppMetaData is the JSON representation of application metadata for encoding
// to storage. The family ID it carries is what lets clients in the same
// application family share refresh tokens.
type AppMetaData struct {
	FamilyID    string `json:"family_id,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	Environment string `json:"environment,omitempty"`

	AdditionalFields map[string]interface{}
}

// NewAppMetaData is the constructor for AppMetaData.
func NewAppMetaData(familyID, clientID, environment string) AppMetaData {
	return AppMetaData{
		FamilyID:    familyID,
		ClientID:    clientID,
		Environment: environment,
	}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (a AppMetaData) Key() string {
	return strings.Join(
		[]string{"AppMetaData", a.Environment, a.ClientID},
		shared.CacheKeySeparator,
	)
}
