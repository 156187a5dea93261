// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package accesstokens provides the token response types the cache consumes:
// the raw token endpoint reply, the client info used to build home account
// IDs, the parsed ID token and the refresh token storage item.
package accesstokens

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/json"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/ops/authority"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/shared"
	"github.com/golang-jwt/jwt/v5"
)

// segmentDecoder decodes raw base64url JWT segments without verifying
// signatures. The cache only ever reads claims from tokens the STS just
// issued over TLS, it never makes trust decisions from them.
var segmentDecoder = jwt.NewParser()

// ClientInfo is the decoded client_info parameter from the token endpoint.
// It is used to create a Home Account ID for an account.
type ClientInfo struct {
	UID  string `json:"uid"`
	UTID string `json:"utid"`

	AdditionalFields map[string]interface{}
}

// HomeAccountID builds the "uid.utid" identifier that correlates the cache
// entries belonging to one account. It is empty when either part is missing.
func (c ClientInfo) HomeAccountID() string {
	if c.UID == "" || c.UTID == "" {
		return ""
	}
	return fmt.Sprintf("%s.%s", c.UID, c.UTID)
}

// NewClientInfo decodes the raw client_info value sent by the token endpoint.
func NewClientInfo(rawClientInfo string) (ClientInfo, error) {
	c := ClientInfo{}
	if rawClientInfo == "" {
		return c, nil
	}
	b, err := segmentDecoder.DecodeSegment(rawClientInfo)
	if err != nil {
		return ClientInfo{}, fmt.Errorf("could not decode client_info: %w", err)
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return ClientInfo{}, fmt.Errorf("could not unmarshal client_info: %w", err)
	}
	return c, nil
}

// IDToken consists of all the information used to validate a user.
// https://docs.microsoft.com/azure/active-directory/develop/id-tokens .
type IDToken struct {
	PreferredUsername string `json:"preferred_username,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
	MiddleName        string `json:"middle_name,omitempty"`
	Name              string `json:"name,omitempty"`
	Oid               string `json:"oid,omitempty"`
	TenantID          string `json:"tid,omitempty"`
	Subject           string `json:"sub,omitempty"`
	UPN               string `json:"upn,omitempty"`
	Email             string `json:"email,omitempty"`
	AlternativeID     string `json:"alternative_id,omitempty"`
	Issuer            string `json:"iss,omitempty"`
	Audience          string `json:"aud,omitempty"`
	ExpirationTime    int64  `json:"exp,omitempty"`
	IssuedAt          int64  `json:"iat,omitempty"`
	NotBefore         int64  `json:"nbf,omitempty"`
	RawToken          string

	AdditionalFields map[string]interface{}
}

// NewIDToken creates an ID token instance from a JWT. The signature is not
// verified here, the token came directly from the STS over TLS.
func NewIDToken(jwtToken string) (IDToken, error) {
	parts := strings.Split(jwtToken, ".")
	if len(parts) < 2 {
		return IDToken{}, fmt.Errorf("id token returned from server is invalid")
	}
	payload, err := segmentDecoder.DecodeSegment(parts[1])
	if err != nil {
		return IDToken{}, fmt.Errorf("could not decode id token payload: %w", err)
	}
	idToken := IDToken{}
	if err := json.Unmarshal(payload, &idToken); err != nil {
		return IDToken{}, err
	}
	idToken.RawToken = jwtToken
	return idToken, nil
}

// IsZero indicates if the IDToken is the zero value.
func (i IDToken) IsZero() bool {
	v := reflect.ValueOf(i)
	for i := 0; i < v.NumField(); i++ {
		if !v.Field(i).IsZero() {
			return false
		}
	}
	return true
}

// LocalAccountID extracts an account's local account ID from an ID token.
func (i IDToken) LocalAccountID() string {
	if i.Oid != "" {
		return i.Oid
	}
	return i.Subject
}

// tokenResponsePayload is the wire form of the token endpoint reply.
type tokenResponsePayload struct {
	authority.OAuthResponseBase

	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExtExpiresIn int64  `json:"ext_expires_in"`
	Foci         string `json:"foci"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token"`
	ClientInfo   string `json:"client_info"`

	AdditionalFields map[string]interface{}
}

// TokenResponse is the information that is returned from a token endpoint
// during a token acquisition flow.
type TokenResponse struct {
	authority.OAuthResponseBase

	AccessToken    string
	RefreshToken   string
	IDToken        IDToken
	FamilyID       string
	GrantedScopes  []string
	DeclinedScopes []string
	ExpiresOn      time.Time
	ExtExpiresOn   time.Time
	RawClientInfo  string
	ClientInfo     ClientInfo

	AdditionalFields map[string]interface{}
}

// HasAccessToken checks if the TokenResponse has an access token.
func (tr TokenResponse) HasAccessToken() bool {
	return len(tr.AccessToken) > 0
}

// HasRefreshToken checks if the TokenResponse has a refresh token.
func (tr TokenResponse) HasRefreshToken() bool {
	return len(tr.RefreshToken) > 0
}

// HomeAccountID creates the home account ID for an account from the
// client_info parameter. It is empty when the STS did not send client_info.
func (tr TokenResponse) HomeAccountID() string {
	return tr.ClientInfo.HomeAccountID()
}

// NewTokenResponse converts a raw token endpoint reply into a TokenResponse.
func NewTokenResponse(authParams authority.AuthParams, b []byte) (TokenResponse, error) {
	payload := tokenResponsePayload{}
	if err := json.Unmarshal(b, &payload); err != nil {
		return TokenResponse{}, err
	}

	if payload.Error != "" {
		return TokenResponse{}, fmt.Errorf("%s: %s", payload.Error, payload.ErrorDescription)
	}
	if payload.AccessToken == "" {
		// Access token is required in a token response.
		return TokenResponse{}, fmt.Errorf("response is missing access_token")
	}

	clientInfo, err := NewClientInfo(payload.ClientInfo)
	if err != nil {
		return TokenResponse{}, err
	}

	var (
		grantedScopes  []string
		declinedScopes []string
	)
	if len(payload.Scope) == 0 {
		// Per https://tools.ietf.org/html/rfc6749#section-3.3, if no scopes
		// come back the request's scopes were all granted.
		grantedScopes = authParams.Scopes
	} else {
		grantedScopes = strings.Split(strings.ToLower(payload.Scope), " ")
		declinedScopes = findDeclinedScopes(authParams.Scopes, grantedScopes)
	}

	// ID tokens aren't always returned, which is not a reportable error
	// condition. So we ignore it.
	idToken, _ := NewIDToken(payload.IDToken)

	return TokenResponse{
		OAuthResponseBase: payload.OAuthResponseBase,
		AccessToken:       payload.AccessToken,
		RefreshToken:      payload.RefreshToken,
		IDToken:           idToken,
		FamilyID:          payload.Foci,
		ExpiresOn:         time.Now().Add(time.Second * time.Duration(payload.ExpiresIn)),
		ExtExpiresOn:      time.Now().Add(time.Second * time.Duration(payload.ExtExpiresIn)),
		GrantedScopes:     grantedScopes,
		DeclinedScopes:    declinedScopes,
		RawClientInfo:     payload.ClientInfo,
		ClientInfo:        clientInfo,
		AdditionalFields:  payload.AdditionalFields,
	}, nil
}

func findDeclinedScopes(requestedScopes, grantedScopes []string) []string {
	declined := []string{}
	grantedMap := map[string]bool{}
	for _, s := range grantedScopes {
		grantedMap[s] = true
	}
	for _, r := range requestedScopes {
		if !grantedMap[strings.ToLower(r)] {
			declined = append(declined, r)
		}
	}
	return declined
}

// RefreshToken is the JSON representation of a refresh token for encoding to
// storage.
type RefreshToken struct {
	HomeAccountID  string `json:"home_account_id,omitempty"`
	Environment    string `json:"environment,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	FamilyID       string `json:"family_id,omitempty"`
	Secret         string `json:"secret,omitempty"`
	Realm          string `json:"realm,omitempty"`
	Target         string `json:"target,omitempty"`

	AdditionalFields map[string]interface{}
}

// NewRefreshToken is the constructor for RefreshToken.
func NewRefreshToken(homeAccountID, env, clientID, refreshToken, familyID string) RefreshToken {
	return RefreshToken{
		HomeAccountID:  homeAccountID,
		Environment:    env,
		CredentialType: "RefreshToken",
		ClientID:       clientID,
		FamilyID:       familyID,
		Secret:         refreshToken,
	}
}

// Key outputs the key that can be used to uniquely look up this entry in a
// map. A family refresh token is keyed by its family ID instead of the
// client ID, which is what lets every client in the family find it.
func (rt RefreshToken) Key() string {
	fourth := rt.FamilyID
	if fourth == "" {
		fourth = rt.ClientID
	}

	return strings.Join(
		[]string{rt.HomeAccountID, rt.Environment, rt.CredentialType, fourth},
		shared.CacheKeySeparator,
	)
}

// GetSecret returns the refresh token secret.
func (rt RefreshToken) GetSecret() string {
	return rt.Secret
}
