// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package tokencache

import (
	"context"
	"testing"
	"time"

	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/fake"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/ops/authority"
)

func fakeTokenClient(t *testing.T, options ...Option) Client {
	t.Helper()
	options = append(options, WithAuthority("https://login.microsoftonline.com/my-tenant"))
	client, err := New("client-id", options...)
	if err != nil {
		t.Fatal(err)
	}
	client.Token.Rest = &fake.Authority{
		TenantDiscoveryResp: authority.TenantDiscoveryResponse{
			AuthorizationEndpoint: "https://login.microsoftonline.com/my-tenant/oauth2/v2.0/authorize",
			TokenEndpoint:         "https://login.microsoftonline.com/my-tenant/oauth2/v2.0/token",
			Issuer:                "https://login.microsoftonline.com/my-tenant/v2.0",
		},
		InstanceResp: authority.InstanceDiscoveryResponse{
			Metadata: []authority.InstanceDiscoveryMetadata{
				{Aliases: []string{"login.microsoftonline.com"}},
			},
		},
	}
	return client
}

func TestNewValidatesAuthority(t *testing.T) {
	if _, err := New("client-id", WithAuthority("http://login.microsoftonline.com/common")); err == nil {
		t.Fatal("TestNewValidatesAuthority: got err == nil for an http authority, want err != nil")
	}
}

func TestStoreAndFind(t *testing.T) {
	client := fakeTokenClient(t)
	ctx := context.Background()

	response := accesstokens.TokenResponse{
		AccessToken:   "accessToken",
		RefreshToken:  "refreshToken",
		IDToken:       accesstokens.IDToken{RawToken: "x.e30", PreferredUsername: "user@contoso.com", Oid: "oid"},
		ClientInfo:    accesstokens.ClientInfo{UID: "uid", UTID: "utid"},
		GrantedScopes: []string{"User.Read"},
		ExpiresOn:     time.Now().Add(time.Hour),
	}
	result, err := client.Store(ctx, response, []string{"User.Read"})
	if err != nil {
		t.Fatalf("TestStoreAndFind: Store: got err == %s, want err == nil", err)
	}

	found, err := client.FindAccessToken(ctx, FindTokenParameters{Scopes: []string{"user.read"}, Account: result.Account})
	if err != nil {
		t.Fatalf("TestStoreAndFind: FindAccessToken: got err == %s, want err == nil", err)
	}
	if found.AccessToken != "accessToken" {
		t.Errorf("TestStoreAndFind: got access token %q, want accessToken", found.AccessToken)
	}

	rt, err := client.FindRefreshToken(ctx, FindTokenParameters{Account: result.Account})
	if err != nil {
		t.Fatalf("TestStoreAndFind: FindRefreshToken: got err == %s, want err == nil", err)
	}
	if rt.Secret != "refreshToken" {
		t.Errorf("TestStoreAndFind: got refresh token %q, want refreshToken", rt.Secret)
	}

	if accounts := client.Accounts(ctx); len(accounts) != 1 {
		t.Fatalf("TestStoreAndFind: got %d accounts, want 1", len(accounts))
	}
	if err := client.RemoveAccount(ctx, result.Account); err != nil {
		t.Fatal(err)
	}
	if accounts := client.Accounts(ctx); len(accounts) != 0 {
		t.Fatalf("TestStoreAndFind: got %d accounts after RemoveAccount, want 0", len(accounts))
	}
}
