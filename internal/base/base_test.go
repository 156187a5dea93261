// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package base

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/AzureAD/azure-activedirectory-library-for-go/cache"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/fake"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/ops/authority"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/shared"
	"github.com/kylelemons/godebug/pretty"
)

const (
	fakeAccessToken  = "fake-access-token"
	fakeAuthority    = "https://login.microsoftonline.com/fake-tenant"
	fakeEnvironment  = "login.microsoftonline.com"
	fakeClientID     = "fake-client-id"
	fakeRefreshToken = "fake-refresh-token"
	fakeUsername     = "fake-username"

	// "x.e30" is a two part JWT whose payload is the empty claim set {}.
	fakeRawIDToken = "x.e30"
)

var testScopes = []string{"User.Read"}

func fakeAuthorityREST() *fake.Authority {
	return &fake.Authority{
		TenantDiscoveryResp: authority.TenantDiscoveryResponse{
			AuthorizationEndpoint: "https://login.microsoftonline.com/fake-tenant/oauth2/v2.0/authorize",
			TokenEndpoint:         "https://login.microsoftonline.com/fake-tenant/oauth2/v2.0/token",
			Issuer:                "https://login.microsoftonline.com/fake-tenant/v2.0",
		},
		InstanceResp: authority.InstanceDiscoveryResponse{
			TenantDiscoveryEndpoint: "https://login.microsoftonline.com/fake-tenant/v2.0/.well-known/openid-configuration",
			Metadata: []authority.InstanceDiscoveryMetadata{
				{Aliases: []string{fakeEnvironment, "login.windows.net"}, PreferredNetwork: fakeEnvironment},
			},
		},
	}
}

func fakeClient(t *testing.T, options ...Option) Client {
	t.Helper()
	token := oauth.New(nil)
	token.Rest = fakeAuthorityREST()
	client, err := New(fakeClientID, fakeAuthority, token, options...)
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func fakeTokenResponse() accesstokens.TokenResponse {
	return accesstokens.TokenResponse{
		AccessToken:   fakeAccessToken,
		RefreshToken:  fakeRefreshToken,
		IDToken:       accesstokens.IDToken{RawToken: fakeRawIDToken, PreferredUsername: fakeUsername, Oid: "oid"},
		ClientInfo:    accesstokens.ClientInfo{UID: "uid", UTID: "utid"},
		RawClientInfo: "eyJ1aWQiOiJ1aWQiLCJ1dGlkIjoidXRpZCJ9",
		GrantedScopes: testScopes,
		ExpiresOn:     time.Now().Add(time.Hour),
	}
}

func TestFindAccessTokenEmptyCache(t *testing.T) {
	client := fakeClient(t)
	_, err := client.FindAccessToken(context.Background(), FindTokenParameters{
		Account: shared.NewAccount("homeAccountID", fakeEnvironment, "realm", "localAccountID", "MSSTS", "username"),
		Scopes:  testScopes,
	})
	if err == nil {
		t.Fatal("expected an error because the cache is empty")
	}
}

func TestStoreThenFindAccessToken(t *testing.T) {
	client := fakeClient(t)
	ctx := context.Background()

	result, err := client.Store(ctx, fakeTokenResponse(), testScopes)
	if err != nil {
		t.Fatalf("TestStoreThenFindAccessToken: Store: got err == %s, want err == nil", err)
	}
	if result.Account.HomeAccountID != "uid.utid" {
		t.Fatalf("TestStoreThenFindAccessToken: got home account ID %q, want uid.utid", result.Account.HomeAccountID)
	}

	// The scope set matches regardless of ordering or casing.
	for _, scopes := range [][]string{testScopes, {"user.read"}} {
		found, err := client.FindAccessToken(ctx, FindTokenParameters{Scopes: scopes, Account: result.Account})
		if err != nil {
			t.Fatalf("TestStoreThenFindAccessToken(%v): got err == %s, want err == nil", scopes, err)
		}
		if found.AccessToken != fakeAccessToken {
			t.Errorf("TestStoreThenFindAccessToken(%v): got access token %q, want %q", scopes, found.AccessToken, fakeAccessToken)
		}
	}

	// An extra scope the cached token does not cover is a miss.
	if _, err := client.FindAccessToken(ctx, FindTokenParameters{Scopes: []string{"User.Read", "Mail.Read"}, Account: result.Account}); err == nil {
		t.Error("TestStoreThenFindAccessToken: got a token for a scope that was never granted")
	}
}

func TestFindRefreshToken(t *testing.T) {
	client := fakeClient(t)
	ctx := context.Background()

	result, err := client.Store(ctx, fakeTokenResponse(), testScopes)
	if err != nil {
		t.Fatal(err)
	}

	// Refresh tokens are scope independent, ask with different scopes.
	rt, err := client.FindRefreshToken(ctx, FindTokenParameters{Scopes: []string{"Mail.Read"}, Account: result.Account})
	if err != nil {
		t.Fatalf("TestFindRefreshToken: got err == %s, want err == nil", err)
	}
	if rt.Secret != fakeRefreshToken {
		t.Errorf("TestFindRefreshToken: got secret %q, want %q", rt.Secret, fakeRefreshToken)
	}
}

func TestAccountsAndRemoveAccount(t *testing.T) {
	client := fakeClient(t)
	ctx := context.Background()

	result, err := client.Store(ctx, fakeTokenResponse(), testScopes)
	if err != nil {
		t.Fatal(err)
	}

	accounts := client.Accounts(ctx)
	if len(accounts) != 1 {
		t.Fatalf("TestAccountsAndRemoveAccount: got %d accounts, want 1", len(accounts))
	}
	if diff := pretty.Compare(result.Account, accounts[0]); diff != "" {
		t.Fatalf("TestAccountsAndRemoveAccount: -want/+got:\n%s", diff)
	}
	if got := client.Account(ctx, result.Account.HomeAccountID); got.PreferredUsername != fakeUsername {
		t.Fatalf("TestAccountsAndRemoveAccount: Account() got username %q, want %q", got.PreferredUsername, fakeUsername)
	}

	if err := client.RemoveAccount(ctx, result.Account); err != nil {
		t.Fatalf("TestAccountsAndRemoveAccount: RemoveAccount: got err == %s, want err == nil", err)
	}
	if accounts := client.Accounts(ctx); len(accounts) != 0 {
		t.Fatalf("TestAccountsAndRemoveAccount: got %d accounts after removal, want 0", len(accounts))
	}
	if _, err := client.FindRefreshToken(ctx, FindTokenParameters{Account: result.Account}); err == nil {
		t.Error("TestAccountsAndRemoveAccount: refresh token survived account removal")
	}
}

// blobAccessor persists the cache the way an application would, as one
// opaque blob.
type blobAccessor struct {
	blob     []byte
	replaced int
	exported int
}

func (b *blobAccessor) Replace(cache cache.Unmarshaler, key string) {
	b.replaced++
	_ = cache.Unmarshal(b.blob)
}

func (b *blobAccessor) Export(cache cache.Marshaler, key string) {
	b.exported++
	if blob, err := cache.Marshal(); err == nil {
		b.blob = blob
	}
}

func TestCacheAccessorRoundTrip(t *testing.T) {
	accessor := &blobAccessor{}
	ctx := context.Background()

	writer := fakeClient(t, WithCacheAccessor(accessor))
	result, err := writer.Store(ctx, fakeTokenResponse(), testScopes)
	if err != nil {
		t.Fatal(err)
	}
	if accessor.replaced == 0 || accessor.exported == 0 {
		t.Fatalf("TestCacheAccessorRoundTrip: store did not bracket the cache access, replace == %d, export == %d", accessor.replaced, accessor.exported)
	}

	// A different client sharing the external store sees the token.
	reader := fakeClient(t, WithCacheAccessor(accessor))
	found, err := reader.FindAccessToken(ctx, FindTokenParameters{Scopes: testScopes, Account: result.Account})
	if err != nil {
		t.Fatalf("TestCacheAccessorRoundTrip: got err == %s, want err == nil", err)
	}
	if found.AccessToken != fakeAccessToken {
		t.Errorf("TestCacheAccessorRoundTrip: got access token %q, want %q", found.AccessToken, fakeAccessToken)
	}
}

// ctxAccessor verifies that context-aware accessors get the caller's
// context.
type ctxAccessor struct {
	blobAccessor
	ctxCalls int
}

func (c *ctxAccessor) ReplaceCtx(ctx context.Context, cache cache.Unmarshaler, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.ctxCalls++
	c.Replace(cache, key)
	return nil
}

func (c *ctxAccessor) ExportCtx(ctx context.Context, cache cache.Marshaler, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.ctxCalls++
	c.Export(cache, key)
	return nil
}

func TestCacheAccessorContext(t *testing.T) {
	accessor := &ctxAccessor{}
	client := fakeClient(t, WithCacheAccessor(accessor))

	if _, err := client.Store(context.Background(), fakeTokenResponse(), testScopes); err != nil {
		t.Fatal(err)
	}
	if accessor.ctxCalls == 0 {
		t.Fatal("TestCacheAccessorContext: context-aware accessor methods were never called")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Store(ctx, fakeTokenResponse(), testScopes); err == nil {
		t.Fatal("TestCacheAccessorContext: got err == nil with a cancelled context, want err != nil")
	}
}

func TestLegacyMirrorOnStore(t *testing.T) {
	legacyAccessor := &blobAccessor{}
	client := fakeClient(t, WithLegacyCacheAccessor(legacyAccessor))

	if _, err := client.Store(context.Background(), fakeTokenResponse(), testScopes); err != nil {
		t.Fatal(err)
	}
	if legacyAccessor.exported == 0 {
		t.Fatal("TestLegacyMirrorOnStore: legacy blob was never exported")
	}
	if !strings.Contains(string(legacyAccessor.blob), fakeRefreshToken) {
		t.Error("TestLegacyMirrorOnStore: legacy blob does not carry the refresh token")
	}
}

func TestImportLegacy(t *testing.T) {
	// Build a legacy blob by storing through one client.
	legacyAccessor := &blobAccessor{}
	writer := fakeClient(t, WithLegacyCacheAccessor(legacyAccessor))
	if _, err := writer.Store(context.Background(), fakeTokenResponse(), testScopes); err != nil {
		t.Fatal(err)
	}

	// A fresh client with an empty item cache imports it.
	client := fakeClient(t, WithLegacyCacheAccessor(legacyAccessor))
	if err := client.ImportLegacy(context.Background()); err != nil {
		t.Fatalf("TestImportLegacy: got err == %s, want err == nil", err)
	}

	account := client.Account(context.Background(), "uid.utid")
	if account.IsZero() {
		t.Fatal("TestImportLegacy: imported account not found")
	}
	rt, err := client.FindRefreshToken(context.Background(), FindTokenParameters{Account: account})
	if err != nil {
		t.Fatalf("TestImportLegacy: FindRefreshToken: got err == %s, want err == nil", err)
	}
	if rt.Secret != fakeRefreshToken {
		t.Errorf("TestImportLegacy: got secret %q, want %q", rt.Secret, fakeRefreshToken)
	}
}

func TestFindLegacyEntry(t *testing.T) {
	client := fakeClient(t)
	ctx := context.Background()

	if _, ok, err := client.FindLegacyEntry(ctx, fakeUsername); err != nil || ok {
		t.Fatalf("TestFindLegacyEntry(empty cache): got ok == %v, err == %v, want miss without error", ok, err)
	}

	if _, err := client.Store(ctx, fakeTokenResponse(), testScopes); err != nil {
		t.Fatal(err)
	}

	entry, ok, err := client.FindLegacyEntry(ctx, fakeUsername)
	if err != nil {
		t.Fatalf("TestFindLegacyEntry: got err == %s, want err == nil", err)
	}
	if !ok {
		t.Fatal("TestFindLegacyEntry: got a miss, want a hit")
	}
	if entry.RefreshToken != fakeRefreshToken {
		t.Errorf("TestFindLegacyEntry: got refresh token %q, want %q", entry.RefreshToken, fakeRefreshToken)
	}

	// The empty upn wildcard matches the stored account too.
	if _, ok, err := client.FindLegacyEntry(ctx, ""); err != nil || !ok {
		t.Errorf("TestFindLegacyEntry(wildcard): got ok == %v, err == %v, want a hit", ok, err)
	}

	if _, ok, err := client.FindLegacyEntry(ctx, "someone.else@contoso.com"); err != nil || ok {
		t.Errorf("TestFindLegacyEntry(unknown user): got ok == %v, err == %v, want a miss without error", ok, err)
	}
}

func TestAuthCodeURL(t *testing.T) {
	client := fakeClient(t)
	got, err := client.AuthCodeURL(context.Background(), fakeClientID, "http://localhost", testScopes, client.AuthParams)
	if err != nil {
		t.Fatalf("TestAuthCodeURL: got err == %s, want err == nil", err)
	}

	want := "https://login.microsoftonline.com/fake-tenant/oauth2/v2.0/authorize?client_id=fake-client-id&redirect_uri=http%3A%2F%2Flocalhost&response_type=code&scope=User.Read"
	if got != want {
		t.Errorf("TestAuthCodeURL: got %q, want %q", got, want)
	}
}

func TestNewAuthResultDeclinedScopes(t *testing.T) {
	response := fakeTokenResponse()
	response.DeclinedScopes = []string{"openid"}
	if _, err := NewAuthResult(response, shared.Account{}); err == nil {
		t.Fatal("TestNewAuthResultDeclinedScopes: got err == nil, want err != nil")
	}
}
