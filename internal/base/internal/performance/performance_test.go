// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package performance

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/base"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/fake"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/oauth/ops/authority"
	"github.com/AzureAD/azure-activedirectory-library-for-go/internal/shared"
	"github.com/montanaflynn/stats"
)

func fakeClient() (base.Client, error) {
	// we use a base.Client so we can provide a fake backend
	token := oauth.New(nil)
	token.Rest = &fake.Authority{
		TenantDiscoveryResp: authority.TenantDiscoveryResponse{
			AuthorizationEndpoint: "https://login.microsoftonline.com/my_utid/auth",
			TokenEndpoint:         "https://login.microsoftonline.com/my_utid/token",
			Issuer:                "https://login.microsoftonline.com/my_utid",
		},
		InstanceResp: authority.InstanceDiscoveryResponse{
			Metadata: []authority.InstanceDiscoveryMetadata{
				{
					PreferredNetwork: "login.microsoftonline.com",
					Aliases:          []string{"login.microsoftonline.com"},
				},
			},
		},
	}
	return base.New("fake_client_id", "https://login.microsoftonline.com/my_utid", token)
}

func populateCache(users, tokens int, client base.Client) map[int]shared.Account {
	accounts := map[int]shared.Account{}
	for user := 0; user < users; user++ {
		for token := 0; token < tokens; token++ {
			scope := fmt.Sprintf("scope%d", token)
			result, err := client.Store(context.Background(), accesstokens.TokenResponse{
				AccessToken:   fmt.Sprintf("fake_access_token%d", user),
				RefreshToken:  "fake_refresh_token",
				ClientInfo:    accesstokens.ClientInfo{UID: "my_uid", UTID: fmt.Sprintf("%dmy_utid", user)},
				ExpiresOn:     time.Now().Add(1 * time.Hour),
				GrantedScopes: []string{scope},
				IDToken: accesstokens.IDToken{
					RawToken: "x.e30",
				},
			}, []string{scope})
			if err != nil {
				panic(err)
			}
			accounts[user] = result.Account
		}
	}
	return accounts
}

func queryCache(users, tokens int, client base.Client, accounts map[int]shared.Account) {
	user := rand.Intn(users)
	scope := []string{fmt.Sprintf("scope%d", rand.Intn(tokens))}
	result, err := client.FindAccessToken(context.Background(), base.FindTokenParameters{
		Scopes:  scope,
		Account: accounts[user],
	})
	if err != nil {
		panic(err)
	}
	if result.AccessToken == "" {
		panic("cache lookup returned an empty token")
	}
}

func calculateStats(users, tokens int, duration []float64) {
	fmt.Printf("No of users: %d, No of tokens per user: %d \n", users, tokens)

	mean, err := stats.Mean(duration)
	if err != nil {
		panic(err)
	}
	fmt.Println("Mean")
	fmt.Println(mean / float64(time.Microsecond))

	median, err := stats.Median(duration)
	if err != nil {
		panic(err)
	}
	fmt.Println("Median")
	fmt.Println(median / float64(time.Microsecond))

	stdDev, err := stats.StandardDeviation(duration)
	if err != nil {
		panic(err)
	}
	fmt.Println("Standard Deviation")
	fmt.Println(stdDev / float64(time.Microsecond))

	min, err := stats.Min(duration)
	if err != nil {
		panic(err)
	}
	fmt.Println("Min Time")
	fmt.Println(min / float64(time.Microsecond))

	max, err := stats.Max(duration)
	if err != nil {
		panic(err)
	}
	fmt.Println("Max Time")
	fmt.Println(max / float64(time.Microsecond))
}

func TestCacheLookupPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping performance measurement in short mode")
	}

	tests := []struct {
		Users  int
		Tokens int
	}{
		{3, 1000},
		{30, 100},
	}

	for _, test := range tests {
		client, err := fakeClient()
		if err != nil {
			panic(err)
		}
		accounts := populateCache(test.Users, test.Tokens, client)

		var duration []float64
		for i := 0; i < 5000; i++ {
			s := time.Now()
			queryCache(test.Users, test.Tokens, client, accounts)
			duration = append(duration, float64(time.Since(s)))
		}
		calculateStats(test.Users, test.Tokens, duration)
	}
}
