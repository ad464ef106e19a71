package twitchapi

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const tokenURL = "https://id.twitch.tv/oauth2/token"

// ClientCredentialsFetcher obtains app access tokens with the client-credentials grant.
// These tokens authorize Helix reads; they cannot be used for chat.
type ClientCredentialsFetcher struct {
	ClientID     string
	ClientSecret string
	TokenURL     string // defaults to the Twitch token endpoint
	HTTPClient   *http.Client
}

func (f *ClientCredentialsFetcher) Fetch(ctx context.Context) (*oauth2.Token, error) {
	if f.ClientID == "" || f.ClientSecret == "" {
		return nil, ErrCredentialsMissing
	}
	u := f.TokenURL
	if u == "" {
		u = tokenURL
	}
	cc := clientcredentials.Config{
		ClientID:     f.ClientID,
		ClientSecret: f.ClientSecret,
		TokenURL:     u,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if f.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.HTTPClient)
	}
	return cc.Token(ctx)
}

// ComputeExpiry returns absolute expiry from a lifetime in seconds, defaulting to +60m when unknown.
func ComputeExpiry(now time.Time, seconds int) time.Time {
	if seconds <= 0 {
		return now.Add(60 * time.Minute)
	}
	return now.Add(time.Duration(seconds) * time.Second)
}
