package calsync

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/mividas/corestat/internal/database/models"
)

// OAuth scopes per backend, app-only flow.
const (
	scopeEWS   = "https://outlook.office365.com/.default"
	scopeGraph = "https://graph.microsoft.com/.default"
)

const backendRequestTimeout = 60 * time.Second

// httpClientFor builds the authenticated HTTP client for a credentials row.
// OAuth credentials get a token-refreshing client; basic credentials get a
// transport that adds the Authorization header.
func httpClientFor(ctx context.Context, creds *models.Credentials, scope string) *http.Client {
	if creds.Type == models.CredExchangeBasic {
		return &http.Client{
			Timeout: backendRequestTimeout,
			Transport: &basicAuthTransport{
				username: creds.Username,
				password: creds.Password,
				next:     http.DefaultTransport,
			},
		}
	}
	cfg := clientcredentials.Config{
		ClientID:     creds.OAuthClientID,
		ClientSecret: creds.OAuthClientSecret,
		TokenURL:     "https://login.microsoftonline.com/" + creds.OAuthTenantID + "/oauth2/v2.0/token",
		Scopes:       []string{scope},
	}
	client := cfg.Client(ctx)
	client.Timeout = backendRequestTimeout
	return client
}

type basicAuthTransport struct {
	username string
	password string
	next     http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.SetBasicAuth(t.username, t.password)
	return t.next.RoundTrip(clone)
}
