package oauthcb

import (
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/oauth2"
)

func TestFlowStateIsUnique(t *testing.T) {
	a, err := NewFlow(oauth2.Config{})
	require.NoError(t, err)
	b, err := NewFlow(oauth2.Config{})
	require.NoError(t, err)

	assert.NotEqual(t, a.State(), b.State())
	assert.GreaterOrEqual(t, len(a.State()), 40)
}

// TestFlowEndToEnd drives the full round trip: auth URL, provider redirect
// to the callback server, and a PKCE-checked exchange against a stub token
// endpoint.
func TestFlowEndToEnd(t *testing.T) {
	var mu sync.Mutex
	var gotCode, gotVerifier string
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		gotCode = r.Form.Get("code")
		gotVerifier = r.Form.Get("code_verifier")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok-123","token_type":"bearer","expires_in":3600}`)
	}))
	defer tokenSrv.Close()

	flow, err := NewFlow(oauth2.Config{
		ClientID: "client-1",
		Endpoint: oauth2.Endpoint{
			AuthURL:   tokenSrv.URL + "/auth",
			TokenURL:  tokenSrv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	})
	require.NoError(t, err)

	srv := NewServer(Config{ExpectedState: flow.State(), OnCode: flow.Exchange})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	flow.SetRedirectURL(srv.RedirectURL())

	authURL, err := url.Parse(flow.AuthCodeURL())
	require.NoError(t, err)
	q := authURL.Query()
	assert.Equal(t, flow.State(), q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, srv.RedirectURL(), q.Get("redirect_uri"))

	// Simulate the provider redirecting the browser back.
	status, _ := get(t, srv, "/callback", url.Values{
		"code":  {"auth-code-1"},
		"state": {flow.State()},
	})
	require.Equal(t, http.StatusOK, status)

	token, err := waitResult(t, srv)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token.AccessToken)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "auth-code-1", gotCode)

	// The verifier sent to the token endpoint must hash to the challenge
	// advertised in the auth URL.
	sum := sha256.Sum256([]byte(gotVerifier))
	assert.Equal(t, q.Get("code_challenge"), base64.RawURLEncoding.EncodeToString(sum[:]))
}
