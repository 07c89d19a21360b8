package oauthcb

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// Flow holds the state and PKCE verifier for one authorization round trip.
// State and verifier are generated once per flow and never reused.
type Flow struct {
	config   oauth2.Config
	state    string
	verifier string
}

// NewFlow generates fresh state and an S256 verifier for cfg.
func NewFlow(cfg oauth2.Config) (*Flow, error) {
	state, err := randomState()
	if err != nil {
		return nil, err
	}
	return &Flow{
		config:   cfg,
		state:    state,
		verifier: oauth2.GenerateVerifier(),
	}, nil
}

// State returns the value callbacks must echo back.
func (f *Flow) State() string {
	return f.state
}

// SetRedirectURL points the flow at the callback server. Ephemeral ports
// are only known after Server.Start, so this runs between Start and
// AuthCodeURL.
func (f *Flow) SetRedirectURL(url string) {
	f.config.RedirectURL = url
}

// AuthCodeURL returns the provider URL the browser is sent to, carrying the
// flow state and the S256 challenge.
func (f *Flow) AuthCodeURL() string {
	return f.config.AuthCodeURL(f.state, oauth2.S256ChallengeOption(f.verifier))
}

// Exchange swaps the authorization code for a token, proving possession of
// the verifier. The signature matches Config.OnCode.
func (f *Flow) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return f.config.Exchange(ctx, code, oauth2.VerifierOption(f.verifier))
}

func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
