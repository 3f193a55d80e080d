package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

// GitHubUser is the part of GitHub's /user response used to sign in.
type GitHubUser struct {
	ID    int64  `json:"id"` // stable across username changes
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"` // empty when hidden in the user's settings
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// GitHubProvider runs the OAuth authorization code flow against GitHub.
// The code is exchanged server-side, so the access token never reaches
// the browser.
type GitHubProvider struct {
	config  *oauth2.Config
	apiBase string
}

// NewGitHubProvider configures the flow. callbackURL must match the OAuth
// app's registered callback exactly.
func NewGitHubProvider(clientID, clientSecret, callbackURL string) *GitHubProvider {
	return &GitHubProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		},
		apiBase: "https://api.github.com",
	}
}

// AuthURL is where to send the browser. state must be random and checked
// on callback to stop login CSRF.
func (p *GitHubProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades the callback code for the user's GitHub profile. When the
// profile hides its email, the primary verified address is fetched from
// /user/emails.
func (p *GitHubProvider) Exchange(ctx context.Context, code string) (*GitHubUser, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("auth: exchanging OAuth code: %w", err)
	}
	client := p.config.Client(ctx, token)

	var user GitHubUser
	if err := p.getJSON(client, "/user", &user); err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, errors.New("auth: GitHub returned an invalid user (ID = 0)")
	}

	if user.Email == "" {
		var emails []githubEmail
		if err := p.getJSON(client, "/user/emails", &emails); err == nil {
			user.Email = primaryEmail(emails)
		}
	}
	return &user, nil
}

func (p *GitHubProvider) getJSON(client *http.Client, path string, v any) error {
	resp, err := client.Get(p.apiBase + path)
	if err != nil {
		return fmt.Errorf("auth: calling GitHub %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth: GitHub %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("auth: decoding GitHub %s response: %w", path, err)
	}
	return nil
}

func primaryEmail(emails []githubEmail) string {
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email
		}
	}
	return ""
}
