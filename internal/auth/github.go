package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/Tyrowin/relay/internal/logger"
)

const (
	defaultGitHubAPI = "https://api.github.com"
	pendingLoginTTL  = 10 * time.Minute
	maxPendingLogins = 4096
)

type pendingLogin struct {
	callback string
}

// GitHubUser is the subset of the GitHub user object the relay needs.
type GitHubUser struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
}

// GitHubLogin runs the browser OAuth flow that ends with a relay token.
type GitHubLogin struct {
	oauth      oauth2.Config
	apiBase    string
	issuer     *Issuer
	allowedOrg string
	pending    *expirable.LRU[string, pendingLogin]
	log        *logger.Logger

	// callbackHosts are the non-loopback hosts a token may be redirected to.
	callbackHosts map[string]struct{}
}

// GitHubOption customises a GitHubLogin.
type GitHubOption func(*GitHubLogin)

// WithGitHubEndpoints points the flow at alternative OAuth and API servers
// (GitHub Enterprise, or a test double).
func WithGitHubEndpoints(endpoint oauth2.Endpoint, apiBase string) GitHubOption {
	return func(g *GitHubLogin) {
		g.oauth.Endpoint = endpoint
		g.apiBase = strings.TrimRight(apiBase, "/")
	}
}

// WithCallbackHosts allows redirecting minted tokens to the given hosts in
// addition to loopback addresses.
func WithCallbackHosts(hosts ...string) GitHubOption {
	return func(g *GitHubLogin) {
		for _, h := range hosts {
			if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
				g.callbackHosts[h] = struct{}{}
			}
		}
	}
}

// NewGitHubLogin builds the login flow for the given OAuth application.
func NewGitHubLogin(clientID, clientSecret string, issuer *Issuer, allowedOrg string, log *logger.Logger, opts ...GitHubOption) *GitHubLogin {
	g := &GitHubLogin{
		oauth: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     github.Endpoint,
			Scopes:       []string{"read:user", "read:org"},
		},
		apiBase:    defaultGitHubAPI,
		issuer:     issuer,
		allowedOrg: allowedOrg,
		pending:    expirable.NewLRU[string, pendingLogin](maxPendingLogins, nil, pendingLoginTTL),
		log:        log.Named("github"),

		callbackHosts: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start redirects the browser to GitHub. An optional callback query
// parameter names where the token is delivered afterwards.
func (g *GitHubLogin) Start(w http.ResponseWriter, r *http.Request) {
	callback := r.URL.Query().Get("callback")
	if callback != "" && !g.validCallback(callback) {
		http.Error(w, "Invalid callback URL", http.StatusBadRequest)
		return
	}

	state, err := newState()
	if err != nil {
		g.log.Error("Failed to generate OAuth state", logger.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	g.pending.Add(state, pendingLogin{callback: callback})

	conf := g.config(r)
	http.Redirect(w, r, conf.AuthCodeURL(state), http.StatusFound)
}

// Callback completes the flow: exchanges the code, resolves the GitHub
// login, enforces the organization allow-list and issues a relay token.
func (g *GitHubLogin) Callback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		http.Error(w, "Missing code or state", http.StatusBadRequest)
		return
	}

	pending, ok := g.pending.Get(state)
	if !ok {
		http.Error(w, "Invalid or expired state", http.StatusBadRequest)
		return
	}
	g.pending.Remove(state)

	ctx := r.Context()
	conf := g.config(r)
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		g.log.Warn("OAuth code exchange failed", logger.Error(err))
		http.Error(w, "Token exchange failed", http.StatusBadGateway)
		return
	}
	client := conf.Client(ctx, tok)

	user, err := g.fetchUser(ctx, client)
	if err != nil {
		g.log.Warn("Fetching GitHub user failed", logger.Error(err))
		http.Error(w, "Failed to get user info", http.StatusBadGateway)
		return
	}

	id := Identity{Username: user.Login, GitHubID: user.ID}
	if g.allowedOrg != "" {
		member, err := g.isMember(ctx, client, g.allowedOrg)
		if err != nil {
			g.log.Warn("Checking organization membership failed", logger.String("user", user.Login), logger.Error(err))
		}
		if !member {
			http.Error(w, "Access denied: not a member of "+g.allowedOrg, http.StatusForbidden)
			return
		}
		id.Org = g.allowedOrg
	}

	relayToken, expires, err := g.issuer.Issue(id)
	if err != nil {
		g.log.Error("Issuing relay token failed", logger.String("user", user.Login), logger.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	g.log.Info("Issued relay token", logger.String("user", user.Login), logger.String("expires", expires.UTC().Format(time.RFC3339)))

	if pending.callback != "" {
		target, _ := url.Parse(pending.callback)
		q := target.Query()
		q.Set("token", relayToken)
		q.Set("username", user.Login)
		target.RawQuery = q.Encode()
		http.Redirect(w, r, target.String(), http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := successPage.Execute(w, struct{ Username, Token string }{user.Login, relayToken}); err != nil {
		g.log.Error("Error writing HTML response", logger.Error(err))
	}
}

func (g *GitHubLogin) config(r *http.Request) oauth2.Config {
	conf := g.oauth
	conf.RedirectURL = externalBase(r) + "/auth/callback"
	return conf
}

func (g *GitHubLogin) fetchUser(ctx context.Context, client *http.Client) (GitHubUser, error) {
	var user GitHubUser
	if err := g.getJSON(ctx, client, "/user", &user); err != nil {
		return GitHubUser{}, err
	}
	if !ValidUsername(user.Login) {
		return GitHubUser{}, fmt.Errorf("github returned unusable login %q", user.Login)
	}
	return user, nil
}

func (g *GitHubLogin) isMember(ctx context.Context, client *http.Client, org string) (bool, error) {
	var orgs []struct {
		Login string `json:"login"`
	}
	if err := g.getJSON(ctx, client, "/user/orgs", &orgs); err != nil {
		return false, err
	}
	for _, o := range orgs {
		if strings.EqualFold(o.Login, org) {
			return true, nil
		}
	}
	return false, nil
}

func (g *GitHubLogin) getJSON(ctx context.Context, client *http.Client, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiBase+path, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func externalBase(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

// validCallback accepts http(s) URLs on a loopback host, where CLI clients
// listen, or on a host allowed by WithCallbackHosts.
func (g *GitHubLogin) validCallback(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	_, ok := g.callbackHosts[host]
	return ok
}

func newState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

var successPage = template.Must(template.New("success").Parse(`<!DOCTYPE html>
<html>
<head><title>Relay Sign-in Successful</title></head>
<body>
<h1>Authentication Successful</h1>
<p>You are signed in as <strong>@{{.Username}}</strong></p>
<p>Token: <code id="token">{{.Token}}</code></p>
<p>You can close this window and return to the terminal.</p>
</body>
</html>
`))
