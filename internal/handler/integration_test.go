package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/oauth2"

	"github.com/hitoshi/pixsearch/internal/auth"
	"github.com/hitoshi/pixsearch/internal/identity"
	"github.com/hitoshi/pixsearch/internal/middleware"
	"github.com/hitoshi/pixsearch/internal/model"
	"github.com/hitoshi/pixsearch/internal/repository"
	"github.com/hitoshi/pixsearch/internal/search"
	"github.com/hitoshi/pixsearch/internal/security"
	"github.com/hitoshi/pixsearch/internal/session"
)

// --- 統合テスト用のインメモリストア ---

type memAccountStore struct {
	mu         sync.Mutex
	accounts   map[string]*model.Account
	identities map[string]*model.Identity
}

func newMemAccountStore() *memAccountStore {
	return &memAccountStore{
		accounts:   make(map[string]*model.Account),
		identities: make(map[string]*model.Identity),
	}
}

func (s *memAccountStore) FindByID(_ context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *memAccountStore) CreateWithIdentity(_ context.Context, account *model.Account, ident *model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(ident.Provider) + "/" + ident.ProviderUserID
	if _, ok := s.identities[key]; ok {
		return repository.ErrDuplicateIdentity
	}
	cp := *account
	s.accounts[account.ID] = &cp
	s.identities[key] = ident
	return nil
}

func (s *memAccountStore) FindByProviderAndProviderUserID(_ context.Context, p model.Provider, id string) (*model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identities[string(p)+"/"+id], nil
}

func (s *memAccountStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func (s *memSessionStore) Create(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memSessionStore) FindByID(_ context.Context, id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *memSessionStore) Revoke(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok && sess.RevokedAt == nil {
		sess.RevokedAt = &at
		return true, nil
	}
	return false, nil
}

func (s *memSessionStore) Extend(_ context.Context, id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok && sess.RevokedAt == nil {
		sess.ExpiresAt = expiresAt
	}
	return nil
}

type memSearchStore struct {
	mu       sync.Mutex
	searches []*model.Search
}

func (s *memSearchStore) Create(_ context.Context, search *model.Search) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searches = append(s.searches, search)
	return nil
}

func (s *memSearchStore) ListByUserID(_ context.Context, userID string, limit int) ([]*model.Search, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Search
	for i := len(s.searches) - 1; i >= 0 && len(out) < limit; i-- {
		if s.searches[i].UserID == userID {
			out = append(out, s.searches[i])
		}
	}
	return out, nil
}

func (s *memSearchStore) TopTerms(_ context.Context, limit int) ([]model.TermCount, error) {
	return nil, nil
}

type stubImageSearcher struct{}

func (stubImageSearcher) SearchPhotos(_ context.Context, term string, page int) (*model.ImagePage, error) {
	return &model.ImagePage{
		Term:        term,
		Total:       1,
		TotalPages:  1,
		CurrentPage: page,
		Images:      []model.Image{{ID: "p1", URL: "https://img/p1", Thumb: "https://img/p1s", Alt: term}},
	}, nil
}

// --- テスト用IdPとフロントエンド ---

// newGitHubLikeIdP は同意画面を即時承認するテスト用IdPを起動する。
// /user/emails は404を返すため、メールアドレスは合成される。
func newGitHubLikeIdP(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("scope") != "user:email" {
			t.Errorf("scope = %q, want user:email", q.Get("scope"))
		}
		target, err := url.Parse(q.Get("redirect_uri"))
		if err != nil {
			t.Errorf("redirect_uri: %v", err)
			return
		}
		back := target.Query()
		back.Set("code", "good-code")
		back.Set("state", q.Get("state"))
		target.RawQuery = back.Encode()
		http.Redirect(w, r, target.String(), http.StatusFound)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok", "token_type": "Bearer", "expires_in": 3600,
		})
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id": 4242, "login": "octo", "name": "", "avatar_url": "https://avatars.example/u/4242",
		})
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

type e2eEnv struct {
	app      *httptest.Server
	frontend *httptest.Server
	accounts *memAccountStore
	client   *http.Client
}

func newE2EEnv(t *testing.T) *e2eEnv {
	t.Helper()

	frontend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "frontend "+r.URL.Path)
	}))
	t.Cleanup(frontend.Close)

	var appHandler http.Handler
	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appHandler.ServeHTTP(w, r)
	}))
	t.Cleanup(app.Close)

	idp := newGitHubLikeIdP(t)
	spec := auth.GitHubSpec()
	spec.Endpoint = oauth2.Endpoint{
		AuthURL:   idp.URL + "/authorize",
		TokenURL:  idp.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	spec.ProfileURL = idp.URL + "/user"
	spec.EmailsURL = idp.URL + "/user/emails"

	registry := auth.NewRegistry()
	registry.Register(model.ProviderGitHub, auth.NewOAuthProvider(spec, auth.Credentials{
		ClientID:     "cid",
		ClientSecret: "secret",
		RedirectURL:  app.URL + "/auth/github/callback",
	}, nil))

	accounts := newMemAccountStore()
	sessions := session.NewManager(&memSessionStore{sessions: make(map[string]*model.Session)}, accounts, nil, session.Config{TTL: time.Hour})
	resolver := identity.NewResolver(accounts, accounts, security.NewTextSanitizer(), security.NewURLGuard(), nil)
	flow := auth.NewService(registry, resolver, sessions, nil)
	searchSvc := search.NewService(stubImageSearcher{}, &memSearchStore{}, security.NewTextSanitizer(), nil)

	policy, err := session.NewCookiePolicy(session.ModeSameOrigin, false, "", sessions.TTL())
	if err != nil {
		t.Fatal(err)
	}
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(limiter.Stop)

	appHandler = NewRouter(&RouterDeps{
		Logger:        slog.New(slog.NewJSONHandler(io.Discard, nil)),
		RateLimiter:   limiter,
		LoginFlow:     flow,
		Sessions:      sessions,
		AuthConfig:    AuthHandlerConfig{ClientURL: frontend.URL, CookiePolicy: policy},
		SearchService: searchSvc,
	})

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		t.Fatal(err)
	}
	return &e2eEnv{
		app:      app,
		frontend: frontend,
		accounts: accounts,
		client:   &http.Client{Jar: jar, Timeout: 10 * time.Second},
	}
}

func (e *e2eEnv) login(t *testing.T) {
	t.Helper()
	resp, err := e.client.Get(e.app.URL + "/auth/github")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Request.URL.String(); got != e.frontend.URL+"/" {
		t.Fatalf("login landed on %q, want %q", got, e.frontend.URL+"/")
	}
}

func (e *e2eEnv) currentUser(t *testing.T) (int, map[string]string) {
	t.Helper()
	resp, err := e.client.Get(e.app.URL + "/auth/user")
	if err != nil {
		t.Fatalf("GET /auth/user: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		User map[string]string `json:"user"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body.User
}

func (e *e2eEnv) sessionCookie(t *testing.T) *http.Cookie {
	t.Helper()
	u, _ := url.Parse(e.app.URL)
	for _, c := range e.client.Jar.Cookies(u) {
		if c.Name == session.CookieName {
			return c
		}
	}
	return nil
}

// --- テスト ---

// TestIntegration_LoginSearchLogout はIdPログインからログアウトまでをブラウザ相当のクライアントで検証する。
func TestIntegration_LoginSearchLogout(t *testing.T) {
	env := newE2EEnv(t)

	// 1. 未ログインでは401
	if status, _ := env.currentUser(t); status != http.StatusUnauthorized {
		t.Fatalf("before login: status = %d, want 401", status)
	}

	// 2. ログイン: IdP → コールバック → フロントエンドへ
	env.login(t)
	status, user := env.currentUser(t)
	if status != http.StatusOK {
		t.Fatalf("after login: status = %d", status)
	}
	if user["email"] != "gh_4242@github.com" || user["name"] != "octo" || user["provider"] != "github" {
		t.Errorf("user = %v", user)
	}
	if user["avatar"] != "https://avatars.example/u/4242" {
		t.Errorf("avatar = %q", user["avatar"])
	}
	stale := env.sessionCookie(t)
	if stale == nil || len(stale.Value) != 64 {
		t.Fatalf("session cookie = %+v", stale)
	}

	// 3. ゲート付きAPI
	resp, err := env.client.Post(env.app.URL+"/api/search/search", "application/json", strings.NewReader(`{"term":" <i>fox</i> "}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status = %d", resp.StatusCode)
	}
	resp, err = env.client.Get(env.app.URL + "/api/history/history")
	if err != nil {
		t.Fatal(err)
	}
	var history []map[string]string
	json.NewDecoder(resp.Body).Decode(&history)
	resp.Body.Close()
	if len(history) != 1 || history[0]["term"] != "fox" {
		t.Errorf("history = %v", history)
	}

	// 4. ログアウト
	resp, err = env.client.Post(env.app.URL+"/auth/logout", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}
	if env.sessionCookie(t) != nil {
		t.Error("ログアウト後もセッションCookieが残っている")
	}

	// 5. 失効済みセッションを再送しても復活しない
	req, _ := http.NewRequest(http.MethodGet, env.app.URL+"/api/history/history", nil)
	req.AddCookie(stale)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("revoked session status = %d, want 401", resp.StatusCode)
	}

	// 6. 再ログインでも同じアカウント
	env.login(t)
	_, again := env.currentUser(t)
	if again["id"] != user["id"] {
		t.Errorf("account id changed: %q -> %q", user["id"], again["id"])
	}
	if env.accounts.count() != 1 {
		t.Errorf("accounts = %d, want 1", env.accounts.count())
	}
}

func TestIntegration_ForgedCallbackRedirectsToLogin(t *testing.T) {
	env := newE2EEnv(t)

	resp, err := env.client.Get(env.app.URL + "/auth/github/callback?code=good-code&state=forged")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Request.URL.String(); got != env.frontend.URL+"/login" {
		t.Errorf("landed on %q, want %q", got, env.frontend.URL+"/login")
	}
	if env.sessionCookie(t) != nil {
		t.Error("偽造コールバックでセッションを発行してはならない")
	}
	if env.accounts.count() != 0 {
		t.Error("偽造コールバックでアカウントを作成してはならない")
	}
}

func TestIntegration_UnconfiguredProviderReturns404(t *testing.T) {
	env := newE2EEnv(t)

	resp, err := env.client.Get(env.app.URL + "/auth/facebook")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
