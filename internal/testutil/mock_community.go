package testutil

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
)

// MockResponse is a scripted HTTP reply.
type MockResponse struct {
	Status int
	Body   string
}

// MockCommunityServer represents a mock community API (OAuth provider) for testing.
// Token replies are keyed by authorization code, profile replies by bearer token.
type MockCommunityServer struct {
	Server *httptest.Server

	mu           sync.Mutex
	tokens       map[string]MockResponse
	profiles     map[string]MockResponse
	tokenForms   []url.Values
	tokenCalls   int
	profileCalls int
}

// NewMockCommunityServer creates a mock provider with a default script:
//
//	code "valid_code"  -> {"access_token":"mock_access_token","expires_in":3600}
//	code "camel_code"  -> {"accessToken":"T"}
//	code "noid_code"   -> {"access_token":"noid_token"}
//	code "error_code"  -> 400 invalid_grant
//	code "server_error"-> 500
//	token "mock_access_token" / "T" -> {"id":"ext-1"}
//	token "noid_token"             -> {"username":"ghost"}
func NewMockCommunityServer() *MockCommunityServer {
	mcs := &MockCommunityServer{
		tokens: map[string]MockResponse{
			"valid_code":   {Status: http.StatusOK, Body: `{"access_token":"mock_access_token","token_type":"Bearer","expires_in":3600,"refresh_token":"mock_refresh"}`},
			"camel_code":   {Status: http.StatusOK, Body: `{"accessToken":"T"}`},
			"noid_code":    {Status: http.StatusOK, Body: `{"access_token":"noid_token","token_type":"bearer"}`},
			"error_code":   {Status: http.StatusBadRequest, Body: `{"error":"invalid_grant","error_description":"Invalid authorization code"}`},
			"server_error": {Status: http.StatusInternalServerError, Body: "Internal Server Error"},
		},
		profiles: map[string]MockResponse{
			"mock_access_token": {Status: http.StatusOK, Body: `{"id":"ext-1","username":"tester","email":"tester@example.com"}`},
			"T":                 {Status: http.StatusOK, Body: `{"id":"ext-1"}`},
			"noid_token":        {Status: http.StatusOK, Body: `{"username":"ghost"}`},
		},
	}

	mux := http.NewServeMux()

	// Token exchange endpoint
	mux.HandleFunc("/o/token/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		mcs.mu.Lock()
		mcs.tokenCalls++
		mcs.tokenForms = append(mcs.tokenForms, r.PostForm)
		resp, ok := mcs.tokens[r.PostForm.Get("code")]
		mcs.mu.Unlock()

		if !ok {
			resp = MockResponse{Status: http.StatusBadRequest, Body: `{"error":"invalid_request","error_description":"Unknown code"}`}
		}
		writeMock(w, resp)
	})

	// Profile endpoint
	mux.HandleFunc("/auth/users/me/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeMock(w, MockResponse{Status: http.StatusUnauthorized, Body: `{"detail":"Authentication credentials were not provided."}`})
			return
		}

		mcs.mu.Lock()
		mcs.profileCalls++
		resp, ok := mcs.profiles[strings.TrimPrefix(authHeader, "Bearer ")]
		mcs.mu.Unlock()

		if !ok {
			resp = MockResponse{Status: http.StatusUnauthorized, Body: `{"detail":"Invalid token."}`}
		}
		writeMock(w, resp)
	})

	mcs.Server = httptest.NewServer(mux)
	return mcs
}

func writeMock(w http.ResponseWriter, resp MockResponse) {
	if strings.HasPrefix(resp.Body, "{") {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write([]byte(resp.Body))
}

// Close closes the mock server.
func (mcs *MockCommunityServer) Close() {
	if mcs.Server != nil {
		mcs.Server.Close()
	}
}

// URL returns the provider base URL.
func (mcs *MockCommunityServer) URL() string {
	return mcs.Server.URL
}

// SetToken scripts the token endpoint reply for a code.
func (mcs *MockCommunityServer) SetToken(code string, resp MockResponse) {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()
	mcs.tokens[code] = resp
}

// SetProfile scripts the profile endpoint reply for an access token.
func (mcs *MockCommunityServer) SetProfile(token string, resp MockResponse) {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()
	mcs.profiles[token] = resp
}

// LastTokenForm returns the most recent token request form, or nil.
func (mcs *MockCommunityServer) LastTokenForm() url.Values {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()
	if len(mcs.tokenForms) == 0 {
		return nil
	}
	return mcs.tokenForms[len(mcs.tokenForms)-1]
}

// TokenCalls returns the number of token exchange requests.
func (mcs *MockCommunityServer) TokenCalls() int {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()
	return mcs.tokenCalls
}

// ProfileCalls returns the number of authenticated profile requests.
func (mcs *MockCommunityServer) ProfileCalls() int {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()
	return mcs.profileCalls
}

// ResetCallCounts resets the call counters.
func (mcs *MockCommunityServer) ResetCallCounts() {
	mcs.mu.Lock()
	defer mcs.mu.Unlock()
	mcs.tokenCalls = 0
	mcs.profileCalls = 0
	mcs.tokenForms = nil
}
