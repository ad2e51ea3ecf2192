// Package fitbarktest provides an in-memory FitBark API for tests.
package fitbarktest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	"github.com/asnowfix/myfitbark/pkg/fitbark"
)

const ClientToken = "client-tok"

// Server fakes the subset of the FitBark API used by the hub. Exported fields may be
// changed by tests at any time; every access from the handler holds mu.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	RedirectURIs  []string
	TokenResponse map[string]any
	User          map[string]any
	Relations     []map[string]any
	Dogs          map[string]map[string]any
	Goals         map[string][]map[string]any
	Stats         map[string]map[string]any

	// Fail maps "METHOD /path" to a status code returned instead of the normal answer.
	Fail map[string]int
	// FailCount, when set for a key, limits how many requests Fail applies to.
	FailCount map[string]int
	// IgnoreRedirectWrites accepts redirect URI writes without persisting them.
	IgnoreRedirectWrites bool

	calls    map[string]int
	lastForm url.Values
}

func NewServer() *Server {
	s := &Server{
		TokenResponse: map[string]any{"access_token": "tok1", "refresh_token": "ref1", "expires_in": 3600},
		User:          map[string]any{"slug": "user-1", "username": "jdoe", "name": "Jane Doe"},
		Relations:     []map[string]any{},
		Dogs:          map[string]map[string]any{},
		Goals:         map[string][]map[string]any{},
		Stats:         map[string]map[string]any{},
		Fail:          map[string]int{},
		FailCount:     map[string]int{},
		calls:         map[string]int{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Client returns a FitBark client pointed at the fake, without rate limiting.
func (s *Server) Client(opts ...fitbark.Option) *fitbark.Client {
	return fitbark.NewClient(append([]fitbark.Option{fitbark.WithBaseURL(s.URL), fitbark.WithRateLimit(0)}, opts...)...)
}

// Calls returns how many times "METHOD /path" was requested.
func (s *Server) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

// LastForm returns the form of the last /oauth/token request.
func (s *Server) LastForm() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastForm
}

func (s *Server) Set(fn func(s *Server)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// AddDog registers a dog both as a relation and as a dog profile.
func (s *Server) AddDog(slug string, name string, status string, profile map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dog := map[string]any{"slug": slug, "name": name}
	for k, v := range profile {
		dog[k] = v
	}
	s.Dogs[slug] = dog
	s.Relations = append(s.Relations, map[string]any{"status": status, "date": "2024-01-05T10:00:00.000Z", "dog": dog})
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.Method + " " + r.URL.Path
	s.calls[key]++

	if code, ok := s.Fail[key]; ok && s.consumeFailure(key) {
		writeJSON(w, code, map[string]any{"error": "failure", "error_description": fmt.Sprintf("injected %d", code)})
		return
	}

	if r.URL.Path != "/oauth/token" && !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_token"})
		return
	}

	switch {
	case key == "POST /oauth/token":
		_ = r.ParseForm()
		s.lastForm = r.PostForm
		if r.PostForm.Get("grant_type") == "client_credentials" {
			writeJSON(w, http.StatusOK, map[string]any{"access_token": ClientToken, "token_type": "bearer"})
			return
		}
		writeJSON(w, http.StatusOK, s.TokenResponse)

	case key == "GET /api/v2/redirect_urls":
		writeJSON(w, http.StatusOK, map[string]any{"redirect_uri": strings.Join(s.RedirectURIs, "\r")})

	case key == "POST /api/v2/redirect_urls":
		var in struct {
			RedirectURI string `json:"redirect_uri"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if !s.IgnoreRedirectWrites {
			s.RedirectURIs = fitbark.SplitRedirectURIs(in.RedirectURI)
		}
		writeJSON(w, http.StatusOK, map[string]any{"redirect_uri": in.RedirectURI})

	case key == "GET /api/v2/user":
		writeJSON(w, http.StatusOK, map[string]any{"user": s.User})

	case key == "GET /api/v2/dog_relations":
		writeJSON(w, http.StatusOK, map[string]any{"dog_relations": s.Relations})

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v2/dog/"):
		dog, ok := s.Dogs[strings.TrimPrefix(r.URL.Path, "/api/v2/dog/")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"dog": dog})

	case strings.HasPrefix(r.URL.Path, "/api/v2/daily_goal/"):
		slug := strings.TrimPrefix(r.URL.Path, "/api/v2/daily_goal/")
		if r.Method == http.MethodPut {
			var in struct {
				DailyGoal int    `json:"daily_goal"`
				Date      string `json:"date"`
			}
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
				return
			}
			s.Goals[slug] = append(s.Goals[slug], map[string]any{"goal": in.DailyGoal, "date": in.Date})
		}
		goals := s.Goals[slug]
		if goals == nil {
			goals = []map[string]any{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"daily_goals": goals})

	case key == "GET /api/v2/similar_dogs_stats":
		stats, ok := s.Stats[r.URL.Query().Get("slug")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"similar_dogs_stats": stats})

	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no route " + key})
	}
}

func (s *Server) consumeFailure(key string) bool {
	n, limited := s.FailCount[key]
	if !limited {
		return true
	}
	if n <= 0 {
		return false
	}
	s.FailCount[key] = n - 1
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
