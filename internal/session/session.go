// Package session keeps the login session and attaches it to HTTP requests.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/luciancaetano/ktunnel/internal/log"
)

// Header names carrying the session on every request.
const (
	HeaderID  = "X-Session-Id"
	HeaderKey = "X-Session-Key"
)

var (
	// ErrLoginFailed is returned when the login service rejects the login or
	// answers without a session.
	ErrLoginFailed = errors.New("login failed")
	// ErrSessionExpired is returned when a request was rejected with 401. The
	// stored session has been cleared.
	ErrSessionExpired = errors.New("session expired")
)

// Session identifies a logged in user.
type Session struct {
	ID  string `json:"id"`
	Key string `json:"skey"`
}

// Store holds at most one session. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	session Session
	ok      bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

func (s *Store) Get() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session, s.ok
}

func (s *Store) Set(session Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	s.ok = true
}

// Clear forgets the session. The next request with Login set logs in again.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = Session{}
	s.ok = false
}

// RequestOptions tunes a single Do call.
type RequestOptions struct {
	// Login logs in first when the store holds no session.
	Login bool
}

// Requester sends requests carrying the stored session.
type Requester struct {
	LoginURL   string
	Store      *Store
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

type loginResponse struct {
	Session *Session `json:"session"`
}

// Login posts to LoginURL and stores the returned session.
func (r *Requester) Login(ctx context.Context) (Session, error) {
	if r.LoginURL == "" {
		return Session{}, fmt.Errorf("%w: no login url configured", ErrLoginFailed)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.LoginURL, http.NoBody)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}

	resp, err := r.client().Do(req)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Session{}, fmt.Errorf("%w: status %d", ErrLoginFailed, resp.StatusCode)
	}

	var body loginResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return Session{}, fmt.Errorf("%w: decode response: %v", ErrLoginFailed, err)
	}
	if body.Session == nil || body.Session.ID == "" || body.Session.Key == "" {
		return Session{}, fmt.Errorf("%w: response carries no session", ErrLoginFailed)
	}

	r.Store.Set(*body.Session)
	r.logger().WithField("session_id", body.Session.ID).Debug("logged in")
	return *body.Session, nil
}

// Do sends req with the session headers attached. The caller closes the
// response body. A 401 clears the store and returns ErrSessionExpired with
// the body already closed.
func (r *Requester) Do(ctx context.Context, req *http.Request, opts RequestOptions) (*http.Response, error) {
	session, ok := r.Store.Get()
	if !ok && opts.Login {
		var err error
		if session, err = r.Login(ctx); err != nil {
			return nil, err
		}
		ok = true
	}

	req = req.Clone(ctx)
	if ok {
		req.Header.Set(HeaderID, session.ID)
		req.Header.Set(HeaderKey, session.Key)
	}

	resp, err := r.client().Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		r.Store.Clear()
		r.logger().WithField("url", req.URL.String()).Info("session rejected, cleared")
		return nil, ErrSessionExpired
	}
	return resp, nil
}

func (r *Requester) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

func (r *Requester) logger() logrus.FieldLogger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Nop()
}
