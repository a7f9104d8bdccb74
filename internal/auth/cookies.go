package auth

import (
	"net/http"
	"time"
)

const (
	AccessCookie  = "idash-access-token"
	RefreshCookie = "idash-refresh-token"
)

// CookieJar reads incoming cookies and stages outgoing Set-Cookie mutations.
// The provider may rotate tokens while validating a session; whoever owns the
// response must apply the staged cookies regardless of the outcome.
type CookieJar interface {
	Get(name string) (*http.Cookie, bool)
	Set(c *http.Cookie)
}

// RequestJar is a CookieJar over an inbound request.
type RequestJar struct {
	req    *http.Request
	staged []*http.Cookie
}

func NewRequestJar(r *http.Request) *RequestJar {
	return &RequestJar{req: r}
}

// Get returns the most recently staged cookie with that name, falling back to
// the request.
func (j *RequestJar) Get(name string) (*http.Cookie, bool) {
	for i := len(j.staged) - 1; i >= 0; i-- {
		if j.staged[i].Name == name {
			if j.staged[i].MaxAge < 0 {
				return nil, false
			}
			return j.staged[i], true
		}
	}
	if j.req == nil {
		return nil, false
	}
	c, err := j.req.Cookie(name)
	if err != nil {
		return nil, false
	}
	return c, true
}

// Set stages c, replacing an earlier staged cookie with the same name.
func (j *RequestJar) Set(c *http.Cookie) {
	if c == nil {
		return
	}
	for i, s := range j.staged {
		if s.Name == c.Name {
			j.staged[i] = c
			return
		}
	}
	j.staged = append(j.staged, c)
}

// Staged returns the pending Set-Cookie mutations.
func (j *RequestJar) Staged() []*http.Cookie {
	out := make([]*http.Cookie, len(j.staged))
	copy(out, j.staged)
	return out
}

// Apply writes the staged cookies onto the response headers. It must run
// before the status line is written.
func (j *RequestJar) Apply(w http.ResponseWriter) {
	for _, c := range j.staged {
		http.SetCookie(w, c)
	}
}

func sessionCookie(name, value string, expires time.Time, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires.UTC(),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func expiredCookie(name string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0).UTC(),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
