package middleware

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"mixreplace/work/logger"
)

// BasicAuth guards handlers with HTTP basic authentication against a bcrypt
// password hash.
type BasicAuth struct {
	Realm    string
	Username string
	hash     []byte
}

// NewBasicAuth validates passwordHash and returns the guard. An empty hash
// returns nil, and a nil *BasicAuth lets every request through.
func NewBasicAuth(realm, username, passwordHash string) (*BasicAuth, error) {
	if passwordHash == "" {
		return nil, nil
	}
	if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
		return nil, err
	}
	if realm == "" {
		realm = "mixreplace"
	}
	return &BasicAuth{Realm: realm, Username: username, hash: []byte(passwordHash)}, nil
}

// HashPassword returns a bcrypt hash suitable for the admin passwordHash setting.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (a *BasicAuth) check(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.Username)) == 1
	passOK := bcrypt.CompareHashAndPassword(a.hash, []byte(pass)) == nil
	return userOK && passOK
}

// Wrap rejects requests without valid credentials with 401.
func (a *BasicAuth) Wrap(next http.HandlerFunc) http.HandlerFunc {
	if a == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.check(r) {
			logger.Debug("{middleware/auth - Wrap} unauthorized %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Basic realm="`+a.Realm+`", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
