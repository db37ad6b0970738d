package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}
}

func TestGzipCompressesJSON(t *testing.T) {
	body := `{"running":true,"sessions":[]}`
	h := GzipMiddleware(jsonHandler(body))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, body, string(plain))
}

func TestGzipPassThroughWithoutAcceptEncoding(t *testing.T) {
	h := GzipMiddleware(jsonHandler(`{}`))

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, `{}`, rec.Body.String())
}

func TestGzipSkipsImages(t *testing.T) {
	frame := []byte{0xff, 0xd8, 0xff, 0xe0, 1, 2, 3}
	h := GzipMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
		w.Write(frame)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/snapshot/local", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, frame, rec.Body.Bytes())
}

func TestGzipNoContent(t *testing.T) {
	h := GzipMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/media/local", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Zero(t, rec.Body.Len())
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	auth, err := NewBasicAuth("", "admin", string(hash))
	require.NoError(t, err)
	h := auth.Wrap(jsonHandler(`{"ok":true}`))

	tests := []struct {
		name     string
		user     string
		pass     string
		setAuth  bool
		expected int
	}{
		{"no credentials", "", "", false, http.StatusUnauthorized},
		{"wrong password", "admin", "nope", true, http.StatusUnauthorized},
		{"wrong user", "root", "secret", true, http.StatusUnauthorized},
		{"valid", "admin", "secret", true, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			h(rec, req)

			assert.Equal(t, tt.expected, rec.Code)
			if tt.expected == http.StatusUnauthorized {
				assert.True(t, strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), `Basic realm="mixreplace"`))
			}
		})
	}
}

func TestBasicAuthDisabled(t *testing.T) {
	auth, err := NewBasicAuth("", "admin", "")
	require.NoError(t, err)
	assert.Nil(t, auth)

	rec := httptest.NewRecorder()
	auth.Wrap(jsonHandler(`{}`))(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBasicAuthRejectsInvalidHash(t *testing.T) {
	_, err := NewBasicAuth("", "admin", "plaintext")
	assert.Error(t, err)
}

func TestHashPassword(t *testing.T) {
	h, err := HashPassword("pw")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte("pw")))
}
