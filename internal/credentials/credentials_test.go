package credentials

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaisavezi/chat-bridge/internal/apierror"
)

func signJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("vendor-secret"))
	require.NoError(t, err)
	return token
}

func makeJWT(t *testing.T, exp int64) string {
	return signJWT(t, jwt.MapClaims{"sub": "u1", "exp": exp})
}

func TestState_SetValidates(t *testing.T) {
	s := NewState()

	err := s.Set(Credentials{Token: "", CookieHeader: "a=b"})
	assert.True(t, apierror.IsValidation(err), "empty token should be a validation error")

	err = s.Set(Credentials{Token: "tok", CookieHeader: "  "})
	assert.True(t, apierror.IsValidation(err), "empty cookies should be a validation error")

	_, ok := s.Load()
	assert.False(t, ok, "rejected credentials should not be stored")
}

func TestState_Current(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewState()

	_, err := s.Current(now)
	assert.True(t, apierror.IsCredential(err), "missing credentials should be a credential error")

	require.NoError(t, s.Set(Credentials{Token: "tok", CookieHeader: "a=b", ExpiresAt: now.Add(time.Hour)}))
	c, err := s.Current(now)
	require.NoError(t, err)
	assert.Equal(t, "tok", c.Token)

	_, err = s.Current(now.Add(2 * time.Hour))
	assert.True(t, apierror.IsCredential(err), "expired credentials should be a credential error")

	s.Clear()
	_, err = s.Current(now)
	assert.True(t, apierror.IsCredential(err))
}

func TestState_TimeUntilExpiry(t *testing.T) {
	now := time.Now()
	s := NewState()

	_, ok := s.TimeUntilExpiry(now)
	assert.False(t, ok)

	require.NoError(t, s.Set(Credentials{Token: "tok", CookieHeader: "a=b"}))
	_, ok = s.TimeUntilExpiry(now)
	assert.False(t, ok, "opaque token has no known expiry")

	require.NoError(t, s.Set(Credentials{Token: "tok", CookieHeader: "a=b", ExpiresAt: now.Add(10 * time.Minute)}))
	d, ok := s.TimeUntilExpiry(now)
	assert.True(t, ok)
	assert.Equal(t, 10*time.Minute, d)
}

func TestState_SetDerivesExpiryFromJWT(t *testing.T) {
	exp := time.Date(2030, 5, 1, 0, 0, 0, 0, time.UTC)
	s := NewState()

	require.NoError(t, s.Set(Credentials{Token: makeJWT(t, exp.Unix()), CookieHeader: "a=b"}))

	c, ok := s.Load()
	require.True(t, ok)
	assert.True(t, exp.Equal(c.ExpiresAt), "expiry should come from the exp claim")
}

func TestExpiryFromJWT_Invalid(t *testing.T) {
	testCases := map[string]string{
		"opaque":        "opaque",
		"two segments":  "a.b",
		"bad payload":   "a.!!!.c",
		"no exp":        signJWT(t, jwt.MapClaims{"sub": "x"}),
		"non-numeric":   signJWT(t, jwt.MapClaims{"exp": "soon"}),
		"unsigned junk": base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`)) + ".e30.",
	}

	for name, token := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := ExpiryFromJWT(token)
			assert.Error(t, err, "token %q should not yield an expiry", token)
		})
	}
}

func TestExpiryFromJWT_IgnoresSignature(t *testing.T) {
	exp := time.Date(2031, 1, 2, 3, 4, 5, 0, time.UTC)
	token := makeJWT(t, exp.Unix())

	// The vendor signs with a key we never hold.
	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + ".c2lnbmF0dXJl"

	got, err := ExpiryFromJWT(tampered)
	require.NoError(t, err)
	assert.True(t, exp.Equal(got))
}

func TestCredentials_Apply(t *testing.T) {
	h := http.Header{}
	Credentials{Token: "tok", CookieHeader: "sid=1; t=2"}.Apply(h)

	assert.Equal(t, "Bearer tok", h.Get("Authorization"))
	assert.Equal(t, "sid=1; t=2", h.Get("Cookie"))
}

func TestState_ConcurrentReplace(t *testing.T) {
	s := NewState()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = s.Set(Credentials{Token: fmt.Sprintf("tok-%d", i), CookieHeader: fmt.Sprintf("c-%d", i)})
		}(i)
		go func() {
			defer wg.Done()
			if c, err := s.Current(now); err == nil {
				// token and cookie always come from the same Set call
				assert.Equal(t, c.Token[len("tok-"):], c.CookieHeader[len("c-"):])
			}
		}()
	}
	wg.Wait()
}

func TestFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultFilename)
	want := Credentials{Token: "tok", CookieHeader: "a=b", ExpiresAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}

	require.NoError(t, SaveFile(path, want))

	s := NewState()
	loaded, err := LoadInto(s, path)
	require.NoError(t, err)
	assert.True(t, loaded)

	got, _ := s.Load()
	assert.Equal(t, want.Token, got.Token)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
}

func TestLoadInto_MissingFile(t *testing.T) {
	s := NewState()
	loaded, err := LoadInto(s, filepath.Join(t.TempDir(), "absent.json"))

	require.NoError(t, err)
	assert.False(t, loaded)
}
