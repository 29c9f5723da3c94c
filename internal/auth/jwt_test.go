package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func signToken(t *testing.T, secret string, header, payload map[string]any) string {
	t.Helper()

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	headerB64 := base64.RawURLEncoding.EncodeToString(headerJSON)
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(headerB64 + "." + payloadB64))
	sigB64 := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return headerB64 + "." + payloadB64 + "." + sigB64
}

func hs256Header() map[string]any {
	return map[string]any{"alg": "HS256", "typ": "JWT"}
}

func TestVerify_ValidToken(t *testing.T) {
	v := NewHMACVerifier("secret")
	token := signToken(t, "secret", hs256Header(), map[string]any{
		"role":       "Invigilator",
		"email":      "admin@exam.test",
		"first_name": "Ada",
		"last_name":  "Lovelace",
	})

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Role != "Invigilator" || claims.Email != "admin@exam.test" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	v := NewHMACVerifier("secret")
	token := signToken(t, "other", hs256Header(), map[string]any{"role": "Invigilator"})

	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify = %v, want ErrInvalidToken", err)
	}
}

func TestVerify_RejectsNoneAlg(t *testing.T) {
	v := NewHMACVerifier("secret")
	token := signToken(t, "secret", map[string]any{"alg": "none"}, map[string]any{"role": "Invigilator"})

	if _, err := v.Verify(token); !errors.Is(err, ErrUnsupportedJWT) {
		t.Fatalf("Verify = %v, want ErrUnsupportedJWT", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	v := NewHMACVerifier("secret")
	v.now = func() time.Time { return time.Unix(2000, 0) }
	token := signToken(t, "secret", hs256Header(), map[string]any{
		"role": "Invigilator",
		"exp":  1000,
	})

	if _, err := v.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("Verify = %v, want ErrExpiredToken", err)
	}
}

func TestVerify_NoExpIsAccepted(t *testing.T) {
	v := NewHMACVerifier("secret")
	token := signToken(t, "secret", hs256Header(), map[string]any{"role": "Student"})

	if _, err := v.Verify(token); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerify_Malformed(t *testing.T) {
	v := NewHMACVerifier("secret")
	for _, token := range []string{
		"",
		"abc",
		"a.b",
		"a.b.c.d",
		"..",
		"!!!.###.$$$",
	} {
		if _, err := v.Verify(token); err == nil {
			t.Fatalf("Verify(%q) succeeded, want error", token)
		}
	}
}

func TestRequireRole(t *testing.T) {
	v := NewHMACVerifier("secret")
	token := signToken(t, "secret", hs256Header(), map[string]any{"role": "Student"})

	if _, err := RequireRole(v, token, "Invigilator"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("RequireRole = %v, want ErrInvalidToken", err)
	}

	adminToken := signToken(t, "secret", hs256Header(), map[string]any{"role": "Invigilator"})
	claims, err := RequireRole(v, adminToken, "Invigilator")
	if err != nil {
		t.Fatalf("RequireRole: %v", err)
	}
	if claims.Role != "Invigilator" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/students", nil)
	if _, ok := BearerToken(r); ok {
		t.Fatalf("BearerToken found token on bare request")
	}

	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	token, ok := BearerToken(r)
	if !ok || token != "abc.def.ghi" {
		t.Fatalf("BearerToken = %q, %v", token, ok)
	}

	r.Header.Set("Authorization", "Basic dXNlcg==")
	if _, ok := BearerToken(r); ok {
		t.Fatalf("BearerToken accepted Basic auth")
	}
}
