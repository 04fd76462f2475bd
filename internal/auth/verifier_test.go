package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

func TestVerifyDevToken(t *testing.T) {
	v := &Verifier{Mode: "dev"}
	p, err := v.Verify("u1:responder:st9")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.UserID != "u1" || p.UserType != "RESPONDER" || p.StationID != "st9" {
		t.Fatalf("principal: %+v", p)
	}
	if _, err := v.Verify("garbage"); err == nil {
		t.Fatal("malformed dev token accepted")
	}
}

func hs256Token(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	enc := func(v any) string {
		b, _ := json.Marshal(v)
		return base64.RawURLEncoding.EncodeToString(b)
	}
	head := enc(map[string]string{"alg": "HS256", "typ": "JWT"})
	body := enc(claims)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(head + "." + body))
	return head + "." + body + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifyHMACToken(t *testing.T) {
	v := &Verifier{
		Mode: "hmac", HMACSecret: []byte("shh"),
		UserClaim: "sub", TypeClaim: "userType", StationClaim: "stationId",
	}
	tok := hs256Token(t, "shh", map[string]any{
		"sub": "u1", "userType": "citizen", "exp": time.Now().Add(time.Hour).Unix(),
	})
	p, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.UserID != "u1" || p.UserType != "CITIZEN" {
		t.Fatalf("principal: %+v", p)
	}

	if _, err := v.Verify(hs256Token(t, "wrong", map[string]any{"sub": "u1"})); err == nil {
		t.Fatal("bad signature accepted")
	}
	expired := hs256Token(t, "shh", map[string]any{"sub": "u1", "exp": time.Now().Add(-time.Hour).Unix()})
	if _, err := v.Verify(expired); err == nil {
		t.Fatal("expired token accepted")
	}
	if _, err := v.Verify(hs256Token(t, "shh", map[string]any{"userType": "citizen"})); err == nil {
		t.Fatal("token without subject accepted")
	}
}
