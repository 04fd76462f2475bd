package webhooks

import "testing"

func TestSignVerifyHMAC(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	sig := SignHMAC("s3cr3t", body)
	if sig == "" {
		t.Fatal("empty signature")
	}
	if !VerifyHMAC("s3cr3t", body, sig) {
		t.Fatal("valid signature rejected")
	}
	if VerifyHMAC("wrong", body, sig) {
		t.Fatal("signature verified with wrong secret")
	}
	if VerifyHMAC("s3cr3t", []byte("tampered"), sig) {
		t.Fatal("signature verified over tampered body")
	}
	if VerifyHMAC("s3cr3t", body, "not-hex") {
		t.Fatal("non-hex signature accepted")
	}
}
