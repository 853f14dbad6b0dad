package authz

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func genKeyPair(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}

func TestIssueAndVerifyToken(t *testing.T) {
	priv, pub := genKeyPair(t)
	tok, err := IssueToken(priv, "operator-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	claims, err := VerifyToken(pub, tok)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.Subject != "operator-1" {
		t.Fatalf("got subject %q, want operator-1", claims.Subject)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	priv, pub := genKeyPair(t)
	tok, err := IssueToken(priv, "operator-1", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := VerifyToken(pub, tok); err == nil {
		t.Fatal("expected expired token to fail verification")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	priv, _ := genKeyPair(t)
	_, otherPub := genKeyPair(t)
	tok, err := IssueToken(priv, "operator-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := VerifyToken(otherPub, tok); err == nil {
		t.Fatal("expected token signed by a different key to fail verification")
	}
}

func TestRequireBearerMiddleware(t *testing.T) {
	priv, pub := genKeyPair(t)
	tok, err := IssueToken(priv, "operator-1", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	var sawSubject string
	handler := RequireBearer(pub)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawSubject = ClaimsFromContext(r.Context()).Subject
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/debug/ruleset/reload", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rr.Code)
	}
	if sawSubject != "operator-1" {
		t.Fatalf("got subject %q in handler, want operator-1", sawSubject)
	}
}

func TestRequireBearerRejectsMissingHeader(t *testing.T) {
	_, pub := genKeyPair(t)
	handler := RequireBearer(pub)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))
	req := httptest.NewRequest(http.MethodPost, "/debug/ruleset/reload", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", rr.Code)
	}
}

func TestParseRSAPublicKeyPEMRoundTrip(t *testing.T) {
	_, pub := genKeyPair(t)
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	parsed, err := ParseRSAPublicKeyPEM(pemBytes)
	if err != nil {
		t.Fatalf("ParseRSAPublicKeyPEM: %v", err)
	}
	if parsed.N.Cmp(pub.N) != 0 || parsed.E != pub.E {
		t.Fatal("parsed key does not match original")
	}
}

func TestParseRSAPublicKeyPEMRejectsGarbage(t *testing.T) {
	if _, err := ParseRSAPublicKeyPEM([]byte("not a pem block")); err == nil {
		t.Fatal("expected error for non-PEM input")
	}
}

func TestIssuanceLogChainVerifiesAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issuance.log")

	log1, err := OpenIssuanceLog(path)
	if err != nil {
		t.Fatalf("OpenIssuanceLog: %v", err)
	}
	if _, err := log1.Append("operator-1", time.Minute); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := log1.Append("operator-2", time.Hour); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := log1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	log2, err := OpenIssuanceLog(path)
	if err != nil {
		t.Fatalf("reopen OpenIssuanceLog: %v", err)
	}
	defer log2.Close()
	e, err := log2.Append("operator-3", time.Hour)
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if e.Seq != 3 {
		t.Fatalf("got seq %d, want 3 (chain continued across reopen)", e.Seq)
	}
}

func TestIssuanceLogRejectsTamperedEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issuance.log")
	log1, err := OpenIssuanceLog(path)
	if err != nil {
		t.Fatalf("OpenIssuanceLog: %v", err)
	}
	if _, err := log1.Append("operator-1", time.Minute); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := log1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	tampered := []byte(strings.Replace(string(data), `"operator-1"`, `"operator-x"`, 1))
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := OpenIssuanceLog(path); err == nil {
		t.Fatal("expected tampered issuance log to fail hash verification on reopen")
	}
}
