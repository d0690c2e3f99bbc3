package storage

import (
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestSigner(at time.Time) *Signer {
	s := NewSigner("test-secret", 3600*time.Second, 600*time.Second)
	s.now = func() time.Time { return at }
	return s
}

func TestSignedURLRoundTrip(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	signer := newTestSigner(issued)

	raw, err := signer.SignedURL("http://localhost:8582/cache", "doc1/output/Editor.bin", URLTypeSession, "report.docx")
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse signed url: %v", err)
	}
	if got := parsed.Query().Get("filename"); got != "report.docx" {
		t.Errorf("filename = %q, want report.docx", got)
	}
	digest := parsed.Query().Get("md5")
	if strings.ContainsAny(digest, "+/=") {
		t.Errorf("digest %q is not url-safe base64 without padding", digest)
	}

	uri := strings.TrimPrefix(parsed.Path, "/cache")
	if err := signer.Verify(uri, digest, parsed.Query().Get("expires")); err != nil {
		t.Fatalf("Verify rejected freshly signed url: %v", err)
	}
}

func TestVerifyRejectsTamperedPath(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	signer := newTestSigner(issued)

	raw, err := signer.SignedURL("http://localhost:8582", "doc1/Editor.bin", URLTypeSession, "")
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	parsed, _ := url.Parse(raw)
	if err := signer.Verify("/doc2/Editor.bin", parsed.Query().Get("md5"), parsed.Query().Get("expires")); err == nil {
		t.Fatal("Verify accepted a digest for a different path")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	signer := newTestSigner(issued)

	raw, err := signer.SignedURL("http://localhost:8582", "doc1/Editor.bin", URLTypeTemporary, "")
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	parsed, _ := url.Parse(raw)

	signer.now = func() time.Time { return issued.Add(601 * time.Second) }
	if err := signer.Verify("/doc1/Editor.bin", parsed.Query().Get("md5"), parsed.Query().Get("expires")); err == nil {
		t.Fatal("Verify accepted an expired url")
	}
}

func TestTemporaryURLExpiresSooner(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	signer := newTestSigner(issued)

	session, _ := signer.SignedURL("http://h", "k", URLTypeSession, "")
	temporary, _ := signer.SignedURL("http://h", "k", URLTypeTemporary, "")

	sess, _ := url.Parse(session)
	temp, _ := url.Parse(temporary)
	if sess.Query().Get("expires") <= temp.Query().Get("expires") {
		t.Fatalf("session expiry %s not after temporary expiry %s",
			sess.Query().Get("expires"), temp.Query().Get("expires"))
	}
}

func TestSignedURLRequiresSecret(t *testing.T) {
	signer := NewSigner("", time.Hour, time.Minute)
	if _, err := signer.SignedURL("http://h", "k", URLTypeSession, ""); err == nil {
		t.Fatal("expected missing secret to be rejected")
	}
}
