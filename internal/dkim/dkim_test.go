package dkim

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"
	"github.com/foxcpp/mailout/internal/message"
	"github.com/foxcpp/mailout/internal/testutils"
)

func TestBodyHasher(t *testing.T) {
	// Each case lists the raw body and the canonical form its hash
	// should match.
	cases := []struct {
		name      string
		raw       string
		canonical string
	}{
		{"already canonical", "Hello World\r\n", "Hello World\r\n"},
		{"inner wsp and trailing blank lines", "Hello \t World  \r\n\r\n\r\n", "Hello World\r\n"},
		{"empty body", "", ""},
		{"whitespace only body", "   \r\n\t\r\n  ", ""},
		{"bare lf", "a\nb\n", "a\r\nb\r\n"},
		{"bare cr", "a\rb", "a\r\nb\r\n"},
		{"interior blank line kept", "a\r\n\r\nb\r\n", "a\r\n\r\nb\r\n"},
		{"leading wsp becomes single sp", "  a\r\n", " a\r\n"},
		{"no trailing crlf gets one", "a", "a\r\n"},
		{"wsp only line at end is dropped", "a\r\n  \t\r\n", "a\r\n"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			bh := NewBodyHasher(sha256.New())
			if _, err := bh.Write([]byte(c.raw)); err != nil {
				t.Fatal(err)
			}
			want := sha256.Sum256([]byte(c.canonical))
			if got := bh.Sum(); !bytes.Equal(got, want[:]) {
				t.Errorf("hash mismatch for %q, canonical form is not %q", c.raw, c.canonical)
			}
		})
	}
}

func TestBodyHasherChunked(t *testing.T) {
	// Splitting the input must not change the result, no matter where
	// the split lands relative to CRLF and WSP runs.
	raw := "Hello \t World  \r\n middle\t\tline \r\n\r\nlast\r\n\r\n\r\n"

	whole := NewBodyHasher(nil)
	whole.Write([]byte(raw))
	want := whole.Sum()

	for splitAt := 1; splitAt < len(raw); splitAt++ {
		bh := NewBodyHasher(nil)
		bh.Write([]byte(raw[:splitAt]))
		bh.Write([]byte(raw[splitAt:]))
		if got := bh.Sum(); !bytes.Equal(got, want) {
			t.Errorf("split at %d changed the hash", splitAt)
		}
	}

	byByte := NewBodyHasher(nil)
	for i := range raw {
		byByte.Write([]byte{raw[i]})
	}
	if got := byByte.Sum(); !bytes.Equal(got, want) {
		t.Error("byte-at-a-time feeding changed the hash")
	}
}

func TestCanonicalHeader(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"Subject: test", "subject:test\r\n"},
		{"SUBJECT:\ttest   value  ", "subject:test value\r\n"},
		{"Subject: long\r\n\tfolded value", "subject:long folded value\r\n"},
		{"Subject:    ", "subject:\r\n"},
		{"X-Odd", "x-odd:\r\n"},
	}
	for _, c := range cases {
		if got := canonicalHeader(c.raw); got != c.want {
			t.Errorf("canonicalHeader(%q): want %q, got %q", c.raw, c.want, got)
		}
	}
}

func testHeaders() message.Headers {
	var hdrs message.Headers
	hdrs.Append("From", "Sender Name <sender@mailout.test>")
	hdrs.Append("To", "<rcpt@example.invalid>")
	hdrs.Append("Subject", "heya")
	hdrs.Append("Date", "Mon, 02 Jan 2006 15:04:05 -0700")
	hdrs.Append("Message-ID", "<test@mailout.test>")
	hdrs.Append("MIME-Version", "1.0")
	hdrs.Append("Content-Type", "text/plain; charset=utf-8")
	return hdrs
}

// signAndVerify signs the test message with the given key and runs the
// result through an independent verifier.
func signAndVerify(t *testing.T, signer crypto.Signer, dnsRecord string, body string) {
	t.Helper()

	hdrs := testHeaders()

	bh := NewBodyHasher(sha256.New())
	bh.Write([]byte(body))

	sig, err := Sign(SignOptions{
		Domain:   "mailout.test",
		Selector: "default",
		Signer:   signer,
		HashAlgo: crypto.SHA256,
		BodyHash: bh.Sum(),
	}, hdrs)
	if err != nil {
		t.Fatal(err)
	}
	hdrs.AddFormatted(sig)

	var msg bytes.Buffer
	msg.Write(hdrs.Render())
	msg.WriteString(body)

	v, err := msgauthdkim.VerifyWithOptions(bytes.NewReader(msg.Bytes()), &msgauthdkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			if domain != "default._domainkey.mailout.test" {
				return nil, fmt.Errorf("unexpected TXT query: %v", domain)
			}
			return []string{dnsRecord}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 1 {
		t.Fatalf("expected exactly one verification, got %d", len(v))
	}
	if v[0].Err != nil {
		t.Errorf("verification failed: %v", v[0].Err)
	}
	if v[0].Domain != "mailout.test" {
		t.Errorf("wrong verified domain: %v", v[0].Domain)
	}
}

func TestSignVerifyRSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		t.Fatal(err)
	}
	record := "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pubDER)

	signAndVerify(t, key, record, "hello there\r\n")
	signAndVerify(t, key, record, "trailing mess \t \r\n\r\n\r\n")
}

func TestSignVerifyEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	record := "v=DKIM1; k=ed25519; p=" + base64.StdEncoding.EncodeToString(pub)

	signAndVerify(t, priv, record, "hello there\r\n")
}

func TestSignLastInstance(t *testing.T) {
	// With a repeated field only the bottom instance is covered; editing
	// it must break the signature while prepending a new one must not.
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	hdrs := testHeaders()
	hdrs.Append("Subject", "bottom instance")

	bh := NewBodyHasher(nil)
	bh.Write([]byte("body\r\n"))

	sig, err := Sign(SignOptions{
		Domain:   "mailout.test",
		Selector: "default",
		Signer:   key,
		HashAlgo: crypto.SHA256,
		BodyHash: bh.Sum(),
	}, hdrs)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(strings.ToLower(sig), "h=from:") {
		t.Errorf("h= tag does not start with from: %v", sig)
	}

	hdrs.AddFormatted(sig)
	hdrs.Add("Subject", "added after signing") // on top, not covered

	pubDER, _ := x509.MarshalPKIXPublicKey(key.Public())
	record := "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pubDER)

	var msg bytes.Buffer
	msg.Write(hdrs.Render())
	msg.WriteString("body\r\n")

	v, err := msgauthdkim.VerifyWithOptions(bytes.NewReader(msg.Bytes()), &msgauthdkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return []string{record}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(v) != 1 || v[0].Err != nil {
		t.Fatalf("verification failed after prepending uncovered field: %+v", v)
	}
}

func TestSignErrors(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	bh := NewBodyHasher(nil)
	bodyHash := bh.Sum()

	_, err = Sign(SignOptions{Selector: "s", Signer: key, HashAlgo: crypto.SHA256, BodyHash: bodyHash}, testHeaders())
	if err == nil {
		t.Error("expected error for missing domain")
	}
	_, err = Sign(SignOptions{Domain: "d", Selector: "s", HashAlgo: crypto.SHA256, BodyHash: bodyHash}, testHeaders())
	if err == nil {
		t.Error("expected error for missing key")
	}
	_, err = Sign(SignOptions{Domain: "d", Selector: "s", Signer: key, HashAlgo: crypto.SHA256}, testHeaders())
	if err == nil {
		t.Error("expected error for missing body hash")
	}
	_, err = Sign(SignOptions{
		Domain: "d", Selector: "s", Signer: key, HashAlgo: crypto.SHA256, BodyHash: bodyHash,
		FieldNames: []string{"X-Not-There"},
	}, message.Headers{{Key: "from", Line: "From: <a@b>"}})
	if err == nil {
		t.Error("expected error when no listed field is present")
	}
}

func writeTestKey(t *testing.T, dir, name string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	blob := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(filepath.Join(dir, name), blob, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestKeyStore(t *testing.T) {
	dir := t.TempDir()
	writeTestKey(t, dir, "mailout.test.default.pem")
	writeTestKey(t, dir, "sub.mailout.test.mta1.pem")
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	ks, err := NewKeyStore(dir, testutils.Logger(t, "dkim"))
	if err != nil {
		t.Fatal(err)
	}
	if ks.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", ks.Len())
	}

	if _, ok := ks.Get("mailout.test", "default"); !ok {
		t.Error("mailout.test/default not found")
	}
	if _, ok := ks.Get("SUB.MAILOUT.TEST", "MTA1"); !ok {
		t.Error("lookup is not case-insensitive")
	}
	if _, ok := ks.Get("mailout.test", "other"); ok {
		t.Error("unexpected key for unknown selector")
	}

	// Reload picks up new files.
	writeTestKey(t, dir, "third.example.sel.pem")
	if err := ks.Load(); err != nil {
		t.Fatal(err)
	}
	if ks.Len() != 3 {
		t.Fatalf("expected 3 keys after reload, got %d", ks.Len())
	}
}

func TestKeyStoreMissingDir(t *testing.T) {
	ks, err := NewKeyStore(filepath.Join(t.TempDir(), "nope"), testutils.Logger(t, "dkim"))
	if err != nil {
		t.Fatal(err)
	}
	if ks.Len() != 0 {
		t.Errorf("expected empty store, got %d keys", ks.Len())
	}
}

func TestSplitKeyName(t *testing.T) {
	cases := []struct {
		name             string
		domain, selector string
		ok               bool
	}{
		{"example.org.default.pem", "example.org", "default", true},
		{"a.b.c.d.pem", "a.b.c", "d", true},
		{"nodot.pem", "", "", false},
		{".pem", "", "", false},
	}
	for _, c := range cases {
		domain, selector, ok := splitKeyName(c.name)
		if domain != c.domain || selector != c.selector || ok != c.ok {
			t.Errorf("splitKeyName(%q): want (%q, %q, %v), got (%q, %q, %v)",
				c.name, c.domain, c.selector, c.ok, domain, selector, ok)
		}
	}
}
