package auth_test

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"escrowline/internal/engine/auth"
)

func TestEnsureWalletGeneratesOnce(t *testing.T) {
	dir := t.TempDir()
	w1, err := auth.EnsureWallet(dir)
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if _, err := os.Stat(auth.WalletPath(dir)); err != nil {
		t.Fatalf("wallet file not written: %v", err)
	}

	ctx := context.Background()
	s1, err := w1.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if !strings.HasPrefix(s1.Address(), "0x") || len(s1.Address()) != 42 {
		t.Fatalf("generated address: %q", s1.Address())
	}

	w2, err := auth.EnsureWallet(dir)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	s2, err := w2.Current(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s2.Address() != s1.Address() {
		t.Fatalf("second ensure regenerated the wallet: %s != %s", s2.Address(), s1.Address())
	}
}

func TestFileSignerIsDeterministic(t *testing.T) {
	w, err := auth.EnsureWallet(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s, err := w.Current(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	a, err := s.SignHash([]byte("digest"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	b, err := s.SignHash([]byte("digest"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("same digest signed differently")
	}
	c, err := s.SignHash([]byte("other"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Fatalf("different digests share a signature")
	}
}
