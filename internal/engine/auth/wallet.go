package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"escrowline/internal/db"
	"escrowline/internal/ledger"
)

const walletFileName = "wallet.yml"

type walletFile struct {
	Address string `yaml:"address"`
	Secret  string `yaml:"secret"`
}

// FileWallet is a workspace-local wallet: an address plus a device secret
// stored in .escrowline/wallet.yml. The secret never leaves the device;
// signatures are an HMAC over the message digest, verified by the ledger
// against the key registered at authentication.
type FileWallet struct {
	Dir string
}

func WalletPath(workspace string) string {
	return filepath.Join(db.Dir(workspace), walletFileName)
}

// EnsureWallet loads the workspace wallet, generating one on first use.
func EnsureWallet(workspace string) (*FileWallet, error) {
	path := WalletPath(workspace)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := generateWallet(path); err != nil {
			return nil, err
		}
	}
	w := &FileWallet{Dir: filepath.Dir(path)}
	if _, err := w.load(); err != nil {
		return nil, err
	}
	return w, nil
}

func generateWallet(path string) error {
	addrBytes := make([]byte, 20)
	if _, err := rand.Read(addrBytes); err != nil {
		return fmt.Errorf("generate address: %w", err)
	}
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	wf := walletFile{
		Address: "0x" + hex.EncodeToString(addrBytes),
		Secret:  hex.EncodeToString(secretBytes),
	}
	data, err := yaml.Marshal(wf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (w *FileWallet) load() (walletFile, error) {
	data, err := os.ReadFile(filepath.Join(w.Dir, walletFileName))
	if err != nil {
		return walletFile{}, fmt.Errorf("read wallet: %w", err)
	}
	var wf walletFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return walletFile{}, fmt.Errorf("parse wallet: %w", err)
	}
	if strings.TrimSpace(wf.Address) == "" || strings.TrimSpace(wf.Secret) == "" {
		return walletFile{}, errors.New("wallet file is missing address or secret")
	}
	return wf, nil
}

// Current re-reads the wallet file so an out-of-band wallet switch is
// picked up by the next operation.
func (w *FileWallet) Current(ctx context.Context) (ledger.Signer, error) {
	wf, err := w.load()
	if err != nil {
		return nil, err
	}
	return &fileSigner{address: wf.Address, secret: wf.Secret}, nil
}

type fileSigner struct {
	address string
	secret  string
}

func (s *fileSigner) Address() string { return s.address }

func (s *fileSigner) SignHash(digest []byte) ([]byte, error) {
	key, err := hex.DecodeString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("decode wallet secret: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(digest)
	return mac.Sum(nil), nil
}
