package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"escrowline/internal/ledger"
)

// Wallet exposes the currently connected wallet's signer. The connected
// address may change between calls (user switches accounts).
type Wallet interface {
	Current(ctx context.Context) (ledger.Signer, error)
}

// ErrNoWallet indicates no wallet is connected.
var ErrNoWallet = errors.New("no wallet connected")

// Identity is an authenticated signing identity: the wallet signer plus the
// short-lived key the ledger issued for it.
type Identity struct {
	Signer ledger.Signer
	Key    ledger.AuthResult
}

// Gate maintains the per-device authentication with the coordination
// ledger. EnsureAuthenticated is idempotent: with no wallet change and an
// unexpired key it returns the cached identity without extra round trips;
// a changed wallet always forces a fresh authentication, never reusing a
// stale key tied to a different address.
type Gate struct {
	Transport ledger.Transport
	Wallet    Wallet
	Now       func() time.Time

	mu      sync.Mutex
	current *Identity
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Gate) EnsureAuthenticated(ctx context.Context) (Identity, error) {
	if g.Wallet == nil {
		return Identity{}, ErrNoWallet
	}
	signer, err := g.Wallet.Current(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("resolve wallet: %w", err)
	}
	if signer == nil || signer.Address() == "" {
		return Identity{}, ErrNoWallet
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != nil && addressesEqual(g.current.Key.Address, signer.Address()) && !g.expired(g.current.Key) {
		return *g.current, nil
	}
	// Stale or missing; re-authenticate against the live wallet.
	g.current = nil
	if !g.Transport.Connected() {
		if err := g.Transport.Connect(ctx); err != nil {
			return Identity{}, fmt.Errorf("connect before auth: %w", err)
		}
	}
	key, err := g.Transport.Authenticate(ctx, signer)
	if err != nil {
		return Identity{}, err
	}
	if !addressesEqual(key.Address, signer.Address()) {
		return Identity{}, fmt.Errorf("ledger authenticated %s but wallet is %s", key.Address, signer.Address())
	}
	id := Identity{Signer: signer, Key: key}
	g.current = &id
	return id, nil
}

// Invalidate drops the cached identity, forcing the next call to
// re-authenticate.
func (g *Gate) Invalidate() {
	g.mu.Lock()
	g.current = nil
	g.mu.Unlock()
}

func (g *Gate) expired(key ledger.AuthResult) bool {
	if key.ExpiresAt == "" {
		return false
	}
	exp, err := time.Parse(time.RFC3339, key.ExpiresAt)
	if err != nil {
		return true
	}
	return !g.now().Before(exp)
}

func addressesEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
