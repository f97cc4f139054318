// Package signing manages the local Ed25519 signing keypair and a cached
// fetch of remote servers' verify keys (§2 "Signing-key store", §4.3 step
// 2, §6.2 /_matrix/key/v2/server).
package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/dendrite-core/homeserver/internal/canonicaljson"
	"github.com/dgraph-io/ristretto"
)

// KeyID identifies one of a server's published verify keys, e.g. "ed25519:a_Test".
type KeyID string

// VerifyKey is a single published Ed25519 public key with its validity window.
type VerifyKey struct {
	ServerName  string
	KeyID       KeyID
	PublicKey   ed25519.PublicKey
	ValidUntilTS int64
	FetchedAt   time.Time
}

// Fetcher performs the network round-trip to a remote server's
// /_matrix/key/v2/server (or to a trusted notary's /_matrix/key/v2/query),
// kept as an interface so the store can be tested without a real HTTP
// client.
type Fetcher interface {
	FetchServerKeys(ctx context.Context, serverName string) ([]VerifyKey, error)
	FetchViaNotary(ctx context.Context, notary, serverName string) ([]VerifyKey, error)
}

// KeyStore caches remote verify keys by (server, key-id), backed by a
// ristretto LRU the way the teacher's internal/caching package wraps
// dgraph-io/ristretto for other hot lookups.
type KeyStore struct {
	fetcher  Fetcher
	notaries []string
	cache    *ristretto.Cache

	mu          sync.Mutex
	rateLimited map[string]time.Time // (server,keyid) -> cooldown expiry
}

const rateLimitCooldown = 5 * time.Minute

// NewKeyStore creates a key store that falls back to the given trusted
// notary server names when a direct fetch fails (§4.3 step 2).
func NewKeyStore(fetcher Fetcher, notaries []string) (*KeyStore, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &KeyStore{
		fetcher:     fetcher,
		notaries:    notaries,
		cache:       cache,
		rateLimited: make(map[string]time.Time),
	}, nil
}

func cacheKey(server string, keyID KeyID) string {
	return server + "|" + string(keyID)
}

// VerifyKey returns a cached key for (server, keyID), fetching (directly,
// then via each trusted notary) on a cache miss. On every fetch failure it
// rate-limits further attempts for that (server, keyID) for a cooldown
// period, per §4.3 step 2.
func (s *KeyStore) VerifyKey(ctx context.Context, server string, keyID KeyID) (*VerifyKey, error) {
	ck := cacheKey(server, keyID)
	if v, ok := s.cache.Get(ck); ok {
		vk := v.(VerifyKey)
		if vk.ValidUntilTS > time.Now().UnixMilli() {
			return &vk, nil
		}
	}

	s.mu.Lock()
	if until, limited := s.rateLimited[ck]; limited && time.Now().Before(until) {
		s.mu.Unlock()
		return nil, fmt.Errorf("signing: %s/%s is rate-limited after a recent fetch failure", server, keyID)
	}
	s.mu.Unlock()

	keys, err := s.fetcher.FetchServerKeys(ctx, server)
	if err != nil {
		for _, notary := range s.notaries {
			keys, err = s.fetcher.FetchViaNotary(ctx, notary, server)
			if err == nil {
				break
			}
		}
	}
	if err != nil {
		s.mu.Lock()
		s.rateLimited[ck] = time.Now().Add(rateLimitCooldown)
		s.mu.Unlock()
		return nil, fmt.Errorf("signing: fetching keys for %s: %w", server, err)
	}

	var found *VerifyKey
	for _, k := range keys {
		k := k
		s.cache.SetWithTTL(cacheKey(server, k.KeyID), k, 1, time.Until(time.UnixMilli(k.ValidUntilTS)))
		if k.KeyID == keyID {
			found = &k
		}
	}
	if found == nil {
		return nil, fmt.Errorf("signing: server %s did not publish key %s", server, keyID)
	}
	return found, nil
}

// LocalKeyPair is this server's own signing identity.
type LocalKeyPair struct {
	ServerName string
	KeyID      KeyID
	Private    ed25519.PrivateKey
	Public     ed25519.PublicKey
}

// GenerateLocalKeyPair creates a fresh Ed25519 identity, used on first boot
// when no private_key_path file exists yet.
func GenerateLocalKeyPair(serverName string, keyID KeyID) (*LocalKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	return &LocalKeyPair{ServerName: serverName, KeyID: keyID, Private: priv, Public: pub}, nil
}

// SignJSON signs the canonical form of raw with this key, returning the
// base64 (unpadded) signature, per §6.3's canonical-JSON requirement for
// all signing operations.
func (kp *LocalKeyPair) SignJSON(raw []byte) (string, error) {
	stripped, err := canonicaljson.StripFields(raw, "signatures", "unsigned")
	if err != nil {
		return "", err
	}
	canon, err := canonicaljson.Encode(stripped)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(kp.Private, canon)
	return base64.RawStdEncoding.EncodeToString(sig), nil
}

// VerifySignature checks a base64 signature against raw's canonical form.
func VerifySignature(pub ed25519.PublicKey, raw []byte, signatureB64 string) (bool, error) {
	stripped, err := canonicaljson.StripFields(raw, "signatures", "unsigned")
	if err != nil {
		return false, err
	}
	canon, err := canonicaljson.Encode(stripped)
	if err != nil {
		return false, err
	}
	sig, err := base64.RawStdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, fmt.Errorf("signing: malformed base64 signature: %w", err)
	}
	return ed25519.Verify(pub, canon, sig), nil
}
