package signing

import (
	"context"
	"encoding/json"

	"github.com/dendrite-core/homeserver/internal/eventutil"
)

// EventSigner computes an event's content hash and local signature, then
// resolves remote verify keys through the same KeyStore - the production
// implementation of the SignEvent+VerifyKey pair that roomserver/internal/
// input.KeyFetcher and roomserver/internal/perform.Signer both need, in
// place of the per-package test doubles that stand in for it in isolation.
type EventSigner struct {
	KeyPair *LocalKeyPair
	Keys    *KeyStore
}

func NewEventSigner(kp *LocalKeyPair, keys *KeyStore) *EventSigner {
	return &EventSigner{KeyPair: kp, Keys: keys}
}

// SignEvent hashes unsigned, attaches hashes.sha256, and signs the result
// with the local server's key (§3.1).
func (s *EventSigner) SignEvent(roomVersion eventutil.RoomVersion, unsigned json.RawMessage) (json.RawMessage, error) {
	contentHash, err := eventutil.ContentHash(roomVersion, unsigned)
	if err != nil {
		return nil, err
	}
	var envelope map[string]interface{}
	if err := json.Unmarshal(unsigned, &envelope); err != nil {
		return nil, err
	}
	envelope["hashes"] = map[string]string{"sha256": contentHash}
	hashed, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	sig, err := s.KeyPair.SignJSON(hashed)
	if err != nil {
		return nil, err
	}
	envelope["signatures"] = map[string]map[string]string{
		s.KeyPair.ServerName: {string(s.KeyPair.KeyID): sig},
	}
	return json.Marshal(envelope)
}

// VerifyKey delegates to the KeyStore, making EventSigner satisfy
// roomserver/internal/input.KeyFetcher directly.
func (s *EventSigner) VerifyKey(ctx context.Context, server string, keyID KeyID) (*VerifyKey, error) {
	return s.Keys.VerifyKey(ctx, server, keyID)
}
