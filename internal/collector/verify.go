// internal/collector/verify.go
package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/signalnine/vigil/internal/config"
	"github.com/signalnine/vigil/internal/protocol"
)

// RejectError is a verification failure with the HTTP status it maps to
type RejectError struct {
	Status int
	Code   string // metric label
	Reason string // returned to the client
}

func (e *RejectError) Error() string { return e.Reason }

// Rejections, in pipeline order
var (
	ErrPayloadTooLarge  = &RejectError{Status: http.StatusRequestEntityTooLarge, Code: "payload_too_large", Reason: "payload too large"}
	ErrInvalidAPIKey    = &RejectError{Status: http.StatusUnauthorized, Code: "invalid_api_key", Reason: "invalid api key"}
	ErrIPNotAllowed     = &RejectError{Status: http.StatusForbidden, Code: "ip_not_allowed", Reason: "ip not allowed"}
	ErrInvalidJSON      = &RejectError{Status: http.StatusBadRequest, Code: "invalid_json", Reason: "invalid json"}
	ErrInvalidSignature = &RejectError{Status: http.StatusUnauthorized, Code: "invalid_signature", Reason: "invalid signature"}
	ErrInvalidTimestamp = &RejectError{Status: http.StatusBadRequest, Code: "invalid_timestamp", Reason: "invalid timestamp"}
	ErrTimestampExpired = &RejectError{Status: http.StatusUnauthorized, Code: "timestamp_expired", Reason: "timestamp expired"}
	ErrReplay           = &RejectError{Status: http.StatusUnauthorized, Code: "replay", Reason: "replay detected"}
	ErrBatchTooLarge    = &RejectError{Status: http.StatusRequestEntityTooLarge, Code: "batch_too_large", Reason: "batch too large"}
	ErrInvalidPayload   = &RejectError{Status: http.StatusBadRequest, Code: "invalid_payload", Reason: "invalid batch payload"}
)

// KeyRecord is one accepted credential. An empty allow-list admits no
// source address; 0.0.0.0/0 and ::/0 admit any.
type KeyRecord struct {
	Key     string
	Secret  string
	Allowed []netip.Prefix
}

// Allows reports whether ip may use this key
func (k *KeyRecord) Allows(ip netip.Addr) bool {
	if len(k.Allowed) == 0 || !ip.IsValid() {
		return false
	}
	ip = ip.Unmap()
	for _, p := range k.Allowed {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// NewKeyring builds the lookup table from config. Allow rules are assumed
// to have passed config validation.
func NewKeyring(keys []config.APIKey) (map[string]*KeyRecord, error) {
	ring := make(map[string]*KeyRecord, len(keys))
	for _, k := range keys {
		rec := &KeyRecord{Key: k.Key, Secret: k.Secret}
		for _, rule := range k.AllowedIPs {
			p, err := config.ParseAllowRule(rule)
			if err != nil {
				return nil, fmt.Errorf("key %s: %w", maskKey(k.Key), err)
			}
			rec.Allowed = append(rec.Allowed, p)
		}
		ring[k.Key] = rec
	}
	return ring, nil
}

// Request is what the verifier needs from one delivery
type Request struct {
	APIKey    string
	Timestamp string
	Signature string
	ClientIP  netip.Addr
	Body      []byte
}

// Verified is a request that passed every check
type Verified struct {
	Key       *KeyRecord
	Batch     protocol.Batch
	Canonical []byte
	SentAt    time.Time
}

// Verifier runs the ordered trust checks on incoming batches
type Verifier struct {
	keys      map[string]*KeyRecord
	replay    ReplayCache
	maxSkew   time.Duration
	maxEvents int
	now       func() time.Time
}

// NewVerifier creates a verifier. now may be nil.
func NewVerifier(keys map[string]*KeyRecord, replay ReplayCache, maxSkew time.Duration, maxEvents int, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		keys:      keys,
		replay:    replay,
		maxSkew:   maxSkew,
		maxEvents: maxEvents,
		now:       now,
	}
}

// Lookup returns the record for an API key
func (v *Verifier) Lookup(key string) (*KeyRecord, bool) {
	rec, ok := v.keys[key]
	return rec, ok
}

// Verify checks key, source address, signature, freshness, replay and
// size, in that order, and stops at the first failure. Failures are
// *RejectError; any other error comes from the replay backend.
func (v *Verifier) Verify(ctx context.Context, req Request) (*Verified, error) {
	rec, ok := v.keys[req.APIKey]
	if !ok || req.APIKey == "" {
		return nil, ErrInvalidAPIKey
	}

	if !rec.Allows(req.ClientIP) {
		return nil, ErrIPNotAllowed
	}

	canonical, err := protocol.Canonicalize(req.Body)
	if err != nil {
		return nil, ErrInvalidJSON
	}
	if !protocol.VerifySignature(rec.Secret, req.Timestamp, canonical, req.Signature) {
		return nil, ErrInvalidSignature
	}

	sentAt, err := protocol.ParseTimestamp(req.Timestamp)
	if err != nil {
		return nil, ErrInvalidTimestamp
	}
	if skew := absDuration(v.now().Sub(sentAt)); skew > v.maxSkew {
		return nil, ErrTimestampExpired
	}

	seen, err := v.replay.SeenOrRecord(ctx, ReplayKey(req.APIKey, req.Timestamp, req.Signature))
	if err != nil {
		return nil, fmt.Errorf("replay check: %w", err)
	}
	if seen {
		return nil, ErrReplay
	}

	var batch protocol.Batch
	if err := json.Unmarshal(canonical, &batch); err != nil {
		return nil, ErrInvalidPayload
	}
	if batch.Meta.EventCount > v.maxEvents || len(batch.Events) > v.maxEvents {
		return nil, ErrBatchTooLarge
	}

	return &Verified{Key: rec, Batch: batch, Canonical: canonical, SentAt: sentAt}, nil
}

// ReplayKey identifies one signed request
func ReplayKey(apiKey, timestamp, signature string) string {
	h := sha256.New()
	h.Write([]byte(apiKey))
	h.Write([]byte{0})
	h.Write([]byte(timestamp))
	h.Write([]byte{0})
	h.Write([]byte(signature))
	return hex.EncodeToString(h.Sum(nil))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// maskKey keeps enough of a key to correlate logs without leaking it
func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}
