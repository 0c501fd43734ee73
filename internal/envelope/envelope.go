// Package envelope encrypts sync payloads at rest. A user-scoped key is
// derived with PBKDF2 and payloads are sealed with AES-256-GCM inside a
// base64 envelope that carries the IV and a creation timestamp, so expiry
// can be checked without decrypting.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"

	"github.com/fastbreakhq/walletsync/internal/syncerr"
)

const (
	// kdfIterations is the PBKDF2 iteration count for key derivation.
	kdfIterations = 100_000

	// kdfKeyLen is the derived key length in bytes (AES-256).
	kdfKeyLen = 32

	// staticSalt is mixed into every key derivation. It does not need to
	// be secret; it domain-separates this codec from other PBKDF2 users
	// of the same identifier.
	staticSalt = "walletsync-profile-store-v1"

	// anonymousKeyMaterial is the fixed identifier used in the documented
	// low-security mode when no user identifier is supplied. Gated behind
	// Config.AllowAnonymousKey; disabled by default.
	anonymousKeyMaterial = "walletsync-anonymous"
)

// ErrAnonymousDisabled is returned when encryption is attempted without a
// user identifier and the low-security anonymous mode is not enabled.
var ErrAnonymousDisabled = errors.New("anonymous encryption key disabled")

// sealed is the JSON body of an envelope. Data and IV are hex so the
// envelope stays printable after base64 wrapping; Timestamp is the
// creation time in Unix milliseconds.
type sealed struct {
	Data      string `json:"data"`
	IV        string `json:"iv"`
	Timestamp int64  `json:"ts"`
}

// Codec derives per-user keys and seals/opens envelopes. Derived keys
// are cached because PBKDF2 at 100k iterations is deliberately slow.
type Codec struct {
	allowAnonymous bool
	now            func() time.Time

	mu   sync.Mutex
	keys map[string]cipher.AEAD
}

// NewCodec creates a codec. allowAnonymous enables the documented
// low-security mode where payloads without a user identifier are sealed
// under a fixed key.
func NewCodec(allowAnonymous bool) *Codec {
	return &Codec{
		allowAnonymous: allowAnonymous,
		now:            time.Now,
		keys:           make(map[string]cipher.AEAD),
	}
}

// aead returns the cached AEAD for a user identifier, deriving it on
// first use. The identifier is NFKC-normalized before hashing so visually
// identical identifiers derive identical keys.
func (c *Codec) aead(userID string) (cipher.AEAD, error) {
	if userID == "" {
		if !c.allowAnonymous {
			return nil, ErrAnonymousDisabled
		}
		userID = anonymousKeyMaterial
	}
	userID = norm.NFKC.String(userID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if aead, ok := c.keys[userID]; ok {
		return aead, nil
	}

	key := pbkdf2.Key([]byte(userID), []byte(staticSalt), kdfIterations, kdfKeyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	c.keys[userID] = aead
	return aead, nil
}

// Encrypt JSON-serializes v and seals it under the user's derived key
// with a fresh random IV. Returns the opaque base64 envelope.
func (c *Codec) Encrypt(v any, userID string) (string, error) {
	aead, err := c.aead(userID)
	if err != nil {
		return "", err
	}

	plain, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serializing payload: %w", err)
	}

	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}

	ct := aead.Seal(nil, iv, plain, nil)

	body, err := json.Marshal(sealed{
		Data:      hex.EncodeToString(ct),
		IV:        hex.EncodeToString(iv),
		Timestamp: c.now().UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("serializing envelope: %w", err)
	}

	return base64.StdEncoding.EncodeToString(body), nil
}

// Decrypt opens an envelope with the user's derived key and unmarshals
// the plaintext into out. Any failure (malformed envelope, wrong key,
// tampered ciphertext) is reported as a corruption error so callers can
// distinguish it from transient faults.
func (c *Codec) Decrypt(opaque, userID string, out any) error {
	aead, err := c.aead(userID)
	if err != nil {
		return err
	}

	env, err := parseEnvelope(opaque)
	if err != nil {
		return err
	}

	ct, err := hex.DecodeString(env.Data)
	if err != nil {
		return corrupted("decoding ciphertext: %v", err)
	}
	iv, err := hex.DecodeString(env.IV)
	if err != nil {
		return corrupted("decoding IV: %v", err)
	}
	if len(iv) != aead.NonceSize() {
		return corrupted("bad IV length %d", len(iv))
	}

	plain, err := aead.Open(nil, iv, ct, nil)
	if err != nil {
		return corrupted("decrypting: %v", err)
	}

	if err := json.Unmarshal(plain, out); err != nil {
		return corrupted("deserializing payload: %v", err)
	}
	return nil
}

// IsExpired reports whether the envelope was created more than maxAge
// ago. The check reads only the envelope header and never decrypts.
// Malformed envelopes count as expired.
func (c *Codec) IsExpired(opaque string, maxAge time.Duration) bool {
	env, err := parseEnvelope(opaque)
	if err != nil {
		return true
	}
	created := time.UnixMilli(env.Timestamp)
	return c.now().Sub(created) > maxAge
}

// CreatedAt returns the envelope creation time without decrypting.
func (c *Codec) CreatedAt(opaque string) (time.Time, error) {
	env, err := parseEnvelope(opaque)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(env.Timestamp), nil
}

func parseEnvelope(opaque string) (*sealed, error) {
	body, err := base64.StdEncoding.DecodeString(opaque)
	if err != nil {
		return nil, corrupted("decoding envelope: %v", err)
	}
	var env sealed
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, corrupted("parsing envelope: %v", err)
	}
	if env.Data == "" || env.IV == "" {
		return nil, corrupted("envelope missing fields")
	}
	return &env, nil
}

// corrupted wraps a detail message with the corruption sentinel so the
// error classifier lands on DATA_CORRUPTION.
func corrupted(format string, args ...any) error {
	return fmt.Errorf("%w: %s", syncerr.ErrCorrupted, fmt.Sprintf(format, args...))
}
