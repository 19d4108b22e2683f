package admin

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// Nonce actions guarding the admin mutations of the block store.
const (
	BlockAction  = "block"
	DeleteAction = "delete"
)

// KnownAction reports whether nonces may be issued for action.
func KnownAction(action string) bool {
	return action == BlockAction || action == DeleteAction
}

// NonceIssuer issues action-bound tokens. A token is valid for the tick it
// was issued in and the following one, so its lifetime is between half and
// all of the configured lifetime.
type NonceIssuer struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// NewNonceIssuer uses a random secret when secret is empty; tokens then do
// not survive a restart.
func NewNonceIssuer(secret string, lifetime time.Duration) *NonceIssuer {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}
	if lifetime < 2*time.Second {
		lifetime = 24 * time.Hour
	}
	return &NonceIssuer{secret: key, lifetime: lifetime, now: time.Now}
}

func (n *NonceIssuer) tick() int64 {
	half := int64(n.lifetime / 2)
	return n.now().UnixNano() / half
}

func (n *NonceIssuer) sign(action string, tick int64) string {
	mac := hmac.New(sha256.New, n.secret)
	mac.Write([]byte(strconv.FormatInt(tick, 10)))
	mac.Write([]byte{'|'})
	mac.Write([]byte(action))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)[:16])
}

func (n *NonceIssuer) Issue(action string) string {
	return n.sign(action, n.tick())
}

func (n *NonceIssuer) Verify(token, action string) bool {
	if token == "" {
		return false
	}
	tick := n.tick()
	for _, t := range []int64{tick, tick - 1} {
		if hmac.Equal([]byte(token), []byte(n.sign(action, t))) {
			return true
		}
	}
	return false
}
