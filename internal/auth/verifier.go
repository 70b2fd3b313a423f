package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Supported wallet types.
const (
	WalletEth = "eth"
	WalletSol = "sol"
)

// WalletVerifier checks that a login request was signed by the wallet it
// claims to come from. Production deployments plug in chain-specific
// implementations; the engine only cares about the boolean.
type WalletVerifier interface {
	Verify(walletType, wallet, message, signature string) bool
}

// ChallengeMessage builds the canonical text a wallet must sign to log in.
// Binding the timestamp in keeps old signatures from being replayed.
func ChallengeMessage(playerID string, issuedAt time.Time) string {
	return fmt.Sprintf("splitgame login\nplayer: %s\nissued: %d", playerID, issuedAt.Unix())
}

// challengeWindow bounds how old a signed challenge may be.
const challengeWindow = 5 * time.Minute

// CheckChallengeAge reports whether a challenge issued at the given time is
// still acceptable.
func CheckChallengeAge(issuedAt time.Time) bool {
	age := time.Since(issuedAt)
	return age >= -time.Minute && age <= challengeWindow
}

// HMACVerifier is the development implementation: the "signature" is an
// HMAC-SHA256 of the message keyed by secret||wallet. It exercises the full
// login flow without chain SDKs and must never run in production.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier creates the development verifier.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

// Sign produces a signature the verifier will accept, for tests and local
// clients.
func (v *HMACVerifier) Sign(wallet, message string) string {
	mac := hmac.New(sha256.New, append(append([]byte(nil), v.secret...), []byte(wallet)...))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks wallet type support and the HMAC signature.
func (v *HMACVerifier) Verify(walletType, wallet, message, signature string) bool {
	switch walletType {
	case WalletEth, WalletSol:
	default:
		return false
	}
	if wallet == "" || message == "" {
		return false
	}
	want := v.Sign(wallet, message)
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(want))
}
