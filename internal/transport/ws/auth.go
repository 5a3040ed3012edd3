package ws

import (
	"encoding/hex"
	"fmt"
	"time"

	cerrors "github.com/cisnet/cis/internal/common/errors"
	"github.com/cisnet/cis/internal/identity"
)

// ReplayWindow bounds how far an Auth frame's timestamp may drift from
// the server's clock before it is rejected (spec §4.4).
const ReplayWindow = 300 * time.Second

// VerifyAuth implements spec §4.4's four-step Auth check: the DID is
// well-formed, its public-key prefix matches the provided key, the
// timestamp falls within ReplayWindow, and the signature over
// "<did>:<timestamp>" verifies against the provided key.
func VerifyAuth(auth Auth, now time.Time) error {
	parsed, err := identity.Parse(auth.DID)
	if err != nil {
		return err
	}

	pub, err := hex.DecodeString(auth.PublicKey)
	if err != nil {
		return cerrors.InvalidInput("public_key", "not valid hex")
	}
	if !parsed.PrefixMatchesKey(pub) {
		return cerrors.InvalidInput("public_key", "does not match DID's public-key prefix")
	}

	// Timestamps are whole seconds, so the window is compared in seconds.
	delta := now.Unix() - auth.Timestamp
	if delta < 0 {
		delta = -delta
	}
	if delta > int64(ReplayWindow/time.Second) {
		return cerrors.InvalidInput("timestamp", fmt.Sprintf("outside replay window: |%ds| > %s", delta, ReplayWindow))
	}

	signedText := fmt.Sprintf("%s:%d", auth.DID, auth.Timestamp)
	if !identity.VerifySignature(pub, []byte(signedText), auth.ChallengeResponse) {
		return cerrors.InvalidInput("challenge_response", "signature does not verify")
	}
	return nil
}
