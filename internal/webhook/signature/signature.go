package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sessionlane/paylane/internal/clock"
	"github.com/sessionlane/paylane/internal/webhook/domain"
)

// Verifier checks the processor's signature header against the raw request
// body. The header carries a unix timestamp and one or more hex HMAC-SHA256
// signatures: "t=<ts>,v1=<sig>[,v1=<sig>...]". The signed payload is
// "<ts>.<body>", so the timestamp cannot be swapped without breaking the MAC.
type Verifier struct {
	secret    string
	tolerance time.Duration
	clock     clock.Clock
}

func NewVerifier(secret string, tolerance time.Duration, clock clock.Clock) *Verifier {
	return &Verifier{
		secret:    strings.TrimSpace(secret),
		tolerance: tolerance,
		clock:     clock,
	}
}

// Verify returns nil only for a well-formed header whose signature matches
// and whose timestamp falls inside the tolerance window. A stale timestamp
// on an otherwise valid signature returns ErrStaleEvent so callers can tell
// replay suppression apart from a forged request.
func (v *Verifier) Verify(payload []byte, header string) error {
	if v.secret == "" {
		return domain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return domain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(v.secret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	matched := false
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			matched = true
			break
		}
	}
	if !matched {
		return domain.ErrInvalidSignature
	}

	if v.tolerance > 0 {
		now := v.clock.Now()
		ts := time.Unix(timestamp, 0)
		if ts.Before(now.Add(-v.tolerance)) || ts.After(now.Add(v.tolerance)) {
			return domain.ErrStaleEvent
		}
	}

	return nil
}

func parseSignatureHeader(header string) (int64, []string, error) {
	var timestampRaw string
	signatures := []string{}
	for _, part := range strings.Split(strings.TrimSpace(header), ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestampRaw = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestampRaw == "" || len(signatures) == 0 {
		return 0, nil, domain.ErrInvalidSignature
	}
	timestamp, err := strconv.ParseInt(timestampRaw, 10, 64)
	if err != nil {
		return 0, nil, domain.ErrInvalidSignature
	}
	return timestamp, signatures, nil
}
