package identity

import (
	"crypto/sha256"
	"strings"

	"github.com/silentrelay/e2ee-core/internal/errs"
)

// SafetyNumber computes a 60-digit (12 groups of 5) fingerprint over a pair
// of identity public keys so two peers can verify out-of-band that no MITM
// substituted a key during KEP. Grounded on
// internal/security/crypto.go's ComputeSafetyNumber, generalized from
// phone-number-salted Signal keys to the raw public-key bytes this core's
// IdentityKeyPair carries (spec §3 has no phone number to sort by).
func SafetyNumber(localPub, remotePub []byte) (string, error) {
	if len(localPub) == 0 || len(remotePub) == 0 {
		return "", errs.New(errs.BadInput, "identity.SafetyNumber", "both public keys are required")
	}

	// Sort lexicographically so both peers compute the same combined input
	// regardless of which side is "local".
	var combined []byte
	if string(localPub) < string(remotePub) {
		combined = append(append([]byte{}, localPub...), remotePub...)
	} else {
		combined = append(append([]byte{}, remotePub...), localPub...)
	}

	hash := sha256.Sum256(combined)

	result := make([]byte, 0, 60)
	for i := 0; i < 12; i++ {
		offset := i * 5 / 2
		var value uint32
		if i%2 == 0 {
			value = uint32(hash[offset])<<12 | uint32(hash[offset+1])<<4 | uint32(hash[offset+2])>>4
		} else {
			value = uint32(hash[offset]&0x0F)<<16 | uint32(hash[offset+1])<<8 | uint32(hash[offset+2])
		}
		value %= 100000

		result = append(result,
			'0'+byte((value/10000)%10),
			'0'+byte((value/1000)%10),
			'0'+byte((value/100)%10),
			'0'+byte((value/10)%10),
			'0'+byte(value%10),
		)
	}
	return string(result), nil
}

// FormatSafetyNumber renders a 60-digit safety number as two rows of six
// 5-digit groups for on-screen comparison.
func FormatSafetyNumber(safetyNumber string) string {
	if len(safetyNumber) != 60 {
		return safetyNumber
	}
	groups := make([]string, 12)
	for i := 0; i < 12; i++ {
		groups[i] = safetyNumber[i*5 : i*5+5]
	}
	return strings.Join(groups[:6], " ") + "\n" + strings.Join(groups[6:], " ")
}
