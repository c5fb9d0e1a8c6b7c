package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"time"
)

// totpStep is the RFC 6238 time step
const totpStep = 30 * time.Second

// totpCode derives the 6-digit code for one time step from the shared secret
func totpCode(secret string, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	// Dynamic truncation per RFC 4226.
	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", value%1000000)
}

// validCode accepts the current step and one step of skew in each direction
func validCode(secret, code string, now time.Time) bool {
	if secret == "" || len(code) != 6 {
		return false
	}
	counter := uint64(now.Unix()) / uint64(totpStep.Seconds())
	for _, c := range []uint64{counter, counter - 1, counter + 1} {
		if totpCode(secret, c) == code {
			return true
		}
	}
	return false
}

// CurrentCode exposes the active code so operators can be provisioned with
// a generator seeded from the same secret.
func CurrentCode(secret string) string {
	return totpCode(secret, uint64(time.Now().Unix())/uint64(totpStep.Seconds()))
}
