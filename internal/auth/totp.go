package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	totpPeriod = 30 * time.Second
	totpDigits = 6
	// Accept one step of clock drift in each direction
	totpSkewSteps = 1
)

// GenerateTOTPSecret returns a 160-bit random secret in the base32 form
// authenticator apps expect.
func GenerateTOTPSecret() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

// ValidateTOTP checks a 6-digit code against the secret at the given
// time, tolerating one 30-second step of drift either way.
func ValidateTOTP(secret, code string, at time.Time) bool {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		return false
	}
	step := at.Unix() / int64(totpPeriod/time.Second)
	for delta := int64(-totpSkewSteps); delta <= totpSkewSteps; delta++ {
		if subtle.ConstantTimeCompare([]byte(totpCode(key, step+delta)), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// totpCode implements RFC 6238 over HMAC-SHA1 with dynamic truncation
func totpCode(key []byte, step int64) string {
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(step))

	mac := hmac.New(sha1.New, key)
	mac.Write(counter[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	return fmt.Sprintf("%06d", value%1000000)
}
