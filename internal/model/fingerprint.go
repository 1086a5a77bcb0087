package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var orderNamespace = uuid.MustParse("6f1c7c3e-3f0b-5b8e-9a53-6e0a4c8d2b17")

// Fingerprint identifies a logical trade intent: the same strategy, symbol
// and side inside one dedup window hash to the same value.
func Fingerprint(s Signal, window time.Duration) string {
	bucket := s.Timestamp.UnixNano()
	if window > 0 {
		bucket = s.Timestamp.UnixNano() / int64(window)
	}
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		s.StrategyID,
		strings.ToUpper(s.Symbol),
		string(s.Side),
		strconv.FormatInt(bucket, 10),
	}, "|")))
	return hex.EncodeToString(h.Sum(nil))
}

// DeriveID returns a name-based UUID for (fingerprint, label). Client order
// ids and group ids come from here so retries collapse onto one identity.
func DeriveID(fingerprint, label string) string {
	return uuid.NewSHA1(orderNamespace, []byte(fingerprint+":"+label)).String()
}
