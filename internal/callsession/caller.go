package callsession

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/MrWong99/tablecall/internal/business"
)

// HashCaller returns the hex HMAC-SHA256 of the caller number keyed with
// pepper. The number is reduced to its last ten digits first, so
// "+91 98765 43210" and "09876543210" hash alike. Numbers without digits
// hash to "".
func HashCaller(number, pepper string) string {
	digits := business.NormalizeNumber(number)
	if digits == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(digits))
	return hex.EncodeToString(mac.Sum(nil))
}
