package booking

import (
	"crypto/rand"
	"math/big"
	"strconv"
	"strings"
	"time"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newCode returns "<prefix>-<unix ms in base 36>-<6 random characters>",
// all upper case, e.g. BK-LZ3K9Q2A-7GQ1XB.
func newCode(prefix string) string {
	return codeAt(prefix, time.Now())
}

func codeAt(prefix string, t time.Time) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteByte('-')
	sb.WriteString(strings.ToUpper(strconv.FormatInt(t.UnixMilli(), 36)))
	sb.WriteByte('-')
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < 6; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			n = big.NewInt(t.UnixNano() % int64(len(codeAlphabet)))
		}
		sb.WriteByte(codeAlphabet[n.Int64()])
	}
	return sb.String()
}

func newBookingID() string { return newCode("BK") }

func newTripID() string { return newCode("TR") }
