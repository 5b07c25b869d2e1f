package utils // import "github.com/atriumhq/atrium/utils"

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// The following two functions exist so that we don't have to import `fmt`
// into any other packages (so we don't accidentally log something using
// `fmt` functions instead of using the `atriumlogger` equivalents that send
// information to Logz.io and Sentry).

// Sprintf creates a string from format string and args.
func Sprintf(format string, v ...interface{}) string {
	return fmt.Sprintf(format, v...)
}

// MakeError creates an error from format string and args.
func MakeError(format string, v ...interface{}) error {
	return fmt.Errorf(format, v...)
}

// RandHex creates a hexadecimal string with the provided number of bytes of
// randomness. Therefore, the output string will have length 2 * numBytes.
func RandHex(numBytes uint8) string {
	b := make([]byte, numBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// pairingCodeAlphabet deliberately excludes 0/O and 1/I so codes survive
// being read aloud or retyped from a phone screen.
const pairingCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// RandCode returns an uppercase alphanumeric code of the given length,
// drawn from a crypto-quality source.
func RandCode(length int) string {
	max := big.NewInt(int64(len(pairingCodeAlphabet)))
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand reads only fail if the OS entropy source is broken,
			// at which point there is nothing sensible to fall back to.
			panic(err)
		}
		code[i] = pairingCodeAlphabet[n.Int64()]
	}
	return string(code)
}
