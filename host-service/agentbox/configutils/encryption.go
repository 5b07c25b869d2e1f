package configutils // import "github.com/atriumhq/atrium/host-service/agentbox/configutils"

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"github.com/atriumhq/atrium/utils"
	"golang.org/x/crypto/argon2"
)

const (
	aes256KeyLength      = 32
	aes256GCMNonceLength = 12
	defaultSaltLength    = 16

	saltHeader  = "salt_"
	nonceHeader = "nonce_"

	// ciphertextPrefix marks the string form of sealed values. Reads
	// without it are rejected outright so a plaintext value can never be
	// mistaken for (or returned as) ciphertext.
	ciphertextPrefix = "enc:"
)

// ErrMalformedCiphertext is returned when a value submitted for
// decryption is not in the sealed format this package produces.
var ErrMalformedCiphertext = errors.New("value is not well-formed ciphertext")

// EncryptAES256GCM takes a password and plaintext data and encrypts the
// data using AES-GCM. GCM is an AEAD mode, so tampering with the stored
// blob is detected at decryption time rather than producing garbage.
func EncryptAES256GCM(password string, data []byte) ([]byte, error) {
	// Generate a random salt to use for key generation
	salt, err := generateRandomBytes(defaultSaltLength)
	if err != nil {
		return nil, utils.MakeError("could not generate salt: %s", err)
	}

	key := generateKeyFromPasswordAndSalt(password, salt, aes256KeyLength)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, utils.MakeError("could not create aes cipher block: %s", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, utils.MakeError("could not create gcm cipher mode: %s", err)
	}

	nonce, err := generateRandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, utils.MakeError("could not generate nonce: %s", err)
	}

	// We store the salt and nonce as a prefix to the encrypted data
	prefix := append([]byte(saltHeader), salt...)
	prefix = append(prefix, []byte(nonceHeader)...)
	prefix = append(prefix, nonce...)

	return gcm.Seal(prefix, nonce, data, nil), nil
}

// DecryptAES256GCM takes a password and AES-256-GCM encrypted data and
// returns the decrypted data or an error.
func DecryptAES256GCM(password string, data []byte) ([]byte, error) {
	salt, nonce, encryptedData, err := getSaltNonceAndDataFromSealedBlob(data, defaultSaltLength, aes256GCMNonceLength)
	if err != nil {
		return nil, err
	}

	key := generateKeyFromPasswordAndSalt(password, salt, aes256KeyLength)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, utils.MakeError("could not create aes cipher block: %s", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, utils.MakeError("could not create gcm cipher mode: %s", err)
	}

	decryptedData, err := gcm.Open(nil, nonce, encryptedData, nil)
	if err != nil {
		return nil, utils.MakeError("could not decrypt data: %s", err)
	}

	return decryptedData, nil
}

// EncryptToString seals a non-empty plaintext string into the prefixed,
// base64 string form stored in the database. Callers map an empty
// submitted value to NULL themselves; sealing "" is a programming error.
func EncryptToString(password, plaintext string) (string, error) {
	if plaintext == "" {
		return "", utils.MakeError("refusing to encrypt an empty value; store NULL instead")
	}
	sealed, err := EncryptAES256GCM(password, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return ciphertextPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptFromString unseals a value produced by EncryptToString. A value
// without the ciphertext prefix (or with an undecodable body) returns
// ErrMalformedCiphertext; plaintext-looking garbage is never passed
// through.
func DecryptFromString(password, value string) (string, error) {
	if !strings.HasPrefix(value, ciphertextPrefix) {
		return "", ErrMalformedCiphertext
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, ciphertextPrefix))
	if err != nil {
		return "", ErrMalformedCiphertext
	}

	plaintext, err := DecryptAES256GCM(password, sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// getSaltNonceAndDataFromSealedBlob extracts the salt and nonce used to
// seal a blob.
func getSaltNonceAndDataFromSealedBlob(blob []byte, saltLength, nonceLength int) (salt, nonce, data []byte, err error) {
	saltHeaderLength := len(saltHeader)
	nonceHeaderLength := len(nonceHeader)

	totalSaltLength := saltLength + saltHeaderLength
	totalNonceLength := nonceLength + nonceHeaderLength

	prefixLength := totalSaltLength + totalNonceLength

	if len(blob) < prefixLength {
		return nil, nil, nil, ErrMalformedCiphertext
	}

	if string(blob[:saltHeaderLength]) != saltHeader {
		return nil, nil, nil, ErrMalformedCiphertext
	}
	salt = blob[saltHeaderLength:totalSaltLength]

	if string(blob[totalSaltLength:totalSaltLength+nonceHeaderLength]) != nonceHeader {
		return nil, nil, nil, ErrMalformedCiphertext
	}
	nonce = blob[totalSaltLength+nonceHeaderLength : prefixLength]

	data = blob[prefixLength:]
	return
}

// generateKeyFromPasswordAndSalt derives a cryptographically secure key
// using argon2id with default parameters.
func generateKeyFromPasswordAndSalt(password string, salt []byte, length uint32) []byte {
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 8, length)
}

// generateRandomBytes returns a slice of random bytes of the given length.
func generateRandomBytes(length int) ([]byte, error) {
	randomData := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, randomData); err != nil {
		return nil, utils.MakeError("could not generate random bytes: %s", err)
	}
	return randomData, nil
}
