package configutils // import "github.com/atriumhq/atrium/host-service/agentbox/configutils"

import (
	"bytes"
	"io"

	"github.com/atriumhq/atrium/utils"
	"github.com/pierrec/lz4/v4"
)

// The onboarding blob is small JSON, but it is stored on every instance
// row and shipped with every config read, so we compress it before
// sealing. lz4 keeps this cheap enough to be a non-decision.

// CompressLZ4 compresses data into an lz4 frame.
func CompressLZ4(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)

	if _, err := writer.Write(data); err != nil {
		return nil, utils.MakeError("error compressing data: %s", err)
	}
	if err := writer.Close(); err != nil {
		return nil, utils.MakeError("error flushing lz4 writer: %s", err)
	}

	return buf.Bytes(), nil
}

// DecompressLZ4 decompresses an lz4 frame produced by CompressLZ4.
func DecompressLZ4(data []byte) ([]byte, error) {
	reader := lz4.NewReader(bytes.NewReader(data))

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, utils.MakeError("error decompressing data: %s", err)
	}
	return decompressed, nil
}

// SealBlob compresses and encrypts a blob into the string form stored in
// the database.
func SealBlob(password string, blob []byte) (string, error) {
	compressed, err := CompressLZ4(blob)
	if err != nil {
		return "", err
	}
	return EncryptToString(password, string(compressed))
}

// UnsealBlob reverses SealBlob.
func UnsealBlob(password, sealed string) ([]byte, error) {
	compressed, err := DecryptFromString(password, sealed)
	if err != nil {
		return nil, err
	}
	return DecompressLZ4([]byte(compressed))
}
