package cryptoclient

import (
	"github.com/pkg/errors"
)

// PaddedSize is the constant request size of the ballot-encryption
// endpoint.
const PaddedSize = 4096

// PadHeader carries the number of padding bytes appended to the body.
const PadHeader = "X-Pad-Len"

// Pad extends body to PaddedSize with repeated bytes whose value is the
// pad length modulo 256 (PKCS#7 style, with the true length carried in
// the PadHeader since pads here can exceed 255 bytes). Bodies already at
// or above PaddedSize are returned unchanged with a pad length of 0.
func Pad(body []byte) ([]byte, int) {
	if len(body) >= PaddedSize {
		return body, 0
	}
	padLen := PaddedSize - len(body)
	padByte := byte(padLen % 256)
	padded := make([]byte, 0, PaddedSize)
	padded = append(padded, body...)
	for i := 0; i < padLen; i++ {
		padded = append(padded, padByte)
	}
	return padded, padLen
}

// Strip removes padLen bytes of padding, verifying every padding byte has
// the expected value.
func Strip(body []byte, padLen int) ([]byte, error) {
	if padLen == 0 {
		return body, nil
	}
	if padLen < 0 || padLen > len(body) {
		return nil, errors.Errorf("invalid pad length %d for body of %d bytes", padLen, len(body))
	}
	padByte := byte(padLen % 256)
	for _, b := range body[len(body)-padLen:] {
		if b != padByte {
			return nil, errors.New("corrupt padding")
		}
	}
	return body[:len(body)-padLen], nil
}
