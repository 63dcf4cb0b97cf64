package cryptoclient

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPadAndStrip(t *testing.T) {
	body := []byte(`{"ballot":"small"}`)

	padded, padLen := Pad(body)
	assert.Len(t, padded, PaddedSize)
	assert.Equal(t, PaddedSize-len(body), padLen)

	stripped, err := Strip(padded, padLen)
	require.NoError(t, err)
	assert.Equal(t, body, stripped)
}

func TestPadLeavesLargeBodiesAlone(t *testing.T) {
	body := bytes.Repeat([]byte("x"), PaddedSize+100)

	padded, padLen := Pad(body)
	assert.Equal(t, 0, padLen)
	assert.Equal(t, body, padded)

	stripped, err := Strip(padded, 0)
	require.NoError(t, err)
	assert.Equal(t, body, stripped)
}

func TestStripRejectsTampering(t *testing.T) {
	padded, padLen := Pad([]byte("ballot"))

	padded[len(padded)-1]++
	_, err := Strip(padded, padLen)
	assert.Error(t, err)
}

func TestStripRejectsBadLengths(t *testing.T) {
	_, err := Strip([]byte("short"), 10)
	assert.Error(t, err)

	_, err = Strip([]byte("short"), -1)
	assert.Error(t, err)
}

func TestConstantSizeHidesBallotLength(t *testing.T) {
	small, _ := Pad([]byte("a"))
	large, _ := Pad(bytes.Repeat([]byte("b"), 2000))
	assert.Equal(t, len(small), len(large))
}
