package alias

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOfIsDeterministic(t *testing.T) {
	pem := "-----BEGIN CERTIFICATE REQUEST-----\nMII...\n-----END CERTIFICATE REQUEST-----\n"

	a1 := Of(1, pem)
	a2 := Of(1, pem)

	assert.Equal(t, a1, a2)
	assert.NotEmpty(t, a1)
}

func TestOfDependsOnClientID(t *testing.T) {
	pem := "same pem for both"

	assert.NotEqual(t, Of(1, pem), Of(2, pem))
}

func TestOfDependsOnPEM(t *testing.T) {
	assert.NotEqual(t, Of(1, "pem-a"), Of(1, "pem-b"))
}

func TestOfIsBase64Standard(t *testing.T) {
	a := Of(7, "anything")
	// Base64 standard alphabet uses '+' and '/' and pads with '='; just
	// assert it decodes cleanly as standard (not URL-safe) base64.
	assert.Len(t, a, 44) // 32 raw bytes -> 44 chars w/ padding
	_, err := base64.StdEncoding.DecodeString(a)
	assert.NoError(t, err)
}
