package security

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	sealed, err := Seal("jar-secret", []byte(`[{"name":"auth_token"}]`))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "auth_token")

	plain, err := Open("jar-secret", sealed)
	require.NoError(t, err)
	assert.Equal(t, `[{"name":"auth_token"}]`, string(plain))
}

func TestOpenWrongSecret(t *testing.T) {
	sealed, err := Seal("right", []byte("cookies"))
	require.NoError(t, err)

	_, err = Open("wrong", sealed)
	assert.Error(t, err)
}

func TestEmptySecretRejected(t *testing.T) {
	_, err := Seal("", []byte("x"))
	assert.ErrorIs(t, err, ErrEmptySecret)

	_, err = Open("", []byte("{}"))
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestMaskEndpoint(t *testing.T) {
	masked := MaskEndpoint("https://fcm.googleapis.com/fcm/send/abcdefghijklmnop")
	assert.True(t, strings.HasPrefix(masked, "https://fcm.googleapis.com/"))
	assert.NotContains(t, masked, "efghijkl")
}

func TestMaskString(t *testing.T) {
	out := MaskString("login failed: password=hunter22hunter")
	assert.NotContains(t, out, "hunter22hunter")
	assert.Contains(t, out, "password=")
}

// TestMaskCredentialProperty verifies masking never reveals the middle of a long secret.
func TestMaskCredentialProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("mask preserves length and hides the middle", prop.ForAll(
		func(s string) bool {
			masked := MaskCredential(s)
			if len(masked) != len(s) {
				return false
			}
			if len(s) > 8 {
				return masked[4:len(s)-4] == strings.Repeat("*", len(s)-8)
			}
			return true
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
