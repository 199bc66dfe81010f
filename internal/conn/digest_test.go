package conn

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChallenge(t *testing.T) {
	header := `Digest realm="testrealm@host.com", qop="auth,auth-int", nonce="dcd98b7102dd2f0e8b11d0f600bfb0c093", opaque="5ccc069c403ebaf9f0171e9517f40e41"`

	params := parseChallenge(header)

	assert.Equal(t, "testrealm@host.com", params["realm"])
	assert.Equal(t, "auth,auth-int", params["qop"])
	assert.Equal(t, "dcd98b7102dd2f0e8b11d0f600bfb0c093", params["nonce"])
	assert.Equal(t, "5ccc069c403ebaf9f0171e9517f40e41", params["opaque"])
}

// Vector from RFC 2617 section 3.5.
func TestBuildAuthorization_RFCVector(t *testing.T) {
	orig := randomCnonce
	randomCnonce = func() string { return "0a4f113b" }
	defer func() { randomCnonce = orig }()

	params := map[string]string{
		"realm":  "testrealm@host.com",
		"qop":    "auth,auth-int",
		"nonce":  "dcd98b7102dd2f0e8b11d0f600bfb0c093",
		"opaque": "5ccc069c403ebaf9f0171e9517f40e41",
	}

	auth, err := buildAuthorization("Mufasa", "Circle Of Life", "GET", "/dir/index.html", params)
	require.NoError(t, err)

	assert.Contains(t, auth, `response="6629fae49393a05397450978507c4ef1"`)
	assert.Contains(t, auth, `username="Mufasa"`)
	assert.Contains(t, auth, `qop=auth`)
	assert.Contains(t, auth, `nc=00000001`)
}

func TestBuildAuthorization_NoQop(t *testing.T) {
	params := map[string]string{
		"realm": "cam",
		"nonce": "abc123",
	}

	auth, err := buildAuthorization("admin", "pass", "GET", "/cgi-bin/snapshot.cgi?channel=1", params)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(auth, "Digest "))
	assert.NotContains(t, auth, "cnonce")
}

func TestBuildAuthorization_MissingNonce(t *testing.T) {
	_, err := buildAuthorization("admin", "pass", "GET", "/", map[string]string{"realm": "cam"})
	assert.Error(t, err)
}
