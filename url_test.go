package lksdk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSignalURL(t *testing.T) {
	u, err := buildSignalURL("wss://example.livekit.cloud", "my-token")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "wss://example.livekit.cloud/rtc?"))
	assert.True(t, strings.HasSuffix(u, "access_token=my-token"))
}

func TestBuildSignalURLNoDoubleSlash(t *testing.T) {
	u, err := buildSignalURL("wss://example.livekit.cloud/", "tok")
	require.NoError(t, err)
	assert.NotContains(t, u, "//rtc")
	assert.Contains(t, u, "/rtc?")
}

func TestBuildSignalURLRejectsHTTPScheme(t *testing.T) {
	_, err := buildSignalURL("http://example.livekit.cloud", "tok")
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrInvalidURL, e.Kind)
}

func TestBuildSignalURLRejectsEmptyServer(t *testing.T) {
	_, err := buildSignalURL("", "tok")
	require.Error(t, err)
}

func TestRedactSignalURL(t *testing.T) {
	u, err := buildSignalURL("wss://example.livekit.cloud", "super-secret-token")
	require.NoError(t, err)

	redacted := redactSignalURL(u)
	assert.NotContains(t, redacted, "super-secret-token")
	assert.Contains(t, redacted, "access_token=[REDACTED]")
}

func TestRedactSignalURLWithoutToken(t *testing.T) {
	assert.Equal(t, "wss://example.com/rtc", redactSignalURL("wss://example.com/rtc"))
}
