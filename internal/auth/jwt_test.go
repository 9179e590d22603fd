package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	pair, err := Issue("admin", "operator", "campusalloc", "secret", time.Minute, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	claims, err := Parse(pair.AccessToken, "secret", "campusalloc")
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Subject)
	assert.Equal(t, "operator", claims.Role)
}

func TestParseRejectsWrongKey(t *testing.T) {
	pair, err := Issue("admin", "operator", "campusalloc", "secret", time.Minute, time.Hour)
	require.NoError(t, err)

	_, err = Parse(pair.AccessToken, "other-key", "campusalloc")
	assert.Error(t, err)
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	pair, err := Issue("admin", "operator", "campusalloc", "secret", time.Minute, time.Hour)
	require.NoError(t, err)

	_, err = Parse(pair.AccessToken, "secret", "someone-else")
	assert.Error(t, err)
}

func TestRefreshMintsNewPair(t *testing.T) {
	pair, err := Issue("admin", "operator", "campusalloc", "secret", time.Minute, time.Hour)
	require.NoError(t, err)

	renewed, err := Refresh(pair.RefreshToken, "campusalloc", "secret", time.Minute, time.Hour)
	require.NoError(t, err)

	claims, err := Parse(renewed.AccessToken, "secret", "campusalloc")
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Subject)
	assert.Equal(t, "operator", claims.Role)
}

func TestRefreshRejectsBadToken(t *testing.T) {
	_, err := Refresh("not-a-token", "campusalloc", "secret", time.Minute, time.Hour)
	assert.Error(t, err)

	pair, err := Issue("admin", "operator", "campusalloc", "secret", time.Minute, time.Hour)
	require.NoError(t, err)
	_, err = Refresh(pair.RefreshToken, "campusalloc", "other-key", time.Minute, time.Hour)
	assert.Error(t, err)
}

func TestParseRejectsExpired(t *testing.T) {
	pair, err := Issue("admin", "operator", "campusalloc", "secret", -time.Minute, time.Hour)
	require.NoError(t, err)

	_, err = Parse(pair.AccessToken, "secret", "campusalloc")
	assert.Error(t, err)
}
