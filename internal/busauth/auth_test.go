package busauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"channelbus/internal/wire"
)

func TestHMACVerifierRoundTrip(t *testing.T) {
	v := NewHMACVerifier("s3cret")
	token, err := v.Issue(Claims{Subject: "alice", Topics: []string{"room:*"}})
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
}

func TestHMACVerifierRejectsBadSignature(t *testing.T) {
	v := NewHMACVerifier("s3cret")
	other := NewHMACVerifier("different")
	token, err := other.Issue(Claims{Subject: "alice"})
	require.NoError(t, err)

	_, err = v.Verify(token)
	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, wire.CodeAuthBadSig, verr.Code)
}

func TestHMACVerifierRejectsExpiredToken(t *testing.T) {
	v := NewHMACVerifier("s3cret")
	token, err := v.Issue(Claims{Subject: "alice", ExpiresAt: time.Now().Add(-time.Minute).Unix()})
	require.NoError(t, err)

	_, err = v.Verify(token)
	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, wire.CodeAuthExpired, verr.Code)
}

func TestHMACVerifierRejectsMalformedToken(t *testing.T) {
	v := NewHMACVerifier("s3cret")
	_, err := v.Verify("not-a-token")
	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, wire.CodeAuthInvalid, verr.Code)
}

func TestCanAccessChannelWildcardMatching(t *testing.T) {
	v := NewHMACVerifier("s3cret")

	require.True(t, v.CanAccessChannel(Claims{Topics: []string{"*"}}, "anything"))
	require.True(t, v.CanAccessChannel(Claims{Topics: []string{"room:*"}}, "room:42"))
	require.False(t, v.CanAccessChannel(Claims{Topics: []string{"room:*"}}, "lobby:1"))
	require.True(t, v.CanAccessChannel(Claims{Topics: []string{"lobby:1"}}, "lobby:1"))
	require.False(t, v.CanAccessChannel(Claims{Topics: []string{"lobby:1"}}, "lobby:2"))
}

func TestAuthErrorCodeHasAuthPrefixForAutoRejoinSuppression(t *testing.T) {
	require.True(t, len(wire.AuthCodePrefix) > 0)
	require.Equal(t, "AUTH_", wire.AuthCodePrefix[:5])
	require.Contains(t, wire.CodeAuthExpired, wire.AuthCodePrefix)
}
