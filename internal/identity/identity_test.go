package identity

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/packfinderz-cartsync/pkg/auth"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/config"
	pkgerrors "github.com/angelmondragon/packfinderz-cartsync/pkg/errors"
)

func TestParserAcceptsSignedTokens(t *testing.T) {
	cfg := config.IdentityConfig{JWTSecret: "secret", JWTIssuer: "packfinderz"}
	token, err := auth.MintSessionToken(cfg, time.Now(), "user-1", time.Hour)
	require.NoError(t, err)

	id, err := NewParser(cfg).Parse("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
	assert.Equal(t, token, id.Token)
}

func TestParserRejectsBadTokens(t *testing.T) {
	parser := NewParser(config.IdentityConfig{JWTSecret: "secret"})
	for _, token := range []string{"", "  ", "garbage"} {
		_, err := parser.Parse(token)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized), "token %q", token)
	}
}

func TestSessionLifecycle(t *testing.T) {
	session := NewSession("guest-a")
	assert.False(t, session.Authenticated())
	assert.Equal(t, "guest-a", session.ID())
	assert.Empty(t, session.BearerToken(context.Background()))
	assert.Empty(t, session.TransitionKey())

	session.SignIn(Identity{UserID: "user-1", Token: "tok"})
	assert.True(t, session.Authenticated())
	assert.Equal(t, "user-1", session.ID())
	assert.Equal(t, "tok", session.BearerToken(context.Background()))
	assert.Equal(t, "guest-a>user-1", session.TransitionKey())

	session.SignOut()
	assert.False(t, session.Authenticated())
	assert.True(t, strings.HasPrefix(session.ID(), "guest-"))
	assert.NotEqual(t, "guest-a", session.ID(), "a new guest id after sign-out")
}

func TestSessionResumeGuestKeepsTransition(t *testing.T) {
	s := NewSession("guest-a")
	s.SignIn(Identity{UserID: "user-1", Token: "tok"})
	key := s.TransitionKey()

	s.ResumeGuest()
	assert.False(t, s.Authenticated())
	assert.Equal(t, "guest-a", s.ID())

	s.SignIn(Identity{UserID: "user-1", Token: "tok"})
	assert.Equal(t, key, s.TransitionKey())
}
