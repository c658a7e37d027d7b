package identity

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-cartsync/pkg/auth"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/config"
	pkgerrors "github.com/angelmondragon/packfinderz-cartsync/pkg/errors"
)

// Identity is an authenticated user and the bearer token proving it.
type Identity struct {
	UserID string
	Token  string
}

// Parser turns a sign-in bearer token into an Identity.
type Parser struct {
	cfg config.IdentityConfig
}

func NewParser(cfg config.IdentityConfig) *Parser {
	return &Parser{cfg: cfg}
}

func (p *Parser) Parse(token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Identity{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "token is required")
	}
	claims, err := auth.ParseSessionToken(p.cfg, token)
	if err != nil {
		return Identity{}, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid session token")
	}
	userID := claims.ResolvedUserID()
	if userID == "" {
		return Identity{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "token carries no user id")
	}
	return Identity{UserID: userID, Token: token}, nil
}

// Session tracks who owns the cart: a guest until SignIn, then a user.
type Session struct {
	mu       sync.RWMutex
	guestID  string
	identity *Identity
}

// NewSession starts a guest session. An empty guestID mints one.
func NewSession(guestID string) *Session {
	if guestID == "" {
		guestID = "guest-" + uuid.NewString()
	}
	return &Session{guestID: guestID}
}

func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity != nil
}

func (s *Session) Identity() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return Identity{}, false
	}
	return *s.identity, true
}

// BearerToken satisfies remote.TokenSource; guests have no token.
func (s *Session) BearerToken(context.Context) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return ""
	}
	return s.identity.Token
}

// ID is the user id when authenticated, otherwise the guest id.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity != nil {
		return s.identity.UserID
	}
	return s.guestID
}

// TransitionKey names the guest to user transition the merge latch guards.
func (s *Session) TransitionKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return ""
	}
	return s.guestID + ">" + s.identity.UserID
}

func (s *Session) SignIn(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = &id
}

// SignOut returns to a fresh guest session.
func (s *Session) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = nil
	s.guestID = "guest-" + uuid.NewString()
}

// ResumeGuest drops the identity but keeps the guest id, so a failed sign-in
// can be retried against the same transition.
func (s *Session) ResumeGuest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = nil
}
