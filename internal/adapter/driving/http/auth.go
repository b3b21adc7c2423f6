package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Wyydra/medmeet/internal/core/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Claims scopes a token to one call room. Subject is the participant id.
type Claims struct {
	CallID domain.CallID `json:"call_id"`
	jwt.RegisteredClaims
}

var errUnauthorized = errors.New("unauthorized")

// TokenAuthority issues and verifies room-scoped HS256 tokens. A nil
// *TokenAuthority accepts every request.
type TokenAuthority struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenAuthority(secret string, ttl time.Duration) *TokenAuthority {
	if secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenAuthority{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (a *TokenAuthority) Issue(callID domain.CallID, participantID domain.ParticipantID) (string, error) {
	now := a.now()
	claims := Claims{
		CallID: callID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participantID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *TokenAuthority) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", errUnauthorized)
	}
	return claims, nil
}

type claimsKey struct{}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter browsers use for websocket upgrades.
func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", false
		}
		return parts[1], true
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, true
	}
	return "", false
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Auth == nil {
			next.ServeHTTP(w, r)
			return
		}

		tokenString, ok := bearerToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Authorization header required"})
			return
		}
		claims, err := h.Auth.Verify(tokenString)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Invalid token"})
			return
		}
		if claims.CallID != callIDParam(r) {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "token is not valid for this call"})
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authorizeParticipant writes a 403 and returns false when the request acts
// for a participant other than the token's subject.
func (h *Handler) authorizeParticipant(w http.ResponseWriter, r *http.Request, participantID domain.ParticipantID) bool {
	claims, ok := r.Context().Value(claimsKey{}).(*Claims)
	if !ok || claims.Subject == "" {
		return true
	}
	if claims.Subject != participantID.String() {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "token is not valid for this participant"})
		return false
	}
	return true
}
