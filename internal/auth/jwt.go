package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// GuestClaims scope a guest invite token to one room.
type GuestClaims struct {
	RoomID    string `json:"room_id"`
	GuestName string `json:"guest_name"`
	jwt.RegisteredClaims
}

// GuestTokenService issues and validates room-scoped guest invite tokens.
type GuestTokenService struct {
	secret      []byte
	expireHours int
}

// NewGuestTokenService creates a guest token service.
func NewGuestTokenService(secret string, expireHours int) *GuestTokenService {
	return &GuestTokenService{
		secret:      []byte(secret),
		expireHours: expireHours,
	}
}

// Issue creates a signed invite token for a guest joining roomID.
func (s *GuestTokenService) Issue(roomID, guestName string) (string, error) {
	claims := GuestClaims{
		RoomID:    roomID,
		GuestName: guestName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses an invite token and returns the room it grants.
func (s *GuestTokenService) Validate(tokenString string) (roomID string, err error) {
	token, err := jwt.ParseWithClaims(tokenString, &GuestClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*GuestClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.RoomID, nil
}
