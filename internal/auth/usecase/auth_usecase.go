package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mailpipe-backend/internal/auth/repository"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// AuthUsecase validates bearer tokens issued by the session service and
// manages push device registrations.
type AuthUsecase interface {
	ValidateToken(tokenString string) (string, error)
	RegisterDevice(ctx context.Context, userID, token, deviceInfo string) error
	UnregisterDevice(ctx context.Context, userID, token string) error
}

type authUsecase struct {
	fcmTokenRepo repository.FCMTokenRepository
	jwtSecret    []byte
}

func NewAuthUsecase(fcmTokenRepo repository.FCMTokenRepository, jwtSecret string) AuthUsecase {
	return &authUsecase{
		fcmTokenRepo: fcmTokenRepo,
		jwtSecret:    []byte(jwtSecret),
	}
}

// ValidateToken returns the user id carried by an HS256 access token.
func (u *authUsecase) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return u.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	if tokenType, ok := claims["type"].(string); ok && tokenType != "access" {
		return "", ErrInvalidToken
	}

	userID, _ := claims["user_id"].(string)
	if userID == "" {
		userID, _ = claims["sub"].(string)
	}
	if userID == "" {
		return "", ErrInvalidToken
	}
	return userID, nil
}

func (u *authUsecase) RegisterDevice(ctx context.Context, userID, token, deviceInfo string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("device token is required")
	}
	return u.fcmTokenRepo.SaveToken(ctx, userID, token, deviceInfo)
}

func (u *authUsecase) UnregisterDevice(ctx context.Context, userID, token string) error {
	return u.fcmTokenRepo.DeleteUserToken(ctx, userID, token)
}
