package crypto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zaziedlm/koiki-gofw/pkg/models"
)

// JWTService handles session token creation and validation
type JWTService struct {
	keySet     *KeySet
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewJWTService creates a new JWT service
func NewJWTService(keySet *KeySet, issuer, audience string, accessTTL, refreshTTL time.Duration) *JWTService {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 24 * time.Hour
	}
	return &JWTService{
		keySet:     keySet,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// IssueTokens mints the access and refresh token pair for a user.
func (s *JWTService) IssueTokens(ctx context.Context, user *models.User) (*models.TokenResponse, error) {
	access, err := s.CreateAccessToken(user.ID, map[string]interface{}{
		"email": user.Email,
		"name":  user.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create access token: %w", err)
	}

	refresh, err := s.CreateRefreshToken(user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh token: %w", err)
	}

	return &models.TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
		RefreshToken: refresh,
	}, nil
}

// CreateAccessToken creates a new access token for the subject
func (s *JWTService) CreateAccessToken(subject string, customClaims map[string]interface{}) (string, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"iss": s.issuer,
		"sub": subject,
		"aud": s.audience,
		"exp": now.Add(s.accessTTL).Unix(),
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"jti": generateKeyID("jti"),
	}
	for k, v := range customClaims {
		claims[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keySet.RSAKeyID()

	return token.SignedString(s.keySet.RSAPrivateKey())
}

// CreateRefreshToken creates a refresh token for the subject
func (s *JWTService) CreateRefreshToken(subject string) (string, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"iss":  s.issuer,
		"sub":  subject,
		"exp":  now.Add(s.refreshTTL).Unix(),
		"iat":  now.Unix(),
		"jti":  generateKeyID("refresh"),
		"type": "refresh",
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.keySet.RSAKeyID()

	return token.SignedString(s.keySet.RSAPrivateKey())
}

// ValidateToken validates a JWT and returns its claims
func (s *JWTService) ValidateToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.keySet.RSAPublicKey(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims format")
	}
	return claims, nil
}
