package services

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"platform-api/internal/events"
	"platform-api/internal/models"
	"platform-api/internal/repository"
)

// Token type claim values
const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// AccessClaims are the claims carried by access tokens.
type AccessClaims struct {
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// RefreshClaims are the claims carried by refresh tokens. Family ties all
// rotations of one session together for replay detection.
type RefreshClaims struct {
	TokenType string `json:"typ"`
	Family    string `json:"fam"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies access/refresh tokens. Issuer and audience
// are bound to the serving deployment, so tokens minted by a different
// deployment sharing the same signing key still fail verification.
type TokenService struct {
	users      repository.UserRepositoryInterface
	publisher  *events.Publisher
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *logrus.Entry
	now        func() time.Time
}

// NewTokenService creates a new token service
func NewTokenService(users repository.UserRepositoryInterface, publisher *events.Publisher, secret, issuer, audience string, accessTTL, refreshTTL time.Duration, logger *logrus.Logger) *TokenService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TokenService{
		users:      users,
		publisher:  publisher,
		secret:     []byte(secret),
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		logger:     logger.WithField("component", "token-service"),
		now:        time.Now,
	}
}

// NewFamily starts a fresh rotation family for a new session.
func (s *TokenService) NewFamily() uuid.UUID {
	return uuid.New()
}

// IssuePair mints an access/refresh token pair for the user within the given
// family and persists the refresh token record.
func (s *TokenService) IssuePair(ctx context.Context, userID uuid.UUID, family uuid.UUID, userAgent, ipAddress *string) (*models.TokenPair, error) {
	now := s.now()
	accessExp := now.Add(s.accessTTL)
	refreshExp := now.Add(s.refreshTTL)
	refreshID := uuid.New()

	accessClaims := AccessClaims{
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        uuid.New().String(),
		},
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).SignedString(s.secret)
	if err != nil {
		return nil, err
	}

	refreshClaims := RefreshClaims{
		TokenType: tokenTypeRefresh,
		Family:    family.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
			ID:        refreshID.String(),
		},
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).SignedString(s.secret)
	if err != nil {
		return nil, err
	}

	record := &models.RefreshToken{
		ID:        refreshID,
		UserID:    userID,
		Family:    family,
		IssuedAt:  now,
		ExpiresAt: refreshExp,
		UserAgent: userAgent,
		IPAddress: ipAddress,
	}
	if err := s.users.CreateRefreshToken(ctx, record); err != nil {
		return nil, err
	}

	return &models.TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// VerifyAccess validates an access token and returns the user ID. There is a
// single failure path: any problem (bad signature, expiry, wrong issuer or
// audience, wrong token type) yields ok=false with no detail.
func (s *TokenService) VerifyAccess(tokenString string) (uuid.UUID, bool) {
	var claims AccessClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid || claims.TokenType != tokenTypeAccess {
		return uuid.Nil, false
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, false
	}
	return userID, true
}

// Rotate exchanges a refresh token for a new pair in the same family. The
// old token is revoked first. Presenting an already-revoked token means the
// token leaked after rotation, so the entire family is revoked and the
// session must be re-established with credentials.
func (s *TokenService) Rotate(ctx context.Context, tokenString string, userAgent, ipAddress *string) (*models.TokenPair, uuid.UUID, error) {
	claims, err := s.parseRefresh(tokenString)
	if err != nil {
		return nil, uuid.Nil, err
	}

	refreshID, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, uuid.Nil, ErrRefreshTokenInvalid
	}
	family, err := uuid.Parse(claims.Family)
	if err != nil {
		return nil, uuid.Nil, ErrRefreshTokenInvalid
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, uuid.Nil, ErrRefreshTokenInvalid
	}

	record, err := s.users.GetRefreshToken(ctx, refreshID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, uuid.Nil, ErrRefreshTokenInvalid
		}
		return nil, uuid.Nil, err
	}

	if record.UserID != userID || record.Family != family {
		return nil, uuid.Nil, ErrRefreshTokenInvalid
	}

	if record.RevokedAt != nil {
		s.revokeFamily(ctx, userID, family)
		return nil, uuid.Nil, ErrTokenFamilyMismatch
	}

	if !s.now().Before(record.ExpiresAt) {
		return nil, uuid.Nil, ErrRefreshTokenExpired
	}

	if err := s.users.RevokeRefreshToken(ctx, refreshID, s.now()); err != nil {
		return nil, uuid.Nil, err
	}

	pair, err := s.IssuePair(ctx, userID, family, userAgent, ipAddress)
	if err != nil {
		return nil, uuid.Nil, err
	}
	return pair, userID, nil
}

// RevokeByToken revokes the session family behind a presented refresh token.
// Best effort: an unparseable token revokes nothing.
func (s *TokenService) RevokeByToken(ctx context.Context, tokenString string) {
	claims, err := s.parseRefresh(tokenString)
	if err != nil {
		return
	}
	family, err := uuid.Parse(claims.Family)
	if err != nil {
		return
	}
	if _, err := s.users.RevokeTokenFamily(ctx, family, s.now()); err != nil {
		s.logger.WithError(err).Warn("Failed to revoke token family on logout")
	}
}

// RevokeAll revokes every live refresh token for a user
func (s *TokenService) RevokeAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.users.RevokeUserTokens(ctx, userID, s.now())
}

func (s *TokenService) keyFunc(token *jwt.Token) (interface{}, error) {
	return s.secret, nil
}

func (s *TokenService) parseRefresh(tokenString string) (*RefreshClaims, error) {
	var claims RefreshClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrRefreshTokenExpired
		}
		return nil, ErrRefreshTokenInvalid
	}
	if !token.Valid || claims.TokenType != tokenTypeRefresh {
		return nil, ErrRefreshTokenInvalid
	}
	return &claims, nil
}

// revokeFamily kills every token in a family after replay detection, audits
// it and notifies downstream consumers.
func (s *TokenService) revokeFamily(ctx context.Context, userID, family uuid.UUID) {
	revoked, err := s.users.RevokeTokenFamily(ctx, family, s.now())
	if err != nil {
		s.logger.WithError(err).WithField("family", family).Error("Failed to revoke token family")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"userId":  userID,
		"family":  family,
		"revoked": revoked,
	}).Warn("Refresh token replay detected, family revoked")

	action := models.AuditTokenReplay
	go func() {
		audit := &models.AuthAudit{
			UserID: &userID,
			Action: action,
		}
		if err := s.users.CreateAuthAudit(context.Background(), audit); err != nil {
			s.logger.WithError(err).Warn("Failed to write token replay audit")
		}
	}()

	if s.publisher != nil {
		s.publisher.PublishTokenFamilyRevoked(ctx, userID, family)
	}
}
