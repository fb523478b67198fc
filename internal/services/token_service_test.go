package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platform-api/internal/models"
	"platform-api/internal/repository"
)

// fakeUserRepo is an in-memory UserRepositoryInterface for service tests.
type fakeUserRepo struct {
	mu     sync.Mutex
	users  map[uuid.UUID]*models.User
	tokens map[uuid.UUID]*models.RefreshToken
	audits []*models.AuthAudit
}

var _ repository.UserRepositoryInterface = (*fakeUserRepo)(nil)

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		users:  make(map[uuid.UUID]*models.User),
		tokens: make(map[uuid.UUID]*models.RefreshToken),
	}
}

func (f *fakeUserRepo) addUser(user *models.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
}

func (f *fakeUserRepo) RegisterUser(ctx context.Context, user *models.User, info *models.BusinessInfo, assignment *models.RoleAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return nil
}

func (f *fakeUserRepo) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (f *fakeUserRepo) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			copied := *user
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeUserRepo) UpdateUserStatus(ctx context.Context, id uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	user.Status = status
	return nil
}

func (f *fakeUserRepo) TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	return nil
}

func (f *fakeUserRepo) UpsertBusinessInfo(ctx context.Context, info *models.BusinessInfo) error {
	return nil
}

func (f *fakeUserRepo) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *token
	f.tokens[token.ID] = &copied
	return nil
}

func (f *fakeUserRepo) GetRefreshToken(ctx context.Context, id uuid.UUID) (*models.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token, ok := f.tokens[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *token
	return &copied, nil
}

func (f *fakeUserRepo) RevokeRefreshToken(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token, ok := f.tokens[id]; ok && token.RevokedAt == nil {
		token.RevokedAt = &at
	}
	return nil
}

func (f *fakeUserRepo) RevokeTokenFamily(ctx context.Context, family uuid.UUID, at time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, token := range f.tokens {
		if token.Family == family && token.RevokedAt == nil {
			token.RevokedAt = &at
			count++
		}
	}
	return count, nil
}

func (f *fakeUserRepo) RevokeUserTokens(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, token := range f.tokens {
		if token.UserID == userID && token.RevokedAt == nil {
			token.RevokedAt = &at
			count++
		}
	}
	return count, nil
}

func (f *fakeUserRepo) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for id, token := range f.tokens {
		if token.ExpiresAt.Before(before) {
			delete(f.tokens, id)
			count++
		}
	}
	return count, nil
}

func (f *fakeUserRepo) CreateAuthAudit(ctx context.Context, audit *models.AuthAudit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, audit)
	return nil
}

func (f *fakeUserRepo) DeleteAuthAuditsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeUserRepo) liveTokenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, token := range f.tokens {
		if token.RevokedAt == nil {
			count++
		}
	}
	return count
}

func newTestTokenService(repo *fakeUserRepo) *TokenService {
	return NewTokenService(repo, nil, "test-secret", "platform-api", "platform-api",
		15*time.Minute, 14*24*time.Hour, nil)
}

// ===========================================
// Issue / Verify Tests
// ===========================================

func TestIssuePair_VerifyAccessRoundtrip(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUserRepo()
	svc := newTestTokenService(repo)
	userID := uuid.New()

	pair, err := svc.IssuePair(ctx, userID, svc.NewFamily(), nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.True(t, pair.RefreshExpiresAt.After(pair.AccessExpiresAt))

	got, ok := svc.VerifyAccess(pair.AccessToken)
	assert.True(t, ok)
	assert.Equal(t, userID, got)
}

func TestVerifyAccess_RejectsRefreshToken(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUserRepo()
	svc := newTestTokenService(repo)

	pair, err := svc.IssuePair(ctx, uuid.New(), svc.NewFamily(), nil, nil)
	require.NoError(t, err)

	_, ok := svc.VerifyAccess(pair.RefreshToken)
	assert.False(t, ok)
}

func TestVerifyAccess_WrongAudience(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUserRepo()
	svc := newTestTokenService(repo)

	pair, err := svc.IssuePair(ctx, uuid.New(), svc.NewFamily(), nil, nil)
	require.NoError(t, err)

	other := NewTokenService(repo, nil, "test-secret", "platform-api", "other-api",
		15*time.Minute, 14*24*time.Hour, nil)
	_, ok := other.VerifyAccess(pair.AccessToken)
	assert.False(t, ok)
}

func TestVerifyAccess_WrongIssuer(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUserRepo()
	svc := newTestTokenService(repo)

	pair, err := svc.IssuePair(ctx, uuid.New(), svc.NewFamily(), nil, nil)
	require.NoError(t, err)

	other := NewTokenService(repo, nil, "test-secret", "other-issuer", "platform-api",
		15*time.Minute, 14*24*time.Hour, nil)
	_, ok := other.VerifyAccess(pair.AccessToken)
	assert.False(t, ok)
}

func TestVerifyAccess_Expired(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUserRepo()
	svc := newTestTokenService(repo)

	pair, err := svc.IssuePair(ctx, uuid.New(), svc.NewFamily(), nil, nil)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	_, ok := svc.VerifyAccess(pair.AccessToken)
	assert.False(t, ok)
}

func TestVerifyAccess_Garbage(t *testing.T) {
	svc := newTestTokenService(newFakeUserRepo())
	_, ok := svc.VerifyAccess("not-a-jwt")
	assert.False(t, ok)
}

// ===========================================
// Rotation Tests
// ===========================================

func TestRotate_IssuesNewPairAndRevokesOld(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUserRepo()
	svc := newTestTokenService(repo)
	userID := uuid.New()

	pair, err := svc.IssuePair(ctx, userID, svc.NewFamily(), nil, nil)
	require.NoError(t, err)

	newPair, rotatedUser, err := svc.Rotate(ctx, pair.RefreshToken, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, userID, rotatedUser)
	assert.NotEqual(t, pair.RefreshToken, newPair.RefreshToken)

	// Exactly one live token remains: the new one.
	assert.Equal(t, 1, repo.liveTokenCount())

	got, ok := svc.VerifyAccess(newPair.AccessToken)
	assert.True(t, ok)
	assert.Equal(t, userID, got)
}

func TestRotate_ReplayRevokesFamily(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUserRepo()
	svc := newTestTokenService(repo)
	userID := uuid.New()

	pair, err := svc.IssuePair(ctx, userID, svc.NewFamily(), nil, nil)
	require.NoError(t, err)

	_, _, err = svc.Rotate(ctx, pair.RefreshToken, nil, nil)
	require.NoError(t, err)

	// Replaying the rotated-out token kills the whole family, including the
	// freshly issued token.
	_, _, err = svc.Rotate(ctx, pair.RefreshToken, nil, nil)
	assert.ErrorIs(t, err, ErrTokenFamilyMismatch)
	assert.Equal(t, 0, repo.liveTokenCount())
}

func TestRotate_Expired(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUserRepo()
	svc := newTestTokenService(repo)

	pair, err := svc.IssuePair(ctx, uuid.New(), svc.NewFamily(), nil, nil)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(15 * 24 * time.Hour) }
	_, _, err = svc.Rotate(ctx, pair.RefreshToken, nil, nil)
	assert.ErrorIs(t, err, ErrRefreshTokenExpired)
}

func TestRotate_UnknownToken(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUserRepo()
	svc := newTestTokenService(repo)

	pair, err := svc.IssuePair(ctx, uuid.New(), svc.NewFamily(), nil, nil)
	require.NoError(t, err)

	// Same secret, different deployment: the record was never persisted here.
	empty := newTestTokenService(newFakeUserRepo())
	_, _, err = empty.Rotate(ctx, pair.RefreshToken, nil, nil)
	assert.ErrorIs(t, err, ErrRefreshTokenInvalid)
}

// ===========================================
// Revocation Tests
// ===========================================

func TestRevokeByToken(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUserRepo()
	svc := newTestTokenService(repo)

	pair, err := svc.IssuePair(ctx, uuid.New(), svc.NewFamily(), nil, nil)
	require.NoError(t, err)

	svc.RevokeByToken(ctx, pair.RefreshToken)
	assert.Equal(t, 0, repo.liveTokenCount())

	// Garbage revokes nothing and does not panic.
	svc.RevokeByToken(ctx, "garbage")
}

func TestRevokeAll(t *testing.T) {
	ctx := context.Background()
	repo := newFakeUserRepo()
	svc := newTestTokenService(repo)
	userID := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := svc.IssuePair(ctx, userID, svc.NewFamily(), nil, nil)
		require.NoError(t, err)
	}
	_, err := svc.IssuePair(ctx, uuid.New(), svc.NewFamily(), nil, nil)
	require.NoError(t, err)

	revoked, err := svc.RevokeAll(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), revoked)
	assert.Equal(t, 1, repo.liveTokenCount())
}
