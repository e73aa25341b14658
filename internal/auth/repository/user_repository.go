package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	authdomain "mailpipe-backend/internal/auth/domain"
	"mailpipe-backend/pkg/crypto"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserRepository resolves which credentials to use for a user id.
type UserRepository interface {
	Create(ctx context.Context, user *authdomain.User) error
	FindByID(ctx context.Context, id string) (*authdomain.User, error)
	FindByEmail(ctx context.Context, email string) (*authdomain.User, error)
	UpdateTokens(ctx context.Context, userID, accessToken, refreshToken string) error
}

// userRepository implements UserRepository interface
type userRepository struct {
	db     *gorm.DB
	sealer *crypto.Sealer
}

// NewUserRepository creates a new instance of userRepository. A nil sealer
// stores credentials as plaintext.
func NewUserRepository(db *gorm.DB, sealer *crypto.Sealer) UserRepository {
	return &userRepository{
		db:     db,
		sealer: sealer,
	}
}

func (r *userRepository) Create(ctx context.Context, user *authdomain.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	row := *user
	if err := r.seal(&row); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *userRepository) FindByID(ctx context.Context, id string) (*authdomain.User, error) {
	return r.findOne(ctx, "id = ?", id)
}

func (r *userRepository) FindByEmail(ctx context.Context, email string) (*authdomain.User, error) {
	return r.findOne(ctx, "email = ?", email)
}

func (r *userRepository) findOne(ctx context.Context, query string, arg interface{}) (*authdomain.User, error) {
	var user authdomain.User
	err := r.db.WithContext(ctx).Where(query, arg).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if err := r.open(&user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateTokens stores refreshed OAuth tokens. An empty refresh token keeps
// the stored one since Google omits it on most refreshes.
func (r *userRepository) UpdateTokens(ctx context.Context, userID, accessToken, refreshToken string) error {
	access, err := r.sealValue(accessToken)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"access_token": access,
		"updated_at":   time.Now().UTC(),
	}
	if refreshToken != "" {
		refresh, err := r.sealValue(refreshToken)
		if err != nil {
			return err
		}
		updates["refresh_token"] = refresh
	}
	return r.db.WithContext(ctx).Model(&authdomain.User{}).Where("id = ?", userID).Updates(updates).Error
}

func (r *userRepository) seal(u *authdomain.User) error {
	for _, field := range []*string{&u.AccessToken, &u.RefreshToken, &u.IMAPPassword} {
		sealed, err := r.sealValue(*field)
		if err != nil {
			return err
		}
		*field = sealed
	}
	return nil
}

func (r *userRepository) open(u *authdomain.User) error {
	if r.sealer == nil {
		return nil
	}
	for _, field := range []*string{&u.AccessToken, &u.RefreshToken, &u.IMAPPassword} {
		plain, err := r.sealer.Open(*field)
		if err != nil {
			return fmt.Errorf("failed to open credentials for user %s: %w", u.ID, err)
		}
		*field = plain
	}
	return nil
}

func (r *userRepository) sealValue(v string) (string, error) {
	if r.sealer == nil {
		return v, nil
	}
	return r.sealer.Seal(v)
}
