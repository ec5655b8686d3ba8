package service

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/quillnote-app/quillnote-back/internal/auth"
	"github.com/quillnote-app/quillnote-back/internal/db"
)

var (
	ErrUserExists                = errors.New("email already registered")
	ErrLoginUserNotFound         = errors.New("user not found")
	ErrLoginPasswordDoesNotMatch = errors.New("password does not match")
	ErrTokenInvalid              = errors.New("token is not valid for any user")
	ErrUserNotFound              = errors.New("user not found")
)

// ObjectStore is the slice of the media store the services need. The minio
// implementation lives in internal/media; tests substitute an in-memory fake.
type ObjectStore interface {
	UploadImage(ctx context.Context, filename, contentType string, r io.Reader, size int64) (url string, key string, err error)
	UploadAudio(ctx context.Context, filename, contentType string, r io.Reader, size int64) (url string, key string, err error)
	Remove(ctx context.Context, key string) error
}

type General struct {
	db     *gorm.DB
	tokens *auth.TokenManager
	store  ObjectStore
	logger *zap.SugaredLogger
}

func NewGeneral(db *gorm.DB, tokens *auth.TokenManager, store ObjectStore, l *zap.SugaredLogger) *General {
	return &General{
		db:     db,
		tokens: tokens,
		store:  store,
		logger: l,
	}
}

func (s *General) Signup(name, email, pass string) (*db.User, string, error) {
	var count int64
	res := s.db.Model(&db.User{}).Where("email = ?", email).Count(&count)
	if res.Error != nil {
		return nil, "", errors.Wrap(res.Error, "check existing email")
	}
	if count > 0 {
		return nil, "", ErrUserExists
	}

	hash, err := s.bcryptGen(pass)
	if err != nil {
		return nil, "", errors.Wrap(err, "bcryptGen")
	}

	user := db.User{
		Name:     name,
		Email:    email,
		Password: hash,
	}
	res = s.db.Create(&user)
	if res.Error != nil {
		return nil, "", res.Error
	}

	token, err := s.issueToken(user.ID)
	if err != nil {
		return nil, "", err
	}
	return &user, token, nil
}

func (s *General) Login(email, pass string) (string, error) {
	user := db.User{}
	res := s.db.Where("email = ?", email).First(&user)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return "", ErrLoginUserNotFound
		}
		return "", res.Error
	}

	if err := s.bcryptCheck(user.Password, pass); err != nil {
		return "", ErrLoginPasswordDoesNotMatch
	}

	// Opportunistic cleanup. Expired rows would never match anyway because the
	// signature check rejects expired tokens first.
	res = s.db.Where("user_id = ? AND expires_at < ?", user.ID, time.Now()).Delete(&db.Token{})
	if res.Error != nil {
		s.logger.Errorw("failed to prune expired tokens", "user_id", user.ID, "error", res.Error)
	}

	return s.issueToken(user.ID)
}

// Authenticate resolves a bearer token to its user. The signature must verify,
// the user must still exist and the exact token string must still be stored,
// which keeps server-side revocation possible by deleting the row.
func (s *General) Authenticate(tokenString string) (*db.User, error) {
	userID, err := s.tokens.Parse(tokenString)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	user := db.User{}
	res := s.db.First(&user, userID)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return nil, ErrTokenInvalid
		}
		return nil, res.Error
	}

	var count int64
	res = s.db.Model(&db.Token{}).Where("user_id = ? AND value = ?", user.ID, tokenString).Count(&count)
	if res.Error != nil {
		return nil, res.Error
	}
	if count == 0 {
		return nil, ErrTokenInvalid
	}

	return &user, nil
}

func (s *General) UserGet(id uint64) (*db.User, error) {
	user := db.User{}
	res := s.db.First(&user, id)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return nil, ErrUserNotFound
		}
		return nil, res.Error
	}
	return &user, nil
}

func (s *General) UserUpdate(id uint64, name, email, pass *string) (*db.User, error) {
	user, err := s.UserGet(id)
	if err != nil {
		return nil, err
	}

	if email != nil && *email != user.Email {
		var count int64
		res := s.db.Model(&db.User{}).Where("email = ? AND id <> ?", *email, id).Count(&count)
		if res.Error != nil {
			return nil, errors.Wrap(res.Error, "check existing email")
		}
		if count > 0 {
			return nil, ErrUserExists
		}
		user.Email = *email
	}
	if name != nil {
		user.Name = *name
	}
	if pass != nil {
		hash, err := s.bcryptGen(*pass)
		if err != nil {
			return nil, errors.Wrap(err, "bcryptGen")
		}
		user.Password = hash
	}

	res := s.db.Save(user)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "update user")
	}
	return user, nil
}

// UserDelete removes the account and everything it owns: media objects are
// deleted best-effort first, then notes, tokens and the user row go in one
// transaction.
func (s *General) UserDelete(ctx context.Context, id uint64) error {
	if _, err := s.UserGet(id); err != nil {
		return err
	}

	notes := make([]db.Note, 0)
	res := s.db.Where("user_id = ?", id).Find(&notes)
	if res.Error != nil {
		return errors.Wrap(res.Error, "list notes for cascade")
	}

	for i := range notes {
		s.removeNoteMedia(ctx, &notes[i])
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if res := tx.Where("user_id = ?", id).Delete(&db.Note{}); res.Error != nil {
			return res.Error
		}
		if res := tx.Where("user_id = ?", id).Delete(&db.Token{}); res.Error != nil {
			return res.Error
		}
		return tx.Delete(&db.User{}, id).Error
	})
}

func (s *General) removeNoteMedia(ctx context.Context, note *db.Note) {
	for _, img := range note.Images {
		_ = s.store.Remove(ctx, img.Key)
	}
	if note.AudioKey != "" {
		_ = s.store.Remove(ctx, note.AudioKey)
	}
}

func (s *General) issueToken(userID uint64) (string, error) {
	token, expiresAt, err := s.tokens.Issue(userID)
	if err != nil {
		return "", errors.Wrap(err, "issue token")
	}

	res := s.db.Create(&db.Token{
		Value:     token,
		ExpiresAt: expiresAt,
		UserID:    userID,
	})
	if res.Error != nil {
		return "", errors.Wrap(res.Error, "store token")
	}
	return token, nil
}

func (s *General) bcryptGen(pass string) (string, error) {
	passwordHashB, err := bcrypt.GenerateFromPassword([]byte(pass), 14)
	if err != nil {
		return "", errors.Wrap(err, "generate password hash")
	}
	return string(passwordHashB), nil
}

func (s *General) bcryptCheck(hash, pass string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass))
}
