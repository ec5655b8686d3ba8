package service

import (
	"context"
	"io"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/quillnote-app/quillnote-back/internal/db"
)

// MaxNoteImages caps the image list of a single note.
const MaxNoteImages = 5

var (
	ErrNoteNotFound = errors.New("note not found")
	ErrNoteNotOwned = errors.New("note belongs to another user")
	ErrImageLimit   = errors.New("image limit exceeded")
	ErrUploadFailed = errors.New("media upload failed")
)

type (
	// Upload is one binary part of a multipart submission.
	Upload struct {
		Filename    string
		ContentType string
		Size        int64
		Reader      io.Reader
	}

	NoteCreateInput struct {
		Title     string
		Content   string
		Timestamp time.Time
		Audio     *Upload
		Images    []Upload
	}

	NoteUpdateInput struct {
		Title          *string
		Content        *string
		Timestamp      *time.Time
		ImagesToRemove []string
		NewImages      []Upload
	}

	Notes struct {
		db     *gorm.DB
		store  ObjectStore
		logger *zap.SugaredLogger
	}
)

func NewNotes(db *gorm.DB, store ObjectStore, l *zap.SugaredLogger) *Notes {
	return &Notes{
		db:     db,
		store:  store,
		logger: l,
	}
}

// NoteCreate uploads the media parts and persists the record. Any upload
// failure aborts the whole creation so a note never references an object that
// was not stored.
func (s *Notes) NoteCreate(ctx context.Context, userID uint64, in NoteCreateInput) (*db.Note, error) {
	if len(in.Images) > MaxNoteImages {
		return nil, ErrImageLimit
	}

	note := db.Note{
		Title:     in.Title,
		Content:   in.Content,
		Timestamp: in.Timestamp,
		Images:    db.MediaList{},
		UserID:    userID,
	}

	if in.Audio != nil {
		url, key, err := s.store.UploadAudio(ctx, in.Audio.Filename, in.Audio.ContentType, in.Audio.Reader, in.Audio.Size)
		if err != nil {
			s.logger.Errorw("audio upload failed", "error", err)
			return nil, errors.Wrap(ErrUploadFailed, err.Error())
		}
		note.AudioURL = url
		note.AudioKey = key
	}

	images, err := s.uploadImages(ctx, in.Images)
	if err != nil {
		return nil, err
	}
	note.Images = images

	res := s.db.Create(&note)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "create note")
	}
	return &note, nil
}

func (s *Notes) NoteList(userID uint64) ([]db.Note, error) {
	sql, args, err := squirrel.
		Select("*").From("notes").
		Where(squirrel.Eq{"user_id": userID}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "build sql")
	}

	notes := make([]db.Note, 0)
	res := s.db.Raw(sql, args...).Scan(&notes)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "scan")
	}

	return notes, nil
}

// NoteUpdate reconciles the stored media set with the client's declared
// intent: declared removals are deleted from storage best-effort, new files
// are uploaded, and the surviving originals keep their position ahead of the
// newly added images. The limit is checked before any side effect so a
// rejected request leaves the note untouched.
func (s *Notes) NoteUpdate(ctx context.Context, userID, noteID uint64, in NoteUpdateInput) (*db.Note, error) {
	note := db.Note{}
	res := s.db.First(&note, noteID)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return nil, ErrNoteNotFound
		}
		return nil, res.Error
	}
	if note.UserID != userID {
		return nil, ErrNoteNotOwned
	}

	removeSet := make(map[string]bool, len(in.ImagesToRemove))
	for _, url := range in.ImagesToRemove {
		removeSet[url] = true
	}

	remaining := make(db.MediaList, 0, len(note.Images))
	removed := make(db.MediaList, 0, len(in.ImagesToRemove))
	for _, img := range note.Images {
		if removeSet[img.URL] {
			removed = append(removed, img)
		} else {
			remaining = append(remaining, img)
		}
	}

	if len(remaining)+len(in.NewImages) > MaxNoteImages {
		return nil, ErrImageLimit
	}

	// Exactly one removal attempt per declared URL; failures leave orphans
	// behind but never fail the request.
	for _, img := range removed {
		_ = s.store.Remove(ctx, img.Key)
	}

	added, err := s.uploadImages(ctx, in.NewImages)
	if err != nil {
		return nil, err
	}

	note.Images = append(remaining, added...)
	if in.Title != nil {
		note.Title = *in.Title
	}
	if in.Content != nil {
		note.Content = *in.Content
	}
	if in.Timestamp != nil {
		note.Timestamp = *in.Timestamp
	}

	res = s.db.Save(&note)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "update note")
	}
	return &note, nil
}

// NoteDelete removes the record and its storage objects. Lookup is scoped to
// the owner, so a foreign note id reads as not found.
func (s *Notes) NoteDelete(ctx context.Context, userID, noteID uint64) error {
	note := db.Note{}
	res := s.db.Where("user_id = ?", userID).First(&note, noteID)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return ErrNoteNotFound
		}
		return res.Error
	}

	for _, img := range note.Images {
		_ = s.store.Remove(ctx, img.Key)
	}
	if note.AudioKey != "" {
		_ = s.store.Remove(ctx, note.AudioKey)
	}

	res = s.db.Delete(&db.Note{}, note.ID)
	if res.Error != nil {
		return errors.Wrap(res.Error, "delete note")
	}
	return nil
}

// NoteFavorite flips the favorite flag. Applying it twice restores the
// original value.
func (s *Notes) NoteFavorite(userID, noteID uint64) (*db.Note, error) {
	note := db.Note{}
	res := s.db.Where("user_id = ?", userID).First(&note, noteID)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return nil, ErrNoteNotFound
		}
		return nil, res.Error
	}

	note.Favorite = !note.Favorite
	res = s.db.Model(&note).Update("favorite", note.Favorite)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "toggle favorite")
	}
	return &note, nil
}

// uploadImages pushes all files concurrently. The result list preserves
// submission order regardless of completion order; the first failure cancels
// the group and aborts the request.
func (s *Notes) uploadImages(ctx context.Context, uploads []Upload) (db.MediaList, error) {
	images := make(db.MediaList, len(uploads))

	g, gctx := errgroup.WithContext(ctx)
	for i := range uploads {
		i := i
		g.Go(func() error {
			u := uploads[i]
			url, key, err := s.store.UploadImage(gctx, u.Filename, u.ContentType, u.Reader, u.Size)
			if err != nil {
				return errors.Wrapf(err, "upload image %q", u.Filename)
			}
			images[i] = db.MediaObject{URL: url, Key: key}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Errorw("image upload failed", "error", err)
		return nil, errors.Wrap(ErrUploadFailed, err.Error())
	}

	return images, nil
}
