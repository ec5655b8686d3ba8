package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quillnote-app/quillnote-back/internal/auth"
	"github.com/quillnote-app/quillnote-back/internal/config"
	"github.com/quillnote-app/quillnote-back/internal/db"
	"github.com/quillnote-app/quillnote-back/internal/service"
)

func TestCensorBody(t *testing.T) {
	b := `{
		"email": "email@email.com",
		"password": "123456789123"
	}`

	got := censorBody([]byte(b))
	assert.JSONEq(t, `{
		"email": "email@email.com",
		"password": "$censored"
	}`, string(got))
}

func TestCensorBodyPassthrough(t *testing.T) {
	t.Run("not json", func(t *testing.T) {
		b := []byte("--boundary\r\nnot json")
		assert.Equal(t, b, censorBody(b))
	})

	t.Run("no password field", func(t *testing.T) {
		b := []byte(`{"email": "a@b.c"}`)
		assert.Equal(t, b, censorBody(b))
	})
}

func TestParseTimestamp(t *testing.T) {
	t.Run("rfc3339", func(t *testing.T) {
		got, err := parseTimestamp("2025-06-01T10:30:00Z")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC), got.UTC())
	})

	t.Run("unix millis", func(t *testing.T) {
		got, err := parseTimestamp("1748773800000")
		require.NoError(t, err)
		assert.Equal(t, int64(1748773800000), got.UnixMilli())
	})

	t.Run("empty means now", func(t *testing.T) {
		got, err := parseTimestamp("")
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), got, time.Second)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := parseTimestamp("yesterday")
		assert.Error(t, err)
	})
}

type stubStore struct {
	mu       sync.Mutex
	removals []string
}

func (f *stubStore) UploadImage(_ context.Context, filename, _ string, _ io.Reader, _ int64) (string, string, error) {
	key := "images/" + filename
	return "http://store.local/media/" + key, key, nil
}

func (f *stubStore) UploadAudio(_ context.Context, filename, _ string, _ io.Reader, _ int64) (string, string, error) {
	key := "audio/" + filename
	return "http://store.local/media/" + key, key, nil
}

func (f *stubStore) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removals = append(f.removals, key)
	return nil
}

func newTestServer(t *testing.T) (*echo.Echo, *gorm.DB, *stubStore) {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&db.User{}, &db.Token{}, &db.Note{}))

	store := &stubStore{}
	log := zap.NewNop().Sugar()
	tokens := auth.NewTokenManager(&config.Config{JWTSecret: "test-secret"})
	general := service.NewGeneral(conn, tokens, store, log)
	notes := service.NewNotes(conn, store, log)

	instance := &HTTPServer{
		general: general,
		notes:   notes,
		logger:  log,
	}
	return instance.buildEcho(), conn, store
}

func doJSON(e *echo.Echo, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	env := Envelope{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func signupUser(t *testing.T, e *echo.Echo, email string) string {
	t.Helper()
	rec := doJSON(e, http.MethodPost, "/api/auth/signup", "",
		fmt.Sprintf(`{"name": "Tester", "email": %q, "password": "secret123"}`, email))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	env := decodeEnvelope(t, rec)
	require.NotEmpty(t, env.Token)
	return env.Token
}

type filePart struct {
	field, name, contentType, data string
}

func doMultipart(t *testing.T, e *echo.Echo, method, path, token string, fields map[string]string, files []filePart) *httptest.ResponseRecorder {
	t.Helper()

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for _, f := range files {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.field, f.name))
		h.Set("Content-Type", f.contentType)
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write([]byte(f.data))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(method, path, body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSignupEndpoint(t *testing.T) {
	e, _, _ := newTestServer(t)

	t.Run("valid signup", func(t *testing.T) {
		rec := doJSON(e, http.MethodPost, "/api/auth/signup", "",
			`{"name": "Tester", "email": "a@b.com", "password": "secret123"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
		env := decodeEnvelope(t, rec)
		assert.True(t, env.Success)
		assert.NotEmpty(t, env.Token)
		require.NotNil(t, env.User)
		assert.Equal(t, "a@b.com", env.User.Email)
	})

	t.Run("field-level validation problems", func(t *testing.T) {
		rec := doJSON(e, http.MethodPost, "/api/auth/signup", "",
			`{"name": "T", "email": "not-an-email", "password": "123"}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		env := decodeEnvelope(t, rec)
		assert.False(t, env.Success)
		assert.Equal(t, KindValidation, env.ErrorKind)
		assert.NotNil(t, env.Details)
	})

	t.Run("duplicate email", func(t *testing.T) {
		rec := doJSON(e, http.MethodPost, "/api/auth/signup", "",
			`{"name": "Tester", "email": "a@b.com", "password": "secret123"}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, KindConflict, decodeEnvelope(t, rec).ErrorKind)
	})
}

func TestLoginEndpoint(t *testing.T) {
	e, _, _ := newTestServer(t)
	signupUser(t, e, "login@b.com")

	t.Run("ok", func(t *testing.T) {
		rec := doJSON(e, http.MethodPost, "/api/auth/login", "",
			`{"email": "login@b.com", "password": "secret123"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, decodeEnvelope(t, rec).Token)
	})

	t.Run("wrong password", func(t *testing.T) {
		rec := doJSON(e, http.MethodPost, "/api/auth/login", "",
			`{"email": "login@b.com", "password": "wrong-pass"}`)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, KindUnauthorized, decodeEnvelope(t, rec).ErrorKind)
	})

	t.Run("unknown email", func(t *testing.T) {
		rec := doJSON(e, http.MethodPost, "/api/auth/login", "",
			`{"email": "nobody@b.com", "password": "secret123"}`)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAuthRequired(t *testing.T) {
	e, _, _ := newTestServer(t)

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/notes/get"},
		{http.MethodPost, "/notes/upload"},
		{http.MethodGet, "/user/me"},
		{http.MethodDelete, "/user/me"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := doJSON(e, tc.method, tc.path, "", "")
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, KindUnauthorized, decodeEnvelope(t, rec).ErrorKind)
		})
	}

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/notes/get", nil)
		req.Header.Set(echo.HeaderAuthorization, "Token abc")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestNoteFlow(t *testing.T) {
	e, _, store := newTestServer(t)
	token := signupUser(t, e, "notes@b.com")

	// create with two images
	rec := doMultipart(t, e, http.MethodPost, "/notes/upload", token,
		map[string]string{"title": "Trip", "content": "<p>hi</p>", "timestamp": "2025-06-01T10:30:00Z"},
		[]filePart{
			{"images", "a.png", "image/png", "aaa"},
			{"images", "b.png", "image/png", "bbb"},
		})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeEnvelope(t, rec)
	require.NotNil(t, created.Note)
	require.Equal(t, []string{
		"http://store.local/media/images/a.png",
		"http://store.local/media/images/b.png",
	}, created.Note.Images)

	// update: remove A, add C
	rec = doMultipart(t, e, http.MethodPatch, fmt.Sprintf("/notes/update/%d", created.Note.ID), token,
		map[string]string{"imagesToRemove": `["http://store.local/media/images/a.png"]`},
		[]filePart{{"images", "c.png", "image/png", "ccc"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeEnvelope(t, rec)
	require.NotNil(t, updated.Note)
	assert.Equal(t, []string{
		"http://store.local/media/images/b.png",
		"http://store.local/media/images/c.png",
	}, updated.Note.Images)
	assert.Equal(t, "Trip", updated.Note.Title)
	assert.Equal(t, []string{"images/a.png"}, store.removals)

	// another user cannot update it
	otherToken := signupUser(t, e, "other@b.com")
	rec = doMultipart(t, e, http.MethodPatch, fmt.Sprintf("/notes/update/%d", created.Note.ID), otherToken,
		map[string]string{"title": "stolen"}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, KindForbidden, decodeEnvelope(t, rec).ErrorKind)

	// favorite toggle
	rec = doJSON(e, http.MethodPost, fmt.Sprintf("/notes/fav/%d", created.Note.ID), token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeEnvelope(t, rec).Note.Favorite)

	// list
	rec = doJSON(e, http.MethodGet, "/notes/get", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeEnvelope(t, rec)
	require.Len(t, list.Notes, 1)

	// structurally invalid id
	rec = doJSON(e, http.MethodDelete, "/notes/delete-note/not-a-number", token, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// delete
	rec = doJSON(e, http.MethodDelete, fmt.Sprintf("/notes/delete-note/%d", created.Note.ID), token, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(e, http.MethodDelete, fmt.Sprintf("/notes/delete-note/%d", created.Note.ID), token, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNoteUploadLimit(t *testing.T) {
	e, _, _ := newTestServer(t)
	token := signupUser(t, e, "limit@b.com")

	files := make([]filePart, 6)
	for i := range files {
		files[i] = filePart{"images", fmt.Sprintf("%d.png", i), "image/png", "x"}
	}
	rec := doMultipart(t, e, http.MethodPost, "/notes/upload", token,
		map[string]string{"title": "t", "content": "c"}, files)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, KindLimitExceeded, decodeEnvelope(t, rec).ErrorKind)
}

func TestUserEndpoints(t *testing.T) {
	e, conn, _ := newTestServer(t)
	token := signupUser(t, e, "me@b.com")

	t.Run("get me", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet, "/user/me", token, "")
		require.Equal(t, http.StatusOK, rec.Code)
		env := decodeEnvelope(t, rec)
		require.NotNil(t, env.User)
		assert.Equal(t, "me@b.com", env.User.Email)
	})

	t.Run("update me", func(t *testing.T) {
		rec := doJSON(e, http.MethodPut, "/user/me", token, `{"name": "Renamed"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Renamed", decodeEnvelope(t, rec).User.Name)
	})

	t.Run("update validation", func(t *testing.T) {
		rec := doJSON(e, http.MethodPut, "/user/me", token, `{"email": "nope"}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("delete me cascades and revokes", func(t *testing.T) {
		rec := doJSON(e, http.MethodDelete, "/user/me", token, "")
		require.Equal(t, http.StatusOK, rec.Code)

		var users int64
		require.NoError(t, conn.Model(&db.User{}).Count(&users).Error)
		assert.Zero(t, users)

		rec = doJSON(e, http.MethodGet, "/user/me", token, "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
