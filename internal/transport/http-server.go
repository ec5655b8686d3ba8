package transport

import (
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/quillnote-app/quillnote-back/internal/config"
	"github.com/quillnote-app/quillnote-back/internal/db"
	"github.com/quillnote-app/quillnote-back/internal/service"
)

const maxUploadBytes = 10 << 20 // per file, matches the client-side limit

// Stable error kinds clients can branch on, independent of the human-readable
// message.
const (
	KindValidation    = "validation"
	KindConflict      = "conflict"
	KindUnauthorized  = "unauthorized"
	KindForbidden     = "forbidden"
	KindNotFound      = "not_found"
	KindLimitExceeded = "limit_exceeded"
	KindUploadFailed  = "upload_failed"
	KindInternal      = "internal"
)

type (
	SignupReq struct {
		Name     string `json:"name" validate:"required,min=2"`
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required,min=6"`
	}

	LoginReq struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}

	UserUpdateReq struct {
		Name     *string `json:"name" validate:"omitempty,min=2"`
		Email    *string `json:"email" validate:"omitempty,email"`
		Password *string `json:"password" validate:"omitempty,min=6"`
	}

	UserResp struct {
		ID    uint64 `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}

	NoteResp struct {
		ID        uint64    `json:"id"`
		Title     string    `json:"title"`
		Content   string    `json:"content"`
		Images    []string  `json:"images"`
		Audio     string    `json:"audio,omitempty"`
		Favorite  bool      `json:"favorite"`
		Timestamp time.Time `json:"timestamp"`
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	Envelope struct {
		Success   bool        `json:"success"`
		Message   string      `json:"message,omitempty"`
		ErrorKind string      `json:"errorKind,omitempty"`
		Details   interface{} `json:"details,omitempty"`
		User      *UserResp   `json:"user,omitempty"`
		Token     string      `json:"token,omitempty"`
		Note      *NoteResp   `json:"note,omitempty"`
		Notes     []NoteResp  `json:"notes,omitempty"`
	}

	CustomValidator struct {
		validator *validator.Validate
	}

	HTTPServer struct {
		general *service.General
		notes   *service.Notes
		logger  *zap.SugaredLogger
	}
)

func NewHTTPServer(lc fx.Lifecycle, cfg *config.Config, general *service.General, notes *service.Notes, logger *zap.SugaredLogger) *HTTPServer {
	instance := HTTPServer{
		general: general,
		notes:   notes,
		logger:  logger,
	}

	e := instance.buildEcho()

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				listen := cfg.Host + ":" + cfg.Port
				if err := e.Start(listen); err != nil && err != http.ErrServerClosed {
					e.Logger.Fatal("shutting down the server")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Stopping HTTP server.")
			return e.Shutdown(ctx)
		},
	})

	return &instance
}

func (s *HTTPServer) buildEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	logger := s.logger

	authG := e.Group("/api/auth")
	authG.POST("/signup", s.Signup)
	authG.POST("/login", s.Login)

	userG := e.Group("/user")
	userG.GET("/me", s.UserGet)
	userG.PUT("/me", s.UserUpdate)
	userG.DELETE("/me", s.UserDelete)

	noteG := e.Group("/notes")
	noteG.POST("/upload", s.NoteCreate)
	noteG.GET("/get", s.NoteList)
	noteG.PATCH("/update/:noteId", s.NoteUpdate)
	noteG.DELETE("/delete-note/:id", s.NoteDelete)
	noteG.POST("/fav/:noteId", s.NoteFavorite)

	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })

	e.Use(middleware.CORS())
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyDumpWithConfig(middleware.BodyDumpConfig{
		Skipper: func(c echo.Context) bool {
			return !strings.HasPrefix(c.Path(), "/api/auth")
		},
		Handler: func(c echo.Context, reqBody, _ []byte) {
			logger.Debugw("auth request", "path", c.Path(), "body", string(censorBody(reqBody)))
		},
	}))

	e.Use(s.AuthMiddleware)

	e.Validator = &CustomValidator{validator: validator.New()}

	echo.NotFoundHandler = func(c echo.Context) error {
		return c.NoContent(http.StatusNotFound)
	}

	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		he, ok := err.(*echo.HTTPError)
		if !ok {
			logger.Errorw("unhandled error", "path", c.Path(), "error", err)
			_ = c.JSON(http.StatusInternalServerError, &Envelope{
				Success:   false,
				Message:   "internal server error",
				ErrorKind: KindInternal,
			})
			return
		}
		if env, ok := he.Message.(*Envelope); ok {
			_ = c.JSON(he.Code, env)
			return
		}
		env := Envelope{Success: false, ErrorKind: KindInternal}
		if msg, ok := he.Message.(string); ok {
			env.Message = msg
		}
		switch he.Code {
		case http.StatusBadRequest:
			env.ErrorKind = KindValidation
		case http.StatusUnauthorized:
			env.ErrorKind = KindUnauthorized
		case http.StatusForbidden:
			env.ErrorKind = KindForbidden
		case http.StatusNotFound:
			env.ErrorKind = KindNotFound
		}
		_ = c.JSON(he.Code, &env)
	}

	return e
}

func (s *HTTPServer) Signup(c echo.Context) error {
	req := SignupReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	user, token, err := s.general.Signup(req.Name, req.Email, req.Password)
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(http.StatusCreated, &Envelope{
		Success: true,
		User:    userResp(user),
		Token:   token,
	})
}

func (s *HTTPServer) Login(c echo.Context) error {
	req := LoginReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	token, err := s.general.Login(req.Email, req.Password)
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(http.StatusOK, &Envelope{
		Success: true,
		Token:   token,
	})
}

func (s *HTTPServer) UserGet(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, &Envelope{
		Success: true,
		User:    userResp(user),
	})
}

func (s *HTTPServer) UserUpdate(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	req := UserUpdateReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	updated, err := s.general.UserUpdate(user.ID, req.Name, req.Email, req.Password)
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(http.StatusOK, &Envelope{
		Success: true,
		Message: "user updated",
		User:    userResp(updated),
	})
}

func (s *HTTPServer) UserDelete(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	if err := s.general.UserDelete(c.Request().Context(), user.ID); err != nil {
		return s.fail(c, err)
	}

	return c.JSON(http.StatusOK, &Envelope{
		Success: true,
		Message: "user deleted",
	})
}

func (s *HTTPServer) NoteCreate(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	form, err := c.MultipartForm()
	if err != nil {
		return s.badRequest(c, KindValidation, "expected multipart form", nil)
	}

	title := formValue(form, "title")
	content := formValue(form, "content")
	if title == "" || content == "" || len(title) > 100 {
		return s.badRequest(c, KindValidation, "title (max 100 chars) and content are required", nil)
	}

	timestamp, err := parseTimestamp(formValue(form, "timestamp"))
	if err != nil {
		return s.badRequest(c, KindValidation, "unparsable timestamp", nil)
	}

	imageHeaders := form.File["images"]
	if len(imageHeaders) > service.MaxNoteImages {
		return s.badRequest(c, KindLimitExceeded, "a note can hold at most 5 images", nil)
	}

	in := service.NoteCreateInput{
		Title:     title,
		Content:   content,
		Timestamp: timestamp,
	}

	if audioHeaders := form.File["audioBlob"]; len(audioHeaders) > 0 {
		audio, closeFn, err := openUpload(audioHeaders[0])
		if err != nil {
			return s.badRequest(c, KindValidation, err.Error(), nil)
		}
		defer closeFn()
		in.Audio = audio
	}

	images, closeFn, err := openUploads(imageHeaders)
	if err != nil {
		return s.badRequest(c, KindValidation, err.Error(), nil)
	}
	defer closeFn()
	in.Images = images

	note, err := s.notes.NoteCreate(c.Request().Context(), user.ID, in)
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(http.StatusCreated, &Envelope{
		Success: true,
		Note:    noteResp(note),
	})
}

func (s *HTTPServer) NoteList(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	notes, err := s.notes.NoteList(user.ID)
	if err != nil {
		return s.fail(c, err)
	}

	resp := make([]NoteResp, len(notes))
	for i := range notes {
		resp[i] = *noteResp(&notes[i])
	}
	return c.JSON(http.StatusOK, &Envelope{
		Success: true,
		Notes:   resp,
	})
}

func (s *HTTPServer) NoteUpdate(c echo.Context) error {
	noteID, err := GetAndParseParam(c, "noteId")
	if err != nil {
		return err
	}
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	form, err := c.MultipartForm()
	if err != nil {
		return s.badRequest(c, KindValidation, "expected multipart form", nil)
	}

	in := service.NoteUpdateInput{}

	if title := formValue(form, "title"); title != "" {
		if len(title) > 100 {
			return s.badRequest(c, KindValidation, "title cannot be more than 100 characters", nil)
		}
		in.Title = &title
	}
	if content := formValue(form, "content"); content != "" {
		in.Content = &content
	}
	if raw := formValue(form, "timestamp"); raw != "" {
		timestamp, err := parseTimestamp(raw)
		if err != nil {
			return s.badRequest(c, KindValidation, "unparsable timestamp", nil)
		}
		in.Timestamp = &timestamp
	}

	if raw := formValue(form, "imagesToRemove"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &in.ImagesToRemove); err != nil {
			return s.badRequest(c, KindValidation, "imagesToRemove must be a JSON array of URLs", nil)
		}
	}

	imageHeaders := form.File["images"]
	if len(imageHeaders) > service.MaxNoteImages {
		return s.badRequest(c, KindLimitExceeded, "a note can hold at most 5 images", nil)
	}

	images, closeFn, err := openUploads(imageHeaders)
	if err != nil {
		return s.badRequest(c, KindValidation, err.Error(), nil)
	}
	defer closeFn()
	in.NewImages = images

	note, err := s.notes.NoteUpdate(c.Request().Context(), user.ID, noteID, in)
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(http.StatusOK, &Envelope{
		Success: true,
		Note:    noteResp(note),
	})
}

func (s *HTTPServer) NoteDelete(c echo.Context) error {
	noteID, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	if err := s.notes.NoteDelete(c.Request().Context(), user.ID, noteID); err != nil {
		return s.fail(c, err)
	}

	return c.JSON(http.StatusOK, &Envelope{
		Success: true,
		Message: "note deleted",
	})
}

func (s *HTTPServer) NoteFavorite(c echo.Context) error {
	noteID, err := GetAndParseParam(c, "noteId")
	if err != nil {
		return err
	}
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	note, err := s.notes.NoteFavorite(user.ID, noteID)
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(http.StatusOK, &Envelope{
		Success: true,
		Note:    noteResp(note),
	})
}

// AuthMiddleware rejects requests without a valid bearer token before any
// note or user query runs. The token must verify and still be present in the
// user's stored token list.
func (s *HTTPServer) AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Path() == "/api/auth/signup" || c.Path() == "/api/auth/login" || c.Path() == "/ping" {
			return next(c)
		}

		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			return c.JSON(http.StatusUnauthorized, &Envelope{
				Success:   false,
				Message:   "authorization header missing or invalid",
				ErrorKind: KindUnauthorized,
			})
		}

		token := strings.TrimPrefix(header, "Bearer ")
		user, err := s.general.Authenticate(token)
		if err != nil {
			if !errors.Is(err, service.ErrTokenInvalid) {
				s.logger.Errorw("authenticate failed", "error", err)
			}
			return c.JSON(http.StatusUnauthorized, &Envelope{
				Success:   false,
				Message:   "invalid or expired token",
				ErrorKind: KindUnauthorized,
			})
		}

		c.Set("user", user)
		return next(c)
	}
}

// fail maps service errors to a status code and stable error kind. Anything
// unrecognized degrades to a bare 500 without leaking internals.
func (s *HTTPServer) fail(c echo.Context, err error) error {
	var (
		status int
		kind   string
		msg    string
	)

	switch {
	case errors.Is(err, service.ErrUserExists):
		status, kind, msg = http.StatusBadRequest, KindConflict, "email already registered"
	case errors.Is(err, service.ErrLoginUserNotFound):
		status, kind, msg = http.StatusNotFound, KindNotFound, "user not found"
	case errors.Is(err, service.ErrLoginPasswordDoesNotMatch):
		status, kind, msg = http.StatusUnauthorized, KindUnauthorized, "invalid password"
	case errors.Is(err, service.ErrUserNotFound):
		status, kind, msg = http.StatusNotFound, KindNotFound, "user not found"
	case errors.Is(err, service.ErrNoteNotFound):
		status, kind, msg = http.StatusNotFound, KindNotFound, "note not found"
	case errors.Is(err, service.ErrNoteNotOwned):
		status, kind, msg = http.StatusForbidden, KindForbidden, "note belongs to another user"
	case errors.Is(err, service.ErrImageLimit):
		status, kind, msg = http.StatusBadRequest, KindLimitExceeded, "a note can hold at most 5 images"
	case errors.Is(err, service.ErrUploadFailed):
		status, kind, msg = http.StatusInternalServerError, KindUploadFailed, "failed to store media"
	default:
		s.logger.Errorw("request failed", "path", c.Path(), "error", err)
		status, kind, msg = http.StatusInternalServerError, KindInternal, "internal server error"
	}

	return c.JSON(status, &Envelope{
		Success:   false,
		Message:   msg,
		ErrorKind: kind,
	})
}

func (s *HTTPServer) badRequest(c echo.Context, kind, msg string, details interface{}) error {
	return c.JSON(http.StatusBadRequest, &Envelope{
		Success:   false,
		Message:   msg,
		ErrorKind: kind,
		Details:   details,
	})
}

////////

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			details := make([]string, len(fieldErrs))
			for i, fe := range fieldErrs {
				details[i] = fe.Field() + " failed on " + fe.Tag()
			}
			return echo.NewHTTPError(http.StatusBadRequest, &Envelope{
				Success:   false,
				Message:   "validation failed",
				ErrorKind: KindValidation,
				Details:   details,
			})
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func BindAndValidate(c echo.Context, v interface{}) error {
	var err error
	if err = c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err = c.Validate(v); err != nil {
		return err
	}
	return nil
}

func GetUserFromContext(c echo.Context) (*db.User, error) {
	user, _ := c.Get("user").(*db.User)
	if user == nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "no user found in context")
	}
	return user, nil
}

func GetParam(c echo.Context, name string) (string, error) {
	value := c.Param(name)
	if value == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid path param '"+name+"'")
	}
	return value, nil
}

func GetAndParseParam(c echo.Context, name string) (uint64, error) {
	v, e := GetParam(c, name)
	if e != nil {
		return 0, e
	}
	vv, e := strconv.ParseUint(v, 10, 64)
	if e != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid path param '"+name+"'")
	}
	return vv, nil
}

func userResp(u *db.User) *UserResp {
	return &UserResp{
		ID:    u.ID,
		Name:  u.Name,
		Email: u.Email,
	}
}

func noteResp(n *db.Note) *NoteResp {
	return &NoteResp{
		ID:        n.ID,
		Title:     n.Title,
		Content:   n.Content,
		Images:    n.Images.URLs(),
		Audio:     n.AudioURL,
		Favorite:  n.Favorite,
		Timestamp: n.Timestamp,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
}

func formValue(form *multipart.Form, name string) string {
	if vals := form.Value[name]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// parseTimestamp accepts the two formats the web client has historically sent:
// RFC3339 and unix milliseconds. An absent value means "now".
func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, errors.Errorf("unparsable timestamp: %s", raw)
	}
	return time.UnixMilli(millis), nil
}

func openUpload(header *multipart.FileHeader) (*service.Upload, func(), error) {
	if header.Size > maxUploadBytes {
		return nil, nil, errors.Errorf("file %q exceeds the 10MB limit", header.Filename)
	}
	f, err := header.Open()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open upload %q", header.Filename)
	}
	return &service.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Reader:      f,
	}, func() { f.Close() }, nil
}

func openUploads(headers []*multipart.FileHeader) ([]service.Upload, func(), error) {
	uploads := make([]service.Upload, 0, len(headers))
	closers := make([]func(), 0, len(headers))
	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}

	for _, header := range headers {
		u, closeFn, err := openUpload(header)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		uploads = append(uploads, *u)
		closers = append(closers, closeFn)
	}

	return uploads, closeAll, nil
}

// censorBody blanks the password field of a JSON request body before it is
// logged.
func censorBody(body []byte) []byte {
	parsed := map[string]interface{}{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body
	}
	if _, ok := parsed["password"]; !ok {
		return body
	}
	parsed["password"] = "$censored"
	censored, err := json.Marshal(parsed)
	if err != nil {
		return body
	}
	return censored
}
