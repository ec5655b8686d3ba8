package main

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/quillnote-app/quillnote-back/internal/auth"
	"github.com/quillnote-app/quillnote-back/internal/config"
	"github.com/quillnote-app/quillnote-back/internal/db"
	"github.com/quillnote-app/quillnote-back/internal/media"
	"github.com/quillnote-app/quillnote-back/internal/service"
	"github.com/quillnote-app/quillnote-back/internal/transport"
)

func main() {
	app := fx.New(
		fx.Provide(
			newLogger,
			config.NewConfig,
			db.NewGormClient,
			auth.NewTokenManager,
			media.NewMinioClient,
			media.NewStore,
			func(store *media.Store) service.ObjectStore { return store },
			service.NewGeneral,
			service.NewNotes,
			transport.NewHTTPServer,
		),
		fx.Invoke(func(server *transport.HTTPServer) {}),
	)

	app.Run()
}

func newLogger() (*zap.SugaredLogger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
