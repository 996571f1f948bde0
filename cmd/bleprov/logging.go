package main

import (
	"io"
	"log/slog"

	"github.com/chaz8081/bleprov/internal/config"
)

// configureLogger installs a text handler at the configured level as the
// default slog logger.
func configureLogger(w io.Writer, cfg *config.Config) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: cfg.ParseLogLevel()})
	slog.SetDefault(slog.New(handler))
}
