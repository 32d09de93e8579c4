package main

import (
	"log/slog"
	"os"

	"github.com/canlink/can-gateway/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "can-gateway")
	logging.Set(l)
	return l
}
