package es

import "log/slog"

type (
	valueOption[T any] struct{ v T }
	LogOption          struct{ l *slog.Logger }
)

func WithLog(l *slog.Logger) LogOption { return LogOption{l: l} }
