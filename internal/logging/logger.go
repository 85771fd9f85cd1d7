package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

type Logger struct {
	*zap.Logger
}

// NewLogger builds a production logger at level. Output goes to stderr so
// stdout stays free for the stdio transport.
func NewLogger(level string) (*Logger, error) {
	return build(zap.NewProductionConfig(), level)
}

// NewDevelopmentLogger is the console-encoded variant used by the CLI.
func NewDevelopmentLogger(level string) (*Logger, error) {
	return build(zap.NewDevelopmentConfig(), level)
}

func build(config zap.Config, level string) (*Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{logger}, nil
}

func Nop() *Logger {
	return &Logger{zap.NewNop()}
}

func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

func (l *Logger) WithRequestID(ctx context.Context) *zap.Logger {
	if reqID, ok := RequestIDFromContext(ctx); ok {
		return l.With(zap.String("request_id", reqID))
	}
	return l.Logger
}

func (l *Logger) Named(name string) *Logger {
	return &Logger{l.Logger.Named(name)}
}
