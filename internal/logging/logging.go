// Package logging builds the process-wide zap logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production or development zap logger depending on env.
func New(env string) (*zap.Logger, error) {
	var cfg zap.Config
	if env == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger, nil
}

// Must panics on construction failure; used only at process start.
func Must(env string) *zap.Logger {
	l, err := New(env)
	if err != nil {
		// Logging isn't up yet; stderr is the only channel left.
		os.Stderr.WriteString("failed to initialize logger: " + err.Error() + "\n")
		panic(err)
	}
	return l
}

// Tenant returns a child logger pre-tagged with the tenant id, for
// per-call field attachment.
func Tenant(l *zap.Logger, tenantID string) *zap.Logger {
	return l.With(zap.String("tenant_id", tenantID))
}
