package logger

import (
	"github.com/Domenick1991/tripsaga/config"
	"github.com/Domenick1991/tripsaga/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger: JSON in production, colored console output
// in development.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = level
	}
	return zc.Build()
}

// Booking returns the fields every saga log line carries.
func Booking(b *domain.Booking) []zap.Field {
	return []zap.Field{
		zap.String("booking_id", b.ID.String()),
		zap.String("saga_id", b.SagaID.String()),
		zap.String("status", string(b.Status)),
		zap.Int64("version", b.Version),
	}
}
