package config

import (
	"go.uber.org/zap"
)

// Logger builds the process logger. Development mode switches to the
// console encoder with caller and stack traces on warnings.
func (l LogConfig) Logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}
