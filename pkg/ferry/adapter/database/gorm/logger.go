package gorm

import (
	"fmt"
	"strings"
	"time"

	gorm_logger "gorm.io/gorm/logger"

	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

// newGormLogger routes GORM's own logging through the application logger at
// warn level, so slow queries and errors surface without duplicating every
// statement into the log.
func newGormLogger() gorm_logger.Interface {
	return gorm_logger.New(
		&gormWriter{},
		gorm_logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gorm_logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// gormWriter redirects GORM log output to the application logger.
type gormWriter struct{}

// Printf implements the gorm logger Writer interface.
func (w *gormWriter) Printf(format string, v ...interface{}) {
	logger.Warnf("[GORM] %s", strings.TrimSpace(fmt.Sprintf(format, v...)))
}
