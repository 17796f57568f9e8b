package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chrissnell/snowpatch/internal/log"

	_ "modernc.org/sqlite" // registers the pure-Go "sqlite" database/sql driver
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the backing database
type Config struct {
	Driver string
	DSN    string
}

// Client holds the connection to the metadata store
type Client struct {
	config Config
	DB     *gorm.DB // Exported so workflows can open transactions on it
	logger *zap.SugaredLogger
}

// NewClient creates a new database client
func NewClient(c Config, logger *zap.SugaredLogger) *Client {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	return &Client{
		config: c,
		logger: logger,
	}
}

// Driver returns the configured driver name
func (c *Client) Driver() string {
	return c.config.Driver
}

// Connect opens the database with the standard gorm configuration
func (c *Client) Connect() error {
	dbLogger := logger.New(
		zap.NewStdLog(log.GetZapLogger()),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var dialector gorm.Dialector
	switch c.config.Driver {
	case DriverSQLite:
		dsn, err := sqliteDSN(c.config.DSN)
		if err != nil {
			return err
		}
		dialector = sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn})
	case DriverPostgres:
		dialector = postgres.Open(c.config.DSN)
	default:
		return fmt.Errorf("unsupported database driver %q", c.config.Driver)
	}

	c.logger.Infow("connecting to metadata store", "driver", c.config.Driver)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: dbLogger, TranslateError: true})
	if err != nil {
		c.logger.Warnw("unable to open metadata store", "driver", c.config.Driver, "error", err)
		return err
	}

	if c.config.Driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		// One writer; a second connection would deadlock against an open workflow transaction
		sqlDB.SetMaxOpenConns(1)
	}

	c.DB = db
	c.logger.Info("metadata store connection successful")
	return nil
}

// Ping checks that the store is reachable
func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool
func (c *Client) Close() error {
	if c.DB == nil {
		return nil
	}
	sqlDB, err := c.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// sqliteDSN turns on foreign keys and a busy timeout and creates the parent directory of a file database
func sqliteDSN(dsn string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("sqlite DSN is empty")
	}

	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path != ":memory:" && path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("creating database directory: %w", err)
		}
	}

	if strings.Contains(dsn, "foreign_keys") {
		return dsn, nil
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", nil
}
