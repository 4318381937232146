// Package database holds the persistence layer: gorm models for
// sources, weather rows and the parsed-file ledger, plus the upsert
// and retention operations.
package database

import (
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/skylightwx/skylight/internal/log"
	"go.uber.org/zap"
)

// Client holds the connection pool to the Postgres database
type Client struct {
	databaseURL string
	DB          *gorm.DB // Exported so it can be accessed from other packages
	logger      *zap.SugaredLogger
}

// NewClient creates a new database client
func NewClient(databaseURL string, logger *zap.SugaredLogger) *Client {
	return &Client{
		databaseURL: databaseURL,
		logger:      logger,
	}
}

// Connect connects to the Postgres database
func (c *Client) Connect() error {
	var err error

	// Create a logger for gorm
	dbLogger := logger.New(
		zap.NewStdLog(log.GetZapLogger()),
		logger.Config{
			SlowThreshold:             time.Second, // Slow SQL threshold
			LogLevel:                  logger.Warn, // Log level
			IgnoreRecordNotFoundError: true,        // Ignore ErrRecordNotFound error for logger
			Colorful:                  false,       // Disable color
		},
	)

	log.Info("connecting to Postgres...")
	c.DB, err = gorm.Open(postgres.Open(c.databaseURL), &gorm.Config{Logger: dbLogger})
	if err != nil {
		log.Warn("warning: unable to create a Postgres connection:", err)
		return err
	}
	log.Info("Postgres connection successful")

	return nil
}
