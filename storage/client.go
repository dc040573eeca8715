package storage

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/jmoiron/sqlx"
	// Registers the postgres driver for the sqlx connection.
	_ "github.com/lib/pq"
)

// Config holds the database connection settings.
type Config struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	Database        string `yaml:"database" json:"database"`
	SSLMode         string `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	LogQueries      bool   `yaml:"log_queries" json:"log_queries"`
}

// DefaultConfig returns the connection settings used when no config
// file overrides them.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		User:            "stepflow",
		Database:        "stepflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: "30m",
	}
}

// Validate checks the connection settings.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.ConnMaxLifetime != "" {
		if _, err := time.ParseDuration(c.ConnMaxLifetime); err != nil {
			return fmt.Errorf("invalid conn_max_lifetime %q: %w", c.ConnMaxLifetime, err)
		}
	}
	return nil
}

// DSN renders the settings as a libpq connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// GetConnMaxLifetime parses the configured lifetime, falling back to
// 30 minutes.
func (c Config) GetConnMaxLifetime() time.Duration {
	if c.ConnMaxLifetime == "" {
		return 30 * time.Minute
	}
	d, err := time.ParseDuration(c.ConnMaxLifetime)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// Client bundles the gorm handle used by the store facades with a raw
// sqlx handle used for bulk deletes and reporting queries.
type Client struct {
	db  *gorm.DB
	raw *sqlx.DB
}

// Connect opens both database handles against the same server.
func Connect(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate database config: %w", err)
	}

	logMode := glogger.Default.LogMode(glogger.Silent)
	if cfg.LogQueries {
		logMode = glogger.Default.LogMode(glogger.Info)
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger:         logMode,
		NamingStrategy: schema.NamingStrategy{SingularTable: true},
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm connection: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.GetConnMaxLifetime())

	raw, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open sqlx connection: %w", err)
	}
	raw.SetMaxOpenConns(cfg.MaxOpenConns)
	raw.SetMaxIdleConns(cfg.MaxIdleConns)
	raw.SetConnMaxLifetime(cfg.GetConnMaxLifetime())

	return &Client{db: db, raw: raw}, nil
}

// NewClientFromGorm wraps an already-open gorm handle. The raw handle
// is optional; bulk operations require it.
func NewClientFromGorm(db *gorm.DB, raw *sqlx.DB) *Client {
	return &Client{db: db, raw: raw}
}

// DB returns the gorm handle.
func (c *Client) DB() *gorm.DB { return c.db }

// Raw returns the sqlx handle.
func (c *Client) Raw() *sqlx.DB { return c.raw }

// Close closes both handles.
func (c *Client) Close() error {
	var errs []error
	if c.raw != nil {
		if err := c.raw.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sqlx: %w", err))
		}
	}
	if c.db != nil {
		if sqlDB, err := c.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close gorm: %w", err))
			}
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// AutoMigrate creates or updates the schema for every entity.
func (c *Client) AutoMigrate() error {
	return c.db.AutoMigrate(
		&ManifestGroup{},
		&Manifest{},
		&Metadata{},
		&StepMetadata{},
		&Log{},
		&WorkQueue{},
		&DeadLetter{},
		&BackgroundJob{},
	)
}
