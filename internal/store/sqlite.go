package store

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go driver

	appLog "relcal/internal/log"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// gooseMu serializes goose's package-level configuration.
var gooseMu sync.Mutex

// Config defines SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns the recommended configuration for a WAL database.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 8,
	}
}

// Open initializes a SQLite connection pool with WAL journaling and a busy
// timeout applied to every pooled connection.
func Open(dbPath string, cfg Config) (*sql.DB, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite: database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("sqlite: create dir: %w", err)
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = DefaultConfig().MaxOpenConns
	}

	// modernc.org/sqlite applies _pragma parameters on every new connection.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetLogger(gooseLogger{})
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect(string(goose.DialectSQLite3)); err != nil {
		return err
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// gooseLogger routes goose output through the application logger.
type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...any) {
	appLog.Debug("goose: " + fmt.Sprintf(format, v...))
}

func (gooseLogger) Fatalf(format string, v ...any) {
	appLog.Error("goose fatal", fmt.Errorf(format, v...))
	os.Exit(1)
}

// Provider lazily opens and migrates the store on first use and hands the
// same *Store to every later caller. It is safe for concurrent use.
type Provider struct {
	path string
	cfg  Config

	once  sync.Once
	store *Store
	err   error

	mu     sync.Mutex
	closed bool
}

// NewProvider returns a Provider for the database at path. Nothing is
// opened until Store is called.
func NewProvider(path string, cfg Config) *Provider {
	return &Provider{path: path, cfg: cfg}
}

// Store returns the shared store, opening it on the first call. A failed
// open is remembered and returned to every caller.
func (p *Provider) Store() (*Store, error) {
	p.once.Do(func() {
		db, err := Open(p.path, p.cfg)
		if err != nil {
			p.err = err
			return
		}
		if err := Migrate(db); err != nil {
			_ = db.Close()
			p.err = err
			return
		}
		p.mu.Lock()
		p.store = New(db)
		p.mu.Unlock()
		appLog.Info("store opened", "path", p.path)
	})
	return p.store, p.err
}

// Close closes the underlying database if it was opened.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.store == nil {
		return nil
	}
	p.closed = true
	return p.store.db.Close()
}
