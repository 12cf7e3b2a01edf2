package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	appconfig "github.com/BaSui01/streamflow/config"
)

//go:embed migrations/postgres/*.sql
var postgresFS embed.FS

//go:embed migrations/mysql/*.sql
var mysqlFS embed.FS

//go:embed migrations/sqlite/*.sql
var sqliteFS embed.FS

// DatabaseType 数据库方言
type DatabaseType string

const (
	DatabaseTypePostgres DatabaseType = "postgres"
	DatabaseTypeMySQL    DatabaseType = "mysql"
	DatabaseTypeSQLite   DatabaseType = "sqlite"
)

// ParseDatabaseType 解析数据库类型字符串
func ParseDatabaseType(s string) (DatabaseType, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return DatabaseTypePostgres, nil
	case "mysql", "mariadb":
		return DatabaseTypeMySQL, nil
	case "sqlite", "sqlite3":
		return DatabaseTypeSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", s)
	}
}

// Info 当前迁移状态摘要
type Info struct {
	CurrentVersion    uint
	Dirty             bool
	TotalMigrations   int
	AppliedMigrations int
	PendingMigrations int
}

// Config 迁移器配置
type Config struct {
	// 数据库方言: postgres, mysql, sqlite
	DatabaseType DatabaseType

	// 连接字符串, 格式随方言变化
	DatabaseURL string

	// 迁移版本表名, 默认 schema_migrations
	TableName string
}

// Migrator 基于 golang-migrate 的 Schema 迁移器, SQL 文件通过 embed 内嵌
type Migrator struct {
	config  *Config
	migrate *migrate.Migrate
	db      *sql.DB
}

// NewMigrator 创建迁移器
func NewMigrator(cfg *Config) (*Migrator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required")
	}
	if cfg.TableName == "" {
		cfg.TableName = "schema_migrations"
	}

	m := &Migrator{config: cfg}
	if err := m.init(); err != nil {
		return nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return m, nil
}

// NewMigratorFromDatabaseConfig 从应用数据库配置创建迁移器
func NewMigratorFromDatabaseConfig(dbCfg appconfig.DatabaseConfig) (*Migrator, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, err
	}

	var dbURL string
	switch dbType {
	case DatabaseTypePostgres:
		sslMode := dbCfg.SSLMode
		if sslMode == "" {
			sslMode = "require"
		}
		dbURL = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			dbCfg.User, dbCfg.Password, dbCfg.Host, dbCfg.Port, dbCfg.Name, sslMode)
	case DatabaseTypeMySQL:
		dbURL = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			dbCfg.User, dbCfg.Password, dbCfg.Host, dbCfg.Port, dbCfg.Name)
	case DatabaseTypeSQLite:
		dbURL = dbCfg.Name
	}

	return NewMigrator(&Config{DatabaseType: dbType, DatabaseURL: dbURL})
}

func (m *Migrator) init() error {
	driverName := string(m.config.DatabaseType)
	db, err := sql.Open(driverName, m.config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	m.db = db

	var dbDriver database.Driver
	switch m.config.DatabaseType {
	case DatabaseTypePostgres:
		dbDriver, err = migratepostgres.WithInstance(db, &migratepostgres.Config{
			MigrationsTable: m.config.TableName,
		})
	case DatabaseTypeMySQL:
		dbDriver, err = migratemysql.WithInstance(db, &migratemysql.Config{
			MigrationsTable: m.config.TableName,
		})
	case DatabaseTypeSQLite:
		dbDriver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{
			MigrationsTable: m.config.TableName,
		})
	default:
		err = fmt.Errorf("unsupported database type: %s", m.config.DatabaseType)
	}
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	fsys, path := m.sourceFS()
	sourceDriver, err := iofs.New(fsys, path)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create source driver: %w", err)
	}

	m.migrate, err = migrate.NewWithInstance("iofs", sourceDriver, driverName, dbDriver)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return nil
}

func (m *Migrator) sourceFS() (fs.FS, string) {
	switch m.config.DatabaseType {
	case DatabaseTypePostgres:
		return postgresFS, "migrations/postgres"
	case DatabaseTypeMySQL:
		return mysqlFS, "migrations/mysql"
	default:
		return sqliteFS, "migrations/sqlite"
	}
}

// Up 应用所有未执行的迁移
func (m *Migrator) Up() error {
	if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Down 回滚最后一次迁移
func (m *Migrator) Down() error {
	if err := m.migrate.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// Steps 正数前进 n 步, 负数回滚 n 步
func (m *Migrator) Steps(n int) error {
	if err := m.migrate.Steps(n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration steps failed: %w", err)
	}
	return nil
}

// Goto 迁移到指定版本
func (m *Migrator) Goto(version uint) error {
	if err := m.migrate.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration goto failed: %w", err)
	}
	return nil
}

// Force 强制设置版本号, 不执行迁移, 用于修复 dirty 状态
func (m *Migrator) Force(version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("migration force failed: %w", err)
	}
	return nil
}

// Version 返回当前版本。尚未执行任何迁移时返回 (0, false, nil)。
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get version: %w", err)
	}
	return version, dirty, nil
}

// Info 返回迁移状态摘要
func (m *Migrator) Info() (*Info, error) {
	currentVersion, dirty, err := m.Version()
	if err != nil {
		return nil, err
	}

	versions, err := m.availableVersions()
	if err != nil {
		return nil, err
	}

	applied := 0
	for _, v := range versions {
		if v <= currentVersion {
			applied++
		}
	}

	return &Info{
		CurrentVersion:    currentVersion,
		Dirty:             dirty,
		TotalMigrations:   len(versions),
		AppliedMigrations: applied,
		PendingMigrations: len(versions) - applied,
	}, nil
}

// Close 释放迁移器资源
func (m *Migrator) Close() error {
	if m.migrate == nil {
		return nil
	}
	sourceErr, dbErr := m.migrate.Close()
	if sourceErr != nil || dbErr != nil {
		return fmt.Errorf("failed to close migrator: source=%v db=%v", sourceErr, dbErr)
	}
	return nil
}

// availableVersions 扫描内嵌迁移文件, 返回排序后的版本列表
func (m *Migrator) availableVersions() ([]uint, error) {
	fsys, path := m.sourceFS()
	entries, err := fs.ReadDir(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	seen := make(map[uint]bool)
	var versions []uint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		v, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil || seen[uint(v)] {
			continue
		}
		seen[uint(v)] = true
		versions = append(versions, uint(v))
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}
