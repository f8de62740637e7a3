package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flakewatch/flakewatch/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// LookupNotFoundError indicates a named environment/trigger/suite/project
// could not be resolved during ingest.
type LookupNotFoundError struct {
	Entity string
	Name   string
}

func (e *LookupNotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.Name)
}

// IngestRefs holds the foreign-key IDs resolved for one ingest.
type IngestRefs struct {
	ProjectID     uint
	OrgID         uint
	ProjectName   string
	EnvironmentID uint
	TriggerID     uint
	SuiteID       uint
}

// Store provides persistence for test runs and their lookups.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Lookup seeding and resolution.
	SeedLookups(ctx context.Context, environments, triggers []string) error
	EnsureProject(ctx context.Context, name string) (*Project, error)
	EnsureSuite(ctx context.Context, projectID uint, name string) (*Suite, error)
	ResolveRefs(
		ctx context.Context,
		projectID uint,
		environment, trigger, suite string,
	) (*IngestRefs, error)

	// Ingest writes. The ingester owns these exclusively during an
	// ingest; they are not wrapped in one transaction.
	CreateRun(ctx context.Context, run *TestRun) error
	UpsertSuiteTests(ctx context.Context, rows []SuiteTest) ([]SuiteTest, error)
	InsertTests(ctx context.Context, rows []TestRunTest) ([]TestRunTest, error)
	InsertAttempts(ctx context.Context, rows []TestAttempt) error

	// Duplicate detection and read-back.
	FindRunByContentHash(ctx context.Context, hash string, projectID uint) (*TestRun, error)
	GetRun(ctx context.Context, projectID, runID uint) (*TestRun, error)
	ListRuns(ctx context.Context, projectID uint, limit int) ([]TestRun, error)
	ListRunTests(ctx context.Context, runID uint) ([]TestRunTest, error)

	// Metrics aggregation support.
	RunsOnDay(ctx context.Context, projectID uint, day time.Time) ([]TestRun, error)
	ReplaceDailyMetric(ctx context.Context, m *DailyMetric) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Project{},
		&Environment{},
		&Trigger{},
		&Suite{},
		&SuiteTest{},
		&TestRun{},
		&TestRunTest{},
		&TestAttempt{},
		&DailyMetric{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Lookups ---

// SeedLookups upserts the configured environment and trigger names.
func (s *store) SeedLookups(
	ctx context.Context, environments, triggers []string,
) error {
	for _, name := range environments {
		env := Environment{Name: name}
		if err := s.db.WithContext(ctx).
			Where("name = ?", name).
			FirstOrCreate(&env).Error; err != nil {
			return fmt.Errorf("seeding environment %q: %w", name, err)
		}
	}

	for _, name := range triggers {
		trig := Trigger{Name: name}
		if err := s.db.WithContext(ctx).
			Where("name = ?", name).
			FirstOrCreate(&trig).Error; err != nil {
			return fmt.Errorf("seeding trigger %q: %w", name, err)
		}
	}

	total := len(environments) + len(triggers)
	if total > 0 {
		s.log.WithField("count", total).Info("Seeded lookups from config")
	}

	return nil
}

// EnsureProject creates a project on first sighting and reuses it after.
func (s *store) EnsureProject(
	ctx context.Context, name string,
) (*Project, error) {
	project := Project{Name: name}
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		FirstOrCreate(&project).Error; err != nil {
		return nil, fmt.Errorf("ensuring project %q: %w", name, err)
	}

	return &project, nil
}

// EnsureSuite creates a suite within a project on first sighting.
func (s *store) EnsureSuite(
	ctx context.Context, projectID uint, name string,
) (*Suite, error) {
	suite := Suite{ProjectID: projectID, Name: name}
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND name = ?", projectID, name).
		FirstOrCreate(&suite).Error; err != nil {
		return nil, fmt.Errorf("ensuring suite %q: %w", name, err)
	}

	return &suite, nil
}

// ResolveRefs resolves the foreign keys an ingest needs. Any unresolved
// lookup returns a LookupNotFoundError naming the missing entity.
func (s *store) ResolveRefs(
	ctx context.Context,
	projectID uint,
	environment, trigger, suite string,
) (*IngestRefs, error) {
	var project Project
	if err := s.db.WithContext(ctx).
		First(&project, projectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &LookupNotFoundError{
				Entity: "project",
				Name:   fmt.Sprintf("%d", projectID),
			}
		}

		return nil, fmt.Errorf("resolving project: %w", err)
	}

	var env Environment
	if err := s.db.WithContext(ctx).
		Where("name = ?", environment).
		First(&env).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &LookupNotFoundError{Entity: "environment", Name: environment}
		}

		return nil, fmt.Errorf("resolving environment: %w", err)
	}

	var trig Trigger
	if err := s.db.WithContext(ctx).
		Where("name = ?", trigger).
		First(&trig).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &LookupNotFoundError{Entity: "trigger", Name: trigger}
		}

		return nil, fmt.Errorf("resolving trigger: %w", err)
	}

	var st Suite
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND name = ?", projectID, suite).
		First(&st).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &LookupNotFoundError{Entity: "suite", Name: suite}
		}

		return nil, fmt.Errorf("resolving suite: %w", err)
	}

	return &IngestRefs{
		ProjectID:     project.ID,
		OrgID:         project.OrgID,
		ProjectName:   project.Name,
		EnvironmentID: env.ID,
		TriggerID:     trig.ID,
		SuiteID:       st.ID,
	}, nil
}

// --- Ingest writes ---

func (s *store) CreateRun(ctx context.Context, run *TestRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

// UpsertSuiteTests resolves each (project, suite, file, name) key to a
// suite-test row, creating rows on first sighting. Returns the rows with
// IDs populated, in input order.
func (s *store) UpsertSuiteTests(
	ctx context.Context, rows []SuiteTest,
) ([]SuiteTest, error) {
	out := make([]SuiteTest, 0, len(rows))

	for _, row := range rows {
		st := SuiteTest{
			ProjectID: row.ProjectID,
			SuiteID:   row.SuiteID,
			File:      row.File,
			Name:      row.Name,
		}

		if err := s.db.WithContext(ctx).
			Where(
				"project_id = ? AND suite_id = ? AND file = ? AND name = ?",
				row.ProjectID, row.SuiteID, row.File, row.Name,
			).
			FirstOrCreate(&st).Error; err != nil {
			return nil, fmt.Errorf(
				"upserting suite test %s/%s: %w", row.File, row.Name, err,
			)
		}

		out = append(out, st)
	}

	return out, nil
}

func (s *store) InsertTests(
	ctx context.Context, rows []TestRunTest,
) ([]TestRunTest, error) {
	if len(rows) == 0 {
		return rows, nil
	}

	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, fmt.Errorf("inserting tests: %w", err)
	}

	return rows, nil
}

func (s *store) InsertAttempts(
	ctx context.Context, rows []TestAttempt,
) error {
	if len(rows) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("inserting attempts: %w", err)
	}

	return nil
}

// --- Duplicate detection and read-back ---

// FindRunByContentHash returns (nil, nil) when no run matches.
func (s *store) FindRunByContentHash(
	ctx context.Context, hash string, projectID uint,
) (*TestRun, error) {
	var run TestRun

	err := s.db.WithContext(ctx).
		Where("project_id = ? AND content_hash = ?", projectID, hash).
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("finding run by content hash: %w", err)
	}

	return &run, nil
}

func (s *store) GetRun(
	ctx context.Context, projectID, runID uint,
) (*TestRun, error) {
	var run TestRun

	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		First(&run, runID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

func (s *store) ListRuns(
	ctx context.Context, projectID uint, limit int,
) ([]TestRun, error) {
	if limit <= 0 {
		limit = 50
	}

	var runs []TestRun
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

func (s *store) ListRunTests(
	ctx context.Context, runID uint,
) ([]TestRunTest, error) {
	var tests []TestRunTest
	if err := s.db.WithContext(ctx).
		Where("test_run_id = ?", runID).
		Order("id ASC").
		Find(&tests).Error; err != nil {
		return nil, fmt.Errorf("listing run tests: %w", err)
	}

	return tests, nil
}

// --- Metrics support ---

// RunsOnDay returns all runs whose timestamp falls within the UTC day.
func (s *store) RunsOnDay(
	ctx context.Context, projectID uint, day time.Time,
) ([]TestRun, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	var runs []TestRun
	if err := s.db.WithContext(ctx).
		Where(
			"project_id = ? AND timestamp >= ? AND timestamp < ?",
			projectID, start, end,
		).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs for day: %w", err)
	}

	return runs, nil
}

// ReplaceDailyMetric recomputes the (project, day) aggregate by
// delete-then-insert, making re-aggregation idempotent.
func (s *store) ReplaceDailyMetric(
	ctx context.Context, m *DailyMetric,
) error {
	day := time.Date(
		m.Day.Year(), m.Day.Month(), m.Day.Day(), 0, 0, 0, 0, time.UTC,
	)
	m.Day = day

	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND day = ?", m.ProjectID, day).
		Delete(&DailyMetric{}).Error; err != nil {
		return fmt.Errorf("deleting daily metric: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("creating daily metric: %w", err)
	}

	return nil
}
