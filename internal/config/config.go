package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/copyleftdev/budgetopt/internal/optimization"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
		MaxRequestBytes int64         `env:"HTTP_MAX_REQUEST_BYTES" envDefault:"10485760"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Database struct {
		// Path of the job store; empty keeps jobs in memory only
		Path      string        `env:"DB_PATH" envDefault:"data/budgetopt.db"`
		Retention time.Duration `env:"DB_RETENTION" envDefault:"720h"`
	}
	Optimization struct {
		WorkerCount    int           `env:"OPT_WORKER_COUNT" envDefault:"4"`
		JobTimeout     time.Duration `env:"OPT_JOB_TIMEOUT" envDefault:"10m"`
		MaxIter        int           `env:"OPT_MAXITER" envDefault:"100"`
		FTol           float64       `env:"OPT_FTOL" envDefault:"1e-6"`
		FeasibilityTol float64       `env:"OPT_FEASIBILITY_TOL" envDefault:"1e-6"`
		Disp           bool          `env:"OPT_DISP" envDefault:"false"`
	}
}

// Load reads .env files, the default .env when none are given, and then
// the environment. Missing .env files are ignored.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: loading env file: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the env tags cannot express
func (c *Config) Validate() error {
	if c.Optimization.WorkerCount < 1 {
		return fmt.Errorf("config: OPT_WORKER_COUNT must be at least 1, got %d", c.Optimization.WorkerCount)
	}
	if c.Optimization.JobTimeout <= 0 {
		return fmt.Errorf("config: OPT_JOB_TIMEOUT must be positive, got %s", c.Optimization.JobTimeout)
	}
	if c.HTTP.MaxRequestBytes <= 0 {
		return fmt.Errorf("config: HTTP_MAX_REQUEST_BYTES must be positive, got %d", c.HTTP.MaxRequestBytes)
	}
	return c.SolverSettings().Validate()
}

// SolverSettings returns the solver defaults for jobs whose scenario leaves
// them unset
func (c *Config) SolverSettings() optimization.Settings {
	return optimization.Settings{
		MaxIter:        c.Optimization.MaxIter,
		FTol:           c.Optimization.FTol,
		FeasibilityTol: c.Optimization.FeasibilityTol,
		Disp:           c.Optimization.Disp,
	}
}
