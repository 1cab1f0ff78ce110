package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/regreport/eclbatch/internal/platform/env"
)

type Config struct {
	// ProjectRoot is the working directory of every step; relative
	// executable refs resolve against it.
	ProjectRoot string
	// Interpreter is an optional command prefix such as ["python3"].
	Interpreter []string
	// Timeout bounds a single step. Zero means no limit.
	Timeout time.Duration
	// LogDir receives <date>/<step>.log when set.
	LogDir string
	// WaitDelay bounds how long output pipes are drained after the process
	// was killed.
	WaitDelay time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("ECL_STEP_TIMEOUT", 0)
	if err != nil {
		return Config{}, err
	}
	root := env.String("ECL_PROJECT_ROOT", "")
	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("resolve working directory: %w", err)
		}
	}
	cfg := Config{
		ProjectRoot: root,
		Interpreter: env.Fields("ECL_STEP_INTERPRETER", ""),
		Timeout:     timeout,
		LogDir:      env.String("ECL_STEP_LOG_DIR", ""),
		WaitDelay:   5 * time.Second,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ProjectRoot) == "" {
		return errors.New("ECL_PROJECT_ROOT is required")
	}
	if !filepath.IsAbs(c.ProjectRoot) {
		return fmt.Errorf("ECL_PROJECT_ROOT must be absolute (got %q)", c.ProjectRoot)
	}
	if c.Timeout < 0 {
		return errors.New("ECL_STEP_TIMEOUT must be >= 0")
	}
	return nil
}
