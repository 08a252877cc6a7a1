package pusher

import (
	"fmt"
	"time"
)

// Config holds pusher component configuration.
type Config struct {
	// WorkRoot is the directory under which numbered working
	// directories are created and locked.
	WorkRoot string `yaml:"work_root"`

	// ConsumerName is the durable consumer name on the job subject.
	ConsumerName string `yaml:"consumer_name"`

	// MaxAttempts bounds apply-and-push attempts per job.
	MaxAttempts int `yaml:"max_attempts"`

	// DefaultTrySyntax is used when a job carries none.
	DefaultTrySyntax string `yaml:"default_try_syntax"`

	// TBPLURL is the results dashboard linked from bug comments.
	TBPLURL string `yaml:"tbpl_url"`

	// JobTimeout bounds one job end to end.
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// DefaultConfig returns pusher defaults.
func DefaultConfig() Config {
	return Config{
		WorkRoot:         "work",
		ConsumerName:     "hgpusher",
		MaxAttempts:      3,
		DefaultTrySyntax: "-b do -p all -u all -t none",
		JobTimeout:       25 * time.Minute,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.WorkRoot == "" {
		return fmt.Errorf("work_root is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout must be positive")
	}
	return nil
}
