// Package config provides configuration loading and management for autoland.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete autoland configuration
type Config struct {
	Bugzilla     BugzillaConfig     `yaml:"bugzilla"`
	Directory    DirectoryConfig    `yaml:"directory"`
	Database     DatabaseConfig     `yaml:"database"`
	Bus          BusConfig          `yaml:"bus"`
	Hg           HgConfig           `yaml:"hg"`
	TreeStatus   TreeStatusConfig   `yaml:"tree_status"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
}

// BugzillaConfig configures the bug tracker client
type BugzillaConfig struct {
	// APIURL is the REST API base (e.g., "https://bugzilla.example.org/rest/")
	APIURL string `yaml:"api_url"`
	// AttachmentURL is the raw attachment download base
	AttachmentURL string `yaml:"attachment_url"`
	// WebUIURL is the autoland RPC endpoint on the tracker web UI
	WebUIURL string `yaml:"webui_url"`
	// Username/Password authenticate REST calls
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// WebUILogin/WebUIPassword authenticate the RPC endpoint
	WebUILogin    string `yaml:"webui_login"`
	WebUIPassword string `yaml:"webui_password"`
	// Timeout is the per-request HTTP timeout
	Timeout time.Duration `yaml:"timeout"`
	// MaxAttempts bounds transport retries per request
	MaxAttempts int `yaml:"max_attempts"`
	// RetryWait is the pause between transport retries
	RetryWait time.Duration `yaml:"retry_wait"`
}

// DirectoryConfig configures the LDAP directory client
type DirectoryConfig struct {
	// URL is the directory server (e.g., "ldap://ldap.example.org:389")
	URL      string `yaml:"url"`
	BindDN   string `yaml:"bind_dn"`
	Password string `yaml:"password"`
	// GroupBase is the subtree holding posixGroup entries
	GroupBase string `yaml:"group_base"`
	// UserBase is the subtree holding user entries with tracker email mappings
	UserBase string `yaml:"user_base"`
	// BranchAPIURL is the branch-permissions HTTP endpoint
	BranchAPIURL string `yaml:"branch_api_url"`
	// Timeout bounds directory reads
	Timeout time.Duration `yaml:"timeout"`
}

// DatabaseConfig configures the relational stores
type DatabaseConfig struct {
	// AutolandURL is the Postgres DSN for the autoland store
	AutolandURL string `yaml:"autoland_url"`
	// SchedulerURL is the DSN for the read-only build store
	SchedulerURL string `yaml:"scheduler_url"`
}

// BusConfig configures the message bus connection
type BusConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
	// Stream is the durable stream carrying all routing keys
	Stream string `yaml:"stream"`
	// SubjectPrefix prefixes routing-key subjects (e.g., "autoland" -> autoland.db)
	SubjectPrefix string `yaml:"subject_prefix"`
}

// HgConfig configures mercurial invocation and the pusher working area
type HgConfig struct {
	// Binary is the hg executable name or path
	Binary string `yaml:"binary"`
	// WorkDir is the root under which pusher working directories live
	WorkDir string `yaml:"work_dir"`
	// SSHUsername/SSHKey identify pushes over ssh
	SSHUsername string `yaml:"ssh_username"`
	SSHKey      string `yaml:"ssh_key"`
	// DefaultTrySyntax is used when a request carries none
	DefaultTrySyntax string `yaml:"default_try_syntax"`
	// TBPLURL is the results dashboard linked from bug comments
	TBPLURL string `yaml:"tbpl_url"`
}

// TreeStatusConfig configures the tree status endpoint
type TreeStatusConfig struct {
	APIURL string `yaml:"api_url"`
	// RetryInterval/MaxAttempts bound the closed-tree wait
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
}

// OrchestratorConfig configures the discovery and dispatch loop
type OrchestratorConfig struct {
	// PollInterval is how often the tracker is polled for waiting requests
	PollInterval time.Duration `yaml:"poll_interval"`
	// DrainInterval paces bus drains between tracker polls
	DrainInterval time.Duration `yaml:"drain_interval"`
	// CommentAttempts is the outbox attempt ceiling per comment
	CommentAttempts int `yaml:"comment_attempts"`
	// FailedCommentLog receives comments abandoned after the ceiling
	FailedCommentLog string `yaml:"failed_comment_log"`
}

// ClassifierConfig configures the outcome classifier
type ClassifierConfig struct {
	// Branch is the branch whose build records are classified
	Branch string `yaml:"branch"`
	// PollInterval is the default look-back window per tick
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxPollingInterval caps the start/end time range of a tick
	MaxPollingInterval time.Duration `yaml:"max_polling_interval"`
	// Timeout force-terminates revisions incomplete for too long
	Timeout time.Duration `yaml:"timeout"`
	// CompletionThreshold is the grace window for delayed follow-on records
	CompletionThreshold time.Duration `yaml:"completion_threshold"`
	// MaxOrange is the default tolerance for unresolved warnings
	MaxOrange int `yaml:"max_orange"`
	// CacheDir holds per-revision poll history files
	CacheDir string `yaml:"cache_dir"`
	// PostedBugs is the ledger of successfully reported revisions
	PostedBugs string `yaml:"posted_bugs"`
	// LockFile guards against concurrent classifier instances
	LockFile string `yaml:"lock_file"`
	// TBPLURL is the results dashboard linked from summary comments
	TBPLURL string `yaml:"tbpl_url"`
	// FTPURL is the build artifact root linked for try authors
	FTPURL string `yaml:"ftp_url"`
	// SelfServe is the downstream rebuild endpoint
	SelfServe SelfServeConfig `yaml:"self_serve"`
}

// SelfServeConfig configures the rebuild/retrigger endpoint
type SelfServeConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Bugzilla: BugzillaConfig{
			Timeout:     30 * time.Second,
			MaxAttempts: 3,
			RetryWait:   5 * time.Second,
		},
		Directory: DirectoryConfig{
			GroupBase: "ou=groups,dc=mozilla",
			UserBase:  "o=com,dc=mozilla",
			Timeout:   10 * time.Second,
		},
		Bus: BusConfig{
			URL:           "nats://localhost:4222",
			Stream:        "AUTOLAND",
			SubjectPrefix: "autoland",
		},
		Hg: HgConfig{
			Binary:           "hg",
			WorkDir:          "work",
			DefaultTrySyntax: "-b do -p all -u all -t none",
		},
		TreeStatus: TreeStatusConfig{
			RetryInterval: 5 * time.Minute,
			MaxAttempts:   6,
		},
		Orchestrator: OrchestratorConfig{
			PollInterval:     time.Minute,
			DrainInterval:    5 * time.Second,
			CommentAttempts:  5,
			FailedCommentLog: "failed_comments.log",
		},
		Classifier: ClassifierConfig{
			Branch:              "try",
			PollInterval:        4 * time.Hour,
			MaxPollingInterval:  48 * time.Hour,
			Timeout:             12 * time.Hour,
			CompletionThreshold: 10 * time.Minute,
			MaxOrange:           10,
			CacheDir:            "cache",
			PostedBugs:          "posted_bugs.log",
			LockFile:            "schedulerpoller.lock",
			TBPLURL:             "https://tbpl.mozilla.org/",
			FTPURL:              "http://ftp.mozilla.org/pub/mozilla.org",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Bus.URL == "" {
		return fmt.Errorf("bus.url is required")
	}
	if c.Bus.Stream == "" {
		return fmt.Errorf("bus.stream is required")
	}
	if c.Bus.SubjectPrefix == "" {
		return fmt.Errorf("bus.subject_prefix is required")
	}
	if c.Orchestrator.PollInterval <= 0 {
		return fmt.Errorf("orchestrator.poll_interval must be positive")
	}
	if c.Orchestrator.CommentAttempts <= 0 {
		return fmt.Errorf("orchestrator.comment_attempts must be positive")
	}
	if c.Classifier.CompletionThreshold <= 0 {
		return fmt.Errorf("classifier.completion_threshold must be positive")
	}
	if c.Classifier.Timeout <= c.Classifier.CompletionThreshold {
		return fmt.Errorf("classifier.timeout must exceed the completion threshold")
	}
	if c.Classifier.MaxOrange < 0 {
		// A negative tolerance is operator error, not a reason to refuse
		// startup. Fall back to the default.
		c.Classifier.MaxOrange = DefaultConfig().Classifier.MaxOrange
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. ${VAR} references
// are expanded from the environment before parsing, so credentials can
// stay out of the file itself.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	mergeString := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	mergeDuration := func(dst *time.Duration, src time.Duration) {
		if src != 0 {
			*dst = src
		}
	}
	mergeInt := func(dst *int, src int) {
		if src != 0 {
			*dst = src
		}
	}

	// Bugzilla
	mergeString(&c.Bugzilla.APIURL, other.Bugzilla.APIURL)
	mergeString(&c.Bugzilla.AttachmentURL, other.Bugzilla.AttachmentURL)
	mergeString(&c.Bugzilla.WebUIURL, other.Bugzilla.WebUIURL)
	mergeString(&c.Bugzilla.Username, other.Bugzilla.Username)
	mergeString(&c.Bugzilla.Password, other.Bugzilla.Password)
	mergeString(&c.Bugzilla.WebUILogin, other.Bugzilla.WebUILogin)
	mergeString(&c.Bugzilla.WebUIPassword, other.Bugzilla.WebUIPassword)
	mergeDuration(&c.Bugzilla.Timeout, other.Bugzilla.Timeout)
	mergeInt(&c.Bugzilla.MaxAttempts, other.Bugzilla.MaxAttempts)
	mergeDuration(&c.Bugzilla.RetryWait, other.Bugzilla.RetryWait)

	// Directory
	mergeString(&c.Directory.URL, other.Directory.URL)
	mergeString(&c.Directory.BindDN, other.Directory.BindDN)
	mergeString(&c.Directory.Password, other.Directory.Password)
	mergeString(&c.Directory.GroupBase, other.Directory.GroupBase)
	mergeString(&c.Directory.UserBase, other.Directory.UserBase)
	mergeString(&c.Directory.BranchAPIURL, other.Directory.BranchAPIURL)
	mergeDuration(&c.Directory.Timeout, other.Directory.Timeout)

	// Database
	mergeString(&c.Database.AutolandURL, other.Database.AutolandURL)
	mergeString(&c.Database.SchedulerURL, other.Database.SchedulerURL)

	// Bus
	mergeString(&c.Bus.URL, other.Bus.URL)
	mergeString(&c.Bus.Stream, other.Bus.Stream)
	mergeString(&c.Bus.SubjectPrefix, other.Bus.SubjectPrefix)

	// Hg
	mergeString(&c.Hg.Binary, other.Hg.Binary)
	mergeString(&c.Hg.WorkDir, other.Hg.WorkDir)
	mergeString(&c.Hg.SSHUsername, other.Hg.SSHUsername)
	mergeString(&c.Hg.SSHKey, other.Hg.SSHKey)
	mergeString(&c.Hg.DefaultTrySyntax, other.Hg.DefaultTrySyntax)
	mergeString(&c.Hg.TBPLURL, other.Hg.TBPLURL)

	// TreeStatus
	mergeString(&c.TreeStatus.APIURL, other.TreeStatus.APIURL)
	mergeDuration(&c.TreeStatus.RetryInterval, other.TreeStatus.RetryInterval)
	mergeInt(&c.TreeStatus.MaxAttempts, other.TreeStatus.MaxAttempts)

	// Orchestrator
	mergeDuration(&c.Orchestrator.PollInterval, other.Orchestrator.PollInterval)
	mergeDuration(&c.Orchestrator.DrainInterval, other.Orchestrator.DrainInterval)
	mergeInt(&c.Orchestrator.CommentAttempts, other.Orchestrator.CommentAttempts)
	mergeString(&c.Orchestrator.FailedCommentLog, other.Orchestrator.FailedCommentLog)

	// Classifier
	mergeString(&c.Classifier.Branch, other.Classifier.Branch)
	mergeDuration(&c.Classifier.PollInterval, other.Classifier.PollInterval)
	mergeDuration(&c.Classifier.MaxPollingInterval, other.Classifier.MaxPollingInterval)
	mergeDuration(&c.Classifier.Timeout, other.Classifier.Timeout)
	mergeDuration(&c.Classifier.CompletionThreshold, other.Classifier.CompletionThreshold)
	mergeInt(&c.Classifier.MaxOrange, other.Classifier.MaxOrange)
	mergeString(&c.Classifier.CacheDir, other.Classifier.CacheDir)
	mergeString(&c.Classifier.PostedBugs, other.Classifier.PostedBugs)
	mergeString(&c.Classifier.LockFile, other.Classifier.LockFile)
	mergeString(&c.Classifier.SelfServe.URL, other.Classifier.SelfServe.URL)
	mergeString(&c.Classifier.SelfServe.Username, other.Classifier.SelfServe.Username)
	mergeString(&c.Classifier.SelfServe.Password, other.Classifier.SelfServe.Password)
}
