// Package config holds the replication-set data model (spec.md §3, §6)
// and its YAML file loader. It has no dependency on catalog, extract,
// apply, or syncinfo — the core packages depend on this package, never
// the other way around.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DatabaseEndpoint is a named SQL Server connection target.
type DatabaseEndpoint struct {
	Name             string `yaml:"name"`
	ConnectionString string `yaml:"connectionString"`
}

func (e DatabaseEndpoint) Validate() error {
	var err error
	if isEmpty(e.Name) {
		err = errors.Join(err, errors.New("endpoint name cannot be empty"))
	}
	if isEmpty(e.ConnectionString) {
		err = errors.Join(err, fmt.Errorf("endpoint %q: connection string cannot be empty", e.Name))
	}
	return err
}

// Redacted returns the endpoint name, safe to log; connection strings
// carry credentials and are never logged in full.
func (e DatabaseEndpoint) Redacted() string {
	return e.Name
}

// ReplicationSet is one configured source-to-destinations replication
// unit (spec.md §3).
type ReplicationSet struct {
	Name         string             `yaml:"name"`
	Source       DatabaseEndpoint   `yaml:"source"`
	Destinations []DatabaseEndpoint `yaml:"destinations"`
	// Tables is an optional allowlist of unqualified table names
	// (case-sensitive, matched against the catalog name without
	// bracket delimiters). Empty means "replicate everything
	// change-tracking-enabled".
	Tables []string `yaml:"tables"`
}

func (s ReplicationSet) Validate() error {
	var err error
	if isEmpty(s.Name) {
		err = errors.Join(err, errors.New("replication set name cannot be empty"))
	}
	if vErr := s.Source.Validate(); vErr != nil {
		err = errors.Join(err, fmt.Errorf("set %q source: %w", s.Name, vErr))
	}
	if len(s.Destinations) == 0 {
		err = errors.Join(err, fmt.Errorf("set %q: destinations cannot be empty", s.Name))
	}
	for _, d := range s.Destinations {
		if vErr := d.Validate(); vErr != nil {
			err = errors.Join(err, fmt.Errorf("set %q destination: %w", s.Name, vErr))
		}
	}
	return err
}

// TableAllowed reports whether unqualifiedName passes this set's table
// allowlist. An empty allowlist admits everything. unqualifiedName is
// the catalog table name without schema or bracket delimiters, per
// spec.md §4.1's filter rule.
func (s ReplicationSet) TableAllowed(unqualifiedName string) bool {
	if len(s.Tables) == 0 {
		return true
	}

	for _, t := range s.Tables {
		if t == unqualifiedName {
			return true
		}
	}
	return false
}

// File is the top-level shape of a replication config YAML document.
type File struct {
	Sets     []ReplicationSet `yaml:"sets"`
	LogLevel string           `yaml:"logLevel"`
}

func (f *File) Validate() error {
	var err error
	if len(f.Sets) == 0 {
		err = errors.Join(err, errors.New("config: at least one replication set is required"))
	}
	for _, s := range f.Sets {
		if vErr := s.Validate(); vErr != nil {
			err = errors.Join(err, vErr)
		}
	}
	return err
}

// ParsedLogLevel returns the configured log level, defaulting to Info
// when unset or unrecognized.
func (f *File) ParsedLogLevel() logrus.Level {
	if f.LogLevel == "" {
		return logrus.InfoLevel
	}
	level, err := logrus.ParseLevel(f.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Load reads and validates a replication config file from path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid %s: %w", path, err)
	}

	return &f, nil
}

func isEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
