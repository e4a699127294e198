package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lsm/s3stream/internal/decode"
	"github.com/lsm/s3stream/internal/engine"
	"github.com/lsm/s3stream/internal/kafka"
	"github.com/lsm/s3stream/internal/objectstore"
	"github.com/lsm/s3stream/internal/offset"
	"github.com/lsm/s3stream/internal/retry"
)

// DirEnv names the environment variable holding the connector directory.
const (
	DirEnv     = "S3STREAM_CONFIG_DIR"
	DefaultDir = "/etc/s3stream/connectors"
)

// Dir returns the connector directory from DirEnv, or DefaultDir.
func Dir() string {
	if dir := os.Getenv(DirEnv); dir != "" {
		return dir
	}
	return DefaultDir
}

// Defaults applied to unset connector fields.
const (
	DefaultRegion         = "eu-west-1"
	DefaultEndpoint       = "s3.amazonaws.com"
	DefaultMaxFiles       = 1
	DefaultPollIntervalMs = 30000
	MaxMaxFiles           = 1000
)

var (
	regionPattern = regexp.MustCompile(`^(us(-gov)?|ap|ca|cn|eu|sa)-(central|(north|south)?(east|west)?)-\d$`)
	namePattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// ConnectorDefinition is one connector file.
type ConnectorDefinition struct {
	Name    string              `yaml:"name"`
	Topic   string              `yaml:"topic"`
	Source  SourceConfig        `yaml:"source"`
	Kafka   kafka.ClusterConfig `yaml:"kafka"`
	Offsets offset.Config       `yaml:"offsets"`

	// DeadLetterTopic receives a notice for every object skipped under
	// source.skipUnreadable. Empty disables notices.
	DeadLetterTopic string `yaml:"deadLetterTopic"`

	// Path is the file the definition was loaded from.
	Path string `yaml:"-"`
}

// SourceConfig describes the bucket and how its objects are read.
type SourceConfig struct {
	Bucket            string       `yaml:"bucket"`
	Region            string       `yaml:"region"`
	Endpoint          string       `yaml:"endpoint"`
	UseSSL            *bool        `yaml:"useSSL"`
	AccessKeyID       string       `yaml:"accessKeyID"`
	SecretAccessKey   string       `yaml:"secretAccessKey"`
	Prefixes          []string     `yaml:"prefixes"`
	MaxFiles          int          `yaml:"maxFiles"`
	PollIntervalMs    *int64       `yaml:"pollIntervalMs"`
	StagingDir        string       `yaml:"stagingDir"`
	Codec             string       `yaml:"codec"`
	MaxLineBytes      int          `yaml:"maxLineBytes"`
	SkipUnreadable    bool         `yaml:"skipUnreadable"`
	RequestsPerSecond float64      `yaml:"requestsPerSecond"`
	Retry             retry.Config `yaml:"retry"`
}

// ApplyDefaults fills unset fields in place.
func (d *ConnectorDefinition) ApplyDefaults() {
	s := &d.Source
	if s.Region == "" {
		s.Region = DefaultRegion
	}
	if s.Endpoint == "" {
		s.Endpoint = DefaultEndpoint
	}
	if s.UseSSL == nil {
		useSSL := true
		s.UseSSL = &useSSL
	}
	if len(s.Prefixes) == 0 {
		s.Prefixes = []string{""}
	}
	if s.MaxFiles == 0 {
		s.MaxFiles = DefaultMaxFiles
	}
	if s.PollIntervalMs == nil {
		ms := int64(DefaultPollIntervalMs)
		s.PollIntervalMs = &ms
	}
	if s.StagingDir == "" {
		s.StagingDir = filepath.Join(os.TempDir(), "s3stream")
	}
	if s.Codec == "" {
		s.Codec = string(decode.CodecGzip)
	}
	if s.MaxLineBytes == 0 {
		s.MaxLineBytes = decode.DefaultMaxLineBytes
	}
	// Negative attempts are left for Validate to reject.
	if s.Retry.MaxAttempts >= 0 {
		s.Retry = s.Retry.WithDefaults()
	}
	d.Kafka = d.Kafka.WithDefaults()
}

// Validate returns every problem with the definition, joined.
func (d *ConnectorDefinition) Validate() error {
	var errs []error
	s := d.Source

	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	} else if !namePattern.MatchString(d.Name) {
		errs = append(errs, fmt.Errorf("name %q may only contain letters, digits, '.', '_' and '-'", d.Name))
	}
	if strings.TrimSpace(d.Topic) == "" {
		errs = append(errs, errors.New("topic is required"))
	}

	if d.DeadLetterTopic != "" {
		if !s.SkipUnreadable {
			errs = append(errs, errors.New("deadLetterTopic requires source.skipUnreadable"))
		}
		if d.DeadLetterTopic == d.Topic {
			errs = append(errs, errors.New("deadLetterTopic must differ from topic"))
		}
	}

	if s.Bucket == "" {
		errs = append(errs, errors.New("source.bucket is required"))
	}
	if s.Region != "" && !regionPattern.MatchString(s.Region) {
		errs = append(errs, fmt.Errorf("source.region %q is not a valid region", s.Region))
	}
	if (s.AccessKeyID == "") != (s.SecretAccessKey == "") {
		errs = append(errs, errors.New("source.accessKeyID and source.secretAccessKey must be set together"))
	}
	if len(s.Prefixes) == 0 {
		errs = append(errs, errors.New("source.prefixes must list at least one prefix"))
	}
	seen := make(map[string]bool, len(s.Prefixes))
	for _, p := range s.Prefixes {
		if seen[p] {
			errs = append(errs, fmt.Errorf("source.prefixes lists %q more than once", p))
		}
		seen[p] = true
	}
	if s.MaxFiles < 1 || s.MaxFiles > MaxMaxFiles {
		errs = append(errs, fmt.Errorf("source.maxFiles must be between 1 and %d, got %d", MaxMaxFiles, s.MaxFiles))
	}
	if s.PollIntervalMs != nil && *s.PollIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("source.pollIntervalMs must be >= 0, got %d", *s.PollIntervalMs))
	}
	if _, err := decode.ParseCodec(s.Codec); err != nil {
		errs = append(errs, fmt.Errorf("source.codec: %w", err))
	}
	if s.MaxLineBytes < 0 {
		errs = append(errs, errors.New("source.maxLineBytes must be >= 0"))
	}
	if s.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("source.requestsPerSecond must be >= 0"))
	}
	if s.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("source.retry.maxAttempts must be >= 0"))
	}

	if err := d.Kafka.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kafka: %w", err))
	}
	if err := d.Offsets.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("offsets: %w", err))
	}

	return errors.Join(errs...)
}

// PollInterval returns the minimum time between poll starts.
func (d *ConnectorDefinition) PollInterval() time.Duration {
	if d.Source.PollIntervalMs == nil {
		return DefaultPollIntervalMs * time.Millisecond
	}
	return time.Duration(*d.Source.PollIntervalMs) * time.Millisecond
}

// EngineConfig maps the definition onto the engine's settings.
func (d *ConnectorDefinition) EngineConfig() engine.Config {
	return engine.Config{
		Name:           d.Name,
		Topic:          d.Topic,
		Prefixes:       append([]string(nil), d.Source.Prefixes...),
		MaxFiles:       d.Source.MaxFiles,
		SkipUnreadable: d.Source.SkipUnreadable,
	}
}

// StoreConfig maps the definition onto the object store client. Each
// connector stages under its own subdirectory.
func (d *ConnectorDefinition) StoreConfig() objectstore.Config {
	useSSL := true
	if d.Source.UseSSL != nil {
		useSSL = *d.Source.UseSSL
	}
	return objectstore.Config{
		Bucket:            d.Source.Bucket,
		Region:            d.Source.Region,
		Endpoint:          d.Source.Endpoint,
		UseSSL:            useSSL,
		AccessKeyID:       d.Source.AccessKeyID,
		SecretAccessKey:   d.Source.SecretAccessKey,
		StagingDir:        filepath.Join(d.Source.StagingDir, d.Name),
		RequestsPerSecond: d.Source.RequestsPerSecond,
		Retry:             d.Source.Retry,
	}
}

// Codec returns the parsed source codec.
func (d *ConnectorDefinition) Codec() decode.Codec {
	c, err := decode.ParseCodec(d.Source.Codec)
	if err != nil {
		return decode.CodecGzip
	}
	return c
}

// ParseFile reads, defaults and validates one connector file.
func ParseFile(path string) (*ConnectorDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var def ConnectorDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	def.Path = path
	def.ApplyDefaults()

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// FileError ties a problem to the file it came from.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string { return e.Path + ": " + e.Err.Error() }
func (e *FileError) Unwrap() error { return e.Err }

// ParseDir parses every .yaml/.yml file in dir in name order. Files that fail
// and files reusing an earlier connector name are reported in problems and
// left out of the result.
func ParseDir(dir string) (defs map[string]*ConnectorDefinition, problems []error, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read config dir %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	defs = make(map[string]*ConnectorDefinition)
	for _, entry := range entries {
		if entry.IsDir() || !isConfigFile(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		def, err := ParseFile(path)
		if err != nil {
			problems = append(problems, &FileError{Path: path, Err: err})
			continue
		}
		if prev, dup := defs[def.Name]; dup {
			problems = append(problems, &FileError{
				Path: path,
				Err:  fmt.Errorf("connector %q is already defined in %s", def.Name, prev.Path),
			})
			continue
		}
		defs[def.Name] = def
	}
	return defs, problems, nil
}

func isConfigFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// Loader loads and watches connector definition files.
type Loader struct {
	mu         sync.RWMutex
	connectors map[string]*ConnectorDefinition
	dir        string
	logger     *slog.Logger
	onChange   func(map[string]*ConnectorDefinition)
	debounce   time.Duration
}

// NewLoader creates a new configuration loader for the given directory.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		connectors: make(map[string]*ConnectorDefinition),
		dir:        dir,
		logger:     logger,
		debounce:   250 * time.Millisecond,
	}
}

// OnChange registers a callback that fires when the loaded definitions change.
func (l *Loader) OnChange(fn func(map[string]*ConnectorDefinition)) {
	l.onChange = fn
}

// Load reads all connector files from the configured directory. Invalid and
// duplicate files are logged and skipped.
func (l *Loader) Load() (map[string]*ConnectorDefinition, error) {
	defs, problems, err := ParseDir(l.dir)
	if err != nil {
		return nil, err
	}
	for _, p := range problems {
		l.logger.Error("failed to load connector file", "error", p)
	}

	l.mu.Lock()
	l.connectors = defs
	l.mu.Unlock()

	return defs, nil
}

// Watch reloads the directory after changes settle and fires the OnChange
// callback when the definitions differ. Blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", l.dir, err)
	}

	l.logger.Info("watching config directory", "dir", l.dir)

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isConfigFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				l.logger.Info("config change detected", "file", event.Name, "op", event.Op.String())
				settle = time.After(l.debounce)
			}
		case <-settle:
			settle = nil
			l.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}

func (l *Loader) reload() {
	before := l.Connectors()
	defs, err := l.Load()
	if err != nil {
		l.logger.Error("failed to reload config", "error", err)
		return
	}
	if reflect.DeepEqual(before, defs) {
		l.logger.Debug("config reloaded without changes")
		return
	}
	if l.onChange != nil {
		l.onChange(defs)
	}
}

// Connectors returns a copy of the currently loaded definitions.
func (l *Loader) Connectors() map[string]*ConnectorDefinition {
	l.mu.RLock()
	defer l.mu.RUnlock()

	defs := make(map[string]*ConnectorDefinition, len(l.connectors))
	for k, v := range l.connectors {
		defs[k] = v
	}
	return defs
}
