package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"salvo/internal/dispatch"
	"salvo/internal/domain"
	"salvo/internal/scheduler"
	"salvo/internal/session"
)

var ErrInvalid = errors.New("invalid configuration")

// Error names the offending field. It matches ErrInvalid with errors.Is.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("config: %s: %s", e.Field, e.Reason) }
func (e *Error) Unwrap() error { return ErrInvalid }

type Target struct {
	ID     string            `yaml:"id"`
	Label  string            `yaml:"label"`
	Params map[string]string `yaml:"params"`
}

type Concurrency struct {
	MaxTasks        int           `yaml:"max_tasks"`
	// nil means the default; an explicit 0 disables the pause
	InterBatchDelay *time.Duration `yaml:"inter_batch_delay"`
}

type Timing struct {
	FireAt   string        `yaml:"fire_at"`
	FireCron string        `yaml:"fire_cron"`
	Timezone string        `yaml:"timezone"`
	LeadTime time.Duration `yaml:"lead_time"`
}

type Jitter struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

type Clock struct {
	Server           string        `yaml:"server"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

type Request struct {
	BaseURL    string            `yaml:"base_url"`
	Method     string            `yaml:"method"`
	Path       string            `yaml:"path"`
	ItemField  string            `yaml:"item_field"`
	LabelField string            `yaml:"label_field"`
	Fields     map[string]string `yaml:"fields"`
	Referer    string            `yaml:"referer"`
	Accept     string            `yaml:"accept"`
	Timeout    time.Duration     `yaml:"timeout"`
	MaxBody    int64             `yaml:"max_body"`
	PoolSize   int               `yaml:"pool_size"`
	UserAgents []string          `yaml:"user_agents"`
}

type Budget struct {
	MaxAttempts uint64        `yaml:"max_attempts"`
	MaxDuration time.Duration `yaml:"max_duration"`
}

type Session struct {
	Cookies   map[string]string `yaml:"cookies"`
	CookieEnv string            `yaml:"cookie_env"`
	Login     session.Command   `yaml:"login"`
	Warm      *bool             `yaml:"warm"`
}

type Journal struct {
	Path string `yaml:"path"`
}

type Status struct {
	Addr  string `yaml:"addr"`
	Debug bool   `yaml:"debug"`
}

type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
	JSON  bool   `yaml:"json"`
}

type Config struct {
	Targets     []Target       `yaml:"targets"`
	Goal        domain.Goal    `yaml:"goal"`
	Concurrency Concurrency    `yaml:"concurrency"`
	Timing      Timing         `yaml:"timing"`
	Jitter      Jitter         `yaml:"jitter"`
	Clock       Clock          `yaml:"clock"`
	Request     Request        `yaml:"request"`
	Classify    dispatch.Rules `yaml:"classify"`
	Budget      Budget         `yaml:"budget"`
	Session     Session        `yaml:"session"`
	Journal     Journal        `yaml:"journal"`
	Status      Status         `yaml:"status"`
	Log         Log            `yaml:"log"`
}

// Load reads a .env file if present, then the YAML config at path, fills
// defaults and validates.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Field: "file", Reason: err.Error()}
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, &Error{Field: "file", Reason: err.Error()}
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Goal == "" {
		c.Goal = domain.GoalFirstSuccess
	}
	if c.Concurrency.MaxTasks == 0 {
		c.Concurrency.MaxTasks = 5
	}
	if c.Concurrency.InterBatchDelay == nil {
		d := 100 * time.Millisecond
		c.Concurrency.InterBatchDelay = &d
	}
	if c.Clock.Server == "" {
		c.Clock.Server = "pool.ntp.org"
	}
	if c.Clock.Timeout == 0 {
		c.Clock.Timeout = 5 * time.Second
	}
	if c.Request.Method == "" {
		c.Request.Method = "POST"
	}
	c.Request.Method = strings.ToUpper(c.Request.Method)
	if c.Request.Referer == "" && c.Request.BaseURL != "" {
		c.Request.Referer = strings.TrimRight(c.Request.BaseURL, "/") + "/"
	}
	if c.Request.Timeout == 0 {
		c.Request.Timeout = 10 * time.Second
	}
	if c.Request.PoolSize == 0 {
		c.Request.PoolSize = 100
	}
	d := dispatch.DefaultRules()
	if len(c.Classify.SuccessStatus) == 0 {
		c.Classify.SuccessStatus = d.SuccessStatus
	}
	if len(c.Classify.OverloadStatus) == 0 {
		c.Classify.OverloadStatus = d.OverloadStatus
	}
	if len(c.Classify.ExpiredStatus) == 0 {
		c.Classify.ExpiredStatus = d.ExpiredStatus
	}
	if c.Session.CookieEnv == "" {
		c.Session.CookieEnv = "SALVO_COOKIES"
	}
	if c.Session.Warm == nil {
		warm := true
		c.Session.Warm = &warm
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return &Error{Field: "targets", Reason: "at least one target is required"}
	}
	seen := map[string]bool{}
	for i, t := range c.Targets {
		if strings.TrimSpace(t.ID) == "" {
			return &Error{Field: fmt.Sprintf("targets[%d].id", i), Reason: "must not be empty"}
		}
		if seen[t.ID] {
			return &Error{Field: fmt.Sprintf("targets[%d].id", i), Reason: fmt.Sprintf("duplicate id %q", t.ID)}
		}
		seen[t.ID] = true
	}
	switch c.Goal {
	case domain.GoalFirstSuccess, domain.GoalAllItems:
	default:
		return &Error{Field: "goal", Reason: fmt.Sprintf("unknown goal %q", c.Goal)}
	}
	if c.Concurrency.MaxTasks < 1 {
		return &Error{Field: "concurrency.max_tasks", Reason: "must be at least 1"}
	}
	if *c.Concurrency.InterBatchDelay < 0 {
		return &Error{Field: "concurrency.inter_batch_delay", Reason: "must not be negative"}
	}
	if c.Timing.LeadTime < 0 {
		return &Error{Field: "timing.lead_time", Reason: "must not be negative"}
	}
	if c.Jitter.Min < 0 || c.Jitter.Max < 0 {
		return &Error{Field: "jitter", Reason: "must not be negative"}
	}
	if c.Jitter.Min > c.Jitter.Max {
		return &Error{Field: "jitter", Reason: "min exceeds max"}
	}
	loc, err := c.Location()
	if err != nil {
		return err
	}
	if c.Timing.FireAt != "" && c.Timing.FireCron != "" {
		return &Error{Field: "timing", Reason: "fire_at and fire_cron are mutually exclusive"}
	}
	if c.Timing.FireAt != "" {
		if _, err := scheduler.ParseFireInstant(c.Timing.FireAt, loc); err != nil {
			return &Error{Field: "timing.fire_at", Reason: err.Error()}
		}
	}
	if c.Timing.FireCron != "" {
		if err := scheduler.ValidateCronExpression(c.Timing.FireCron); err != nil {
			return &Error{Field: "timing.fire_cron", Reason: err.Error()}
		}
	}
	u, err := url.Parse(c.Request.BaseURL)
	if c.Request.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		return &Error{Field: "request.base_url", Reason: "must be an absolute URL"}
	}
	if _, err := u.Parse(c.Request.Path); err != nil {
		return &Error{Field: "request.path", Reason: err.Error()}
	}
	if c.Budget.MaxDuration < 0 {
		return &Error{Field: "budget.max_duration", Reason: "must not be negative"}
	}
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return &Error{Field: "log.level", Reason: fmt.Sprintf("unknown level %q", c.Log.Level)}
	}
	return nil
}

func (c *Config) Location() (*time.Location, error) {
	if c.Timing.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timing.Timezone)
	if err != nil {
		return nil, &Error{Field: "timing.timezone", Reason: err.Error()}
	}
	return loc, nil
}

// FireInstant resolves the nominal release instant, or the zero time when
// the burst should start right away. now only matters for fire_cron.
func (c *Config) FireInstant(now time.Time) (time.Time, error) {
	loc, err := c.Location()
	if err != nil {
		return time.Time{}, err
	}
	switch {
	case c.Timing.FireAt != "":
		return scheduler.ParseFireInstant(c.Timing.FireAt, loc)
	case c.Timing.FireCron != "":
		return scheduler.NextFireTime(c.Timing.FireCron, now, loc)
	}
	return time.Time{}, nil
}

func (c *Config) Items() []domain.TargetItem {
	out := make([]domain.TargetItem, len(c.Targets))
	for i, t := range c.Targets {
		out[i] = domain.TargetItem{ID: t.ID, Label: t.Label, Params: t.Params}
	}
	return out
}

// RequestURL joins base_url and path.
func (c *Config) RequestURL() string {
	u, err := url.Parse(c.Request.BaseURL)
	if err != nil {
		return c.Request.BaseURL
	}
	ref, err := u.Parse(c.Request.Path)
	if err != nil {
		return c.Request.BaseURL
	}
	return ref.String()
}

func (c *Config) Policy(fireAt time.Time) scheduler.Policy {
	return scheduler.Policy{
		MaxConcurrent:   c.Concurrency.MaxTasks,
		InterBatchDelay: *c.Concurrency.InterBatchDelay,
		FireAt:          fireAt,
		LeadTime:        c.Timing.LeadTime,
		Goal:            c.Goal,
		MaxAttempts:     c.Budget.MaxAttempts,
		MaxDuration:     c.Budget.MaxDuration,
	}
}

func (c *Config) DispatchOptions(runID string) dispatch.Options {
	return dispatch.Options{
		RunID: runID,
		Request: dispatch.Request{
			Method:     c.Request.Method,
			URL:        c.RequestURL(),
			ItemField:  c.Request.ItemField,
			LabelField: c.Request.LabelField,
			Fields:     c.Request.Fields,
			Referer:    c.Request.Referer,
			Accept:     c.Request.Accept,
		},
		Jitter:     dispatch.Jitter{Min: c.Jitter.Min, Max: c.Jitter.Max},
		Classifier: c.Classify,
		UserAgents: c.Request.UserAgents,
		MaxBody:    c.Request.MaxBody,
	}
}
