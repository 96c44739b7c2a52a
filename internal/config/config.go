// Package config loads entitystore configuration from defaults, file, environment and flags
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nainya/entitystore/internal/logger"
	"github.com/nainya/entitystore/pkg/entity"
)

// EnvPrefix prefixes environment overrides, e.g. ENTITYSTORE_GRPC_PORT
const EnvPrefix = "ENTITYSTORE"

// Config is the complete server configuration
type Config struct {
	GRPC        GRPCConfig         `mapstructure:"grpc"`
	Metrics     MetricsConfig      `mapstructure:"metrics"`
	Log         LogConfig          `mapstructure:"log"`
	WAL         WALConfig          `mapstructure:"wal"`
	Query       QueryConfig        `mapstructure:"query"`
	Collections []CollectionConfig `mapstructure:"collections"`
}

// GRPCConfig configures the gRPC listener
type GRPCConfig struct {
	Port         int `mapstructure:"port"`
	MaxMessageMB int `mapstructure:"max_message_mb"`
}

// MetricsConfig configures the observability HTTP server
type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
	Caller bool   `mapstructure:"caller"`
}

// WALConfig configures the mutation journal; an empty path keeps data in memory only
type WALConfig struct {
	Path               string        `mapstructure:"path"`
	Sync               bool          `mapstructure:"sync"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
}

// QueryConfig configures query execution
type QueryConfig struct {
	MaxInFlight     int           `mapstructure:"max_in_flight"`
	BatchTimeout    time.Duration `mapstructure:"batch_timeout"`
	DefaultPageSize int           `mapstructure:"default_page_size"`
}

// CollectionConfig declares a collection schema
type CollectionConfig struct {
	Name       string            `mapstructure:"name"`
	Hierarchy  bool              `mapstructure:"hierarchy"`
	Prices     bool              `mapstructure:"prices"`
	Attributes []AttributeConfig `mapstructure:"attributes"`
	References []ReferenceConfig `mapstructure:"references"`
}

// AttributeConfig declares an attribute
type AttributeConfig struct {
	Name      string `mapstructure:"name"`
	Type      string `mapstructure:"type"`
	Mandatory bool   `mapstructure:"mandatory"`
	Localized bool   `mapstructure:"localized"`
	Unique    bool   `mapstructure:"unique"`
	Global    bool   `mapstructure:"global"`
}

// ReferenceConfig declares a reference
type ReferenceConfig struct {
	Name       string            `mapstructure:"name"`
	Target     string            `mapstructure:"target"`
	Group      string            `mapstructure:"group"`
	Attributes []AttributeConfig `mapstructure:"attributes"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("grpc.port", 50051)
	v.SetDefault("grpc.max_message_mb", 100)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.caller", false)
	v.SetDefault("wal.path", "")
	v.SetDefault("wal.sync", false)
	v.SetDefault("wal.checkpoint_interval", 10*time.Minute)
	v.SetDefault("query.max_in_flight", 64)
	v.SetDefault("query.batch_timeout", 30*time.Second)
	v.SetDefault("query.default_page_size", 20)
}

// BindFlags registers command line flags and binds them to keys
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	flags.Int("port", 50051, "gRPC server port")
	flags.Int("metrics-port", 9090, "metrics and health HTTP port")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("pretty", false, "pretty-print logs")
	flags.String("wal", "", "mutation journal path (empty keeps data in memory)")

	bindings := map[string]string{
		"grpc.port":    "port",
		"metrics.port": "metrics-port",
		"log.level":    "log-level",
		"log.pretty":   "pretty",
		"wal.path":     "wal",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return errors.Wrapf(err, "bind flag %s", flag)
		}
	}
	return nil
}

// New returns a viper instance with defaults and environment overrides
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and decodes the result
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	return Decode(v)
}

// Decode unmarshals and validates the current settings of v
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every configuration problem at once
func (c *Config) Validate() error {
	var errs entity.ValidationErrors
	checkPort := func(field string, port int) {
		if port <= 0 || port > 65535 {
			errs.Add(entity.Invalid(field, port, "port must be between 1 and 65535"))
		}
	}
	checkPort("grpc.port", c.GRPC.Port)
	checkPort("metrics.port", c.Metrics.Port)
	if c.GRPC.Port == c.Metrics.Port {
		errs.Add(entity.Invalid("metrics.port", c.Metrics.Port, "metrics port collides with grpc port"))
	}
	if c.GRPC.MaxMessageMB <= 0 {
		errs.Add(entity.Invalid("grpc.max_message_mb", c.GRPC.MaxMessageMB, "must be positive"))
	}
	if _, ok := logger.ParseLevel(c.Log.Level); !ok {
		errs.Add(entity.Invalid("log.level", c.Log.Level, "unknown log level"))
	}
	if c.WAL.CheckpointInterval < 0 {
		errs.Add(entity.Invalid("wal.checkpoint_interval", c.WAL.CheckpointInterval, "must not be negative"))
	}
	if c.Query.MaxInFlight <= 0 {
		errs.Add(entity.Invalid("query.max_in_flight", c.Query.MaxInFlight, "must be positive"))
	}
	if c.Query.BatchTimeout <= 0 {
		errs.Add(entity.Invalid("query.batch_timeout", c.Query.BatchTimeout, "must be positive"))
	}
	if c.Query.DefaultPageSize <= 0 {
		errs.Add(entity.Invalid("query.default_page_size", c.Query.DefaultPageSize, "must be positive"))
	}

	seen := make(map[string]bool, len(c.Collections))
	for i, coll := range c.Collections {
		field := fmt.Sprintf("collections[%d]", i)
		switch {
		case coll.Name == "":
			errs.Add(entity.Invalid(field+".name", nil, "name is required"))
		case seen[coll.Name]:
			errs.Add(entity.Invalid(field+".name", coll.Name, "duplicate collection"))
		}
		seen[coll.Name] = true
		validateAttributes(&errs, field+".attributes", coll.Attributes)
		refs := make(map[string]bool, len(coll.References))
		for j, ref := range coll.References {
			rf := fmt.Sprintf("%s.references[%d]", field, j)
			switch {
			case ref.Name == "":
				errs.Add(entity.Invalid(rf+".name", nil, "name is required"))
			case refs[ref.Name]:
				errs.Add(entity.Invalid(rf+".name", ref.Name, "duplicate reference"))
			}
			refs[ref.Name] = true
			if ref.Target == "" {
				errs.Add(entity.Invalid(rf+".target", nil, "target collection is required"))
			}
			validateAttributes(&errs, rf+".attributes", ref.Attributes)
		}
	}
	return errs.Err()
}

func validateAttributes(errs *entity.ValidationErrors, field string, attrs []AttributeConfig) {
	seen := make(map[string]bool, len(attrs))
	for i, a := range attrs {
		af := fmt.Sprintf("%s[%d]", field, i)
		switch {
		case a.Name == "":
			errs.Add(entity.Invalid(af+".name", nil, "name is required"))
		case seen[a.Name]:
			errs.Add(entity.Invalid(af+".name", a.Name, "duplicate attribute"))
		}
		seen[a.Name] = true
		if _, err := entity.ParseValueType(a.Type); err != nil {
			errs.Add(entity.Invalid(af+".type", a.Type, "%v", err))
		}
	}
}

// Schemas converts collection declarations into entity schemas
func (c *Config) Schemas() []*entity.EntitySchema {
	out := make([]*entity.EntitySchema, 0, len(c.Collections))
	for _, coll := range c.Collections {
		sch := entity.NewSchema(coll.Name)
		sch.WithHierarchy = coll.Hierarchy
		sch.WithPrice = coll.Prices
		for _, a := range coll.Attributes {
			sch.WithAttribute(a.schema())
		}
		for _, ref := range coll.References {
			attrs := make(map[string]*entity.AttributeSchema, len(ref.Attributes))
			for _, a := range ref.Attributes {
				as := a.schema()
				attrs[a.Name] = &as
			}
			sch.WithReference(entity.ReferenceSchema{
				Name:       ref.Name,
				TargetType: ref.Target,
				GroupType:  ref.Group,
				Attributes: attrs,
			})
		}
		out = append(out, sch)
	}
	return out
}

func (a AttributeConfig) schema() entity.AttributeSchema {
	t, _ := entity.ParseValueType(a.Type)
	return entity.AttributeSchema{
		Name:           a.Name,
		Type:           t,
		Mandatory:      a.Mandatory,
		Localized:      a.Localized,
		Unique:         a.Unique,
		GloballyUnique: a.Global,
	}
}

// Watch re-decodes the configuration whenever the config file changes.
// Invalid updates are passed to onError and otherwise ignored.
func Watch(v *viper.Viper, onChange func(*Config), onError func(error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}
