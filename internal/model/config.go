package model

import (
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// Recognized configuration keys.
const (
	KeyThreadCount     = "thread_count"
	KeyDaemonMode      = "daemon_mode"
	KeyLogConsole      = "log_console"
	KeyLevel           = "level"
	KeyPattern         = "pattern"
	KeyFilename        = "filename"
	KeyImmediateFlush  = "immediate_flush"
	KeyMaxSize         = "max_size"
	KeyMaxFiles        = "max_files"
	KeyPollInterval    = "poll_interval"
	KeyIterations      = "iterations"
	KeyShutdownTimeout = "shutdown_timeout"
	KeyResourceWorkers = "resource_workers"
	KeyMetricsAddr     = "metrics_addr"
	KeyDriver          = "driver"
	KeyDBName          = "dbname"
	KeyUser            = "user"
	KeyPassword        = "password"
	KeyHostAddr        = "hostaddr"
	KeyPort            = "port"
	KeySSLMode         = "sslmode"
	KeyQuery           = "query"
	KeyRecordKey       = "record_key"
	KeyQueryTimeout    = "query_timeout"
)

// Keys lists every recognized key. Each one can be overridden from the
// environment.
var Keys = []string{
	KeyThreadCount, KeyDaemonMode,
	KeyLogConsole, KeyLevel, KeyPattern, KeyFilename, KeyImmediateFlush, KeyMaxSize, KeyMaxFiles,
	KeyPollInterval, KeyIterations, KeyShutdownTimeout, KeyResourceWorkers, KeyMetricsAddr,
	KeyDriver, KeyDBName, KeyUser, KeyPassword, KeyHostAddr, KeyPort, KeySSLMode,
	KeyQuery, KeyRecordKey, KeyQueryTimeout,
}

const (
	DriverPostgres = "postgres"
	DriverLibPQ    = "libpq"
	DriverSQLite   = "sqlite"

	DefaultPattern = "[%Y-%m-%d %H:%M:%S.%e] [%^%l%$] [%t] %v"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

// validate checks YAML from r against the CUE schema.
func validate(r io.Reader) error {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	return unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	)
}

// validateValues checks already decoded values against the CUE schema.
func validateValues(values map[string]any) error {
	unified := schema.Unify(cueCtx.Encode(values))
	return unified.Validate(
		cue.All(),
		cue.Concrete(true),
	)
}

// Config is the typed view of a Document with every default applied.
type Config struct {
	ThreadCount     int      `yaml:"thread_count"`
	DaemonMode      bool     `yaml:"daemon_mode"`
	PollInterval    Duration `yaml:"poll_interval"`
	Iterations      int      `yaml:"iterations"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	ResourceWorkers int      `yaml:"resource_workers"`
	MetricsAddr     string   `yaml:"metrics_addr"`
	Log             Log      `yaml:",inline"`
	Store           Store    `yaml:",inline"`
}

// Log configures the logging sinks.
type Log struct {
	Console        bool   `yaml:"log_console"`
	Level          string `yaml:"level"`
	Pattern        string `yaml:"pattern"`
	Filename       string `yaml:"filename"`
	ImmediateFlush bool   `yaml:"immediate_flush"`
	MaxSizeKB      int    `yaml:"max_size"`
	MaxFiles       int    `yaml:"max_files"`
}

// MaxSizeBytes returns the rotation threshold of the log file.
func (l Log) MaxSizeBytes() int64 {
	return int64(l.MaxSizeKB) * 1024
}

// Store configures the connection of resource workers.
type Store struct {
	Driver       string   `yaml:"driver"`
	DBName       string   `yaml:"dbname"`
	User         string   `yaml:"user"`
	Password     string   `yaml:"password"`
	HostAddr     string   `yaml:"hostaddr"`
	Port         int      `yaml:"port"`
	SSLMode      string   `yaml:"sslmode"`
	Query        string   `yaml:"query"`
	RecordKey    int      `yaml:"record_key"`
	QueryTimeout Duration `yaml:"query_timeout"`
}

func DefaultConfig() Config {
	return Config{
		ThreadCount:     2,
		DaemonMode:      false,
		PollInterval:    Duration(100 * time.Millisecond),
		Iterations:      0,
		ShutdownTimeout: Duration(30 * time.Second),
		ResourceWorkers: 0,
		MetricsAddr:     "",
		Log: Log{
			Console:        true,
			Level:          "info",
			Pattern:        DefaultPattern,
			Filename:       "logs/app.log",
			ImmediateFlush: true,
			MaxSizeKB:      1,
			MaxFiles:       3,
		},
		Store: Store{
			Driver:       DriverPostgres,
			DBName:       "testDB1",
			User:         "postgres",
			Password:     "",
			HostAddr:     "127.0.0.1",
			Port:         5432,
			SSLMode:      "prefer",
			Query:        "SELECT * FROM company WHERE id = $1",
			RecordKey:    1,
			QueryTimeout: Duration(5 * time.Second),
		},
	}
}

// NewConfig resolves every recognized key of doc, falling back to
// DefaultConfig for absent ones. A nil doc yields the defaults.
func NewConfig(doc *Document) Config {
	d := DefaultConfig()
	cfg := Config{
		ThreadCount:     doc.GetIntDefault(KeyThreadCount, d.ThreadCount),
		DaemonMode:      doc.GetBoolDefault(KeyDaemonMode, d.DaemonMode),
		PollInterval:    Duration(doc.GetDurationDefault(KeyPollInterval, d.PollInterval.Std())),
		Iterations:      doc.GetIntDefault(KeyIterations, d.Iterations),
		ShutdownTimeout: Duration(doc.GetDurationDefault(KeyShutdownTimeout, d.ShutdownTimeout.Std())),
		ResourceWorkers: doc.GetIntDefault(KeyResourceWorkers, d.ResourceWorkers),
		MetricsAddr:     doc.GetStringDefault(KeyMetricsAddr, d.MetricsAddr),
		Log: Log{
			Console:        doc.GetBoolDefault(KeyLogConsole, d.Log.Console),
			Level:          doc.GetStringDefault(KeyLevel, d.Log.Level),
			Pattern:        doc.GetStringDefault(KeyPattern, d.Log.Pattern),
			Filename:       doc.GetStringDefault(KeyFilename, d.Log.Filename),
			ImmediateFlush: doc.GetBoolDefault(KeyImmediateFlush, d.Log.ImmediateFlush),
			MaxSizeKB:      doc.GetIntDefault(KeyMaxSize, d.Log.MaxSizeKB),
			MaxFiles:       doc.GetIntDefault(KeyMaxFiles, d.Log.MaxFiles),
		},
		Store: Store{
			Driver:       doc.GetStringDefault(KeyDriver, d.Store.Driver),
			DBName:       doc.GetStringDefault(KeyDBName, d.Store.DBName),
			User:         doc.GetStringDefault(KeyUser, d.Store.User),
			Password:     doc.GetStringDefault(KeyPassword, d.Store.Password),
			HostAddr:     doc.GetStringDefault(KeyHostAddr, d.Store.HostAddr),
			Port:         doc.GetIntDefault(KeyPort, d.Store.Port),
			SSLMode:      doc.GetStringDefault(KeySSLMode, d.Store.SSLMode),
			Query:        doc.GetStringDefault(KeyQuery, d.Store.Query),
			RecordKey:    doc.GetIntDefault(KeyRecordKey, d.Store.RecordKey),
			QueryTimeout: Duration(doc.GetDurationDefault(KeyQueryTimeout, d.Store.QueryTimeout.Std())),
		},
	}
	if cfg.ResourceWorkers > cfg.ThreadCount {
		cfg.ResourceWorkers = cfg.ThreadCount
	}
	return cfg
}
