package model

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
	goyaml "gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment variables overriding recognized keys,
// e.g. WORKERD_THREAD_COUNT overrides thread_count.
const EnvPrefix = "WORKERD"

// Document is a flat key/value configuration. It is populated once by Load and
// never mutated afterwards, so concurrent readers need no locking.
type Document struct {
	path   string
	values map[string]any
}

// Load reads the YAML file at path, validates it against the embedded schema
// and returns an immutable Document. Any failure yields an error wrapping
// ErrLoadFailed and an empty, non-nil Document, so callers can carry on with
// defaults.
func Load(path string) (*Document, error) {
	doc := &Document{path: path, values: map[string]any{}}

	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("%w: reading %s: %w", ErrLoadFailed, path, err)
	}
	return parse(doc, raw)
}

// Parse builds a Document from YAML bytes, see Load.
func Parse(raw []byte) (*Document, error) {
	return parse(&Document{values: map[string]any{}}, raw)
}

func parse(doc *Document, raw []byte) (*Document, error) {
	if err := validate(bytes.NewReader(raw)); err != nil {
		return doc, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range Keys {
		if err := v.BindEnv(key); err != nil {
			return doc, fmt.Errorf("%w: binding env for %s: %w", ErrLoadFailed, key, err)
		}
	}
	if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
		return doc, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	values := make(map[string]any, len(Keys))
	for _, key := range v.AllKeys() {
		if value := v.Get(key); value != nil {
			values[key] = value
		}
	}
	// environment values arrive as strings, type them like YAML scalars
	for _, key := range Keys {
		env, ok := os.LookupEnv(envName(key))
		if !ok || env == "" {
			continue
		}
		values[key] = envValue(key, env)
	}
	if err := validateValues(values); err != nil {
		return doc, fmt.Errorf("%w: environment overrides: %w", ErrLoadFailed, err)
	}
	doc.values = values
	return doc, nil
}

// textKeys are kept verbatim, a password like 0123 must not become a number.
var textKeys = []string{
	KeyLevel, KeyPattern, KeyFilename, KeyMetricsAddr, KeyDriver,
	KeyDBName, KeyUser, KeyPassword, KeyHostAddr, KeySSLMode, KeyQuery,
}

func envValue(key, env string) any {
	if slices.Contains(textKeys, key) {
		return env
	}
	var value any
	if err := goyaml.Unmarshal([]byte(env), &value); err != nil || value == nil {
		return env
	}
	return value
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(key)
}

// Path returns the file the document was loaded from.
func (d *Document) Path() string {
	if d == nil {
		return ""
	}
	return d.path
}

// Has reports whether key is present.
func (d *Document) Has(key string) bool {
	_, ok := d.lookup(key)
	return ok
}

// Keys returns the sorted keys present in the document.
func (d *Document) Keys() []string {
	if d == nil {
		return nil
	}
	keys := make([]string, 0, len(d.values))
	for k := range d.values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (d *Document) lookup(key string) (any, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d.values[strings.ToLower(key)]
	return v, ok
}

func (d *Document) GetString(key string) (string, error) {
	return get(d, key, cast.ToStringE)
}

func (d *Document) GetInt(key string) (int, error) {
	return get(d, key, cast.ToIntE)
}

func (d *Document) GetFloat(key string) (float64, error) {
	return get(d, key, cast.ToFloat64E)
}

func (d *Document) GetBool(key string) (bool, error) {
	return get(d, key, cast.ToBoolE)
}

func (d *Document) GetDuration(key string) (time.Duration, error) {
	return get(d, key, cast.ToDurationE)
}

func (d *Document) GetStringDefault(key string, def string) string {
	return getDefault(d, key, def, cast.ToStringE)
}

func (d *Document) GetIntDefault(key string, def int) int {
	return getDefault(d, key, def, cast.ToIntE)
}

func (d *Document) GetFloatDefault(key string, def float64) float64 {
	return getDefault(d, key, def, cast.ToFloat64E)
}

func (d *Document) GetBoolDefault(key string, def bool) bool {
	return getDefault(d, key, def, cast.ToBoolE)
}

func (d *Document) GetDurationDefault(key string, def time.Duration) time.Duration {
	return getDefault(d, key, def, cast.ToDurationE)
}

func get[T any](d *Document, key string, conv func(any) (T, error)) (T, error) {
	var zero T
	raw, ok := d.lookup(key)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrMissingKey, key)
	}
	v, err := conv(raw)
	if err != nil {
		return zero, fmt.Errorf("%w: %s: %w", ErrTypeMismatch, key, err)
	}
	return v, nil
}

// getDefault never fails: absent keys and values which can't be converted
// both resolve to def.
func getDefault[T any](d *Document, key string, def T, conv func(any) (T, error)) T {
	v, err := get(d, key, conv)
	if err != nil {
		return def
	}
	return v
}

var (
	sharedMx  sync.Mutex
	sharedDoc *Document
	sharedErr error
)

// Init loads the process-wide Document exactly once, no matter how many
// goroutines call it. Later calls return the first result, including its
// error, until Release is called.
func Init(path string) (*Document, error) {
	sharedMx.Lock()
	defer sharedMx.Unlock()
	if sharedDoc == nil {
		sharedDoc, sharedErr = Load(path)
	}
	return sharedDoc, sharedErr
}

// Shared returns the Document loaded by Init or nil.
func Shared() *Document {
	sharedMx.Lock()
	defer sharedMx.Unlock()
	return sharedDoc
}

// Release drops the process-wide Document. It is the last configuration call
// of the process.
func Release() {
	sharedMx.Lock()
	defer sharedMx.Unlock()
	sharedDoc = nil
	sharedErr = nil
}
