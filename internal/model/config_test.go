package model_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/workerd/internal/model"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
thread_count: 3
daemon_mode: false
level: debug
pattern: "%l %v"
max_size: 64
poll_interval: 250ms
ratio: 0.5
port: 5433
`)
	doc, err := model.Load(path)
	require.NoError(t, err)
	require.Equal(t, path, doc.Path())

	n, err := doc.GetInt(model.KeyThreadCount)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	daemon, err := doc.GetBool(model.KeyDaemonMode)
	require.NoError(t, err)
	require.False(t, daemon)

	level, err := doc.GetString(model.KeyLevel)
	require.NoError(t, err)
	require.Equal(t, "debug", level)

	ratio, err := doc.GetFloat("ratio")
	require.NoError(t, err)
	require.InDelta(t, 0.5, ratio, 1e-9)

	poll, err := doc.GetDuration(model.KeyPollInterval)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, poll)

	port, err := doc.GetString(model.KeyPort)
	require.NoError(t, err)
	require.Equal(t, "5433", port)

	t.Run("missing key", func(t *testing.T) {
		_, err := doc.GetString("nope")
		require.ErrorIs(t, err, model.ErrMissingKey)
		_, err = doc.GetInt("nope")
		require.ErrorIs(t, err, model.ErrMissingKey)
		_, err = doc.GetFloat("nope")
		require.ErrorIs(t, err, model.ErrMissingKey)
		_, err = doc.GetBool("nope")
		require.ErrorIs(t, err, model.ErrMissingKey)
	})

	t.Run("type mismatch", func(t *testing.T) {
		_, err := doc.GetInt(model.KeyLevel)
		require.ErrorIs(t, err, model.ErrTypeMismatch)
		require.Equal(t, 7, doc.GetIntDefault(model.KeyLevel, 7))
	})
}

func TestLoad_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    func(t *testing.T) string
	}{
		{"missing file", func(t *testing.T) string {
			return filepath.Join(t.TempDir(), "does-not-exist.yaml")
		}},
		{"not yaml", func(t *testing.T) string {
			return writeConfig(t, "thread_count: [1, 2\n")
		}},
		{"schema violation", func(t *testing.T) string {
			return writeConfig(t, "thread_count: zero\n")
		}},
		{"out of range", func(t *testing.T) string {
			return writeConfig(t, "thread_count: 0\n")
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			doc, err := model.Load(tc.given(t))
			require.Error(t, err)
			require.ErrorIs(t, err, model.ErrLoadFailed)
			require.NotNil(t, doc)
			require.Empty(t, doc.Keys())

			cfg := model.NewConfig(doc)
			require.Equal(t, 2, cfg.ThreadCount)
			require.False(t, cfg.DaemonMode)
		})
	}
}

func TestCueErrDetails(t *testing.T) {
	_, err := model.Parse([]byte("thread_count: zero\nsslmode: sometimes\n"))
	require.ErrorIs(t, err, model.ErrLoadFailed)
	details := model.CueErrDetails(err)
	require.NotEmpty(t, details)
	paths := make([]string, 0, len(details))
	for _, d := range details {
		paths = append(paths, d.Path)
		require.NotEmpty(t, d.Message)
	}
	require.Contains(t, paths, "thread_count")

	require.Nil(t, model.CueErrDetails(nil))
	require.Nil(t, model.CueErrDetails(os.ErrNotExist))
}

func TestDefaults(t *testing.T) {
	loaded, err := model.Parse([]byte("unrelated: 1\n"))
	require.NoError(t, err)
	failed, err := model.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	for name, doc := range map[string]*model.Document{"loaded": loaded, "failed": failed, "nil": nil} {
		t.Run(name, func(t *testing.T) {
			for _, s := range []string{"", "x", "logs/app.log"} {
				require.Equal(t, s, doc.GetStringDefault("absent", s))
			}
			for _, i := range []int{-1, 0, 2, 1 << 20} {
				require.Equal(t, i, doc.GetIntDefault("absent", i))
			}
			for _, f := range []float64{-1.5, 0, 3.25} {
				require.Equal(t, f, doc.GetFloatDefault("absent", f))
			}
			for _, b := range []bool{true, false} {
				require.Equal(t, b, doc.GetBoolDefault("absent", b))
			}
			require.Equal(t, time.Second, doc.GetDurationDefault("absent", time.Second))
		})
	}
}

func TestNewConfig(t *testing.T) {
	doc, err := model.Parse([]byte(`
thread_count: 4
resource_workers: 9
daemon_mode: true
max_size: 16
query_timeout: 2s
driver: sqlite
`))
	require.NoError(t, err)
	cfg := model.NewConfig(doc)
	require.Equal(t, 4, cfg.ThreadCount)
	require.Equal(t, 4, cfg.ResourceWorkers)
	require.True(t, cfg.DaemonMode)
	require.Equal(t, int64(16*1024), cfg.Log.MaxSizeBytes())
	require.Equal(t, 2*time.Second, cfg.Store.QueryTimeout.Std())
	require.Equal(t, model.DriverSQLite, cfg.Store.Driver)

	// untouched keys keep their defaults
	def := model.DefaultConfig()
	require.Equal(t, def.Log.Filename, cfg.Log.Filename)
	require.Equal(t, def.Log.MaxFiles, cfg.Log.MaxFiles)
	require.Equal(t, def.PollInterval, cfg.PollInterval)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("WORKERD_THREAD_COUNT", "5")
	doc, err := model.Parse([]byte("thread_count: 3\n"))
	require.NoError(t, err)
	require.Equal(t, 5, doc.GetIntDefault(model.KeyThreadCount, 2))
}

func TestEnvOverride_Typed(t *testing.T) {
	t.Setenv("WORKERD_POLL_INTERVAL", "250ms")
	t.Setenv("WORKERD_DAEMON_MODE", "true")
	t.Setenv("WORKERD_PASSWORD", "0123")
	doc, err := model.Parse([]byte("thread_count: 3\n"))
	require.NoError(t, err)

	cfg := model.NewConfig(doc)
	require.Equal(t, model.Duration(250*time.Millisecond), cfg.PollInterval)
	require.True(t, cfg.DaemonMode)
	require.Equal(t, "0123", cfg.Store.Password)
}

func TestEnvOverride_Invalid(t *testing.T) {
	var testCases = []struct {
		scenario string
		key      string
		value    string
	}{
		{"negative thread count", "WORKERD_THREAD_COUNT", "-4"},
		{"zero thread count", "WORKERD_THREAD_COUNT", "0"},
		{"zero max size", "WORKERD_MAX_SIZE", "0"},
		{"negative poll interval", "WORKERD_POLL_INTERVAL", "-1s"},
		{"not a number", "WORKERD_MAX_FILES", "three"},
		{"unknown driver", "WORKERD_DRIVER", "mysql"},
		{"port out of range", "WORKERD_PORT", "70000"},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			doc, err := model.Parse([]byte("thread_count: 3\n"))
			require.ErrorIs(t, err, model.ErrLoadFailed)
			require.NotNil(t, doc)

			// nothing of the rejected document is used
			require.Equal(t, model.DefaultConfig(), model.NewConfig(doc))
		})
	}
}

func TestInit(t *testing.T) {
	path := writeConfig(t, "thread_count: 3\n")
	t.Cleanup(model.Release)

	var wg sync.WaitGroup
	docs := make([]*model.Document, 16)
	for i := range docs {
		wg.Go(func() {
			doc, err := model.Init(path)
			require.NoError(t, err)
			docs[i] = doc
		})
	}
	wg.Wait()

	for _, doc := range docs {
		require.Same(t, docs[0], doc)
	}
	require.Same(t, docs[0], model.Shared())

	// a second init with a different path does not reload
	doc, err := model.Init(filepath.Join(t.TempDir(), "other.yaml"))
	require.NoError(t, err)
	require.Same(t, docs[0], doc)

	model.Release()
	require.Nil(t, model.Shared())
}
