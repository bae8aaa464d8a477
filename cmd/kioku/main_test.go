package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/kioku/common/version"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath = ""
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// fixture writes a config file pointing at a fresh database and returns
// both paths.
func fixture(t *testing.T, extra string) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "kioku.db")
	cfgPath = filepath.Join(dir, "kioku.yaml")
	body := fmt.Sprintf("database:\n  path: %s\n%s", dbPath, extra)
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))
	return cfgPath, dbPath
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version.Version)
}

func TestConfigPrint_RedactsSecrets(t *testing.T) {
	cfgPath, _ := fixture(t, `memory:
  postgres:
    dsn: postgres://kioku:hunter22@db/kioku
`)
	out, err := execute(t, "config", "print", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "http_addr:")
	assert.Contains(t, out, "api_key_env: KIOKU_GENERATOR_API_KEY")
	assert.NotContains(t, out, "hunter22")
}

func TestConfigPrint_MissingFile(t *testing.T) {
	_, err := execute(t, "config", "print", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestMemorySearch(t *testing.T) {
	cfgPath, dbPath := fixture(t, "")

	st, err := store.New(dbPath)
	require.NoError(t, err)
	ltm := memory.NewSQLiteLTM(st.DB(), zerolog.Nop())
	ctx := context.Background()
	now := time.Now().UTC()
	for i, in := range []string{"what is kioku", "what time is it", "hello"} {
		require.NoError(t, ltm.Write(ctx, memory.Fragment{
			ID:         fmt.Sprintf("f%d", i),
			InstanceID: "inst-1",
			Input:      in,
			Response:   "answer " + in,
			Timestamp:  now.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, st.Close())

	out, err := execute(t, "memory", "search", "what", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "INPUT")
	assert.Contains(t, out, "what is kioku")
	assert.Contains(t, out, "what time is it")
	assert.NotContains(t, out, "hello")

	out, err = execute(t, "memory", "search", "what", "--json", "-n", "1", "--config", cfgPath)
	require.NoError(t, err)
	var frags []memory.Fragment
	require.NoError(t, json.Unmarshal([]byte(out), &frags))
	require.Len(t, frags, 1)
	assert.Equal(t, "what time is it", frags[0].Input)

	out, err = execute(t, "memory", "search", "nothing-like-this", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "No matching fragments.")
}

func TestMemoryShortTerm(t *testing.T) {
	mr := miniredis.RunT(t)
	cfgPath, _ := fixture(t, fmt.Sprintf(`memory:
  short_term: redis
  redis:
    addr: %s
`, mr.Addr()))

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	stm := memory.NewRedisShortTerm(client, memory.RedisShortTermConfig{})
	ctx := context.Background()
	require.NoError(t, stm.Append(ctx, "inst-1", "hello"))
	require.NoError(t, stm.Append(ctx, "inst-1", "are you there"))

	out, err := execute(t, "memory", "short-term", "inst-1", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "INPUT")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "are you there")

	out, err = execute(t, "memory", "short-term", "inst-1", "--json", "--config", cfgPath)
	require.NoError(t, err)
	var inputs []string
	require.NoError(t, json.Unmarshal([]byte(out), &inputs))
	assert.Equal(t, []string{"hello", "are you there"}, inputs)

	out, err = execute(t, "memory", "short-term", "inst-2", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, `No buffered inputs for instance "inst-2".`)
}

func TestMemoryShortTerm_ProcessLocalBackend(t *testing.T) {
	cfgPath, _ := fixture(t, "")
	_, err := execute(t, "memory", "short-term", "inst-1", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "process-local")
}

func TestGenerations(t *testing.T) {
	cfgPath, dbPath := fixture(t, "")

	st, err := store.New(dbPath)
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Second)
	for gen := uint64(0); gen < 2; gen++ {
		require.NoError(t, st.SaveGeneration(context.Background(), store.Generation{
			InstanceID:     "inst-1",
			Generation:     gen,
			SessionKey:     "alice",
			StartedAt:      now,
			ConsolidatedAt: now.Add(time.Duration(gen+1) * time.Minute),
			FragmentCount:  5,
			Summary:        "talked about the weather",
		}))
	}
	require.NoError(t, st.Close())

	out, err := execute(t, "generations", "--session", "alice", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "FRAGMENTS")
	assert.Contains(t, out, "talked about the weather")

	out, err = execute(t, "generations", "-s", "alice", "--json", "--config", cfgPath)
	require.NoError(t, err)
	var gens []store.Generation
	require.NoError(t, json.Unmarshal([]byte(out), &gens))
	require.Len(t, gens, 2)
	assert.EqualValues(t, 1, gens[0].Generation, "newest first")

	out, err = execute(t, "generations", "-s", "bob", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, `No generations recorded for session "bob".`)

	_, err = execute(t, "generations", "--config", cfgPath)
	require.Error(t, err, "--session is required")
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "a b", clip("a\n  b", 10))
	assert.Equal(t, "abcd…", clip("abcdefgh", 5))
}
