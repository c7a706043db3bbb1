package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickspencer/queuewatch/internal/config"
	"github.com/patrickspencer/queuewatch/internal/runlog"
)

func TestMergeCrontabReplacesManagedSection(t *testing.T) {
	t.Parallel()

	existing := strings.Join([]string{
		"MAILTO=ops@example.org",
		"0 1 * * * /usr/bin/backup",
		"",
		cronBeginMarker,
		"*/5 * * * * /old/queuewatch cycle --test gone  #queuewatch",
		cronEndMarker,
		"30 2 * * * /usr/bin/rotate",
		"",
	}, "\n")
	managed := cronBeginMarker + "\n*/15 * * * * /bin/queuewatch cycle --test skim  #queuewatch\n" + cronEndMarker + "\n"

	merged := mergeCrontab(existing, managed)
	assert.Equal(t, "MAILTO=ops@example.org\n0 1 * * * /usr/bin/backup\n"+managed+"30 2 * * * /usr/bin/rotate\n", merged)
	assert.NotContains(t, merged, "gone")
}

func TestMergeCrontabAppendsWhenMissing(t *testing.T) {
	t.Parallel()

	managed := cronBeginMarker + "\n" + cronEndMarker + "\n"
	assert.Equal(t, "0 1 * * * /usr/bin/backup\n"+managed, mergeCrontab("0 1 * * * /usr/bin/backup\n", managed))
	assert.Equal(t, managed, mergeCrontab("", managed))
}

func TestBuildCrontabSection(t *testing.T) {
	t.Parallel()

	disabled := false
	tests := []*config.Test{
		{Name: "skim", Schedule: "*/15 * * * *"},
		{Name: "reco", Schedule: "@hourly", Enabled: &disabled},
		{Name: "gen", Schedule: "0 * * * *"},
	}

	section, n := buildCrontabSection(tests, "/opt/bin/queuewatch", "/etc/queuewatch.yaml")
	assert.Equal(t, 2, n)
	assert.Equal(t, cronBeginMarker+"\n"+
		"*/15 * * * * /opt/bin/queuewatch cycle --test skim --config /etc/queuewatch.yaml  #queuewatch\n"+
		"0 * * * * /opt/bin/queuewatch cycle --test gen --config /etc/queuewatch.yaml  #queuewatch\n"+
		cronEndMarker+"\n", section)

	section, _ = buildCrontabSection(tests[:1], "queuewatch", "")
	assert.NotContains(t, section, "--config")
}

func TestParseAttrs(t *testing.T) {
	t.Parallel()

	attrs, err := parseAttrs([]string{"proc_count=12", "site=T2_US=x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"proc_count": "12", "site": "T2_US=x"}, attrs)

	for _, bad := range []string{"novalue", "=x", "a b=c"} {
		_, err := parseAttrs([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestWrapCommandWritesMarkers(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	code, err := wrapCommand(context.Background(), &out,
		map[string]string{"proc_count": "4"},
		[]string{"sh", "-c", "echo payload; exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Contains(t, out.String(), "payload\n")

	log, err := runlog.Parse(&out)
	require.NoError(t, err)
	require.True(t, log.HasExitStatus())
	assert.Equal(t, 3, *log.ExitStatus)
	assert.False(t, log.StartTime.IsZero())
	assert.False(t, log.EndTime.Before(log.StartTime))
	assert.NotEmpty(t, log.Node)
	assert.Empty(t, log.Error)
	assert.Equal(t, "4", log.Attributes["proc_count"])
}

func TestWrapCommandMissingProgram(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	code, err := wrapCommand(context.Background(), &out, nil,
		[]string{filepath.Join(t.TempDir(), "does-not-exist")})
	require.NoError(t, err)
	assert.Equal(t, 127, code)

	log, err := runlog.Parse(&out)
	require.NoError(t, err)
	assert.Equal(t, 127, *log.ExitStatus)
	assert.NotEmpty(t, log.Error)
}

func writeSetup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	require.NoError(t, os.MkdirAll(filepath.Join(base, "tests"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "tests", "skim.yaml"),
		[]byte("name: skim\nbackend: local\nmax_queued: 0\n"), 0644))

	cfgPath := filepath.Join(dir, "queuewatch.yaml")
	body := "store: memory\n" +
		"data_dir: " + filepath.Join(dir, "data") + "\n" +
		"base_dir: " + base + "\n" +
		"account_name: fromfile\n" +
		"log_level: error\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0644))
	return cfgPath
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	cfgPath := writeSetup(t)
	t.Setenv("QUEUEWATCH_CONFIG", cfgPath)
	t.Setenv("QUEUEWATCH_ACCOUNT_NAME", "fromenv")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "fromenv", cfg.AccountName)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, cfgPath, cfg.Path)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	t.Setenv("QUEUEWATCH_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := loadConfig()
	assert.Error(t, err)
}

func TestHarvestCommand(t *testing.T) {
	cfgPath := writeSetup(t)
	t.Setenv("QUEUEWATCH_CONFIG", cfgPath)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"harvest", "--test", "skim"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))

	fields := strings.Split(strings.TrimSpace(out.String()), ",")
	require.Len(t, fields, 7)
	assert.Equal(t, []string{"0", "0", "0", "0", "0", "0"}, fields[1:])

	data, err := os.ReadFile(filepath.Join(filepath.Dir(cfgPath), "data", "stats", "skim.csv"))
	require.NoError(t, err)
	assert.Equal(t, out.String(), string(data))
}
