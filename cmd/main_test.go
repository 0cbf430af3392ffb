package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/career-day/internal/config"
	"github.com/Shivanand-hulikatti/career-day/internal/model"
	"github.com/Shivanand-hulikatti/career-day/internal/service"
)

func TestExampleRosterIsValid(t *testing.T) {
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	roster, err := readRoster(filepath.Join(filepath.Dir(file), "..", "examples", "roster.yaml"))
	require.NoError(t, err)

	assert.Len(t, roster.Talks, 4)
	assert.Equal(t, model.SessionTwo, roster.Talks[2].Session)
	assert.Equal(t, "0012345601", roster.Students[0].NIS)
	require.NoError(t, service.ValidateRoster(roster))
}

func TestDecodeRoster_RejectsUnknownKeys(t *testing.T) {
	_, err := decodeRoster(strings.NewReader("locations:\n  - id: a\n    seats: 3\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seats")
}

func TestReadRoster_MissingFile(t *testing.T) {
	_, err := readRoster(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteStats(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeStats(&buf, []model.TalkStats{
		{TalkID: "talk-1", Topic: "Law", Session: model.SessionTwo, Location: "Library", Capacity: 4, Enrolled: 3, PercentFull: 75},
	}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "SESSION"))
	assert.Contains(t, lines[1], "75%")
}

func TestConfigureLogger(t *testing.T) {
	log := logrus.New()
	require.NoError(t, configureLogger(log, config.Log{Level: "debug", Format: "json"}))
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	assert.Error(t, configureLogger(log, config.Log{Level: "loud", Format: "text"}))
	assert.Error(t, configureLogger(log, config.Log{Level: "info", Format: "xml"}))
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "migrate", "import", "stats", "export"})
}

func TestMigratePrint(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"migrate", "--print"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "CREATE OR REPLACE FUNCTION change_enrollment")
}

func TestExportToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overview.csv")
	n, err := exportToFile(path, func(w io.Writer) (int, error) {
		_, err := io.WriteString(w, "nis,name\n")
		return 1, err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nis,name\n", string(raw))
}

func TestExportToFile_ReportsCloseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overview.csv")
	_, err := exportToFile(path, func(w io.Writer) (int, error) {
		// Closing early makes the deferred close fail.
		return 0, w.(*os.File).Close()
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close "+path)
}

func TestExportToFile_ExportErrorWins(t *testing.T) {
	boom := errors.New("store down")
	_, err := exportToFile(filepath.Join(t.TempDir(), "overview.csv"), func(io.Writer) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
}
