package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-rag/pkg/utils/json"
)

const jobsCSV = `title,location,salary
Python Developer,Shenzhen,15-20K
Java Engineer,Beijing,20-25K
`

type buildOutput struct {
	Mode    string `json:"mode"`
	Files   int    `json:"files"`
	Entries int    `json:"entries"`
	Version uint64 `json:"version"`
}

func execute(t *testing.T, args ...string) []byte {
	t.Helper()
	var out bytes.Buffer
	a := NewApp()
	a.Command().SetOut(&out)
	require.NoError(t, a.Execute(context.Background(), args...))
	return out.Bytes()
}

func TestBuildUpdateStatus(t *testing.T) {
	dataDir, indexDir := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "jobs.csv"), []byte(jobsCSV), 0o600))
	flags := []string{"--rag.index.dir", indexDir, "--embedding.dimension", "64"}

	var built buildOutput
	require.NoError(t, json.Unmarshal(execute(t, append([]string{"build", dataDir}, flags...)...), &built))
	assert.Equal(t, "full", built.Mode)
	assert.Equal(t, 1, built.Files)
	assert.Equal(t, 2, built.Entries)
	assert.FileExists(t, filepath.Join(indexDir, "vectors.bin"))

	var updated buildOutput
	require.NoError(t, json.Unmarshal(execute(t, append([]string{"update", dataDir}, flags...)...), &updated))
	assert.Equal(t, "unchanged", updated.Mode)
	assert.Equal(t, 2, updated.Entries)

	var status StatusReport
	require.NoError(t, json.Unmarshal(execute(t, append([]string{"status"}, flags...)...), &status))
	assert.Equal(t, indexDir, status.Dir)
	require.Len(t, status.Files, 1)
	assert.Equal(t, "jobs.csv", filepath.Base(status.Files[0].Path))
	assert.NotEmpty(t, status.Files[0].Hash)
}

func TestStatusWithoutIndex(t *testing.T) {
	a := NewApp()
	a.Command().SetOut(&bytes.Buffer{})
	a.Command().SetErr(&bytes.Buffer{})
	err := a.Execute(context.Background(), "status", "--rag.index.dir", t.TempDir())
	assert.Error(t, err)
}
