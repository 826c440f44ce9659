package archive

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/replexport/internal/catalog"
	"github.com/raphaelgruber/replexport/internal/metrics"
)

const envCache = `{
	"environment": {
		"PATH": "/nix/store/bin",
		"SECRET": "abc",
		"NIX_PATH": "nixpkgs=/x",
		"API_KEY": "xyz",
		"REPLIT_BASHRC": "/etc/bashrc",
		"PORT": 8080
	}
}`

// writeZip writes an archive with the given entries to path on fs.
func writeZip(t *testing.T, fs afero.Fs, path string, entries map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, afero.WriteFile(fs, path, buf.Bytes(), 0o644))
}

func testRepl() catalog.Repl {
	return catalog.Repl{
		ID:          "r1",
		Title:       "My <Project>",
		Slug:        "proj",
		TimeCreated: "2021-03-04T05:06:07.000Z",
		User:        &catalog.User{ID: 42, Username: "ada"},
	}
}

func projectEntries() map[string]string {
	return map[string]string{
		"main.py":                           "print('hi')",
		"node_modules/left-pad/index.js":    "module.exports = 1",
		".cache/typescript/5.0/cache.json":  "{}",
		".cache/replit/env/latest.json":     envCache,
		"src/__pycache__/main.cpython.pyc":  "bytecode",
		"src/app/__pycache__/x.cpython.pyc": "bytecode",
		"src/app/views.py":                  "pass",
	}
}

func exists(t *testing.T, fs afero.Fs, path string) bool {
	t.Helper()
	ok, err := afero.Exists(fs, path)
	require.NoError(t, err)
	return ok
}

func TestProcess(t *testing.T) {
	fs := afero.NewMemMapFs()
	collector := metrics.NewCollector()
	p := NewProcessor(fs, collector, nil)
	job := NewJob("/out", testRepl())
	writeZip(t, fs, job.ArchivePath, projectEntries())

	excludes := append([]string{"**/__pycache__/"}, DefaultExcludes...)
	require.NoError(t, p.Process(context.Background(), job.Item, job.ArchivePath, job.Dir, excludes))

	assert.False(t, exists(t, fs, "/out/r1.zip"), "archive is removed")
	assert.True(t, exists(t, fs, "/out/proj/main.py"))
	assert.True(t, exists(t, fs, "/out/proj/src/app/views.py"))
	assert.True(t, exists(t, fs, "/out/proj/.cache/replit/env/latest.json"))
	assert.False(t, exists(t, fs, "/out/proj/node_modules"))
	assert.False(t, exists(t, fs, "/out/proj/.cache/typescript"))
	assert.False(t, exists(t, fs, "/out/proj/src/__pycache__"))
	assert.False(t, exists(t, fs, "/out/proj/src/app/__pycache__"))

	info, err := fs.Stat("/out/proj/main.py")
	require.NoError(t, err)
	assert.Equal(t, "-rwxr-xr-x", info.Mode().Perm().String())

	metadata, err := afero.ReadFile(fs, "/out/proj/"+MetadataFile)
	require.NoError(t, err)
	assert.Contains(t, string(metadata), "\n    \"id\": \"r1\",")
	assert.Contains(t, string(metadata), `"title": "My <Project>"`)
	assert.Contains(t, string(metadata), `"timeCreated": "2021-03-04T05:06:07.000Z"`)

	env, err := afero.ReadFile(fs, "/out/proj/"+EnvFile)
	require.NoError(t, err)
	assert.Equal(t, "SECRET=abc\r\nAPI_KEY=xyz\r\nPORT=8080", string(env))

	parsed, err := godotenv.Unmarshal(string(env))
	require.NoError(t, err)
	for key := range DenyList {
		assert.NotContains(t, parsed, key)
	}
	assert.Equal(t, "abc", parsed["SECRET"])

	snap := collector.Snapshot().Op(metrics.OpExtract)
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.Count)
}

func TestProcessOutputPathWithGlobCharacters(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := NewProcessor(fs, nil, nil)
	job := NewJob("/out/my [repls]*", testRepl())
	writeZip(t, fs, job.ArchivePath, projectEntries())

	excludes := append([]string{"**/__pycache__/", "src/app/*.py"}, DefaultExcludes...)
	require.NoError(t, p.Process(context.Background(), job.Item, job.ArchivePath, job.Dir, excludes))

	dir := "/out/my [repls]*/proj"
	assert.True(t, exists(t, fs, dir+"/main.py"))
	assert.False(t, exists(t, fs, dir+"/node_modules"))
	assert.False(t, exists(t, fs, dir+"/.cache/typescript"))
	assert.False(t, exists(t, fs, dir+"/src/__pycache__"))
	assert.False(t, exists(t, fs, dir+"/src/app/views.py"))
}

func TestProcessIsIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := NewProcessor(fs, nil, nil)
	job := NewJob("/out", testRepl())

	writeZip(t, fs, job.ArchivePath, projectEntries())
	require.NoError(t, p.Process(context.Background(), job.Item, job.ArchivePath, job.Dir, DefaultExcludes))

	// User edits survive a second run.
	require.NoError(t, afero.WriteFile(fs, "/out/proj/.env", []byte("EDITED=1"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/out/proj/"+MetadataFile, []byte("{}"), 0o644))

	writeZip(t, fs, job.ArchivePath, projectEntries())
	require.NoError(t, p.Process(context.Background(), job.Item, job.ArchivePath, job.Dir, DefaultExcludes))

	env, err := afero.ReadFile(fs, "/out/proj/.env")
	require.NoError(t, err)
	assert.Equal(t, "EDITED=1", string(env))

	metadata, err := afero.ReadFile(fs, "/out/proj/"+MetadataFile)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(metadata))

	assert.True(t, exists(t, fs, "/out/proj/main.py"))
	assert.False(t, exists(t, fs, "/out/proj/node_modules"))
	assert.False(t, exists(t, fs, job.ArchivePath))
}

func TestProcessMalformedEnvCache(t *testing.T) {
	tests := map[string]string{
		"invalid json":    "{not json",
		"no environment":  `{"other": {}}`,
		"environment arr": `{"environment": ["A=1"]}`,
	}

	for name, cache := range tests {
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			job := NewJob("/out", testRepl())
			writeZip(t, fs, job.ArchivePath, map[string]string{
				"main.py":    "",
				EnvCachePath: cache,
			})

			require.NoError(t, NewProcessor(fs, nil, nil).Process(context.Background(), job.Item, job.ArchivePath, job.Dir, nil))
			assert.False(t, exists(t, fs, "/out/proj/.env"))
			assert.True(t, exists(t, fs, "/out/proj/"+MetadataFile))
		})
	}
}

func TestProcessWithoutEnvCache(t *testing.T) {
	fs := afero.NewMemMapFs()
	job := NewJob("/out", testRepl())
	writeZip(t, fs, job.ArchivePath, map[string]string{"main.py": ""})

	require.NoError(t, NewProcessor(fs, nil, nil).Process(context.Background(), job.Item, job.ArchivePath, job.Dir, DefaultExcludes))
	assert.False(t, exists(t, fs, "/out/proj/.env"))
}

func TestProcessRejectsEscapingEntries(t *testing.T) {
	fs := afero.NewMemMapFs()
	job := NewJob("/out", testRepl())
	writeZip(t, fs, job.ArchivePath, map[string]string{"../../evil.txt": "pwned"})

	err := NewProcessor(fs, nil, nil).Process(context.Background(), job.Item, job.ArchivePath, job.Dir, nil)
	require.Error(t, err)
	assert.True(t, IsExtraction(err))
	assert.False(t, exists(t, fs, "/evil.txt"))
	assert.False(t, exists(t, fs, "/out/evil.txt"))
	assert.False(t, exists(t, fs, job.ArchivePath), "archive is removed after a failed extraction")
}

func TestProcessCorruptArchive(t *testing.T) {
	fs := afero.NewMemMapFs()
	collector := metrics.NewCollector()
	job := NewJob("/out", testRepl())
	require.NoError(t, afero.WriteFile(fs, job.ArchivePath, []byte("<html>not a zip</html>"), 0o644))

	err := NewProcessor(fs, collector, nil).Process(context.Background(), job.Item, job.ArchivePath, job.Dir, nil)
	require.Error(t, err)
	assert.True(t, IsExtraction(err))
	assert.False(t, exists(t, fs, job.ArchivePath))
	assert.Equal(t, int64(1), collector.Snapshot().Op(metrics.OpExtract).Failures)
}

func TestProcessCanceled(t *testing.T) {
	fs := afero.NewMemMapFs()
	job := NewJob("/out", testRepl())
	writeZip(t, fs, job.ArchivePath, map[string]string{"main.py": ""})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewProcessor(fs, nil, nil).Process(ctx, job.Item, job.ArchivePath, job.Dir, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestEntryPath(t *testing.T) {
	dest := filepath.FromSlash("/out/proj")

	got, err := entryPath(dest, "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/out/proj/a/b.txt"), got)

	got, err = entryPath(dest, "/abs/c.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/out/proj/abs/c.txt"), got)

	_, err = entryPath(dest, "../sibling/x")
	require.Error(t, err)

	got, err = entryPath(dest, "..data/file")
	require.NoError(t, err, "names starting with dots are not traversal")
	assert.Equal(t, filepath.FromSlash("/out/proj/..data/file"), got)
}

func TestParseEnvironmentKeepsOrder(t *testing.T) {
	vars, err := parseEnvironment([]byte(`{"environment":{"Z":"1","A":"two words","M":true,"N":null}}`))
	require.NoError(t, err)
	assert.Equal(t, []EnvVar{
		{Key: "Z", Value: "1"},
		{Key: "A", Value: "two words"},
		{Key: "M", Value: "true"},
		{Key: "N", Value: "null"},
	}, vars)
}

func TestRedact(t *testing.T) {
	vars := []EnvVar{{"PATH", "/bin"}, {"TOKEN", "t"}, {"LOCALE_ARCHIVE", "x"}, {"HOME", "/home"}}
	assert.Equal(t, []EnvVar{{"TOKEN", "t"}, {"HOME", "/home"}}, Redact(vars))
	assert.Equal(t, "TOKEN=t\r\nHOME=/home", formatEnv(Redact(vars)))
}

func TestNewJob(t *testing.T) {
	job := NewJob("/out", catalog.Repl{ID: "abc", Slug: "my-app"})
	assert.Equal(t, filepath.FromSlash("/out/abc.zip"), job.ArchivePath)
	assert.Equal(t, filepath.FromSlash("/out/my-app"), job.Dir)

	job = NewJob("/out", catalog.Repl{ID: "abc", Slug: "../escape"})
	assert.Equal(t, filepath.FromSlash("/out/escape"), job.Dir)

	fs := afero.NewMemMapFs()
	sink := job.Sink(fs)
	_, err := sink.Write([]byte("zip"))
	require.NoError(t, err)
	require.NoError(t, sink.Finish())
	assert.True(t, exists(t, fs, job.ArchivePath))
}
