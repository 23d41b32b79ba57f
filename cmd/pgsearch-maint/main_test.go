package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jnicholls/paradedb/fts"
	"github.com/jnicholls/paradedb/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"pgsearch-maint"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pgsearch.yaml")
	data := "storage:\n  backend: local\n  path: " + filepath.Join(dir, "data") + "\nlog:\n  level: error\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestRun_NoArgs(t *testing.T) {
	code, _, stderr := runCLI(t)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage:")
}

func TestRun_Help(t *testing.T) {
	for _, arg := range []string{"help", "-h", "--help"} {
		t.Run(arg, func(t *testing.T) {
			code, stdout, _ := runCLI(t, arg)
			assert.Equal(t, 0, code)
			assert.Contains(t, stdout, "Commands:")
		})
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, stderr := runCLI(t, "reindex")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: reindex")
}

func TestRun_Version(t *testing.T) {
	code, stdout, _ := runCLI(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "pgsearch-maint "+version+"\n", stdout)
}

func TestRun_CommandHelp(t *testing.T) {
	code, _, stderr := runCLI(t, "insert", "-h")
	assert.Equal(t, 0, code)
	assert.Contains(t, stderr, "-key")
}

func TestRun_BadFlag(t *testing.T) {
	code, _, _ := runCLI(t, "stats", "-bogus")
	assert.Equal(t, 2, code)
}

func TestRun_Lifecycle(t *testing.T) {
	cfg := writeConfig(t, "metrics:\n  listen: 127.0.0.1:0\n")
	common := []string{"-config", cfg, "-oid", "16400", "-name", "docs_idx"}
	cmd := func(name string, args ...string) []string {
		return append(append([]string{name}, common...), args...)
	}

	code, stdout, stderr := runCLI(t, cmd("create", "-fields", "body:text,rating:u64")...)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Created docs_idx (16400) with 3 fields")

	input := filepath.Join(t.TempDir(), "rows.jsonl")
	require.NoError(t, os.WriteFile(input, []byte(strings.Join([]string{
		`{"ctid": "(0,1)", "body": "The quick brown fox", "rating": 5}`,
		`{"ctid": "(0,2)", "body": "a lazy dog", "rating": 3}`,
		``,
		`{"ctid": "(1,1)", "body": "quick thinking", "rating": 5}`,
	}, "\n")), 0o644))
	code, stdout, stderr = runCLI(t, cmd("insert", "-input", input, "-key", "body")...)
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "Inserted 3 rows\n", stdout)

	code, stdout, stderr = runCLI(t, cmd("search", "-field", "body", "-term", "QUICK")...)
	require.Equal(t, 0, code, stderr)
	assert.ElementsMatch(t, []string{"(0,1)", "(1,1)"}, strings.Fields(stdout))
	assert.Contains(t, stderr, "2 matching rows")

	code, stdout, stderr = runCLI(t, cmd("search", "-field", "rating", "-term", "5", "-limit", "1")...)
	require.Equal(t, 0, code, stderr)
	assert.Len(t, strings.Fields(stdout), 1)

	code, stdout, stderr = runCLI(t, cmd("delete", "-id", "(0,1)", "-id", "(9,9)")...)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Examined 3 rows, removed 1")

	code, stdout, stderr = runCLI(t, cmd("search", "-field", "body", "-term", "quick")...)
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, []string{"(1,1)"}, strings.Fields(stdout))

	code, stdout, stderr = runCLI(t, cmd("vacuum")...)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Index holds 2 rows")

	code, stdout, stderr = runCLI(t, cmd("stats")...)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Documents:       2")
	assert.Contains(t, stdout, "Storage:         local")
}

func TestRun_InsertErrors(t *testing.T) {
	cfg := writeConfig(t, "")
	code, _, stderr := runCLI(t, "create", "-config", cfg, "-fields", "body")
	require.Equal(t, 0, code, stderr)

	tests := []struct {
		name string
		line string
		want string
	}{
		{"missing ctid", `{"body": "x"}`, `"ctid" must be a string`},
		{"bad ctid", `{"ctid": "0-1", "body": "x"}`, "line 1"},
		{"null key", `{"ctid": "(0,1)", "body": null}`, "body"},
		{"bad json", `{"ctid":`, "line 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := filepath.Join(t.TempDir(), "rows.jsonl")
			require.NoError(t, os.WriteFile(input, []byte(tt.line+"\n"), 0o644))
			code, _, stderr := runCLI(t, "insert", "-config", cfg, "-input", input, "-key", "body")
			assert.Equal(t, 1, code)
			assert.Contains(t, stderr, tt.want)
		})
	}

	code, stdout, stderr := runCLI(t, "stats", "-config", cfg)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Documents:       0", "failed inserts leave nothing behind")
}

func TestRun_RequiredFlags(t *testing.T) {
	cfg := writeConfig(t, "")
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"create", "-config", cfg}, "-fields is required"},
		{[]string{"insert", "-config", cfg}, "-key is required"},
		{[]string{"delete", "-config", cfg}, "at least one -id"},
		{[]string{"search", "-config", cfg, "-field", "body"}, "-field and -term"},
		{[]string{"delete", "-config", cfg, "-id", "nope"}, ""},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args[:1], " "), func(t *testing.T) {
			code, _, stderr := runCLI(t, tt.args...)
			assert.NotEqual(t, 0, code)
			assert.Contains(t, stderr, tt.want)
		})
	}
}

func TestParseFields(t *testing.T) {
	schema, err := parseFields("title, views:u64 ,body:text,")
	require.NoError(t, err)
	names := make([]string, 0, len(schema.Fields()))
	for _, e := range schema.Fields() {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{index.RowIDFieldName, "title", "views", "body"}, names)

	_, err = parseFields("when:date")
	assert.ErrorContains(t, err, `unknown type "date"`)
}

func TestLookupTerm(t *testing.T) {
	schema, err := parseFields("body:text,views:u64")
	require.NoError(t, err)
	body, err := schema.Field("body")
	require.NoError(t, err)
	views, err := schema.Field("views")
	require.NoError(t, err)

	term, err := lookupTerm(schema, "body", "Hello!")
	require.NoError(t, err)
	assert.Equal(t, fts.TermFromText(body, "hello"), term)

	term, err = lookupTerm(schema, "views", "42")
	require.NoError(t, err)
	assert.Equal(t, fts.TermFromU64(views, 42), term)

	_, err = lookupTerm(schema, "body", "two words")
	assert.Error(t, err)
	_, err = lookupTerm(schema, "views", "many")
	assert.Error(t, err)
	_, err = lookupTerm(schema, "missing", "x")
	assert.Error(t, err)
}
