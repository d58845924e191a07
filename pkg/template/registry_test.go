package template

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heliogrid/heliogrid/pkg/types"
)

const goodweManifest = `{
  "name": "goodwe",
  "description": "GoodWe SEMS portal collector",
  "version": "1.0.0",
  "image": "docker.io/library/alpine:3.20",
  "files": {
    "config_template.json": "config_template.json",
    "run.sh": "run.sh"
  }
}`

func testStore() fstest.MapFS {
	return fstest.MapFS{
		"goodwe/template.json":        {Data: []byte(goodweManifest)},
		"goodwe/config_template.json": {Data: []byte(`{}`)},
		"goodwe/run.sh":               {Data: []byte("#!/bin/sh\n"), Mode: 0755},
		"broken/template.json":        {Data: []byte(`{"name": "broken", "files": `)},
		"nofiles/template.json":       {Data: []byte(`{"name": "nofiles"}`)},
		"empty/README.md":             {Data: []byte("no manifest here")},
		"stray.txt":                   {Data: []byte("not a template")},
	}
}

func TestListTemplateNames(t *testing.T) {
	reg := NewRegistry(testStore())

	names, err := reg.ListTemplateNames()
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"goodwe", "broken", "nofiles"}, names)
}

func TestLoad(t *testing.T) {
	reg := NewRegistry(testStore())

	tests := []struct {
		name     string
		template string
		wantKind types.ErrorKind
	}{
		{"valid", "goodwe", ""},
		{"missing", "solaredge", types.KindNotFound},
		{"no manifest", "empty", types.KindNotFound},
		{"invalid json", "broken", types.KindMalformed},
		{"no files section", "nofiles", types.KindMalformed},
		{"path traversal", "../goodwe", types.KindNotFound},
		{"empty name", "", types.KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl, err := reg.Load(tt.template)
			if tt.wantKind == "" {
				require.NoError(t, err)
				assert.Equal(t, "goodwe", tpl.Name)
				assert.Equal(t, "docker.io/library/alpine:3.20", tpl.Image)
				assert.Equal(t, "run.sh", tpl.Files["run.sh"])
				assert.Len(t, tpl.Schema.Sections, 3)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, types.KindOf(err))
			assert.Nil(t, tpl)
		})
	}
}

func TestLoad_RejectsEscapingFiles(t *testing.T) {
	store := fstest.MapFS{
		"evil/template.json":          {Data: []byte(`{"name": "evil", "files": {"run.sh": "../goodwe/run.sh"}}`)},
	}
	reg := NewRegistry(store)

	_, err := reg.Load("evil")
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindMalformed))
}

func TestLoad_ReturnsCopy(t *testing.T) {
	reg := NewRegistry(testStore())

	first, err := reg.Load("goodwe")
	require.NoError(t, err)
	first.Files["run.sh"] = "changed.sh"

	second, err := reg.Load("goodwe")
	require.NoError(t, err)
	assert.Equal(t, "run.sh", second.Files["run.sh"])
}

func TestValidate(t *testing.T) {
	reg := NewRegistry(testStore())

	ok, err := reg.Validate("goodwe")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = reg.Validate("solaredge")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

func TestValidate_DeletedFileOnDisk(t *testing.T) {
	dir := t.TempDir()
	tplDir := filepath.Join(dir, "goodwe")
	require.NoError(t, os.MkdirAll(tplDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tplDir, ManifestFile), []byte(goodweManifest), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tplDir, "config_template.json"), []byte(`{}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tplDir, "run.sh"), []byte("#!/bin/sh\n"), 0755))

	reg, err := NewDirRegistry(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, reg.Dir())

	ok, err := reg.Validate("goodwe")
	require.NoError(t, err)
	assert.True(t, ok)

	// Templates are reread on each lookup, so the deletion is seen immediately
	require.NoError(t, os.Remove(filepath.Join(tplDir, "run.sh")))

	ok, err = reg.Validate("goodwe")
	require.NoError(t, err)
	assert.False(t, ok)

	missing, err := reg.MissingFiles("goodwe")
	require.NoError(t, err)
	assert.Equal(t, []string{"run.sh"}, missing)
}

func TestNewDirRegistry_Errors(t *testing.T) {
	_, err := NewDirRegistry(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	_, err = NewDirRegistry(file)
	assert.Error(t, err)
}

func TestShippedTemplates(t *testing.T) {
	reg, err := NewDirRegistry(filepath.Join("..", "..", "templates"))
	require.NoError(t, err)

	names, err := reg.ListTemplateNames()
	require.NoError(t, err)
	assert.Contains(t, names, DefaultTemplateType)

	for _, name := range names {
		ok, err := reg.Validate(name)
		require.NoError(t, err, name)
		assert.True(t, ok, name)
	}

	data, err := os.ReadFile(filepath.Join("..", "..", "templates", DefaultTemplateType, "config_template.json"))
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, section := range []string{"sems", "influxdb", "settings"} {
		assert.Contains(t, doc, section)
	}
}
