package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorityTable_Lookup(t *testing.T) {
	t.Parallel()

	tbl := NewAuthorityTable(map[string]string{
		"jus.br":      "Judiciário",
		"tjsp.jus.br": "TJSP",
		"@mpf.mp.br":  "MPF",
		"":            "ignored",
	})
	assert.Equal(t, 3, tbl.Len())

	tests := []struct {
		domain string
		want   string
		ok     bool
	}{
		{"tjsp.jus.br", "TJSP", true},
		{"Cartorio.TJSP.jus.br.", "TJSP", true},
		{"trf3.jus.br", "Judiciário", true},
		{"mpf.mp.br", "MPF", true},
		{"nottjsp.com", "", false},
		{"mp.br", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := tbl.Lookup(tt.domain)
		assert.Equal(t, tt.ok, ok, tt.domain)
		assert.Equal(t, tt.want, got, tt.domain)
	}
}

func TestAuthorityTable_NoPartialLabel(t *testing.T) {
	t.Parallel()

	tbl := NewAuthorityTable(map[string]string{"tjsp.jus.br": "TJSP"})
	_, ok := tbl.Lookup("faketjsp.jus.br")
	assert.False(t, ok)
}

func TestLoadAuthorityTable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "authorities.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
authorities:
  tjpr.jus.br: Tribunal de Justiça do Paraná
  receita.fazenda.gov.br: Receita Federal
`), 0o644))

	tbl, err := LoadAuthorityTable(path)
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())
	name, ok := tbl.Lookup("protocolo.tjpr.jus.br")
	assert.True(t, ok)
	assert.Equal(t, "Tribunal de Justiça do Paraná", name)
}

func TestLoadAuthorityTable_Default(t *testing.T) {
	t.Parallel()

	tbl, err := LoadAuthorityTable("")
	require.NoError(t, err)
	assert.Equal(t, len(defaultAuthorities), tbl.Len())
}

func TestLoadAuthorityTable_Errors(t *testing.T) {
	t.Parallel()

	_, err := LoadAuthorityTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("authorities: {}\n"), 0o644))
	_, err = LoadAuthorityTable(empty)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no entries")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("authorities: [unclosed"), 0o644))
	_, err = LoadAuthorityTable(bad)
	assert.Error(t, err)
}
