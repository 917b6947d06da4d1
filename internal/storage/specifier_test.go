package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpecifier(t *testing.T) {
	s, err := Parse("sftp://backup@host:2022/backups/nightly.bar")
	require.NoError(t, err)
	assert.Equal(t, TypeSFTP, s.Type)
	assert.Equal(t, "host", s.HostName)
	assert.Equal(t, 2022, s.Port)
	assert.Equal(t, "backup", s.UserName)
	assert.Equal(t, "/backups/nightly.bar", s.Path)
	assert.Equal(t, "nightly.bar", s.FileName())
	assert.Equal(t, "/backups", s.Directory().Path)
}

func TestParseBarePathIsFile(t *testing.T) {
	s, err := Parse("/var/backups/nightly.bar")
	require.NoError(t, err)
	assert.Equal(t, TypeFile, s.Type)
	assert.Equal(t, "/var/backups/nightly.bar", s.Path)
	assert.Equal(t, "/var/backups/nightly.bar", s.String())
}

func TestParseRejects(t *testing.T) {
	_, err := Parse("")
	assert.Error(t, err)
	_, err = Parse("gopher://host/x")
	assert.Error(t, err)
}

func TestSpecifierStringRoundTrip(t *testing.T) {
	for _, uri := range []string{
		"ftp://user@host/dir/file.bar",
		"webdav://host/dir/file.bar",
		"smb://host/share/file.bar",
	} {
		s, err := Parse(uri)
		require.NoError(t, err, uri)
		assert.Equal(t, uri, s.String())
	}
}

func TestSameLocation(t *testing.T) {
	a, _ := Parse("sftp://host/dir/a.bar")
	b, _ := Parse("sftp://host/dir/b.bar")
	c, _ := Parse("sftp://host/other/a.bar")
	assert.True(t, a.SameLocation(b))
	assert.False(t, a.SameLocation(c))
}
