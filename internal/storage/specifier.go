// Package storage defines the capability boundary between the server core
// and the archive back-ends: parsing storage names, listing/copying/deleting
// archive artifacts, and the Create/Restore collaborator interfaces the job
// runner drives. The archive codec itself lives behind these interfaces.
package storage

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Type enumerates the supported back-end kinds.
type Type string

const (
	TypeFile   Type = "file"
	TypeFTP    Type = "ftp"
	TypeSFTP   Type = "sftp"
	TypeWebdav Type = "webdav"
	TypeSMB    Type = "smb"
)

// Specifier is a parsed storage name.
type Specifier struct {
	Type     Type
	HostName string
	Port     int
	UserName string
	Path     string
}

// Parse parses a storage URI. Bare paths parse as file storage.
func Parse(name string) (Specifier, error) {
	if name == "" {
		return Specifier{}, fmt.Errorf("storage: empty storage name")
	}
	if !strings.Contains(name, "://") {
		return Specifier{Type: TypeFile, Path: name}, nil
	}

	u, err := url.Parse(name)
	if err != nil {
		return Specifier{}, fmt.Errorf("storage: invalid storage name %q: %w", name, err)
	}

	var t Type
	switch u.Scheme {
	case "file":
		t = TypeFile
	case "ftp":
		t = TypeFTP
	case "sftp", "scp", "ssh":
		t = TypeSFTP
	case "webdav", "webdavs":
		t = TypeWebdav
	case "smb", "cifs":
		t = TypeSMB
	default:
		return Specifier{}, fmt.Errorf("storage: unknown storage scheme %q", u.Scheme)
	}

	s := Specifier{
		Type:     t,
		HostName: u.Hostname(),
		Path:     u.Path,
	}
	if u.User != nil {
		s.UserName = u.User.Username()
	}
	if p := u.Port(); p != "" {
		fmt.Sscanf(p, "%d", &s.Port)
	}
	if t == TypeFile && s.Path == "" {
		s.Path = u.Opaque
	}
	return s, nil
}

// String renders the specifier back into URI form.
func (s Specifier) String() string {
	if s.Type == TypeFile && s.HostName == "" {
		return s.Path
	}
	var b strings.Builder
	b.WriteString(string(s.Type))
	b.WriteString("://")
	if s.UserName != "" {
		b.WriteString(s.UserName)
		b.WriteByte('@')
	}
	b.WriteString(s.HostName)
	if s.Port != 0 {
		fmt.Fprintf(&b, ":%d", s.Port)
	}
	b.WriteString(s.Path)
	return b.String()
}

// Directory returns the directory part of the storage path.
func (s Specifier) Directory() Specifier {
	d := s
	d.Path = path.Dir(s.Path)
	return d
}

// FileName returns the file part of the storage path.
func (s Specifier) FileName() string {
	return path.Base(s.Path)
}

// WithFileName replaces the file part.
func (s Specifier) WithFileName(name string) Specifier {
	d := s
	d.Path = path.Join(path.Dir(s.Path), name)
	return d
}

// SameLocation reports whether two specifiers address the same directory on
// the same back-end.
func (s Specifier) SameLocation(o Specifier) bool {
	return s.Type == o.Type && s.HostName == o.HostName &&
		path.Dir(s.Path) == path.Dir(o.Path)
}
