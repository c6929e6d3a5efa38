package fileops

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// DateLayout is the format of Entry.Date.
const DateLayout = "2006-01-02 15:04:05"

// Entry is one row of a directory listing.
type Entry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Type        string `json:"type"` // "file" or "directory"
	Size        int64  `json:"size"`
	Permissions string `json:"permissions"`
	Date        string `json:"date"`
	Mtime       int64  `json:"mtime"`
	Owner       string `json:"owner"`
	Group       string `json:"group"`
	Mime        string `json:"mime,omitempty"`
	Thumb       bool   `json:"thumb,omitempty"`
}

// Listing is the result of List.
type Listing struct {
	Pwd   string  `json:"pwd"`
	Files []Entry `json:"files"`
}

func (*Listing) result() {}

func (m *Manager) list(_ context.Context, op List) (*Listing, error) {
	logical := op.Path
	if strings.TrimSpace(logical) == "" {
		logical = "/"
	}
	dir, err := m.resolveDir(logical)
	if err != nil {
		return nil, err
	}
	ents, err := os.ReadDir(dir.Path)
	if err != nil {
		return nil, opErr("list", dir.Logical, err)
	}

	files := make([]Entry, 0, len(ents))
	for _, e := range ents {
		name := e.Name()
		// stat through links so a link to a directory lists as one
		info, err := os.Stat(filepath.Join(dir.Path, name))
		if err != nil {
			info, err = e.Info()
			if err != nil {
				continue
			}
		}
		files = append(files, m.entry(path.Join(dir.Logical, name), info))
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].Type != files[j].Type {
			return files[i].Type == "directory"
		}
		return strings.ToLower(files[i].Name) < strings.ToLower(files[j].Name)
	})
	return &Listing{Pwd: dir.Logical, Files: files}, nil
}

func (m *Manager) entry(logical string, info fs.FileInfo) Entry {
	e := Entry{
		Name:        info.Name(),
		Path:        logical,
		Type:        "file",
		Size:        info.Size(),
		Permissions: FormatPermissions(info.Mode()),
		Date:        info.ModTime().Format(DateLayout),
		Mtime:       info.ModTime().Unix(),
	}
	e.Owner, e.Group = m.owners.lookup(info)
	if info.IsDir() {
		e.Type = "directory"
		e.Size = 0
		return e
	}
	e.Mime = contentTypeForName(e.Name)
	e.Thumb = isImageExt(strings.ToLower(filepath.Ext(e.Name)))
	return e
}

// FormatPermissions renders mode in ls style, for example "drwxr-xr-x",
// including setuid, setgid and sticky bits.
func FormatPermissions(mode fs.FileMode) string {
	b := []byte("----------")
	if mode.IsDir() {
		b[0] = 'd'
	} else if mode&fs.ModeSymlink != 0 {
		b[0] = 'l'
	}
	perm := mode.Perm()
	const rwx = "rwxrwxrwx"
	for i := 0; i < 9; i++ {
		if perm&(1<<uint(8-i)) != 0 {
			b[i+1] = rwx[i]
		}
	}
	special := func(pos int, set bool, lower, upper byte) {
		if !set {
			return
		}
		if b[pos] == 'x' {
			b[pos] = lower
		} else {
			b[pos] = upper
		}
	}
	special(3, mode&fs.ModeSetuid != 0, 's', 'S')
	special(6, mode&fs.ModeSetgid != 0, 's', 'S')
	special(9, mode&fs.ModeSticky != 0, 't', 'T')
	return string(b)
}
