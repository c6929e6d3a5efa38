package fileops

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// Op is one file manager operation. The set of variants is closed; every
// variant is handled by Manager.Do.
type Op interface {
	// Action is the wire name of the operation.
	Action() string
	// Mutating reports whether the operation changes the filesystem.
	Mutating() bool
	op()
}

// List returns the entries of a directory.
type List struct{ Path string }

// Read returns the content of a file.
type Read struct{ Path string }

// Download opens a file for streaming.
type Download struct{ Path string }

// Write creates or truncates a file with Content.
type Write struct {
	Path    string
	Content []byte
}

// Delete removes a file or an empty directory, or a whole tree when
// Recursive is set.
type Delete struct {
	Path      string
	Recursive bool
}

// Rename gives an entry a new bare name inside the same directory.
type Rename struct {
	Old string
	New string
}

// Mkdir creates one directory.
type Mkdir struct{ Path string }

// Upload stores Body as Name inside the directory Dir.
type Upload struct {
	Dir  string
	Name string
	Body io.Reader
}

// RemoteUpload fetches URL into the directory Dir.
type RemoteUpload struct {
	URL string
	Dir string
}

// Unzip extracts a .zip archive next to itself.
type Unzip struct{ Path string }

// Zip archives one or more entries for download.
type Zip struct {
	Paths []string
	Name  string
}

// Search looks for entries whose path contains Query below Path.
type Search struct {
	Path  string
	Query string
}

// Thumb renders a JPEG thumbnail of an image.
type Thumb struct{ Path string }

func (List) Action() string         { return "list" }
func (Read) Action() string         { return "read" }
func (Download) Action() string     { return "download" }
func (Write) Action() string        { return "write" }
func (Delete) Action() string       { return "delete" }
func (Rename) Action() string       { return "rename" }
func (Mkdir) Action() string        { return "mkdir" }
func (Upload) Action() string       { return "upload" }
func (RemoteUpload) Action() string { return "remote_upload" }
func (Unzip) Action() string        { return "unzip" }
func (Zip) Action() string          { return "zip" }
func (Search) Action() string       { return "search" }
func (Thumb) Action() string        { return "thumb" }

func (List) Mutating() bool         { return false }
func (Read) Mutating() bool         { return false }
func (Download) Mutating() bool     { return false }
func (Write) Mutating() bool        { return true }
func (Delete) Mutating() bool       { return true }
func (Rename) Mutating() bool       { return true }
func (Mkdir) Mutating() bool        { return true }
func (Upload) Mutating() bool       { return true }
func (RemoteUpload) Mutating() bool { return true }
func (Unzip) Mutating() bool        { return true }
func (Zip) Mutating() bool          { return false }
func (Search) Mutating() bool       { return false }
func (Thumb) Mutating() bool        { return false }

func (List) op()         {}
func (Read) op()         {}
func (Download) op()     {}
func (Write) op()        {}
func (Delete) op()       {}
func (Rename) op()       {}
func (Mkdir) op()        {}
func (Upload) op()       {}
func (RemoteUpload) op() {}
func (Unzip) op()        {}
func (Zip) op()          {}
func (Search) op()       {}
func (Thumb) op()        {}

// Form is the subset of url.Values that ParseAction needs.
type Form interface {
	Get(key string) string
}

// FilePart is an uploaded file taken from a multipart request.
type FilePart struct {
	Name string
	Body io.Reader
}

// ParseAction converts the action-tagged form protocol into a typed Op.
// Field names follow the file manager's form encoding: file, old, new, dir,
// path, url and content (base64).
func ParseAction(action string, form Form, file *FilePart) (Op, error) {
	switch strings.TrimSpace(action) {
	case "list":
		return List{Path: form.Get("path")}, nil
	case "read":
		return Read{Path: form.Get("file")}, nil
	case "download":
		return Download{Path: form.Get("file")}, nil
	case "write":
		content, err := base64.StdEncoding.DecodeString(form.Get("content"))
		if err != nil {
			return nil, fmt.Errorf("%w: content is not valid base64", ErrInvalidInput)
		}
		return Write{Path: form.Get("file"), Content: content}, nil
	case "delete":
		return Delete{Path: form.Get("file"), Recursive: truthy(form.Get("recursive"))}, nil
	case "rename":
		return Rename{Old: strings.TrimSpace(form.Get("old")), New: strings.TrimSpace(form.Get("new"))}, nil
	case "mkdir":
		return Mkdir{Path: form.Get("dir")}, nil
	case "upload":
		if file == nil || file.Body == nil {
			return nil, fmt.Errorf("%w: no file", ErrInvalidInput)
		}
		return Upload{Dir: defaultDir(form.Get("path")), Name: file.Name, Body: file.Body}, nil
	case "remote_upload":
		return RemoteUpload{URL: strings.TrimSpace(form.Get("url")), Dir: defaultDir(form.Get("path"))}, nil
	case "unzip":
		return Unzip{Path: form.Get("file")}, nil
	case "zip":
		return Zip{Paths: []string{form.Get("path")}, Name: form.Get("name")}, nil
	case "search":
		return Search{Path: form.Get("path"), Query: form.Get("q")}, nil
	case "thumb":
		return Thumb{Path: form.Get("path")}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

func defaultDir(p string) string {
	if strings.TrimSpace(p) == "" || p == "." {
		return "/"
	}
	return p
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
