package fsutil

import (
	"errors"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTree builds root/uploads/report.csv and returns a Guard on root.
func setupTree(t *testing.T) *Guard {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "uploads"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "uploads", "report.csv"), []byte("a,b\n"), 0o644))
	g, err := New(root)
	require.NoError(t, err)
	return g
}

func TestResolveScenarios(t *testing.T) {
	t.Parallel()
	g := setupTree(t)

	tests := []struct {
		name    string
		logical string
		want    string
		kind    Kind
		err     error
	}{
		{name: "root", logical: "/", want: g.Root(), kind: KindDir},
		{name: "empty is root", logical: "", want: g.Root(), kind: KindDir},
		{name: "existing file", logical: "/uploads/report.csv", want: filepath.Join(g.Root(), "uploads", "report.csv"), kind: KindFile},
		{name: "existing dir", logical: "uploads", want: filepath.Join(g.Root(), "uploads"), kind: KindDir},
		{name: "new file", logical: "/uploads/new.txt", want: filepath.Join(g.Root(), "uploads", "new.txt"), kind: KindNew},
		{name: "dot segments inside", logical: "/uploads/./../uploads/report.csv", want: filepath.Join(g.Root(), "uploads", "report.csv"), kind: KindFile},
		{name: "traversal to passwd", logical: "/../../etc/passwd", err: ErrEscape},
		{name: "traversal through missing dir", logical: "/nope/../../outside.txt", err: ErrEscape},
		{name: "backslash traversal", logical: `..\..\etc\passwd`, err: ErrEscape},
		{name: "missing parent", logical: "/missing/child.txt", err: ErrEscape},
		{name: "nul byte", logical: "/uploads/a\x00b", err: ErrInvalidSegment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.Resolve(tt.logical)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				var pe *PathError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, tt.logical, pe.Path, "error must carry the client path only")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Path)
			assert.Equal(t, tt.kind, got.Kind)
		})
	}
}

func TestResolveNeverSubstitutesRoot(t *testing.T) {
	t.Parallel()
	g := setupTree(t)

	got, err := g.Resolve("/../../etc")
	require.Error(t, err)
	assert.Empty(t, got.Path, "a rejected path must not fall back to the root")
}

func TestResolvePrefixCollision(t *testing.T) {
	t.Parallel()
	parent := t.TempDir()
	base := filepath.Join(parent, "base")
	evil := filepath.Join(parent, "base-evil")
	require.NoError(t, os.MkdirAll(base, 0o755))
	require.NoError(t, os.MkdirAll(evil, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(evil, "secret"), []byte("x"), 0o644))

	g, err := New(base)
	require.NoError(t, err)

	_, err = g.Resolve("/../base-evil/secret")
	require.ErrorIs(t, err, ErrEscape)
	_, err = g.Resolve("/../base-evil/new.txt")
	require.ErrorIs(t, err, ErrEscape)
}

func TestResolveSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	t.Parallel()
	g := setupTree(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0o644))

	require.NoError(t, os.Symlink(outside, filepath.Join(g.Root(), "out")))
	require.NoError(t, os.Symlink(filepath.Join(g.Root(), "uploads"), filepath.Join(g.Root(), "in")))

	t.Run("link escaping root", func(t *testing.T) {
		_, err := g.Resolve("/out/secret")
		require.ErrorIs(t, err, ErrEscape)
	})
	t.Run("new file under escaping link", func(t *testing.T) {
		_, err := g.Resolve("/out/planted.txt")
		require.ErrorIs(t, err, ErrEscape)
	})
	t.Run("link staying inside", func(t *testing.T) {
		got, err := g.Resolve("/in/report.csv")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(g.Root(), "uploads", "report.csv"), got.Path)
		assert.Equal(t, "/uploads/report.csv", got.Logical)
	})
	t.Run("dangling link pointing outside", func(t *testing.T) {
		require.NoError(t, os.Symlink(filepath.Join(outside, "pwned.txt"), filepath.Join(g.Root(), "uploads", "dang")))
		_, err := g.Resolve("/uploads/dang")
		require.ErrorIs(t, err, ErrEscape)

		uploads, err := g.Resolve("/uploads")
		require.NoError(t, err)
		_, err = g.ResolveChild(uploads, "dang")
		require.ErrorIs(t, err, ErrEscape)
		assert.NoFileExists(t, filepath.Join(outside, "pwned.txt"))
	})
	t.Run("dangling link pointing inside", func(t *testing.T) {
		require.NoError(t, os.Symlink(filepath.Join(g.Root(), "uploads", "later.txt"), filepath.Join(g.Root(), "pending")))
		_, err := g.Resolve("/pending")
		require.ErrorIs(t, err, ErrEscape)
	})
	t.Run("dangling link as parent", func(t *testing.T) {
		require.NoError(t, os.Symlink(filepath.Join(outside, "nodir"), filepath.Join(g.Root(), "gone")))
		_, err := g.Resolve("/gone/new.txt")
		require.ErrorIs(t, err, ErrEscape)
	})
}

func TestResolveNewNameIsBare(t *testing.T) {
	t.Parallel()
	g := setupTree(t)
	uploads, err := g.Resolve("/uploads")
	require.NoError(t, err)

	_, err = g.Resolve("/uploads/a..b")
	require.ErrorIs(t, err, ErrInvalidSegment)
	_, err = g.ResolveChild(uploads, "a..b")
	require.ErrorIs(t, err, ErrInvalidSegment)

	// existing entries are addressed whatever their name
	require.NoError(t, os.WriteFile(filepath.Join(g.Root(), "uploads", "v1..2.txt"), nil, 0o644))
	got, err := g.Resolve("/uploads/v1..2.txt")
	require.NoError(t, err)
	assert.Equal(t, KindFile, got.Kind)
}

func TestResolveFileAsDirectory(t *testing.T) {
	t.Parallel()
	g := setupTree(t)

	_, err := g.Resolve("/uploads/report.csv/child")
	require.Error(t, err)
	var pe *fs.PathError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "/uploads/report.csv/child", pe.Path)
}

func TestResolveIdempotent(t *testing.T) {
	t.Parallel()
	g := setupTree(t)

	for _, p := range []string{"/", "/uploads", "/uploads/report.csv", "/uploads/new.txt"} {
		first, err := g.Resolve(p)
		require.NoError(t, err)
		second, err := g.Resolve(p)
		require.NoError(t, err)
		assert.Equal(t, first, second, p)
	}
}

// TestResolveContainmentProperty feeds randomly assembled traversal strings
// through Resolve and checks that every success lies under the root.
func TestResolveContainmentProperty(t *testing.T) {
	t.Parallel()
	g := setupTree(t)
	if runtime.GOOS != "windows" {
		outside := t.TempDir()
		require.NoError(t, os.Symlink(filepath.Join(outside, "x"), filepath.Join(g.Root(), "dang")))
		require.NoError(t, os.Symlink(outside, filepath.Join(g.Root(), "uploads", "out")))
	}
	pieces := []string{
		"..", "../", "/", "//", `\`, `..\`, ".", "uploads", "report.csv", "new.txt",
		"%2e%2e", "%2e%2e%2f", "..%2f", "etc", "passwd", "/etc/passwd", "....//", "~", " ",
		"dang", "out", "/dang", "uploads/out/",
	}
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 5000; i++ {
		var b strings.Builder
		n := 1 + rng.Intn(8)
		for j := 0; j < n; j++ {
			b.WriteString(pieces[rng.Intn(len(pieces))])
		}
		s := b.String()
		got, err := g.Resolve(s)
		if err != nil {
			continue
		}
		assert.True(t, hasPathPrefix(got.Path, g.Root()), "input %q escaped to %q", s, got.Path)
		assert.True(t, canonicallyInside(got.Path, g.Root()), "input %q resolves through %q outside the root", s, got.Path)
		if got.Kind == KindNew {
			_, err := os.Lstat(got.Path)
			assert.ErrorIs(t, err, fs.ErrNotExist, "input %q gave an occupied new entry %q", s, got.Path)
		}
		assert.True(t, strings.HasPrefix(got.Logical, "/"), "input %q gave logical %q", s, got.Logical)
	}
}

// canonicallyInside reports whether the deepest existing ancestor of p,
// symlinks resolved, lies inside root. A p that is itself a link is judged by
// its target.
func canonicallyInside(p, root string) bool {
	for q := p; ; q = filepath.Dir(q) {
		if real, err := filepath.EvalSymlinks(q); err == nil {
			return hasPathPrefix(real, root)
		}
		if target, err := os.Readlink(q); err == nil {
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(q), target)
			}
			return canonicallyInside(target, root)
		}
		if filepath.Dir(q) == q {
			return false
		}
	}
}

func TestResolveRename(t *testing.T) {
	t.Parallel()
	g := setupTree(t)
	require.NoError(t, os.WriteFile(filepath.Join(g.Root(), "uploads", "a.txt"), []byte("a"), 0o644))

	t.Run("bare name becomes sibling", func(t *testing.T) {
		src, dst, err := g.ResolveRename("/uploads/a.txt", "b.txt")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(g.Root(), "uploads", "a.txt"), src.Path)
		assert.Equal(t, filepath.Join(g.Root(), "uploads", "b.txt"), dst.Path)
		assert.Equal(t, KindNew, dst.Kind)
		assert.Equal(t, filepath.Dir(src.Path), filepath.Dir(dst.Path))
	})

	for _, bad := range []string{"../../evil.txt", "sub/b.txt", `sub\b.txt`, "..", "a..b", "", "  ", "x\x00y"} {
		t.Run("rejects "+bad, func(t *testing.T) {
			_, _, err := g.ResolveRename("/uploads/a.txt", bad)
			require.ErrorIs(t, err, ErrInvalidSegment)
		})
	}

	t.Run("missing source", func(t *testing.T) {
		_, _, err := g.ResolveRename("/uploads/none.txt", "b.txt")
		require.ErrorIs(t, err, fs.ErrNotExist)
	})
	t.Run("root source", func(t *testing.T) {
		_, _, err := g.ResolveRename("/", "b")
		require.ErrorIs(t, err, ErrRootEntry)
	})
	t.Run("escaping source", func(t *testing.T) {
		_, _, err := g.ResolveRename("/../../etc/passwd", "b")
		require.ErrorIs(t, err, ErrEscape)
	})
}

func TestResolveChild(t *testing.T) {
	t.Parallel()
	g := setupTree(t)
	dir, err := g.Resolve("/uploads")
	require.NoError(t, err)

	got, err := g.ResolveChild(dir, "fresh.bin")
	require.NoError(t, err)
	assert.Equal(t, KindNew, got.Kind)
	assert.Equal(t, "/uploads/fresh.bin", got.Logical)

	_, err = g.ResolveChild(dir, "../x")
	require.ErrorIs(t, err, ErrInvalidSegment)

	file, err := g.Resolve("/uploads/report.csv")
	require.NoError(t, err)
	_, err = g.ResolveChild(file, "x")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrEscape))
}

func TestNewRejectsFileRoot(t *testing.T) {
	t.Parallel()
	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0o644))
	_, err := New(f)
	require.Error(t, err)
}

func TestResolveEntryDoesNotFollowFinalLink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	t.Parallel()
	g := setupTree(t)
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(g.Root(), "out")))
	require.NoError(t, os.Symlink(filepath.Join(g.Root(), "uploads"), filepath.Join(g.Root(), "in")))

	got, err := g.ResolveEntry("/out")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(g.Root(), "out"), got.Path)
	assert.Equal(t, KindFile, got.Kind, "a link is a non-directory entry")

	got, err = g.ResolveEntry("/in")
	require.NoError(t, err)
	assert.Equal(t, "/in", got.Logical)

	_, err = g.ResolveEntry("/out/anything")
	require.ErrorIs(t, err, ErrEscape, "parent must still canonicalize inside the root")

	src, _, err := g.ResolveRename("/in", "renamed")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(g.Root(), "in"), src.Path)
}

func TestResolveEntry(t *testing.T) {
	t.Parallel()
	g := setupTree(t)

	got, err := g.ResolveEntry("/")
	require.NoError(t, err)
	assert.Equal(t, g.Root(), got.Path)
	assert.Equal(t, KindDir, got.Kind)

	got, err = g.ResolveEntry("/uploads/report.csv")
	require.NoError(t, err)
	assert.Equal(t, KindFile, got.Kind)

	got, err = g.ResolveEntry("/uploads/missing")
	require.NoError(t, err)
	assert.Equal(t, KindNew, got.Kind)

	for _, bad := range []string{"/../../etc/passwd", `..\outside`, "/uploads/../../x"} {
		_, err := g.ResolveEntry(bad)
		require.ErrorIs(t, err, ErrEscape, bad)
	}
	_, err = g.ResolveEntry("/missing/child")
	require.ErrorIs(t, err, ErrEscape)
}
