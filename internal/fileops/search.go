package fileops

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// SearchResult is the result of Search.
type SearchResult struct {
	Items     []Entry `json:"items"`
	Seen      int     `json:"seen"`
	Truncated bool    `json:"truncated"`
	// Reason is "max_hits" or "max_files" when Truncated.
	Reason string `json:"reason,omitempty"`
}

func (*SearchResult) result() {}

// search walks breadth first below op.Path matching the query against each
// entry's path, case insensitively. Hidden directories are scanned after
// the others and links are never followed.
func (m *Manager) search(ctx context.Context, op Search) (*SearchResult, error) {
	res := &SearchResult{Items: []Entry{}}
	base := op.Path
	if strings.TrimSpace(base) == "" {
		base = "/"
	}
	dir, err := m.resolveDir(base)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(op.Query))
	if q == "" {
		return res, nil
	}

	type node struct {
		abs     string
		logical string
	}
	normalQ := []node{{abs: dir.Path, logical: dir.Logical}}
	var hiddenQ []node
	hidden := func(name string) bool { return strings.HasPrefix(name, ".") }

	for len(normalQ) > 0 || len(hiddenQ) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var n node
		if len(normalQ) > 0 {
			n, normalQ = normalQ[0], normalQ[1:]
		} else {
			n, hiddenQ = hiddenQ[0], hiddenQ[1:]
		}

		res.Seen++
		if res.Seen > m.searchMaxFiles {
			res.Truncated, res.Reason = true, "max_files"
			return res, nil
		}
		ents, err := os.ReadDir(n.abs)
		if err != nil {
			continue
		}
		// visible entries first, then hidden ones
		ordered := make([]os.DirEntry, 0, len(ents))
		var dots []os.DirEntry
		for _, e := range ents {
			if hidden(e.Name()) {
				dots = append(dots, e)
			} else {
				ordered = append(ordered, e)
			}
		}
		ordered = append(ordered, dots...)

		for _, e := range ordered {
			res.Seen++
			if res.Seen > m.searchMaxFiles {
				res.Truncated, res.Reason = true, "max_files"
				return res, nil
			}
			name := e.Name()
			logical := path.Join(n.logical, name)
			abs := filepath.Join(n.abs, name)
			if strings.Contains(strings.ToLower(strings.TrimPrefix(logical, dir.Logical)), q) {
				if info, err := e.Info(); err == nil {
					res.Items = append(res.Items, m.entry(logical, info))
				}
				if len(res.Items) >= m.searchMaxHits {
					res.Truncated, res.Reason = true, "max_hits"
					return res, nil
				}
			}
			if e.IsDir() && e.Type()&os.ModeSymlink == 0 {
				if hidden(name) {
					hiddenQ = append(hiddenQ, node{abs: abs, logical: logical})
				} else {
					normalQ = append(normalQ, node{abs: abs, logical: logical})
				}
			}
		}
	}
	return res, nil
}
