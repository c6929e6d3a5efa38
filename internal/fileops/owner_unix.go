//go:build unix

package fileops

import (
	"io/fs"
	"os/user"
	"strconv"
	"sync"
	"syscall"
)

// ownerCache memoizes uid and gid name lookups.
type ownerCache struct {
	users  sync.Map // uint32 -> string
	groups sync.Map
}

func newOwnerCache() *ownerCache { return &ownerCache{} }

func (c *ownerCache) lookup(info fs.FileInfo) (string, string) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return "N/A", "N/A"
	}
	return c.user(st.Uid), c.group(st.Gid)
}

func (c *ownerCache) user(uid uint32) string {
	if v, ok := c.users.Load(uid); ok {
		return v.(string)
	}
	id := strconv.FormatUint(uint64(uid), 10)
	name := id
	if u, err := user.LookupId(id); err == nil {
		name = u.Username
	}
	c.users.Store(uid, name)
	return name
}

func (c *ownerCache) group(gid uint32) string {
	if v, ok := c.groups.Load(gid); ok {
		return v.(string)
	}
	id := strconv.FormatUint(uint64(gid), 10)
	name := id
	if g, err := user.LookupGroupId(id); err == nil {
		name = g.Name
	}
	c.groups.Store(gid, name)
	return name
}
