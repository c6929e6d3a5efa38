//go:build !unix

package fileops

import "io/fs"

type ownerCache struct{}

func newOwnerCache() *ownerCache { return &ownerCache{} }

func (*ownerCache) lookup(fs.FileInfo) (string, string) { return "N/A", "N/A" }
