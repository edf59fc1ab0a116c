//go:build !unix

package system

const (
	oNoFollow = 0
	oNonBlock = 0
)

func isSymlinkErr(err error) bool { return false }
