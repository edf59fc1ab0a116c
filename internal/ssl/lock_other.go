//go:build !unix

package ssl

import "os"

func lockFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	return func() { f.Close() }, nil
}
