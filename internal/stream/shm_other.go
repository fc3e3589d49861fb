//go:build !linux

package stream

import "errors"

func sysvAllocator() (Allocator, error) {
	return nil, errors.New("sysv shared memory is only supported on linux")
}
