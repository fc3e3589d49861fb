//go:build linux

package stream

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"golang.org/x/sys/unix"
)

const sysvKeyAttempts = 16

// SysvAllocator creates System V shared-memory segments that clients attach
// to by key.
type SysvAllocator struct{}

func (SysvAllocator) Allocate(size int) (Region, error) {
	if size <= 0 {
		return nil, errors.New("shm size must be positive")
	}
	var lastErr error
	for i := 0; i < sysvKeyAttempts; i++ {
		key := rand.Int32N(1<<30) + 1
		id, err := unix.SysvShmGet(int(key), size, unix.IPC_CREAT|unix.IPC_EXCL|0o660)
		if errors.Is(err, unix.EEXIST) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("shmget: %w", err)
		}
		data, err := unix.SysvShmAttach(id, 0, 0)
		if err != nil {
			_, _ = unix.SysvShmCtl(id, unix.IPC_RMID, nil)
			return nil, fmt.Errorf("shmat: %w", err)
		}
		return &sysvRegion{key: key, id: id, data: data}, nil
	}
	return nil, fmt.Errorf("no free shm key after %d attempts: %w", sysvKeyAttempts, lastErr)
}

type sysvRegion struct {
	key  int32
	id   int
	data []byte
}

func (r *sysvRegion) Key() int32    { return r.key }
func (r *sysvRegion) Bytes() []byte { return r.data }

func (r *sysvRegion) Release() error {
	if r.data == nil {
		return errRegionReleased
	}
	errDetach := unix.SysvShmDetach(r.data)
	r.data = nil
	_, errRemove := unix.SysvShmCtl(r.id, unix.IPC_RMID, nil)
	return errors.Join(errDetach, errRemove)
}

func sysvAllocator() (Allocator, error) {
	return SysvAllocator{}, nil
}
