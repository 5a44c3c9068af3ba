//go:build linux

package nbuf

import "golang.org/x/sys/unix"

// NewMmapPool allocates the arena's backing region from an anonymous
// memory mapping instead of the Go heap. Behavior is otherwise identical
// to NewArenaPool; Close unmaps the region.
func NewMmapPool(cfg ArenaConfig) (*ArenaPool, error) {
	if cfg.Slots <= 0 || cfg.SlotSize <= 0 {
		return nil, ErrBadSize
	}
	if cfg.SlotSize%8 != 0 || cfg.Base%8 != 0 {
		return nil, ErrBadAlign
	}
	mem, err := unix.Mmap(-1, 0, cfg.Slots*cfg.SlotSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return newArena(cfg, mem, func() error { return unix.Munmap(mem) }), nil
}
