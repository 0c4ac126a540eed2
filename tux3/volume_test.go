package tux3

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cdkamat/hammerspace/block"
	"github.com/cdkamat/hammerspace/dedup"
)

func testConfig() Config {
	return Config{
		BlockBits:        12,
		PoolSize:         64,
		DeltaInterval:    2,
		FlushConcurrency: 1,
		LogBlocks:        8,
	}
}

// A freshly formatted, written-to, synced, and remounted volume must
// recover its inode table and on-disk state exactly.
func TestMkfsWriteSyncMountRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.img")

	v, err := Mkfs(path, 256, testConfig())
	if !assert.NoError(t, err) {
		return
	}

	assert.NoError(t, v.ResizeInode(block.Addr(10), []byte("hello inode 10")))
	assert.NoError(t, v.ResizeInode(block.Addr(11), []byte("inode eleven")))
	assert.NoError(t, v.Sync())
	assert.NoError(t, v.Close())

	v2, err := Mount(path, testConfig())
	if !assert.NoError(t, err) {
		return
	}
	defer v2.Close()

	attrs, ok, err := v2.LookupInode(block.Addr(10))
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello inode 10", string(attrs))

	attrs, ok, err = v2.LookupInode(block.Addr(11))
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "inode eleven", string(attrs))

	assert.NoError(t, v2.PurgeInode(block.Addr(10)))
	_, ok, err = v2.LookupInode(block.Addr(10))
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestAllocInodeFindsFirstEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vol.img")
	v, err := Mkfs(path, 256, testConfig())
	if !assert.NoError(t, err) {
		return
	}
	defer v.Close()

	assert.NoError(t, v.ResizeInode(block.Addr(0), []byte("root")))
	assert.NoError(t, v.ResizeInode(block.Addr(1), []byte("second")))

	goal, err := v.AllocInode(block.Addr(0))
	assert.NoError(t, err)
	assert.Equal(t, block.Addr(2), goal)
}

// A dedup-enabled volume must reuse the same block address for repeated
// identical writes, and recover the dedup hash tree's root across a
// Sync/Close/Mount cycle.
func TestDedupEnabledVolumeReusesBlocksAcrossMount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedup.img")
	cfg := testConfig()
	cfg.Dedup = true

	v, err := Mkfs(path, 256, cfg)
	if !assert.NoError(t, err) {
		return
	}

	hints := &dedup.Hints{}
	data := []byte("identical content written twice")

	addr1, hit, err := v.WriteDeduped(hints, data)
	assert.NoError(t, err)
	assert.False(t, hit)

	addr2, hit, err := v.WriteDeduped(hints, data)
	assert.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, addr1, addr2)

	assert.NoError(t, v.Sync())
	assert.NoError(t, v.Close())

	v2, err := Mount(path, cfg)
	if !assert.NoError(t, err) {
		return
	}
	defer v2.Close()
	if !assert.NotNil(t, v2.Dedup) {
		return
	}

	addr3, hit, err := v2.WriteDeduped(&dedup.Hints{}, data)
	assert.NoError(t, err)
	assert.True(t, hit, "dedup index must survive a mount cycle")
	assert.Equal(t, addr1, addr3)
}
