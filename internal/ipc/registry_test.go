package ipc

import (
	"fmt"
	"strings"
	"testing"

	"github.com/fxnlabs/aclrt/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type fixture struct {
	driver   *device.SimDriver
	registry *Registry
	owner    uint32
	importer uint32
	stranger uint32
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	d := device.NewSimDriver(1, 64<<20, zap.NewNop())
	require.NoError(t, d.Init())
	t.Cleanup(func() { _ = d.Finalize() })

	f := &fixture{driver: d, registry: NewRegistry(policy, 255, zap.NewNop())}
	var err error
	f.owner, err = d.Attach()
	require.NoError(t, err)
	f.importer, err = d.Attach()
	require.NoError(t, err)
	f.stranger, err = d.Attach()
	require.NoError(t, err)
	return f
}

func (f *fixture) alloc(t *testing.T) *device.Buffer {
	t.Helper()
	b, err := f.driver.Alloc(f.owner, 0, 64, device.NormalOnly)
	require.NoError(t, err)
	return b
}

func TestRegistry_WhitelistedImport(t *testing.T) {
	f := newFixture(t, PolicyClosed)
	buf := f.alloc(t)
	device.PutInt32(buf.Bytes(), 123)

	key, err := f.registry.Export(f.owner, buf, "shared-weights")
	require.NoError(t, err)
	assert.Equal(t, "shared-weights", key)
	require.NoError(t, f.registry.SetImportWhitelist(f.owner, key, f.importer))

	_, err = f.registry.Import(key, f.stranger)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	h, err := f.registry.Import(key, f.importer)
	require.NoError(t, err)
	got, err := h.Buffer()
	require.NoError(t, err)
	assert.Same(t, buf, got)
	assert.Equal(t, int32(123), device.GetInt32(got.Bytes()))
	assert.Equal(t, Stats{Exports: 1, Imports: 1}, f.registry.Stats())

	require.NoError(t, h.Release())
	assert.ErrorIs(t, h.Release(), ErrHandleClosed)
	_, err = h.Buffer()
	assert.ErrorIs(t, err, ErrHandleClosed)
	assert.Equal(t, Stats{Exports: 1, Imports: 0}, f.registry.Stats())
}

func TestRegistry_OwnerAlwaysAdmitted(t *testing.T) {
	f := newFixture(t, PolicyClosed)
	key, err := f.registry.Export(f.owner, f.alloc(t), "")
	require.NoError(t, err)
	require.NoError(t, f.registry.SetImportWhitelist(f.owner, key, f.importer))

	h, err := f.registry.Import(key, f.owner)
	require.NoError(t, err)
	require.NoError(t, h.Release())
	_, err = f.registry.Import(key, f.stranger)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestRegistry_EmptyWhitelistPolicy(t *testing.T) {
	t.Run("closed admits only the owner", func(t *testing.T) {
		f := newFixture(t, PolicyClosed)
		key, err := f.registry.Export(f.owner, f.alloc(t), "")
		require.NoError(t, err)

		_, err = f.registry.Import(key, f.importer)
		assert.ErrorIs(t, err, ErrNotAuthorized)
		_, err = f.registry.Import(key, f.owner)
		assert.NoError(t, err)
	})

	t.Run("open admits everyone", func(t *testing.T) {
		f := newFixture(t, PolicyOpen)
		key, err := f.registry.Export(f.owner, f.alloc(t), "")
		require.NoError(t, err)

		_, err = f.registry.Import(key, f.stranger)
		assert.NoError(t, err)

		// A non-empty whitelist is authoritative even under the open policy.
		require.NoError(t, f.registry.SetImportWhitelist(f.owner, key, f.importer))
		_, err = f.registry.Import(key, f.stranger)
		assert.ErrorIs(t, err, ErrNotAuthorized)
	})
}

func TestRegistry_WhitelistAppends(t *testing.T) {
	f := newFixture(t, PolicyClosed)
	key, err := f.registry.Export(f.owner, f.alloc(t), "")
	require.NoError(t, err)

	require.NoError(t, f.registry.SetImportWhitelist(f.owner, key, f.importer))
	require.NoError(t, f.registry.SetImportWhitelist(f.owner, key, f.stranger))
	require.NoError(t, f.registry.SetImportWhitelist(f.owner, key, f.importer))

	_, err = f.registry.Import(key, f.importer)
	assert.NoError(t, err)
	_, err = f.registry.Import(key, f.stranger)
	assert.NoError(t, err)

	err = f.registry.SetImportWhitelist(f.importer, key, f.importer)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestRegistry_ExportValidation(t *testing.T) {
	f := newFixture(t, PolicyClosed)
	buf := f.alloc(t)

	_, err := f.registry.Export(f.owner, buf, strings.Repeat("k", 256))
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = f.registry.Export(f.owner, buf, "bad\x00key")
	assert.ErrorIs(t, err, ErrInvalidKey)

	key, err := f.registry.Export(f.owner, buf, strings.Repeat("k", 255))
	require.NoError(t, err)
	_, err = f.registry.Export(f.owner, buf, "second-name")
	assert.ErrorIs(t, err, ErrAlreadyExported)

	_, err = f.registry.Export(f.owner, f.alloc(t), key)
	assert.ErrorIs(t, err, ErrKeyInUse)

	freed := f.alloc(t)
	require.NoError(t, f.driver.Free(freed))
	_, err = f.registry.Export(f.owner, freed, "")
	assert.ErrorIs(t, err, device.ErrBufferFreed)
}

func TestRegistry_GeneratedKeysAreUnique(t *testing.T) {
	f := newFixture(t, PolicyClosed)
	seen := make(map[string]bool)
	for i := 0; i < 16; i++ {
		key, err := f.registry.Export(f.owner, f.alloc(t), "")
		require.NoError(t, err)
		assert.False(t, seen[key])
		assert.LessOrEqual(t, len(key), 255)
		seen[key] = true
	}
}

func TestRegistry_Close(t *testing.T) {
	f := newFixture(t, PolicyClosed)
	buf := f.alloc(t)
	key, err := f.registry.Export(f.owner, buf, "weights")
	require.NoError(t, err)
	require.NoError(t, f.registry.SetImportWhitelist(f.owner, key, f.importer))
	h, err := f.registry.Import(key, f.importer)
	require.NoError(t, err)

	assert.ErrorIs(t, f.registry.Close(f.importer, key), ErrNotAuthorized)
	require.NoError(t, f.registry.Close(f.owner, key))

	assert.ErrorIs(t, f.registry.Close(f.owner, key), ErrNotFound)
	_, err = f.registry.Import(key, f.importer)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.Buffer()
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.registry.SetImportWhitelist(f.owner, key, f.importer), ErrNotFound)

	// Reusing the name is a new generation: the old handle stays dead and
	// the new import resolves to the new memory.
	other := f.alloc(t)
	_, err = f.registry.Export(f.owner, other, "weights")
	require.NoError(t, err)
	require.NoError(t, f.registry.SetImportWhitelist(f.owner, key, f.importer))
	_, err = h.Buffer()
	assert.ErrorIs(t, err, ErrNotFound)

	h2, err := f.registry.Import(key, f.importer)
	require.NoError(t, err)
	got, err := h2.Buffer()
	require.NoError(t, err)
	assert.Same(t, other, got)
	assert.NotSame(t, buf, got)

	// The original buffer can be exported again after its export closed.
	_, err = f.registry.Export(f.owner, buf, "")
	assert.NoError(t, err)
}

func TestRegistry_CloseBufferAndOwner(t *testing.T) {
	f := newFixture(t, PolicyOpen)
	a, b := f.alloc(t), f.alloc(t)
	keyA, err := f.registry.Export(f.owner, a, "")
	require.NoError(t, err)
	keyB, err := f.registry.Export(f.owner, b, "")
	require.NoError(t, err)

	f.registry.CloseBuffer(a)
	_, err = f.registry.Import(keyA, f.importer)
	assert.ErrorIs(t, err, ErrNotFound)
	// Closing an unexported buffer is a no-op.
	f.registry.CloseBuffer(a)

	assert.Equal(t, 1, f.registry.CloseOwnedBy(f.owner))
	_, err = f.registry.Import(keyB, f.importer)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, Stats{}, f.registry.Stats())
}

func TestRegistry_ConcurrentKeys(t *testing.T) {
	f := newFixture(t, PolicyClosed)

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		buf := f.alloc(t)
		name := fmt.Sprintf("key-%d", i)
		g.Go(func() error {
			key, err := f.registry.Export(f.owner, buf, name)
			if err != nil {
				return err
			}
			for j := 0; j < 10; j++ {
				if err := f.registry.SetImportWhitelist(f.owner, key, f.importer); err != nil {
					return err
				}
				h, err := f.registry.Import(key, f.importer)
				if err != nil {
					return err
				}
				if err := h.Release(); err != nil {
					return err
				}
			}
			return f.registry.Close(f.owner, key)
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, Stats{}, f.registry.Stats())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("open")
	require.NoError(t, err)
	assert.Equal(t, PolicyOpen, p)

	p, err = ParsePolicy("closed")
	require.NoError(t, err)
	assert.Equal(t, PolicyClosed, p)

	_, err = ParsePolicy("maybe")
	assert.Error(t, err)
}
