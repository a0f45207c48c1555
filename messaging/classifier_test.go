package messaging

import (
	"context"
	"testing"

	"github.com/ledfleet/eventcore/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func named(name string, priority int, supports func(contracts.EventKind) bool) *funcClassifier {
	return &funcClassifier{
		name:     name,
		priority: priority,
		supports: supports,
		process: func(context.Context, *contracts.Event) Result {
			return Skipped(name)
		},
	}
}

func TestClassifierRegistry(t *testing.T) {
	fallback := named("unknown", 1000, nil)

	t.Run("selects by family then ascending priority", func(t *testing.T) {
		reg := NewClassifierRegistry(fallback, nil)
		require.NoError(t, reg.Register(named("device-late", 20, nil), contracts.FamilyDevice))
		require.NoError(t, reg.Register(named("device-early", 10, nil), contracts.FamilyDevice))
		require.NoError(t, reg.Register(named("task", 10, nil), contracts.FamilyTask))

		assert.Equal(t, "device-early", reg.Select(contracts.KindDeviceOffline, "").SupportedType())
		assert.Equal(t, "task", reg.Select(contracts.KindTaskCompleted, "").SupportedType())
		assert.Equal(t, 3, reg.Len())
	})

	t.Run("skips candidates that do not support the kind", func(t *testing.T) {
		reg := NewClassifierRegistry(fallback, nil)
		onlyOffline := func(k contracts.EventKind) bool { return k == contracts.KindDeviceOffline }
		require.NoError(t, reg.Register(named("offline", 1, onlyOffline), contracts.FamilyDevice))
		require.NoError(t, reg.Register(named("device", 5, nil), contracts.FamilyDevice))

		assert.Equal(t, "offline", reg.Select(contracts.KindDeviceOffline, "").SupportedType())
		assert.Equal(t, "device", reg.Select(contracts.KindDeviceOnline, "").SupportedType())
	})

	t.Run("falls back for unknown kinds", func(t *testing.T) {
		reg := NewClassifierRegistry(fallback, nil)

		assert.Equal(t, "unknown", reg.Select(contracts.ParseEventKind("FOO_BAR"), "").SupportedType())
	})

	t.Run("rejects invalid registrations", func(t *testing.T) {
		reg := NewClassifierRegistry(fallback, nil)

		assert.Error(t, reg.Register(nil, contracts.FamilyTask))
		assert.Error(t, reg.Register(named("x", 1, nil)))
	})
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "processed", StatusProcessed.String())
	assert.Equal(t, "skipped", StatusSkipped.String())
	assert.Equal(t, "failed", StatusFailed.String())
}
