package contracts

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventKind(t *testing.T) {
	t.Run("known kinds map to their family", func(t *testing.T) {
		assert.Equal(t, KindDeviceOffline, ParseEventKind("DEVICE_OFFLINE"))
		assert.Equal(t, FamilyDevice, ParseEventKind("DEVICE_OFFLINE").Family())
		assert.Equal(t, FamilyProgress, ParseEventKind("batch_upload_progress").Family())
		assert.Equal(t, FamilyTask, ParseEventKind(" TASK_COMPLETED ").Family())
	})

	t.Run("unknown strings become KindUnknown", func(t *testing.T) {
		kind := ParseEventKind("FOO_BAR")
		assert.Equal(t, KindUnknown, kind)
		assert.False(t, kind.Known())
		assert.Equal(t, FamilyUnknown, kind.Family())
	})

	t.Run("every family has kinds", func(t *testing.T) {
		for _, f := range []Family{FamilyTask, FamilyStatus, FamilyNotification, FamilyDevice, FamilyUser, FamilyBusiness, FamilySystem, FamilyProgress} {
			assert.NotEmpty(t, KindsOf(f), string(f))
		}
	})
}

func TestDecodeEvent(t *testing.T) {
	t.Run("decodes a complete event", func(t *testing.T) {
		body := []byte(`{"id":"e-1","type":"DEVICE_OFFLINE","orgId":7,"metadata":{"deviceId":"D1","port":8080}}`)

		event, err := DecodeEvent(body)
		require.NoError(t, err)

		assert.Equal(t, "e-1", event.ID)
		assert.Equal(t, KindDeviceOffline, event.Kind())
		assert.Equal(t, DefaultMaxRetry, event.MaxRetry)
		org, ok := event.Org()
		assert.True(t, ok)
		assert.Equal(t, int64(7), org)
		deviceID, ok := event.MetaString("deviceId")
		assert.True(t, ok)
		assert.Equal(t, "D1", deviceID)
		port, ok := event.MetaString("port")
		assert.True(t, ok)
		assert.Equal(t, "8080", port)
	})

	t.Run("rejects invalid json as malformed", func(t *testing.T) {
		_, err := DecodeEvent([]byte("{not json"))
		assert.True(t, IsMalformed(err))
	})

	t.Run("rejects missing id and type", func(t *testing.T) {
		_, err := DecodeEvent([]byte(`{"type":"DEVICE_ONLINE"}`))
		var malformed *MalformedError
		require.True(t, errors.As(err, &malformed))
		assert.Equal(t, "id", malformed.Field)

		_, err = DecodeEvent([]byte(`{"id":"x"}`))
		require.True(t, errors.As(err, &malformed))
		assert.Equal(t, "type", malformed.Field)
	})
}

func TestEventMetadata(t *testing.T) {
	event := &Event{
		ID: "e-2",
		Metadata: map[string]interface{}{
			"userId":   "42",
			"progress": 55.5,
			"orgId":    json.Number("9"),
			"flag":     "true",
			"files":    []interface{}{map[string]interface{}{"fileId": "f1"}},
		},
	}

	t.Run("receiver falls back to metadata", func(t *testing.T) {
		uid, ok := event.Receiver()
		assert.True(t, ok)
		assert.Equal(t, int64(42), uid)
	})

	t.Run("org accepts json numbers", func(t *testing.T) {
		org, ok := event.Org()
		assert.True(t, ok)
		assert.Equal(t, int64(9), org)
	})

	t.Run("typed accessors", func(t *testing.T) {
		p, ok := event.MetaFloat("progress")
		assert.True(t, ok)
		assert.Equal(t, 55.5, p)

		b, ok := event.MetaBool("flag")
		assert.True(t, ok)
		assert.True(t, b)

		files, ok := event.MetaList("files")
		assert.True(t, ok)
		assert.Len(t, files, 1)
	})

	t.Run("require reports missing fields", func(t *testing.T) {
		_, err := event.RequireString("deviceId")
		assert.True(t, IsMalformed(err))
		assert.Contains(t, err.Error(), "deviceId")
	})

	t.Run("clone does not share metadata", func(t *testing.T) {
		c := event.Clone()
		c.Metadata["userId"] = "1"
		assert.Equal(t, "42", event.Metadata["userId"])
	})
}
