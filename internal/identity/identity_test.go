package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		raw  string
		want Role
	}{
		{"D:SN0001", RoleDevice},
		{"U:wx-app", RoleUser},
		{"D:", RoleInvalid},
		{"U:", RoleInvalid},
		{"d:SN0001", RoleInvalid},
		{"X:abc", RoleInvalid},
		{"DSN0001", RoleInvalid},
		{"", RoleInvalid},
		{"super:abc", RoleInvalid},
		{" D:SN0001", RoleInvalid},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.raw), "Classify(%q)", tt.raw)
	}
}

func TestIsPrivileged(t *testing.T) {
	superID := NewSuperID()
	assert.True(t, IsPrivileged(superID, superID))
	assert.False(t, IsPrivileged(superID+"x", superID))
	assert.False(t, IsPrivileged("", ""))
	assert.False(t, IsPrivileged("D:1", superID))
}

func TestNewSuperID(t *testing.T) {
	a, b := NewSuperID(), NewSuperID()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, SuperPrefix))
	assert.Len(t, strings.TrimPrefix(a, SuperPrefix), 32)
	assert.Equal(t, RoleInvalid, Classify(a))
}

func TestClientLogicalID(t *testing.T) {
	assert.Equal(t, "SN1", Client{ID: "D:SN1", Role: RoleDevice, DeviceID: "SN1"}.LogicalID())
	assert.Equal(t, "openid", Client{ID: "U:app", Role: RoleUser, UserID: "openid"}.LogicalID())
	assert.Equal(t, "super:x", Client{ID: "super:x", Role: RoleSuper}.LogicalID())
	assert.Equal(t, "D:SN1", DeviceClientID("SN1"))
	assert.Equal(t, "U:k", UserClientID("k"))
	assert.Equal(t, "device", RoleDevice.String())
}
