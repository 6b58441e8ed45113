package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectType(t *testing.T) {
	o := &Object{OurAS1: map[string]any{"verb": "post", "objectType": "activity"}}
	assert.Equal(t, "post", o.Type())

	o2 := &Object{OurAS1: map[string]any{"objectType": "note"}}
	assert.Equal(t, "note", o2.Type())

	var nilObj *Object
	assert.Equal(t, "", nilObj.Type())
}

func TestComputeStatus(t *testing.T) {
	tests := []struct {
		name string
		obj  Object
		want Status
	}{
		{"undelivered pending", Object{Undelivered: []Target{{Protocol: "ap", URI: "a"}}}, StatusInProgress},
		{"delivered only", Object{Delivered: []Target{{Protocol: "ap", URI: "a"}}}, StatusComplete},
		{"failed only", Object{Failed: []Target{{Protocol: "ap", URI: "a"}}}, StatusFailed},
		{"nothing", Object{}, StatusIgnored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.obj.ComputeStatus())
		})
	}
}

func TestValid(t *testing.T) {
	t1 := Target{Protocol: "ap", URI: "a"}
	valid := Object{Delivered: []Target{t1}, Status: StatusComplete}
	assert.True(t, valid.Valid())

	overlapping := Object{Undelivered: []Target{t1}, Delivered: []Target{t1}, Status: StatusComplete}
	assert.False(t, overlapping.Valid())

	wrongStatus := Object{Status: StatusComplete}
	assert.False(t, wrongStatus.Valid())
}

func TestUserKey(t *testing.T) {
	u := &User{ID: "https://x/alice"}
	assert.Equal(t, "https://x/alice", u.Key())

	dup := &User{ID: "https://x/old", UseInstead: "https://x/new"}
	assert.Equal(t, "https://x/new", dup.Key())

	var nilUser *User
	assert.Equal(t, "", nilUser.Key())
}

func TestHasCopyIn(t *testing.T) {
	u := &User{Copies: []Target{{Protocol: "atproto", URI: "did:plc:abc"}}}
	uri, ok := u.HasCopyIn("atproto")
	assert.True(t, ok)
	assert.Equal(t, "did:plc:abc", uri)

	_, ok = u.HasCopyIn("nostr")
	assert.False(t, ok)
}

func TestHasEnabledProtocol(t *testing.T) {
	u := &User{EnabledProtocols: []string{"nostr", "atproto"}}
	assert.True(t, u.HasEnabledProtocol("nostr"))
	assert.False(t, u.HasEnabledProtocol("activitypub"))
}
