// Package model defines the persisted entities the bridge core operates on:
// Object, User, Follower and the Target value type, per the data model every
// protocol plugin and pipeline stage shares.
package model

import "time"

// Status is the lifecycle state of a persisted Object.
type Status string

const (
	StatusNew        Status = "new"
	StatusInProgress Status = "in progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusIgnored    Status = "ignored"
)

// Target is a (protocol-label, uri) delivery destination. Equality is
// field-wise, so Target values are safe map keys.
type Target struct {
	Protocol string
	URI      string
}

// Object is the persisted form of an activity or thing: either a received
// activity, a bare note/article/comment, or an actor snapshot.
type Object struct {
	ID              string
	SourceProtocol  string
	OurAS1          map[string]any    // canonical AS1-like representation
	Native          map[string]string // protocol label -> opaque protocol-native blob
	Users           []string          // user-key references for linked actors/owners
	Notify          []string          // user-key references who should be notified
	Feed            []string          // user-key references whose feed lists this
	Status          Status
	Undelivered     []Target
	Delivered       []Target
	Failed          []Target
	Deleted         bool
	Updated         time.Time

	// New and Changed are set by the fetch/load engine; they are not persisted.
	New     *bool
	Changed *bool
}

// Type returns the AS1 objectType/verb-derived type label used throughout the
// pipeline ("activity", "note", "article", "comment", or an actor kind).
func (o *Object) Type() string {
	if o == nil || o.OurAS1 == nil {
		return ""
	}
	if verb, ok := o.OurAS1["verb"].(string); ok && verb != "" {
		return verb
	}
	if ot, ok := o.OurAS1["objectType"].(string); ok {
		return ot
	}
	return ""
}

// Valid reports whether the three target lists satisfy the delivery
// invariants: undelivered shares no target with delivered or with failed
// (delivered and failed are not checked against each other), and the
// status matches the rule for complete/failed/ignored.
func (o *Object) Valid() bool {
	seen := map[Target]string{}
	for _, t := range o.Undelivered {
		seen[t] = "undelivered"
	}
	for _, t := range o.Delivered {
		if _, ok := seen[t]; ok {
			return false
		}
		seen[t] = "delivered"
	}
	for _, t := range o.Failed {
		if prev, ok := seen[t]; ok && prev == "undelivered" {
			return false
		}
		seen[t] = "failed"
	}

	switch o.Status {
	case StatusComplete:
		return len(o.Undelivered) == 0 && len(o.Delivered) != 0
	case StatusFailed:
		return len(o.Undelivered) == 0 && len(o.Delivered) == 0 && len(o.Failed) != 0
	case StatusIgnored:
		return len(o.Undelivered) == 0 && len(o.Delivered) == 0 && len(o.Failed) == 0
	}
	return true
}

// ComputeStatus derives the Status from the current target lists, following
// the send-handler rule step 3: once Undelivered is empty,
// Complete if Delivered is non-empty, else Failed if Failed is non-empty,
// else Ignored.
func (o *Object) ComputeStatus() Status {
	if len(o.Undelivered) > 0 {
		return StatusInProgress
	}
	if len(o.Delivered) > 0 {
		return StatusComplete
	}
	if len(o.Failed) > 0 {
		return StatusFailed
	}
	return StatusIgnored
}

// FollowerStatus is the lifecycle state of a Follower edge.
type FollowerStatus string

const (
	FollowerActive   FollowerStatus = "active"
	FollowerInactive FollowerStatus = "inactive"
)

// User is a principal known to the bridge, keyed by its protocol-native
// canonical id.
type User struct {
	ID               string
	Protocol         string
	Handle           string
	Copies           []Target // (other-protocol-label, id-in-that-protocol)
	EnabledProtocols []string
	Status           string // "" or "blocked"
	UseInstead       string // canonical user id to follow when this is a duplicate
	ManualOptOut     bool
	Direct           bool // affirmatively opted in, vs bridged on first reference
}

// Key returns the canonical key id for this user, transparently following
// UseInstead when a duplicate has been discovered.
func (u *User) Key() string {
	if u == nil {
		return ""
	}
	if u.UseInstead != "" {
		return u.UseInstead
	}
	return u.ID
}

// HasCopyIn reports whether the user has a copy target in the given protocol
// and returns its id.
func (u *User) HasCopyIn(protocol string) (string, bool) {
	for _, c := range u.Copies {
		if c.Protocol == protocol {
			return c.URI, true
		}
	}
	return "", false
}

// HasEnabledProtocol reports whether the user has opted into the given
// protocol label.
func (u *User) HasEnabledProtocol(protocol string) bool {
	for _, p := range u.EnabledProtocols {
		if p == protocol {
			return true
		}
	}
	return false
}

// Follower is a directed edge from one user to another, carrying the Follow
// activity that created it.
type Follower struct {
	From        string // user key
	To          string // user key
	Status      FollowerStatus
	FollowObjID string // id of the Follow Object backing this edge
	Updated     time.Time
}
