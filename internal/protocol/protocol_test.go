package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/bridge/internal/model"
)

// fakePlugin is a minimal Protocol implementation for registry tests.
type fakePlugin struct {
	label, abbrev string
	ownsID        Tri
	fetchOK       bool
	fetchErr      error
}

func (p *fakePlugin) Label() string                    { return p.label }
func (p *fakePlugin) Abbrev() string                   { return p.abbrev }
func (p *fakePlugin) HasFollowAccepts() bool            { return false }
func (p *fakePlugin) HasCopies() bool                   { return false }
func (p *fakePlugin) RequiresAvatar() bool              { return false }
func (p *fakePlugin) RequiresName() bool                { return false }
func (p *fakePlugin) RequiresOldAccount() bool          { return false }
func (p *fakePlugin) DefaultEnabledProtocols() []string { return nil }
func (p *fakePlugin) OwnsID(id string) Tri              { return p.ownsID }
func (p *fakePlugin) OwnsHandle(handle string, allowInternal bool) Tri { return No }
func (p *fakePlugin) HandleToID(ctx context.Context, handle string) (string, bool) { return "", false }
func (p *fakePlugin) KeyFor(id string) (string, bool)   { return id, true }
func (p *fakePlugin) Fetch(ctx context.Context, obj *model.Object) (bool, error) {
	return p.fetchOK, p.fetchErr
}
func (p *fakePlugin) Send(ctx context.Context, obj *model.Object, uri string, fromUser *model.User, origObj *model.Object) (SendOutcome, error) {
	return Sent, nil
}
func (p *fakePlugin) Convert(ctx context.Context, obj *model.Object, fromUser *model.User) (any, error) {
	return nil, nil
}
func (p *fakePlugin) TargetFor(ctx context.Context, obj *model.Object, shared bool) (string, bool) {
	return "", false
}
func (p *fakePlugin) BridgedWebURLFor(user *model.User) (string, bool) { return "", false }
func (p *fakePlugin) IsBlocklisted(url string, allowInternal bool) bool { return false }

type fakeLocal struct {
	label string
	ok    bool
}

func (f fakeLocal) ObjectSourceProtocol(ctx context.Context, id string) (string, bool) {
	return f.label, f.ok
}

func TestForIDSingleYesWins(t *testing.T) {
	r := NewRegistry("brid.gy")
	r.Register(&fakePlugin{label: "a", abbrev: "a", ownsID: No})
	r.Register(&fakePlugin{label: "b", abbrev: "b", ownsID: Yes})

	p, err := r.ForID(context.Background(), "https://x/1", false, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", p.Label())
}

func TestForIDSingleUnknownCandidate(t *testing.T) {
	r := NewRegistry("brid.gy")
	r.Register(&fakePlugin{label: "a", abbrev: "a", ownsID: No})
	r.Register(&fakePlugin{label: "b", abbrev: "b", ownsID: Unknown})

	p, err := r.ForID(context.Background(), "https://x/1", false, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", p.Label())
}

func TestForIDLocalFallback(t *testing.T) {
	r := NewRegistry("brid.gy")
	r.Register(&fakePlugin{label: "a", abbrev: "a", ownsID: Unknown})
	r.Register(&fakePlugin{label: "b", abbrev: "b", ownsID: Unknown})

	p, err := r.ForID(context.Background(), "https://x/1", false, fakeLocal{label: "b", ok: true})
	require.NoError(t, err)
	assert.Equal(t, "b", p.Label())
}

func TestForIDUnroutableWithoutRemote(t *testing.T) {
	r := NewRegistry("brid.gy")
	r.Register(&fakePlugin{label: "a", abbrev: "a", ownsID: Unknown})
	r.Register(&fakePlugin{label: "b", abbrev: "b", ownsID: Unknown})

	_, err := r.ForID(context.Background(), "https://x/1", false, nil)
	assert.ErrorIs(t, err, ErrUnroutable)
}

func TestForIDFetchTrialPicksFirstSuccess(t *testing.T) {
	r := NewRegistry("brid.gy")
	r.Register(&fakePlugin{label: "a", abbrev: "a", ownsID: Unknown, fetchOK: false})
	r.Register(&fakePlugin{label: "b", abbrev: "b", ownsID: Unknown, fetchOK: true})

	p, err := r.ForID(context.Background(), "https://x/1", true, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", p.Label())
}

func TestForIDGatewayErrorAborts(t *testing.T) {
	r := NewRegistry("brid.gy")
	r.Register(&fakePlugin{label: "a", abbrev: "a", ownsID: Unknown, fetchErr: NewGatewayError(assert.AnError)})
	r.Register(&fakePlugin{label: "b", abbrev: "b", ownsID: Unknown, fetchOK: true})

	_, err := r.ForID(context.Background(), "https://x/1", true, nil)
	assert.Error(t, err)
}

func TestForSuperdomain(t *testing.T) {
	r := NewRegistry("brid.gy")
	r.Register(&fakePlugin{label: "activitypub", abbrev: "ap"})

	p, ok := r.ForSuperdomain("https://ap.brid.gy/users/alice")
	require.True(t, ok)
	assert.Equal(t, "activitypub", p.Label())

	_, ok = r.ForSuperdomain("https://unrelated.example/x")
	assert.False(t, ok)
}

func TestByLabel(t *testing.T) {
	r := NewRegistry("brid.gy")
	r.Register(&fakePlugin{label: "nostr", abbrev: "nostr"})

	p, ok := r.ByLabel("nostr")
	require.True(t, ok)
	assert.Equal(t, "nostr", p.Label())

	_, ok = r.ByLabel("missing")
	assert.False(t, ok)
}
