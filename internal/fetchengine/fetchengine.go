// Package fetchengine implements the fetch/load engine: load an Object
// from local storage, falling back to a plugin-driven remote fetch under a
// staleness policy. Load does not run post-fetch id normalization;
// ResolveAndNormalize is exported separately for callers. Grounded on
// internal/ap/client.go's TTL-bounded object cache and
// internal/ap/resync.go's periodic AccountResyncer, generalized from one
// protocol's fixed TTL to a per-object refresh-age check.
package fetchengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/klppl/bridge/internal/as1"
	"github.com/klppl/bridge/internal/bridgeerr"
	"github.com/klppl/bridge/internal/ids"
	"github.com/klppl/bridge/internal/model"
	"github.com/klppl/bridge/internal/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Remote selects the remote-fetch policy for Load: auto, always, or never.
type Remote int

const (
	RemoteAuto Remote = iota
	RemoteAlways
	RemoteNever
)

// ObjectStore is the persistence surface Load needs: get and upsert by id.
// Implemented by *store.Store.
type ObjectStore interface {
	GetObject(ctx context.Context, id string) (*model.Object, bool)
	PutObject(ctx context.Context, obj *model.Object) error
}

// Engine runs Load against a protocol registry and an object store.
type Engine struct {
	Registry       *protocol.Registry
	Store          ObjectStore
	RefreshAge     time.Duration
	SizeCapBytes   int
	SuperDomain    string
}

// New constructs an Engine.
func New(registry *protocol.Registry, store ObjectStore, refreshAge time.Duration, sizeCapBytes int, superDomain string) *Engine {
	return &Engine{Registry: registry, Store: store, RefreshAge: refreshAge, SizeCapBytes: sizeCapBytes, SuperDomain: superDomain}
}

// Load looks up id, optionally falling back to a remote fetch. When local
// is true and a cached Object is found, it's staleness-checked per the
// remote policy; when remote allows a fetch, the owning plugin is asked to
// refresh it and the result is persisted. Load does not call
// ResolveAndNormalize: the fetched object is stored with the ids the plugin
// produced.
func (e *Engine) Load(ctx context.Context, id string, remote Remote, local bool) (*model.Object, error) {
	var cached *model.Object
	var found bool
	if local {
		cached, found = e.Store.GetObject(ctx, id)
		if found {
			isNew := false
			cached.New = &isNew
		}
	}

	if remote == RemoteNever {
		return cached, nil
	}

	needsFetch := !found
	if found && remote == RemoteAuto {
		needsFetch = time.Since(cached.Updated) > e.RefreshAge
	}
	if found && remote == RemoteAlways {
		needsFetch = true
	}
	if !needsFetch {
		return cached, nil
	}

	p, err := e.Registry.ForID(ctx, id, true, storeLocalAdapter{e.Store})
	if err != nil {
		return cached, err
	}

	preFetch := ""
	if cached != nil {
		preFetch, _ = as1.ContentHash(cached.OurAS1)
	}

	obj := cached
	if obj == nil {
		obj = &model.Object{ID: id}
	}
	ok, fetchErr := p.Fetch(ctx, obj)
	if fetchErr != nil {
		return nil, fetchErr
	}
	if !ok {
		return cached, nil
	}

	if e.SizeCapBytes > 0 {
		if b, err := json.Marshal(obj.OurAS1); err == nil && len(b) > e.SizeCapBytes {
			return nil, bridgeerr.Validationf(413, "object %s exceeds size cap (%d bytes)", id, len(b))
		}
	}

	if obj.SourceProtocol == "" {
		obj.SourceProtocol = p.Label()
	} else if obj.SourceProtocol != p.Label() {
		slog.Warn("fetch changed source_protocol", "id", id, "was", obj.SourceProtocol, "now", p.Label())
		obj.SourceProtocol = p.Label()
	}

	postFetch, _ := as1.ContentHash(obj.OurAS1)
	changed := preFetch != postFetch
	obj.Changed = &changed
	isNewObj := !found
	obj.New = &isNewObj

	obj.Updated = time.Now().UTC()
	if err := e.Store.PutObject(ctx, obj); err != nil {
		return nil, fmt.Errorf("persist fetched object %s: %w", id, err)
	}
	return obj, nil
}

// ResolveAndNormalize rewrites every id-bearing field of obj's canonical
// form to its own source protocol's canonical ids (inverting any bridge
// subdomain wrapping), the inverse direction of ids.TranslateIDs. Load does
// not call it; the receive pipeline's normalize step does.
func (e *Engine) ResolveAndNormalize(ctx context.Context, obj *model.Object) {
	if obj == nil || obj.OurAS1 == nil {
		return
	}
	p, ok := e.Registry.ByLabel(obj.SourceProtocol)
	if !ok {
		return
	}
	normalized := ids.TranslateIDs(obj.OurAS1, p, e.Registry, e.SuperDomain)
	obj.OurAS1 = normalized
}

type storeLocalAdapter struct{ s ObjectStore }

func (a storeLocalAdapter) ObjectSourceProtocol(ctx context.Context, id string) (string, bool) {
	if obj, ok := a.s.GetObject(ctx, id); ok {
		return obj.SourceProtocol, true
	}
	return "", false
}
