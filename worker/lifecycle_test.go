package worker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"reflect"
	"testing"

	"github.com/stavanger-twin/swcache/backends"
)

func TestInstallCachesManifest(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	serveManifest(env.net)
	w := env.worker(t, DefaultVersion)

	if err := w.Install(ctx); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if w.State() != StateInstalled {
		t.Errorf("Expected state installed, got %s", w.State())
	}

	store := env.store(t, DefaultVersion)
	for _, p := range DefaultManifest {
		entry, miss, err := store.Match(ctx, backends.Key(http.MethodGet, testOrigin+p))
		if err != nil || miss {
			t.Errorf("Expected %s to be cached, got miss=%t err=%v", p, miss, err)
			continue
		}
		if entry.Status != http.StatusOK {
			t.Errorf("Expected cached status 200 for %s, got %d", p, entry.Status)
		}
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	serveManifest(env.net)

	for i := 0; i < 2; i++ {
		if err := env.worker(t, DefaultVersion).Install(ctx); err != nil {
			t.Fatalf("Install #%d failed: %v", i+1, err)
		}
	}
	n, err := env.store(t, DefaultVersion).Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(DefaultManifest) {
		t.Errorf("Expected %d entries after two installs, got %d", len(DefaultManifest), n)
	}
}

func TestInstallFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	serveManifest(env.net)
	env.net.set("/transparency", &Response{Status: http.StatusInternalServerError, Type: TypeBasic})
	w := env.worker(t, "stavanger-twin-v2")

	err := w.Install(ctx)
	if err == nil {
		t.Fatal("Expected install to fail when a manifest route returns 500")
	}
	names, _ := env.storage.Names(ctx)
	if len(names) != 0 {
		t.Errorf("Expected no store to be created, got %v", names)
	}
}

func TestInstallFailureKeepsActiveVersion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	serveManifest(env.net)
	reg := NewRegistration(env.clients)

	v1 := env.worker(t, "stavanger-twin-v1")
	if err := reg.Register(ctx, v1); err != nil {
		t.Fatalf("Register v1 failed: %v", err)
	}

	env.net.setOffline(true)
	v2 := env.worker(t, "stavanger-twin-v2")
	if err := reg.Register(ctx, v2); err == nil {
		t.Fatal("Expected v2 registration to fail while offline")
	}
	if reg.Active() != v1 {
		t.Errorf("Expected v1 to stay active")
	}
	if v2.State() != StateRedundant {
		t.Errorf("Expected v2 redundant, got %s", v2.State())
	}
	names, _ := env.storage.Names(ctx)
	if !reflect.DeepEqual(names, []string{"stavanger-twin-v1"}) {
		t.Errorf("Expected only v1 store, got %v", names)
	}
}

func TestActivateDeletesOldVersions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	for _, name := range []string{"stavanger-twin-v0", "stavanger-twin-v1", "other-app-cache", "stavanger-twin-v3"} {
		s := env.store(t, name)
		_ = s.Put(ctx, "GET "+testOrigin+"/", &backends.Entry{Method: http.MethodGet, URL: testOrigin + "/", Status: 200})
	}
	w := env.worker(t, "stavanger-twin-v3")

	deleted, err := w.Activate(ctx)
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if len(deleted) != 3 {
		t.Errorf("Expected 3 deleted stores, got %v", deleted)
	}
	names, _ := env.storage.Names(ctx)
	if !reflect.DeepEqual(names, []string{"stavanger-twin-v3"}) {
		t.Errorf("Expected only the current store to remain, got %v", names)
	}
	if w.State() != StateActivated {
		t.Errorf("Expected state activated, got %s", w.State())
	}
}

func TestActivateClaimsClients(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	env.clients.Attach("tab-1", testOrigin+"/vote", "")
	env.clients.Attach("tab-2", testOrigin+"/profile", "stavanger-twin-v0")

	w := env.worker(t, DefaultVersion)
	if _, err := w.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	if n := env.clients.Controlled(DefaultVersion); n != 2 {
		t.Errorf("Expected 2 controlled clients, got %d", n)
	}
}

type failingDeleteStorage struct {
	backends.Storage
}

func (f failingDeleteStorage) Delete(ctx context.Context, name string) (bool, error) {
	return false, errors.New("permission denied")
}

func TestActivateCompletesDespiteDeleteFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	env.store(t, "stavanger-twin-v0")
	env.storage = failingDeleteStorage{Storage: env.storage}
	w := env.worker(t, DefaultVersion)

	deleted, err := w.Activate(ctx)
	if err == nil {
		t.Errorf("Expected the delete failure to be reported")
	}
	if len(deleted) != 0 {
		t.Errorf("Expected nothing deleted, got %v", deleted)
	}
	if w.State() != StateActivated {
		t.Errorf("Expected worker activated despite the failure, got %s", w.State())
	}
}

func TestRegisterFirstVersionActivatesImmediately(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	serveManifest(env.net)
	reg := NewRegistration(env.clients)
	w := env.worker(t, DefaultVersion)

	if err := reg.Register(ctx, w); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if reg.Active() != w || reg.Waiting() != nil || reg.Installing() != nil {
		t.Errorf("Expected the worker to be active with nothing waiting")
	}
}

func TestNewVersionWaitsForClients(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	serveManifest(env.net)
	reg := NewRegistration(env.clients)

	v1 := env.worker(t, "stavanger-twin-v1")
	if err := reg.Register(ctx, v1); err != nil {
		t.Fatal(err)
	}
	env.clients.Attach("tab-1", testOrigin+"/vote", v1.Version())

	v2 := env.worker(t, "stavanger-twin-v2")
	if err := reg.Register(ctx, v2); err != nil {
		t.Fatalf("Register v2 failed: %v", err)
	}
	if reg.Active() != v1 {
		t.Errorf("Expected v1 to stay active while it controls a client")
	}
	if reg.Waiting() != v2 || v2.State() != StateInstalled {
		t.Errorf("Expected v2 waiting, got state %s", v2.State())
	}

	// Both stores exist while v2 waits.
	names, _ := env.storage.Names(ctx)
	if len(names) != 2 {
		t.Errorf("Expected 2 stores while v2 waits, got %v", names)
	}

	if err := reg.ClientClosed(ctx, "tab-1"); err != nil {
		t.Fatalf("ClientClosed failed: %v", err)
	}
	if reg.Active() != v2 {
		t.Errorf("Expected v2 active after the last v1 client closed")
	}
	if v1.State() != StateRedundant {
		t.Errorf("Expected v1 redundant, got %s", v1.State())
	}
	names, _ = env.storage.Names(ctx)
	if !reflect.DeepEqual(names, []string{"stavanger-twin-v2"}) {
		t.Errorf("Expected v1 store deleted, got %v", names)
	}
}

func TestSkipWaitingActivatesWaitingWorker(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	serveManifest(env.net)
	reg := NewRegistration(env.clients)

	v1 := env.worker(t, "stavanger-twin-v1")
	if err := reg.Register(ctx, v1); err != nil {
		t.Fatal(err)
	}
	env.clients.Attach("tab-1", testOrigin+"/", v1.Version())

	v2 := env.worker(t, "stavanger-twin-v2")
	if err := reg.Register(ctx, v2); err != nil {
		t.Fatal(err)
	}
	if reg.Active() != v1 {
		t.Fatalf("Expected v2 to wait")
	}

	if err := v2.HandleMessage(ctx, Message{Type: MessageSkipWaiting}, nil); err != nil {
		t.Fatalf("SKIP_WAITING failed: %v", err)
	}
	if reg.Active() != v2 {
		t.Errorf("Expected v2 active after SKIP_WAITING")
	}
	if n := env.clients.Controlled("stavanger-twin-v2"); n != 1 {
		t.Errorf("Expected v2 to claim the open client, controls %d", n)
	}
}

func TestSkipWaitingBeforeRegister(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	serveManifest(env.net)
	reg := NewRegistration(env.clients)

	v1 := env.worker(t, "stavanger-twin-v1")
	if err := reg.Register(ctx, v1); err != nil {
		t.Fatal(err)
	}
	env.clients.Attach("tab-1", testOrigin+"/", v1.Version())

	v2 := env.worker(t, "stavanger-twin-v2")
	if err := v2.SkipWaiting(ctx); err != nil {
		t.Fatalf("SkipWaiting failed: %v", err)
	}
	if err := reg.Register(ctx, v2); err != nil {
		t.Fatal(err)
	}
	if reg.Active() != v2 {
		t.Errorf("Expected v2 to activate immediately after install")
	}
}

func TestSkipWaitingOnActiveWorkerIsNoop(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	serveManifest(env.net)
	reg := NewRegistration(env.clients)
	w := env.worker(t, DefaultVersion)
	if err := reg.Register(ctx, w); err != nil {
		t.Fatal(err)
	}
	if err := w.SkipWaiting(ctx); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if err := reg.SkipWaiting(ctx); !errors.Is(err, ErrNoWaitingWorker) {
		t.Errorf("Expected ErrNoWaitingWorker, got %v", err)
	}
}

func TestBackgroundWriteAfterActivationIsDropped(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	old := env.worker(t, "stavanger-twin-v1")
	if _, err := old.cache(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := env.worker(t, "stavanger-twin-v2").Activate(ctx); err != nil {
		t.Fatal(err)
	}

	env.net.set("/api/politicians", jsonResp(`[]`))
	if _, err := old.HandleFetch(ctx, mustRequest(t, http.MethodGet, testOrigin+"/api/politicians")); err != nil {
		t.Fatal(err)
	}
	old.Wait()

	names, _ := env.storage.Names(ctx)
	if !reflect.DeepEqual(names, []string{"stavanger-twin-v2"}) {
		t.Errorf("Expected the deleted store to stay deleted, got %v", names)
	}
}

func TestNewRejectsUnsafeVersion(t *testing.T) {
	origin, _ := url.Parse(testOrigin)
	for _, version := range []string{".", "..", ".locks", "v1/../..", `v1\v2`} {
		_, err := New(Options{
			Version: version,
			Origin:  origin,
			Storage: backends.NewMemory(),
			Logger:  discard,
		})
		if !errors.Is(err, backends.ErrInvalidStoreName) {
			t.Errorf("New(%q): expected ErrInvalidStoreName, got %v", version, err)
		}
	}
}
