package templates

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"inspection-sync/internal/connectivity"
	"inspection-sync/internal/shared/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type fakeFetcher struct {
	tpl   Template
	err   error
	calls int
}

func (f *fakeFetcher) FetchTemplate(ctx context.Context, templateID string) (Template, error) {
	f.calls++
	if f.err != nil {
		return Template{}, f.err
	}
	return f.tpl, nil
}

func newService(fetcher *fakeFetcher, online bool, now time.Time) (*Service, *MemoryRepo) {
	cache := NewMemoryRepo()
	return &Service{
		Remote: fetcher,
		Cache:  cache,
		Online: connectivity.NewManual(online),
		TTL:    10 * time.Minute,
		Now:    func() time.Time { return now },
	}, cache
}

func TestFetchNetworkPopulatesCache(t *testing.T) {
	now := t2.Add(time.Hour)
	fetcher := &fakeFetcher{tpl: vehicleInspection(t2, 2)}
	svc, cache := newService(fetcher, true, now)

	res, err := svc.Fetch(context.Background(), "vehicle-inspection", FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Source != SourceNetwork || res.Err != nil || !res.CachedAt.Equal(now) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := cache.Version(context.Background(), "vehicle-inspection", t2); err != nil {
		t.Fatalf("expected version cached: %v", err)
	}
}

func TestFetchServesFreshCacheWithoutNetwork(t *testing.T) {
	now := t2.Add(time.Hour)
	fetcher := &fakeFetcher{tpl: vehicleInspection(t2, 2)}
	svc, cache := newService(fetcher, true, now)
	_ = cache.Put(context.Background(), vehicleInspection(t1, 1), now.Add(-time.Minute))

	res, err := svc.Fetch(context.Background(), "vehicle-inspection", FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Source != SourceCache || fetcher.calls != 0 {
		t.Fatalf("expected cache hit without network, got %+v calls=%d", res, fetcher.calls)
	}

	res, err = svc.Fetch(context.Background(), "vehicle-inspection", FetchOptions{ForceRefresh: true})
	if err != nil {
		t.Fatalf("Fetch forced: %v", err)
	}
	if res.Source != SourceNetwork || !res.Template.UpdatedAt.Equal(t2) || fetcher.calls != 1 {
		t.Fatalf("expected forced network fetch, got %+v calls=%d", res, fetcher.calls)
	}
}

func TestFetchDegradesToCacheWhenOffline(t *testing.T) {
	now := t2.Add(time.Hour)
	fetcher := &fakeFetcher{tpl: vehicleInspection(t2, 2)}
	svc, cache := newService(fetcher, false, now)
	_ = cache.Put(context.Background(), vehicleInspection(t1, 1), now.Add(-24*time.Hour))

	res, err := svc.Fetch(context.Background(), "vehicle-inspection", FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Source != SourceCache || !errors.Is(res.Err, connectivity.ErrOffline) {
		t.Fatalf("expected offline cache fallback, got %+v", res)
	}
	if fetcher.calls != 0 {
		t.Fatalf("must not hit network while offline")
	}
}

func TestFetchDegradesToCacheOnNetworkError(t *testing.T) {
	now := t2.Add(time.Hour)
	boom := errors.New("http status 503")
	fetcher := &fakeFetcher{err: boom}
	svc, cache := newService(fetcher, true, now)
	_ = cache.Put(context.Background(), vehicleInspection(t1, 1), now.Add(-24*time.Hour))

	res, err := svc.Fetch(context.Background(), "vehicle-inspection", FetchOptions{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Source != SourceCache || !errors.Is(res.Err, boom) {
		t.Fatalf("expected cache fallback with error, got %+v", res)
	}
}

func TestFetchWithoutCacheFails(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("dial tcp: i/o timeout")}
	svc, _ := newService(fetcher, true, t2)

	if _, err := svc.Fetch(context.Background(), "vehicle-inspection", FetchOptions{}); err == nil {
		t.Fatalf("expected error without cache")
	}
}

func TestFetchRejectsInvalidRemoteTemplate(t *testing.T) {
	bad := vehicleInspection(t2, 2)
	bad.Sections[1].Questions[0].ID = "q1"
	svc, _ := newService(&fakeFetcher{tpl: bad}, true, t2)

	if _, err := svc.Fetch(context.Background(), "vehicle-inspection", FetchOptions{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestVersionLoadsOldSchema(t *testing.T) {
	svc, cache := newService(&fakeFetcher{}, true, t2)
	_ = cache.Put(context.Background(), vehicleInspection(t1, 1), t1)
	_ = cache.Put(context.Background(), vehicleInspection(t2, 2), t2)

	old, err := svc.Version(context.Background(), "vehicle-inspection", t1)
	if err != nil || old.Version != 1 {
		t.Fatalf("Version = %+v, %v", old, err)
	}
	latest, err := cache.Latest(context.Background(), "vehicle-inspection")
	if err != nil || latest.Template.Version != 2 {
		t.Fatalf("Latest = %+v, %v", latest, err)
	}
	if _, err := svc.Version(context.Background(), "vehicle-inspection", t2.Add(time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
