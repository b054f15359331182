package photostore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/passport-check/internal/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestStore(repo Repository) *Store {
	clock := &fakeClock{now: epoch}
	var ids atomic.Int64
	return NewStore(repo, zap.NewNop(),
		WithClock(clock.Now),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%d", ids.Add(1)) }),
	)
}

// conflictingRepository fails the first n saves with a version conflict.
type conflictingRepository struct {
	*MemoryRepository
	conflicts atomic.Int32
	saves     atomic.Int32
}

func (r *conflictingRepository) Save(ctx context.Context, doc *Document, expectedVersion int64) error {
	r.saves.Add(1)
	if r.conflicts.Add(-1) >= 0 {
		return ErrVersionConflict
	}
	return r.MemoryRepository.Save(ctx, doc, expectedVersion)
}

// lostAckRepository applies the first save and then reports it as failed.
type lostAckRepository struct {
	*MemoryRepository
	saves atomic.Int32
}

func (r *lostAckRepository) Save(ctx context.Context, doc *Document, expectedVersion int64) error {
	if r.saves.Add(1) == 1 {
		if err := r.MemoryRepository.Save(ctx, doc, expectedVersion); err != nil {
			return err
		}
		return context.DeadlineExceeded
	}
	return r.MemoryRepository.Save(ctx, doc, expectedVersion)
}

type failingRepository struct {
	err error
}

func (r failingRepository) Load(context.Context, string) (*Document, error) { return nil, r.err }
func (r failingRepository) Save(context.Context, *Document, int64) error    { return r.err }

func addN(t *testing.T, s *Store, owner string, n int) []PhotoRecord {
	t.Helper()
	out := make([]PhotoRecord, 0, n)
	for i := 0; i < n; i++ {
		res, err := s.AddPhoto(context.Background(), owner, fmt.Sprintf("key-%d", i))
		if err != nil {
			t.Fatalf("add %d failed: %v", i, err)
		}
		out = append(out, res.Photo)
	}
	return out
}

func TestAddPhotoRejectsInvalidInput(t *testing.T) {
	s := newTestStore(NewMemoryRepository())

	if _, err := s.AddPhoto(context.Background(), "owner", "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty key, got %v", err)
	}
	if _, err := s.AddPhoto(context.Background(), "", "key"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty owner, got %v", err)
	}
}

func TestAddPhotoEvictsOldestUnlockedAtCapacity(t *testing.T) {
	s := newTestStore(NewMemoryRepository())
	ctx := context.Background()
	photos := addN(t, s, "U", DefaultCapacity)

	res, err := s.AddPhoto(ctx, "U", "keyX")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.Evicted == nil || res.Evicted.PhotoID != photos[0].PhotoID {
		t.Fatalf("expected %s evicted, got %+v", photos[0].PhotoID, res.Evicted)
	}

	list, err := s.List(ctx, "U", FilterAll)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != DefaultCapacity {
		t.Fatalf("expected %d photos, got %d", DefaultCapacity, len(list))
	}
	if list[0].StorageKey != "keyX" {
		t.Fatalf("expected keyX newest, got %s", list[0].StorageKey)
	}
	for _, p := range list {
		if p.PhotoID == photos[0].PhotoID {
			t.Fatal("evicted photo still listed")
		}
	}

	summary, err := s.Summary(ctx, "U")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	want := Summary{Total: 10, Locked: 0, Unlocked: 10, MaxCount: DefaultCapacity}
	if summary != want {
		t.Fatalf("expected %+v, got %+v", want, summary)
	}
}

func TestAddPhotoAllLockedLeavesDocumentUnchanged(t *testing.T) {
	repo := NewMemoryRepository()
	s := newTestStore(repo)
	ctx := context.Background()
	for _, p := range addN(t, s, "U", DefaultCapacity) {
		if _, err := s.Lock(ctx, "U", p.PhotoID); err != nil {
			t.Fatalf("lock failed: %v", err)
		}
	}
	before, err := repo.Load(ctx, "U")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	_, err = s.AddPhoto(ctx, "U", "keyY")
	if !errors.Is(err, ErrCapacityExceededAllLocked) {
		t.Fatalf("expected ErrCapacityExceededAllLocked, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "photostore.add_photo" {
		t.Fatalf("expected operation error, got %#v", err)
	}

	after, err := repo.Load(ctx, "U")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatal("rejected add changed the persisted document")
	}
}

func TestLockTwiceFailsWithoutChange(t *testing.T) {
	repo := NewMemoryRepository()
	s := newTestStore(repo)
	ctx := context.Background()
	photo := addN(t, s, "U", 1)[0]

	locked, err := s.Lock(ctx, "U", photo.PhotoID)
	if err != nil || !locked.Locked {
		t.Fatalf("first lock failed: %+v %v", locked, err)
	}
	before, _ := repo.Load(ctx, "U")

	if _, err := s.Lock(ctx, "U", photo.PhotoID); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked, got %v", err)
	}
	after, _ := repo.Load(ctx, "U")
	if !reflect.DeepEqual(before, after) {
		t.Fatal("second lock changed the persisted document")
	}

	unlocked, err := s.Unlock(ctx, "U", photo.PhotoID)
	if err != nil || unlocked.Locked {
		t.Fatalf("unlock failed: %+v %v", unlocked, err)
	}
	if _, err := s.Unlock(ctx, "U", photo.PhotoID); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked, got %v", err)
	}
}

func TestLockUnknownPhoto(t *testing.T) {
	s := newTestStore(NewMemoryRepository())
	if _, err := s.Lock(context.Background(), "U", "nope"); !errors.Is(err, ErrPhotoNotFound) {
		t.Fatalf("expected ErrPhotoNotFound, got %v", err)
	}
	if _, err := s.Get(context.Background(), "U", "nope"); !errors.Is(err, ErrPhotoNotFound) {
		t.Fatalf("expected ErrPhotoNotFound, got %v", err)
	}
}

func TestSelectiveEvictionKeepsLockedPhotos(t *testing.T) {
	s := newTestStore(NewMemoryRepository())
	ctx := context.Background()
	photos := addN(t, s, "U", DefaultCapacity)
	for _, p := range photos[:3] {
		if _, err := s.Lock(ctx, "U", p.PhotoID); err != nil {
			t.Fatalf("lock failed: %v", err)
		}
	}

	res, err := s.AddPhoto(ctx, "U", "fresh")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if res.Evicted == nil || res.Evicted.PhotoID != photos[3].PhotoID {
		t.Fatalf("expected %s evicted, got %+v", photos[3].PhotoID, res.Evicted)
	}
	locked, err := s.List(ctx, "U", FilterLocked)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(locked) != 3 {
		t.Fatalf("expected 3 locked photos, got %d", len(locked))
	}
}

func TestDeleteRespectsLocks(t *testing.T) {
	s := newTestStore(NewMemoryRepository())
	ctx := context.Background()
	photos := addN(t, s, "U", 2)
	if _, err := s.Lock(ctx, "U", photos[0].PhotoID); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	if _, err := s.Delete(ctx, "U", photos[0].PhotoID); !errors.Is(err, ErrDeleteLocked) {
		t.Fatalf("expected ErrDeleteLocked, got %v", err)
	}
	removed, err := s.Delete(ctx, "U", photos[1].PhotoID)
	if err != nil || removed.StorageKey != "key-1" {
		t.Fatalf("delete failed: %+v %v", removed, err)
	}
	summary, _ := s.Summary(ctx, "U")
	if summary.Total != 1 || summary.Locked != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestDeleteAllReportsSkipped(t *testing.T) {
	s := newTestStore(NewMemoryRepository())
	ctx := context.Background()
	photos := addN(t, s, "U", 4)
	if _, err := s.Lock(ctx, "U", photos[2].PhotoID); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	res, err := s.DeleteAll(ctx, "U", false)
	if err != nil {
		t.Fatalf("delete all failed: %v", err)
	}
	if res.Deleted != 3 || res.Skipped != 1 || len(res.Removed) != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = s.DeleteAll(ctx, "U", true)
	if err != nil {
		t.Fatalf("forced delete all failed: %v", err)
	}
	if res.Deleted != 1 || res.Skipped != 0 {
		t.Fatalf("unexpected forced result: %+v", res)
	}
	summary, _ := s.Summary(ctx, "U")
	if summary.Total != 0 {
		t.Fatalf("expected empty collection, got %+v", summary)
	}
}

func TestSummaryForUnknownOwnerIsEmpty(t *testing.T) {
	s := newTestStore(NewMemoryRepository())
	summary, err := s.Summary(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary != (Summary{MaxCount: DefaultCapacity}) {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestOwnersAreIndependent(t *testing.T) {
	s := newTestStore(NewMemoryRepository())
	ctx := context.Background()
	addN(t, s, "A", DefaultCapacity)
	addN(t, s, "B", 2)

	a, _ := s.Summary(ctx, "A")
	b, _ := s.Summary(ctx, "B")
	if a.Total != DefaultCapacity || b.Total != 2 {
		t.Fatalf("unexpected summaries: %+v %+v", a, b)
	}
}

func TestConcurrentAddsForOneOwnerSerialise(t *testing.T) {
	repo := NewMemoryRepository()
	s := newTestStore(repo)
	ctx := context.Background()

	const writers = 50
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.AddPhoto(ctx, "U", fmt.Sprintf("key-%d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent add failed: %v", err)
	}

	doc, err := repo.Load(ctx, "U")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(doc.Records) != DefaultCapacity {
		t.Fatalf("expected %d records, got %d", DefaultCapacity, len(doc.Records))
	}
	if doc.Version != writers {
		t.Fatalf("expected version %d, got %d", writers, doc.Version)
	}
	if doc.Stats != ComputeStats(doc.Records) {
		t.Fatalf("persisted stats %+v differ from recomputation", doc.Stats)
	}
	if s.locks.size() != 0 {
		t.Fatalf("expected owner locks to be released, %d remain", s.locks.size())
	}
}

func TestMutateRetriesOnVersionConflict(t *testing.T) {
	repo := &conflictingRepository{MemoryRepository: NewMemoryRepository()}
	repo.conflicts.Store(2)
	s := newTestStore(repo)

	if _, err := s.AddPhoto(context.Background(), "U", "key"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got := repo.saves.Load(); got != 3 {
		t.Fatalf("expected 3 save attempts, got %d", got)
	}
}

func TestMutateGivesUpAfterMaxAttempts(t *testing.T) {
	repo := &conflictingRepository{MemoryRepository: NewMemoryRepository()}
	repo.conflicts.Store(100)
	s := newTestStore(repo)

	_, err := s.AddPhoto(context.Background(), "U", "key")
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if got := repo.saves.Load(); got != defaultMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", defaultMaxAttempts, got)
	}
}

func TestRepositoryErrorsAreWrapped(t *testing.T) {
	boom := errors.New("boom")
	s := newTestStore(failingRepository{err: boom})

	_, err := s.Summary(context.Background(), "U")
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if op := logging.OperationOf(err); op != "photostore.summary" {
		t.Fatalf("expected photostore.summary, got %q", op)
	}
}

func TestLoadRepairsStaleStats(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	doc := &Document{
		OwnerID: "U",
		Records: []PhotoRecord{
			{PhotoID: "a", OwnerID: "U", StorageKey: "a", CreatedAt: epoch, Seq: 0},
			{PhotoID: "b", OwnerID: "U", StorageKey: "b", CreatedAt: epoch.Add(time.Second), Seq: 1, Locked: true},
		},
		Stats:   Stats{Total: 7, Locked: 7, OldestUnlockedIndex: 1},
		Version: 1,
	}
	if err := repo.Save(ctx, doc, 0); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	s := newTestStore(repo)

	summary, err := s.Summary(ctx, "U")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.Total != 2 || summary.Locked != 1 || summary.Unlocked != 1 {
		t.Fatalf("expected repaired counts, got %+v", summary)
	}

	res, err := s.AddPhoto(ctx, "U", "c")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if res.Photo.Seq != 2 {
		t.Fatalf("expected seq to continue at 2, got %d", res.Photo.Seq)
	}
}

func TestMutateHonoursCancelledContext(t *testing.T) {
	s := newTestStore(NewMemoryRepository())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.AddPhoto(ctx, "U", "key"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAddPhotoDoesNotReapplyAfterAmbiguousSave(t *testing.T) {
	repo := &lostAckRepository{MemoryRepository: NewMemoryRepository()}
	s := newTestStore(repo)

	if _, err := s.AddPhoto(context.Background(), "owner", "key-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the save error to surface, got %v", err)
	}
	if got := repo.saves.Load(); got != 1 {
		t.Fatalf("expected a single save attempt, got %d", got)
	}
	records, err := s.List(context.Background(), "owner", FilterAll)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly one committed record, got %d", len(records))
	}
}

func seedOversized(t *testing.T, repo *MemoryRepository, owner string, n int, locked func(i int) bool) {
	t.Helper()
	records := make([]PhotoRecord, n)
	for i := range records {
		records[i] = PhotoRecord{
			PhotoID:    fmt.Sprintf("p%d", i),
			OwnerID:    owner,
			StorageKey: fmt.Sprintf("k%d", i),
			CreatedAt:  epoch.Add(time.Duration(i) * time.Second),
			Seq:        int64(i),
			Locked:     locked(i),
		}
	}
	doc := &Document{OwnerID: owner, Records: records, Stats: ComputeStats(records), NextSeq: int64(n), Version: 1}
	if err := repo.Save(context.Background(), doc, 0); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func TestLoadTrimsOverCapacityDocument(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	seedOversized(t, repo, "U", DefaultCapacity+2, func(i int) bool { return i == 3 })
	s := newTestStore(repo)

	summary, err := s.Summary(ctx, "U")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.Total != DefaultCapacity {
		t.Fatalf("expected %d records after trim, got %+v", DefaultCapacity, summary)
	}

	res, err := s.AddPhoto(ctx, "U", "new")
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if res.Evicted == nil || res.Evicted.PhotoID != "p2" {
		t.Fatalf("expected p2 evicted, got %+v", res.Evicted)
	}
	records, err := s.List(ctx, "U", FilterAll)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != DefaultCapacity {
		t.Fatalf("expected %d records, got %d", DefaultCapacity, len(records))
	}
	seen := map[string]bool{}
	for _, r := range records {
		seen[r.PhotoID] = true
	}
	if seen["p0"] || seen["p1"] || seen["p2"] || !seen["p3"] {
		t.Fatalf("unexpected survivors %v", seen)
	}
}

func TestLoadKeepsLockedRecordsAboveCapacity(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	seedOversized(t, repo, "U", DefaultCapacity+1, func(int) bool { return true })
	s := newTestStore(repo)

	if _, err := s.AddPhoto(ctx, "U", "new"); !errors.Is(err, ErrCapacityExceededAllLocked) {
		t.Fatalf("expected ErrCapacityExceededAllLocked, got %v", err)
	}
	summary, err := s.Summary(ctx, "U")
	if err != nil || summary.Total != DefaultCapacity+1 || summary.Locked != DefaultCapacity+1 {
		t.Fatalf("locked records changed: %+v (%v)", summary, err)
	}
}
