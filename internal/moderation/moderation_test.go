package moderation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/testutil"
)

// substringGuard relates texts sharing a marker word.
type substringGuard struct {
	mu     sync.Mutex
	marker string
	err    error
	calls  int
}

func (g *substringGuard) IsRelated(_ context.Context, a, b string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return false, g.err
	}
	return g.marker != "" && strings.Contains(a, g.marker) && strings.Contains(b, g.marker), nil
}

type fixture struct {
	store *datastore.Store
	guard *substringGuard
	svc   *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := testutil.NewStore(t)

	guard := &substringGuard{}
	return &fixture{store: store, guard: guard, svc: New(store, guard, cfg, nil)}
}

func (f *fixture) finding(t *testing.T, content string, warningID *uint) Target {
	t.Helper()
	var n int64
	require.NoError(t, f.store.DB.Model(&datastore.Finding{}).Count(&n).Error)
	fd := datastore.Finding{
		SourceKind: datastore.KindTopic, SourceID: uint(n) + 1, Content: content,
		IsDisaster: true, DisasterType: "flood", Probability: 1, WarningID: warningID,
	}
	require.NoError(t, f.store.DB.Create(&fd).Error)
	return Target{Kind: datastore.TargetFinding, ID: fd.ID}
}

func (f *fixture) warning(t *testing.T) Target {
	t.Helper()
	w := datastore.Warning{DisasterType: "flood", Location: "Hanoi", Time: "2024-07-01"}
	require.NoError(t, f.store.DB.Create(&w).Error)
	return Target{Kind: datastore.TargetWarning, ID: w.ID}
}

func (f *fixture) feed(t *testing.T, content string) {
	t.Helper()
	_, err := f.store.SaveRawItems(context.Background(), []datastore.RawItem{{
		Kind: datastore.KindExternalFeed, ExternalID: fmt.Sprint(len(content)), Content: content,
	}})
	require.NoError(t, err)
}

func (f *fixture) count(t *testing.T, model any, where string, args ...any) int64 {
	t.Helper()
	var n int64
	q := f.store.DB.Model(model)
	if where != "" {
		q = q.Where(where, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func TestRateOncePerDimension(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	target := f.finding(t, "flood downtown", nil)

	res, err := f.svc.Rate(ctx, "u1", target, datastore.DimensionAuthenticity, 4)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	require.NotNil(t, res.Average)
	assert.InDelta(t, 4.0, *res.Average, 1e-9)

	_, err = f.svc.Rate(ctx, "u1", target, datastore.DimensionAuthenticity, 1)
	require.ErrorIs(t, err, ErrAlreadyRated)

	res, err = f.svc.Rate(ctx, "u1", target, datastore.DimensionAccuracy, 2)
	require.NoError(t, err, "another dimension is a separate rating")
	assert.Equal(t, 1, res.Count)

	res, err = f.svc.Rate(ctx, "u2", target, datastore.DimensionAuthenticity, 5)
	require.NoError(t, err)
	assert.InDelta(t, 4.5, *res.Average, 1e-9, "average is the mean of accepted ratings")
	assert.Equal(t, 2, res.Count)

	stored, err := f.store.GetFinding(ctx, target.ID)
	require.NoError(t, err)
	assert.InDelta(t, 9.0, stored.AuthenticitySum, 1e-9, "rejected rating leaves sums unchanged")
	assert.Equal(t, 2, stored.AuthenticityCount)
	assert.Equal(t, int64(1), f.count(t, &datastore.Rating{}, "user_id = ? AND dimension = ?", "u1", datastore.DimensionAuthenticity))
}

func TestRateValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	target := f.finding(t, "x", nil)

	_, err := f.svc.Rate(ctx, "u1", target, "beauty", 3)
	assert.Equal(t, CodeInvalid, ResultFromError(err).Code)

	_, err = f.svc.Rate(ctx, "u1", target, datastore.DimensionAccuracy, 6)
	assert.Equal(t, CodeInvalid, ResultFromError(err).Code)

	_, err = f.svc.Rate(ctx, "", target, datastore.DimensionAccuracy, 3)
	assert.Equal(t, CodeInvalid, ResultFromError(err).Code)

	_, err = f.svc.Rate(ctx, "u1", Target{Kind: datastore.TargetWarning, ID: 999}, datastore.DimensionAccuracy, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVoteDeletePendingUntilThreshold(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.DeleteThreshold = 3
	f := newFixture(t, cfg)
	ctx := context.Background()
	f.feed(t, "Earthquake in Chile")
	target := f.finding(t, "flood downtown", nil)

	res, err := f.svc.VoteDelete(ctx, "u1", target)
	require.NoError(t, err)
	assert.Equal(t, Result{Status: StatusPending, DeleteVotes: 1}, res)

	_, err = f.svc.VoteDelete(ctx, "u1", target)
	require.ErrorIs(t, err, ErrAlreadyVoted)

	res, err = f.svc.VoteDelete(ctx, "u2", target)
	require.NoError(t, err)
	assert.Equal(t, 2, res.DeleteVotes, "one increment per distinct user")

	res, err = f.svc.VoteDelete(ctx, "u3", target)
	require.NoError(t, err)
	assert.True(t, res.Deleted)
	assert.Equal(t, 1, f.guard.calls, "guard runs only at the threshold")
}

func TestVoteDeleteVetoed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.guard.marker = "Vietnam"
	f.feed(t, "Flood in Vietnam")
	target := f.finding(t, "Big flood in Vietnam today", nil)

	res, err := f.svc.VoteDelete(ctx, "u1", target)
	require.NoError(t, err)
	assert.Equal(t, StatusVetoed, res.Status)

	_, err = f.store.GetFinding(ctx, target.ID)
	require.NoError(t, err, "vetoed target still exists")

	_, err = f.svc.VoteDelete(ctx, "u1", target)
	require.ErrorIs(t, err, ErrAlreadyVoted, "the vetoed vote stays recorded")
}

func TestVoteDeleteCascadesFinding(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.feed(t, "Earthquake in Chile")
	target := f.finding(t, "fake news about a flood", nil)
	other := f.finding(t, "real flood", nil)

	_, err := f.svc.Rate(ctx, "u2", target, datastore.DimensionAccuracy, 1)
	require.NoError(t, err)
	_, err = f.svc.Rate(ctx, "u2", other, datastore.DimensionAccuracy, 5)
	require.NoError(t, err)

	res, err := f.svc.VoteDelete(ctx, "u1", target)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.True(t, res.Deleted)

	assert.Zero(t, f.count(t, &datastore.Rating{}, "target_kind = ? AND target_id = ?", target.Kind, target.ID))
	assert.Zero(t, f.count(t, &datastore.Vote{}, "target_kind = ? AND target_id = ?", target.Kind, target.ID))
	assert.Equal(t, int64(1), f.count(t, &datastore.Rating{}, ""), "other targets keep their ratings")

	_, err = f.svc.Rate(ctx, "u3", target, datastore.DimensionAccuracy, 3)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.VoteDelete(ctx, "u3", target)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, CodeNotFound, ResultFromError(err).Code)
}

func TestVoteDeleteCascadesWarning(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	w := f.warning(t)
	linked1 := f.finding(t, "water rising", &w.ID)
	linked2 := f.finding(t, "streets flooded", &w.ID)
	loose := f.finding(t, "unrelated flood", nil)

	_, err := f.svc.Rate(ctx, "u2", linked1, datastore.DimensionAuthenticity, 2)
	require.NoError(t, err)
	_, err = f.svc.Rate(ctx, "u2", w, datastore.DimensionAuthenticity, 2)
	require.NoError(t, err)

	res, err := f.svc.VoteDelete(ctx, "u1", w)
	require.NoError(t, err)
	require.True(t, res.Deleted)

	assert.Zero(t, f.count(t, &datastore.Warning{}, ""))
	assert.Zero(t, f.count(t, &datastore.Finding{}, "id IN ?", []uint{linked1.ID, linked2.ID}))
	assert.Equal(t, int64(1), f.count(t, &datastore.Finding{}, "id = ?", loose.ID))
	assert.Zero(t, f.count(t, &datastore.Rating{}, ""))
	assert.Zero(t, f.count(t, &datastore.Vote{}, ""))
}

func TestDeletingFindingKeepsWarning(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	w := f.warning(t)
	target := f.finding(t, "water rising", &w.ID)

	res, err := f.svc.VoteDelete(context.Background(), "u1", target)
	require.NoError(t, err)
	require.True(t, res.Deleted)
	assert.Equal(t, int64(1), f.count(t, &datastore.Warning{}, ""))
}

func TestVoteDeleteGuardFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.guard.err = errors.NewStd("classifier unreachable")
	f.feed(t, "Flood in Vietnam")
	target := f.finding(t, "flood", nil)

	_, err := f.svc.VoteDelete(ctx, "u1", target)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryExternal))
	assert.Equal(t, CodeUnavailable, ResultFromError(err).Code)

	stored, err := f.store.GetFinding(ctx, target.ID)
	require.NoError(t, err, "nothing is deleted when the guard fails")
	assert.Zero(t, stored.DeleteVotes, "the vote is withdrawn")
	assert.Zero(t, f.count(t, &datastore.Vote{}, ""))

	f.guard.err = nil
	res, err := f.svc.VoteDelete(ctx, "u1", target)
	require.NoError(t, err, "the same user can vote again once the guard recovers")
	assert.True(t, res.Deleted)
	assert.Equal(t, 1, res.DeleteVotes)
}

func TestGuardFailureKeepsOtherVotes(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.DeleteThreshold = 2
	f := newFixture(t, cfg)
	ctx := context.Background()
	f.feed(t, "Flood in Vietnam")
	target := f.finding(t, "flood", nil)

	_, err := f.svc.VoteDelete(ctx, "u1", target)
	require.NoError(t, err)

	f.guard.err = errors.NewStd("classifier unreachable")
	_, err = f.svc.VoteDelete(ctx, "u2", target)
	require.Error(t, err)

	stored, err := f.store.GetFinding(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.DeleteVotes)
	assert.Equal(t, int64(1), f.count(t, &datastore.Vote{}, "user_id = ?", "u1"))
	assert.Zero(t, f.count(t, &datastore.Vote{}, "user_id = ?", "u2"))
}

func TestWarningGuardContent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	w := f.warning(t)
	f.finding(t, "water rising near the lake", &w.ID)

	content, err := f.svc.guardContent(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, "flood Hanoi 2024-07-01\nwater rising near the lake", content)
}

func TestConcurrentVotesCountEachUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{DeleteThreshold: 100})
	target := f.finding(t, "flood", nil)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.VoteDelete(context.Background(), fmt.Sprintf("user-%d", i%5), target)
			if err != nil {
				assert.ErrorIs(t, err, ErrAlreadyVoted)
			}
		}(i)
	}
	wg.Wait()

	stored, err := f.store.GetFinding(context.Background(), target.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.DeleteVotes)
}

func TestResultFromError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, CodeAlreadyRated, ResultFromError(ErrAlreadyRated).Code)
	assert.Equal(t, CodeAlreadyVoted, ResultFromError(fmt.Errorf("wrapped: %w", ErrAlreadyVoted)).Code)
	assert.Equal(t, CodeNotFound, ResultFromError(ErrNotFound).Code)

	internal := ResultFromError(errors.NewStd("disk on fire"))
	assert.Equal(t, StatusError, internal.Status)
	assert.Equal(t, CodeInternal, internal.Code)
	assert.Equal(t, "internal error", internal.Message, "internal causes are not echoed")
}
