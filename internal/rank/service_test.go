package rank_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/bimillog/internal/domain"
	"github.com/victornm/bimillog/internal/event"
	"github.com/victornm/bimillog/internal/rank"
	"github.com/victornm/bimillog/internal/score"
)

type interaction struct {
	subject int64
	at      time.Time
}

// fakeStorage keeps raw interaction rows and aggregates like the SQL does.
type fakeStorage struct {
	mu           sync.Mutex
	interactions []interaction
	notices      []int64
	owners       map[int64]int64
	err          error
}

func (f *fakeStorage) InteractionCounts(_ context.Context, from, to time.Time) ([]domain.SubjectCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	byID := make(map[int64]*domain.SubjectCount)
	for _, i := range f.interactions {
		if i.at.Before(from) || !i.at.Before(to) {
			continue
		}
		c, ok := byID[i.subject]
		if !ok {
			c = &domain.SubjectCount{SubjectID: i.subject, CreateTime: i.at}
			byID[i.subject] = c
		}
		c.Count++
	}

	out := make([]domain.SubjectCount, 0, len(byID))
	for _, c := range byID {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeStorage) AllTimeCounts(ctx context.Context) ([]domain.SubjectCount, error) {
	return f.InteractionCounts(ctx, time.Time{}, time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC))
}

func (f *fakeStorage) FlaggedNotices(context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	return f.notices, nil
}

func (f *fakeStorage) SubjectOwners(_ context.Context, ids []int64) (map[int64]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	owners := make(map[int64]int64)
	for _, id := range ids {
		if o, ok := f.owners[id]; ok {
			owners[id] = o
		}
	}
	return owners, nil
}

func (f *fakeStorage) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeStorage) addN(subject int64, n int, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.interactions = append(f.interactions, interaction{subject: subject, at: at})
	}
}

func makeService(t *testing.T, st *fakeStorage, opts ...func(*rank.Config)) (*rank.Service, *event.Bus) {
	t.Helper()

	eb := event.NewBus()
	c := rank.Config{
		EventBus: eb,
		Store: score.NewStore(score.Config{
			Categories: []domain.Category{domain.CategoryRealtime},
		}),
		Storage:         st,
		DecayFactor:     0.95,
		Floor:           1.0,
		WeeklySize:      10,
		LegendThreshold: 20,
		Weights:         rank.DefaultWeights(),
	}

	for _, opt := range opts {
		opt(&c)
	}

	return rank.NewService(c), eb
}

func TestService_Refresh_Weekly(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	st := &fakeStorage{owners: map[int64]int64{}}
	st.addN(1, 10, now.Add(-3*24*time.Hour))  // subject A, inside the window
	st.addN(2, 10, now.Add(-10*24*time.Hour)) // subject B, 10 days old

	s, _ := makeService(t, st, func(c *rank.Config) {
		c.NowFunc = func() time.Time { return now }
	})

	require.NoError(t, s.Refresh(context.Background()))

	got, err := s.GetLeaderboard(context.Background(), rank.GetLeaderboardRequest{
		Category: domain.CategoryWeekly,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, got, "stale subjects must not chart weekly")
}

func TestService_Refresh_LegendThreshold(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	st := &fakeStorage{owners: map[int64]int64{}}
	st.addN(1, 20, now.Add(-time.Hour))
	st.addN(2, 19, now.Add(-time.Hour))

	s, _ := makeService(t, st, func(c *rank.Config) {
		c.NowFunc = func() time.Time { return now }
	})

	require.NoError(t, s.Refresh(context.Background()))

	got, err := s.GetLeaderboard(context.Background(), rank.GetLeaderboardRequest{
		Category: domain.CategoryLegend,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, got, "exactly the threshold is in, one below is out")
}

func TestService_Refresh_KeepsSnapshotOnStorageError(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	st := &fakeStorage{owners: map[int64]int64{}, notices: []int64{7}}
	st.addN(1, 5, now.Add(-time.Hour))

	s, _ := makeService(t, st, func(c *rank.Config) {
		c.NowFunc = func() time.Time { return now }
	})

	require.NoError(t, s.Refresh(context.Background()))
	good := s.Snapshot()
	require.NotNil(t, good)

	st.setErr(errors.New("storage down"))
	require.Error(t, s.Refresh(context.Background()))

	assert.Same(t, good, s.Snapshot(), "a failed refresh must keep the last good snapshot")

	notice, err := s.GetLeaderboard(context.Background(), rank.GetLeaderboardRequest{
		Category: domain.CategoryNotice,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, notice)
}

func TestService_Refresh_SnapshotIsUniform(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	st := &fakeStorage{owners: map[int64]int64{}}
	st.addN(1, 3, now.Add(-time.Hour))

	tick := 0
	var mu sync.Mutex
	s, _ := makeService(t, st, func(c *rank.Config) {
		c.NowFunc = func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			tick++
			return now.Add(time.Duration(tick) * time.Minute)
		}
	})

	require.NoError(t, s.Refresh(context.Background()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			assert.NoError(t, s.Refresh(context.Background()))
		}
	}()

	var last time.Time
	for {
		select {
		case <-done:
			return
		default:
		}

		snap := s.Snapshot()
		require.NotNil(t, snap)
		require.Len(t, snap.Boards, 4, "a published snapshot always carries every category")
		require.False(t, snap.Generation.Before(last), "generations never move backwards")
		last = snap.Generation
	}
}

func TestService_Refresh_PublishesFeatured(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	st := &fakeStorage{owners: map[int64]int64{42: 7}}
	st.addN(42, 4, now.Add(-time.Hour))

	s, eb := makeService(t, st, func(c *rank.Config) {
		c.NowFunc = func() time.Time { return now }
	})

	var mu sync.Mutex
	var featured []domain.EventPostFeatured
	eb.Subscribe(domain.EventNamePostFeatured, func(ctx context.Context, e event.Event) error {
		mu.Lock()
		featured = append(featured, e.(domain.EventPostFeatured))
		mu.Unlock()
		return nil
	})

	require.NoError(t, s.Refresh(context.Background()))
	require.NoError(t, s.Refresh(context.Background()))
	eb.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, featured, 1, "only the first charting emits the event")
	assert.Equal(t, int64(42), featured[0].PostID)
	assert.Equal(t, int64(7), featured[0].OwnerID)
}

func TestService_InteractionEventsAdjustScores(t *testing.T) {
	st := &fakeStorage{owners: map[int64]int64{}}
	s, eb := makeService(t, st)

	ctx := context.Background()
	eb.Publish(ctx, domain.EventPostLiked{PostID: 1, PostOwnerID: 2, LikerID: 3})
	eb.Publish(ctx, domain.EventMessageWritten{PaperOwnerID: 1, WriterID: 3})
	eb.Publish(ctx, domain.EventMessageDeleted{PaperOwnerID: 4, MessageID: 9})
	eb.Stop()

	require.NoError(t, s.Refresh(ctx))

	got, err := s.GetLeaderboard(ctx, rank.GetLeaderboardRequest{
		Category: domain.CategoryRealtime,
	})
	require.NoError(t, err)
	// subject 1: (+1 like, +2 message) * 0.95 = 2.85; subject 4 never went positive.
	assert.Equal(t, []int64{1}, got)
}

func TestService_GetLeaderboard(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	st := &fakeStorage{owners: map[int64]int64{}}
	st.addN(1, 5, now.Add(-time.Hour))
	st.addN(2, 4, now.Add(-time.Hour))
	st.addN(3, 3, now.Add(-time.Hour))

	s, _ := makeService(t, st, func(c *rank.Config) {
		c.NowFunc = func() time.Time { return now }
	})
	require.NoError(t, s.Refresh(context.Background()))

	t.Run("pages through the board", func(t *testing.T) {
		got, err := s.GetLeaderboard(context.Background(), rank.GetLeaderboardRequest{
			Category: domain.CategoryWeekly,
			Page:     1,
			Size:     2,
		})
		require.NoError(t, err)
		assert.Equal(t, []int64{3}, got, "a short last page is returned as-is")
	})

	t.Run("rejects an unknown category", func(t *testing.T) {
		_, err := s.GetLeaderboard(context.Background(), rank.GetLeaderboardRequest{
			Category: "TRENDING",
		})
		require.Error(t, err)
	})

	t.Run("rejects negative paging", func(t *testing.T) {
		_, err := s.GetLeaderboard(context.Background(), rank.GetLeaderboardRequest{
			Category: domain.CategoryWeekly,
			Page:     -1,
			Size:     2,
		})
		require.Error(t, err)

		_, err = s.GetLeaderboard(context.Background(), rank.GetLeaderboardRequest{
			Category: domain.CategoryWeekly,
			Size:     -5,
		})
		require.Error(t, err)
	})
}

func TestService_WithdrawnClearsLiveScore(t *testing.T) {
	st := &fakeStorage{owners: map[int64]int64{}}

	var store *score.Store
	_, eb := makeService(t, st, func(c *rank.Config) { store = c.Store })

	ctx := context.Background()
	eb.Publish(ctx, domain.EventPaperVisited{PaperOwnerID: 1, VisitorID: 2})
	eb.Stop()

	_, ok := store.Score(domain.CategoryRealtime, 1)
	require.True(t, ok)

	eb.Publish(ctx, domain.EventUserWithdrawn{UserID: 1})
	eb.Stop()

	_, ok = store.Score(domain.CategoryRealtime, 1)
	assert.False(t, ok, "a withdrawn user's paper must leave the live scores")
}
