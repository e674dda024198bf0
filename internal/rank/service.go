package rank

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/victornm/bimillog/internal/domain"
	"github.com/victornm/bimillog/internal/errors"
	"github.com/victornm/bimillog/internal/event"
	"github.com/victornm/bimillog/internal/score"
)

// Storage is the durable side of the ranking pipeline. Implementations live
// outside this package; tests use in-memory fakes.
type Storage interface {
	// InteractionCounts aggregates interactions whose creation time falls
	// within [from, to), ordered by count descending.
	InteractionCounts(ctx context.Context, from, to time.Time) ([]domain.SubjectCount, error)

	// AllTimeCounts aggregates interactions over the whole history,
	// ordered by count descending.
	AllTimeCounts(ctx context.Context) ([]domain.SubjectCount, error)

	// FlaggedNotices returns the administrator-curated notice subjects.
	FlaggedNotices(ctx context.Context) ([]int64, error)

	// SubjectOwners resolves subject ids to their owning user ids.
	SubjectOwners(ctx context.Context, subjectIDs []int64) (map[int64]int64, error)
}

type Config struct {
	EventBus *event.Bus
	Store    *score.Store
	Storage  Storage

	// RefreshInterval drives the periodic decay/recompute tick.
	RefreshInterval time.Duration

	// DecayFactor multiplies every live score per tick; Floor prunes what
	// shrinks below it. The source generations disagree on the exact
	// numbers, so they are configuration, not invariants.
	DecayFactor float64
	Floor       float64

	// RealtimeSize and WeeklySize cap their boards. Legend is uncapped.
	RealtimeSize    int
	WeeklySize      int
	LegendThreshold int64
	WeeklyWindow    time.Duration

	// Weights maps interaction event names to score deltas.
	Weights map[string]float64

	// NowFunc defaults to time.Now; tests pin it.
	NowFunc func() time.Time
}

// DefaultWeights is the consolidated interaction policy: deleting a message
// costs more than writing one earns, so spam-then-delete nets negative.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		domain.EventNameMessageWritten: 2,
		domain.EventNameMessageDeleted: -5,
		domain.EventNamePostLiked:      1,
		domain.EventNamePaperVisited:   2,
	}
}

// Service owns the live score store, the periodic refresh job and the
// published leaderboard snapshot.
type Service struct {
	eb      *event.Bus
	store   *score.Store
	storage Storage

	interval  time.Duration
	factor    decimal.Decimal
	floor     decimal.Decimal
	rtSize    int
	weekSize  int
	legendMin int64
	window    time.Duration
	weights   map[string]decimal.Decimal
	now       func() time.Time

	snapshot atomic.Pointer[domain.Snapshot]
	cron     *cron.Cron
}

func NewService(c Config) *Service {
	s := &Service{
		eb:        c.EventBus,
		store:     c.Store,
		storage:   c.Storage,
		interval:  c.RefreshInterval,
		factor:    decimal.NewFromFloat(c.DecayFactor),
		floor:     decimal.NewFromFloat(c.Floor),
		rtSize:    c.RealtimeSize,
		weekSize:  c.WeeklySize,
		legendMin: c.LegendThreshold,
		window:    c.WeeklyWindow,
		weights:   make(map[string]decimal.Decimal, len(c.Weights)),
		now:       c.NowFunc,
	}

	for name, w := range c.Weights {
		s.weights[name] = decimal.NewFromFloat(w)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.interval <= 0 {
		s.interval = 5 * time.Minute
	}
	if s.rtSize <= 0 {
		s.rtSize = -1 // uncapped
	}
	if s.window <= 0 {
		s.window = 7 * 24 * time.Hour
	}

	s.eb.SubscribeAll([]string{
		domain.EventNamePostLiked,
		domain.EventNameMessageWritten,
		domain.EventNameMessageDeleted,
		domain.EventNamePaperVisited,
	}, func(ctx context.Context, e event.Event) error {
		return s.handleInteraction(ctx, e)
	})

	// A rolling paper is keyed by its owner, so withdrawal also removes its
	// live score entry.
	s.eb.Subscribe(domain.EventNameUserWithdrawn, func(_ context.Context, e event.Event) error {
		s.store.Remove(domain.CategoryRealtime, e.(domain.EventUserWithdrawn).UserID)
		return nil
	})

	return s
}

// handleInteraction adjusts the live realtime score for the event's subject.
func (s *Service) handleInteraction(_ context.Context, e event.Event) error {
	w, ok := s.weights[e.Name()]
	if !ok {
		return fmt.Errorf("rank: no weight for event %q", e.Name())
	}

	var subject int64
	switch ev := e.(type) {
	case domain.EventPostLiked:
		subject = ev.PostID
	case domain.EventMessageWritten:
		subject = ev.PaperOwnerID
	case domain.EventMessageDeleted:
		subject = ev.PaperOwnerID
	case domain.EventPaperVisited:
		subject = ev.PaperOwnerID
	default:
		return fmt.Errorf("rank: unexpected event %T", e)
	}

	s.store.Increment(domain.CategoryRealtime, subject, w)
	return nil
}

// RecordInteraction adds weight to a subject's live score directly.
func (s *Service) RecordInteraction(category domain.Category, subjectID int64, weight float64) {
	s.store.Increment(category, subjectID, decimal.NewFromFloat(weight))
}

// Start runs one refresh immediately, then refreshes on the configured
// interval until Stop. A failing tick keeps the last good snapshot; the job
// itself never brings the process down.
func (s *Service) Start() {
	if err := s.Refresh(context.Background()); err != nil {
		slog.Error("rank: initial refresh failed", "error", err)
	}

	logger := cronLogger{}
	s.cron = cron.New(cron.WithChain(cron.Recover(logger)))
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		if err := s.Refresh(context.Background()); err != nil {
			slog.Error("rank: refresh failed, keeping previous snapshot", "error", err)
		}
	})
	if err != nil {
		// Interval formatting is under our control; this cannot happen at runtime.
		panic(fmt.Sprintf("rank: schedule refresh: %v", err))
	}

	s.cron.Start()
}

func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Refresh decays the realtime scores, recomputes the windowed boards from
// durable storage and atomically publishes a new snapshot. On any storage
// error the previous snapshot stays published.
func (s *Service) Refresh(ctx context.Context) error {
	now := s.now()

	s.store.DecayAll(domain.CategoryRealtime, s.factor, s.floor)
	realtime := s.store.RangeByScoreDesc(domain.CategoryRealtime, 0, s.rtSize)

	weekly, err := s.recomputeWeekly(ctx, now)
	if err != nil {
		return fmt.Errorf("recompute weekly: %w", err)
	}

	legend, err := s.recomputeLegend(ctx)
	if err != nil {
		return fmt.Errorf("recompute legend: %w", err)
	}

	notice, err := s.storage.FlaggedNotices(ctx)
	if err != nil {
		return fmt.Errorf("load notices: %w", err)
	}

	next := &domain.Snapshot{
		Generation: now,
		Boards: map[domain.Category][]int64{
			domain.CategoryRealtime: realtime,
			domain.CategoryWeekly:   weekly,
			domain.CategoryLegend:   legend,
			domain.CategoryNotice:   notice,
		},
	}

	prev := s.snapshot.Swap(next)
	s.publishFeatured(ctx, prev, next)

	return nil
}

func (s *Service) recomputeWeekly(ctx context.Context, now time.Time) ([]int64, error) {
	counts, err := s.storage.InteractionCounts(ctx, now.Add(-s.window), now)
	if err != nil {
		return nil, err
	}

	sortCounts(counts)

	ids := make([]int64, 0, len(counts))
	for _, c := range counts {
		if s.weekSize > 0 && len(ids) >= s.weekSize {
			break
		}
		ids = append(ids, c.SubjectID)
	}

	return ids, nil
}

// recomputeLegend keeps every subject at or above the all-time threshold.
// It is a hall of fame, not a top-K.
func (s *Service) recomputeLegend(ctx context.Context) ([]int64, error) {
	counts, err := s.storage.AllTimeCounts(ctx)
	if err != nil {
		return nil, err
	}

	sortCounts(counts)

	var ids []int64
	for _, c := range counts {
		if c.Count >= s.legendMin {
			ids = append(ids, c.SubjectID)
		}
	}

	return ids, nil
}

// publishFeatured emits post.featured for subjects newly entering the weekly
// board. Owner resolution is best-effort; a lookup failure only skips the
// notification, never the snapshot.
func (s *Service) publishFeatured(ctx context.Context, prev, next *domain.Snapshot) {
	known := make(map[int64]bool)
	for _, id := range prev.Board(domain.CategoryWeekly) {
		known[id] = true
	}

	var entered []int64
	for _, id := range next.Board(domain.CategoryWeekly) {
		if !known[id] {
			entered = append(entered, id)
		}
	}

	if len(entered) == 0 {
		return
	}

	owners, err := s.storage.SubjectOwners(ctx, entered)
	if err != nil {
		slog.ErrorContext(ctx, "rank: resolve owners for featured subjects failed", "error", err)
		return
	}

	for _, id := range entered {
		owner, ok := owners[id]
		if !ok {
			continue
		}
		s.eb.Publish(ctx, domain.EventPostFeatured{
			PostID:   id,
			OwnerID:  owner,
			Category: domain.CategoryWeekly,
		})
	}
}

type GetLeaderboardRequest struct {
	Category domain.Category
	Page     int
	Size     int
}

// GetLeaderboard pages through the currently published snapshot. Readers see
// the previous or the next generation as a whole, never a mix.
func (s *Service) GetLeaderboard(_ context.Context, req GetLeaderboardRequest) ([]int64, error) {
	if _, err := domain.ParseCategory(string(req.Category)); err != nil {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithCause(err))
	}
	if req.Page < 0 || req.Size < 0 {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid paging: page=%d size=%d", req.Page, req.Size))
	}

	snap := s.snapshot.Load()
	board := snap.Board(req.Category)

	size := req.Size
	if size <= 0 {
		size = len(board)
	}
	from := req.Page * size
	if from >= len(board) {
		return []int64{}, nil
	}
	to := from + size
	if to > len(board) {
		to = len(board)
	}

	out := make([]int64, to-from)
	copy(out, board[from:to])
	return out, nil
}

// Snapshot returns the currently published snapshot, which may be nil before
// the first refresh.
func (s *Service) Snapshot() *domain.Snapshot {
	return s.snapshot.Load()
}

// sortCounts orders by count descending, ties by subject id ascending so
// recomputation is deterministic.
func sortCounts(counts []domain.SubjectCount) {
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].SubjectID < counts[j].SubjectID
	})
}

type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	slog.Info("rank: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	slog.Error("rank: "+msg, append([]any{"error", err}, kv...)...)
}
