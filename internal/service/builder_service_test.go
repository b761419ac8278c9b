package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/yourorg/candle-cache/internal/aggregator"
	"github.com/yourorg/candle-cache/internal/events"
	"github.com/yourorg/candle-cache/internal/metrics"
	"github.com/yourorg/candle-cache/internal/model"
	"github.com/yourorg/candle-cache/internal/repository/repotest"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	gasScope    = model.ResourceScope{Slug: "gas"}
	marketScope = model.MarketScope{Address: "0xabc", ChainID: 1, MarketID: 7}
)

type fixture struct {
	source   *repotest.MemorySource
	store    *repotest.MemoryStore
	coord    *Coordinator
	recorder *events.Recorder
	notifier *events.Notifier
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	recorder := events.NewRecorder()
	return &fixture{
		source:   repotest.NewMemorySource(),
		store:    repotest.NewMemoryStore(),
		coord:    NewCoordinator(zap.NewNop()),
		recorder: recorder,
		notifier: events.NewNotifier(recorder, events.Topics{Candles: "candles", Process: "process"}, zap.NewNop()),
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
}

func testAggConfig() aggregator.Config {
	return aggregator.Config{
		Intervals:        []int64{60, 300},
		TrailingAvgTimes: []int64{100},
		Types: []model.CandleType{
			model.CandleTypeResource, model.CandleTypeTrailingAvg, model.CandleTypeIndex, model.CandleTypeMarket,
		},
	}
}

func testRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func (f *fixture) builder(batchSize, maxBatches int) *BuilderService {
	cfg := BuilderConfig{
		PollInterval:      5 * time.Millisecond,
		BatchSize:         batchSize,
		MaxBatchesPerTick: maxBatches,
		Concurrency:       4,
		ErrorBackoffMax:   20 * time.Millisecond,
	}
	return NewBuilderService(f.source, f.store, f.store, f.coord, f.notifier, f.metrics, cfg, testAggConfig(), testRetry(), zap.NewNop())
}

// seed registers resource gas with one active market and twelve points on each stream
func (f *fixture) seed() {
	f.source.AddResource("gas")
	f.source.AddMarket(model.Market{
		Address: marketScope.Address, ChainID: marketScope.ChainID, MarketID: marketScope.MarketID,
		ResourceSlug: "gas", StartTimestamp: 0, EndTimestamp: 1000,
	})
	for i := int64(0); i < 12; i++ {
		f.source.AddPrice(gasScope, i*25, 10+(i*7)%13, 1+i%4)
		f.source.AddPrice(marketScope, i*25+5, 100+(i*11)%17, 1)
	}
}

func tick(t *testing.T, b *BuilderService) {
	t.Helper()
	require.NoError(t, b.Tick(context.Background()))
	b.Wait()
}

// snapshot renders every stored candle so runs can be compared by value
func snapshot(store *repotest.MemoryStore) []string {
	var out []string
	for _, ct := range []model.CandleType{model.CandleTypeResource, model.CandleTypeTrailingAvg, model.CandleTypeIndex, model.CandleTypeMarket} {
		for _, c := range store.Candles(ct) {
			out = append(out, fmt.Sprintf("%s|%d|%d|%s|%d|%s|%s|%s|%s|%d|%d|%s|%s|%v",
				c.CandleType, c.Interval, c.Timestamp, c.ScopeKey, c.TrailingAvgTime,
				c.Open, c.High, c.Low, c.Close, c.EndTimestamp, c.LastUpdatedTimestamp,
				c.SumUsed.Decimal, c.SumFeePaid.Decimal, c.TrailingStartTimestamp))
		}
	}
	return out
}

// reference builds the seeded data in one pass
func reference(t *testing.T) []string {
	t.Helper()
	f := newFixture(t)
	f.seed()
	tick(t, f.builder(100, 1))
	return snapshot(f.store)
}

func TestBuilderTickBuildsEveryStream(t *testing.T) {
	f := newFixture(t)
	f.seed()
	b := f.builder(100, 10)

	tick(t, b)

	resource := f.store.Candles(model.CandleTypeResource)
	assert.Len(t, resource, 6) // five 60s buckets over [0, 275] and one 300s bucket
	assert.Len(t, f.store.Candles(model.CandleTypeTrailingAvg), 6)
	assert.Len(t, f.store.Candles(model.CandleTypeIndex), 6)
	assert.Len(t, f.store.Candles(model.CandleTypeMarket), 6)
	for _, c := range f.store.Candles(model.CandleTypeIndex) {
		assert.Equal(t, marketScope.Key(), c.ScopeKey)
		assert.Equal(t, "gas", c.ResourceSlug)
	}

	assert.Equal(t, int64(275), f.store.Param("builder.resource:gas.timestamp"))
	assert.NotZero(t, f.store.Param("builder.resource:gas.id"))
	assert.Equal(t, int64(280), f.store.Param("builder."+marketScope.Key()+".timestamp"))

	status, _ := f.coord.Status(model.ProcessBuilder)
	assert.False(t, status.IsActive)
	assert.Equal(t, model.RunResultCompleted, status.Result)
	assert.Contains(t, status.Description, "price points processed")

	assert.Len(t, f.recorder.Types("candles"), 2)
	assert.Equal(t, float64(24), testutil.ToFloat64(f.metrics.PointsProcessed.WithLabelValues("builder")))
}

// claimingPublisher tries to claim each event's scope for a rebuild at publish time
type claimingPublisher struct {
	coord   *Coordinator
	scopes  map[string]model.Scope
	claimed map[string]bool
	updates []events.CandlesUpdated
}

func (p *claimingPublisher) Publish(ctx context.Context, topic string, msg events.Message) error {
	scope := p.scopes[msg.Key]
	ok := p.coord.ClaimScope(model.ProcessRebuilder, scope)
	if ok {
		p.coord.ReleaseScope(model.ProcessRebuilder, scope)
	}
	p.claimed[msg.Key] = ok
	p.updates = append(p.updates, msg.Value.(events.CandlesUpdated))
	return nil
}

func (p *claimingPublisher) Close() error { return nil }

func TestBuilderPublishesAfterReleasingScope(t *testing.T) {
	f := newFixture(t)
	f.seed()
	pub := &claimingPublisher{
		coord:   f.coord,
		scopes:  map[string]model.Scope{gasScope.Key(): gasScope, marketScope.Key(): marketScope},
		claimed: make(map[string]bool),
	}
	f.notifier = events.NewNotifier(pub, events.Topics{Candles: "candles"}, zap.NewNop())

	tick(t, f.builder(5, 10))

	// three batches per stream, one event per stream
	require.Len(t, pub.updates, 2)
	assert.True(t, pub.claimed[gasScope.Key()])
	assert.True(t, pub.claimed[marketScope.Key()])

	total := 0
	for _, u := range pub.updates {
		assert.Equal(t, string(model.ProcessBuilder), u.Source)
		total += u.Candles
		if u.Scope == gasScope.Key() {
			assert.Equal(t, int64(275), u.LastTimestamp)
		}
	}
	assert.GreaterOrEqual(t, total, 24)
}

func TestBuilderSecondTickIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seed()
	b := f.builder(100, 10)

	tick(t, b)
	before := snapshot(f.store)
	calls := f.store.UpsertCalls

	tick(t, b)
	assert.Equal(t, before, snapshot(f.store))
	assert.Equal(t, calls, f.store.UpsertCalls)
}

func TestBuilderBatchedTicksMatchSinglePass(t *testing.T) {
	f := newFixture(t)
	f.seed()
	b := f.builder(2, 1)

	for i := 0; i < 6; i++ {
		tick(t, b)
	}
	assert.Equal(t, reference(t), snapshot(f.store))
}

func TestBuilderResumesFromCheckpointAfterRestart(t *testing.T) {
	f := newFixture(t)
	f.seed()

	// a fresh service per tick restores every stream from the persisted checkpoint
	for i := 0; i < 4; i++ {
		tick(t, f.builder(3, 1))
	}
	assert.Equal(t, reference(t), snapshot(f.store))
}

// seedSameTimestamp registers resource gas with three points, the last two in the same block
func (f *fixture) seedSameTimestamp() {
	f.source.AddResource("gas")
	f.source.AddMarket(model.Market{
		Address: marketScope.Address, ChainID: marketScope.ChainID, MarketID: marketScope.MarketID,
		ResourceSlug: "gas", StartTimestamp: 0, EndTimestamp: 1000,
	})
	f.source.AddPrice(gasScope, 10, 5, 1)
	f.source.AddPrice(gasScope, 20, 6, 1)
	f.source.AddPrice(gasScope, 20, 7, 1)
}

func assertIndexSumUsed(t *testing.T, store *repotest.MemoryStore, want int64) {
	t.Helper()
	index := store.Candles(model.CandleTypeIndex)
	require.Len(t, index, 2)
	for _, c := range index {
		assert.Equal(t, want, c.SumUsed.Decimal.IntPart(), "interval %d", c.Interval)
	}
}

func TestBuilderResumesBetweenPointsOfOneTimestamp(t *testing.T) {
	ref := newFixture(t)
	ref.seedSameTimestamp()
	tick(t, ref.builder(100, 1))
	assertIndexSumUsed(t, ref.store, 3)

	t.Run("restart", func(t *testing.T) {
		f := newFixture(t)
		f.seedSameTimestamp()

		// the first batch ends at (20, 2); the restarted service resumes at (20, 3)
		tick(t, f.builder(2, 1))
		assert.Equal(t, int64(20), f.store.Param("builder.resource:gas.timestamp"))
		tick(t, f.builder(2, 1))

		assertIndexSumUsed(t, f.store, 3)
		assert.Equal(t, snapshot(ref.store), snapshot(f.store))
	})

	t.Run("checkpoint failure", func(t *testing.T) {
		f := newFixture(t)
		f.seedSameTimestamp()
		b := f.builder(2, 10)

		f.store.FailCheckpoints = 3
		tick(t, b)
		tick(t, b)

		assertIndexSumUsed(t, f.store, 3)
		assert.Equal(t, snapshot(ref.store), snapshot(f.store))
	})
}

func TestBuilderPicksUpNewPoints(t *testing.T) {
	f := newFixture(t)
	f.seed()
	b := f.builder(100, 10)
	tick(t, b)

	f.source.AddPrice(gasScope, 400, 50, 2)
	tick(t, b)

	assert.Equal(t, int64(400), f.store.Param("builder.resource:gas.timestamp"))
	latest := f.store.Candles(model.CandleTypeResource)
	last := latest[len(latest)-1]
	assert.Equal(t, int64(300), last.Timestamp)
	assert.True(t, last.Close.Equal(last.Open))
}

func TestBuilderSkipsStreamInFlight(t *testing.T) {
	f := newFixture(t)
	f.source.AddResource("gas")
	f.source.AddPrice(gasScope, 10, 5, 1)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	f.source.BeforeFetch = func(scope model.Scope) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}

	b := f.builder(100, 10)
	require.NoError(t, b.Tick(context.Background()))
	<-entered

	status, _ := f.coord.Status(model.ProcessBuilder)
	assert.True(t, status.IsActive)

	require.NoError(t, b.Tick(context.Background()))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.StreamsSkipped.WithLabelValues("in_flight")))

	close(release)
	b.Wait()

	status, _ = f.coord.Status(model.ProcessBuilder)
	assert.False(t, status.IsActive)
	assert.Len(t, f.store.Candles(model.CandleTypeResource), 2)
}

func TestBuilderSkipsTickWhenSourceUnavailable(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.source.Unavailable = true
	b := f.builder(100, 10)

	err := b.Tick(context.Background())
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	b.Wait()

	status, _ := f.coord.Status(model.ProcessBuilder)
	assert.False(t, status.IsActive)
	assert.Empty(t, status.Result)
	assert.Zero(t, f.store.Len())
}

func TestBuilderSkipsScopeHeldByRebuild(t *testing.T) {
	f := newFixture(t)
	f.seed()
	b := f.builder(100, 10)

	require.True(t, f.coord.ClaimScope(model.ProcessRebuilder, gasScope))
	tick(t, b)

	assert.Empty(t, f.store.Candles(model.CandleTypeResource))
	assert.Len(t, f.store.Candles(model.CandleTypeMarket), 6)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.StreamsSkipped.WithLabelValues("rebuilding")))

	f.coord.ReleaseScope(model.ProcessRebuilder, gasScope)
	tick(t, b)
	assert.Equal(t, reference(t), snapshot(f.store))
}

func TestBuilderStoreFailureResetsStream(t *testing.T) {
	f := newFixture(t)
	f.seed()
	b := f.builder(4, 10)

	f.store.FailUpserts = 100
	tick(t, b)

	assert.Zero(t, f.store.Len())
	assert.Zero(t, f.store.Param("builder.resource:gas.timestamp"))
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.StreamErrors.WithLabelValues("builder")))
	b.mu.Lock()
	assert.Empty(t, b.streams)
	b.mu.Unlock()

	f.store.FailUpserts = 0
	tick(t, b)
	assert.Equal(t, reference(t), snapshot(f.store))
}

func TestBuilderCheckpointFailureReplaysBatch(t *testing.T) {
	f := newFixture(t)
	f.seed()
	b := f.builder(4, 10)

	// the candles of the first batch are flushed but the cursor is not; the replay must not double count
	f.store.FailCheckpoints = 3
	tick(t, b)
	tick(t, b)

	assert.Equal(t, reference(t), snapshot(f.store))
}

func TestBuilderRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.seed()
	b := f.builder(100, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.store.Param("builder.resource:gas.timestamp") == 275
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("builder did not stop")
	}
}

func TestBuilderRunBacksOffWhileSourceUnavailable(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.source.Unavailable = true
	b := f.builder(100, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, b.Run(ctx))

	assert.Zero(t, f.store.Len())
	status, _ := f.coord.Status(model.ProcessBuilder)
	assert.False(t, status.IsActive)
}
