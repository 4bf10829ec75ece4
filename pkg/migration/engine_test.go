package migration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"schemaver/pkg/changeset"
	"schemaver/pkg/dberrors"
	"schemaver/pkg/store"
	"schemaver/pkg/table"
	"schemaver/pkg/types"
)

type widget struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

var widgetsDesc = table.Descriptor{
	Name:       "widgets",
	Semantics:  types.OrderedSet,
	Attributes: []string{"id", "name"},
}

func newStore() *store.Memory {
	return store.NewMemory(store.Options{
		Local:        "a",
		Nodes:        []types.NodeID{"a", "b"},
		LockTimeout:  time.Second,
		PollInterval: 5 * time.Millisecond,
	})
}

func widgetsTable(t *testing.T, s store.Adapter) *table.Table[int64, widget] {
	t.Helper()
	tbl, err := table.New[int64, widget](s, widgetsDesc,
		table.WithKeyFunc[int64, widget](func(w widget) int64 { return w.ID }))
	require.NoError(t, err)
	return tbl
}

func backfillNames(ctx context.Context, env changeset.Env) error {
	tbl, err := table.New[int64, widget](env.Store, widgetsDesc,
		table.WithKeyFunc[int64, widget](func(w widget) int64 { return w.ID }))
	if err != nil {
		return err
	}
	unnamed, err := tbl.Where(ctx, func(_ int64, w widget) bool { return w.Name == "" })
	if err != nil {
		return err
	}
	for _, w := range unnamed {
		w.Name = "unnamed"
		if _, err := tbl.Write(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

func widgetChangeSets() []changeset.ChangeSet {
	return []changeset.ChangeSet{
		{Sequence: 1, Author: "kate", Description: "widgets table", Change: changeset.CreateTable{Table: widgetsDesc}},
		{Sequence: 2, Author: "kate", Description: "index widgets by name", Change: changeset.AddIndex{Table: "widgets", Attribute: "name"}},
		{Sequence: 3, Author: "kate", Description: "default widget names", Change: changeset.DataTransform{Name: "backfill", Up: backfillNames}},
	}
}

func newEngine(t *testing.T, s store.Adapter, sets []changeset.ChangeSet, opts ...func(*Options)) *Engine {
	t.Helper()
	o := Options{Database: "shop", Store: s, ChangeSets: sets}
	for _, fn := range opts {
		fn(&o)
	}
	e, err := New(o)
	require.NoError(t, err)
	return e
}

func sequences(list []changeset.ChangeSet) []types.Sequence {
	out := make([]types.Sequence, 0, len(list))
	for _, cs := range list {
		out = append(out, cs.Sequence)
	}
	return out
}

func TestEngine_WidgetsScenario(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	// a widget written before the migrations ran
	widgets := widgetsTable(t, s)
	require.NoError(t, widgets.Create(ctx))
	widgets.MustWrite(ctx, widget{ID: 1})

	e := newEngine(t, s, widgetChangeSets())
	res, err := e.Install(ctx)
	require.NoError(t, err)
	require.Equal(t, []types.Sequence{1, 2, 3}, res.Applied)
	require.Nil(t, res.Failed)

	history, err := e.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, r := range history {
		require.Equal(t, types.Sequence(i+1), r.Sequence)
		require.Equal(t, StatusApplied, r.Status)
		require.Equal(t, types.NodeID("a"), r.Node)
		require.Equal(t, "kate", r.Author)
	}

	info, err := s.TableInfo("widgets")
	require.NoError(t, err)
	require.Equal(t, []string{"name"}, info.Indexes)
	require.Equal(t, "unnamed", widgets.MustRead(ctx, 1).Name)

	// a later deploy adds change set 4
	sets := append(widgetChangeSets(), changeset.ChangeSet{
		Sequence: 4, Description: "drop name index",
		Change: changeset.DeleteIndex{Table: "widgets", Attribute: "name"},
	})
	e = newEngine(t, s, sets)
	res, err = e.Migrate(ctx)
	require.NoError(t, err)
	require.Equal(t, []types.Sequence{4}, res.Applied)
	info, _ = s.TableInfo("widgets")
	require.Empty(t, info.Indexes)

	require.NoError(t, e.Rollback(ctx, 4, false))
	info, _ = s.TableInfo("widgets")
	require.Equal(t, []string{"name"}, info.Indexes)

	rec, err := e.Status(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, StatusRolledBack, rec.Status)
	require.NotNil(t, rec.RolledBackAt)

	pending, err := e.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, []types.Sequence{4}, sequences(pending))

	res, err = e.Migrate(ctx)
	require.NoError(t, err)
	require.Equal(t, []types.Sequence{4}, res.Applied)
	rec, err = e.Status(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, rec.Status)
}

func TestEngine_MigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newStore(), widgetChangeSets())

	_, err := e.Migrate(ctx)
	require.NoError(t, err)
	before, err := e.History(ctx)
	require.NoError(t, err)

	pending, err := e.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	res, err := e.Migrate(ctx)
	require.NoError(t, err)
	require.Empty(t, res.Applied)

	after, err := e.History(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)

	_, err = e.Install(ctx, widgetsDesc)
	require.NoError(t, err)
}

func TestEngine_FailureStopsRun(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	boom := errors.New("boom")

	sets := append(widgetChangeSets()[:1],
		changeset.ChangeSet{Sequence: 2, Change: changeset.Custom{
			Name: "half done",
			ApplyFn: func(ctx context.Context, env changeset.Env) error {
				if err := env.Store.Write(ctx, "widgets", store.Object{Key: []byte("k"), Value: []byte(`{}`)}); err != nil {
					return err
				}
				return boom
			},
		}},
		changeset.ChangeSet{Sequence: 3, Change: changeset.AddIndex{Table: "widgets", Attribute: "name"}},
	)
	e := newEngine(t, s, sets)

	res, err := e.Migrate(ctx)
	require.ErrorIs(t, err, boom)
	var applyErr *dberrors.ApplyFailedError
	require.ErrorAs(t, err, &applyErr)
	require.Equal(t, types.Sequence(2), applyErr.Sequence)
	require.Equal(t, []types.Sequence{1}, res.Applied)
	require.NotNil(t, res.Failed)
	require.Equal(t, types.Sequence(2), res.Failed.Sequence)

	// the failed transaction left nothing behind
	n, err := s.Count(ctx, "widgets")
	require.NoError(t, err)
	require.Zero(t, n)

	for _, seq := range []types.Sequence{2, 3} {
		_, err := e.Status(ctx, seq)
		require.ErrorIs(t, err, dberrors.ErrNotFound)
	}
	pending, err := e.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, []types.Sequence{2, 3}, sequences(pending))

	info, _ := s.TableInfo("widgets")
	require.Empty(t, info.Indexes)
}

func TestEngine_RecordFailures(t *testing.T) {
	ctx := context.Background()
	sets := []changeset.ChangeSet{{Sequence: 1, Change: changeset.Custom{
		ApplyFn: func(context.Context, changeset.Env) error { return errors.New("nope") },
	}}}
	e := newEngine(t, newStore(), sets, func(o *Options) { o.RecordFailures = true })

	_, err := e.Migrate(ctx)
	require.Error(t, err)

	rec, err := e.Status(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.Status)
	require.Equal(t, "nope", rec.Error)

	pending, err := e.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestEngine_Rollback(t *testing.T) {
	ctx := context.Background()
	var downs int
	sets := append(widgetChangeSets()[:1], changeset.ChangeSet{
		Sequence: 2,
		Change: changeset.DataTransform{
			Up:   func(context.Context, changeset.Env) error { return nil },
			Down: func(context.Context, changeset.Env) error { downs++; return nil },
		},
	})
	e := newEngine(t, newStore(), sets)

	require.ErrorIs(t, e.Rollback(ctx, 2, false), dberrors.ErrNotApplied)
	require.ErrorIs(t, e.Rollback(ctx, 9, false), dberrors.ErrNotFound)

	_, err := e.Migrate(ctx)
	require.NoError(t, err)

	require.ErrorIs(t, e.Rollback(ctx, 2, false), dberrors.ErrRollbackRefused)
	rec, err := e.Status(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, rec.Status)

	require.NoError(t, e.Rollback(ctx, 2, true))
	require.Equal(t, 1, downs)
	require.ErrorIs(t, e.Rollback(ctx, 2, true), dberrors.ErrNotApplied)
}

func TestEngine_RollbackFailureKeepsLedger(t *testing.T) {
	ctx := context.Background()
	sets := []changeset.ChangeSet{{Sequence: 1, Change: changeset.Custom{
		ApplyFn:    func(context.Context, changeset.Env) error { return nil },
		RollbackFn: func(context.Context, changeset.Env) error { return errors.New("stuck") },
		Auto:       true,
	}}}
	e := newEngine(t, newStore(), sets)
	_, err := e.Migrate(ctx)
	require.NoError(t, err)

	require.ErrorContains(t, e.Rollback(ctx, 1, false), "stuck")
	rec, err := e.Status(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, rec.Status)
}

func TestEngine_EnvironmentFilter(t *testing.T) {
	ctx := context.Background()
	sets := append(widgetChangeSets()[:1], changeset.ChangeSet{
		Sequence:    2,
		Environment: "staging",
		Change:      changeset.AddIndex{Table: "widgets", Attribute: "name"},
	})

	s := newStore()
	prod := newEngine(t, s, sets, func(o *Options) { o.Environment = "prod" })
	res, err := prod.Migrate(ctx)
	require.NoError(t, err)
	require.Equal(t, []types.Sequence{1}, res.Applied)
	pending, err := prod.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	staging := newEngine(t, s, sets, func(o *Options) { o.Environment = "staging" })
	res, err = staging.Migrate(ctx)
	require.NoError(t, err)
	require.Equal(t, []types.Sequence{2}, res.Applied)
}

func TestEngine_ConcurrentMigrateFailsFast(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	locker := NewLocalLocker()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sets := []changeset.ChangeSet{{Sequence: 1, Change: changeset.Custom{
		ApplyFn: func(context.Context, changeset.Env) error {
			once.Do(func() { close(started) })
			<-release
			return nil
		},
	}}}
	for seq := types.Sequence(2); seq <= 5; seq++ {
		sets = append(sets, changeset.ChangeSet{Sequence: seq, Change: changeset.Custom{
			ApplyFn: func(context.Context, changeset.Env) error { return nil },
		}})
	}
	withLocker := func(o *Options) { o.Locker = locker }
	first := newEngine(t, s, sets, withLocker)
	second := newEngine(t, s, sets, withLocker)

	var (
		wg  sync.WaitGroup
		res Result
		err error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err = first.Migrate(ctx)
	}()

	<-started
	_, err2 := second.Migrate(ctx)
	require.ErrorIs(t, err2, dberrors.ErrMigrationInProgress)
	close(release)
	wg.Wait()

	require.NoError(t, err)
	require.Len(t, res.Applied, 5)

	res, err = second.Migrate(ctx)
	require.NoError(t, err)
	require.Empty(t, res.Applied)
}

func TestEngine_SeparateLockersApplyOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	var runs [6]atomic.Int32
	var sets []changeset.ChangeSet
	for seq := types.Sequence(1); seq <= 5; seq++ {
		sets = append(sets, changeset.ChangeSet{Sequence: seq, Change: changeset.Custom{
			ApplyFn: func(context.Context, changeset.Env) error {
				runs[seq].Add(1)
				time.Sleep(20 * time.Millisecond)
				return nil
			},
		}})
	}
	// у каждого движка свой LocalLocker, как у двух процессов
	engines := []*Engine{newEngine(t, s, sets), newEngine(t, s, sets)}
	require.NoError(t, engines[0].Ledger().Create(ctx))

	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]Result, len(engines))
		errs    = make([]error, len(engines))
	)
	for i, e := range engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = e.Migrate(ctx)
		}()
	}
	close(start)
	wg.Wait()

	var applied []types.Sequence
	for i := range engines {
		if errs[i] != nil {
			require.ErrorIs(t, errs[i], dberrors.ErrMigrationInProgress)
			require.Empty(t, results[i].Applied)
		}
		applied = append(applied, results[i].Applied...)
	}
	require.Equal(t, []types.Sequence{1, 2, 3, 4, 5}, applied)
	for seq := 1; seq <= 5; seq++ {
		require.Equal(t, int32(1), runs[seq].Load(), "change set %d", seq)
	}

	history, err := engines[1].History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 5)
	marker, err := engines[1].Ledger().Read(ctx, runKey, AppliedRecord{})
	require.NoError(t, err)
	require.Empty(t, marker.Status)
}

func TestEngine_RunMarker(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func(o *Options) {
		o.Now = func() time.Time { return now }
		o.RunLease = time.Minute
	}
	e := newEngine(t, newStore(), widgetChangeSets(), clock)
	require.NoError(t, e.Ledger().Create(ctx))

	// живой маркер чужого прогона, например с ноды b
	require.NoError(t, e.Ledger().WriteKey(ctx, runKey, AppliedRecord{
		Sequence: runKey, Status: StatusRunning, Node: "b", Run: "other", AppliedAt: now,
	}))

	_, err := e.Migrate(ctx)
	require.ErrorIs(t, err, dberrors.ErrMigrationInProgress)
	require.ErrorIs(t, e.Rollback(ctx, 1, false), dberrors.ErrMigrationInProgress)

	history, err := e.History(ctx)
	require.NoError(t, err)
	require.Empty(t, history)
	_, err = e.Status(ctx, runKey)
	require.ErrorIs(t, err, dberrors.ErrNotFound)
	pending, err := e.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	// маркер без heartbeat дольше lease перехватывается
	now = now.Add(2 * time.Minute)
	res, err := e.Migrate(ctx)
	require.NoError(t, err)
	require.Equal(t, []types.Sequence{1, 2, 3}, res.Applied)

	marker, err := e.Ledger().Read(ctx, runKey, AppliedRecord{})
	require.NoError(t, err)
	require.Empty(t, marker.Status)

	require.NoError(t, e.Rollback(ctx, 2, false))
}

func TestEngine_LostRunMarkerStopsRun(t *testing.T) {
	ctx := context.Background()
	var e *Engine
	sets := []changeset.ChangeSet{
		{Sequence: 1, Change: changeset.Custom{ApplyFn: func(context.Context, changeset.Env) error { return nil }}},
		{Sequence: 2, Change: changeset.Custom{ApplyFn: func(ctx context.Context, _ changeset.Env) error {
			// другой прогон перехватил маркер
			return e.Ledger().WriteKey(ctx, runKey, AppliedRecord{
				Sequence: runKey, Status: StatusRunning, Node: "b", Run: "other", AppliedAt: time.Now().UTC(),
			})
		}}},
		{Sequence: 3, Change: changeset.Custom{ApplyFn: func(context.Context, changeset.Env) error { return nil }}},
	}
	e = newEngine(t, newStore(), sets)

	res, err := e.Migrate(ctx)
	require.ErrorIs(t, err, dberrors.ErrMigrationInProgress)
	require.Equal(t, []types.Sequence{1, 2}, res.Applied)
	require.Nil(t, res.Failed)

	_, err = e.Status(ctx, 3)
	require.ErrorIs(t, err, dberrors.ErrNotFound)
	marker, err := e.Ledger().Read(ctx, runKey, AppliedRecord{})
	require.NoError(t, err)
	require.Equal(t, "other", marker.Run)
}

func TestNew_RejectsDuplicateSequences(t *testing.T) {
	sets := append(widgetChangeSets(), changeset.ChangeSet{Sequence: 2, Change: changeset.DestroyTable{Name: "x"}})
	_, err := New(Options{Database: "shop", Store: newStore(), ChangeSets: sets})
	require.ErrorIs(t, err, dberrors.ErrConfig)

	_, err = New(Options{Store: newStore()})
	require.ErrorIs(t, err, dberrors.ErrConfig)
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "shop")
	require.NoError(t, err)

	_, err = l.Lock(context.Background(), "shop")
	require.ErrorIs(t, err, dberrors.ErrMigrationInProgress)
	other, err := l.Lock(context.Background(), "billing")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	again, err := l.Lock(context.Background(), "shop")
	require.NoError(t, err)
	again()
}
