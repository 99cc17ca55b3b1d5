package binding

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/livebind/query"
	"github.com/maxpert/livebind/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("document")
	require.NoError(t, err)
	assert.Equal(t, ModeDocument, m)
	assert.Equal(t, "document", m.String())

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeTree, m)

	_, err = ParseMode("graph")
	require.Error(t, err)
}

func TestBind_InvalidPathNeverTouchesStore(t *testing.T) {
	st := newSpyStore(t)
	c := newCache(t, st)
	ctx := context.Background()
	start := node("name", "guest")

	for _, p := range []string{"users/undefined/undefined", "users//x", "null/profile"} {
		b := c.Bind(p, Options{StartWith: start})
		require.True(t, IsNoop(b), p)

		v, err := b.Read(ctx)
		require.NoError(t, err)
		assert.True(t, value.Equal(start, v))

		var got value.Value
		unsub := b.Subscribe(func(v value.Value) { got = v })
		assert.True(t, value.Equal(start, got), "noop delivers synchronously")
		unsub()

		require.NoError(t, b.Set(node("name", "x")))
		require.NoError(t, b.Update(ctx, node("name", "x")))
		require.NoError(t, b.Overwrite(ctx, node("name", "x")))
		require.NoError(t, b.Remove(ctx))
		id, err := b.Push(node("a", 1))
		require.NoError(t, err)
		assert.Empty(t, id)
		assert.True(t, value.Equal(start, b.Get()))
	}
	assert.Zero(t, st.calls())
}

func TestBind_InvalidQueryIsNoop(t *testing.T) {
	st := newSpyStore(t)
	c := newCache(t, st)

	b := c.Bind("scores", Options{Limit: -1})
	assert.True(t, IsNoop(b))
	assert.Zero(t, st.calls())
}

func handleKey(b Binding) string {
	key, _ := b.(*handle).target()
	return key
}

func TestBind_OneEntryPerPath(t *testing.T) {
	st := newSpyStore(t)
	c := newCache(t, st)

	a := c.Bind("users/1", Options{})
	b := c.Bind("/users/1/", Options{})
	seeded := c.Bind("users/1", Options{StartWith: node("x", 1), Array: true})
	slow := c.Bind("users/1", Options{Debounce: time.Hour})

	assert.Equal(t, handleKey(a), handleKey(b))
	assert.Equal(t, handleKey(a), handleKey(seeded))
	assert.Equal(t, handleKey(a), handleKey(slow))
	assert.Equal(t, "users/1", b.Path())

	// Listings share by query shape, not by presentation.
	top := c.Bind("users", Options{OrderBy: "age", Limit: 3})
	topList := c.Bind("users", Options{OrderBy: "age", Limit: 3, Array: true})
	other := c.Bind("users", Options{OrderBy: "age", Limit: 4})
	assert.Equal(t, handleKey(top), handleKey(topList))
	assert.NotEqual(t, handleKey(top), handleKey(other))
	assert.NotEqual(t, handleKey(top), handleKey(c.Bind("users", Options{})))
}

func TestBind_PresentationPerHandle(t *testing.T) {
	st := newSpyStore(t)
	require.NoError(t, st.Store.Set(context.Background(), "prefs/1", node("theme", "dark")))
	c := newCache(t, st)

	plain := c.Bind("prefs/1", Options{})
	seeded := c.Bind("prefs/1", Options{StartWith: node("lang", "en")})

	pc, sc := newCollector(), newCollector()
	defer plain.Subscribe(pc.fn)()
	defer seeded.Subscribe(sc.fn)()

	assert.True(t, value.Equal(node("theme", "dark"), pc.next(t)))
	assert.True(t, value.Equal(node("theme", "dark", "lang", "en"), sc.next(t)))
	assert.Equal(t, int32(1), st.subscribes.Load())
	assert.Equal(t, 1, c.Stats().Entries)

	require.NoError(t, plain.Set(node("theme", "light")))
	pc.until(t, node("theme", "light"))
	sc.until(t, node("theme", "light", "lang", "en"))
	require.NoError(t, c.Flush(context.Background()))
	assert.True(t, value.Equal(node("theme", "light"), st.stored(t, "prefs/1")))
}

func TestThen_ResolvesFromSingleRead(t *testing.T) {
	st := newSpyStore(t)
	require.NoError(t, st.Store.Set(context.Background(), "users/1", node("name", "ada")))
	c := newCache(t, st)
	b := c.Bind("users/1", Options{})

	var wg sync.WaitGroup
	results := make([]value.Value, 8)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := b.Read(context.Background())
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	wg.Wait()

	for _, v := range results {
		assert.True(t, value.Equal(node("name", "ada"), v))
	}
	assert.LessOrEqual(t, st.reads.Load(), int32(8))
	assert.Zero(t, st.subscribes.Load(), "Then never subscribes")

	// Cached now; no further reads.
	before := st.reads.Load()
	_, err := b.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, st.reads.Load())
}

func TestThen_ReadErrorPropagates(t *testing.T) {
	st := newSpyStore(t)
	c := newCache(t, st)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Bind("users/1", Options{}).Read(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestGet_UnloadedUntilRead(t *testing.T) {
	st := newSpyStore(t)
	c := newCache(t, st)
	b := c.Bind("users/1", Options{})

	assert.False(t, b.Loaded())
	assert.False(t, value.IsLoaded(b.Get()))

	_, err := b.Read(context.Background())
	require.NoError(t, err)
	assert.True(t, b.Loaded())
	assert.True(t, value.IsNull(b.Get()))
}

func TestSubscribe_SingleRemoteSubscription(t *testing.T) {
	st := newSpyStore(t)
	require.NoError(t, st.Store.Set(context.Background(), "rooms/1", node("topic", "go")))
	c := newCache(t, st)

	a, b := newCollector(), newCollector()
	unsubA := c.Bind("rooms/1", Options{}).Subscribe(a.fn)
	unsubB := c.Bind("rooms/1", Options{}).Subscribe(b.fn)
	defer unsubA()
	defer unsubB()

	a.until(t, node("topic", "go"))
	b.until(t, node("topic", "go"))
	assert.Equal(t, int32(1), st.subscribes.Load())

	require.NoError(t, st.Store.Set(context.Background(), "rooms/1", node("topic", "rust")))
	a.until(t, node("topic", "rust"))
	b.until(t, node("topic", "rust"))

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 2, stats.Subscribers)
	assert.Equal(t, 1, stats.Remote)
}

func TestSubscribe_LateSubscriberGetsCachedValueSynchronously(t *testing.T) {
	st := newSpyStore(t)
	require.NoError(t, st.Store.Set(context.Background(), "rooms/1", node("topic", "go")))
	c := newCache(t, st)
	b := c.Bind("rooms/1", Options{})

	first := newCollector()
	defer b.Subscribe(first.fn)()
	first.until(t, node("topic", "go"))

	var got value.Value
	unsub := b.Subscribe(func(v value.Value) {
		if got == nil {
			got = v
		}
	})
	defer unsub()
	assert.True(t, value.Equal(node("topic", "go"), got))
}

func TestSubscribe_SameCallbackTwiceUnsubscribeOnce(t *testing.T) {
	st := newSpyStore(t)
	require.NoError(t, st.Store.Set(context.Background(), "rooms/1", node("n", 1)))
	c := newCache(t, st)
	b := c.Bind("rooms/1", Options{})

	col := newCollector()
	unsub1 := b.Subscribe(col.fn)
	unsub2 := b.Subscribe(col.fn)
	defer unsub2()

	col.until(t, node("n", 1))
	col.until(t, node("n", 1))

	unsub1()
	unsub1()
	require.NoError(t, st.Store.Set(context.Background(), "rooms/1", node("n", 2)))

	assert.True(t, value.Equal(node("n", 2), col.next(t)))
	col.none(t, 50*time.Millisecond)
	assert.Equal(t, 1, c.Stats().Subscribers)
}

func TestSubscribe_DeliversInRegistrationOrder(t *testing.T) {
	st := newSpyStore(t)
	c := newCache(t, st)
	b := c.Bind("rooms/1", Options{})

	var mu sync.Mutex
	var order []int
	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		i := i
		defer b.Subscribe(func(v value.Value) {
			if value.Equal(v, node("n", 1)) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				done <- struct{}{}
			}
		})()
	}

	require.NoError(t, st.Store.Set(context.Background(), "rooms/1", node("n", 1)))
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Fatal("timed out")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestSubscribe_AddedDuringDeliverySeesValueOnce(t *testing.T) {
	st := newSpyStore(t)
	c := newCache(t, st)
	b := c.Bind("rooms/1", Options{})

	late := newCollector()
	lateUnsub := make(chan func(), 1)
	var once sync.Once

	unsub := b.Subscribe(func(v value.Value) {
		if value.Equal(v, node("n", 1)) {
			once.Do(func() { lateUnsub <- b.Subscribe(late.fn) })
		}
	})
	defer unsub()

	require.NoError(t, st.Store.Set(context.Background(), "rooms/1", node("n", 1)))
	late.until(t, node("n", 1))
	late.none(t, 50*time.Millisecond)
	(<-lateUnsub)()
}

func TestSubscribe_ReentrantWriteDeliveredAfterCallback(t *testing.T) {
	st := newSpyStore(t)
	require.NoError(t, st.Store.Set(context.Background(), "counter", node("n", 0)))
	c := newCache(t, st, func(c *Config) { c.Debounce = time.Hour })
	b := c.Bind("counter", Options{})

	var mu sync.Mutex
	var seen []int64
	inCallback := false
	nested := false
	unsub := b.Subscribe(func(v value.Value) {
		mu.Lock()
		if inCallback {
			nested = true
		}
		inCallback = true
		n := v.(value.Node)["n"].(value.Int)
		seen = append(seen, int64(n))
		mu.Unlock()

		if n == 0 {
			assert.NoError(t, b.Set(node("n", 1)))
		}

		mu.Lock()
		inCallback = false
		mu.Unlock()
	})
	defer unsub()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2
	}, waitTimeout, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int64{0, 1}, seen[:2])
	assert.False(t, nested)
	mu.Unlock()
	require.NoError(t, b.Flush(context.Background()))
}

func TestSubscribe_GraceDelayReusesRemote(t *testing.T) {
	st := newSpyStore(t)
	c := newCache(t, st, func(c *Config) { c.GraceDelay = 200 * time.Millisecond })
	b := c.Bind("rooms/1", Options{})

	col := newCollector()
	unsub := b.Subscribe(col.fn)
	col.next(t)
	unsub()

	unsub = b.Subscribe(col.fn)
	col.next(t)
	assert.Equal(t, int32(1), st.subscribes.Load(), "resubscribe within grace reuses the remote")
	unsub()

	require.Eventually(t, func() bool { return st.Store.Watchers() == 0 }, waitTimeout, 10*time.Millisecond)
	assert.Zero(t, c.Stats().Remote)
}

func TestSubscribe_NegativeGraceClosesAtOnce(t *testing.T) {
	st := newSpyStore(t)
	c := newCache(t, st, func(c *Config) { c.GraceDelay = -1 })
	b := c.Bind("rooms/1", Options{})

	col := newCollector()
	unsub := b.Subscribe(col.fn)
	col.next(t)
	unsub()

	assert.Zero(t, c.Stats().Remote)
	require.Eventually(t, func() bool { return st.Store.Watchers() == 0 }, waitTimeout, 10*time.Millisecond)
}

func TestStartWith_DefaultsMissingFields(t *testing.T) {
	st := newSpyStore(t)
	require.NoError(t, st.Store.Set(context.Background(), "prefs/1", node("theme", "dark")))
	c := newCache(t, st)
	start := node("theme", "light", "lang", "en")

	v, err := c.Bind("prefs/1", Options{StartWith: start}).Read(context.Background())
	require.NoError(t, err)
	assert.True(t, value.Equal(node("theme", "dark", "lang", "en"), v))

	v, err = c.Bind("prefs/2", Options{StartWith: start}).Read(context.Background())
	require.NoError(t, err)
	assert.True(t, value.Equal(start, v))
}

func TestArray_ReshapesNodeInKeyOrder(t *testing.T) {
	st := newSpyStore(t)
	require.NoError(t, st.Store.Set(context.Background(), "todo", node("b", "second", "a", "first")))
	c := newCache(t, st)

	v, err := c.Bind("todo", Options{Array: true}).Read(context.Background())
	require.NoError(t, err)
	assert.True(t, value.Equal(value.List{value.String("first"), value.String("second")}, v))
}

func TestTreeListing_OrderedChildren(t *testing.T) {
	st := newSpyStore(t)
	require.NoError(t, st.Store.Set(context.Background(), "scores", node(
		"x", node("pts", 3),
		"y", node("pts", 1),
		"z", node("pts", 2),
	)))
	c := newCache(t, st)

	v, err := c.Bind("scores", Options{OrderBy: "pts", Limit: 2, Array: true}).Read(context.Background())
	require.NoError(t, err)
	assert.True(t, value.Equal(value.List{node("pts", 1), node("pts", 2)}, v))

	v, err = c.Bind("scores", Options{OrderBy: "pts", Limit: 1}).Read(context.Background())
	require.NoError(t, err)
	assert.True(t, value.Equal(value.Node{"y": node("pts", 1)}, v))
}

func TestDocumentCollection_OrderedLimitedListing(t *testing.T) {
	st := newSpyStore(t)
	c := newCache(t, st, documentMode)
	b := c.Bind("doors", Options{OrderBy: "line", Limit: 1})

	col := newCollector()
	defer b.Subscribe(col.fn)()
	assert.True(t, value.Equal(value.List{}, col.next(t)))

	for _, line := range []string{"d", "b", "a", "c"} {
		_, err := b.Push(node("line", line))
		require.NoError(t, err)
	}
	require.NoError(t, b.Flush(context.Background()))

	deadline := time.After(waitTimeout)
	for {
		select {
		case v := <-col.ch:
			list, ok := v.(value.List)
			require.True(t, ok)
			require.LessOrEqual(t, len(list), 1)
			if len(list) == 1 && value.Equal(list[0].(value.Node)["line"], value.String("a")) {
				assert.NotEmpty(t, list[0].(value.Node)["id"])
				return
			}
		case <-deadline:
			t.Fatal("never saw the first line")
		}
	}
}

func TestDocumentMode_PushRequiresCollection(t *testing.T) {
	st := newSpyStore(t)
	c := newCache(t, st, documentMode)

	_, err := c.Bind("doors/1", Options{}).Push(node("a", 1))
	require.ErrorIs(t, err, ErrNotCollection)

	_, err = c.Bind("doors/1", Options{}).Query(context.Background(), Options{Limit: 1})
	require.ErrorIs(t, err, ErrNotCollection)

	require.ErrorIs(t, c.Bind("doors", Options{}).Set(node("a", 1)), ErrCollectionWrite)
}

func TestQuery_SwapsInPlace(t *testing.T) {
	st := newSpyStore(t)
	require.NoError(t, st.Store.Set(context.Background(), "cities", node(
		"a", node("pop", 10),
		"b", node("pop", 500),
	)))
	c := newCache(t, st, documentMode)
	b := c.Bind("cities", Options{})

	col := newCollector()
	defer b.Subscribe(col.fn)()
	first := col.next(t).(value.List)
	assert.Len(t, first, 2)

	v, err := b.Query(context.Background(), Options{Where: []query.Filter{query.Where("pop", query.OpGt, 100)}})
	require.NoError(t, err)
	require.Len(t, v.(value.List), 1)
	assert.Equal(t, value.String("b"), v.(value.List)[0].(value.Node)["id"])

	col.until(t, value.List{node("pop", 500, "id", "b")})
	assert.Equal(t, int32(2), st.subscribes.Load())
	assert.Equal(t, 1, c.Stats().Remote)
}

func TestQuery_LaterBindingSharesRequeriedEntry(t *testing.T) {
	st := newSpyStore(t)
	ctx := context.Background()
	require.NoError(t, st.Store.Set(ctx, "cities", node(
		"a", node("pop", 10),
		"b", node("pop", 500),
	)))
	c := newCache(t, st, documentMode)
	b := c.Bind("cities", Options{})

	col := newCollector()
	defer b.Subscribe(col.fn)()
	col.next(t)

	big := Options{Where: []query.Filter{query.Where("pop", query.OpGt, 100)}}
	_, err := b.Query(ctx, big)
	require.NoError(t, err)

	same := c.Bind("cities", big)
	assert.Equal(t, handleKey(b), handleKey(same))

	sameCol := newCollector()
	defer same.Subscribe(sameCol.fn)()
	sameCol.until(t, value.List{node("pop", 500, "id", "b")})
	assert.Equal(t, int32(2), st.subscribes.Load(), "the requeried listener is reused")
	assert.Equal(t, 1, c.Stats().Remote)

	// The original shape is untouched by the swap.
	all, err := c.Bind("cities", Options{}).Read(ctx)
	require.NoError(t, err)
	assert.Len(t, all.(value.List), 2)
}

func TestQuery_UnsubscribeAfterSwap(t *testing.T) {
	st := newSpyStore(t)
	c := newCache(t, st, documentMode, func(c *Config) { c.GraceDelay = -1 })
	b := c.Bind("cities", Options{})

	col := newCollector()
	unsub := b.Subscribe(col.fn)
	col.next(t)

	_, err := b.Query(context.Background(), Options{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, 1, c.Stats().Subscribers)

	unsub()
	assert.Zero(t, c.Stats().Subscribers)
	assert.Zero(t, c.Stats().Remote)
}

func TestQuery_RejectsInvalid(t *testing.T) {
	st := newSpyStore(t)
	c := newCache(t, st)
	_, err := c.Bind("cities", Options{}).Query(context.Background(), Options{Limit: -3})
	require.Error(t, err)
}

func TestCache_EvictsIdleEntries(t *testing.T) {
	st := newSpyStore(t)
	c := newCache(t, st, func(c *Config) { c.MaxIdle = 1 })
	ctx := context.Background()

	_, err := c.Bind("a", Options{}).Read(ctx)
	require.NoError(t, err)
	_, err = c.Bind("b", Options{}).Read(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.Stats().Entries == 1 }, waitTimeout, 5*time.Millisecond)

	// Evicted handles rebuild their entry on demand.
	v, err := c.Bind("a", Options{}).Read(ctx)
	require.NoError(t, err)
	assert.True(t, value.IsNull(v))
}

func TestCache_CloseDetachesSubscribers(t *testing.T) {
	st := newSpyStore(t)
	c, err := New(Config{Store: st, GraceDelay: time.Hour})
	require.NoError(t, err)
	b := c.Bind("rooms/1", Options{})

	col := newCollector()
	b.Subscribe(col.fn)
	col.next(t)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return st.Store.Watchers() == 0 }, waitTimeout, 10*time.Millisecond)

	require.ErrorIs(t, b.Set(node("n", 1)), ErrClosed)
	require.NoError(t, st.Store.Set(context.Background(), "rooms/1", node("n", 1)))
	col.none(t, 50*time.Millisecond)
}

func TestAll_EmitsOnceEveryBindingLoaded(t *testing.T) {
	st := newSpyStore(t)
	ctx := context.Background()
	require.NoError(t, st.Store.Set(ctx, "a", value.Int(1)))
	c := newCache(t, st)

	out := make(chan []value.Value, 16)
	unsub := All(c.Bind("a", Options{}), c.Bind("b", Options{StartWith: value.String("none")})).
		Subscribe(func(vs []value.Value) { out <- vs })
	defer unsub()

	deadline := time.After(waitTimeout)
	for {
		select {
		case vs := <-out:
			require.Len(t, vs, 2)
			for _, v := range vs {
				require.True(t, value.IsLoaded(v))
			}
			if value.Equal(vs[0], value.Int(1)) && value.Equal(vs[1], value.String("none")) {
				unsub()
				unsub()
				return
			}
		case <-deadline:
			t.Fatal("combined value never arrived")
		}
	}
}
