package events

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	owner := stubOwner{id: "srv1"}
	for _, data := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(New(KindLog, owner, nil, data)))
	}
	assert.Equal(t, 3, q.Len())

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		e, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, e.Data)
	}
	assert.Zero(t, q.Len())
}

func TestQueueConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	const producers, perProducer = 4, 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		owner := stubOwner{id: string(rune('A' + p))}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, q.Enqueue(New(KindLog, owner, nil, strconv.Itoa(i))))
			}
		}()
	}
	wg.Wait()

	next := map[string]int{}
	ctx := context.Background()
	for i := 0; i < producers*perProducer; i++ {
		e, err := q.Dequeue(ctx)
		require.NoError(t, err)
		seq, err := strconv.Atoi(e.Data)
		require.NoError(t, err)
		assert.Equal(t, next[e.ServerID()], seq, "producer %s out of order", e.ServerID())
		next[e.ServerID()] = seq + 1
	}
	require.Len(t, next, producers)
	for _, count := range next {
		assert.Equal(t, perProducer, count)
	}
}

func TestQueueDequeueSuspendsUntilEnqueue(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	got := make(chan *GameEvent, 1)
	go func() {
		e, err := q.Dequeue(context.Background())
		if err == nil {
			got <- e
		}
	}()

	select {
	case <-got:
		t.Fatal("dequeue returned on an empty queue")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, q.Enqueue(New(KindChat, stubOwner{id: "srv1"}, nil, "late")))
	select {
	case e := <-got:
		assert.Equal(t, "late", e.Data)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestQueueCancellationAndClose(t *testing.T) {
	t.Parallel()

	t.Run("context cancel unblocks dequeue", func(t *testing.T) {
		t.Parallel()
		q := NewQueue(0)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := q.Dequeue(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("closed queue rejects and drains", func(t *testing.T) {
		t.Parallel()
		q := NewQueue(0)
		require.NoError(t, q.Enqueue(New(KindLog, stubOwner{id: "srv1"}, nil, "kept")))
		q.Close()

		assert.ErrorIs(t, q.Enqueue(New(KindLog, stubOwner{id: "srv1"}, nil, "late")), ErrQueueClosed)

		e, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "kept", e.Data)

		_, err = q.Dequeue(context.Background())
		assert.ErrorIs(t, err, ErrQueueClosed)
	})

	t.Run("drain returns leftovers", func(t *testing.T) {
		t.Parallel()
		q := NewQueue(1)
		require.NoError(t, q.Enqueue(New(KindLog, stubOwner{id: "srv1"}, nil, "x")))
		require.NoError(t, q.Enqueue(New(KindLog, stubOwner{id: "srv1"}, nil, "y")))
		left := q.Drain()
		require.Len(t, left, 2)
		assert.Zero(t, q.Len())
	})
}

func TestGameEventCompletion(t *testing.T) {
	t.Parallel()

	e := New(KindCommand, stubOwner{id: "srv1"}, nil, "!help")
	assert.True(t, e.Origin.IsSystem())
	assert.Equal(t, "srv1", e.ServerID())

	err := e.WaitTimeout(20 * time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	e.Reply("line one")
	e.Complete(nil)
	e.Complete(assert.AnError)
	assert.NoError(t, e.WaitTimeout(time.Second), "only the first completion counts")
	assert.Equal(t, []string{"line one"}, e.Output())

	rec := e.Record()
	assert.Equal(t, "srv1", rec.Server)
	assert.Equal(t, KindCommand, rec.Kind)
}

func TestKindAndLevelNames(t *testing.T) {
	t.Parallel()

	k, err := ParseKind("Disconnect")
	require.NoError(t, err)
	assert.Equal(t, KindDisconnect, k)
	_, err = ParseKind("nope")
	assert.Error(t, err)

	l, err := ParseLevel("Moderator")
	require.NoError(t, err)
	assert.Equal(t, LevelModerator, l)
	assert.True(t, LevelConsole > LevelOwner)

	c := Client{Name: " Player1 "}
	assert.Equal(t, "player1", c.Key())
	assert.Equal(t, "name:player1", c.Identity())
	c.NetworkID = "abc"
	assert.Equal(t, "abc", c.Identity())
}

func TestRecordJSONRoundTrip(t *testing.T) {
	t.Parallel()

	e := New(KindKill, nil, &Client{ClientNum: 3, Name: "Alice", Level: LevelTrusted}, "headshot")
	e.Target = &Client{ClientNum: 4, Name: "Bob"}

	data, err := json.Marshal(e.Record())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"kill"`)

	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, KindKill, rec.Kind)
	assert.Equal(t, LevelTrusted, rec.Origin.Level)
	assert.Equal(t, "Bob", rec.Target.Name)

	var k Kind
	assert.Error(t, json.Unmarshal([]byte(`"teleport"`), &k))
}
