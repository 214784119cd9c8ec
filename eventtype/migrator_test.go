package eventtype

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northstack/eventflow/catchup"
	"github.com/northstack/eventflow/codec"
	"github.com/northstack/eventflow/schema"
	"github.com/northstack/eventflow/topic"
	"github.com/northstack/eventflow/topic/memlog"
)

// produceRaw appends an already-encoded event with a controlled
// timestamp, bypassing the typed producer.
func produceRaw(t *testing.T, factory topic.Factory, topicName string, tsMs int64, value interface{}, key []byte) {
	t.Helper()
	ctx := context.Background()
	tp, err := factory.Make(ctx, topicName)
	require.NoError(t, err)
	producer, err := tp.Producer(ctx)
	require.NoError(t, err)
	defer producer.Close()

	data, err := codec.JSON.Serialize(value)
	require.NoError(t, err)
	require.NoError(t, producer.Produce(ctx, topic.RawEvent{TimestampMs: tsMs, Message: data}, key))
}

func consumeAll(t *testing.T, et *Type, factory topic.Factory, n int) []*Envelope {
	t.Helper()
	ctx := context.Background()
	consumer, err := et.Consumer(ctx, factory, topic.AnonymousGroup(topic.StartFromBeginning), ConsumerOptions{CatchUp: fastCatchUp()})
	require.NoError(t, err)
	defer consumer.Close()

	out := make([]*Envelope, 0, n)
	for len(out) < n {
		envelope, err := consumer.Consume(ctx)
		require.NoError(t, err)
		require.NotNil(t, envelope)
		require.NoError(t, envelope.Ack(ctx))
		out = append(out, envelope)
	}
	return out
}

func TestAddFieldsMigratesHistory(t *testing.T) {
	ctx := context.Background()
	factory := memlog.NewFactory()

	registered := New("Registered", registeredSchema())
	produceRaw(t, factory, registered.TopicName(), 1000,
		map[string]interface{}{"id": "a", "title": "A"}, nil)
	produceRaw(t, factory, registered.TopicName(), 2000,
		map[string]interface{}{"id": "b", "title": "B"}, nil)

	extended, err := registered.AddFields([]NewField{{
		Name:   "titleLen",
		Schema: schema.Number,
		Compute: func(old map[string]interface{}) interface{} {
			return len(old["title"].(string))
		},
	}})
	require.NoError(t, err)

	// materializing the producer replicates the full history first
	extendedProducer, err := extended.Producer(ctx, factory, ProducerOptions{CatchUp: fastCatchUp()})
	require.NoError(t, err)
	defer extendedProducer.Close()
	require.NoError(t, extendedProducer.Produce(ctx, map[string]interface{}{
		"id": "c", "title": "CC", "titleLen": 2,
	}))

	envelopes := consumeAll(t, extended, factory, 3)
	titles := make([]string, 0, 3)
	lengths := make([]float64, 0, 3)
	for _, envelope := range envelopes {
		message := envelope.Event().Message.(map[string]interface{})
		titles = append(titles, message["title"].(string))
		n, ok := schema.AsNumber(message["titleLen"])
		require.True(t, ok)
		lengths = append(lengths, n)
	}
	assert.Equal(t, []string{"A", "B", "CC"}, titles)
	assert.Equal(t, []float64{1, 1, 2}, lengths)
}

func TestMigrationPreservesTimestampAndKey(t *testing.T) {
	ctx := context.Background()
	factory := memlog.NewFactory()

	source := New("Registered", registeredSchema())
	produceRaw(t, factory, source.TopicName(), 12345,
		map[string]interface{}{"id": "a", "title": "A"}, []byte("part"))

	derived, err := source.TurnFieldsOptional([]string{"title"})
	require.NoError(t, err)
	derivedProducer, err := derived.Producer(ctx, factory, ProducerOptions{CatchUp: fastCatchUp()})
	require.NoError(t, err)
	defer derivedProducer.Close()

	tp, err := factory.Make(ctx, derived.TopicName())
	require.NoError(t, err)
	consumer, err := tp.Consumer(ctx, topic.AnonymousGroup(topic.StartFromBeginning))
	require.NoError(t, err)
	defer consumer.Close()

	envelope, err := consumer.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, envelope)
	assert.Equal(t, int64(12345), envelope.Event().TimestampMs)
	assert.Equal(t, []byte("part"), envelope.Key())
}

func TestFlatMapOrderAndFanOut(t *testing.T) {
	ctx := context.Background()
	factory := memlog.NewFactory()

	source := New("Numbered", schema.Record(
		schema.Field{Name: "n", Schema: schema.Number},
	))
	for i := 1; i <= 2; i++ {
		produceRaw(t, factory, source.TopicName(), int64(i),
			map[string]interface{}{"n": i}, nil)
	}

	// each event fans out into itself and its double
	doubled := source.FlatMap(source.Schema(), func(value interface{}) []interface{} {
		n, _ := schema.AsNumber(value.(map[string]interface{})["n"])
		return []interface{}{
			map[string]interface{}{"n": n},
			map[string]interface{}{"n": n * 2},
		}
	})

	doubledProducer, err := doubled.Producer(ctx, factory, ProducerOptions{CatchUp: fastCatchUp()})
	require.NoError(t, err)
	defer doubledProducer.Close()

	envelopes := consumeAll(t, doubled, factory, 4)
	values := make([]float64, 0, 4)
	for _, envelope := range envelopes {
		n, _ := schema.AsNumber(envelope.Event().Message.(map[string]interface{})["n"])
		values = append(values, n)
	}
	assert.Equal(t, []float64{1, 2, 2, 4}, values)
}

func TestFilterDropsEvents(t *testing.T) {
	ctx := context.Background()
	factory := memlog.NewFactory()

	source := New("Numbered", schema.Record(
		schema.Field{Name: "n", Schema: schema.Number},
	))
	for i := 1; i <= 5; i++ {
		produceRaw(t, factory, source.TopicName(), int64(i),
			map[string]interface{}{"n": i}, nil)
	}

	evens := source.Filter(func(value interface{}) bool {
		n, _ := schema.AsNumber(value.(map[string]interface{})["n"])
		return int(n)%2 == 0
	})
	require.NotEqual(t, source.TopicName(), evens.TopicName())

	evensProducer, err := evens.Producer(ctx, factory, ProducerOptions{CatchUp: fastCatchUp()})
	require.NoError(t, err)
	defer evensProducer.Close()

	envelopes := consumeAll(t, evens, factory, 2)
	values := make([]float64, 0, 2)
	for _, envelope := range envelopes {
		n, _ := schema.AsNumber(envelope.Event().Message.(map[string]interface{})["n"])
		values = append(values, n)
	}
	assert.Equal(t, []float64{2, 4}, values)
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	factory := memlog.NewFactory()

	source := New("Registered", registeredSchema())
	derived, err := source.TurnFieldsOptional([]string{"title"})
	require.NoError(t, err)
	migrator := derived.Migrators()[0]

	opts := RunOptions{CatchUp: fastCatchUp()}
	first, err := migrator.Run(ctx, factory, opts)
	require.NoError(t, err)
	defer first.Close()
	second, err := migrator.Run(ctx, factory, opts)
	require.NoError(t, err)

	assert.Same(t, first, second)
}

func TestConcurrentRunReturnsSameMigration(t *testing.T) {
	ctx := context.Background()
	factory := memlog.NewFactory()

	source := New("Registered", registeredSchema())
	derived, err := source.TurnFieldsOptional([]string{"title"})
	require.NoError(t, err)
	migrator := derived.Migrators()[0]

	const workers = 8
	results := make([]*RunningMigration, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			running, err := migrator.Run(ctx, factory, RunOptions{CatchUp: fastCatchUp()})
			assert.NoError(t, err)
			results[i] = running
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Same(t, results[0], results[i])
	}
	results[0].Close()
}

func TestMigrationSharesConsumerGroupAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	factory := memlog.NewFactory()

	source := New("Registered", registeredSchema())
	produceRaw(t, factory, source.TopicName(), 1,
		map[string]interface{}{"id": "a", "title": "A"}, nil)

	makeDerived := func() *Type {
		derived, err := source.TurnFieldsOptional([]string{"title"})
		require.NoError(t, err)
		return derived
	}

	first := makeDerived()
	running, err := first.Migrators()[0].Run(ctx, factory, RunOptions{CatchUp: fastCatchUp()})
	require.NoError(t, err)
	require.NoError(t, running.AwaitReady(ctx))
	running.Close()

	// a second process (fresh migrator value) resumes the same group and
	// replicates nothing new
	second := makeDerived()
	running2, err := second.Migrators()[0].Run(ctx, factory, RunOptions{CatchUp: fastCatchUp()})
	require.NoError(t, err)
	require.NoError(t, running2.AwaitReady(ctx))
	running2.Close()

	count := 0
	tp, err := factory.Make(ctx, first.TopicName())
	require.NoError(t, err)
	consumer, err := tp.Consumer(ctx, topic.AnonymousGroup(topic.StartFromBeginning))
	require.NoError(t, err)
	defer consumer.Close()
	countCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	for {
		envelope, err := consumer.Consume(countCtx)
		require.NoError(t, err)
		if envelope == nil {
			break
		}
		envelope.Ack(ctx)
		count++
	}
	assert.Equal(t, 1, count)
}

func TestAwaitReadyUnblocksOnCancel(t *testing.T) {
	ctx := context.Background()
	factory := memlog.NewFactory()

	source := New("Registered", registeredSchema())
	derived, err := source.TurnFieldsOptional([]string{"title"})
	require.NoError(t, err)

	// an idle window this long never latches within the test
	running, err := derived.Migrators()[0].Run(ctx, factory, RunOptions{
		CatchUp: catchup.Options{CatchUpIdle: time.Hour, ProgressLogInterval: time.Hour},
	})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = running.AwaitReady(waitCtx)
	assert.Error(t, err)
	running.Close()
}
