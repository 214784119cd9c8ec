package eventtype

import (
	"context"
	"encoding/binary"
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northstack/eventflow/catchup"
	"github.com/northstack/eventflow/pkg/errors"
	"github.com/northstack/eventflow/schema"
	"github.com/northstack/eventflow/topic"
	"github.com/northstack/eventflow/topic/memlog"
)

var topicNamePattern = regexp.MustCompile(`^([A-Za-z]+-)+[0-9a-f]{40}$`)

func registeredSchema() *schema.RecordSchema {
	return schema.Record(
		schema.Field{Name: "id", Schema: schema.String},
		schema.Field{Name: "title", Schema: schema.String},
	)
}

func fastCatchUp() catchup.Options {
	return catchup.Options{
		CatchUpIdle:         60 * time.Millisecond,
		ProgressLogInterval: time.Hour,
	}
}

func TestTopicNameStability(t *testing.T) {
	a := New("Registered", registeredSchema())
	b := New("Registered", registeredSchema())
	assert.Equal(t, a.TopicName(), b.TopicName())
	assert.True(t, topicNamePattern.MatchString(a.TopicName()), a.TopicName())
}

func TestTopicNameDistinctness(t *testing.T) {
	base := New("Registered", registeredSchema())

	t.Run("schema change", func(t *testing.T) {
		other := New("Registered", schema.Record(
			schema.Field{Name: "id", Schema: schema.String},
		))
		assert.NotEqual(t, base.TopicName(), other.TopicName())
	})

	t.Run("nonce change", func(t *testing.T) {
		other := New("Registered", registeredSchema(), WithNonce(1))
		assert.NotEqual(t, base.TopicName(), other.TopicName())
	})

	t.Run("name change", func(t *testing.T) {
		other := New("Renamed", registeredSchema())
		assert.NotEqual(t, base.TopicName(), other.TopicName())
	})
}

func TestAggregateTopicNamePrefix(t *testing.T) {
	et := New("UserRegistered", schema.Record(
		schema.Field{Name: "id", Schema: schema.String},
		schema.Field{Name: "email", Schema: schema.String},
	))
	bound, err := et.WithAggregate(&Aggregate{Name: "User"})
	require.NoError(t, err)

	assert.Regexp(t, `^User-UserRegistered-[0-9a-f]{40}$`, bound.TopicName())
	assert.NotEqual(t, et.TopicName(), bound.TopicName())
}

func TestWithAggregateRequiresRecordWithID(t *testing.T) {
	t.Run("non record", func(t *testing.T) {
		_, err := New("Counted", schema.Number).WithAggregate(&Aggregate{Name: "A"})
		assert.True(t, errors.IsSchemaViolation(err))
	})

	t.Run("record without id", func(t *testing.T) {
		_, err := New("Titled", schema.Record(
			schema.Field{Name: "title", Schema: schema.String},
		)).WithAggregate(&Aggregate{Name: "A"})
		assert.True(t, errors.IsSchemaViolation(err))
	})
}

func TestFilterBumpsNonceOnUnchangedSchema(t *testing.T) {
	base := New("Numbered", schema.Record(
		schema.Field{Name: "n", Schema: schema.Number},
	))
	filtered := base.Filter(func(v interface{}) bool {
		n, _ := schema.AsNumber(v.(map[string]interface{})["n"])
		return int(n)%2 == 0
	})

	assert.Equal(t, base.Schema().String(), filtered.Schema().String())
	assert.NotEqual(t, base.TopicName(), filtered.TopicName())
	assert.Equal(t, base.Nonce()+1, filtered.Nonce())
}

func TestAddFieldsMergesSchema(t *testing.T) {
	base := New("Registered", registeredSchema())
	extended, err := base.AddFields([]NewField{{
		Name:   "titleLen",
		Schema: schema.Number,
		Compute: func(old map[string]interface{}) interface{} {
			return len(old["title"].(string))
		},
	}})
	require.NoError(t, err)

	assert.Equal(t,
		"{\n  id: String\n  title: String\n  titleLen: Number\n}",
		extended.Schema().String())
	assert.NotEqual(t, base.TopicName(), extended.TopicName())
	assert.Len(t, extended.Migrators(), 1)
	// the source type is untouched
	assert.Empty(t, base.Migrators())
}

func TestAddFieldsRejectsNonRecord(t *testing.T) {
	_, err := New("Counted", schema.Number).AddFields([]NewField{{
		Name: "x", Schema: schema.String,
		Compute: func(map[string]interface{}) interface{} { return "" },
	}})
	assert.True(t, errors.IsSchemaViolation(err))
}

func TestRemoveAndOptionalFields(t *testing.T) {
	base := New("Registered", registeredSchema())

	stripped, err := base.RemoveFields([]string{"title"})
	require.NoError(t, err)
	assert.Equal(t, "{\n  id: String\n}", stripped.Schema().String())

	relaxed, err := base.TurnFieldsOptional([]string{"title"})
	require.NoError(t, err)
	assert.Equal(t, "{\n  id: String\n  title: String?\n}", relaxed.Schema().String())
}

func TestOperatorChainSharesPrefix(t *testing.T) {
	base := New("Registered", registeredSchema())
	step1, err := base.TurnFieldsOptional([]string{"title"})
	require.NoError(t, err)
	step2, err := step1.RemoveFields([]string{"title"})
	require.NoError(t, err)

	require.Len(t, step2.Migrators(), 2)
	assert.Same(t, step1.Migrators()[0], step2.Migrators()[0])
}

func TestProduceValidatesSchema(t *testing.T) {
	ctx := context.Background()
	factory := memlog.NewFactory()
	et := New("Registered", registeredSchema())

	producer, err := et.Producer(ctx, factory, ProducerOptions{CatchUp: fastCatchUp()})
	require.NoError(t, err)
	defer producer.Close()

	err = producer.Produce(ctx, map[string]interface{}{"id": "a"})
	assert.True(t, errors.IsSchemaViolation(err))

	err = producer.Produce(ctx, map[string]interface{}{"id": "a", "title": "A"})
	assert.NoError(t, err)
}

func TestStringKeyDerivation(t *testing.T) {
	ctx := context.Background()
	factory := memlog.NewFactory()
	et := New("Registered", registeredSchema())

	producer, err := et.Producer(ctx, factory, ProducerOptions{CatchUp: fastCatchUp()})
	require.NoError(t, err)
	defer producer.Close()
	require.NoError(t, producer.Produce(ctx, map[string]interface{}{"id": "u1", "title": "A"}))

	key := rawKey(t, factory, et.TopicName())
	assert.Equal(t, []byte("u1"), key)
}

func TestNumberKeyDerivation(t *testing.T) {
	ctx := context.Background()
	factory := memlog.NewFactory()
	et := New("Counted", schema.Record(
		schema.Field{Name: "id", Schema: schema.Number},
	))

	producer, err := et.Producer(ctx, factory, ProducerOptions{CatchUp: fastCatchUp()})
	require.NoError(t, err)
	defer producer.Close()
	require.NoError(t, producer.Produce(ctx, map[string]interface{}{"id": 7}))

	want := make([]byte, 8)
	binary.LittleEndian.PutUint64(want, math.Float64bits(7))
	assert.Equal(t, want, rawKey(t, factory, et.TopicName()))
}

func TestExplicitKeyOutsideAggregate(t *testing.T) {
	ctx := context.Background()
	factory := memlog.NewFactory()
	et := New("Registered", registeredSchema())

	producer, err := et.Producer(ctx, factory, ProducerOptions{CatchUp: fastCatchUp()})
	require.NoError(t, err)
	defer producer.Close()
	require.NoError(t, producer.ProduceKeyed(ctx, map[string]interface{}{"id": "u1", "title": "A"}, []byte("explicit")))

	assert.Equal(t, []byte("explicit"), rawKey(t, factory, et.TopicName()))
}

func TestAggregateRejectsExplicitKey(t *testing.T) {
	ctx := context.Background()
	factory := memlog.NewFactory()
	et := New("UserRegistered", schema.Record(
		schema.Field{Name: "id", Schema: schema.String},
	))
	bound, err := et.WithAggregate(&Aggregate{Name: "User"})
	require.NoError(t, err)

	producer, err := bound.Producer(ctx, factory, ProducerOptions{CatchUp: fastCatchUp()})
	require.NoError(t, err)
	defer producer.Close()

	err = producer.ProduceKeyed(ctx, map[string]interface{}{"id": "u1"}, []byte("explicit"))
	assert.Equal(t, errors.CodeAggregateKeyConflict, errors.CodeOf(err))
}

func TestAggregateRequiresDerivableKey(t *testing.T) {
	ctx := context.Background()
	factory := memlog.NewFactory()
	et := New("UserRegistered", schema.Record(
		schema.Field{Name: "id", Schema: schema.Optional(schema.String)},
	))
	bound, err := et.WithAggregate(&Aggregate{Name: "User"})
	require.NoError(t, err)

	producer, err := bound.Producer(ctx, factory, ProducerOptions{CatchUp: fastCatchUp()})
	require.NoError(t, err)
	defer producer.Close()

	err = producer.Produce(ctx, map[string]interface{}{})
	assert.Equal(t, errors.CodeMissingAggregateKey, errors.CodeOf(err))

	assert.NoError(t, producer.Produce(ctx, map[string]interface{}{"id": "u1"}))
	assert.Equal(t, []byte("u1"), rawKey(t, factory, bound.TopicName()))
}

func TestConsumerDeliversTypedEvents(t *testing.T) {
	ctx := context.Background()
	factory := memlog.NewFactory()
	et := New("Registered", registeredSchema())

	producer, err := et.Producer(ctx, factory, ProducerOptions{CatchUp: fastCatchUp()})
	require.NoError(t, err)
	defer producer.Close()

	before := time.Now()
	require.NoError(t, producer.Produce(ctx, map[string]interface{}{"id": "a", "title": "A"}))

	consumer, err := et.Consumer(ctx, factory, topic.AnonymousGroup(topic.StartFromBeginning), ConsumerOptions{CatchUp: fastCatchUp()})
	require.NoError(t, err)
	defer consumer.Close()

	envelope, err := consumer.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, envelope)

	message := envelope.Event().Message.(map[string]interface{})
	assert.Equal(t, "a", message["id"])
	assert.Equal(t, "A", message["title"])
	assert.False(t, envelope.Event().Timestamp.Before(before.Truncate(time.Millisecond)))
	require.NoError(t, envelope.Ack(ctx))
}

// rawKey reads the partition key of the first event on the topic
func rawKey(t *testing.T, factory topic.Factory, name string) []byte {
	t.Helper()
	ctx := context.Background()
	tp, err := factory.Make(ctx, name)
	require.NoError(t, err)
	consumer, err := tp.Consumer(ctx, topic.AnonymousGroup(topic.StartFromBeginning))
	require.NoError(t, err)
	defer consumer.Close()
	envelope, err := consumer.Consume(ctx)
	require.NoError(t, err)
	require.NotNil(t, envelope)
	defer envelope.Ack(ctx)
	return envelope.Key()
}
