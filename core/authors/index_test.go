package authors

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adzialocha/meshpit/core/topic"
	"github.com/adzialocha/meshpit/crypto"
)

func newPublicKey(t *testing.T) crypto.PublicKey {
	t.Helper()
	key, err := crypto.NewPrivateKey()
	require.NoError(t, err)
	return key.PublicKey()
}

func TestRecordIsIdempotent(t *testing.T) {
	index := NewIndex()
	tp := topic.New("icecream")
	pk := newPublicKey(t)

	assert.True(t, index.Record(tp, pk))
	assert.False(t, index.Record(tp, pk))
	assert.False(t, index.Record(tp, pk))

	authors, ok := index.Lookup(tp)
	require.True(t, ok)
	assert.Len(t, authors, 1)
	assert.Contains(t, authors, pk)
}

func TestLookupUnknownTopic(t *testing.T) {
	index := NewIndex()

	_, ok := index.Lookup(topic.New("icecream"))
	assert.False(t, ok)

	_, ok = index.TopicLogMap(topic.New("icecream"))
	assert.False(t, ok)
}

func TestLookupReturnsCopy(t *testing.T) {
	index := NewIndex()
	tp := topic.New("icecream")
	index.Record(tp, newPublicKey(t))

	authors, _ := index.Lookup(tp)
	authors[newPublicKey(t)] = struct{}{}

	again, _ := index.Lookup(tp)
	assert.Len(t, again, 1)
}

func TestTopicLogMap(t *testing.T) {
	index := NewIndex()
	tp := topic.New("icecream")
	a, b := newPublicKey(t), newPublicKey(t)
	index.Record(tp, a)
	index.Record(tp, b)
	index.Record(topic.New("pizza"), a)

	logs, ok := index.TopicLogMap(tp)
	require.True(t, ok)
	require.Len(t, logs, 2)
	assert.Equal(t, []topic.LogID{tp.LogID()}, logs[a])
	assert.Equal(t, []topic.LogID{tp.LogID()}, logs[b])

	assert.ElementsMatch(t, []topic.Topic{tp, topic.New("pizza")}, index.Topics())
}

func TestConcurrentRecord(t *testing.T) {
	index := NewIndex()
	tp := topic.New("icecream")

	keys := make([]crypto.PublicKey, 16)
	for i := range keys {
		keys[i] = newPublicKey(t)
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, pk := range keys {
				index.Record(tp, pk)
				index.Lookup(tp)
			}
		}()
	}
	wg.Wait()

	authors, ok := index.Lookup(tp)
	require.True(t, ok)
	assert.Len(t, authors, len(keys))
}
