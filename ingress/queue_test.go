package ingress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bes-go/bes-transport/record"
)

func TestPendingSendFIFOOrder(t *testing.T) {
	q := NewPendingSend()
	for i := int64(1); i <= 5; i++ {
		q.Push(record.NewRecord(i, time.Now(), nil, nil))
	}
	for i := int64(1); i <= 5; i++ {
		r, ok := q.Pop(context.Background())
		require.True(t, ok)
		assert.Equal(t, i, r.SequenceNumber())
	}
}

func TestPendingSendBlocksUntilPush(t *testing.T) {
	q := NewPendingSend()
	var wg sync.WaitGroup
	wg.Add(1)
	var got *record.Record
	go func() {
		defer wg.Done()
		r, ok := q.Pop(context.Background())
		if ok {
			got = r
		}
	}()
	time.Sleep(20 * time.Millisecond)
	q.Push(record.NewRecord(1, time.Now(), nil, nil))
	wg.Wait()
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.SequenceNumber())
}

func TestPendingSendCloseDrainsThenStops(t *testing.T) {
	q := NewPendingSend()
	q.Push(record.NewRecord(1, time.Now(), nil, nil))
	q.Close()

	r, ok := q.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, int64(1), r.SequenceNumber())

	_, ok = q.Pop(context.Background())
	assert.False(t, ok)
}

func TestPendingSendPopRespectsContext(t *testing.T) {
	q := NewPendingSend()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok := q.Pop(ctx)
	assert.False(t, ok)
}

func TestPendingSendPrependAllPreservesOrder(t *testing.T) {
	q := NewPendingSend()
	q.Push(record.NewRecord(10, time.Now(), nil, nil))

	replay := []*record.Record{
		record.NewRecord(1, time.Now(), nil, nil),
		record.NewRecord(2, time.Now(), nil, nil),
		record.NewRecord(3, time.Now(), nil, nil),
	}
	q.PrependAll(replay)

	var got []int64
	for i := 0; i < 4; i++ {
		r, ok := q.Pop(context.Background())
		require.True(t, ok)
		got = append(got, r.SequenceNumber())
	}
	assert.Equal(t, []int64{1, 2, 3, 10}, got)
}

func TestPendingAckHeadOrderEnforced(t *testing.T) {
	p := NewPendingAck()
	p.Append(record.NewRecord(1, time.Now(), nil, nil))
	p.Append(record.NewRecord(2, time.Now(), nil, nil))

	err := p.AckHead(2)
	var ooo *OutOfOrderError
	require.ErrorAs(t, err, &ooo)
	assert.Equal(t, int64(2), ooo.Got)
	assert.Equal(t, int64(1), ooo.Want)

	require.NoError(t, p.AckHead(1))
	require.NoError(t, p.AckHead(2))
	assert.Equal(t, 0, p.Len())
}

func TestPendingAckHeadOnEmptyDeque(t *testing.T) {
	p := NewPendingAck()
	err := p.AckHead(1)
	var ooo *OutOfOrderError
	require.ErrorAs(t, err, &ooo)
	assert.True(t, ooo.Empty)
}

func TestPendingAckDrainReturnsInOrder(t *testing.T) {
	p := NewPendingAck()
	for i := int64(1); i <= 3; i++ {
		p.Append(record.NewRecord(i, time.Now(), nil, nil))
	}
	drained := p.Drain()
	require.Len(t, drained, 3)
	for i, r := range drained {
		assert.Equal(t, int64(i+1), r.SequenceNumber())
	}
	assert.Equal(t, 0, p.Len())
}
