package main

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingDataset has n examples whose input and label are the index.
func countingDataset(n int) *Dataset {
	ds := &Dataset{Split: "train", Inputs: make([][]int, n)}
	labels := NewTensor(n, 2)
	for i := range n {
		ds.Inputs[i] = []int{i}
		labels.data[2*i] = float64(i)
		labels.data[2*i+1] = float64(-i)
	}
	ds.Labels = []*Tensor{labels}
	return ds
}

func collect(t *testing.T, l *DataLoader) []Batch {
	t.Helper()
	var batches []Batch
	require.NoError(t, l.Each(context.Background(), func(b Batch) error {
		batches = append(batches, b)
		return nil
	}))
	return batches
}

func TestDataLoaderSequential(t *testing.T) {
	for _, workers := range []int{0, 1, 3} {
		l := NewDataLoader(countingDataset(7), LoaderOptions{BatchSize: 3, NumWorkers: workers}, nil)
		assert.Equal(t, 3, l.NumBatches())

		batches := collect(t, l)
		require.Len(t, batches, 3, "workers=%d", workers)

		seen := 0
		for b, batch := range batches {
			assert.Equal(t, b, batch.Index)
			assert.Equal(t, seen, batch.Offset)
			for i, ids := range batch.Inputs {
				assert.Equal(t, []int{seen + i}, ids)
				assert.Equal(t, float64(seen+i), batch.Labels[0].At(i, 0))
				assert.Equal(t, float64(-(seen + i)), batch.Labels[0].At(i, 1))
			}
			seen += batch.Size()
		}
		assert.Equal(t, 7, seen)
		assert.Equal(t, 1, batches[2].Size())
	}
}

func TestDataLoaderShuffle(t *testing.T) {
	ds := countingDataset(10)

	epoch := func(workers int, seed int64) []int {
		l := NewDataLoader(ds, LoaderOptions{BatchSize: 4, Shuffle: true, NumWorkers: workers}, rand.New(rand.NewSource(seed)))
		var order []int
		for _, b := range collect(t, l) {
			for i, ids := range b.Inputs {
				order = append(order, ids[0])
				// Labels travel with their inputs
				assert.Equal(t, float64(ids[0]), b.Labels[0].At(i, 0))
			}
		}
		return order
	}

	a := epoch(0, 7)
	assert.Equal(t, a, epoch(2, 7), "prefetching changes the order")

	sorted := append([]int(nil), a...)
	sort.Ints(sorted)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, sorted)
}

func TestDataLoaderStops(t *testing.T) {
	errStop := errors.New("stop")

	for _, workers := range []int{0, 2} {
		l := NewDataLoader(countingDataset(20), LoaderOptions{BatchSize: 2, NumWorkers: workers}, nil)

		calls := 0
		err := l.Each(context.Background(), func(Batch) error {
			calls++
			if calls == 3 {
				return errStop
			}
			return nil
		})
		assert.ErrorIs(t, err, errStop)
		assert.Equal(t, 3, calls)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err = l.Each(ctx, func(Batch) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	}
}
