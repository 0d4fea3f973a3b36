package main

import (
	"context"
	"math/rand"

	"golang.org/x/sync/errgroup"
)

// Batch is a slice of a Dataset in iteration order. Offset is the position
// of its first example within the epoch, so consecutive batches cover
// disjoint ranges [Offset, Offset+Size()).
type Batch struct {
	Index  int
	Offset int
	Inputs [][]int
	Labels []*Tensor
}

func (b Batch) Size() int {
	return len(b.Inputs)
}

type LoaderOptions struct {
	BatchSize  int
	Shuffle    bool
	NumWorkers int
}

// DataLoader iterates a Dataset in batches. With NumWorkers > 0, up to
// that many batches are assembled ahead of the consumer. Batches are
// always delivered in order.
type DataLoader struct {
	ds   *Dataset
	opts LoaderOptions
	rng  *rand.Rand
}

func NewDataLoader(ds *Dataset, opts LoaderOptions, rng *rand.Rand) *DataLoader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	return &DataLoader{ds: ds, opts: opts, rng: rng}
}

func (l *DataLoader) NumBatches() int {
	return (l.ds.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Each calls fn for every batch of one epoch. It stops at the first error
// returned by fn or when ctx is done.
func (l *DataLoader) Each(ctx context.Context, fn func(Batch) error) error {
	order := l.order()
	n := l.NumBatches()

	if l.opts.NumWorkers <= 0 {
		for b := range n {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(l.assemble(order, b)); err != nil {
				return err
			}
		}
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ready := make([]chan Batch, n)
	for b := range ready {
		ready[b] = make(chan Batch, 1)
	}
	ahead := make(chan struct{}, l.opts.NumWorkers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.NumWorkers + 1)
	g.Go(func() error {
		for b := range n {
			select {
			case ahead <- struct{}{}:
			case <-gctx.Done():
				return nil
			}
			g.Go(func() error {
				ready[b] <- l.assemble(order, b)
				return nil
			})
		}
		return nil
	})

	err := func() error {
		for b := range n {
			if err := ctx.Err(); err != nil {
				return err
			}

			var batch Batch
			select {
			case batch = <-ready[b]:
			case <-ctx.Done():
				return ctx.Err()
			}
			<-ahead

			if err := fn(batch); err != nil {
				return err
			}
		}
		return nil
	}()

	cancel()
	g.Wait()
	return err
}

func (l *DataLoader) order() []int {
	if l.opts.Shuffle {
		return l.rng.Perm(l.ds.Len())
	}
	order := make([]int, l.ds.Len())
	for i := range order {
		order[i] = i
	}
	return order
}

func (l *DataLoader) assemble(order []int, b int) Batch {
	from := b * l.opts.BatchSize
	to := min(from+l.opts.BatchSize, len(order))
	idx := order[from:to]

	batch := Batch{
		Index:  b,
		Offset: from,
		Inputs: make([][]int, len(idx)),
		Labels: make([]*Tensor, len(l.ds.Labels)),
	}
	for i, j := range idx {
		batch.Inputs[i] = l.ds.Inputs[j]
	}
	for t, labels := range l.ds.Labels {
		batch.Labels[t] = gatherRows(labels, idx)
	}
	return batch
}

// gatherRows copies the given rows of t into a new tensor.
func gatherRows(t *Tensor, rows []int) *Tensor {
	shape := t.Shape()
	shape[0] = len(rows)
	out := NewTensor(shape...)

	n := t.rowSize()
	for i, r := range rows {
		copy(out.data[i*n:(i+1)*n], t.data[r*n:(r+1)*n])
	}
	return out
}
