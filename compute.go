package main

import (
	"fmt"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Matrix multiplies go through gonum's BLAS (blas64.Gemm). Transposed
// operands are handled by the BLAS transpose flags instead of copying, so
// Linear layers can keep PyTorch's (out, in) weight layout.
//
// ComputeConfig adds a coarse layer of parallelism on top: large products
// are split by rows of A across worker goroutines, and independent
// per-example work (evaluation forward passes) can be fanned out with
// ParallelFor. Training stays sequential per batch; only read-only work
// runs concurrently.
//
// ===========================================================================

// ComputeConfig controls parallelization behavior for tensor operations.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution of tensor operations.
	Parallel bool

	// NumWorkers specifies the number of worker goroutines to use.
	// If 0, defaults to runtime.NumCPU().
	NumWorkers int

	// MinSizeForParallel specifies the minimum number of output rows
	// before a matrix multiply is split across workers.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a parallel configuration using all CPUs.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0,
		MinSizeForParallel: 64,
	}
}

// SingleThreadedConfig returns a configuration that never spawns goroutines.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{Parallel: false}
}

var globalComputeConfig = DefaultComputeConfig()

// SetComputeConfig replaces the configuration used by MatMul and friends.
// It must not be called while tensor operations are running.
func SetComputeConfig(cfg ComputeConfig) {
	globalComputeConfig = cfg
}

func (c ComputeConfig) workers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

func general(t *Tensor) blas64.General {
	return blas64.General{
		Rows:   t.shape[0],
		Cols:   t.shape[1],
		Stride: t.shape[1],
		Data:   t.data,
	}
}

func transposeFlag(trans bool) blas.Transpose {
	if trans {
		return blas.Trans
	}
	return blas.NoTrans
}

// gemm computes op(A) @ op(B) where op optionally transposes its operand.
func gemm(transA, transB bool, a, b *Tensor, cfg ComputeConfig) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic(fmt.Sprintf("tensor: matmul requires 2D tensors, got %v and %v", a.shape, b.shape))
	}

	m, k := a.shape[0], a.shape[1]
	if transA {
		m, k = k, m
	}
	kb, n := b.shape[0], b.shape[1]
	if transB {
		kb, n = n, kb
	}
	if k != kb {
		panic(fmt.Sprintf("tensor: cannot multiply %v and %v (transA=%t, transB=%t)", a.shape, b.shape, transA, transB))
	}

	out := NewTensor(m, n)
	ga, gb, gc := general(a), general(b), general(out)
	tA, tB := transposeFlag(transA), transposeFlag(transB)

	workers := cfg.workers()
	if workers < 2 || transA || m < cfg.MinSizeForParallel {
		blas64.Gemm(tA, tB, 1, ga, gb, 0, gc)
		return out
	}

	// Split rows of A (and C) across workers
	rowsPerWorker := (m + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < m; start += rowsPerWorker {
		end := min(start+rowsPerWorker, m)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			subA := blas64.General{Rows: end - start, Cols: ga.Cols, Stride: ga.Stride, Data: ga.Data[start*ga.Stride : end*ga.Stride]}
			subC := blas64.General{Rows: end - start, Cols: gc.Cols, Stride: gc.Stride, Data: gc.Data[start*gc.Stride : end*gc.Stride]}
			blas64.Gemm(tA, tB, 1, subA, gb, 0, subC)
		}(start, end)
	}
	wg.Wait()

	return out
}

// ParallelFor calls fn for every i in [0, n), spreading the calls over the
// configured number of workers. fn must be safe to call concurrently for
// distinct i.
func ParallelFor(n int, cfg ComputeConfig, fn func(i int)) {
	workers := min(cfg.workers(), n)
	if workers < 2 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	next := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				fn(i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		next <- i
	}
	close(next)
	wg.Wait()
}
