package main

import (
	"fmt"
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Task heads on top of the shared encoder. Every head has the same body:
//
//   pooled = tanh(Dense_H→H(x))      x = position 0, or every position
//   logits = Dense_H→out(Dropout(pooled))
//
// and differs only in how logits are shaped and turned into predictions:
//
//   BinaryHead      (B) or (B, C) for multi-label, (B, L) token-level
//                   prediction: logit ≥ 0
//   MulticlassHead  (B, K), or (B, L, K) token-level
//                   prediction: argmax over K
//
// HeadOptions is everything needed to rebuild a head for inference; it is
// written next to the head's parameters in a checkpoint.
//
// ===========================================================================

// HeadOptions describes the shape and provenance of a task head.
type HeadOptions struct {
	Kind        HeadKind `cbor:"kind"`
	Task        string   `cbor:"task"`
	HiddenSize  int      `cbor:"hidden_size"`
	NumOutputs  int      `cbor:"num_outputs"`
	TokenLevel  bool     `cbor:"token_level"`
	TaskType    TaskType `cbor:"task_type"`
	DropoutProb float64  `cbor:"dropout_prob"`
	Labels      []string `cbor:"labels,omitempty"`
}

// Head is a trainable classifier over encoder hidden states.
type Head interface {
	Options() HeadOptions

	// Forward maps one (seqLen, hidden) tensor per example to batch logits.
	Forward(hidden []*Tensor, train bool, rng *rand.Rand) (*Tensor, *HeadCache)

	// Backward accumulates parameter gradients and returns ∂L/∂hidden per
	// example.
	Backward(gradLogits *Tensor, cache *HeadCache) []*Tensor

	// Predict converts logits into class predictions, one per label.
	Predict(logits *Tensor) *Tensor

	NamedParameters() []NamedTensor
}

// NewHead creates a randomly initialized head of the given kind.
func NewHead(opts HeadOptions, rng *rand.Rand) (Head, error) {
	if opts.HiddenSize <= 0 || opts.NumOutputs <= 0 {
		return nil, fmt.Errorf("%w: head %s with hidden %d and %d outputs", ErrInvalidShape, opts.Task, opts.HiddenSize, opts.NumOutputs)
	}

	c := &classifier{
		opts:   opts,
		pooler: NewLinear(rng, opts.HiddenSize, opts.HiddenSize),
		out:    NewLinear(rng, opts.HiddenSize, opts.NumOutputs),
	}

	switch opts.Kind {
	case BinaryHeadKind:
		return &BinaryHead{c}, nil
	case MulticlassHeadKind:
		return &MulticlassHead{c}, nil
	default:
		return nil, fmt.Errorf("%w: unknown head kind %q", ErrUnsupportedTask, opts.Kind)
	}
}

// HeadCache keeps the activations of one head forward pass.
type HeadCache struct {
	batch, rows, seqLen int

	x       *Tensor // (batch·rows, hidden)
	pooled  *Tensor
	dropped *Tensor
	mask    []float64
}

type classifier struct {
	opts   HeadOptions
	pooler *Linear
	out    *Linear
}

func (c *classifier) Options() HeadOptions {
	return c.opts
}

func (c *classifier) NamedParameters() []NamedTensor {
	params := c.pooler.namedParameters("pooler.dense")
	return append(params, c.out.namedParameters("classifier")...)
}

func (c *classifier) forward(hidden []*Tensor, train bool, rng *rand.Rand) (*Tensor, *HeadCache) {
	if len(hidden) == 0 {
		panic("classifier: empty batch")
	}

	seqLen, h := hidden[0].shape[0], c.opts.HiddenSize
	rows := 1
	if c.opts.TokenLevel {
		rows = seqLen
	}

	x := NewTensor(len(hidden)*rows, h)
	for i, states := range hidden {
		if !shapeEqual(states.shape, []int{seqLen, h}) {
			panic(fmt.Sprintf("classifier: hidden states %v, expected [%d %d]", states.shape, seqLen, h))
		}
		copy(x.data[i*rows*h:(i+1)*rows*h], states.data[:rows*h])
	}

	cache := &HeadCache{batch: len(hidden), rows: rows, seqLen: seqLen, x: x}
	cache.pooled = Tanh(c.pooler.Forward(x))
	cache.dropped, cache.mask = dropoutIf(train, cache.pooled, c.opts.DropoutProb, rng)

	return c.out.Forward(cache.dropped), cache
}

func (c *classifier) Backward(gradLogits *Tensor, cache *HeadCache) []*Tensor {
	g := gradLogits.Reshape(cache.batch*cache.rows, c.opts.NumOutputs)

	gradDropped := c.out.Backward(cache.dropped, g)
	gradPooled := DropoutBackward(cache.mask, gradDropped)
	gradPre := TanhBackward(cache.pooled, gradPooled)
	gradX := c.pooler.Backward(cache.x, gradPre)

	h := c.opts.HiddenSize
	grads := make([]*Tensor, cache.batch)
	for i := range grads {
		grad := NewTensor(cache.seqLen, h)
		copy(grad.data[:cache.rows*h], gradX.data[i*cache.rows*h:(i+1)*cache.rows*h])
		grads[i] = grad
	}
	return grads
}

// BinaryHead scores every output independently with a sigmoid.
type BinaryHead struct {
	*classifier
}

func (b *BinaryHead) Forward(hidden []*Tensor, train bool, rng *rand.Rand) (*Tensor, *HeadCache) {
	logits, cache := b.forward(hidden, train, rng)
	switch {
	case b.opts.NumOutputs > 1:
		return logits, cache
	case cache.rows > 1:
		return logits.Reshape(cache.batch, cache.rows), cache
	default:
		return logits.Reshape(cache.batch), cache
	}
}

func (b *BinaryHead) Predict(logits *Tensor) *Tensor {
	out := NewTensor(logits.shape...)
	for i, v := range logits.data {
		if v >= 0 {
			out.data[i] = 1
		}
	}
	return out
}

// MulticlassHead scores mutually exclusive classes with a softmax.
type MulticlassHead struct {
	*classifier
}

func (m *MulticlassHead) Forward(hidden []*Tensor, train bool, rng *rand.Rand) (*Tensor, *HeadCache) {
	logits, cache := m.forward(hidden, train, rng)
	if cache.rows > 1 {
		return logits.Reshape(cache.batch, cache.rows, m.opts.NumOutputs), cache
	}
	return logits, cache
}

func (m *MulticlassHead) Predict(logits *Tensor) *Tensor {
	shape := logits.Shape()
	classes := shape[len(shape)-1]
	out := NewTensor(shape[:len(shape)-1]...)
	for i := range out.data {
		out.data[i] = float64(argmax(logits.data[i*classes : (i+1)*classes]))
	}
	return out
}
