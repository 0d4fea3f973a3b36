package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"math/rand"
	"os"
	"path/filepath"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The shared BERT encoder. Every task head reads the per-token hidden
// states it produces, so one forward pass per batch serves all tasks.
//
// Architecture (post-norm, bidirectional):
//
//   x = LayerNorm(word[id] + position[i] + tokenType[0])
//   for each layer:
//     x = LayerNorm(x + Dropout(Dense(SelfAttention(x, paddingMask))))
//     x = LayerNorm(x + Dropout(Dense(GELU(Dense(x)))))
//
// Attention is bidirectional and sees the whole sequence; only
// padding positions are hidden, by adding -10000 to their attention
// scores.
//
// Sequences are processed one at a time as (seqLen, hidden) matrices.
// Linear weights are stored (out, in) and parameter names follow the
// camelCased PyTorch module paths so pretrained .dat exports load
// without renaming (see state.go).
//
// ===========================================================================

const attentionMaskValue = -10000.0

// BERTConfig holds encoder hyperparameters. JSON keys match the
// config.json shipped with HuggingFace BERT checkpoints.
type BERTConfig struct {
	VocabSize                 int     `json:"vocab_size"`
	HiddenSize                int     `json:"hidden_size"`
	NumHiddenLayers           int     `json:"num_hidden_layers"`
	NumAttentionHeads         int     `json:"num_attention_heads"`
	IntermediateSize          int     `json:"intermediate_size"`
	MaxPositionEmbeddings     int     `json:"max_position_embeddings"`
	TypeVocabSize             int     `json:"type_vocab_size"`
	HiddenDropoutProb         float64 `json:"hidden_dropout_prob"`
	AttentionProbsDropoutProb float64 `json:"attention_probs_dropout_prob"`
	LayerNormEps              float64 `json:"layer_norm_eps"`
}

// DefaultBERTConfig returns the bert-base hyperparameters.
func DefaultBERTConfig(vocabSize int) BERTConfig {
	return BERTConfig{
		VocabSize:                 vocabSize,
		HiddenSize:                768,
		NumHiddenLayers:           12,
		NumAttentionHeads:         12,
		IntermediateSize:          3072,
		MaxPositionEmbeddings:     512,
		TypeVocabSize:             2,
		HiddenDropoutProb:         0.1,
		AttentionProbsDropoutProb: 0.1,
		LayerNormEps:              LayerNormEps,
	}
}

// LoadBERTConfig reads config.json from modelDir over the bert-base
// defaults. A missing file is not an error. The vocabulary size always
// comes from the loaded vocabulary.
func LoadBERTConfig(modelDir string, vocabSize int) (BERTConfig, error) {
	config := DefaultBERTConfig(vocabSize)

	bts, err := os.ReadFile(filepath.Join(modelDir, "config.json"))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config, fmt.Errorf("failed to read model config: %w", err)
	default:
		if err := json.Unmarshal(bts, &config); err != nil {
			return config, fmt.Errorf("failed to parse model config: %w", err)
		}
	}

	if config.VocabSize != vocabSize {
		return config, fmt.Errorf("model config vocab_size %d does not match vocabulary size %d", config.VocabSize, vocabSize)
	}
	return config, config.Validate()
}

func (c BERTConfig) Validate() error {
	switch {
	case c.VocabSize <= 0, c.HiddenSize <= 0, c.NumHiddenLayers < 0, c.NumAttentionHeads <= 0,
		c.IntermediateSize <= 0, c.MaxPositionEmbeddings <= 0, c.TypeVocabSize <= 0:
		return fmt.Errorf("%w: non-positive dimension in %+v", ErrInvalidShape, c)
	case c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("%w: hidden size %d not divisible by %d heads", ErrInvalidShape, c.HiddenSize, c.NumAttentionHeads)
	}
	return nil
}

// NamedTensor is a parameter with its checkpoint name.
type NamedTensor struct {
	Name   string
	Tensor *Tensor
}

// Linear is a dense layer y = x @ W^T + b with W stored as (out, in).
type Linear struct {
	weight *Tensor
	bias   *Tensor
}

func NewLinear(rng *rand.Rand, in, out int) *Linear {
	return &Linear{
		weight: NewTensorRand(rng, 0.02, out, in),
		bias:   NewTensor(out),
	}
}

func (l *Linear) Forward(x *Tensor) *Tensor {
	return addBias(MatMulTransB(x, l.weight), l.bias)
}

// Backward accumulates parameter gradients and returns ∂L/∂x.
func (l *Linear) Backward(x, gradY *Tensor) *Tensor {
	return LinearBackward(x, l.weight, l.bias, gradY)
}

func (l *Linear) namedParameters(prefix string) []NamedTensor {
	return []NamedTensor{
		{prefix + ".weight", l.weight},
		{prefix + ".bias", l.bias},
	}
}

// LayerNorm implements layer normalization over the last dimension.
//
// Formula: y = γ * (x - μ) / σ + β
type LayerNorm struct {
	dim   int
	eps   float64
	gamma *Tensor // Scale parameter
	beta  *Tensor // Shift parameter
}

// NewLayerNorm creates a layer normalization layer.
func NewLayerNorm(dim int, eps float64) *LayerNorm {
	return &LayerNorm{
		dim:   dim,
		eps:   eps,
		gamma: NewTensorFill(1.0, dim),
		beta:  NewTensor(dim),
	}
}

// Forward applies layer normalization.
// x shape: (seqLen, features)
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("encoder: LayerNorm input must be 2D")
	}

	seqLen, features := x.shape[0], x.shape[1]
	out := NewTensor(seqLen, features)

	for i := 0; i < seqLen; i++ {
		row := x.data[i*features : (i+1)*features]

		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= float64(features)

		variance := 0.0
		for _, v := range row {
			diff := v - mean
			variance += diff * diff
		}
		variance /= float64(features)

		std := math.Sqrt(variance + ln.eps)
		for j, v := range row {
			out.data[i*features+j] = (v-mean)/std*ln.gamma.data[j] + ln.beta.data[j]
		}
	}

	return out
}

func (ln *LayerNorm) Backward(x, gradY *Tensor) *Tensor {
	return LayerNormBackward(x, ln.gamma, ln.beta, gradY, ln.eps)
}

func (ln *LayerNorm) namedParameters(prefix string) []NamedTensor {
	return []NamedTensor{
		{prefix + ".weight", ln.gamma},
		{prefix + ".bias", ln.beta},
	}
}

// Embeddings sums word, position and token-type embeddings.
type Embeddings struct {
	word      *Tensor // (vocabSize, hidden)
	position  *Tensor // (maxPositions, hidden)
	tokenType *Tensor // (typeVocabSize, hidden)
	ln        *LayerNorm
	dropout   float64
}

func NewEmbeddings(rng *rand.Rand, config BERTConfig) *Embeddings {
	word := NewTensorRand(rng, 0.02, config.VocabSize, config.HiddenSize)
	if PaddingIndex < config.VocabSize {
		pad := word.data[PaddingIndex*config.HiddenSize : (PaddingIndex+1)*config.HiddenSize]
		for i := range pad {
			pad[i] = 0
		}
	}

	return &Embeddings{
		word:      word,
		position:  NewTensorRand(rng, 0.02, config.MaxPositionEmbeddings, config.HiddenSize),
		tokenType: NewTensorRand(rng, 0.02, config.TypeVocabSize, config.HiddenSize),
		ln:        NewLayerNorm(config.HiddenSize, config.LayerNormEps),
		dropout:   config.HiddenDropoutProb,
	}
}

func (e *Embeddings) namedParameters(prefix string) []NamedTensor {
	params := []NamedTensor{
		{prefix + ".wordEmbeddings.weight", e.word},
		{prefix + ".positionEmbeddings.weight", e.position},
		{prefix + ".tokenTypeEmbeddings.weight", e.tokenType},
	}
	return append(params, e.ln.namedParameters(prefix+".layerNorm")...)
}

// SelfAttention implements bidirectional multi-head self-attention.
type SelfAttention struct {
	numHeads int
	headDim  int
	dropout  float64

	query, key, value *Linear
}

func NewSelfAttention(rng *rand.Rand, config BERTConfig) *SelfAttention {
	h := config.HiddenSize
	return &SelfAttention{
		numHeads: config.NumAttentionHeads,
		headDim:  h / config.NumAttentionHeads,
		dropout:  config.AttentionProbsDropoutProb,
		query:    NewLinear(rng, h, h),
		key:      NewLinear(rng, h, h),
		value:    NewLinear(rng, h, h),
	}
}

func (a *SelfAttention) namedParameters(prefix string) []NamedTensor {
	var params []NamedTensor
	params = append(params, a.query.namedParameters(prefix+".query")...)
	params = append(params, a.key.namedParameters(prefix+".key")...)
	return append(params, a.value.namedParameters(prefix+".value")...)
}

// EncoderLayer is one post-norm transformer layer.
type EncoderLayer struct {
	attention    *SelfAttention
	attnDense    *Linear
	attnNorm     *LayerNorm
	intermediate *Linear
	output       *Linear
	outputNorm   *LayerNorm
	dropout      float64
}

func NewEncoderLayer(rng *rand.Rand, config BERTConfig) *EncoderLayer {
	h := config.HiddenSize
	return &EncoderLayer{
		attention:    NewSelfAttention(rng, config),
		attnDense:    NewLinear(rng, h, h),
		attnNorm:     NewLayerNorm(h, config.LayerNormEps),
		intermediate: NewLinear(rng, h, config.IntermediateSize),
		output:       NewLinear(rng, config.IntermediateSize, h),
		outputNorm:   NewLayerNorm(h, config.LayerNormEps),
		dropout:      config.HiddenDropoutProb,
	}
}

func (l *EncoderLayer) namedParameters(prefix string) []NamedTensor {
	var params []NamedTensor
	params = append(params, l.attention.namedParameters(prefix+".attention.self")...)
	params = append(params, l.attnDense.namedParameters(prefix+".attention.output.dense")...)
	params = append(params, l.attnNorm.namedParameters(prefix+".attention.output.layerNorm")...)
	params = append(params, l.intermediate.namedParameters(prefix+".intermediate.dense")...)
	params = append(params, l.output.namedParameters(prefix+".output.dense")...)
	return append(params, l.outputNorm.namedParameters(prefix+".output.layerNorm")...)
}

// Encoder is the shared BERT encoder.
type Encoder struct {
	config     BERTConfig
	embeddings *Embeddings
	layers     []*EncoderLayer
}

// NewEncoder creates a randomly initialized encoder.
func NewEncoder(config BERTConfig, rng *rand.Rand) *Encoder {
	layers := make([]*EncoderLayer, config.NumHiddenLayers)
	for i := range layers {
		layers[i] = NewEncoderLayer(rng, config)
	}

	return &Encoder{
		config:     config,
		embeddings: NewEmbeddings(rng, config),
		layers:     layers,
	}
}

func (e *Encoder) Config() BERTConfig {
	return e.config
}

// NamedParameters returns every trainable tensor with its checkpoint name,
// in a stable order.
func (e *Encoder) NamedParameters() []NamedTensor {
	params := e.embeddings.namedParameters("embeddings")
	for i, layer := range e.layers {
		params = append(params, layer.namedParameters(fmt.Sprintf("encoder.layer.%d", i))...)
	}
	return params
}

// Parameters returns all trainable parameters in the encoder.
func (e *Encoder) Parameters() []*Tensor {
	return tensorsOf(e.NamedParameters())
}

// Forward returns the hidden states (seqLen, hidden) of one sequence
// without dropout.
func (e *Encoder) Forward(inputIDs []int) *Tensor {
	hidden, _ := e.ForwardWithCache(inputIDs, false, nil)
	return hidden
}

// ForwardBatch runs the encoder over every sequence of a batch. In
// training mode sequences are processed in order so that dropout draws
// from rng deterministically; otherwise they are spread over the compute
// workers.
func (e *Encoder) ForwardBatch(inputIDs [][]int, train bool, rng *rand.Rand) ([]*Tensor, []*EncoderCache) {
	hidden := make([]*Tensor, len(inputIDs))
	caches := make([]*EncoderCache, len(inputIDs))

	if train {
		for i, ids := range inputIDs {
			hidden[i], caches[i] = e.ForwardWithCache(ids, true, rng)
		}
		return hidden, caches
	}

	ParallelFor(len(inputIDs), globalComputeConfig, func(i int) {
		hidden[i], caches[i] = e.ForwardWithCache(inputIDs[i], false, nil)
	})
	return hidden, caches
}

func tensorsOf(named []NamedTensor) []*Tensor {
	out := make([]*Tensor, len(named))
	for i, n := range named {
		out[i] = n.Tensor
	}
	return out
}

// ===========================================================================
// HELPERS
// ===========================================================================

// addBias adds a bias vector to each row of a 2D tensor in place and
// returns x.
// x: (seqLen, features), bias: (features,)
func addBias(x, bias *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("addBias: x must be 2D")
	}
	if len(bias.shape) != 1 {
		panic("addBias: bias must be 1D")
	}
	if x.shape[1] != bias.shape[0] {
		panic(fmt.Sprintf("addBias: dimension mismatch %d vs %d", x.shape[1], bias.shape[0]))
	}

	features := x.shape[1]
	for i := range x.data {
		x.data[i] += bias.data[i%features]
	}

	return x
}

// headColumns copies the columns of head h out of a (seqLen, hidden) matrix.
func headColumns(x *Tensor, h, headDim int) *Tensor {
	seqLen, hidden := x.shape[0], x.shape[1]
	out := NewTensor(seqLen, headDim)
	for i := 0; i < seqLen; i++ {
		copy(out.data[i*headDim:(i+1)*headDim], x.data[i*hidden+h*headDim:i*hidden+(h+1)*headDim])
	}
	return out
}

// setHeadColumns writes a (seqLen, headDim) matrix into the columns of
// head h of dst.
func setHeadColumns(dst, src *Tensor, h, headDim int) {
	seqLen, hidden := dst.shape[0], dst.shape[1]
	for i := 0; i < seqLen; i++ {
		copy(dst.data[i*hidden+h*headDim:i*hidden+(h+1)*headDim], src.data[i*headDim:(i+1)*headDim])
	}
}
