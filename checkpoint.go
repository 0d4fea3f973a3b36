package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Checkpoints for a save path P:
//
//   P-bert.bin                  encoder parameters
//   P-bert.config               EncoderSidecar (CBOR)
//   P-<task>-<kind>.bin         head parameters, kind is binary|multiclass
//   P-<task>-<kind>.config      HeadSidecar (CBOR)
//   P.vocab                     vocabulary, one token per line
//   P.lowercase                 present iff the tokenizer lowercases
//
// Parameter blobs are a sequence of little-endian records:
//
//   uint32 nameLen | name | uint32 rank | uint32 dims[rank] | float64 data[]
//
// A save first writes every file to a temporary file next to its target.
// Only once all of them are complete are they renamed into place, with the
// encoder sidecar last. Every sidecar records the SHA-256 digest of its
// blob, and head sidecars carry the run and epoch of the save that wrote
// them, so a checkpoint mixing files of two saves is refused on load.
//
// ===========================================================================

var ErrCorruptCheckpoint = errors.New("checkpoint: corrupt file")

const (
	encoderSuffix = "-bert"
	blobExt       = ".bin"
	sidecarExt    = ".config"
	vocabExt      = ".vocab"
	lowercaseExt  = ".lowercase"
)

// EncoderSidecar is stored next to the encoder parameters.
type EncoderSidecar struct {
	Config  BERTConfig `cbor:"config"`
	RunID   string     `cbor:"run_id"`
	Epoch   int        `cbor:"epoch"`
	Score   float64    `cbor:"score"`
	BlobSum string     `cbor:"blob_sum"`
}

// SaveStamp identifies the save a file belongs to.
type SaveStamp struct {
	RunID string `cbor:"run_id"`
	Epoch int    `cbor:"epoch"`
}

// HeadSidecar is stored next to each head's parameters.
type HeadSidecar struct {
	Options HeadOptions `cbor:"options"`
	Stamp   SaveStamp   `cbor:"stamp"`
	BlobSum string      `cbor:"blob_sum"`
}

// Checkpoint is everything written on save.
type Checkpoint struct {
	Path      string
	RunID     string
	Encoder   *Encoder
	Tasks     []*TaskRuntime
	Tokenizer *FullTokenizer
}

func headBase(path, task string, kind HeadKind) string {
	return fmt.Sprintf("%s-%s-%s", path, task, kind)
}

// Save writes the full checkpoint. Its signature matches Checkpointer.
func (c *Checkpoint) Save(epoch int, score float64) (err error) {
	if dir := filepath.Dir(c.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	var staged []stagedFile
	defer func() {
		if err != nil {
			for _, f := range staged {
				os.Remove(f.tmp)
			}
		}
	}()
	stage := func(f stagedFile, err error) error {
		if err != nil {
			return err
		}
		staged = append(staged, f)
		return nil
	}

	stamp := SaveStamp{RunID: c.RunID, Epoch: epoch}
	for _, rt := range c.Tasks {
		opts := rt.Head.Options()
		base := headBase(c.Path, opts.Task, opts.Kind)

		blob, sum, err := stageParameters(base+blobExt, rt.Head.NamedParameters())
		if err := stage(blob, err); err != nil {
			return err
		}
		if err := stage(stageSidecar(base+sidecarExt, HeadSidecar{Options: opts, Stamp: stamp, BlobSum: sum})); err != nil {
			return err
		}
	}

	if err := stage(stageFile(c.Path+vocabExt, c.Tokenizer.Vocabulary().write)); err != nil {
		return err
	}

	marker := c.Path + lowercaseExt
	if c.Tokenizer.Lowercase() {
		if err := stage(stageFile(marker, func(*bufio.Writer) error { return nil })); err != nil {
			return err
		}
	}

	encoderBase := c.Path + encoderSuffix
	blob, sum, err := stageParameters(encoderBase+blobExt, c.Encoder.NamedParameters())
	if err := stage(blob, err); err != nil {
		return err
	}
	sidecar := EncoderSidecar{
		Config:  c.Encoder.Config(),
		RunID:   c.RunID,
		Epoch:   epoch,
		Score:   score,
		BlobSum: sum,
	}
	if err := stage(stageSidecar(encoderBase+sidecarExt, sidecar)); err != nil {
		return err
	}

	// Refuse targets a rename cannot replace before touching any of them
	for _, f := range staged {
		if fi, err := os.Lstat(f.path); err == nil && fi.IsDir() {
			return fmt.Errorf("checkpoint: %s is a directory", f.path)
		}
	}

	if !c.Tokenizer.Lowercase() {
		if err := os.Remove(marker); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	for i, f := range staged {
		if err := f.commit(); err != nil {
			staged = staged[i:]
			return err
		}
	}
	return nil
}

// LoadedModel is a checkpoint restored for inference.
type LoadedModel struct {
	Sidecar   EncoderSidecar
	Encoder   *Encoder
	Tokenizer *FullTokenizer
	Tasks     []*TaskRuntime
}

// LoadCheckpoint restores the encoder, tokenizer and every head saved
// under path whose task name contains filter. An empty filter loads all
// heads.
func LoadCheckpoint(path, filter string, keepSeparator bool) (*LoadedModel, error) {
	var sidecar EncoderSidecar
	if err := readSidecar(path+encoderSuffix+sidecarExt, &sidecar); err != nil {
		return nil, err
	}
	if err := sidecar.Config.Validate(); err != nil {
		return nil, err
	}

	tokenizer, err := LoadFullTokenizerFiles(path+vocabExt, path+lowercaseExt, TokenizerOptions{KeepSeparator: keepSeparator})
	if err != nil {
		return nil, err
	}
	if tokenizer.Vocabulary().Len() != sidecar.Config.VocabSize {
		return nil, fmt.Errorf("%w: vocabulary has %d tokens, encoder expects %d", ErrCorruptCheckpoint, tokenizer.Vocabulary().Len(), sidecar.Config.VocabSize)
	}

	// Every tensor is overwritten from the blob, so the init seed is moot
	rng := rand.New(rand.NewSource(0))
	encoder := NewEncoder(sidecar.Config, rng)
	if err := readBlob(path+encoderSuffix+blobExt, sidecar.BlobSum, encoder.NamedParameters()); err != nil {
		return nil, err
	}
	stamp := SaveStamp{RunID: sidecar.RunID, Epoch: sidecar.Epoch}

	model := &LoadedModel{Sidecar: sidecar, Encoder: encoder, Tokenizer: tokenizer}

	heads, err := findHeads(path)
	if err != nil {
		return nil, err
	}
	for _, h := range heads {
		if !strings.Contains(h.task, filter) {
			continue
		}

		var saved HeadSidecar
		if err := readSidecar(h.base+sidecarExt, &saved); err != nil {
			return nil, err
		}
		opts := saved.Options
		if opts.Kind != h.kind || opts.Task != h.task {
			return nil, fmt.Errorf("%w: %s describes %s head %q", ErrCorruptCheckpoint, h.base+sidecarExt, opts.Kind, opts.Task)
		}
		if saved.Stamp != stamp {
			return nil, fmt.Errorf("%w: head %q is from run %s epoch %d, encoder from run %s epoch %d",
				ErrCorruptCheckpoint, opts.Task, saved.Stamp.RunID, saved.Stamp.Epoch, stamp.RunID, stamp.Epoch)
		}

		head, err := NewHead(opts, rng)
		if err != nil {
			return nil, err
		}
		if err := readBlob(h.base+blobExt, saved.BlobSum, head.NamedParameters()); err != nil {
			return nil, err
		}
		model.Tasks = append(model.Tasks, RuntimeFromHead(head))
	}

	if len(model.Tasks) == 0 {
		return nil, fmt.Errorf("no task heads matching %q saved under %s", filter, path)
	}
	slog.Debug("loaded checkpoint", "path", path, "run", sidecar.RunID, "epoch", sidecar.Epoch, "heads", len(model.Tasks))
	return model, nil
}

type savedHead struct {
	base string
	task string
	kind HeadKind
}

// findHeads lists the head sidecars saved under path, sorted by task name.
func findHeads(path string) ([]savedHead, error) {
	dir, prefix := filepath.Dir(path), filepath.Base(path)+"-"
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var heads []savedHead
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, sidecarExt) {
			continue
		}

		stem := strings.TrimSuffix(strings.TrimPrefix(name, prefix), sidecarExt)
		i := strings.LastIndexByte(stem, '-')
		if i <= 0 {
			continue
		}

		kind := HeadKind(stem[i+1:])
		if kind != BinaryHeadKind && kind != MulticlassHeadKind {
			continue
		}
		heads = append(heads, savedHead{
			base: filepath.Join(dir, strings.TrimSuffix(name, sidecarExt)),
			task: stem[:i],
			kind: kind,
		})
	}

	sort.Slice(heads, func(i, j int) bool { return heads[i].task < heads[j].task })
	return heads, nil
}

func stageSidecar(path string, v any) (stagedFile, error) {
	bts, err := cbor.Marshal(v)
	if err != nil {
		return stagedFile{}, fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return stageFile(path, func(w *bufio.Writer) error {
		_, err := w.Write(bts)
		return err
	})
}

func readSidecar(path string, v any) error {
	bts, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(bts, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptCheckpoint, path, err)
	}
	return nil
}

// WriteParameters stores named tensors as a parameter blob.
func WriteParameters(path string, params []NamedTensor) error {
	return writeFileAtomic(path, func(w *bufio.Writer) error {
		return writeParameters(w, params)
	})
}

// stageParameters stages a parameter blob and returns its hex SHA-256
// digest.
func stageParameters(path string, params []NamedTensor) (stagedFile, string, error) {
	h := sha256.New()
	f, err := stageFile(path, func(w *bufio.Writer) error {
		return writeParameters(io.MultiWriter(w, h), params)
	})
	if err != nil {
		return stagedFile{}, "", err
	}
	return f, hex.EncodeToString(h.Sum(nil)), nil
}

func writeParameters(w io.Writer, params []NamedTensor) error {
	for _, p := range params {
		if err := writeRecord(w, p); err != nil {
			return fmt.Errorf("%s: %w", p.Name, err)
		}
	}
	return nil
}

// readBlob checks the blob at path against its recorded digest and then
// reads it into params.
func readBlob(path, sum string, params []NamedTensor) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != sum {
		return fmt.Errorf("%w: %s: digest %s does not match sidecar %s", ErrCorruptCheckpoint, path, got, sum)
	}
	return ReadParameters(path, params)
}

func writeRecord(w io.Writer, p NamedTensor) error {
	header := []uint32{uint32(len(p.Name))}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	if _, err := io.WriteString(w, p.Name); err != nil {
		return err
	}

	dims := []uint32{uint32(p.Tensor.Dims())}
	for _, d := range p.Tensor.shape {
		dims = append(dims, uint32(d))
	}
	if err := binary.Write(w, binary.LittleEndian, dims); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, p.Tensor.data)
}

// ReadParameters fills params from a blob written by WriteParameters.
// Every parameter must be present with its exact shape.
func ReadParameters(path string, params []NamedTensor) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	byName := make(map[string]*Tensor, len(params))
	for _, p := range params {
		byName[p.Name] = p.Tensor
	}

	r := bufio.NewReader(f)
	loaded := 0
	for {
		name, shape, err := readRecordHeader(r)
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorruptCheckpoint, path, err)
		}

		t, ok := byName[name]
		if !ok {
			return fmt.Errorf("%w: %s: unexpected parameter %q", ErrCorruptCheckpoint, path, name)
		}
		if !shapeEqual(t.shape, shape) {
			return fmt.Errorf("%w: %s: %s has shape %v, expected %v", ErrCorruptCheckpoint, path, name, shape, t.shape)
		}
		if err := binary.Read(r, binary.LittleEndian, t.data); err != nil {
			return fmt.Errorf("%w: %s: %s: %v", ErrCorruptCheckpoint, path, name, err)
		}

		delete(byName, name)
		loaded++
	}

	if len(byName) > 0 {
		missing := make([]string, 0, len(byName))
		for name := range byName {
			missing = append(missing, name)
		}
		sort.Strings(missing)
		return fmt.Errorf("%w: %s: missing %s", ErrCorruptCheckpoint, path, strings.Join(missing, ", "))
	}

	Trace("read parameters", "path", path, "count", loaded)
	return nil
}

const maxRecordName = 1 << 12

func readRecordHeader(r io.Reader) (string, []int, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		// A clean EOF before a record is the end of the blob
		return "", nil, err
	}
	if n == 0 || n > maxRecordName {
		return "", nil, fmt.Errorf("invalid name length %d", n)
	}

	name := make([]byte, n)
	if _, err := io.ReadFull(r, name); err != nil {
		return "", nil, noEOF(err)
	}

	var rank uint32
	if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
		return "", nil, noEOF(err)
	}
	if rank == 0 || rank > 8 {
		return "", nil, fmt.Errorf("invalid rank %d for %s", rank, name)
	}

	dims := make([]uint32, rank)
	if err := binary.Read(r, binary.LittleEndian, dims); err != nil {
		return "", nil, noEOF(err)
	}

	shape := make([]int, rank)
	size := 1
	for i, d := range dims {
		shape[i] = int(d)
		size *= int(d)
		if d == 0 || size > math.MaxInt32 {
			return "", nil, fmt.Errorf("invalid shape %v for %s", dims, name)
		}
	}
	return string(name), shape, nil
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// stagedFile is a completely written temporary file waiting to be renamed
// to path.
type stagedFile struct {
	tmp  string
	path string
}

func (f stagedFile) commit() error {
	return os.Rename(f.tmp, f.path)
}

// stageFile writes fn's output to a temporary file in the same directory
// as path. Nothing is left behind on error.
func stageFile(path string, fn func(w *bufio.Writer) error) (_ stagedFile, err error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return stagedFile{}, err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if err := f.Chmod(0o644); err != nil {
		return stagedFile{}, err
	}

	w := bufio.NewWriter(f)
	if err := fn(w); err != nil {
		return stagedFile{}, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		return stagedFile{}, err
	}
	if err := f.Sync(); err != nil {
		return stagedFile{}, err
	}
	if err := f.Close(); err != nil {
		return stagedFile{}, err
	}
	return stagedFile{tmp: f.Name(), path: path}, nil
}

// writeFileAtomic writes path through fn via a temporary file in the same
// directory, replacing path only once everything has been written.
func writeFileAtomic(path string, fn func(w *bufio.Writer) error) error {
	f, err := stageFile(path, fn)
	if err != nil {
		return err
	}
	if err := f.commit(); err != nil {
		os.Remove(f.tmp)
		return err
	}
	return nil
}
