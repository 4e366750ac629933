// Package collator turns raw token-id batches into masked training
// batches: the BERT-style 80/10/10 corruption that the generator learns to
// undo and the discriminator learns to detect.
package collator

import (
	"fmt"

	"github.com/samcharles93/electra/internal/prng"
	"github.com/samcharles93/electra/internal/tokenizer"
)

// IgnoreLabel marks positions excluded from the generator loss.
const IgnoreLabel = -100

// Batch is a model-ready training batch. All fields share the same
// [rows][seqLen] shape; sequences are fixed-length so AttentionMask is all
// ones.
type Batch struct {
	InputIDs      [][]int32 // corrupted token ids fed to the generator
	OriginalIDs   [][]int32 // the uncorrupted input
	AttentionMask [][]int32
	Labels        [][]int32 // original id at masked positions, IgnoreLabel elsewhere
	Masked        [][]bool  // positions selected for masking

	// Filled by the train step after the generator forward pass.
	PredIDs     [][]int32
	ReplacedIDs [][]bool
}

// Rows returns the batch size.
func (b *Batch) Rows() int { return len(b.InputIDs) }

// SeqLen returns the sequence length, zero for an empty batch.
func (b *Batch) SeqLen() int {
	if len(b.InputIDs) == 0 {
		return 0
	}
	return len(b.InputIDs[0])
}

// Shard splits the batch along the leading axis into n equal slices.
// The shards alias the parent's rows; the parent must not be reused.
func (b *Batch) Shard(n int) ([]*Batch, error) {
	rows := b.Rows()
	if n <= 0 || rows%n != 0 {
		return nil, fmt.Errorf("cannot shard %d rows across %d devices", rows, n)
	}
	per := rows / n
	shards := make([]*Batch, n)
	for i := range shards {
		lo, hi := i*per, (i+1)*per
		shards[i] = &Batch{
			InputIDs:      b.InputIDs[lo:hi],
			OriginalIDs:   b.OriginalIDs[lo:hi],
			AttentionMask: b.AttentionMask[lo:hi],
			Labels:        b.Labels[lo:hi],
			Masked:        b.Masked[lo:hi],
		}
	}
	return shards, nil
}

// Collator produces masked batches from raw token sequences.
type Collator struct {
	maskID    int32
	vocabSize int
	mlmProb   float64
	special   map[int32]struct{}
}

// Masking split for selected positions: 80% mask token, 10% random id,
// 10% unchanged.
const (
	maskReplaceProb = 0.8
	randomSplitProb = 0.5 // of the remaining 20%
)

// New builds a collator for the tokenizer. It fails fast when the
// tokenizer has no mask token: masking is impossible without one.
func New(tok *tokenizer.Tokenizer, mlmProb float64) (*Collator, error) {
	maskID, err := tok.MaskTokenID()
	if err != nil {
		return nil, err
	}
	if mlmProb < 0 || mlmProb > 1 {
		return nil, fmt.Errorf("mlm probability %v out of range", mlmProb)
	}
	special := make(map[int32]struct{}, len(tok.SpecialTokenIDs()))
	for _, id := range tok.SpecialTokenIDs() {
		special[int32(id)] = struct{}{}
	}
	return &Collator{
		maskID:    int32(maskID),
		vocabSize: tok.VocabSize(),
		mlmProb:   mlmProb,
		special:   special,
	}, nil
}

// Collate masks the raw sequences into a training batch. The input
// sequences are not modified. Output is deterministic for a given key.
func (c *Collator) Collate(seqs [][]int32, key prng.Key) *Batch {
	rows := len(seqs)
	b := &Batch{
		InputIDs:      make([][]int32, rows),
		OriginalIDs:   make([][]int32, rows),
		AttentionMask: make([][]int32, rows),
		Labels:        make([][]int32, rows),
		Masked:        make([][]bool, rows),
	}

	stream := key.Stream()
	for i, seq := range seqs {
		n := len(seq)
		input := make([]int32, n)
		copy(input, seq)
		attn := make([]int32, n)
		labels := make([]int32, n)
		masked := make([]bool, n)

		for j, id := range seq {
			attn[j] = 1
			labels[j] = IgnoreLabel
			if _, isSpecial := c.special[id]; isSpecial {
				continue
			}
			if !stream.Bernoulli(c.mlmProb) {
				continue
			}
			masked[j] = true
			labels[j] = id

			switch {
			case stream.Bernoulli(maskReplaceProb):
				input[j] = c.maskID
			case stream.Bernoulli(randomSplitProb):
				input[j] = int32(stream.Intn(c.vocabSize))
			default:
				// keep the original token
			}
		}

		b.InputIDs[i] = input
		b.OriginalIDs[i] = seq
		b.AttentionMask[i] = attn
		b.Labels[i] = labels
		b.Masked[i] = masked
	}
	return b
}
