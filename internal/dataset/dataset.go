// Package dataset streams fixed-length token-id records from shard files.
//
// A shard is a flat sequence of records, each seqLen little-endian uint32
// token ids; a ".gz" suffix marks a gzip-compressed shard. Plain shards
// are memory-mapped so records are sliced without copying the file.
// Tokenisation and sharding happen upstream; this package only yields
// finished batches.
package dataset

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samcharles93/electra/internal/prng"
)

// DefaultShuffleSize is the default shuffle window in records.
const DefaultShuffleSize = 65536

// Config describes a dataset source.
type Config struct {
	Pattern     string // glob over shard files, required
	SeqLen      int    // tokens per record, required
	BatchSize   int    // records per batch, required
	ShuffleSize int    // shuffle window; 0 means DefaultShuffleSize
	Seed        uint64 // shuffle determinism
}

// Source yields shuffled, fixed-size batches from the matched shards.
// It is restartable: Reset re-globs the pattern and starts a new pass.
// Not safe for concurrent use.
type Source struct {
	cfg    Config
	files  []string
	next   int // next file index
	cur    *shardReader
	window [][]int32
	stream *prng.Stream
	epoch  int
}

// Open globs the pattern and prepares the first pass. It fails when the
// pattern matches nothing: an empty dataset is a configuration error.
func Open(cfg Config) (*Source, error) {
	if cfg.SeqLen <= 0 {
		return nil, fmt.Errorf("dataset: sequence length must be positive")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("dataset: batch size must be positive")
	}
	if cfg.ShuffleSize == 0 {
		cfg.ShuffleSize = DefaultShuffleSize
	}
	s := &Source{cfg: cfg}
	if err := s.Reset(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reset re-globs the pattern and restarts from the first shard. The
// shuffle order differs between passes.
func (s *Source) Reset() error {
	files, err := filepath.Glob(s.cfg.Pattern)
	if err != nil {
		return fmt.Errorf("dataset: bad pattern %q: %w", s.cfg.Pattern, err)
	}
	if len(files) == 0 {
		return fmt.Errorf("dataset: pattern %q matched no shards", s.cfg.Pattern)
	}
	sort.Strings(files)

	if s.cur != nil {
		_ = s.cur.Close()
		s.cur = nil
	}
	s.files = files
	s.next = 0
	s.window = s.window[:0]
	s.stream = prng.NewKey(s.cfg.Seed).Fold(uint64(s.epoch)).Stream()
	s.epoch++
	return nil
}

// Close releases the currently open shard.
func (s *Source) Close() error {
	if s.cur == nil {
		return nil
	}
	err := s.cur.Close()
	s.cur = nil
	return err
}

// NextBatch returns the next batch of records. It returns io.EOF when the
// remaining records cannot fill a whole batch (remainder is dropped, as
// lockstep device execution requires full batches).
func (s *Source) NextBatch() ([][]int32, error) {
	batch := make([][]int32, 0, s.cfg.BatchSize)
	for len(batch) < s.cfg.BatchSize {
		rec, err := s.draw()
		if err != nil {
			return nil, err
		}
		batch = append(batch, rec)
	}
	return batch, nil
}

// draw returns one record from the shuffle window, refilling it first.
func (s *Source) draw() ([]int32, error) {
	if err := s.fill(); err != nil {
		return nil, err
	}
	idx := s.stream.Intn(len(s.window))
	rec := s.window[idx]
	last := len(s.window) - 1
	s.window[idx] = s.window[last]
	s.window[last] = nil
	s.window = s.window[:last]
	return rec, nil
}

// fill tops up the shuffle window from the shard sequence.
func (s *Source) fill() error {
	for len(s.window) < s.cfg.ShuffleSize {
		if s.cur == nil {
			if s.next >= len(s.files) {
				if len(s.window) == 0 {
					return io.EOF
				}
				return nil
			}
			r, err := openShard(s.files[s.next], s.cfg.SeqLen)
			if err != nil {
				return fmt.Errorf("dataset: open shard %s: %w", s.files[s.next], err)
			}
			s.next++
			s.cur = r
		}
		rec, err := s.cur.Next()
		if err == io.EOF {
			if cerr := s.cur.Close(); cerr != nil {
				return cerr
			}
			s.cur = nil
			continue
		}
		if err != nil {
			return err
		}
		s.window = append(s.window, rec)
	}
	return nil
}

// shardReader reads one shard's records.
type shardReader struct {
	seqLen int

	// mmap-backed plain shard
	data []byte
	off  int

	// stream-backed gzip shard
	f  *os.File
	gz *gzip.Reader
	// scratch for one record's raw bytes
	buf []byte
}

func openShard(path string, seqLen int) (*shardReader, error) {
	if strings.HasSuffix(path, ".gz") {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		gz, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		return &shardReader{seqLen: seqLen, f: f, gz: gz, buf: make([]byte, seqLen*4)}, nil
	}
	data, err := mapShard(path)
	if err != nil {
		return nil, err
	}
	recBytes := seqLen * 4
	if len(data)%recBytes != 0 {
		_ = unmapShard(data)
		return nil, fmt.Errorf("shard size %d is not a multiple of the record size %d", len(data), recBytes)
	}
	return &shardReader{seqLen: seqLen, data: data}, nil
}

func (r *shardReader) Next() ([]int32, error) {
	if r.gz != nil {
		if _, err := io.ReadFull(r.gz, r.buf); err != nil {
			if err == io.ErrUnexpectedEOF {
				return nil, fmt.Errorf("truncated record in gzip shard")
			}
			return nil, err
		}
		return decodeRecord(r.buf, r.seqLen), nil
	}
	if r.off >= len(r.data) {
		return nil, io.EOF
	}
	recBytes := r.seqLen * 4
	rec := decodeRecord(r.data[r.off:r.off+recBytes], r.seqLen)
	r.off += recBytes
	return rec, nil
}

func (r *shardReader) Close() error {
	if r.gz != nil {
		gzErr := r.gz.Close()
		fErr := r.f.Close()
		r.gz, r.f = nil, nil
		if gzErr != nil {
			return gzErr
		}
		return fErr
	}
	if r.data != nil {
		err := unmapShard(r.data)
		r.data = nil
		return err
	}
	return nil
}

func decodeRecord(raw []byte, seqLen int) []int32 {
	rec := make([]int32, seqLen)
	for i := range rec {
		rec[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return rec
}
