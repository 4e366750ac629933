// Package tokenizer exposes the vocabulary facts the trainer needs from a
// HuggingFace-style tokenizer directory: vocabulary size, the reserved
// special-token ids that must never be masked, and the mask token id.
//
// The trainer never encodes or decodes text; dataset shards already carry
// token ids. The tokenizer state is carried along so it can be persisted
// next to every checkpoint.
package tokenizer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"
)

// ErrNoMaskToken is returned when the tokenizer has no mask token
// configured. Masked language modelling is impossible without one, so the
// collator refuses to start.
var ErrNoMaskToken = errors.New("tokenizer has no mask token")

// carriedFiles are the tokenizer state files copied into every checkpoint.
var carriedFiles = []string{
	"tokenizer.json",
	"tokenizer_config.json",
	"special_tokens_map.json",
}

// Tokenizer is the loaded tokenizer state.
type Tokenizer struct {
	vocabSize  int
	maskID     int // -1 when absent
	specialIDs []int

	// raw file contents kept for Save
	files map[string][]byte
}

type tokenizerJSON struct {
	Model struct {
		Vocab map[string]int `json:"vocab"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type tokenizerConfigJSON struct {
	MaskToken json.RawMessage `json:"mask_token"`
}

// Load reads tokenizer state from a directory containing tokenizer.json
// and, optionally, tokenizer_config.json.
func Load(dir string) (*Tokenizer, error) {
	files := make(map[string][]byte)
	for _, name := range carriedFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		files[name] = data
	}

	raw, ok := files["tokenizer.json"]
	if !ok {
		return nil, fmt.Errorf("no tokenizer.json in %s", dir)
	}

	var tj tokenizerJSON
	if err := json.Unmarshal(raw, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if len(tj.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer.json has an empty vocabulary")
	}

	t := &Tokenizer{maskID: -1, files: files}

	maxID := -1
	for _, id := range tj.Model.Vocab {
		if id > maxID {
			maxID = id
		}
	}
	specials := make(map[int]struct{})
	content := make(map[string]int)
	for _, tok := range tj.AddedTokens {
		if tok.ID > maxID {
			maxID = tok.ID
		}
		content[tok.Content] = tok.ID
		if tok.Special {
			specials[tok.ID] = struct{}{}
		}
	}
	t.vocabSize = maxID + 1

	maskContent := maskTokenContent(files["tokenizer_config.json"])
	if maskContent == "" {
		// fall back to the conventional spellings
		for _, cand := range []string{"<mask>", "[MASK]"} {
			if _, ok := content[cand]; ok {
				maskContent = cand
				break
			}
			if _, ok := tj.Model.Vocab[cand]; ok {
				maskContent = cand
				break
			}
		}
	}
	if maskContent != "" {
		if id, ok := content[maskContent]; ok {
			t.maskID = id
		} else if id, ok := tj.Model.Vocab[maskContent]; ok {
			t.maskID = id
		}
	}

	t.specialIDs = make([]int, 0, len(specials))
	for id := range specials {
		t.specialIDs = append(t.specialIDs, id)
	}
	sort.Ints(t.specialIDs)

	return t, nil
}

// maskTokenContent extracts the mask token spelling from
// tokenizer_config.json, which stores it either as a string or as an
// AddedToken object with a "content" field.
func maskTokenContent(raw []byte) string {
	if raw == nil {
		return ""
	}
	var cfg tokenizerConfigJSON
	if err := json.Unmarshal(raw, &cfg); err != nil || cfg.MaskToken == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(cfg.MaskToken, &s); err == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(cfg.MaskToken, &obj); err == nil {
		return obj.Content
	}
	return ""
}

// VocabSize returns the size of the vocabulary including added tokens.
func (t *Tokenizer) VocabSize() int { return t.vocabSize }

// MaskTokenID returns the mask token id or ErrNoMaskToken.
func (t *Tokenizer) MaskTokenID() (int, error) {
	if t.maskID < 0 {
		return 0, ErrNoMaskToken
	}
	return t.maskID, nil
}

// SpecialTokenIDs returns the reserved token ids in ascending order.
// The returned slice must not be modified.
func (t *Tokenizer) SpecialTokenIDs() []int { return t.specialIDs }

// Save writes the carried tokenizer files into dir, creating it if needed.
func (t *Tokenizer) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, data := range t.files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("save %s: %w", name, err)
		}
	}
	return nil
}
