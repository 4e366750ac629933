package tokenizer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const fixtureTokenizerJSON = `{
  "model": {
    "vocab": {"hello": 5, "world": 6, "the": 7}
  },
  "added_tokens": [
    {"id": 0, "content": "<s>", "special": true},
    {"id": 1, "content": "</s>", "special": true},
    {"id": 2, "content": "<pad>", "special": true},
    {"id": 3, "content": "<unk>", "special": true},
    {"id": 4, "content": "<mask>", "special": true}
  ]
}`

func writeFixture(t *testing.T, withConfig bool) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(fixtureTokenizerJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	if withConfig {
		cfg := `{"mask_token": {"content": "<mask>"}}`
		if err := os.WriteFile(filepath.Join(dir, "tokenizer_config.json"), []byte(cfg), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoadBasics(t *testing.T) {
	tok, err := Load(writeFixture(t, true))
	if err != nil {
		t.Fatal(err)
	}
	if got := tok.VocabSize(); got != 8 {
		t.Fatalf("vocab size %d, want 8", got)
	}
	id, err := tok.MaskTokenID()
	if err != nil {
		t.Fatal(err)
	}
	if id != 4 {
		t.Fatalf("mask id %d, want 4", id)
	}
	specials := tok.SpecialTokenIDs()
	if len(specials) != 5 {
		t.Fatalf("got %d special ids: %v", len(specials), specials)
	}
	for i, id := range specials {
		if id != i {
			t.Fatalf("special ids %v, want 0..4 ascending", specials)
		}
	}
}

func TestMaskTokenFallbackSpelling(t *testing.T) {
	// no tokenizer_config.json: <mask> is found by its conventional spelling
	tok, err := Load(writeFixture(t, false))
	if err != nil {
		t.Fatal(err)
	}
	id, err := tok.MaskTokenID()
	if err != nil {
		t.Fatal(err)
	}
	if id != 4 {
		t.Fatalf("mask id %d, want 4", id)
	}
}

func TestNoMaskToken(t *testing.T) {
	dir := t.TempDir()
	content := `{"model": {"vocab": {"a": 0, "b": 1}}, "added_tokens": []}`
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	tok, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tok.MaskTokenID(); !errors.Is(err, ErrNoMaskToken) {
		t.Fatalf("got %v, want ErrNoMaskToken", err)
	}
}

func TestMissingTokenizerJSON(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected an error for a directory without tokenizer.json")
	}
}

func TestSaveCarriesFiles(t *testing.T) {
	tok, err := Load(writeFixture(t, true))
	if err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "ckpt")
	if err := tok.Save(out); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"tokenizer.json", "tokenizer_config.json"} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Fatalf("saved state missing %s: %v", name, err)
		}
	}

	reloaded, err := Load(out)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.VocabSize() != tok.VocabSize() {
		t.Fatal("reloaded tokenizer disagrees on vocab size")
	}
}
