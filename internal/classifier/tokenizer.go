package classifier

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/vigia-ai/vigia/internal/textnorm"
)

// maxWordChars mirrors BERT: longer words become [UNK].
const maxWordChars = 100

// WordPiece is a BERT-compatible uncased tokenizer.
type WordPiece struct {
	vocab        map[string]int64
	clsID        int64
	sepID        int64
	padID        int64
	unkID        int64
	continuation string
}

// LoadTokenizer looks for vocab.txt or tokenizer.json in dir and dir/tokenizer.
func LoadTokenizer(dir string) (*WordPiece, error) {
	for _, p := range []string{
		filepath.Join(dir, "vocab.txt"),
		filepath.Join(dir, "tokenizer", "vocab.txt"),
	} {
		if _, err := os.Stat(p); err == nil {
			return loadVocabTxt(p)
		}
	}
	for _, p := range []string{
		filepath.Join(dir, "tokenizer.json"),
		filepath.Join(dir, "tokenizer", "tokenizer.json"),
	} {
		if _, err := os.Stat(p); err == nil {
			return loadTokenizerJSON(p)
		}
	}
	return nil, fmt.Errorf("tokenizer assets not found in %s (vocab.txt or tokenizer.json)", dir)
}

func loadVocabTxt(path string) (*WordPiece, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close()

	vocab := make(map[string]int64)
	sc := bufio.NewScanner(f)
	var idx int64
	for sc.Scan() {
		tok := strings.TrimRight(sc.Text(), "\r\n")
		if tok != "" {
			vocab[tok] = idx
		}
		idx++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan vocab: %w", err)
	}
	return NewWordPiece(vocab)
}

func loadTokenizerJSON(path string) (*WordPiece, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer.json: %w", err)
	}
	var raw struct {
		Model struct {
			Type  string           `json:"type"`
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode tokenizer.json: %w", err)
	}
	if t := strings.ToLower(raw.Model.Type); t != "" && t != "wordpiece" {
		return nil, fmt.Errorf("unsupported tokenizer model type %q", raw.Model.Type)
	}
	return NewWordPiece(raw.Model.Vocab)
}

// NewWordPiece builds a tokenizer; the vocab must contain the BERT special tokens.
func NewWordPiece(vocab map[string]int64) (*WordPiece, error) {
	if len(vocab) == 0 {
		return nil, fmt.Errorf("tokenizer vocab is empty")
	}
	t := &WordPiece{vocab: vocab, continuation: "##"}
	for tok, dst := range map[string]*int64{
		"[CLS]": &t.clsID,
		"[SEP]": &t.sepID,
		"[PAD]": &t.padID,
		"[UNK]": &t.unkID,
	} {
		id, ok := vocab[tok]
		if !ok {
			return nil, fmt.Errorf("tokenizer vocab missing %s", tok)
		}
		*dst = id
	}
	return t, nil
}

// Encode returns input ids and an attention mask, both exactly seqLen long.
// Long inputs keep their head.
func (t *WordPiece) Encode(text string, seqLen int) ([]int64, []int64) {
	if seqLen < 2 {
		return nil, nil
	}

	ids := make([]int64, 0, seqLen)
	ids = append(ids, t.clsID)
	for _, word := range basicTokens(text) {
		pieces := t.pieces(word)
		if len(ids)+len(pieces) > seqLen-1 {
			pieces = pieces[:seqLen-1-len(ids)]
		}
		ids = append(ids, pieces...)
		if len(ids) >= seqLen-1 {
			break
		}
	}
	ids = append(ids, t.sepID)

	mask := make([]int64, seqLen)
	for i := range ids {
		mask[i] = 1
	}
	for len(ids) < seqLen {
		ids = append(ids, t.padID)
	}
	return ids, mask
}

func (t *WordPiece) pieces(word string) []int64 {
	if len([]rune(word)) > maxWordChars {
		return []int64{t.unkID}
	}
	if id, ok := t.vocab[word]; ok {
		return []int64{id}
	}

	var out []int64
	for start := 0; start < len(word); {
		end := len(word)
		found := false
		for end > start {
			sub := word[start:end]
			if start > 0 {
				sub = t.continuation + sub
			}
			if id, ok := t.vocab[sub]; ok {
				out = append(out, id)
				found = true
				break
			}
			end--
		}
		if !found {
			return []int64{t.unkID}
		}
		start = end
	}
	return out
}

// basicTokens lowercases, strips accents and splits on whitespace and
// punctuation, keeping each punctuation rune as its own token.
func basicTokens(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range textnorm.Fold(text) {
		switch {
		case unicode.IsSpace(r) || unicode.IsControl(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			out = append(out, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}
