package recognizer

import (
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"

	"pii-anonymizer/internal/entity"
)

// Token is one labeled span from a token-classification service. Start and
// End are character (code point) offsets into the classified text.
type Token struct {
	Label string  `json:"label"`
	Start int     `json:"start"`
	End   int     `json:"end"`
	Score float64 `json:"score"`
	Word  string  `json:"word"`
}

// MapLabel maps a model label, with or without a B-/I- prefix, onto the
// entity vocabulary. Unknown labels become custom types.
func MapLabel(label string) entity.Type {
	_, base := splitLabel(label)
	switch base {
	case "PER", "PERSON":
		return entity.Person
	case "ORG":
		return entity.Organization
	case "LOC", "GPE":
		return entity.Location
	case "DATE", "TIME":
		return entity.DateTime
	}
	return entity.Parse(base)
}

// splitLabel returns the BIO prefix ("B", "I" or "") and the upper-cased base
// label.
func splitLabel(label string) (prefix, base string) {
	label = strings.ToUpper(strings.TrimSpace(label))
	if len(label) > 2 && label[1] == '-' && (label[0] == 'B' || label[0] == 'I') {
		return label[:1], label[2:]
	}
	return "", label
}

// runeOffsets maps each code point index of text to its byte offset. The
// extra final element is len(text).
func runeOffsets(text string) []int {
	offs := make([]int, 0, utf8.RuneCountInString(text)+1)
	for i := range text {
		offs = append(offs, i)
	}
	return append(offs, len(text))
}

type pending struct {
	typ        entity.Type
	start, end int // code point offsets
	score      float64
}

// MergeTokens groups a BIO token stream into entity results.
//
// A token extends the entity under construction when it maps to the same
// type and either carries a B- prefix with no gap (a sub-word piece) or an
// I- or no prefix with a gap of at most one character. The merged score is
// the maximum of the constituent scores. O tokens, tokens scoring below
// minScore and tokens with offsets outside text end the current entity.
func MergeTokens(text string, tokens iter.Seq[Token], minScore float64) []entity.Result {
	offs := runeOffsets(text)
	n := len(offs) - 1

	var out []entity.Result
	var cur *pending
	flush := func() {
		if cur == nil {
			return
		}
		if r, ok := trimmedResult(text, cur.typ, offs[cur.start], offs[cur.end], cur.score); ok {
			out = append(out, r)
		}
		cur = nil
	}

	for tok := range tokens {
		prefix, base := splitLabel(tok.Label)
		if base == "O" || base == "" || tok.Score < minScore || tok.Start < 0 || tok.End > n || tok.Start >= tok.End {
			flush()
			continue
		}
		typ := MapLabel(tok.Label)
		if cur != nil && cur.typ == typ {
			gap := tok.Start - cur.end
			if (prefix == "B" && gap == 0) || (prefix != "B" && gap >= 0 && gap <= 1) {
				cur.end = max(cur.end, tok.End)
				cur.score = max(cur.score, tok.Score)
				continue
			}
		}
		flush()
		cur = &pending{typ: typ, start: tok.Start, end: tok.End, score: tok.Score}
	}
	flush()
	return out
}

// trimmedResult drops surrounding whitespace some tokenizers include in
// their offsets.
func trimmedResult(text string, typ entity.Type, start, end int, score float64) (entity.Result, bool) {
	for start < end {
		r, size := utf8.DecodeRuneInString(text[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRuneInString(text[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		end -= size
	}
	res, err := entity.NewResult(typ, text, start, end, min(max(score, 0), 1))
	return res, err == nil
}
