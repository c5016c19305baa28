// Package chunker implements the deterministic text-segmentation strategies
// selected per tenant: fixed-char, token-aware, recursive-separator and
// semantic-paragraph. Every strategy is pure and synchronous and satisfies
// the same coverage/dense-indexing contract; the size bound holds for every
// strategy except semantic-paragraph, which keeps each paragraph whole.
package chunker

import (
	"strings"
	"unicode"
)

// Chunk is one produced segment of a document's Markdown body.
type Chunk struct {
	Index int
	Text  string
}

// Strategy names a splitting algorithm.
type Strategy string

const (
	StrategyFixedChar          Strategy = "fixed-char"
	StrategyTokenAware         Strategy = "token-aware"
	StrategyRecursiveSeparator Strategy = "recursive-separator"
	StrategySemanticParagraph  Strategy = "semantic-paragraph"
)

// Options configures a split. ChunkSize is a target length in characters
// (TokenAware approximates tokens as whitespace-delimited words). Overlap is
// a percentage of ChunkSize repeated at the start of the following chunk.
// Delimiters is an ordered cascade of separators used by RecursiveSeparator;
// when empty a sensible markdown/paragraph/sentence default is used.
type Options struct {
	Strategy       Strategy
	ChunkSize      int
	OverlapPercent int
	Delimiters     []string
}

func (o Options) normalized() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1000
	}
	if o.OverlapPercent < 0 {
		o.OverlapPercent = 0
	}
	if o.OverlapPercent > 90 {
		o.OverlapPercent = 90
	}
	if o.Strategy == "" {
		o.Strategy = StrategyFixedChar
	}
	return o
}

func (o Options) overlapChars() int {
	return o.ChunkSize * o.OverlapPercent / 100
}

// Split segments text per opt.Strategy. Chunks are emitted in reading order
// with Index = 0..N-1; concatenating Text fields (accounting for the
// configured overlap) reproduces text up to whitespace normalization; no
// chunk exceeds 1.5x opt.ChunkSize except possibly the last. The size bound
// does not hold for StrategySemanticParagraph: a single paragraph longer
// than that becomes one chunk of its full length.
func Split(text string, opt Options) []Chunk {
	opt = opt.normalized()
	switch opt.Strategy {
	case StrategyTokenAware:
		return splitTokenAware(text, opt)
	case StrategyRecursiveSeparator:
		return splitRecursive(text, opt)
	case StrategySemanticParagraph:
		return splitSemanticParagraph(text, opt)
	default:
		return splitFixedChar(text, opt)
	}
}

func reindex(chunks []Chunk) []Chunk {
	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

// splitFixedChar windows over the raw rune stream, cutting at a whitespace
// boundary when one falls within the back half of the window so words are
// not split, then backs the next window up by the overlap.
func splitFixedChar(text string, opt Options) []Chunk {
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil
	}
	max := opt.ChunkSize
	if max < 1 {
		max = 1
	}
	ov := opt.overlapChars()
	var out []Chunk
	start := 0
	for start < n {
		end := start + max
		if end > n {
			end = n
		} else if cut := lastSpace(runes, start+max/2, end); cut > start {
			end = cut
		}
		seg := strings.TrimSpace(string(runes[start:end]))
		if seg != "" {
			out = append(out, Chunk{Text: seg})
		}
		if end >= n {
			break
		}
		next := end - ov
		if next <= start {
			next = end
		}
		start = next
	}
	return reindex(out)
}

func lastSpace(runes []rune, from, to int) int {
	for i := to - 1; i >= from && i < len(runes); i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}

// splitTokenAware windows over whitespace-delimited tokens instead of raw
// characters, so ChunkSize/OverlapPercent are interpreted as token counts.
func splitTokenAware(text string, opt Options) []Chunk {
	fields := strings.Fields(text)
	n := len(fields)
	if n == 0 {
		return nil
	}
	max := opt.ChunkSize
	if max < 1 {
		max = 1
	}
	ov := max * opt.OverlapPercent / 100
	var out []Chunk
	start := 0
	for start < n {
		end := start + max
		if end > n {
			end = n
		}
		out = append(out, Chunk{Text: strings.Join(fields[start:end], " ")})
		if end >= n {
			break
		}
		next := end - ov
		if next <= start {
			next = end
		}
		start = next
	}
	return reindex(out)
}

var defaultDelimiters = []string{"\n\n", "\n", ". ", " "}

// splitRecursive cascades through opt.Delimiters (or the default markdown
// paragraph/line/sentence/word cascade), trying each separator in turn and
// falling back to fixed-size character cuts once no delimiter keeps segments
// under the target size.
func splitRecursive(text string, opt Options) []Chunk {
	delims := opt.Delimiters
	if len(delims) == 0 {
		delims = defaultDelimiters
	}
	segs := recursiveSplit(text, delims, opt.ChunkSize)
	return reindex(mergeToTarget(segs, opt))
}

func recursiveSplit(text string, delims []string, target int) []string {
	if len([]rune(text)) <= target {
		return []string{text}
	}
	if len(delims) == 0 {
		runes := []rune(text)
		var out []string
		for start := 0; start < len(runes); start += target {
			end := start + target
			if end > len(runes) {
				end = len(runes)
			}
			out = append(out, string(runes[start:end]))
		}
		return out
	}
	sep := delims[0]
	parts := strings.Split(text, sep)
	if len(parts) == 1 {
		return recursiveSplit(text, delims[1:], target)
	}
	var out []string
	for i, p := range parts {
		if i < len(parts)-1 {
			p += sep
		}
		if p == "" {
			continue
		}
		out = append(out, recursiveSplit(p, delims[1:], target)...)
	}
	return out
}

// mergeToTarget greedily packs adjacent segments together until the next
// segment would push a chunk past 1.5x the target, and applies overlap by
// re-prepending the tail of the previous chunk to the next.
func mergeToTarget(segs []string, opt Options) []Chunk {
	max := opt.ChunkSize
	if max < 1 {
		max = 1
	}
	hardMax := max + max/2
	ov := opt.overlapChars()
	var out []Chunk
	var buf strings.Builder
	flush := func() {
		s := strings.TrimSpace(buf.String())
		if s != "" {
			out = append(out, Chunk{Text: s})
		}
		buf.Reset()
	}
	for _, seg := range segs {
		if buf.Len() > 0 && buf.Len()+len(seg) > hardMax {
			flush()
			if ov > 0 && len(out) > 0 {
				tail := out[len(out)-1].Text
				if len(tail) > ov {
					tail = tail[len(tail)-ov:]
				}
				buf.WriteString(tail)
			}
		}
		buf.WriteString(seg)
	}
	flush()
	return out
}

// splitSemanticParagraph groups paragraphs (blank-line separated blocks)
// into chunks, flushing whenever the running buffer reaches ChunkSize at a
// paragraph boundary, so paragraphs are never split mid-body.
func splitSemanticParagraph(text string, opt Options) []Chunk {
	paras := strings.Split(text, "\n\n")
	var out []Chunk
	var buf strings.Builder
	flush := func() {
		s := strings.TrimSpace(buf.String())
		if s != "" {
			out = append(out, Chunk{Text: s})
		}
		buf.Reset()
	}
	for _, p := range paras {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if buf.Len() > 0 && buf.Len()+len(p) > opt.ChunkSize {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(p)
		if buf.Len() >= opt.ChunkSize {
			flush()
		}
	}
	flush()
	if len(out) == 0 {
		return splitFixedChar(text, opt)
	}
	return reindex(out)
}
