// Package chunker implements three chunking strategies
// (SEMANTIC, SLIDING, CODE) over a parsed document, producing
// deterministic, contextually-prefixed chunks for embedding. Heading
// breadcrumbs are tracked the way a structured markdown section
// builder would track running section headings.
package chunker

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sibyl-platform/sibyl/internal/entity"
)

// Strategy selects a chunking algorithm.
type Strategy string

const (
	Semantic Strategy = "semantic"
	Sliding Strategy = "sliding"
	Code Strategy = "code"
)

// Options configures a chunking run. Chunk validates it before doing
// any work, so sliding's step<=0 case is rejected up front rather than
// defended against inline.
type Options struct {
	Strategy Strategy
	MaxSize int // characters
	Overlap int // characters, SLIDING only
	SnapWindow int // characters, SLIDING only: search window for whitespace snap
	DocTitle string
	DocURL string
}

// DefaultOptions returns the platform's documented defaults.
func DefaultOptions() Options {
	return Options{Strategy: Semantic, MaxSize: 1500, Overlap: 200, SnapWindow: 80}
}

// Validate rejects configurations that would make the sliding window
// non-advancing (step <= 0), per open question.
func (o Options) Validate() error {
	if o.MaxSize <= 0 {
		return fmt.Errorf("chunker: max size must be positive")
	}
	if o.Strategy == Sliding {
		step := o.MaxSize - o.Overlap
		if step <= 0 {
			return fmt.Errorf("chunker: sliding overlap (%d) must be smaller than max size (%d)", o.Overlap, o.MaxSize)
		}
	}
	return nil
}

// Piece is one emitted slice of a document.
type Piece struct {
	Content string
	ChunkKind string // "text" | "heading" | "code"
	ChunkIndex int
	StartChar int
	EndChar int
	HeadingPath string
	Language string
	TokenCount int
	Prefix string
}

var (
	headerRe = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	fencedRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\\n(.*?)\\n```")
	paragraphRe = regexp.MustCompile(`\n\s*\n`)
)

// Chunk splits content deterministically per o.Strategy: repeated runs
// over identical input produce the identical chunk list.
func Chunk(content string, o Options) ([]Piece, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	switch o.Strategy {
	case Sliding:
		return chunkSliding(content, o), nil
	case Code:
		return chunkCode(content, o), nil
	default:
		return chunkSemantic(content, o), nil
	}
}

type segment struct {
	kind string
	content string
	start int
	end int
	heading string
	lang string
}

// segmentMarkdown splits content on fenced code blocks, markdown
// headers, and paragraph boundaries while tracking a running heading
// breadcrumb, the shared first pass behind SEMANTIC and CODE's
// non-code fallback.
func segmentMarkdown(content string) []segment {
	var segs []segment
	var headingStack []string

	fences := fencedRe.FindAllStringSubmatchIndex(content, -1)
	cursor := 0
	for _, idx := range fences {
		if idx[0] > cursor {
			segs = append(segs, splitTextRegion(content[cursor:idx[0]], cursor, &headingStack)...)
		}
		lang := content[idx[2]:idx[3]]
		code := content[idx[4]:idx[5]]
		segs = append(segs, segment{
			kind: "code", content: code, start: idx[4], end: idx[5],
			heading: entity.SanitizeBreadcrumb(headingStack), lang: lang,
		})
		cursor = idx[1]
	}
	if cursor < len(content) {
		segs = append(segs, splitTextRegion(content[cursor:], cursor, &headingStack)...)
	}
	return segs
}

func splitTextRegion(region string, offset int, headingStack *[]string) []segment {
	var segs []segment
	paras := paragraphRe.Split(region, -1)
	pos := offset
	for _, p := range paras {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			pos += len(p) + 2
			continue
		}
		if m := headerRe.FindStringSubmatch(trimmed); m != nil {
			level := len(m[1])
			*headingStack = setHeadingLevel(*headingStack, level, m[2])
			segs = append(segs, segment{kind: "heading", content: trimmed, start: pos, end: pos + len(p),
				heading: entity.SanitizeBreadcrumb(*headingStack)})
		} else {
			segs = append(segs, segment{kind: "text", content: trimmed, start: pos, end: pos + len(p),
				heading: entity.SanitizeBreadcrumb(*headingStack)})
		}
		pos += len(p) + 2
	}
	return segs
}

func setHeadingLevel(stack []string, level int, title string) []string {
	if level > len(stack) {
		for len(stack) < level-1 {
			stack = append(stack, "")
		}
		return append(stack[:level-1], title)
	}
	out := append([]string{}, stack[:level-1]...)
	return append(out, title)
}

func chunkSemantic(content string, o Options) []Piece {
	segs := segmentMarkdown(content)
	merged := mergeTinyTextSegments(segs, o.MaxSize/2)

	var chunks []Piece
	idx := 0
	for _, s := range merged {
		for _, piece := range splitOversize(s, o.MaxSize) {
			chunks = append(chunks, toChunk(piece, idx, o))
			idx++
		}
	}
	return chunks
}

// mergeTinyTextSegments merges adjacent same-kind text segments whose
// combined size stays under half the max chunk size.
func mergeTinyTextSegments(segs []segment, halfMax int) []segment {
	if len(segs) == 0 {
		return segs
	}
	out := []segment{segs[0]}
	for _, s := range segs[1:] {
		last := &out[len(out)-1]
		if last.kind == "text" && s.kind == "text" && len(last.content)+len(s.content) <= halfMax {
			last.content += "\n\n" + s.content
			last.end = s.end
			continue
		}
		out = append(out, s)
	}
	return out
}

func splitOversize(s segment, maxSize int) []segment {
	if len(s.content) <= maxSize {
		return []segment{s}
	}
	var out []segment
	pos := 0
	for pos < len(s.content) {
		end := pos + maxSize
		if end > len(s.content) {
			end = len(s.content)
		} else {
			end = snapToWhitespace(s.content, end, 80)
		}
		out = append(out, segment{kind: s.kind, content: s.content[pos:end], start: s.start + pos, end: s.start + end, heading: s.heading, lang: s.lang})
		pos = end
	}
	return out
}

func chunkCode(content string, o Options) []Piece {
	fences := fencedRe.FindAllStringSubmatchIndex(content, -1)
	var chunks []Piece
	idx := 0
	cursor := 0
	for _, fidx := range fences {
		if fidx[0] > cursor {
			for _, piece := range splitOversize(segment{kind: "text", content: content[cursor:fidx[0]], start: cursor, end: fidx[0]}, o.MaxSize) {
				chunks = append(chunks, toChunk(piece, idx, o))
				idx++
			}
		}
		lang := content[fidx[2]:fidx[3]]
		code := content[fidx[4]:fidx[5]]
		if len(code) <= o.MaxSize*2 {
			chunks = append(chunks, toChunk(segment{kind: "code", content: code, start: fidx[4], end: fidx[5], lang: lang}, idx, o))
			idx++
		} else {
			lines := strings.Split(code, "\n")
			var buf strings.Builder
			start := fidx[4]
			for _, line := range lines {
				if buf.Len()+len(line)+1 > o.MaxSize && buf.Len() > 0 {
					chunks = append(chunks, toChunk(segment{kind: "code", content: buf.String(), start: start, end: start + buf.Len(), lang: lang}, idx, o))
					idx++
					start += buf.Len()
					buf.Reset()
				}
				buf.WriteString(line)
				buf.WriteString("\n")
			}
			if buf.Len() > 0 {
				chunks = append(chunks, toChunk(segment{kind: "code", content: buf.String(), start: start, end: start + buf.Len(), lang: lang}, idx, o))
				idx++
			}
		}
		cursor = fidx[1]
	}
	if cursor < len(content) {
		for _, piece := range splitOversize(segment{kind: "text", content: content[cursor:], start: cursor, end: len(content)}, o.MaxSize) {
			chunks = append(chunks, toChunk(piece, idx, o))
			idx++
		}
	}
	return chunks
}

func chunkSliding(content string, o Options) []Piece {
	step := o.MaxSize - o.Overlap // validated > 0
	var chunks []Piece
	idx := 0
	pos := 0
	for pos < len(content) {
		end := pos + o.MaxSize
		if end >= len(content) {
			end = len(content)
		} else {
			end = snapToWhitespace(content, end, o.SnapWindow)
		}
		chunks = append(chunks, toChunk(segment{kind: "text", content: content[pos:end], start: pos, end: end}, idx, o))
		idx++
		if end >= len(content) {
			break
		}
		pos += step
	}
	return chunks
}

// snapToWhitespace nudges a cut point back to the nearest whitespace
// within window characters, so SLIDING chunks don't split mid-word.
func snapToWhitespace(content string, pos, window int) int {
	limit := pos - window
	if limit < 0 {
		limit = 0
	}
	for i := pos; i > limit; i-- {
		if i < len(content) && (content[i] == ' ' || content[i] == '\n') {
			return i
		}
	}
	return pos
}

func toChunk(s segment, idx int, o Options) Piece {
	kind := s.kind
	tokenCount := len(s.content) / 4
	prefix := fmt.Sprintf("Document: %s | Section: %s | Source: %s | Content type: %s", o.DocTitle, s.heading, o.DocURL, kind)
	return Piece{
		Content: s.content,
		ChunkKind: kind,
		ChunkIndex: idx,
		StartChar: s.start,
		EndChar: s.end,
		HeadingPath: s.heading,
		Language: s.lang,
		TokenCount: tokenCount,
		Prefix: prefix,
	}
}
