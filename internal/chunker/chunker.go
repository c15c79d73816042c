// Package chunker splits call transcripts into bounded text chunks that
// carry the time range of the transcript segments they cover.
package chunker

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"call-insights-go/internal/types"
)

type Strategy string

const (
	Fixed       Strategy = "fixed"
	Semantic    Strategy = "semantic"
	Overlapping Strategy = "overlapping"
)

// ParseStrategy accepts the strategy names used in work items and config.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "overlapping":
		return Overlapping, nil
	case "fixed", "fixed_size":
		return Fixed, nil
	case "semantic":
		return Semantic, nil
	}
	return "", fmt.Errorf("%w: unknown chunking strategy %q", types.ErrInvalidInput, s)
}

const (
	DefaultChunkSize    = 512
	DefaultOverlap      = 0.10
	DefaultMinChunkSize = 100
	DefaultMaxChunkSize = 1000
)

// Config sizes are in characters. Overlap is a fraction of ChunkSize.
type Config struct {
	ChunkSize    int
	Overlap      float64
	MinChunkSize int
	MaxChunkSize int
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:    DefaultChunkSize,
		Overlap:      DefaultOverlap,
		MinChunkSize: DefaultMinChunkSize,
		MaxChunkSize: DefaultMaxChunkSize,
	}
}

type Chunker struct {
	size    int
	overlap int
	min     int
	max     int
}

// New normalizes cfg. The effective chunk size never exceeds
// MaxChunkSize, and the minimum never exceeds a quarter of the chunk size
// so small targets still yield chunks.
func New(cfg Config) *Chunker {
	d := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = d.ChunkSize
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = d.MaxChunkSize
	}
	if cfg.MinChunkSize < 0 {
		cfg.MinChunkSize = d.MinChunkSize
	}
	if cfg.Overlap < 0 || cfg.Overlap >= 1 {
		cfg.Overlap = d.Overlap
	}

	c := &Chunker{
		size: cfg.ChunkSize,
		max:  cfg.MaxChunkSize,
		min:  cfg.MinChunkSize,
	}
	if c.size > c.max {
		c.size = c.max
	}
	if c.min > c.size/4 {
		c.min = c.size / 4
	}
	c.overlap = int(float64(c.size) * cfg.Overlap)
	return c
}

// span is a half-open rune range [start, end) of the source text.
type span struct {
	start, end int
}

// Chunk splits text with the given strategy. Chunk ids are
// "{callID}_chunk_{index}", so re-chunking identical input is idempotent.
func (c *Chunker) Chunk(callID, text string, segments []types.Segment, strategy Strategy, metadata map[string]any) []types.Chunk {
	if strings.TrimSpace(text) == "" {
		return []types.Chunk{}
	}
	runes := []rune(text)

	var spans []span
	switch strategy {
	case Semantic:
		spans = c.sentenceSpans(runes)
	case Fixed:
		spans = c.windowSpans(runes, 0)
	default:
		spans = c.windowSpans(runes, c.overlap)
	}

	kept := spans[:0:0]
	for _, sp := range spans {
		if sp.end-sp.start >= c.min {
			kept = append(kept, sp)
		}
	}
	if len(kept) == 0 {
		// Never drop the only content of a short transcript.
		kept = spans
	}

	timer := newSegmentTimer(text, segments)
	out := make([]types.Chunk, 0, len(kept))
	for i, sp := range kept {
		body := string(runes[sp.start:sp.end])
		ch := types.Chunk{
			ChunkID:        ChunkID(callID, i),
			CallID:         callID,
			ChunkIndex:     i,
			Text:           body,
			CharacterCount: sp.end - sp.start,
			WordCount:      len(strings.Fields(body)),
			Metadata:       copyMetadata(metadata),
		}
		ch.StartTime, ch.EndTime = timer.timing(sp.start, sp.end)
		out = append(out, ch)
	}
	return out
}

func ChunkID(callID string, index int) string {
	return fmt.Sprintf("%s_chunk_%d", callID, index)
}

// windowSpans walks the text once, cutting every c.size runes and snapping
// each cut back to the preceding whitespace. With overlap > 0 the next
// window starts overlap runes before the previous cut, moved forward to the
// next word start.
func (c *Chunker) windowSpans(runes []rune, overlap int) []span {
	n := len(runes)
	var spans []span
	pos := skipSpace(runes, 0)
	for pos < n {
		end := pos + c.size
		if end >= n {
			end = n
		} else if !unicode.IsSpace(runes[end]) {
			if ws := lastSpace(runes, pos, end); ws > pos {
				end = ws
			}
		}
		if sp, ok := trimSpan(runes, pos, end); ok {
			spans = append(spans, sp)
		}
		if end >= n {
			break
		}

		next := end
		if overlap > 0 {
			next = wordStartAfter(runes, end-overlap, end)
			if next <= pos {
				next = end
			}
		}
		pos = skipSpace(runes, next)
	}
	return spans
}

// sentenceSpans groups whole sentences up to the max chunk size. A sentence
// longer than the ceiling is cut with the fixed window.
func (c *Chunker) sentenceSpans(runes []rune) []span {
	var spans []span
	cur := span{start: -1}
	flush := func() {
		if cur.start >= 0 {
			if sp, ok := trimSpan(runes, cur.start, cur.end); ok {
				spans = append(spans, sp)
			}
		}
		cur = span{start: -1}
	}

	for _, s := range sentences(runes) {
		if s.end-s.start > c.max {
			flush()
			for _, w := range c.windowSpans(runes[s.start:s.end], 0) {
				spans = append(spans, span{start: s.start + w.start, end: s.start + w.end})
			}
			continue
		}
		if cur.start >= 0 && s.end-cur.start > c.max {
			flush()
		}
		if cur.start < 0 {
			cur.start = s.start
		}
		cur.end = s.end
	}
	flush()
	return spans
}

// sentences splits after terminal punctuation followed by whitespace and an
// upper-case letter.
func sentences(runes []rune) []span {
	var out []span
	start := skipSpace(runes, 0)
	n := len(runes)
	for i := start; i < n; i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		j := i + 1
		if j >= n || !unicode.IsSpace(runes[j]) {
			continue
		}
		k := skipSpace(runes, j)
		if k < n && unicode.IsUpper(runes[k]) {
			out = append(out, span{start: start, end: i + 1})
			start = k
			i = k - 1
		}
	}
	if start < n {
		if sp, ok := trimSpan(runes, start, n); ok {
			out = append(out, sp)
		}
	}
	return out
}

func skipSpace(runes []rune, i int) int {
	for i < len(runes) && unicode.IsSpace(runes[i]) {
		i++
	}
	return i
}

// lastSpace returns the index of the last whitespace rune in (lo, hi), or -1.
func lastSpace(runes []rune, lo, hi int) int {
	for i := hi - 1; i > lo; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}

// wordStartAfter returns the first index in [from, limit] that begins a word.
func wordStartAfter(runes []rune, from, limit int) int {
	if from <= 0 {
		return 0
	}
	for i := from; i < limit; i++ {
		if !unicode.IsSpace(runes[i]) && unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return limit
}

func trimSpan(runes []rune, start, end int) (span, bool) {
	for start < end && unicode.IsSpace(runes[start]) {
		start++
	}
	for end > start && unicode.IsSpace(runes[end-1]) {
		end--
	}
	return span{start: start, end: end}, end > start
}

func copyMetadata(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// segmentTimer maps rune offsets of the transcript to segment timestamps.
type segmentTimer struct {
	ranges []span
	segs   []types.Segment
	cursor int
}

// newSegmentTimer locates each segment's text in order. A segment that
// cannot be found is placed one rune after the previous one.
func newSegmentTimer(text string, segments []types.Segment) *segmentTimer {
	t := &segmentTimer{segs: segments}
	if len(segments) == 0 {
		return t
	}
	t.ranges = make([]span, len(segments))
	byteCur, runeCur, next := 0, 0, 0
	for i, seg := range segments {
		needle := strings.TrimSpace(seg.Text)
		n := utf8.RuneCountInString(needle)
		start := next
		if needle != "" {
			if idx := strings.Index(text[byteCur:], needle); idx >= 0 {
				runeCur += utf8.RuneCountInString(text[byteCur : byteCur+idx])
				byteCur += idx + len(needle)
				start = runeCur
				runeCur += n
			}
		}
		t.ranges[i] = span{start: start, end: start + n}
		next = start + n + 1
	}
	return t
}

// timing returns the min start and max end of segments intersecting
// [start, end). Chunks arrive in non-decreasing start order, so the cursor
// only moves forward.
func (t *segmentTimer) timing(start, end int) (*float64, *float64) {
	if len(t.ranges) == 0 {
		return nil, nil
	}
	for t.cursor < len(t.ranges) && t.ranges[t.cursor].end <= start {
		t.cursor++
	}
	var lo, hi *float64
	for i := t.cursor; i < len(t.ranges) && t.ranges[i].start < end; i++ {
		r := t.ranges[i]
		if r.end <= start {
			continue
		}
		s, e := t.segs[i].Start, t.segs[i].End
		if lo == nil || s < *lo {
			lo = &s
		}
		if hi == nil || e > *hi {
			hi = &e
		}
	}
	return lo, hi
}
