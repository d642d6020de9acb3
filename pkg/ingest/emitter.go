package ingest

import (
	"context"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
)

// emitter accumulates units into chunks and hands finished chunks to fn.
type emitter struct {
	ctx      context.Context
	ing      *Ingestor
	meta     common.SourceMetadata
	fn       func(common.TextChunk) error
	format   common.ChunkFormat
	page     int
	index    int
	rendered int

	parts   []string
	size    int
	start   int
	end     int
	started bool
}

func (i *Ingestor) newEmitter(ctx context.Context, meta common.SourceMetadata, fn func(common.TextChunk) error) *emitter {
	return &emitter{
		ctx:    ctx,
		ing:    i,
		meta:   meta,
		fn:     fn,
		format: common.FormatText,
		page:   meta.PageNumber,
	}
}

// finish flushes what is pending and maps ErrStop to nil.
func (e *emitter) finish(err error) error {
	if err == nil {
		err = e.flush()
	}
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}

// add appends a unit of at most maxChars runes spanning [start,end) of the
// source. A unit that does not fit next to the pending text starts a new chunk.
func (e *emitter) add(unit string, start, end int) error {
	n := utf8.RuneCountInString(unit)
	if n == 0 {
		return nil
	}
	if e.started && e.size+1+n > e.ing.maxChars {
		if err := e.flush(); err != nil {
			return err
		}
	}
	if !e.started {
		e.started = true
		e.start = start
		e.size = n
	} else {
		e.size += 1 + n
	}
	e.parts = append(e.parts, unit)
	e.end = end
	return nil
}

// addLong adds a unit that may exceed the ceiling by splitting it at
// whitespace first.
func (e *emitter) addLong(unit string, start int) error {
	if utf8.RuneCountInString(unit) <= e.ing.maxChars {
		return e.add(unit, start, start+utf8.RuneCountInString(unit))
	}
	if err := e.flush(); err != nil {
		return err
	}
	for _, p := range splitLong(unit, e.ing.maxChars) {
		if err := e.add(p.text, start+p.start, start+p.end); err != nil {
			return err
		}
		if err := e.flush(); err != nil {
			return err
		}
	}
	return nil
}

func (e *emitter) flush() error {
	if !e.started {
		return nil
	}
	text := strings.Join(e.parts, "\n")
	e.parts = e.parts[:0]
	e.started = false
	size := e.size
	e.size = 0

	if err := e.ctx.Err(); err != nil {
		return err
	}
	id, err := e.ing.newID()
	if err != nil {
		return err
	}
	chunk := common.TextChunk{
		ID:         id,
		Text:       text,
		SourceID:   e.meta.SourceID,
		Format:     e.format,
		ChunkIndex: e.index,
		Range:      common.CharRange{Start: e.start, End: e.end},
		PageNumber: e.page,
	}
	if e.format != common.FormatText {
		chunk.Range = common.CharRange{Start: e.rendered, End: e.rendered + size}
		e.rendered += size + 1
	}
	e.index++
	return e.fn(chunk)
}

type piece struct {
	text       string
	start, end int
}

// splitLong cuts s into pieces of at most max runes, breaking at the last
// whitespace before the ceiling and only cutting inside a token when a piece
// holds no whitespace at all.
func splitLong(s string, max int) []piece {
	runes := []rune(s)
	var out []piece
	pos := 0
	for pos < len(runes) {
		for pos < len(runes) && unicode.IsSpace(runes[pos]) {
			pos++
		}
		if pos >= len(runes) {
			break
		}
		if len(runes)-pos <= max {
			out = append(out, piece{text: string(runes[pos:]), start: pos, end: len(runes)})
			break
		}
		cut := pos + max
		brk := -1
		for j := cut; j > pos; j-- {
			if unicode.IsSpace(runes[j]) {
				brk = j
				break
			}
		}
		next := cut
		if brk > 0 {
			cut = brk
			next = brk + 1
		}
		text := strings.TrimRightFunc(string(runes[pos:cut]), unicode.IsSpace)
		out = append(out, piece{text: text, start: pos, end: pos + utf8.RuneCountInString(text)})
		pos = next
	}
	return out
}
