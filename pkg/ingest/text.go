package ingest

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/util"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
)

// walkText accumulates whole lines until the next one would cross the
// ceiling. A form feed ends the page; pages are numbered from 1 when the
// text has any form feed, otherwise basePage is used.
func (i *Ingestor) walkText(em *emitter, text string, basePage int) error {
	text = util.SanitizeText(text)
	em.format = common.FormatText
	pages := strings.Split(text, "\f")
	paged := len(pages) > 1

	offset := 0
	for pi, page := range pages {
		if paged {
			if err := em.flush(); err != nil {
				return err
			}
			em.page = pi + 1
			if basePage > 0 {
				em.page = basePage + pi
			}
		} else {
			em.page = basePage
		}

		for _, line := range strings.Split(page, "\n") {
			lineLen := utf8.RuneCountInString(line)
			lead := utf8.RuneCountInString(line) - utf8.RuneCountInString(strings.TrimLeftFunc(line, unicode.IsSpace))
			trimmed := strings.TrimSpace(line)
			if trimmed != "" {
				if err := em.addLong(trimmed, offset+lead); err != nil {
					return err
				}
			}
			offset += lineLen + 1
		}
		if err := em.flush(); err != nil {
			return err
		}
	}
	return nil
}
