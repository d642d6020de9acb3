package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/util"
	"github.com/OFFIS-RIT/kiwi/grounding/pkg/common"
)

// walkDelimited reads CSV or TSV rows. The first non-empty row is the header.
func (i *Ingestor) walkDelimited(em *emitter, text string, comma rune) error {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = comma
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.ReuseRecord = false

	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				i.log.Warn("[Ingest] Skipping malformed row", "line", perr.Line, "err", perr.Err)
				continue
			}
			return fmt.Errorf("ingest: read rows: %w", err)
		}
		rows = append(rows, rec)
	}
	return i.walkTable(em, "", rows)
}

// walkExcel treats every sheet of the workbook as its own table.
func (i *Ingestor) walkExcel(em *emitter, raw []byte) error {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("ingest: open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			i.log.Warn("[Ingest] Skipping unreadable sheet", "sheet", sheet, "err", err)
			continue
		}
		name := ""
		if len(sheets) > 1 {
			name = sheet
		}
		if err := i.walkTable(em, name, rows); err != nil {
			return err
		}
	}
	return nil
}

// walkTable renders rows in batches of tableRows. Each chunk repeats the
// header so it can be read on its own.
func (i *Ingestor) walkTable(em *emitter, sheet string, rows [][]string) error {
	if err := em.flush(); err != nil {
		return err
	}
	em.format = common.FormatTable

	headerAt := -1
	for idx, row := range rows {
		if !emptyRow(row) {
			headerAt = idx
			break
		}
	}
	if headerAt < 0 {
		return nil
	}
	columns := headerNames(rows[headerAt])
	header := "Columns: " + strings.Join(columns, ", ")
	if sheet != "" {
		header = "Sheet: " + util.SanitizeText(sheet) + "\n" + header
	}
	header = util.TruncateRunes(header, i.maxChars/2)
	budget := i.maxChars - utf8.RuneCountInString(header) - 1

	data := rows[headerAt+1:]
	for from := 0; from < len(data); from += i.tableRows {
		to := min(from+i.tableRows, len(data))
		var lines []string
		for _, row := range data[from:to] {
			if line := renderRow(columns, row, budget); line != "" {
				lines = append(lines, line)
			}
		}
		if err := i.emitTableBatch(em, header, lines); err != nil {
			return err
		}
	}
	return nil
}

func (i *Ingestor) emitTableBatch(em *emitter, header string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	for _, line := range lines {
		if !em.started {
			if err := em.add(header, 0, 0); err != nil {
				return err
			}
		}
		if em.size+1+utf8.RuneCountInString(line) > i.maxChars {
			if err := em.flush(); err != nil {
				return err
			}
			if err := em.add(header, 0, 0); err != nil {
				return err
			}
		}
		if err := em.add(line, 0, 0); err != nil {
			return err
		}
	}
	return em.flush()
}

func emptyRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func headerNames(row []string) []string {
	out := make([]string, len(row))
	for idx, c := range row {
		c = strings.TrimSpace(util.SanitizeText(c))
		if c == "" {
			c = fmt.Sprintf("column_%d", idx+1)
		}
		out[idx] = c
	}
	return out
}

// renderRow renders "col: value" pairs joined by " | ", skipping empty cells.
// Pairs that would cross budget are dropped; a first pair that alone crosses
// it is cut.
func renderRow(columns []string, row []string, budget int) string {
	var b strings.Builder
	size := 0
	for idx, cell := range row {
		cell = strings.Join(strings.Fields(util.SanitizeText(cell)), " ")
		if cell == "" {
			continue
		}
		name := fmt.Sprintf("column_%d", idx+1)
		if idx < len(columns) {
			name = columns[idx]
		}
		pair := name + ": " + cell
		n := utf8.RuneCountInString(pair)
		if size == 0 {
			if n > budget {
				return util.TruncateRunes(pair, budget)
			}
			b.WriteString(pair)
			size = n
			continue
		}
		if size+3+n > budget {
			break
		}
		b.WriteString(" | ")
		b.WriteString(pair)
		size += 3 + n
	}
	return b.String()
}
