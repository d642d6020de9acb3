package citation

import "strings"

// StreamParser splits a streamed answer into content and citation ids. A
// marker split across chunks is held back until it is complete.
type StreamParser struct {
	buffer string
}

func (p *StreamParser) Consume(
	chunk string,
	onContent func(string) error,
	onCitation func(int) error,
) error {
	p.buffer += chunk

	emitContent := func(content string) error {
		if content == "" {
			return nil
		}
		return onContent(content)
	}

	for {
		start := strings.IndexByte(p.buffer, '[')
		if start == -1 {
			if err := emitContent(p.buffer); err != nil {
				return err
			}
			p.buffer = ""
			return nil
		}

		if start > 0 {
			if err := emitContent(p.buffer[:start]); err != nil {
				return err
			}
			p.buffer = p.buffer[start:]
		}

		if m, ok := markerAt(p.buffer, 0); ok {
			// "[1]" at the end of the buffer may still turn into a link.
			if m.End == len(p.buffer) {
				return nil
			}
			if err := emitCitations(m.IDs, onCitation); err != nil {
				return err
			}
			p.buffer = p.buffer[m.End:]
			continue
		}
		if pendingMarker(p.buffer) {
			return nil
		}

		if err := emitContent(p.buffer[:1]); err != nil {
			return err
		}
		p.buffer = p.buffer[1:]
	}
}

// Flush emits whatever is still buffered.
func (p *StreamParser) Flush(onContent func(string) error, onCitation func(int) error) error {
	if p.buffer == "" {
		return nil
	}
	buf := p.buffer
	p.buffer = ""
	if m, ok := markerAt(buf, 0); ok && m.End == len(buf) {
		return emitCitations(m.IDs, onCitation)
	}
	return onContent(buf)
}

func emitCitations(ids []int, onCitation func(int) error) error {
	for _, id := range ids {
		if err := onCitation(id); err != nil {
			return err
		}
	}
	return nil
}

// pendingMarker reports whether buf, which starts with '[', could still
// become a marker once more input arrives.
func pendingMarker(buf string) bool {
	if len(buf) > maxMarkerLen+4 {
		return false
	}
	rest := strings.TrimPrefix(buf, "[")
	double := strings.HasPrefix(rest, "[")
	rest = strings.TrimPrefix(rest, "[")
	if double {
		rest = strings.TrimSuffix(rest, "]")
	}
	for _, r := range rest {
		switch {
		case r >= '0' && r <= '9':
		case r == ',' || r == ';' || r == ' ' || r == '\t':
		default:
			return false
		}
	}
	return true
}
