package loader

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/net/html/charset"

	"github.com/OFFIS-RIT/kiwi/grounding/pkg/logger"
)

// MinDetectConfidence is the chardet confidence (0-100) below which the
// detected charset is ignored and UTF-8 is assumed.
const MinDetectConfidence = 70

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Decoded is text converted to UTF-8 together with how it was decoded.
type Decoded struct {
	Text       string
	Charset    string
	Confidence int
	Fallback   bool
}

// DecodeText converts raw bytes to UTF-8. Valid UTF-8 is taken as is.
// Otherwise the charset is detected; a weak or unknown detection falls back
// to UTF-8 with invalid sequences replaced and a warning logged.
func DecodeText(raw []byte, log *logger.Logger) (Decoded, error) {
	if len(raw) == 0 {
		return Decoded{}, ErrEmptySource
	}
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if utf8.Valid(raw) {
		return Decoded{Text: string(raw), Charset: "UTF-8", Confidence: 100}, nil
	}

	result, err := chardet.NewTextDetector().DetectBest(raw)
	if err != nil || result == nil || result.Confidence < MinDetectConfidence {
		conf := 0
		name := ""
		if result != nil {
			conf = result.Confidence
			name = result.Charset
		}
		log.Warn("[Loader] Low confidence encoding detection, falling back to UTF-8",
			"detected", name,
			"confidence", conf,
		)
		return fallbackUTF8(raw, conf), nil
	}

	enc, name := charset.Lookup(strings.ToLower(result.Charset))
	if enc == nil {
		log.Warn("[Loader] Unknown charset, falling back to UTF-8", "detected", result.Charset)
		return fallbackUTF8(raw, result.Confidence), nil
	}

	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return Decoded{}, fmt.Errorf("loader: decode %s: %w", name, err)
	}
	return Decoded{
		Text:       string(decoded),
		Charset:    name,
		Confidence: result.Confidence,
	}, nil
}

func fallbackUTF8(raw []byte, confidence int) Decoded {
	return Decoded{
		Text:       strings.ToValidUTF8(string(raw), "�"),
		Charset:    "UTF-8",
		Confidence: confidence,
		Fallback:   true,
	}
}
