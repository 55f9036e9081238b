// Package parser turns GetTransactionsLog responses into punch candidates.
package parser

import (
	"bytes"
	"encoding/xml"
	"errors"
	"html"
	"io"
	"strings"
)

// ErrNoDataBlock means the response carried no recognisable log payload.
// Callers treat it as an empty sync, not a failure.
var ErrNoDataBlock = errors.New("no transaction data block in response")

// Elements that carry the payload, in order of preference.
var dataElements = []string{"strDataList", "GetTransactionsLogResult"}

// minHeuristicLength is the shortest text node accepted by the fallback scan.
const minHeuristicLength = 50

// ExtractDataBlock locates the newline-delimited log payload in a SOAP
// response body. Vendors differ in where they put it, so after the known
// elements it falls back to the first long multi-line text node.
func ExtractDataBlock(body []byte) (string, error) {
	texts, longest := collectText(body)

	for _, name := range dataElements {
		if v := strings.TrimSpace(texts[name]); isPayload(v) {
			// some firmware returns the payload as an escaped XML document
			if strings.HasPrefix(v, "<") {
				if inner, err := ExtractDataBlock([]byte(v)); err == nil {
					return inner, nil
				}
			}
			return v, nil
		}
	}

	if longest != "" {
		return longest, nil
	}

	// truncated or broken XML: the decoder drops text it cannot terminate
	for _, name := range dataElements {
		if v := strings.TrimSpace(scanRawElement(body, name)); isPayload(v) {
			return v, nil
		}
	}
	return "", ErrNoDataBlock
}

// collectText gathers the character data of every element keyed by local
// name, plus the first text node passing the heuristic. A decode error stops
// the scan but keeps what was read so far.
func collectText(body []byte) (map[string]string, string) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	texts := make(map[string]string)
	var stack []string
	var current strings.Builder
	heuristic := ""

	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, t.Name.Local)
			current.Reset()
		case xml.CharData:
			current.Write(t)
		case xml.EndElement:
			if len(stack) == 0 {
				continue
			}
			name := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			text := current.String()
			current.Reset()
			if _, seen := texts[name]; !seen || strings.TrimSpace(texts[name]) == "" {
				texts[name] = text
			}
			if heuristic == "" && looksLikeLogBlock(text) {
				heuristic = strings.TrimSpace(text)
			}
		}
	}

	return texts, heuristic
}

// scanRawElement returns the text after the opening tag of the named element
// up to the next tag or the end of the body, entity-decoded.
func scanRawElement(body []byte, name string) string {
	s := string(body)
	open := strings.Index(s, "<"+name+">")
	if open < 0 {
		return ""
	}
	rest := s[open+len(name)+2:]
	if end := strings.Index(rest, "<"); end >= 0 {
		rest = rest[:end]
	}
	return html.UnescapeString(rest)
}

// isPayload rejects status values such as "true" that some firmware puts
// in GetTransactionsLogResult.
func isPayload(v string) bool {
	if v == "" {
		return false
	}
	switch strings.ToLower(v) {
	case "true", "false", "0", "1":
		return false
	}
	return true
}

func looksLikeLogBlock(text string) bool {
	t := strings.TrimSpace(text)
	return len(t) > minHeuristicLength && strings.ContainsAny(t, "\r\n")
}
