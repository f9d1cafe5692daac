package viewmodel

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"
)

// renderJSON re-encodes a JSON value for display. Key order and number
// text are kept as written; strings are printed with their characters
// rather than \u escapes. An empty indent renders on one line.
func renderJSON(raw []byte, indent string) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	type frame struct {
		object bool
		n      int
	}
	var (
		buf     bytes.Buffer
		stack   []frame
		inValue bool // the next token is the value of an object key
	)

	newline := func(depth int) {
		if indent == "" {
			return
		}
		buf.WriteByte('\n')
		for i := 0; i < depth; i++ {
			buf.WriteString(indent)
		}
	}
	// separate positions the writer for the next key or element
	separate := func() {
		if inValue {
			inValue = false
			return
		}
		if len(stack) == 0 {
			return
		}
		top := &stack[len(stack)-1]
		if top.n > 0 {
			buf.WriteByte(',')
		}
		top.n++
		newline(len(stack))
	}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}

		switch v := tok.(type) {
		case json.Delim:
			switch v {
			case '{', '[':
				separate()
				buf.WriteByte(byte(v))
				stack = append(stack, frame{object: v == '{'})
			default:
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if top.n > 0 {
					newline(len(stack))
				}
				buf.WriteByte(byte(v))
			}
			continue
		case string:
			if len(stack) > 0 && stack[len(stack)-1].object && !inValue {
				separate()
				writeString(&buf, v)
				buf.WriteByte(':')
				if indent != "" {
					buf.WriteByte(' ')
				}
				inValue = true
				continue
			}
			separate()
			writeString(&buf, v)
		case json.Number:
			separate()
			buf.WriteString(v.String())
		case bool:
			separate()
			buf.WriteString(strconv.FormatBool(v))
		case nil:
			separate()
			buf.WriteString("null")
		}
	}
	return buf.String(), nil
}

func writeString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	enc.Encode(s)
	buf.Truncate(buf.Len() - 1) // Encode appends a newline
}

// compactJSON renders raw on one line, falling back to the input when it
// does not parse
func compactJSON(raw json.RawMessage) string {
	out, err := renderJSON(raw, "")
	if err != nil {
		return string(bytes.TrimSpace(raw))
	}
	return out
}

// indentedJSON renders raw with two-space indentation
func indentedJSON(raw json.RawMessage) string {
	out, err := renderJSON(raw, "  ")
	if err != nil {
		return string(bytes.TrimSpace(raw))
	}
	return out
}

// rawText is the display text of a value that did not classify as any
// field shape, such as a number beyond float range. Null stays "null".
func rawText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "null"
	}
	return string(trimmed)
}
