package imapserver

import (
	"bytes"
	"mime"
	"net/mail"
	"strconv"
	"strings"

	"kopano.io/gateway/imap/imapparser"
)

// The section machinery operates on raw message bytes. The bytes a
// client reads back over FETCH are exactly the bytes stored, no MIME
// parser sits in between. Only ENVELOPE and BODYSTRUCTURE interpret
// the content, and failures there degrade to NIL.

var crlfcrlf = []byte("\r\n\r\n")

// splitMessage splits a message at its first blank line. The header
// half includes the blank line; a headers-only message gets one
// synthesized.
func splitMessage(raw []byte) (header, body []byte) {
	if i := bytes.Index(raw, crlfcrlf); i >= 0 {
		return raw[:i+4], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+2], raw[i+2:]
	}
	header = raw
	if !bytes.HasSuffix(header, []byte("\r\n")) {
		header = append(append([]byte{}, header...), '\r', '\n')
	}
	header = append(append([]byte{}, header...), '\r', '\n')
	return header, nil
}

type hdrField struct {
	name  string
	value string // folded continuation lines joined, without the name
	raw   []byte // original bytes including the name and line breaks
}

// parseHeader splits raw header bytes into fields, preserving the
// original bytes of each field.
func parseHeader(header []byte) []hdrField {
	var fields []hdrField
	var cur []byte
	flush := func() {
		if len(cur) == 0 {
			return
		}
		i := bytes.IndexByte(cur, ':')
		if i < 0 {
			cur = nil
			return
		}
		name := strings.TrimSpace(string(cur[:i]))
		val := cur[i+1:]
		val = bytes.ReplaceAll(val, []byte("\r\n"), []byte(" "))
		val = bytes.ReplaceAll(val, []byte("\n"), []byte(" "))
		fields = append(fields, hdrField{
			name:  name,
			value: strings.TrimSpace(string(val)),
			raw:   cur,
		})
		cur = nil
	}
	rest := header
	for len(rest) > 0 {
		line := rest
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			line = rest[:i+1]
			rest = rest[i+1:]
		} else {
			rest = nil
		}
		trimmed := bytes.TrimRight(line, "\r\n")
		if len(trimmed) == 0 {
			break // blank line ends the header
		}
		if line[0] == ' ' || line[0] == '\t' {
			cur = append(cur, line...)
			continue
		}
		flush()
		cur = append([]byte{}, line...)
	}
	flush()
	return fields
}

func headerGet(fields []hdrField, name string) string {
	for i := range fields {
		if strings.EqualFold(fields[i].name, name) {
			return fields[i].value
		}
	}
	return ""
}

// headerFields selects (or excludes) fields by name. Selected fields
// keep their original bytes; selection order follows the request.
// The result carries a terminating blank line.
func headerFields(header []byte, names [][]byte, exclude bool) []byte {
	fields := parseHeader(header)
	var out []byte
	appendField := func(f *hdrField) {
		out = append(out, f.raw...)
		if !bytes.HasSuffix(out, []byte("\n")) {
			out = append(out, '\r', '\n')
		}
	}
	if exclude {
		for i := range fields {
			keep := true
			for _, name := range names {
				if strings.EqualFold(fields[i].name, string(name)) {
					keep = false
					break
				}
			}
			if keep {
				appendField(&fields[i])
			}
		}
	} else {
		for _, name := range names {
			for i := range fields {
				if strings.EqualFold(fields[i].name, string(name)) {
					appendField(&fields[i])
				}
			}
		}
	}
	out = append(out, '\r', '\n')
	return out
}

// contentParams parses the Content-Type of a header, with the RFC
// 2045 default applied.
func contentParams(fields []hdrField) (mediaType string, params map[string]string) {
	ct := headerGet(fields, "Content-Type")
	if ct == "" {
		return "text/plain", map[string]string{"charset": "us-ascii"}
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return "text/plain", map[string]string{"charset": "us-ascii"}
	}
	return mediaType, params
}

// splitParts cuts a multipart body at its boundary lines.
// Each returned part is a complete sub-message, headers and all.
func splitParts(body []byte, boundary string) [][]byte {
	delim := []byte("--" + boundary)
	var parts [][]byte
	var cur []byte
	inPart := false
	rest := body
	for len(rest) > 0 {
		line := rest
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			line = rest[:i+1]
			rest = rest[i+1:]
		} else {
			rest = nil
		}
		trimmed := bytes.TrimRight(line, "\r\n")
		if bytes.HasPrefix(trimmed, delim) {
			tail := trimmed[len(delim):]
			tail = bytes.TrimRight(tail, " \t")
			if len(tail) == 0 || bytes.Equal(tail, []byte("--")) {
				if inPart {
					// Drop the CRLF belonging to the boundary line.
					cur = bytes.TrimSuffix(cur, []byte("\r\n"))
					parts = append(parts, cur)
					cur = nil
				}
				if bytes.Equal(tail, []byte("--")) {
					break
				}
				inPart = true
				continue
			}
		}
		if inPart {
			cur = append(cur, line...)
		}
	}
	return parts
}

// findPart descends a numeric section path. Each returned part is a
// full sub-message with its own MIME headers.
func findPart(raw []byte, path []uint16) ([]byte, bool) {
	cur := raw
	for _, n := range path {
		if n == 0 {
			return nil, false
		}
		header, body := splitMessage(cur)
		_, params := contentParams(parseHeader(header))
		boundary := params["boundary"]
		if boundary == "" {
			// A non-multipart message has exactly one part: its body.
			if n != 1 {
				return nil, false
			}
			cur = body
			continue
		}
		parts := splitParts(body, boundary)
		if int(n) > len(parts) {
			return nil, false
		}
		cur = parts[n-1]
	}
	return cur, true
}

// sectionBytes extracts the bytes a BODY[...] section refers to.
func sectionBytes(raw []byte, sec *imapparser.FetchItemSection) ([]byte, bool) {
	part := raw
	var partHeader []byte
	if len(sec.Path) > 0 {
		full, ok := findPart(raw, sec.Path)
		if !ok {
			return nil, false
		}
		partHeader, part = splitMessage(full)
	}
	switch sec.Name {
	case "":
		return part, true
	case "MIME":
		return partHeader, true
	case "HEADER":
		header, _ := splitMessage(part)
		return header, true
	case "TEXT":
		_, body := splitMessage(part)
		return body, true
	case "HEADER.FIELDS":
		header, _ := splitMessage(part)
		return headerFields(header, sec.Headers, false), true
	case "HEADER.FIELDS.NOT":
		header, _ := splitMessage(part)
		return headerFields(header, sec.Headers, true), true
	}
	return nil, false
}

// appendEnvString appends an IMAP quoted string, or NIL when empty.
// CR and LF are dropped so the value stays a single line.
func appendEnvString(b []byte, s string) []byte {
	if s == "" {
		return append(b, "NIL"...)
	}
	b = append(b, '"')
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\r', '\n':
		case '"', '\\':
			b = append(b, '\\', s[i])
		default:
			b = append(b, s[i])
		}
	}
	return append(b, '"')
}

// appendAddrList appends an envelope address list, NIL if the header
// is absent or unparseable.
func appendAddrList(b []byte, value string) []byte {
	if value == "" {
		return append(b, "NIL"...)
	}
	addrs, err := mail.ParseAddressList(value)
	if err != nil || len(addrs) == 0 {
		return append(b, "NIL"...)
	}
	b = append(b, '(')
	for _, a := range addrs {
		mailbox, host := a.Address, ""
		if i := strings.LastIndexByte(a.Address, '@'); i >= 0 {
			mailbox, host = a.Address[:i], a.Address[i+1:]
		}
		b = append(b, '(')
		b = appendEnvString(b, a.Name)
		b = append(b, " NIL "...)
		b = appendEnvString(b, mailbox)
		b = append(b, ' ')
		b = appendEnvString(b, host)
		b = append(b, ')')
	}
	return append(b, ')')
}

// renderEnvelope builds the RFC 3501 ENVELOPE value for a message.
func renderEnvelope(raw []byte) []byte {
	header, _ := splitMessage(raw)
	fields := parseHeader(header)

	from := headerGet(fields, "From")
	sender := headerGet(fields, "Sender")
	if sender == "" {
		sender = from
	}
	replyTo := headerGet(fields, "Reply-To")
	if replyTo == "" {
		replyTo = from
	}

	b := make([]byte, 0, 256)
	b = append(b, '(')
	b = appendEnvString(b, headerGet(fields, "Date"))
	b = append(b, ' ')
	b = appendEnvString(b, headerGet(fields, "Subject"))
	b = append(b, ' ')
	b = appendAddrList(b, from)
	b = append(b, ' ')
	b = appendAddrList(b, sender)
	b = append(b, ' ')
	b = appendAddrList(b, replyTo)
	b = append(b, ' ')
	b = appendAddrList(b, headerGet(fields, "To"))
	b = append(b, ' ')
	b = appendAddrList(b, headerGet(fields, "Cc"))
	b = append(b, ' ')
	b = appendAddrList(b, headerGet(fields, "Bcc"))
	b = append(b, ' ')
	b = appendEnvString(b, headerGet(fields, "In-Reply-To"))
	b = append(b, ' ')
	b = appendEnvString(b, headerGet(fields, "Message-ID"))
	return append(b, ')')
}

func countLines(b []byte) int {
	return bytes.Count(b, []byte("\n"))
}

// appendPart appends the parenthesized body structure for a full
// sub-message. With extended set, the RFC 3501 extension fields are
// included (the BODYSTRUCTURE form, as opposed to BODY).
func appendPart(b []byte, full []byte, extended bool) []byte {
	header, body := splitMessage(full)
	fields := parseHeader(header)
	mediaType, params := contentParams(fields)

	b = append(b, '(')
	if boundary := params["boundary"]; boundary != "" && strings.HasPrefix(mediaType, "multipart/") {
		parts := splitParts(body, boundary)
		if len(parts) == 0 {
			// Treat a boundary-less multipart as an opaque part.
			return appendBasicPart(b, mediaType, params, fields, body, extended)
		}
		for _, part := range parts {
			b = appendPart(b, part, extended)
		}
		b = append(b, ' ')
		b = appendEnvString(b, strings.ToUpper(mediaType[strings.IndexByte(mediaType, '/')+1:]))
		if extended {
			b = append(b, ' ')
			b = appendParams(b, params)
			b = append(b, " NIL NIL"...)
		}
		return append(b, ')')
	}
	return appendBasicPart(b, mediaType, params, fields, body, extended)
}

// appendBasicPart appends a non-multipart body, without the opening
// paren (the caller wrote it) but with the closing one.
func appendBasicPart(b []byte, mediaType string, params map[string]string, fields []hdrField, body []byte, extended bool) []byte {
	typ, sub := mediaType, ""
	if i := strings.IndexByte(mediaType, '/'); i >= 0 {
		typ, sub = mediaType[:i], mediaType[i+1:]
	}
	b = appendEnvString(b, strings.ToUpper(typ))
	b = append(b, ' ')
	b = appendEnvString(b, strings.ToUpper(sub))
	b = append(b, ' ')
	b = appendParams(b, params)
	b = append(b, ' ')
	b = appendEnvString(b, headerGet(fields, "Content-ID"))
	b = append(b, ' ')
	b = appendEnvString(b, headerGet(fields, "Content-Description"))
	b = append(b, ' ')
	encoding := headerGet(fields, "Content-Transfer-Encoding")
	if encoding == "" {
		encoding = "7BIT"
	}
	b = appendEnvString(b, strings.ToUpper(encoding))
	b = append(b, ' ')
	b = strconv.AppendInt(b, int64(len(body)), 10)
	if strings.EqualFold(typ, "text") || strings.EqualFold(mediaType, "message/rfc822") {
		b = append(b, ' ')
		b = strconv.AppendInt(b, int64(countLines(body)), 10)
	}
	if extended {
		b = append(b, " NIL NIL NIL NIL"...)
	}
	return append(b, ')')
}

func appendParams(b []byte, params map[string]string) []byte {
	if len(params) == 0 {
		return append(b, "NIL"...)
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	// Parameter order is not significant, but keep it stable.
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	b = append(b, '(')
	for i, name := range names {
		if i > 0 {
			b = append(b, ' ')
		}
		b = appendEnvString(b, strings.ToUpper(name))
		b = append(b, ' ')
		b = appendEnvString(b, params[name])
	}
	return append(b, ')')
}

// renderStructure builds the ENVELOPE, BODY, and BODYSTRUCTURE values
// in one pass over the message.
func renderStructure(raw []byte) (envelope, body, bodyStructure []byte) {
	envelope = renderEnvelope(raw)
	body = appendPart(nil, raw, false)
	bodyStructure = appendPart(nil, raw, true)
	return envelope, body, bodyStructure
}
