package contextbroker

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/smallbiznis/accountingproxy/internal/contextbroker/domain"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type mediaKind int

const (
	mediaJSON mediaKind = iota
	mediaXML
)

// mediaKindOf classifies a Content-Type header. A missing header is read as JSON.
func mediaKindOf(contentType string) (mediaKind, error) {
	if strings.TrimSpace(contentType) == "" {
		return mediaJSON, nil
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", domain.ErrUnsupportedMediaType, contentType)
	}
	switch {
	case mt == "application/json" || strings.HasSuffix(mt, "+json"):
		return mediaJSON, nil
	case mt == "application/xml" || mt == "text/xml" || strings.HasSuffix(mt, "+xml"):
		return mediaXML, nil
	default:
		return 0, fmt.Errorf("%w: %s", domain.ErrUnsupportedMediaType, mt)
	}
}

func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, fmt.Errorf("%w: body is not a JSON object", domain.ErrWrongPayload)
	}
	return obj, nil
}

// jsonString walks path through nested objects and returns the string leaf.
func jsonString(obj map[string]any, path ...string) (string, bool) {
	var current any = obj
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = m[key]
		if !ok {
			return "", false
		}
	}
	value, ok := current.(string)
	return value, ok
}

// setJSONLeaf replaces the string leaf at path inside body and leaves every
// other byte of the document as sent. The body must already be valid JSON.
func setJSONLeaf(body []byte, value string, path ...string) ([]byte, string, bool, error) {
	key := strings.Join(path, ".")
	old := gjson.GetBytes(body, key)
	if old.Type != gjson.String {
		return body, "", false, nil
	}
	out, err := sjson.SetBytes(body, key, value)
	if err != nil {
		return nil, "", false, fmt.Errorf("%w: %v", domain.ErrWrongPayload, err)
	}
	return out, old.String(), true, nil
}

// xmlText returns the character data of the first element named local.
func xmlText(body []byte, local string) (string, bool, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	depth := 0
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return "", false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("%w: %v", domain.ErrWrongPayload, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth > 0 {
				depth++
			} else if t.Name.Local == local {
				depth = 1
			}
		case xml.CharData:
			if depth == 1 {
				text.Write(t)
			}
		case xml.EndElement:
			if depth == 1 {
				return strings.TrimSpace(text.String()), true, nil
			}
			if depth > 0 {
				depth--
			}
		}
	}
}

// setXMLText rewrites the character data of the first element named local
// and re-encodes the document token by token.
func setXMLText(body []byte, local, value string) ([]byte, string, bool, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	var out bytes.Buffer
	enc := xml.NewEncoder(&out)

	var old strings.Builder
	inside, replaced, wrote := false, false, false
	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", false, fmt.Errorf("%w: %v", domain.ErrWrongPayload, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if !replaced && t.Name.Local == local {
				inside = true
			}
		case xml.CharData:
			if inside {
				old.Write(t)
				continue
			}
		case xml.EndElement:
			if inside && t.Name.Local == local {
				if err := enc.EncodeToken(xml.CharData(value)); err != nil {
					return nil, "", false, err
				}
				inside, replaced = false, true
			}
		case xml.ProcInst:
			// the encoder only accepts the xml declaration as the first token
			if t.Target == "xml" && wrote {
				continue
			}
		}
		if err := enc.EncodeToken(xml.CopyToken(tok)); err != nil {
			return nil, "", false, fmt.Errorf("%w: %v", domain.ErrWrongPayload, err)
		}
		wrote = true
	}
	if err := enc.Flush(); err != nil {
		return nil, "", false, err
	}
	return out.Bytes(), strings.TrimSpace(old.String()), replaced, nil
}
