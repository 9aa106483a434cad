package schema

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/hpungsan/margin/internal/errors"
)

// maxObjectStarts bounds how many '{' positions ExtractJSON tries.
const maxObjectStarts = 64

// ExtractJSON returns the first complete JSON object embedded in raw,
// ignoring code fences and prose around it. It fails with MALFORMED_OUTPUT
// when raw holds no parseable object.
func ExtractJSON(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", errors.NewMalformedOutput("", "empty response")
	}

	tries := 0
	for offset := 0; offset < len(text) && tries < maxObjectStarts; {
		i := strings.IndexByte(text[offset:], '{')
		if i < 0 {
			break
		}
		start := offset + i
		tries++

		dec := json.NewDecoder(strings.NewReader(text[start:]))
		var obj json.RawMessage
		if err := dec.Decode(&obj); err == nil && len(obj) > 0 && obj[0] == '{' {
			var compact bytes.Buffer
			if json.Compact(&compact, obj) == nil {
				return compact.String(), nil
			}
			return string(obj), nil
		}
		offset = start + 1
	}
	return "", errors.NewMalformedOutput("", "no JSON object found in response")
}
