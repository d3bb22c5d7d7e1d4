package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"
)

// SubjectString renders a user id as the string that addresses a subject.
// Producers send ids as JSON strings or numbers, and 1 and "1" name the same
// subject.
func SubjectString(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case json.Number:
		return numberString(id)
	case int:
		return strconv.Itoa(id), true
	case int64:
		return strconv.FormatInt(id, 10), true
	}
	return "", false
}

func numberString(n json.Number) (string, bool) {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), true
	}
	f, err := n.Float64()
	if err != nil {
		return "", false
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}

// subjectID is a userId field decoded from a JSON string or number.
type subjectID string

func (s *subjectID) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		*s = ""
		return nil
	}
	if raw[0] == '"' {
		var str string
		if err := sonic.Unmarshal(raw, &str); err != nil {
			return err
		}
		*s = subjectID(str)
		return nil
	}
	id, ok := numberString(json.Number(raw))
	if !ok {
		return fmt.Errorf("userId must be a string or a number, got %s", raw)
	}
	*s = subjectID(id)
	return nil
}
