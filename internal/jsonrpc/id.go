// ABOUTME: JSON-RPC request identifier holding either a string or an integer
// ABOUTME: The two forms are distinct values and marshal back to their original JSON type

package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a string or integer request identifier. It is comparable, so it can key
// maps directly; StringID("1") and IntID(1) are different keys.
type RequestID struct {
	str   string
	num   int64
	isStr bool
}

func StringID(s string) RequestID {
	return RequestID{str: s, isStr: true}
}

func IntID(n int64) RequestID {
	return RequestID{num: n}
}

func (id RequestID) IsString() bool {
	return id.isStr
}

// Int returns the integer form and false for string ids.
func (id RequestID) Int() (int64, bool) {
	return id.num, !id.isStr
}

// String renders the id for logs. String ids are quoted so "1" and 1 stay distinguishable.
func (id RequestID) String() string {
	if id.isStr {
		return strconv.Quote(id.str)
	}
	return strconv.FormatInt(id.num, 10)
}

// Raw returns the unquoted value, used for storage columns.
func (id RequestID) Raw() string {
	if id.isStr {
		return id.str
	}
	return strconv.FormatInt(id.num, 10)
}

func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return []byte(strconv.FormatInt(id.num, 10)), nil
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty request id")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid string id: %w", err)
		}
		*id = StringID(s)
		return nil
	case 'n':
		return fmt.Errorf("request id must not be null")
	}

	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("request id must be a string or an integer, got %s", data)
	}
	*id = IntID(n)
	return nil
}
