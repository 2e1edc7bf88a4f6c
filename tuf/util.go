package tuf

import (
	"encoding/json"
	"io"
	"strconv"
)

func encodeJSONTo(w io.Writer, v interface{}) error {
	return json.NewEncoder(w).Encode(v)
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
