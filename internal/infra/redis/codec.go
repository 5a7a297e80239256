package redis

import "strconv"

// The cache is a serialization boundary: hash fields are strings, including
// booleans stored as the literals "true"/"false". Business logic never
// compares raw strings; everything passes through these helpers.

func encodeBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func decodeBool(raw string) bool {
	return raw == "true"
}

func encodeInt(v int) string {
	return strconv.Itoa(v)
}

func decodeInt(raw string) int {
	v, _ := strconv.Atoi(raw)
	return v
}

func encodeInt64(v int64) string {
	return strconv.FormatInt(v, 10)
}

func decodeInt64(raw string) int64 {
	v, _ := strconv.ParseInt(raw, 10, 64)
	return v
}
