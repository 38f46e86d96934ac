package cache

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/engramdb/engram/internal/vecmath"
)

// Key hashes a search request into a cache key. The filter is canonicalized
// by sorting its keys and tagging each value with its type, so two requests
// that differ only in map iteration order hash identically.
func Key(collection string, query []float32, k int, metric vecmath.Metric, filter map[string]any) uint64 {
	d := xxhash.New()
	sep := []byte{0}

	_, _ = d.WriteString(collection)
	_, _ = d.Write(sep)
	_, _ = d.Write(vecmath.ToBytes(query))
	_, _ = d.Write(sep)
	_, _ = d.WriteString(strconv.Itoa(k))
	_, _ = d.Write(sep)
	_, _ = d.WriteString(string(metric))
	_, _ = d.Write(sep)

	keys := make([]string, 0, len(filter))
	for fk := range filter {
		keys = append(keys, fk)
	}
	sort.Strings(keys)
	for _, fk := range keys {
		_, _ = d.WriteString(fk)
		_, _ = d.Write(sep)
		writeValue(d, filter[fk])
		_, _ = d.Write(sep)
	}
	return d.Sum64()
}

// writeValue encodes a filter value with a type tag so "1" and 1 never
// collide.
func writeValue(d *xxhash.Digest, v any) {
	switch v := v.(type) {
	case string:
		_, _ = d.WriteString("s:" + v)
	case int:
		_, _ = d.WriteString("i:" + strconv.FormatInt(int64(v), 10))
	case int64:
		_, _ = d.WriteString("i:" + strconv.FormatInt(v, 10))
	case float64:
		_, _ = d.WriteString("f:" + strconv.FormatFloat(v, 'g', -1, 64))
	case bool:
		_, _ = d.WriteString("b:" + strconv.FormatBool(v))
	default:
		_, _ = fmt.Fprintf(d, "x:%T:%v", v, v)
	}
}
