package cache

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// CanonicalKey derives the cache key for a logical request: a tool name plus
// its argument map. Arguments are serialized with encoding/json, which writes
// map keys in sorted order at every nesting level, so two argument maps that
// are equal as sets of key/value pairs hash identically regardless of how
// they were built.
//
// Values that cannot be JSON-serialized (channels, funcs) fall back to their
// fmt representation. That loses precision for exotic payloads but never
// affects correctness — at worst two equivalent requests miss each other's
// cache entries.
func CanonicalKey(tool string, args map[string]any) string {
	var canon string
	if data, err := json.Marshal(args); err == nil {
		canon = string(data)
	} else {
		canon = fmt.Sprintf("%v", args)
	}
	sum := xxhash.Sum64String(canon)
	return "tool:" + tool + ":" + strconv.FormatUint(sum, 16)
}
