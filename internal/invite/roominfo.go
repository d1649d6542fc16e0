package invite

import (
	"encoding/json"
	"sort"
)

// MergeRoomInfo concatenates room_info lists into one stable-sorted list
// with duplicates removed. The sort key is the canonical JSON encoding of
// each entry, so merging is order-independent.
func MergeRoomInfo(lists ...[]RoomEntry) []RoomEntry {
	seen := make(map[string]RoomEntry)
	keys := make([]string, 0)
	for _, list := range lists {
		for _, entry := range list {
			enc, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			k := string(enc)
			if _, ok := seen[k]; !ok {
				seen[k] = entry
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	out := make([]RoomEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out
}
