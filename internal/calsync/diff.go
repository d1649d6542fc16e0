package calsync

import (
	"encoding/json"
	"sort"

	"github.com/mividas/corestat/internal/database/models"
	"github.com/mividas/corestat/internal/invite"
)

// ChangePair is a local item whose remote counterpart has changed.
type ChangePair struct {
	Local  models.CalendarItem
	Remote *RemoteItem
}

// SyncResult is what one credentials sync produced.
type SyncResult struct {
	New     []*RemoteItem
	Changed []ChangePair
	Removed []models.CalendarItem
}

// Empty reports whether the sync produced no work.
func (r *SyncResult) Empty() bool {
	return len(r.New) == 0 && len(r.Changed) == 0 && len(r.Removed) == 0
}

type diffKey struct {
	uid          string
	recurrenceID string
}

// Diff compares local calendar items against freshly fetched remote items.
// Both sides are grouped by (uid, recurrence_id); within a key, items are
// aligned by serialized identity so that re-running the diff after applying
// its result yields empty sets.
func Diff(local []models.CalendarItem, remote []*RemoteItem) SyncResult {
	localByKey := make(map[diffKey][]models.CalendarItem)
	for _, item := range local {
		k := diffKey{item.ICalUID, item.RecurrenceID}
		localByKey[k] = append(localByKey[k], item)
	}
	remoteByKey := make(map[diffKey][]*RemoteItem)
	for _, item := range remote {
		k := diffKey{item.UID, item.RecurrenceID}
		remoteByKey[k] = append(remoteByKey[k], item)
	}

	keys := make([]diffKey, 0, len(localByKey)+len(remoteByKey))
	for k := range localByKey {
		keys = append(keys, k)
	}
	for k := range remoteByKey {
		if _, ok := localByKey[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].uid != keys[j].uid {
			return keys[i].uid < keys[j].uid
		}
		return keys[i].recurrenceID < keys[j].recurrenceID
	})

	var res SyncResult
	for _, k := range keys {
		locals := localByKey[k]
		remotes, ok := remoteByKey[k]
		if !ok {
			res.Removed = append(res.Removed, locals...)
			continue
		}
		merged := mergeRemotes(remotes)
		if len(locals) == 0 {
			res.New = append(res.New, merged...)
			continue
		}
		alignKey(&res, locals, merged)
	}
	return res
}

// mergeRemotes collapses remote items that describe the same occurrence
// (same subject and times) into one, combining their room_info lists.
func mergeRemotes(remotes []*RemoteItem) []*RemoteItem {
	type occKey struct {
		subject string
		start   int64
		stop    int64
	}
	byOcc := make(map[occKey]*RemoteItem)
	var order []occKey
	for _, r := range remotes {
		k := occKey{r.Subject, r.TSStart.Unix(), r.TSStop.Unix()}
		if existing, ok := byOcc[k]; ok {
			existing.RoomInfo = invite.MergeRoomInfo(existing.RoomInfo, r.RoomInfo)
			existing.Endpoints = append(existing.Endpoints, r.Endpoints...)
			continue
		}
		byOcc[k] = r
		order = append(order, k)
	}
	out := make([]*RemoteItem, 0, len(order))
	for _, k := range order {
		out = append(out, byOcc[k])
	}
	return out
}

// alignKey pairs locals with remotes inside one (uid, recurrence_id) key.
func alignKey(res *SyncResult, locals []models.CalendarItem, remotes []*RemoteItem) {
	remoteSer := make([]string, len(remotes))
	serSeen := make(map[string]bool)
	for i, r := range remotes {
		remoteSer[i] = Serialize(r.Record)
		serSeen[remoteSer[i]] = true
	}

	used := make([]bool, len(remotes))
	var unmatchedLocals []models.CalendarItem
	for _, l := range locals {
		matched := false
		for i := range remotes {
			if !used[i] && remoteSer[i] == l.Serialized {
				used[i] = true
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		if serSeen[l.Serialized] {
			// A remote with this exact serialization exists but was
			// already claimed: the local row is a duplicate.
			res.Removed = append(res.Removed, l)
			continue
		}
		unmatchedLocals = append(unmatchedLocals, l)
	}

	var unmatchedRemotes []*RemoteItem
	for i, r := range remotes {
		if !used[i] {
			unmatchedRemotes = append(unmatchedRemotes, r)
		}
	}

	n := len(unmatchedLocals)
	if len(unmatchedRemotes) < n {
		n = len(unmatchedRemotes)
	}
	for i := 0; i < n; i++ {
		res.Changed = append(res.Changed, ChangePair{Local: unmatchedLocals[i], Remote: unmatchedRemotes[i]})
	}
	res.Removed = append(res.Removed, unmatchedLocals[n:]...)
	res.New = append(res.New, unmatchedRemotes[n:]...)
}

// Serialize renders the sync-identity of an invite: every field that should
// trigger a change when it moves, excluding room_info.
func Serialize(r *invite.Record) string {
	enc, err := json.Marshal(struct {
		UID          string   `json:"uid"`
		RecurrenceID string   `json:"rid"`
		Subject      string   `json:"subject"`
		TSStart      int64    `json:"ts_start"`
		TSStop       int64    `json:"ts_stop"`
		Timezone     string   `json:"tz"`
		Creator      string   `json:"creator"`
		IsRecurring  bool     `json:"recurring"`
		IsPrivate    bool     `json:"private"`
		Cancelled    bool     `json:"cancelled"`
		DialString   string   `json:"dialstring"`
		Fallback     string   `json:"fallback"`
		WebRTCDial   string   `json:"webrtc_dial"`
		Endpoints    []string `json:"endpoints,omitempty"`
	}{
		UID:          r.UID,
		RecurrenceID: r.RecurrenceID,
		Subject:      r.Subject,
		TSStart:      r.TSStart.Unix(),
		TSStop:       r.TSStop.Unix(),
		Timezone:     r.Timezone,
		Creator:      r.Creator,
		IsRecurring:  r.IsRecurring,
		IsPrivate:    r.IsPrivate,
		Cancelled:    r.Cancelled,
		DialString:   r.Dial.DialString,
		Fallback:     r.Dial.Fallback,
		WebRTCDial:   r.Dial.WebRTCDial,
		Endpoints:    sortedCopy(r.Endpoints),
	})
	if err != nil {
		return ""
	}
	return string(enc)
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
