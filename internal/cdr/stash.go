package cdr

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	stashSize = 4096
	stashTTL  = 24 * time.Hour
)

// legStash parks callLegStart records that arrived without a call
// reference until their callLegEnd shows up.
type legStash struct {
	lru *expirable.LRU[string, stashedLeg]
}

type stashedLeg struct {
	leg *acanoCallLeg
	ts  time.Time
}

func newLegStash() *legStash {
	return &legStash{lru: expirable.NewLRU[string, stashedLeg](stashSize, nil, stashTTL)}
}

func stashKey(clusterID int64, legID string) string {
	return fmt.Sprintf("%d:%s", clusterID, legID)
}

func (s *legStash) put(clusterID int64, leg *acanoCallLeg, ts time.Time) {
	cp := *leg
	s.lru.Add(stashKey(clusterID, leg.ID), stashedLeg{leg: &cp, ts: ts})
}

// take removes and returns the stashed record, or nil.
func (s *legStash) take(clusterID int64, legID string) *stashedLeg {
	key := stashKey(clusterID, legID)
	v, ok := s.lru.Get(key)
	if !ok {
		return nil
	}
	s.lru.Remove(key)
	return &v
}

// mergeStashedLeg fills empty end-record fields from the stashed start.
func mergeStashedLeg(end, start *acanoCallLeg) {
	if end.Call == "" {
		end.Call = start.Call
	}
	if end.RemoteParty == "" {
		end.RemoteParty = start.RemoteParty
	}
	if end.LocalAddress == "" {
		end.LocalAddress = start.LocalAddress
	}
	if end.DisplayName == "" {
		end.DisplayName = start.DisplayName
	}
	if end.Direction == "" {
		end.Direction = start.Direction
	}
	if end.Type == "" {
		end.Type = start.Type
	}
	if end.SubType == "" {
		end.SubType = start.SubType
	}
	if end.Tenant == "" {
		end.Tenant = start.Tenant
	}
	if start.GuestConnection {
		end.GuestConnection = true
	}
}
