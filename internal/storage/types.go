// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vestige Contributors

// Package storage defines the event model, query types, and template
// matching shared by the SQLite store, the full-text sidecar, and the
// monitor bus.
package storage

import "math"

// Event is one record of user activity. An Event value doubles as a query
// template: unset fields are wildcards, and field values accept the
// modifiers documented on ParseField.
type Event struct {
	ID             uint32    `json:"id,omitempty"`
	Timestamp      int64     `json:"timestamp"` // milliseconds since the epoch
	Interpretation string    `json:"interpretation,omitempty"`
	Manifestation  string    `json:"manifestation,omitempty"`
	Actor          string    `json:"actor,omitempty"`
	Origin         string    `json:"origin,omitempty"`
	Payload        []byte    `json:"payload,omitempty"`
	Subjects       []Subject `json:"subjects"`
}

// Subject is a thing an event is about.
type Subject struct {
	URI            string `json:"uri,omitempty"`
	CurrentURI     string `json:"current_uri,omitempty"`
	Interpretation string `json:"interpretation,omitempty"`
	Manifestation  string `json:"manifestation,omitempty"`
	Origin         string `json:"origin,omitempty"`
	Mimetype       string `json:"mimetype,omitempty"`
	Text           string `json:"text,omitempty"`
	Storage        string `json:"storage,omitempty"`
}

// TimeRange is the half-open interval [Begin, End) in milliseconds.
type TimeRange struct {
	Begin int64 `json:"begin"`
	End   int64 `json:"end"`
}

// AlwaysRange covers all representable timestamps.
func AlwaysRange() TimeRange {
	return TimeRange{Begin: 0, End: math.MaxInt64}
}

// Empty reports whether the range contains no instants.
func (tr TimeRange) Empty() bool {
	return tr.End <= tr.Begin
}

// Contains reports whether ts falls inside the range.
func (tr TimeRange) Contains(ts int64) bool {
	return ts >= tr.Begin && ts < tr.End
}

// Overlaps reports whether the two half-open ranges intersect.
func (tr TimeRange) Overlaps(other TimeRange) bool {
	return tr.Begin < other.End && other.Begin < tr.End
}

// StorageState filters subjects by the availability of their backing medium.
type StorageState int

const (
	StorageNotAvailable StorageState = 0
	StorageAvailable    StorageState = 1
	StorageAny          StorageState = 2
)

// ResultType selects the ordering and grouping of query results. The
// numeric values are part of the wire contract.
type ResultType int

const (
	MostRecentEvents     ResultType = 0
	LeastRecentEvents    ResultType = 1
	MostRecentSubjects   ResultType = 2
	LeastRecentSubjects  ResultType = 3
	MostPopularSubjects  ResultType = 4
	LeastPopularSubjects ResultType = 5
	MostPopularActor     ResultType = 6
	LeastPopularActor    ResultType = 7
	MostRecentActor      ResultType = 8
	LeastRecentActor     ResultType = 9

	// Relevancy is only meaningful for full-text searches: results keep
	// the ranking the text engine assigns.
	Relevancy ResultType = 100
)

// Valid reports whether rt is a known result type tag.
func (rt ResultType) Valid() bool {
	switch rt {
	case MostRecentEvents, LeastRecentEvents,
		MostRecentSubjects, LeastRecentSubjects,
		MostPopularSubjects, LeastPopularSubjects,
		MostPopularActor, LeastPopularActor,
		MostRecentActor, LeastRecentActor,
		Relevancy:
		return true
	}
	return false
}

// Coalesces reports whether rt groups candidates before truncation.
func (rt ResultType) Coalesces() bool {
	switch rt {
	case MostRecentSubjects, LeastRecentSubjects,
		MostPopularSubjects, LeastPopularSubjects,
		MostPopularActor, LeastPopularActor,
		MostRecentActor, LeastRecentActor:
		return true
	}
	return false
}

// GroupsByActor reports whether the coalescing key is the actor rather
// than the subject uri.
func (rt ResultType) GroupsByActor() bool {
	switch rt {
	case MostPopularActor, LeastPopularActor, MostRecentActor, LeastRecentActor:
		return true
	}
	return false
}

// ByPopularity reports whether groups are ordered by size instead of
// representative timestamp.
func (rt ResultType) ByPopularity() bool {
	switch rt {
	case MostPopularSubjects, LeastPopularSubjects, MostPopularActor, LeastPopularActor:
		return true
	}
	return false
}

// Ascending reports whether rt is a least-variant.
func (rt ResultType) Ascending() bool {
	switch rt {
	case LeastRecentEvents, LeastRecentSubjects, LeastPopularSubjects,
		LeastPopularActor, LeastRecentActor:
		return true
	}
	return false
}

func (rt ResultType) String() string {
	switch rt {
	case MostRecentEvents:
		return "most-recent-events"
	case LeastRecentEvents:
		return "least-recent-events"
	case MostRecentSubjects:
		return "most-recent-subjects"
	case LeastRecentSubjects:
		return "least-recent-subjects"
	case MostPopularSubjects:
		return "most-popular-subjects"
	case LeastPopularSubjects:
		return "least-popular-subjects"
	case MostPopularActor:
		return "most-popular-actor"
	case LeastPopularActor:
		return "least-popular-actor"
	case MostRecentActor:
		return "most-recent-actor"
	case LeastRecentActor:
		return "least-recent-actor"
	case Relevancy:
		return "relevancy"
	default:
		return "unknown"
	}
}
