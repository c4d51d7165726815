package model

import (
	"strings"
	"time"
)

// QueueKind separates ordinary parse reviews from sticky plan-calc quarantines.
type QueueKind string

const (
	QueueKindEFLParse           QueueKind = "EFL_PARSE"
	QueueKindPlanCalcQuarantine QueueKind = "PLAN_CALC_QUARANTINE"
)

// Sticky reports whether the self-healing routines must leave items of this
// kind untouched.
func (k QueueKind) Sticky() bool {
	return k == QueueKindPlanCalcQuarantine
}

// Valid reports whether k is a known kind.
func (k QueueKind) Valid() bool {
	return k == QueueKindEFLParse || k == QueueKindPlanCalcQuarantine
}

// Resolver values written to ReviewQueueItem.ResolvedBy.
const (
	ResolvedByAuto              = "auto"
	ResolvedByAdmin             = "admin"
	ResolvedByAutoTemplateMatch = "AUTO_TEMPLATE_MATCH"
	ResolvedByAutoDedupeOfferID = "AUTO_DEDUPE_OFFERID"
)

// ReviewQueueItem is a document routed for human review. An item is OPEN
// while ResolvedAt is nil; RESOLVED is terminal.
type ReviewQueueItem struct {
	ID              string     `json:"id"`
	Kind            QueueKind  `json:"kind"`
	DedupeKey       string     `json:"dedupeKey"`
	OfferID         string     `json:"offerId,omitempty"`
	EFLURL          string     `json:"eflUrl,omitempty"`
	EFLPdfSHA256    string     `json:"eflPdfSha256,omitempty"`
	RepPUCTCert     string     `json:"repPuctCertificate,omitempty"`
	EFLVersionCode  string     `json:"eflVersionCode,omitempty"`
	QueueReason     Reason     `json:"queueReason"`
	Detail          string     `json:"detail,omitempty"`
	RawText         string     `json:"-"`
	Attempts        int        `json:"attempts"`
	LastAttemptAt   *time.Time `json:"lastAttemptAt,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt"`
	ResolvedBy      string     `json:"resolvedBy,omitempty"`
	ResolutionNotes string     `json:"resolutionNotes,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// IsOpen reports whether the item is still awaiting resolution.
func (q *ReviewQueueItem) IsOpen() bool {
	return q.ResolvedAt == nil
}

// QueueState is the derived state of an item.
func (q *ReviewQueueItem) QueueState() string {
	if q.IsOpen() {
		return "OPEN"
	}
	return "RESOLVED"
}

// DedupeKeyFor builds a kind-prefixed dedupe key from the strongest identity
// available: sha, then cert+version, then offer id, then URL.
func DedupeKeyFor(kind QueueKind, sha, cert, version, offerID, url string) string {
	var parts []string
	switch {
	case sha != "":
		parts = []string{"sha256", sha}
	case cert != "" && version != "":
		parts = []string{"cert", cert, "ver", version}
	case offerID != "":
		parts = []string{"offer", offerID}
	case url != "":
		parts = []string{"url", url}
	default:
		parts = []string{"unknown"}
	}
	return string(kind) + ":" + strings.Join(parts, ":")
}
