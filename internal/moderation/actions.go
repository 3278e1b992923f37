package moderation

import (
	"sort"

	"yorkiexchange/internal/models"
)

// Transition is the single row change an action performs. Collection is
// always one of the fixed table names below, never caller input.
type Transition struct {
	Action     string
	Collection string
	TargetType models.TargetType
	TargetID   string
	Delete     bool
	Set        map[string]any
}

type actionDef struct {
	targetType models.TargetType
	collection string
	delete     bool
	set        map[string]any
	label      string
	metadata   func() metadata
}

var actions = map[string]actionDef{
	"approve_listing": {
		targetType: models.TargetListing, collection: "listings",
		set: map[string]any{"status": string(models.ListingActive)}, label: "approved",
		metadata: func() metadata { return &ApproveListingMeta{} },
	},
	"suspend_listing": {
		targetType: models.TargetListing, collection: "listings",
		set: map[string]any{"status": string(models.ListingPaused)}, label: "suspended",
		metadata: func() metadata { return &ReasonMeta{} },
	},
	"delete_listing": {
		targetType: models.TargetListing, collection: "listings",
		delete: true, label: "deleted",
		metadata: func() metadata { return &ReasonMeta{} },
	},
	"lock_thread": {
		targetType: models.TargetThread, collection: "threads",
		set: map[string]any{"is_locked": true}, label: "locked",
		metadata: func() metadata { return &ReasonMeta{} },
	},
	"delete_thread": {
		targetType: models.TargetThread, collection: "threads",
		delete: true, label: "deleted",
		metadata: func() metadata { return &ReasonMeta{} },
	},
	"close_report": {
		targetType: models.TargetReport, collection: "reports",
		set: map[string]any{"status": string(models.ReportClosed)}, label: "closed",
		metadata: func() metadata { return &CloseReportMeta{} },
	},
	"ban_user": {
		targetType: models.TargetUser, collection: "profiles",
		set: map[string]any{"status": string(models.UserBanned)}, label: "banned",
		metadata: func() metadata { return &BanUserMeta{} },
	},
	"unban_user": {
		targetType: models.TargetUser, collection: "profiles",
		set: map[string]any{"status": string(models.UserActive)}, label: "unbanned",
		metadata: func() metadata { return &NoteMeta{} },
	},
}

// Actions lists the supported action names in sorted order.
func Actions() []string {
	out := make([]string, 0, len(actions))
	for name := range actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s actionDef) transition(action, targetID string) Transition {
	t := Transition{
		Action:     action,
		Collection: s.collection,
		TargetType: s.targetType,
		TargetID:   targetID,
		Delete:     s.delete,
	}
	if !s.delete {
		t.Set = make(map[string]any, len(s.set))
		for k, v := range s.set {
			t.Set[k] = v
		}
	}
	return t
}
