package models

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Actor is a privileged operator resolved from a bearer credential for the
// duration of one request. It is never persisted here.
type Actor struct {
	ID         string
	Role       Role
	Privileged bool
}

type TargetType string

const (
	TargetListing TargetType = "listing"
	TargetThread  TargetType = "thread"
	TargetReport  TargetType = "report"
	TargetUser    TargetType = "user"
)

type ListingStatus string

const (
	ListingActive ListingStatus = "active"
	ListingPaused ListingStatus = "paused"
)

type UserStatus string

const (
	UserActive UserStatus = "active"
	UserBanned UserStatus = "banned"
)

type ReportStatus string

const (
	ReportOpen   ReportStatus = "open"
	ReportClosed ReportStatus = "closed"
)

type ActionRequest struct {
	Action   string          `json:"action" validate:"required,max=64"`
	TargetID string          `json:"targetId" validate:"required,max=128"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// AuditRecord is append-only. Metadata is the JSON encoding of the
// action-specific metadata and is "{}" when none was supplied.
type AuditRecord struct {
	ID         string          `json:"id"`
	ActorID    string          `json:"actor_id"`
	Action     string          `json:"action"`
	TargetType TargetType      `json:"target_type"`
	TargetID   string          `json:"target_id"`
	Metadata   json.RawMessage `json:"metadata"`
	CreatedAt  time.Time       `json:"created_at"`
}

type OrphanedAudit struct {
	Record     AuditRecord
	Error      string
	ReplayedAt *time.Time
}

// Profile is the privilege view of a user row. IsAdmin is the legacy flag
// kept only while data migrates to Role.
type Profile struct {
	ID        string     `json:"id"`
	Username  string     `json:"username,omitempty"`
	Role      Role       `json:"role"`
	IsAdmin   bool       `json:"is_admin"`
	Status    UserStatus `json:"status,omitempty"`
	AvatarURL string     `json:"avatar_url,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

type Listing struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Status    ListingStatus `json:"status"`
	UserID    string        `json:"user_id"`
	CreatedAt time.Time     `json:"created_at"`
}

type Thread struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	IsLocked  bool      `json:"is_locked"`
	CreatedAt time.Time `json:"created_at"`
}

type Report struct {
	ID         string       `json:"id"`
	ReporterID string       `json:"reporter_id"`
	TargetType string       `json:"target_type"`
	TargetID   string       `json:"target_id"`
	Reason     string       `json:"reason"`
	Status     ReportStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
}

type ModerationQueue struct {
	Reports  []Report  `json:"reports"`
	Listings []Listing `json:"listings"`
	Threads  []Thread  `json:"threads"`
	Users    []Profile `json:"users"`
}

type DeliveryStatus string

const (
	DeliverySending DeliveryStatus = "sending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Message is the canonical row persisted by the backend. ClientID carries
// the sender's correlation id back through the realtime feed.
type Message struct {
	ID             string     `json:"id"`
	ClientID       string     `json:"client_id,omitempty"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Body           string     `json:"body"`
	CreatedAt      time.Time  `json:"created_at"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

type MessageDraft struct {
	ClientID       string `json:"client_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
}

type LocalMessage struct {
	ID             string
	LocalID        string
	ConversationID string
	SenderID       string
	Body           string
	CreatedAt      time.Time
	Status         DeliveryStatus
	RetryCount     int
}
