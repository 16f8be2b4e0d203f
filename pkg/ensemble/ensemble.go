// Package ensemble contains the core domain types for the ensemble matching service.
package ensemble

import "time"

// Collection names in the record store.
const (
	Postings      = "postings"
	Applications  = "applications"
	ChatRooms     = "chatRooms"
	ChatMessages  = "chatMessages"
	Notifications = "notifications"
	Bookmarks     = "bookmarks"
	Users         = "users"
)

// PostingStatus is the recruiting state of a posting.
type PostingStatus string

// Posting states.
const (
	PostingOpen   PostingStatus = "open"
	PostingClosed PostingStatus = "closed"
)

// ApplicationStatus is the lifecycle state of an application.
type ApplicationStatus string

// Application states. Everything but StatusPending is terminal.
const (
	StatusPending   ApplicationStatus = "pending"
	StatusAccepted  ApplicationStatus = "accepted"
	StatusRejected  ApplicationStatus = "rejected"
	StatusCancelled ApplicationStatus = "cancelled"
)

// NotificationType identifies what a notification is about.
type NotificationType string

// Notification types.
const (
	NotifyApplication         NotificationType = "application"
	NotifyApplicationAccepted NotificationType = "application_accepted"
	NotifyApplicationRejected NotificationType = "application_rejected"
)

// Posting categories.
const (
	CategoryChamber   = "chamber"
	CategoryOrchestra = "orchestra"
	CategoryOther     = "other"
)

// RequiredInstrument is one instrument slot group offered by a posting.
type RequiredInstrument struct {
	Instrument string `json:"instrument"`
	Count      int    `json:"count"`  // Fixed at creation
	Filled     int    `json:"filled"` // Adjusted only on accept
}

// Posting is an ensemble's listing of open instrument slots.
type Posting struct {
	CreatedAt                  time.Time            `json:"createdAt"`
	UpdatedAt                  time.Time            `json:"updatedAt"`
	ExpiresAt                  *time.Time           `json:"expiresAt,omitempty"`
	ID                         string               `json:"id"`
	AuthorID                   string               `json:"authorId"`
	Title                      string               `json:"title"`
	TeamName                   string               `json:"teamName"`
	CategoryMain               string               `json:"categoryMain"`
	CategorySub                string               `json:"categorySub,omitempty"`
	Repertoire                 string               `json:"repertoire,omitempty"`
	Region                     string               `json:"region,omitempty"`
	RehearsalFrequency         string               `json:"rehearsalFrequency,omitempty"`
	Description                string               `json:"description,omitempty"`
	Status                     PostingStatus        `json:"status"`
	RequiredSkillLevel         []string             `json:"requiredSkillLevel,omitempty"`
	RequiredInstruments        []RequiredInstrument `json:"requiredInstruments"`
	TotalNeeded                int                  `json:"totalNeeded"`
	TotalFilled                int                  `json:"totalFilled"`
	ApplicantCount             int                  `json:"applicantCount"`
	AcceptedCount              int                  `json:"acceptedCount"`
	BookmarkCount              int                  `json:"bookmarkCount"`
	AutoCloseWhenFilled        bool                 `json:"autoCloseWhenFilled"`
	AllowReapplyAfterRejection bool                 `json:"allowReapplyAfterRejection"`
}

// Application is one applicant's request to fill one instrument slot.
type Application struct {
	AppliedAt         time.Time         `json:"appliedAt"`
	RespondedAt       *time.Time        `json:"respondedAt,omitempty"`
	CancelledAt       *time.Time        `json:"cancelledAt,omitempty"`
	Message           *string           `json:"message"`
	ID                string            `json:"id"`
	PostingID         string            `json:"postingId"`
	ApplicantID       string            `json:"applicantId"`
	PostingAuthorID   string            `json:"postingAuthorId"` // Snapshot taken at creation
	AppliedInstrument string            `json:"appliedInstrument"`
	Status            ApplicationStatus `json:"status"`
}

// ChatRoom is the two-party channel opened when an application is accepted.
// Its ID is the application ID.
type ChatRoom struct {
	CreatedAt     time.Time      `json:"createdAt"`
	LastMessageAt *time.Time     `json:"lastMessageAt"`
	UnreadCount   map[string]int `json:"unreadCount"`
	ID            string         `json:"id"`
	ApplicationID string         `json:"applicationId"`
	PostingID     string         `json:"postingId"`
	LastMessage   string         `json:"lastMessage"`
	Participants  []string       `json:"participants"`
	IsActive      bool           `json:"isActive"`
}

// HasParticipant reports whether uid belongs to the chat room.
func (c *ChatRoom) HasParticipant(uid string) bool {
	for _, p := range c.Participants {
		if p == uid {
			return true
		}
	}
	return false
}

// ChatMessage is one line posted to a chat room. Messages are never edited.
type ChatMessage struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
}

// Notification is an append-only message to a single user.
type Notification struct {
	CreatedAt            time.Time        `json:"createdAt"`
	ID                   string           `json:"id"`
	UserID               string           `json:"userId"`
	Type                 NotificationType `json:"type"`
	Title                string           `json:"title"`
	Message              string           `json:"message"`
	RelatedPostingID     string           `json:"relatedPostingId,omitempty"`
	RelatedApplicationID string           `json:"relatedApplicationId,omitempty"`
	RelatedUserID        string           `json:"relatedUserId,omitempty"`
	IsRead               bool             `json:"isRead"`
}

// Bookmark records that a user saved a posting.
type Bookmark struct {
	BookmarkedAt time.Time `json:"bookmarkedAt"`
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	PostingID    string    `json:"postingId"`
}

// BookmarkID returns the document ID for a user's bookmark of a posting.
func BookmarkID(uid, postingID string) string {
	return uid + "_" + postingID
}

// Profile holds the contact details used for notification email.
type Profile struct {
	UpdatedAt   time.Time `json:"updatedAt"`
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	Instruments []string  `json:"instruments,omitempty"`
	EmailOptOut bool      `json:"emailOptOut"`
}
