// Package model defines the server-owned entities the client caches: users,
// channels, messages, and channel subscriptions. Field names on the wire match
// the slink server's JSON encoding.
package model

import "time"

// User is a registered account. The client only ever receives whole
// replacements for a user, never partial patches.
type User struct {
	ID         string `json:"userID"`
	Screenname string `json:"screenname"`
}

// EntityID returns the user's server-issued identifier.
func (u User) EntityID() string { return u.ID }

// Channel is either a discoverable public channel or, when Private is set, a
// direct/group chat. Membership is modelled separately as Subscriptions; the
// UserIDs list is informative only and never merged field by field.
type Channel struct {
	ID      string   `json:"channelID"`
	Name    string   `json:"name"`
	Private bool     `json:"private"`
	UserIDs []string `json:"userIDs,omitempty"`
}

// EntityID returns the channel's server-issued identifier.
func (c Channel) EntityID() string { return c.ID }

// Message is a single chat line. Messages are immutable once created and are
// ordered within a channel by CreatedAt.
type Message struct {
	ID        string    `json:"messageID"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	UserID    string    `json:"userID"`
	ChannelID string    `json:"channelID"`
}

// EntityID returns the message's server-issued identifier.
func (m Message) EntityID() string { return m.ID }

// Subscription records that a user currently receives a channel's events.
type Subscription struct {
	ID        string `json:"subscriptionID"`
	UserID    string `json:"userID"`
	ChannelID string `json:"channelID"`
}

// EntityID returns the subscription's server-issued identifier.
func (s Subscription) EntityID() string { return s.ID }
