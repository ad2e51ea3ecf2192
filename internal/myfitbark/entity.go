package myfitbark

import (
	"fmt"
	"strings"
	"time"
)

type RelationshipKind string

const (
	Owner    RelationshipKind = "OWNER"
	Follower RelationshipKind = "FOLLOWER"
)

// ParseRelationshipKind maps the remote relation status to a kind. Anything but an
// owner status is a follower.
func ParseRelationshipKind(status string) RelationshipKind {
	if strings.EqualFold(strings.TrimSpace(status), string(Owner)) {
		return Owner
	}
	return Follower
}

func (k RelationshipKind) IsOwner() bool {
	return k == Owner
}

// LinkedEntity is the local registry record mirroring one remote dog. The relationship
// kind is captured when the entity is created and never re-synced.
type LinkedEntity struct {
	ExternalId   string           `json:"external_id"`
	DisplayName  string           `json:"display_name"`
	Relationship RelationshipKind `json:"relationship"`
	RegisteredAt time.Time        `json:"registered_at"`
}

func (e LinkedEntity) String() string {
	return fmt.Sprintf("%s (%s)", e.DisplayName, e.ExternalId)
}
