package domain

import (
	"errors"
	"strings"
)

// Action is what a Context Broker request does to subscriptions or entities.
type Action string

const (
	ActionSubscribe          Action = "subscribe"
	ActionUnsubscribe        Action = "unsubscribe"
	ActionUpdateSubscription Action = "update_subscription"
	ActionCreate             Action = "create"
	ActionUpdate             Action = "update"
	ActionDelete             Action = "delete"
	ActionRead               Action = "read"
	ActionOther              Action = "other"
)

// IsSubscription reports whether the action is handled by the relay rather
// than forwarded as a plain metered request.
func (a Action) IsSubscription() bool {
	switch a {
	case ActionSubscribe, ActionUnsubscribe, ActionUpdateSubscription:
		return true
	default:
		return false
	}
}

type Version string

const (
	V1 Version = "v1"
	V2 Version = "v2"
)

func ParseVersion(raw string) (Version, error) {
	switch Version(strings.ToLower(strings.TrimSpace(raw))) {
	case V1:
		return V1, nil
	case V2:
		return V2, nil
	default:
		return "", ErrUnsupportedVersion
	}
}

// State is the lifecycle of a relayed subscription.
type State string

const (
	StateNone          State = "NONE"
	StatePendingCreate State = "PENDING_CREATE"
	StateActive        State = "ACTIVE"
	StatePendingUpdate State = "PENDING_UPDATE"
	StatePendingDelete State = "PENDING_DELETE"
	StateDeleted       State = "DELETED"
)

var (
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrWrongPayload         = errors.New("wrong_payload")
	ErrUnsupportedMediaType = errors.New("unsupported_media_type")
	ErrUnsupportedVersion   = errors.New("unsupported_context_broker_version")
	ErrCancelRejected       = errors.New("subscription_cancel_rejected")
)
