package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MessageAction is a reply button attached to a message. Providers that cannot render
// buttons fall back to the links already in the body.
type MessageAction struct {
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
	// Callback is the in-chat payload, at most MaxCallbackLen bytes.
	Callback string `json:"callback,omitempty"`
}

// MaxCallbackLen is the Telegram limit for callback data.
const MaxCallbackLen = 64

type CallbackKind string

const (
	CallbackConfirm CallbackKind = "c"
	CallbackAccept  CallbackKind = "a"
	CallbackDecline CallbackKind = "d"
)

var ErrInvalidCallback = errors.New("invalid callback data")

// Callback is the decoded payload of a pressed button.
type Callback struct {
	Kind    CallbackKind
	Token   string
	OfferID string
	EntryID int64
}

func ConfirmCallback(token string) Callback {
	return Callback{Kind: CallbackConfirm, Token: token}
}

func OfferCallback(offerID string, entryID int64, response CandidateResponse) Callback {
	kind := CallbackDecline
	if response == ResponseAccepted {
		kind = CallbackAccept
	}
	return Callback{Kind: kind, OfferID: offerID, EntryID: entryID}
}

// Response maps an offer callback to the candidate response it stands for.
func (c Callback) Response() CandidateResponse {
	switch c.Kind {
	case CallbackAccept:
		return ResponseAccepted
	case CallbackDecline:
		return ResponseDeclined
	default:
		return ResponseNone
	}
}

// String encodes the callback as "c:<token>" or "a|d:<offer>:<entry>".
func (c Callback) String() string {
	if c.Kind == CallbackConfirm {
		return fmt.Sprintf("%s:%s", c.Kind, c.Token)
	}
	return fmt.Sprintf("%s:%s:%d", c.Kind, c.OfferID, c.EntryID)
}

func ParseCallback(data string) (Callback, error) {
	parts := strings.Split(data, ":")
	if len(parts) < 2 {
		return Callback{}, fmt.Errorf("%w: %q", ErrInvalidCallback, data)
	}

	switch kind := CallbackKind(parts[0]); kind {
	case CallbackConfirm:
		if len(parts) != 2 || parts[1] == "" {
			return Callback{}, fmt.Errorf("%w: %q", ErrInvalidCallback, data)
		}
		return ConfirmCallback(parts[1]), nil
	case CallbackAccept, CallbackDecline:
		if len(parts) != 3 || parts[1] == "" {
			return Callback{}, fmt.Errorf("%w: %q", ErrInvalidCallback, data)
		}
		entryID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || entryID <= 0 {
			return Callback{}, fmt.Errorf("%w: %q", ErrInvalidCallback, data)
		}
		return Callback{Kind: kind, OfferID: parts[1], EntryID: entryID}, nil
	default:
		return Callback{}, fmt.Errorf("%w: %q", ErrInvalidCallback, data)
	}
}
