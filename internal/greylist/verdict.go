package greylist

import (
	"fmt"
	"time"
)

type Kind int

const (
	KindAccept Kind = iota
	KindDeferred
	KindProtocolError
	KindTemporaryError
)

// Verdict labels, also used as the metrics label.
const (
	LabelAuthenticated     = "authenticated"
	LabelSPFPass           = "spf-pass"
	LabelWhitelisted       = "whitelisted"
	LabelWindowElapsed     = "greylist-window-elapsed"
	LabelDeferred          = "deferred"
	LabelMissingMTAAddress = "missing-mta-address"
	LabelMissingRecipient  = "missing-recipient"
	LabelStorageError      = "storage-error"
)

var acceptMessages = map[string]string{
	LabelAuthenticated: "Accepting authenticated mail",
	LabelSPFPass:       "Accepting this mail by SPF",
	LabelWhitelisted:   "Whitelisted sender",
	LabelWindowElapsed: "Thank you, we accept this e-mail.",
}

var protocolMessages = map[string]string{
	LabelMissingMTAAddress: "couriergrey could not get the sending MTA's address.",
	LabelMissingRecipient:  "couriergrey could not get the envelope recipient.",
}

// Verdict is the outcome of one decision.
type Verdict struct {
	Kind      Kind
	Reason    string
	Remaining time.Duration
	Err       error
}

func Accept(reason string) Verdict {
	return Verdict{Kind: KindAccept, Reason: reason}
}

func Deferred(remaining time.Duration) Verdict {
	return Verdict{Kind: KindDeferred, Reason: LabelDeferred, Remaining: remaining}
}

func ProtocolError(reason string) Verdict {
	return Verdict{Kind: KindProtocolError, Reason: reason}
}

func TemporaryError(err error) Verdict {
	return Verdict{Kind: KindTemporaryError, Reason: LabelStorageError, Err: err}
}

func (v Verdict) Code() int {
	switch v.Kind {
	case KindAccept:
		return 200
	case KindDeferred:
		return 451
	case KindProtocolError:
		return 435
	default:
		return 430
	}
}

func (v Verdict) Label() string {
	return v.Reason
}

// RemainingSeconds is the deferral rounded up to whole seconds.
func (v Verdict) RemainingSeconds() int64 {
	secs := int64(v.Remaining / time.Second)
	if v.Remaining%time.Second > 0 {
		secs++
	}
	return secs
}

// Response renders the response line without its trailing newline.
func (v Verdict) Response() string {
	switch v.Kind {
	case KindAccept:
		return fmt.Sprintf("%d %s", v.Code(), acceptMessages[v.Reason])
	case KindDeferred:
		return fmt.Sprintf("%d You are greylisted, please try again in %d s.", v.Code(), v.RemainingSeconds())
	case KindProtocolError:
		return fmt.Sprintf("%d %s", v.Code(), protocolMessages[v.Reason])
	default:
		detail := ""
		if v.Err != nil {
			detail = v.Err.Error()
		}
		return fmt.Sprintf("%d Greylisting DB could not be opened currently. Please try again later: %s", v.Code(), detail)
	}
}
