package contextbroker

import (
	"net/http"
	"time"

	"github.com/smallbiznis/accountingproxy/internal/contextbroker/domain"
	"github.com/smallbiznis/accountingproxy/internal/proxy"
)

// Request is a Context Broker call as seen by the proxy. Path is relative to
// the broker root (for example "/v2/subscriptions").
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

func (r *Request) contentType() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// Created describes a subscription the broker accepted.
type Created struct {
	ID       string
	Expires  *time.Time
	Duration time.Duration
}

// Update is what a subscription update asks for. Nil fields are unchanged.
type Update struct {
	ID              string
	NotificationURL *string
	Expires         *time.Time
}

// Protocol isolates the wire differences between NGSI v1 and v2 brokers.
type Protocol interface {
	Version() domain.Version
	Identify(req *Request) (domain.Action, error)

	// RewriteSubscribe points the notification endpoint at notificationURL and
	// returns the subscriber's original endpoint.
	RewriteSubscribe(req *Request, notificationURL string) (string, error)
	SubscribeResult(req *Request, resp *proxy.Response, now time.Time) (Created, bool)

	UnsubscribeID(req *Request) (string, error)
	UnsubscribeSucceeded(resp *proxy.Response) bool

	RewriteUpdate(req *Request, notificationURL string, now time.Time) (Update, error)
	UpdateSucceeded(resp *proxy.Response) bool

	CancelRequest(subscriptionID string) *Request
}

func ProtocolFor(version domain.Version) (Protocol, error) {
	switch version {
	case domain.V1:
		return protocolV1{}, nil
	case domain.V2:
		return protocolV2{}, nil
	default:
		return nil, domain.ErrUnsupportedVersion
	}
}
