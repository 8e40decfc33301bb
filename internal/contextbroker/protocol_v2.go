package contextbroker

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/smallbiznis/accountingproxy/internal/contextbroker/domain"
	"github.com/smallbiznis/accountingproxy/internal/proxy"
)

var (
	v2SubscriptionsPath = regexp.MustCompile(`^/v2/subscriptions/?$`)
	v2SubscriptionPath  = regexp.MustCompile(`^/v2/subscriptions/([^/]+)/?$`)
	v2EntitiesPath      = regexp.MustCompile(`^/v2/entities/?$`)
	v2EntityPath        = regexp.MustCompile(`^/v2/entities/[^/]+/?$`)
	v2EntityAttrsPath   = regexp.MustCompile(`^/v2/entities/[^/]+/attrs(/.*)?$`)
	v2OpUpdatePath      = regexp.MustCompile(`^/v2/op/update/?$`)
	v2OpQueryPath       = regexp.MustCompile(`^/v2/op/query/?$`)
	v2LocationPattern   = regexp.MustCompile(`/v2/subscriptions/([^/?#]+)`)
)

var v2BatchActions = map[string]domain.Action{
	"append":       domain.ActionCreate,
	"appendstrict": domain.ActionCreate,
	"update":       domain.ActionUpdate,
	"replace":      domain.ActionUpdate,
	"delete":       domain.ActionDelete,
}

var v2ExpiresLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

type protocolV2 struct{}

func (protocolV2) Version() domain.Version { return domain.V2 }

func (protocolV2) Identify(req *Request) (domain.Action, error) {
	method := strings.ToUpper(req.Method)
	p := req.Path

	switch {
	case v2SubscriptionsPath.MatchString(p):
		if method == http.MethodPost {
			return domain.ActionSubscribe, nil
		}
	case v2SubscriptionPath.MatchString(p):
		switch method {
		case http.MethodDelete:
			return domain.ActionUnsubscribe, nil
		case http.MethodPatch:
			return domain.ActionUpdateSubscription, nil
		}
	case v2EntitiesPath.MatchString(p):
		if method == http.MethodPost {
			return domain.ActionCreate, nil
		}
	case v2EntityPath.MatchString(p):
		if method == http.MethodDelete {
			return domain.ActionDelete, nil
		}
	case v2EntityAttrsPath.MatchString(p):
		switch method {
		case http.MethodPost, http.MethodPatch, http.MethodPut:
			return domain.ActionUpdate, nil
		case http.MethodDelete:
			return domain.ActionDelete, nil
		}
	case v2OpUpdatePath.MatchString(p):
		if method == http.MethodPost {
			return v2BatchAction(req)
		}
	case v2OpQueryPath.MatchString(p):
		if method == http.MethodPost {
			return domain.ActionRead, nil
		}
	}

	if method == http.MethodGet && strings.HasPrefix(p, "/v2/") {
		return domain.ActionRead, nil
	}
	return domain.ActionOther, nil
}

func v2BatchAction(req *Request) (domain.Action, error) {
	obj, err := v2Object(req)
	if err != nil {
		return "", err
	}
	raw, ok := jsonString(obj, "actionType")
	if !ok {
		return "", fmt.Errorf("%w: missing actionType", domain.ErrWrongPayload)
	}
	action, ok := v2BatchActions[strings.ToLower(raw)]
	if !ok {
		return "", fmt.Errorf("%w: unknown actionType %q", domain.ErrWrongPayload, raw)
	}
	return action, nil
}

func (protocolV2) RewriteSubscribe(req *Request, notificationURL string) (string, error) {
	if _, err := v2Object(req); err != nil {
		return "", err
	}
	original, ok, err := v2SetNotificationURL(req, notificationURL)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: missing notification url", domain.ErrWrongPayload)
	}
	return original, nil
}

// SubscribeResult reads the id from the Location header of a 201. The
// expiration is whatever the subscriber asked for in the request body.
func (protocolV2) SubscribeResult(req *Request, resp *proxy.Response, now time.Time) (Created, bool) {
	if resp.StatusCode != http.StatusCreated {
		return Created{}, false
	}
	match := v2LocationPattern.FindStringSubmatch(resp.Header.Get("Location"))
	if match == nil {
		return Created{}, false
	}

	created := Created{ID: match[1]}
	if obj, err := v2Object(req); err == nil {
		if expires, ok, err := v2Expires(obj); err == nil && ok {
			created.Expires = &expires
			if d := expires.Sub(now); d > 0 {
				created.Duration = d
			}
		}
	}
	return created, true
}

func (protocolV2) UnsubscribeID(req *Request) (string, error) {
	match := v2SubscriptionPath.FindStringSubmatch(req.Path)
	if match == nil {
		return "", fmt.Errorf("%w: missing subscription id", domain.ErrWrongPayload)
	}
	return match[1], nil
}

func (protocolV2) UnsubscribeSucceeded(resp *proxy.Response) bool {
	return resp.StatusCode == http.StatusNoContent
}

func (protocolV2) RewriteUpdate(req *Request, notificationURL string, _ time.Time) (Update, error) {
	match := v2SubscriptionPath.FindStringSubmatch(req.Path)
	if match == nil {
		return Update{}, fmt.Errorf("%w: missing subscription id", domain.ErrWrongPayload)
	}
	update := Update{ID: match[1]}

	obj, err := v2Object(req)
	if err != nil {
		return Update{}, err
	}
	expires, ok, err := v2Expires(obj)
	if err != nil {
		return Update{}, err
	}
	if ok {
		update.Expires = &expires
	}

	original, ok, err := v2SetNotificationURL(req, notificationURL)
	if err != nil {
		return Update{}, err
	}
	if ok {
		update.NotificationURL = &original
	}
	return update, nil
}

func (protocolV2) UpdateSucceeded(resp *proxy.Response) bool {
	return resp.StatusCode == http.StatusNoContent
}

func (protocolV2) CancelRequest(subscriptionID string) *Request {
	return &Request{
		Method: http.MethodDelete,
		Path:   "/v2/subscriptions/" + subscriptionID,
		Header: http.Header{},
	}
}

// v2Object decodes a v2 body. v2 brokers only speak JSON.
func v2Object(req *Request) (map[string]any, error) {
	kind, err := mediaKindOf(req.contentType())
	if err != nil {
		return nil, err
	}
	if kind != mediaJSON {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedMediaType, req.contentType())
	}
	return decodeObject(req.Body)
}

// v2SetNotificationURL rewrites notification.http.url or, failing that,
// notification.httpCustom.url.
func v2SetNotificationURL(req *Request, value string) (string, bool, error) {
	for _, path := range [][]string{
		{"notification", "http", "url"},
		{"notification", "httpCustom", "url"},
	} {
		body, old, ok, err := setJSONLeaf(req.Body, value, path...)
		if err != nil {
			return "", false, err
		}
		if ok {
			req.Body = body
			return old, true, nil
		}
	}
	return "", false, nil
}

func v2Expires(obj map[string]any) (time.Time, bool, error) {
	raw, ok := jsonString(obj, "expires")
	if !ok || strings.TrimSpace(raw) == "" {
		return time.Time{}, false, nil
	}
	for _, layout := range v2ExpiresLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("%w: invalid expires %q", domain.ErrWrongPayload, raw)
}
