package contextbroker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/smallbiznis/accountingproxy/internal/contextbroker/domain"
	"github.com/smallbiznis/accountingproxy/internal/proxy"
)

const v1UpdateContext domain.Action = "update_context"

type v1Route struct {
	method  string
	pattern *regexp.Regexp
	action  domain.Action
}

// Evaluated in order; the first match wins.
var v1Routes = []v1Route{
	{http.MethodPost, regexp.MustCompile(`(?i)^/(v1|ngsi10)/subscribeContext/?$`), domain.ActionSubscribe},
	{http.MethodPost, regexp.MustCompile(`(?i)^/v1/contextSubscriptions/?$`), domain.ActionSubscribe},
	{http.MethodPost, regexp.MustCompile(`(?i)^/(v1|ngsi10)/unsubscribeContext/?$`), domain.ActionUnsubscribe},
	{http.MethodDelete, regexp.MustCompile(`(?i)^/v1/contextSubscriptions/[^/]+/?$`), domain.ActionUnsubscribe},
	{http.MethodPost, regexp.MustCompile(`(?i)^/(v1|ngsi10)/updateContextSubscription/?$`), domain.ActionUpdateSubscription},
	{http.MethodPut, regexp.MustCompile(`(?i)^/v1/contextSubscriptions/[^/]+/?$`), domain.ActionUpdateSubscription},
	{http.MethodPost, regexp.MustCompile(`(?i)^/(v1|ngsi10)/updateContext/?$`), v1UpdateContext},
	{http.MethodPost, regexp.MustCompile(`(?i)^/(v1|ngsi10)/queryContext/?$`), domain.ActionRead},
	{http.MethodGet, regexp.MustCompile(`(?i)^/v1/`), domain.ActionRead},
	{http.MethodPost, regexp.MustCompile(`(?i)^/v1/contextEntities(/|$)`), domain.ActionCreate},
	{http.MethodPut, regexp.MustCompile(`(?i)^/v1/contextEntities/`), domain.ActionUpdate},
	{http.MethodDelete, regexp.MustCompile(`(?i)^/v1/contextEntities/`), domain.ActionDelete},
}

var v1UpdateActions = map[string]domain.Action{
	"APPEND": domain.ActionCreate,
	"UPDATE": domain.ActionUpdate,
	"DELETE": domain.ActionDelete,
}

type protocolV1 struct{}

func (protocolV1) Version() domain.Version { return domain.V1 }

func (p protocolV1) Identify(req *Request) (domain.Action, error) {
	for _, route := range v1Routes {
		if route.method != strings.ToUpper(req.Method) || !route.pattern.MatchString(req.Path) {
			continue
		}
		if route.action == v1UpdateContext {
			return p.updateContextAction(req)
		}
		return route.action, nil
	}
	return domain.ActionOther, nil
}

// updateContextAction maps the updateAction field of an updateContext body.
func (protocolV1) updateContextAction(req *Request) (domain.Action, error) {
	raw, found, err := v1Field(req, "updateAction")
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: missing updateAction", domain.ErrWrongPayload)
	}
	action, ok := v1UpdateActions[strings.ToUpper(strings.TrimSpace(raw))]
	if !ok {
		return "", fmt.Errorf("%w: unknown updateAction %q", domain.ErrWrongPayload, raw)
	}
	return action, nil
}

func (protocolV1) RewriteSubscribe(req *Request, notificationURL string) (string, error) {
	original, err := v1SetField(req, "reference", notificationURL)
	if err != nil {
		return "", err
	}
	if original == "" {
		return "", fmt.Errorf("%w: missing reference", domain.ErrWrongPayload)
	}
	return original, nil
}

// SubscribeResult reads subscribeResponse.subscriptionId and the granted
// duration. A 200 carrying subscribeError is not a creation.
func (protocolV1) SubscribeResult(req *Request, resp *proxy.Response, now time.Time) (Created, bool) {
	if resp.StatusCode != http.StatusOK || v1HasSubscribeError(resp) {
		return Created{}, false
	}
	kind, err := mediaKindOf(resp.Header.Get("Content-Type"))
	if err != nil {
		return Created{}, false
	}

	var id, rawDuration string
	switch kind {
	case mediaJSON:
		obj, err := decodeObject(resp.Body)
		if err != nil {
			return Created{}, false
		}
		id, _ = jsonString(obj, "subscribeResponse", "subscriptionId")
		rawDuration, _ = jsonString(obj, "subscribeResponse", "duration")
	case mediaXML:
		id, _, _ = xmlText(resp.Body, "subscriptionId")
		rawDuration, _, _ = xmlText(resp.Body, "duration")
	}
	if id == "" {
		return Created{}, false
	}

	if rawDuration == "" {
		rawDuration, _, _ = v1Field(req, "duration")
	}
	created := Created{ID: id}
	if duration, err := parseISODuration(rawDuration); err == nil && duration > 0 {
		expires := now.Add(duration).UTC()
		created.Expires = &expires
		created.Duration = duration
	}
	return created, true
}

func (protocolV1) UnsubscribeID(req *Request) (string, error) {
	if strings.EqualFold(req.Method, http.MethodDelete) {
		return path.Base(strings.TrimRight(req.Path, "/")), nil
	}
	id, found, err := v1Field(req, "subscriptionId")
	if err != nil {
		return "", err
	}
	if !found || id == "" {
		return "", fmt.Errorf("%w: missing subscriptionId", domain.ErrWrongPayload)
	}
	return id, nil
}

// UnsubscribeSucceeded requires HTTP 200 and, when present, an embedded
// statusCode of 200.
func (protocolV1) UnsubscribeSucceeded(resp *proxy.Response) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	code, found := v1ResponseField(resp, "code", "statusCode", "code")
	return !found || code == "200"
}

func (protocolV1) RewriteUpdate(req *Request, notificationURL string, now time.Time) (Update, error) {
	var update Update
	if strings.EqualFold(req.Method, http.MethodPut) {
		update.ID = path.Base(strings.TrimRight(req.Path, "/"))
	} else {
		id, _, err := v1Field(req, "subscriptionId")
		if err != nil {
			return Update{}, err
		}
		update.ID = id
	}
	if update.ID == "" {
		return Update{}, fmt.Errorf("%w: missing subscriptionId", domain.ErrWrongPayload)
	}

	rawDuration, found, err := v1Field(req, "duration")
	if err != nil {
		return Update{}, err
	}
	if found && rawDuration != "" {
		duration, err := parseISODuration(rawDuration)
		if err != nil {
			return Update{}, err
		}
		expires := now.Add(duration).UTC()
		update.Expires = &expires
	}

	original, err := v1SetField(req, "reference", notificationURL)
	if err != nil {
		return Update{}, err
	}
	if original != "" {
		update.NotificationURL = &original
	}
	return update, nil
}

func (protocolV1) UpdateSucceeded(resp *proxy.Response) bool {
	return resp.StatusCode == http.StatusOK && !v1HasSubscribeError(resp)
}

func (protocolV1) CancelRequest(subscriptionID string) *Request {
	body, _ := json.Marshal(map[string]string{"subscriptionId": subscriptionID})
	return &Request{
		Method: http.MethodPost,
		Path:   "/v1/unsubscribeContext",
		Header: http.Header{
			"Content-Type": []string{"application/json"},
			"Accept":       []string{"application/json"},
		},
		Body: body,
	}
}

// v1Field reads a top-level field from a JSON body or the first element with
// that name from an XML body.
func v1Field(req *Request, name string) (string, bool, error) {
	kind, err := mediaKindOf(req.contentType())
	if err != nil {
		return "", false, err
	}
	if kind == mediaXML {
		return xmlText(req.Body, name)
	}
	obj, err := decodeObject(req.Body)
	if err != nil {
		return "", false, err
	}
	value, ok := jsonString(obj, name)
	return value, ok, nil
}

// v1SetField replaces a top-level field and returns its previous value ("" if absent).
func v1SetField(req *Request, name, value string) (string, error) {
	kind, err := mediaKindOf(req.contentType())
	if err != nil {
		return "", err
	}
	if kind == mediaXML {
		body, old, replaced, err := setXMLText(req.Body, name, value)
		if err != nil {
			return "", err
		}
		if replaced {
			req.Body = body
		}
		return old, nil
	}

	if _, err := decodeObject(req.Body); err != nil {
		return "", err
	}
	body, old, replaced, err := setJSONLeaf(req.Body, value, name)
	if err != nil {
		return "", err
	}
	if replaced {
		req.Body = body
	}
	return old, nil
}

// v1ResponseField looks up jsonPath in a JSON response or xmlName in an XML one.
func v1ResponseField(resp *proxy.Response, xmlName string, jsonPath ...string) (string, bool) {
	kind, err := mediaKindOf(resp.Header.Get("Content-Type"))
	if err != nil {
		return "", false
	}
	if kind == mediaXML {
		value, found, _ := xmlText(resp.Body, xmlName)
		return value, found
	}
	var obj map[string]any
	if err := json.Unmarshal(resp.Body, &obj); err != nil {
		return "", false
	}
	return jsonString(obj, jsonPath...)
}

// v1HasSubscribeError reports whether a 200 response carries a subscribeError
// element at any depth.
func v1HasSubscribeError(resp *proxy.Response) bool {
	kind, err := mediaKindOf(resp.Header.Get("Content-Type"))
	if err != nil {
		return true
	}
	if strings.TrimSpace(string(resp.Body)) == "" {
		return false
	}
	if kind == mediaXML {
		_, found, err := xmlText(resp.Body, "subscribeError")
		return found || err != nil
	}
	var body any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return true
	}
	return jsonHasKey(body, "subscribeError")
}

func jsonHasKey(node any, key string) bool {
	switch v := node.(type) {
	case map[string]any:
		if _, ok := v[key]; ok {
			return true
		}
		for _, child := range v {
			if jsonHasKey(child, key) {
				return true
			}
		}
	case []any:
		for _, child := range v {
			if jsonHasKey(child, key) {
				return true
			}
		}
	}
	return false
}
