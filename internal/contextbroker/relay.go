// Package contextbroker relays Context Broker subscriptions through the proxy
// so that notifications can be metered before they reach the subscriber.
package contextbroker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	accountingdomain "github.com/smallbiznis/accountingproxy/internal/accounting/domain"
	"github.com/smallbiznis/accountingproxy/internal/accounting/meter"
	"github.com/smallbiznis/accountingproxy/internal/accounting/unit"
	"github.com/smallbiznis/accountingproxy/internal/clock"
	"github.com/smallbiznis/accountingproxy/internal/config"
	"github.com/smallbiznis/accountingproxy/internal/contextbroker/domain"
	"github.com/smallbiznis/accountingproxy/internal/observability/logger"
	"github.com/smallbiznis/accountingproxy/internal/observability/metrics"
	"github.com/smallbiznis/accountingproxy/internal/proxy"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Cfg      config.Config
	Store    accountingdomain.Store
	Meter    *meter.Meter
	Upstream *proxy.Upstream
	Clock    clock.Clock
	Log      *zap.Logger
	Metrics  *metrics.Metrics `optional:"true"`
}

type Relay struct {
	store    accountingdomain.Store
	meter    *meter.Meter
	upstream *proxy.Upstream
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics

	notificationURL string
	brokerURL       string
	version         domain.Version
}

func New(p Params) *Relay {
	version, err := domain.ParseVersion(p.Cfg.ContextBroker.Version)
	if err != nil {
		version = domain.V2
	}
	return &Relay{
		store:           p.Store,
		meter:           p.Meter,
		upstream:        p.Upstream,
		clock:           p.Clock,
		log:             p.Log.Named("contextbroker.relay"),
		metrics:         p.Metrics,
		notificationURL: p.Cfg.NotificationURL(),
		brokerURL:       p.Cfg.ContextBroker.URL,
		version:         version,
	}
}

// ProtocolFor picks the wire protocol of a registered broker service. Services
// without an explicit version use the configured default.
func (r *Relay) ProtocolFor(svc *accountingdomain.Service) (Protocol, error) {
	if svc == nil || strings.TrimSpace(svc.CBVersion) == "" {
		return ProtocolFor(r.version)
	}
	version, err := domain.ParseVersion(svc.CBVersion)
	if err != nil {
		return nil, err
	}
	return ProtocolFor(version)
}

// Handle dispatches a subscription action.
func (r *Relay) Handle(ctx context.Context, action domain.Action, info *accountingdomain.AccountingInfo, proto Protocol, req *Request) (*proxy.Response, error) {
	switch action {
	case domain.ActionSubscribe:
		return r.Subscribe(ctx, info, proto, req)
	case domain.ActionUnsubscribe:
		return r.Unsubscribe(ctx, info, proto, req)
	case domain.ActionUpdateSubscription:
		return r.UpdateSubscription(ctx, info, proto, req)
	default:
		return nil, fmt.Errorf("%w: %s is not a subscription action", domain.ErrWrongPayload, action)
	}
}

// Subscribe points the subscription at the proxy, forwards it and binds the
// created subscription to the caller's API key.
func (r *Relay) Subscribe(ctx context.Context, info *accountingdomain.AccountingInfo, proto Protocol, req *Request) (*proxy.Response, error) {
	log := r.logFor(ctx, proto)

	original, err := proto.RewriteSubscribe(req, r.notificationURL)
	if err != nil {
		return nil, err
	}
	r.transition(log, "", domain.StateNone, domain.StatePendingCreate)

	resp, err := r.send(ctx, info.URL, req)
	if err != nil {
		return nil, err
	}
	created, ok := proto.SubscribeResult(req, resp, r.clock.Now())
	if !ok {
		log.Info("subscription not created by broker", zap.Int("status", resp.StatusCode))
		return resp, nil
	}

	sub := accountingdomain.Subscription{
		ID:              created.ID,
		APIKey:          info.APIKey,
		NotificationURL: original,
		Unit:            info.Unit,
		Version:         string(proto.Version()),
		Expires:         created.Expires,
	}
	if err := r.store.AddSubscription(ctx, sub); err != nil {
		log.Error("subscription binding failed, cancelling at broker",
			zap.String("subscription_id", created.ID),
			zap.Error(err),
		)
		if cancelErr := r.cancel(ctx, info.URL, proto, created.ID); cancelErr != nil {
			log.Warn("cancel after failed binding", zap.String("subscription_id", created.ID), zap.Error(cancelErr))
		}
		return nil, err
	}
	r.transition(log, created.ID, domain.StatePendingCreate, domain.StateActive)

	if err := r.countDuration(ctx, info.APIKey, info.Unit, created.Duration); err != nil {
		return nil, err
	}
	return resp, nil
}

// Unsubscribe forwards the cancellation and drops the binding once the
// broker confirms it.
func (r *Relay) Unsubscribe(ctx context.Context, info *accountingdomain.AccountingInfo, proto Protocol, req *Request) (*proxy.Response, error) {
	log := r.logFor(ctx, proto)

	id, err := proto.UnsubscribeID(req)
	if err != nil {
		return nil, err
	}
	r.transition(log, id, domain.StateActive, domain.StatePendingDelete)

	resp, err := r.send(ctx, info.URL, req)
	if err != nil {
		return nil, err
	}
	if !proto.UnsubscribeSucceeded(resp) {
		log.Info("unsubscribe rejected by broker", zap.String("subscription_id", id), zap.Int("status", resp.StatusCode))
		return resp, nil
	}

	if err := r.store.DeleteSubscription(ctx, id); err != nil && !errors.Is(err, accountingdomain.ErrSubscriptionNotFound) {
		return nil, err
	}
	r.transition(log, id, domain.StatePendingDelete, domain.StateDeleted)
	return resp, nil
}

// UpdateSubscription forwards an update of a known subscription. Extending
// the expiration is metered for the added duration only.
func (r *Relay) UpdateSubscription(ctx context.Context, info *accountingdomain.AccountingInfo, proto Protocol, req *Request) (*proxy.Response, error) {
	log := r.logFor(ctx, proto)
	now := r.clock.Now()

	update, err := proto.RewriteUpdate(req, r.notificationURL, now)
	if err != nil {
		return nil, err
	}
	sub, err := r.store.GetSubscription(ctx, update.ID)
	if err != nil {
		return nil, err
	}
	r.transition(log, sub.ID, domain.StateActive, domain.StatePendingUpdate)

	resp, err := r.send(ctx, info.URL, req)
	if err != nil {
		return nil, err
	}
	if !proto.UpdateSucceeded(resp) {
		log.Info("subscription update rejected by broker", zap.String("subscription_id", sub.ID), zap.Int("status", resp.StatusCode))
		r.transition(log, sub.ID, domain.StatePendingUpdate, domain.StateActive)
		return resp, nil
	}

	change := accountingdomain.SubscriptionUpdate{NotificationURL: update.NotificationURL}
	var extension time.Duration
	if update.Expires != nil && (sub.Expires == nil || update.Expires.After(*sub.Expires)) {
		change.Expires = update.Expires
		from := now
		if sub.Expires != nil {
			from = *sub.Expires
		}
		extension = update.Expires.Sub(from)
	}
	if change.NotificationURL != nil || change.Expires != nil {
		if err := r.store.UpdateSubscription(ctx, sub.ID, change); err != nil {
			return nil, err
		}
	}
	r.transition(log, sub.ID, domain.StatePendingUpdate, domain.StateActive)

	if err := r.countDuration(ctx, sub.APIKey, sub.Unit, extension); err != nil {
		return nil, err
	}
	return resp, nil
}

// CancelSubscription asks the broker to drop sub and removes the binding.
// The broker is the one serving the subscription's API key, or the
// configured default when the key is gone.
func (r *Relay) CancelSubscription(ctx context.Context, sub *accountingdomain.Subscription) error {
	brokerURL := r.brokerURL
	if info, err := r.store.GetAccountingInfo(ctx, sub.APIKey); err == nil && info.URL != "" {
		brokerURL = info.URL
	}
	if brokerURL == "" {
		return fmt.Errorf("%w: no broker for subscription %s", domain.ErrCancelRejected, sub.ID)
	}

	version, err := domain.ParseVersion(sub.Version)
	if err != nil {
		version = r.version
	}
	proto, err := ProtocolFor(version)
	if err != nil {
		return err
	}

	if err := r.cancel(ctx, brokerURL, proto, sub.ID); err != nil {
		return err
	}
	if err := r.store.DeleteSubscription(ctx, sub.ID); err != nil && !errors.Is(err, accountingdomain.ErrSubscriptionNotFound) {
		return err
	}
	r.transition(r.logFor(ctx, proto), sub.ID, domain.StatePendingDelete, domain.StateDeleted)
	return nil
}

// Notify meters a broker notification against the subscription's API key and
// relays the payload unchanged to the original subscriber.
func (r *Relay) Notify(ctx context.Context, header http.Header, body []byte) (*proxy.Response, error) {
	log := logger.WithContext(ctx, r.log)

	id, err := notificationSubscriptionID(header.Get("Content-Type"), body)
	if err != nil {
		log.Warn("notification without subscription id", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidSubscription, err)
	}
	sub, err := r.store.GetSubscription(ctx, id)
	if errors.Is(err, accountingdomain.ErrSubscriptionNotFound) {
		log.Warn("notification for unknown subscription", zap.String("subscription_id", id))
		return nil, domain.ErrInvalidSubscription
	}
	if err != nil {
		return nil, err
	}

	_, err = r.meter.Count(ctx, sub.APIKey, sub.Unit, unit.CountFuncCount, unit.CountInfo{Body: body})
	if errors.Is(err, accountingdomain.ErrAccountingNotFound) {
		log.Warn("subscription outlived its accounting record, cancelling", zap.String("subscription_id", id))
		if cancelErr := r.CancelSubscription(ctx, sub); cancelErr != nil {
			log.Error("cancel orphan subscription", zap.String("subscription_id", id), zap.Error(cancelErr))
		}
		return nil, domain.ErrInvalidSubscription
	}
	if err != nil {
		return nil, err
	}

	resp, err := r.upstream.Do(ctx, &proxy.Request{
		Method: http.MethodPost,
		URL:    sub.NotificationURL,
		Header: header.Clone(),
		Body:   body,
	})
	if err != nil {
		r.metrics.RecordNotificationRelayed(ctx, 0)
		log.Warn("notification relay failed", zap.String("subscription_id", id), zap.Error(err))
		return nil, err
	}
	r.metrics.RecordNotificationRelayed(ctx, resp.StatusCode)
	return resp, nil
}

func (r *Relay) countDuration(ctx context.Context, apiKey, unitName string, d time.Duration) error {
	if d <= 0 || !r.meter.IsCountFuncSupported(unitName, unit.CountFuncSubscription) {
		return nil
	}
	_, err := r.meter.Count(ctx, apiKey, unitName, unit.CountFuncSubscription, unit.CountInfo{Duration: d})
	return err
}

func (r *Relay) cancel(ctx context.Context, brokerURL string, proto Protocol, id string) error {
	resp, err := r.send(ctx, brokerURL, proto.CancelRequest(id))
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("%w: broker answered %d", domain.ErrCancelRejected, resp.StatusCode)
	}
	return nil
}

func (r *Relay) send(ctx context.Context, brokerURL string, req *Request) (*proxy.Response, error) {
	target := proxy.JoinURL(brokerURL, req.Path)
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}
	return r.upstream.Do(ctx, &proxy.Request{
		Method: req.Method,
		URL:    target,
		Header: req.Header,
		Body:   req.Body,
	})
}

func (r *Relay) logFor(ctx context.Context, proto Protocol) *zap.Logger {
	return logger.WithContext(ctx, r.log).With(zap.String("cb_version", string(proto.Version())))
}

func (r *Relay) transition(log *zap.Logger, id string, from, to domain.State) {
	log.Debug("subscription state",
		zap.String("subscription_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
}

// notificationSubscriptionID reads subscriptionId from a JSON or XML notification.
func notificationSubscriptionID(contentType string, body []byte) (string, error) {
	kind, err := mediaKindOf(contentType)
	if err != nil {
		return "", err
	}
	var id string
	if kind == mediaXML {
		id, _, err = xmlText(body, "subscriptionId")
		if err != nil {
			return "", err
		}
	} else {
		obj, err := decodeObject(body)
		if err != nil {
			return "", err
		}
		id, _ = jsonString(obj, "subscriptionId")
	}
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%w: missing subscriptionId", domain.ErrWrongPayload)
	}
	return id, nil
}
