package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/accountingproxy/internal/contextbroker"
	cbdomain "github.com/smallbiznis/accountingproxy/internal/contextbroker/domain"
	obscontext "github.com/smallbiznis/accountingproxy/internal/observability/context"
	obslogger "github.com/smallbiznis/accountingproxy/internal/observability/logger"
	"github.com/smallbiznis/accountingproxy/internal/proxy"
	"go.uber.org/zap"
)

// Proxy resolves the service behind the request path, checks the API key and
// either relays a Context Broker subscription call or forwards the request
// as a metered call.
func (s *Server) Proxy(c *gin.Context) {
	ctx := c.Request.Context()

	// Resolve on the escaped path so %2F, %3F and %25 reach the backend as sent.
	svc, rest, err := s.resolver.Resolve(ctx, c.Request.URL.EscapedPath())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	ctx = obscontext.WithPublicPath(ctx, svc.PublicPath)

	apiKey := c.GetHeader(s.apiKeyHeader)
	info, err := s.forwarder.Authorize(ctx, apiKey, svc)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	ctx = obscontext.WithAPIKey(ctx, apiKey)
	c.Request = c.Request.WithContext(ctx)
	c.Set("accounting_unit", info.Unit)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if svc.IsContextBroker {
		proto, err := s.relay.ProtocolFor(svc)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		cbReq := &contextbroker.Request{
			Method:   c.Request.Method,
			Path:     rest,
			RawQuery: c.Request.URL.RawQuery,
			Header:   c.Request.Header.Clone(),
			Body:     body,
		}
		action, err := proto.Identify(cbReq)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if action.IsSubscription() {
			resp, err := s.relay.Handle(ctx, action, info, proto, cbReq)
			if err != nil {
				AbortWithError(c, err)
				return
			}
			writeResponse(c, resp)
			return
		}
	}

	target := proxy.JoinURL(svc.URL, rest)
	if c.Request.URL.RawQuery != "" {
		target += "?" + c.Request.URL.RawQuery
	}
	resp, err := s.forwarder.Forward(ctx, info, &proxy.Request{
		Method: c.Request.Method,
		URL:    target,
		Header: c.Request.Header.Clone(),
		Body:   body,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	writeResponse(c, resp)
}

// Notify receives Context Broker notifications for relayed subscriptions.
// Unknown subscriptions get an empty 404.
func (s *Server) Notify(c *gin.Context) {
	ctx := c.Request.Context()
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.relay.Notify(ctx, c.Request.Header, body)
	if errors.Is(err, cbdomain.ErrInvalidSubscription) {
		obslogger.WithContext(ctx, s.log).Info("notification dropped", zap.Error(err))
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}
	writeResponse(c, resp)
}

func writeResponse(c *gin.Context, resp *proxy.Response) {
	header := c.Writer.Header()
	for key, values := range resp.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	c.Status(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = c.Writer.Write(resp.Body)
	} else {
		c.Writer.WriteHeaderNow()
	}
}
