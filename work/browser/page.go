package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/eribbey/redcarrd/work/logger"
	"github.com/eribbey/redcarrd/work/types"
)

// Page is one attached browser tab. Detection navigates it at embeds and
// watches its traffic; capture additionally screencasts it and taps its
// audio. A Page is not safe for concurrent navigation, but subscriptions
// and evaluate calls may run alongside each other.
type Page struct {
	conn      *Conn
	sessionID string
	targetID  string
	closed    atomic.Bool
}

// Navigate drives the tab to a URL and waits for the load event, bounded by
// ctx. Embed pages routinely keep streaming sockets open well past load, so
// callers should pass a deadline and treat its expiry as "page is as loaded
// as it gets", not as failure; Navigate surfaces that case as ctx.Err().
func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.conn.Call(ctx, p.sessionID, "Page.enable", nil, nil); err != nil {
		return err
	}

	loaded := make(chan struct{}, 1)
	unsub := p.conn.Subscribe(p.sessionID, "Page.loadEventFired", func(json.RawMessage) {
		select {
		case loaded <- struct{}{}:
		default:
		}
	})
	defer unsub()

	var nav struct {
		ErrorText string `json:"errorText"`
	}
	if err := p.conn.Call(ctx, p.sessionID, "Page.navigate", map[string]any{"url": url}, &nav); err != nil {
		return err
	}
	if nav.ErrorText != "" {
		return fmt.Errorf("navigation to %s failed: %s", url, nav.ErrorText)
	}

	select {
	case <-loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.conn.Done():
		return ErrConnClosed
	}
}

// Reload reloads the tab without waiting for load; detection retries
// navigate-and-wait themselves.
func (p *Page) Reload(ctx context.Context) error {
	return p.conn.Call(ctx, p.sessionID, "Page.reload", map[string]any{"ignoreCache": true}, nil)
}

// Evaluate runs a script in the page, awaits any returned promise, and
// decodes the by-value result into out (pass nil to discard). A thrown
// exception comes back as an error.
func (p *Page) Evaluate(ctx context.Context, expression string, out any) error {
	params := map[string]any{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	}

	var res struct {
		Result struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}

	if err := p.conn.Call(ctx, p.sessionID, "Runtime.evaluate", params, &res); err != nil {
		return err
	}
	if res.ExceptionDetails != nil {
		detail := res.ExceptionDetails.Text
		if res.ExceptionDetails.Exception != nil && res.ExceptionDetails.Exception.Description != "" {
			detail = res.ExceptionDetails.Exception.Description
		}
		return fmt.Errorf("page script failed: %s", detail)
	}
	if out != nil && len(res.Result.Value) > 0 {
		if err := json.Unmarshal(res.Result.Value, out); err != nil {
			return fmt.Errorf("failed to decode script result: %w", err)
		}
	}
	return nil
}

// ExposeBinding registers a window.<name>(payload) function in the page
// that forwards its string payload to fn. The audio tap delivers its chunks
// this way. fn runs on the connection read loop and must not block.
func (p *Page) ExposeBinding(ctx context.Context, name string, fn func(payload string)) (func(), error) {
	if err := p.conn.Call(ctx, p.sessionID, "Runtime.enable", nil, nil); err != nil {
		return nil, err
	}
	if err := p.conn.Call(ctx, p.sessionID, "Runtime.addBinding", map[string]any{"name": name}, nil); err != nil {
		return nil, err
	}

	unsub := p.conn.Subscribe(p.sessionID, "Runtime.bindingCalled", func(params json.RawMessage) {
		var ev struct {
			Name    string `json:"name"`
			Payload string `json:"payload"`
		}
		if err := json.Unmarshal(params, &ev); err != nil || ev.Name != name {
			return
		}
		fn(ev.Payload)
	})
	return unsub, nil
}

// OnRequest subscribes fn to every outbound request URL the page issues.
// The network sniffer lives on this. fn runs on the connection read loop
// and must not block.
func (p *Page) OnRequest(ctx context.Context, fn func(url string)) (func(), error) {
	if err := p.conn.Call(ctx, p.sessionID, "Network.enable", nil, nil); err != nil {
		return nil, err
	}

	unsub := p.conn.Subscribe(p.sessionID, "Network.requestWillBeSent", func(params json.RawMessage) {
		var ev struct {
			Request struct {
				URL string `json:"url"`
			} `json:"request"`
		}
		if err := json.Unmarshal(params, &ev); err != nil || ev.Request.URL == "" {
			return
		}
		fn(ev.Request.URL)
	})
	return unsub, nil
}

// SetUserAgent overrides the tab's User-Agent for all its requests.
func (p *Page) SetUserAgent(ctx context.Context, userAgent string) error {
	if userAgent == "" {
		return nil
	}
	return p.conn.Call(ctx, p.sessionID, "Network.setUserAgentOverride", map[string]any{
		"userAgent": userAgent,
	}, nil)
}

// SetCookies installs cookies into the tab before navigation, typically the
// clearance cookies a challenge solver earned for the embed's site.
func (p *Page) SetCookies(ctx context.Context, pageURL string, cookies []types.Cookie) error {
	for _, c := range cookies {
		params := map[string]any{
			"name":  c.Name,
			"value": c.Value,
		}
		if c.Domain != "" {
			params["domain"] = c.Domain
			if c.Path != "" {
				params["path"] = c.Path
			}
		} else {
			params["url"] = pageURL
		}
		if err := p.conn.Call(ctx, p.sessionID, "Network.setCookie", params, nil); err != nil {
			return fmt.Errorf("failed to set cookie %s: %w", c.Name, err)
		}
	}
	return nil
}

// Cookies harvests the cookies the tab accumulated for the given URLs.
// Embed sites hand out session cookies during navigation that upstream CDNs
// then require on segment fetches; the resolver folds these back into the
// channel.
func (p *Page) Cookies(ctx context.Context, urls ...string) ([]types.Cookie, error) {
	params := map[string]any{}
	if len(urls) > 0 {
		params["urls"] = urls
	}
	var result struct {
		Cookies []struct {
			Name   string `json:"name"`
			Value  string `json:"value"`
			Domain string `json:"domain"`
			Path   string `json:"path"`
		} `json:"cookies"`
	}
	if err := p.conn.Call(ctx, p.sessionID, "Network.getCookies", params, &result); err != nil {
		return nil, fmt.Errorf("failed to read tab cookies: %w", err)
	}
	out := make([]types.Cookie, 0, len(result.Cookies))
	for _, c := range result.Cookies {
		out = append(out, types.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	return out, nil
}

// SetViewport overrides the tab's viewport metrics, used to match the
// capture surface to the video element's rendered size.
func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	return p.conn.Call(ctx, p.sessionID, "Emulation.setDeviceMetricsOverride", map[string]any{
		"width":             width,
		"height":            height,
		"deviceScaleFactor": 1,
		"mobile":            false,
	}, nil)
}

// StartScreencast begins JPEG frame delivery at the given bounds and
// quality, invoking fn with each decoded frame. Frames are acknowledged
// before fn runs so a slow consumer throttles itself, not the protocol.
// fn runs on the connection read loop: it must only stamp-and-enqueue.
func (p *Page) StartScreencast(ctx context.Context, quality, maxWidth, maxHeight int, fn func(frame []byte)) (func(), error) {
	unsub := p.conn.Subscribe(p.sessionID, "Page.screencastFrame", func(params json.RawMessage) {
		var ev struct {
			Data      string `json:"data"`
			SessionID int    `json:"sessionId"`
		}
		if err := json.Unmarshal(params, &ev); err != nil {
			return
		}

		// Ack fire-and-forget: a Call here would deadlock the read loop.
		p.conn.send(p.sessionID, "Page.screencastFrameAck", map[string]any{"sessionId": ev.SessionID})

		frame, err := base64.StdEncoding.DecodeString(ev.Data)
		if err != nil {
			logger.Debug("{browser/page - StartScreencast} dropping undecodable frame: %v", err)
			return
		}
		fn(frame)
	})

	err := p.conn.Call(ctx, p.sessionID, "Page.startScreencast", map[string]any{
		"format":        "jpeg",
		"quality":       quality,
		"maxWidth":      maxWidth,
		"maxHeight":     maxHeight,
		"everyNthFrame": 1,
	}, nil)
	if err != nil {
		unsub()
		return nil, err
	}

	stop := func() {
		unsub()
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		p.conn.Call(stopCtx, p.sessionID, "Page.stopScreencast", nil, nil)
		cancel()
	}
	return stop, nil
}

// PauseScreencast stops frame delivery without dropping the frame
// subscription, so ResumeScreencast picks up where it left off. Used for
// backpressure when the capture queue fills.
func (p *Page) PauseScreencast(ctx context.Context) error {
	return p.conn.Call(ctx, p.sessionID, "Page.stopScreencast", nil, nil)
}

// ResumeScreencast restarts frame delivery after PauseScreencast.
func (p *Page) ResumeScreencast(ctx context.Context, quality, maxWidth, maxHeight int) error {
	return p.conn.Call(ctx, p.sessionID, "Page.startScreencast", map[string]any{
		"format":        "jpeg",
		"quality":       quality,
		"maxWidth":      maxWidth,
		"maxHeight":     maxHeight,
		"everyNthFrame": 1,
	}, nil)
}

// Close detaches and closes the tab. Idempotent.
func (p *Page) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	var res struct {
		Success bool `json:"success"`
	}
	err := p.conn.Call(ctx, "", "Target.closeTarget", map[string]any{"targetId": p.targetID}, &res)
	if err != nil {
		return err
	}
	logger.Debug("{browser/page - Close} closed tab %s", p.targetID)
	return nil
}
