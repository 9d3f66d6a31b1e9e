package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/keyverify-api/internal/application/notification"
	"github.com/keyverify-api/internal/infrastructure/metrics"
	"github.com/keyverify-api/internal/pkg/id"
	"github.com/keyverify-api/internal/pkg/token"
	"golang.org/x/time/rate"
)

const (
	maxFrameBytes = 4 << 10

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	heartbeatInterval   = 25 * time.Second
	heartbeatTimeout    = 5 * time.Second
	maxPingFailures     = 3
	closeGrace          = time.Second

	sendQueueSize    = 16
	controlQueueSize = 8

	// A connection watches a handful of sessions at most.
	maxGroupsPerConn = 8

	frameRate  = 10 // frames per second
	frameBurst = 20
)

// Options tunes a Gateway. Zero values take the defaults above.
type Options struct {
	AllowedOrigins    []string
	WriteTimeout      time.Duration
	ReadIdleTimeout   time.Duration
	HeartbeatInterval time.Duration
}

// Gateway serves the verification status channel. Clients join the group of
// a session jti and receive a VerificationStatus frame when it resolves.
type Gateway struct {
	log *slog.Logger
	hub *notification.Hub

	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	heartbeatEvery  time.Duration
}

func NewGateway(log *slog.Logger, hub *notification.Hub, opts Options) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{
		log:             log,
		hub:             hub,
		originPatterns:  originPatterns(opts.AllowedOrigins),
		writeTimeout:    opts.WriteTimeout,
		readIdleTimeout: opts.ReadIdleTimeout,
		heartbeatEvery:  opts.HeartbeatInterval,
	}
	if g.writeTimeout <= 0 {
		g.writeTimeout = defaultWriteTimeout
	}
	if g.readIdleTimeout <= 0 {
		g.readIdleTimeout = defaultReadIdle
	}
	if g.heartbeatEvery <= 0 {
		g.heartbeatEvery = heartbeatInterval
	}
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Accept rejects cross-origin requests whose host is not in OriginPatterns.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Info("ws.accept.fail", "err", err, "origin", r.Header.Get("Origin"))
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	conn.SetReadLimit(maxFrameBytes)

	connID := id.New()
	sub := notification.NewSubscriber(connID, sendQueueSize)
	control := make(chan outbound, controlQueueSize)

	metrics.HubConnections.Inc()
	defer metrics.HubConnections.Dec()
	g.log.Info("ws.connect", "conn_id", connID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	// shutdown removes hub membership before signalling the subscriber, so a
	// concurrent Publish never targets a connection that is going away.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Disconnect(connID)
			sub.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var frame outbound
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				return
			case ev := <-sub.Send:
				frame = statusFrame(ev)
			case frame = <-control:
			}
			if err := writeFrame(ctx, conn, frame, g.writeTimeout); err != nil {
				g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
				shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()
				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(frameRate), frameBurst)
	groups := make(map[string]struct{})

	enqueue := func(f outbound) {
		select {
		case control <- f:
		default:
			g.log.Warn("ws.control.drop", "conn_id", connID, "type", f.Type)
		}
	}

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		_, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose, readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "closed")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if !limiter.Allow() {
			enqueue(errorFrame("too many frames"))
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		in, err := decodeInbound(data)
		if err != nil {
			enqueue(errorFrame("invalid JSON"))
			continue
		}

		switch in.Type {
		case TypeJoinGroup:
			jti := strings.TrimSpace(in.JTI)
			if !token.ValidJTI(jti) {
				enqueue(errorFrame("invalid jti"))
				continue
			}
			if _, ok := groups[jti]; !ok && len(groups) >= maxGroupsPerConn {
				enqueue(errorFrame("too many groups"))
				continue
			}
			groups[jti] = struct{}{}
			g.hub.Subscribe(sub, jti)
			enqueue(outbound{Type: TypeJoinedGroup, Group: jti})

		case TypeLeaveGroup:
			jti := strings.TrimSpace(in.JTI)
			if _, ok := groups[jti]; !ok {
				enqueue(errorFrame("not a member of group"))
				continue
			}
			delete(groups, jti)
			g.hub.Unsubscribe(connID, jti)
			enqueue(outbound{Type: TypeLeftGroup, Group: jti})

		default:
			enqueue(errorFrame("unsupported type: " + in.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
	g.log.Info("ws.disconnect", "conn_id", connID)
}

func writeFrame(parent context.Context, conn *websocket.Conn, f outbound, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// originPatterns turns an origin allowlist ("https://app.example.com:8443")
// into the host patterns websocket.Accept matches against.
func originPatterns(allowed []string) []string {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHost(a)
		if h == "" || slices.Contains(out, h) {
			continue
		}
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

func originHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if s == "*" {
		return s
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}
