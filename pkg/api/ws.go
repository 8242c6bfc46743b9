package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/denizumutdereli/scenelink/pkg/api/apierr"
	"github.com/denizumutdereli/scenelink/pkg/core"
)

// handleWS bridges a WebSocket to a protocol server. Every text message is
// one command line; the reply is the protocol response text. Mode changes
// are pushed as "MODE <mode>" messages. The target server is chosen with
// ?server= and defaults to the editor.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("server")
	if _, ok := s.lookupServer(name); !ok {
		apierr.NotFound(w, apierr.CodeServerNotFound, "unknown server "+name)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer c.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session := "ws-" + uuid.NewString()[:8]
	events := s.addWatcher()
	defer s.removeWatcher(events)

	lines := make(chan string)
	go func() {
		defer cancel()
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageText {
				continue
			}
			select {
			case lines <- string(data):
			case <-ctx.Done():
				return
			}
		}
	}()

	s.logger.Info("websocket client attached", zap.String("session", session), zap.String("server", name))
	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				c.Close(websocket.StatusGoingAway, "server stopping")
				return
			}
			if err := c.Write(ctx, websocket.MessageText, []byte(ev)); err != nil {
				return
			}
		case line := <-lines:
			res, _, err := s.runCommand(ctx, name, line, session)
			if err != nil {
				c.Close(websocket.StatusInternalError, err.Error())
				return
			}
			if res.Response == "" {
				continue
			}
			if err := c.Write(ctx, websocket.MessageText, []byte(res.Response)); err != nil {
				return
			}
			if res.Close {
				c.Close(websocket.StatusPolicyViolation, "mode conflict")
				return
			}
		}
	}
}

// originPatterns turns AllowedOrigins into host patterns.
func (s *Server) originPatterns() []string {
	var out []string
	for _, o := range strings.Split(s.config.API.AllowedOrigins, ",") {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		out = append(out, o)
	}
	return out
}

func (s *Server) addWatcher() chan string {
	ch := make(chan string, 8)
	s.watchMu.Lock()
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()
	return ch
}

func (s *Server) removeWatcher(ch chan string) {
	s.watchMu.Lock()
	if _, ok := s.watchers[ch]; ok {
		delete(s.watchers, ch)
		close(ch)
	}
	s.watchMu.Unlock()
}

func (s *Server) closeWatchers() {
	s.watchMu.Lock()
	for ch := range s.watchers {
		delete(s.watchers, ch)
		close(ch)
	}
	s.watchMu.Unlock()
}

// notifyMode is the guard transition callback. Slow clients miss events.
func (s *Server) notifyMode(_, to core.RuntimeMode) {
	msg := "MODE " + to.String()
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- msg:
		default:
		}
	}
}
