// Package cdptest provides a fake remote debugging endpoint: an HTTP listing plus
// one websocket session per surface, answering Runtime.evaluate through a callback.
package cdptest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// EvalFunc answers an evaluation. Returning a non-empty exception makes the reply
// carry exceptionDetails instead of a value.
type EvalFunc func(expression string) (value interface{}, exception string)

// Surface is one fake debuggable surface.
type Surface struct {
	ID    string
	Type  string
	Title string
	URL   string
	// NoSession omits the session URL from the listing.
	NoSession bool
	// Eval answers Runtime.evaluate. Nil answers every evaluation with null.
	Eval EvalFunc
	// Silent, when it returns true, swallows the request without replying.
	Silent func(method, expression string) bool
	// Delay is applied before every reply.
	Delay time.Duration
}

// Call is a request received by the fake.
type Call struct {
	SurfaceID  string
	Method     string
	Expression string
	Params     json.RawMessage
}

// Server is the fake endpoint.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	surfaces map[string]*Surface
	order    []string
	conns    map[string][]*websocket.Conn
	calls    []Call
	status   int

	upgrader websocket.Upgrader
}

// NewServer starts a fake endpoint serving surfaces. It is closed with the test.
func NewServer(t testing.TB, surfaces ...*Surface) *Server {
	t.Helper()
	s := &Server{
		surfaces: make(map[string]*Surface),
		conns:    make(map[string][]*websocket.Conn),
		status:   http.StatusOK,
	}
	for _, sf := range surfaces {
		s.Add(sf)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", s.handleList)
	mux.HandleFunc("/devtools/page/", s.handleSession)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// ListURL is the discovery endpoint.
func (s *Server) ListURL() string {
	return s.URL + "/json/list"
}

// SessionURL is the websocket URL for surface id.
func (s *Server) SessionURL(id string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/devtools/page/" + id
}

// Add registers a surface.
func (s *Server) Add(sf *Surface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sf.Type == "" {
		sf.Type = "page"
	}
	if _, ok := s.surfaces[sf.ID]; !ok {
		s.order = append(s.order, sf.ID)
	}
	s.surfaces[sf.ID] = sf
}

// SetListStatus makes the listing answer with status.
func (s *Server) SetListStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Calls returns the requests received for surface id ("" for all surfaces).
func (s *Server) Calls(id string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if id == "" || c.SurfaceID == id {
			out = append(out, c)
		}
	}
	return out
}

// CountExpressions counts evaluations on id whose expression contains substr.
func (s *Server) CountExpressions(id, substr string) int {
	n := 0
	for _, c := range s.Calls(id) {
		if strings.Contains(c.Expression, substr) {
			n++
		}
	}
	return n
}

// Drop closes every open session to surface id, as a reload or crash would.
func (s *Server) Drop(id string) {
	s.mu.Lock()
	conns := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.status
	type entry struct {
		ID                   string `json:"id"`
		Type                 string `json:"type"`
		Title                string `json:"title"`
		URL                  string `json:"url"`
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl,omitempty"`
	}
	list := make([]entry, 0, len(s.order))
	for _, id := range s.order {
		sf := s.surfaces[id]
		e := entry{ID: sf.ID, Type: sf.Type, Title: sf.Title, URL: sf.URL}
		if !sf.NoSession {
			e.WebSocketDebuggerURL = s.SessionURL(sf.ID)
		}
		list = append(list, e)
	}
	s.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, "unavailable", status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/devtools/page/")
	s.mu.Lock()
	sf, ok := s.surfaces[id]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns[id] = append(s.conns[id], conn)
	s.mu.Unlock()
	defer conn.Close()

	var writeMu sync.Mutex
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		var params struct {
			Expression string `json:"expression"`
		}
		_ = json.Unmarshal(req.Params, &params)

		s.mu.Lock()
		s.calls = append(s.calls, Call{SurfaceID: id, Method: req.Method, Expression: params.Expression, Params: req.Params})
		s.mu.Unlock()

		if sf.Silent != nil && sf.Silent(req.Method, params.Expression) {
			continue
		}

		reply := map[string]interface{}{"id": req.ID}
		if req.Method == "Runtime.evaluate" {
			var value interface{}
			var exception string
			if sf.Eval != nil {
				value, exception = sf.Eval(params.Expression)
			}
			if exception != "" {
				reply["result"] = map[string]interface{}{
					"result":           map[string]interface{}{"type": "object", "subtype": "error"},
					"exceptionDetails": map[string]interface{}{"text": "Uncaught", "exception": map[string]interface{}{"type": "object", "description": exception}},
				}
			} else {
				reply["result"] = map[string]interface{}{"result": map[string]interface{}{"type": "object", "value": value}}
			}
		} else {
			reply["result"] = map[string]interface{}{}
		}

		go func(delay time.Duration, reply map[string]interface{}) {
			if delay > 0 {
				time.Sleep(delay)
			}
			data, _ := json.Marshal(reply)
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = conn.WriteMessage(websocket.TextMessage, data)
		}(sf.Delay, reply)
	}
}
