package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/inkboard/collab/collab"
)

const Version = "0.0.1"

func main() {
	usage := `Canvas collaboration gateway.

Usage:
    gateway [--port=<port>] --db=<db> [--redis=<redis>]

Options:
    -h --help        Show this screen.
    --version        Show version.
    --port=<port>    Listen port [default: 8080].
    --db=<db>        Postgres connection url.
    --redis=<redis>  Redis address [default: localhost:6379].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	port, _ := opts.Int("--port")
	databaseUrl, _ := opts.String("--db")
	redisAddr, _ := opts.String("--redis")

	gateway := &Gateway{
		ctx:            context.Background(),
		databaseUrl:    databaseUrl,
		redisAddr:      redisAddr,
		documentStores: map[string]*collab.PgDocumentStore{},
	}

	router := mux.NewRouter()
	router.HandleFunc("/status", gateway.Status)
	router.HandleFunc("/ws/{canvas}", gateway.Connect)

	glog.Infof("[gateway]listening on :%d", port)
	err = http.ListenAndServe(fmt.Sprintf(":%d", port), router)
	glog.Errorf("[gateway]exit: %v", err)
}

type Gateway struct {
	ctx         context.Context
	databaseUrl string
	redisAddr   string

	upgrader websocket.Upgrader

	stateLock      sync.Mutex
	documentStores map[string]*collab.PgDocumentStore
}

func (self *Gateway) Status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": Version,
	})
}

// one document store per canvas, shared across connections
func (self *Gateway) documentStore(canvasId string) (*collab.PgDocumentStore, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if documentStore, ok := self.documentStores[canvasId]; ok {
		return documentStore, nil
	}
	documentStore, err := collab.NewPgDocumentStore(self.ctx, self.databaseUrl, canvasId)
	if err != nil {
		return nil, err
	}
	self.documentStores[canvasId] = documentStore
	return documentStore, nil
}

// Connect upgrades to a websocket and runs a full collaboration session for
// the connected user until the socket closes.
func (self *Gateway) Connect(w http.ResponseWriter, r *http.Request) {
	canvasId := mux.Vars(r)["canvas"]

	authToken, err := self.authorize(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if authToken.CanvasId != "" && authToken.CanvasId != canvasId {
		http.Error(w, "token not valid for canvas", http.StatusForbidden)
		return
	}

	documentStore, err := self.documentStore(canvasId)
	if err != nil {
		glog.Infof("[gateway]document store for %s: %v", canvasId, err)
		http.Error(w, "document store unavailable", http.StatusServiceUnavailable)
		return
	}

	realtimeStore, err := collab.NewRedisRealtimeStore(self.ctx, self.redisAddr, canvasId, collab.DefaultRedisRealtimeSettings())
	if err != nil {
		glog.Infof("[gateway]realtime store for %s: %v", canvasId, err)
		http.Error(w, "realtime store unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		realtimeStore.Close()
		return
	}

	connection := &Connection{
		ws:   ws,
		send: make(chan *OutMessage, 32),
	}
	connection.Run(self.ctx, authToken.User(), documentStore, realtimeStore)
}

func (self *Gateway) authorize(r *http.Request) (*collab.AuthToken, error) {
	jwt := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); auth != "" {
		jwt = strings.TrimPrefix(auth, "Bearer ")
	}
	if jwt == "" {
		return nil, fmt.Errorf("missing token")
	}
	return collab.ParseAuthTokenUnverified(jwt)
}

type InMessage struct {
	Type    string         `json:"type"`
	ShapeId string         `json:"shapeId,omitempty"`
	Shape   map[string]any `json:"shape,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	X       float64        `json:"x,omitempty"`
	Y       float64        `json:"y,omitempty"`
	Width   float64        `json:"width,omitempty"`
	Height  float64        `json:"height,omitempty"`
	Fill    string         `json:"fill,omitempty"`
}

type OutMessage struct {
	Type    string                            `json:"type"`
	ShapeId string                            `json:"shapeId,omitempty"`
	Shapes  []*collab.Shape                   `json:"shapes,omitempty"`
	Peers   map[string]*collab.PresenceRecord `json:"peers,omitempty"`
	Ok      bool                              `json:"ok,omitempty"`
	Error   string                            `json:"error,omitempty"`
}

type Connection struct {
	ws   *websocket.Conn
	send chan *OutMessage
}

func (self *Connection) Run(
	ctx context.Context,
	user *collab.SessionUser,
	documentStore collab.DocumentStore,
	realtimeStore *collab.RedisRealtimeStore,
) {
	defer self.ws.Close()
	defer realtimeStore.Close()

	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	session, err := collab.NewSession(cancelCtx, user, documentStore, realtimeStore, collab.DefaultSessionSettings())
	if err != nil {
		glog.Infof("[gateway]%s session: %v", user.UserId, err)
		return
	}
	defer func() {
		if err := session.Close(); err != nil {
			glog.Infof("[gateway]%s close: %v", user.UserId, err)
		}
	}()

	unsubPeers := session.AddPeerCallback(func(peers map[string]*collab.PresenceRecord) {
		self.trySend(&OutMessage{Type: "peers", Peers: peers})
	})
	defer unsubPeers()

	// gorilla allows one concurrent writer, so all outbound traffic funnels
	// through the send channel
	go self.writePump(cancelCtx)
	go self.shapePump(cancelCtx, session)

	self.trySend(&OutMessage{Type: "shapes", Shapes: session.Shapes()})
	self.trySend(&OutMessage{Type: "peers", Peers: session.Peers()})

	for {
		var message InMessage
		if err := self.ws.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.V(2).Infof("[gateway]%s read: %v", user.UserId, err)
			}
			return
		}
		self.handle(session, &message)
	}
}

func (self *Connection) handle(session *collab.Session, message *InMessage) {
	switch message.Type {
	case "create":
		shapeType := collab.ShapeType("")
		if typeAny, ok := message.Shape["type"]; ok {
			if typeStr, ok := typeAny.(string); ok {
				shapeType = collab.ShapeType(typeStr)
			}
		}
		shapeId, err := session.CreateShape(
			shapeType,
			message.X,
			message.Y,
			message.Width,
			message.Height,
			message.Fill,
		)
		if err != nil {
			self.trySend(&OutMessage{Type: "error", Error: err.Error()})
			return
		}
		self.trySend(&OutMessage{Type: "created", ShapeId: shapeId})
	case "update":
		fields, err := collab.DecodeShapeFields(message.Fields)
		if err != nil {
			self.trySend(&OutMessage{Type: "error", Error: err.Error()})
			return
		}
		if err := session.UpdateShape(message.ShapeId, fields); err != nil {
			self.trySend(&OutMessage{Type: "error", Error: err.Error()})
		}
	case "delete":
		if err := session.DeleteShape(message.ShapeId); err != nil {
			self.trySend(&OutMessage{Type: "error", Error: err.Error()})
		}
	case "select":
		ok := session.SelectShape(message.ShapeId)
		self.trySend(&OutMessage{Type: "selected", ShapeId: message.ShapeId, Ok: ok})
	case "deselect":
		session.DeselectShape(message.ShapeId)
	case "cursor":
		session.CursorMoved(message.X, message.Y)
	case "undo":
		self.trySend(&OutMessage{Type: "undone", Ok: session.Undo()})
	case "redo":
		self.trySend(&OutMessage{Type: "redone", Ok: session.Redo()})
	default:
		self.trySend(&OutMessage{Type: "error", Error: fmt.Sprintf("unknown message type %q", message.Type)})
	}
}

// shapePump pushes the reconciled projection on every store transition
func (self *Connection) shapePump(ctx context.Context, session *collab.Session) {
	monitor := session.ChangeMonitor()
	for {
		notify := monitor.NotifyChannel()
		select {
		case <-ctx.Done():
			return
		case <-notify:
			self.trySend(&OutMessage{Type: "shapes", Shapes: session.Shapes()})
		}
	}
}

func (self *Connection) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-self.send:
			if err := self.ws.WriteJSON(message); err != nil {
				return
			}
		}
	}
}

// presence and shape fan-out is lossy toward a slow client; drop instead of
// blocking the session
func (self *Connection) trySend(message *OutMessage) {
	select {
	case self.send <- message:
	default:
	}
}
