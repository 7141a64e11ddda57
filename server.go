package roomsync

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
)

// close codes sent before any document state is exchanged
const (
	CloseAuthFailed       = 4401
	ClosePermissionDenied = 4403
)

const authProtocolPrefix = "yauth-"

type ServerSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration
	// bounded tail wait so a session can observe teardown
	TailBlockTimeout time.Duration
	TailErrorBackoff time.Duration
	SendQueueSize    int
	// bounded retry for write-through appends
	AppendAttempts      int
	AppendRetryInterval time.Duration
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		WsHandshakeTimeout:  2 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         15 * time.Second,
		PingTimeout:         5 * time.Second,
		TailBlockTimeout:    1 * time.Second,
		TailErrorBackoff:    1 * time.Second,
		SendQueueSize:       256,
		AppendAttempts:      4,
		AppendRetryInterval: 250 * time.Millisecond,
	}
}

// Server accepts websocket connections, authenticates them, and bridges
// each connection's live session to the message bus. The room is addressed
// by the url path and the bearer token rides in the `yauth-<token>`
// subprotocol. Cross-instance coordination happens only through the bus
// and storage, never through shared memory.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	client   *ApiClient
	authGate *AuthGate

	settings *ServerSettings

	upgrader websocket.Upgrader

	stateLock sync.Mutex
	sessions  map[Room]*roomSession

	httpServer *http.Server
}

func NewServerWithDefaults(ctx context.Context, client *ApiClient, authGate *AuthGate) *Server {
	return NewServer(ctx, client, authGate, DefaultServerSettings())
}

func NewServer(ctx context.Context, client *ApiClient, authGate *AuthGate, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		client:   client,
		authGate: authGate,
		settings: settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin: func(r *http.Request) bool {
				// auth is the bearer token, not the origin
				return true
			},
		},
		sessions: map[Room]*roomSession{},
	}
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomName := strings.Trim(r.URL.Path, "/")
	if roomName == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	room := NewRoom(roomName)

	token := ""
	negotiated := ""
	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, authProtocolPrefix) {
			token = strings.TrimPrefix(proto, authProtocolPrefix)
			negotiated = proto
			break
		}
	}

	responseHeader := http.Header{}
	if negotiated != "" {
		responseHeader.Set("Sec-WebSocket-Protocol", negotiated)
	}
	ws, err := self.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		glog.V(2).Infof("[ws]upgrade error = %s\n", err)
		return
	}

	// fail closed before any document state is exchanged
	if token == "" {
		closeWithCode(ws, CloseAuthFailed, "missing auth token")
		return
	}
	userToken, err := self.authGate.VerifyToken(token)
	if err != nil {
		glog.Infof("[ws]auth error %s = %s\n", room, err)
		closeWithCode(ws, CloseAuthFailed, "invalid auth token")
		return
	}
	access := self.authGate.CheckPermission(r.Context(), room, userToken.UserId)
	if access == AccessNone {
		glog.Infof("[ws]permission denied %s %s\n", room, userToken.UserId)
		closeWithCode(ws, ClosePermissionDenied, "permission denied")
		return
	}

	session, err := self.attach(room)
	if err != nil {
		glog.Infof("[ws]attach %s error = %s\n", room, err)
		closeWithCode(ws, websocket.CloseInternalServerErr, "room unavailable")
		return
	}

	client := &clientConn{
		id:          NewId(),
		ws:          ws,
		sendQueue:   make(chan []byte, self.settings.SendQueueSize),
		readOnly:    access == AccessRead,
		closeSignal: make(chan struct{}),
	}
	glog.V(2).Infof("[ws]open %s %s access=%s\n", room, client.id, access)

	session.addClient(client)
	defer func() {
		session.removeClient(client)
		self.detach(room)
		client.close()
	}()

	go self.writePump(client)
	self.readPump(session, client)
}

func (self *Server) readPump(session *roomSession, client *clientConn) {
	ws := client.ws
	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		messageType, payload, err := ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[ws]close %s = %s\n", client.id, err)
			return
		}
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		if messageType != websocket.BinaryMessage {
			continue
		}
		if client.readOnly {
			glog.V(2).Infof("[ws]dropping update from read-only %s\n", client.id)
			continue
		}
		if err := session.handleClientUpdate(client, payload); err != nil {
			glog.Infof("[ws]update from %s error = %s\n", client.id, err)
			closeWithCode(ws, websocket.CloseInternalServerErr, "update not accepted")
			return
		}
	}
}

func (self *Server) writePump(client *clientConn) {
	ws := client.ws
	pingTicker := time.NewTicker(self.settings.PingTimeout)
	defer pingTicker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-client.closeSignal:
			return
		case payload, ok := <-client.sendQueue:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				glog.V(2).Infof("[ws]write %s error = %s\n", client.id, err)
				ws.Close()
				return
			}
		case <-pingTicker.C:
			deadline := time.Now().Add(self.settings.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				ws.Close()
				return
			}
		}
	}
}

// attach returns the in-process session for the room, creating it lazily
// on the first local client. Sessions are reference counted.
func (self *Server) attach(room Room) (*roomSession, error) {
	self.stateLock.Lock()
	if session, ok := self.sessions[room]; ok {
		session.refCount += 1
		self.stateLock.Unlock()
		return session, nil
	}
	self.stateLock.Unlock()

	// load outside the server lock. The document reflects all durable
	// history plus everything appended after the last compaction.
	doc, lastId, err := self.client.GetDoc(self.ctx, room)
	if err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if session, ok := self.sessions[room]; ok {
		// lost the creation race
		session.refCount += 1
		return session, nil
	}
	sessionCtx, sessionCancel := context.WithCancel(self.ctx)
	session := &roomSession{
		ctx:           sessionCtx,
		cancel:        sessionCancel,
		server:        self,
		room:          room,
		doc:           doc,
		lastAppliedId: lastId,
		pendingLocal:  map[string]Id{},
		clients:       map[Id]*clientConn{},
		refCount:      1,
	}
	self.sessions[room] = session
	go session.tail()
	return session, nil
}

func (self *Server) detach(room Room) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	session, ok := self.sessions[room]
	if !ok {
		return
	}
	session.refCount -= 1
	if session.refCount <= 0 {
		// release the in-memory document. The next client on any server
		// reloads via storage plus stream catch-up.
		delete(self.sessions, room)
		session.cancel()
		glog.V(2).Infof("[ws]session released %s\n", room)
	}
}

func (self *Server) LocalRooms() []Room {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.sessions)
}

func (self *Server) ListenAndServe(addr string) error {
	httpServer := &http.Server{
		Addr:    addr,
		Handler: self,
	}
	self.stateLock.Lock()
	self.httpServer = httpServer
	self.stateLock.Unlock()
	glog.Infof("[ws]listening on %s\n", addr)
	return httpServer.ListenAndServe()
}

func (self *Server) Close() {
	self.cancel()
	self.stateLock.Lock()
	httpServer := self.httpServer
	self.stateLock.Unlock()
	if httpServer != nil {
		httpServer.Close()
	}
}

type clientConn struct {
	id        Id
	ws        *websocket.Conn
	sendQueue chan []byte
	readOnly  bool

	closeOnce   sync.Once
	closeSignal chan struct{}
}

func (self *clientConn) close() {
	self.closeOnce.Do(func() {
		close(self.closeSignal)
		self.ws.Close()
	})
}

// send queues a payload for the write pump. A client that cannot drain its
// queue is dropped rather than backpressuring the room.
func (self *clientConn) send(payload []byte) {
	select {
	case self.sendQueue <- payload:
	default:
		glog.Infof("[ws]send queue full, dropping %s\n", self.id)
		self.close()
	}
}

// roomSession owns the local in-memory document for one room on this
// instance. All mutation goes through stateLock, preserving
// single-writer-per-room-per-process.
type roomSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	server *Server
	room   Room

	stateLock     sync.Mutex
	doc           Document
	lastAppliedId string
	// entry id -> origin connection, for updates appended locally and
	// not yet observed on the tail
	pendingLocal map[string]Id
	clients      map[Id]*clientConn
	refCount     int
}

func (self *roomSession) addClient(client *clientConn) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.clients[client.id] = client
	// seed the client with the full current state. Queued under the
	// lock so tailed updates cannot arrive ahead of the snapshot.
	client.send(self.doc.Snapshot())
}

func (self *roomSession) removeClient(client *clientConn) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.clients, client.id)
}

// handleClientUpdate merges a locally received update and appends it
// write-through, so a crash of this instance cannot lose an update that
// peers have been told about.
func (self *roomSession) handleClientUpdate(client *clientConn, payload []byte) error {
	self.stateLock.Lock()
	if err := self.doc.ApplyUpdate(payload); err != nil {
		self.stateLock.Unlock()
		return err
	}
	self.stateLock.Unlock()

	settings := self.server.settings
	var entryId string
	var err error
	for attempt := 1; ; attempt += 1 {
		entryId, err = self.server.client.AddUpdate(self.ctx, self.room, payload)
		if err == nil {
			break
		}
		if settings.AppendAttempts <= attempt {
			// never silently drop: the client is disconnected and will
			// resync on reconnect
			return err
		}
		glog.Infof("[ws]append %s attempt %d error = %s\n", self.room, attempt, err)
		select {
		case <-self.ctx.Done():
			return err
		case <-time.After(settings.AppendRetryInterval * time.Duration(attempt)):
		}
	}

	self.stateLock.Lock()
	// the tail may have delivered the entry before this point. Track it
	// only while a delivery is still outstanding, or the map entry would
	// never be removed.
	if 0 < compareEntryIds(entryId, self.lastAppliedId) {
		self.pendingLocal[entryId] = client.id
	}
	self.stateLock.Unlock()
	return nil
}

// tail follows the room's stream and fans entries out to local clients.
// Entries appended by this instance come back on the tail too; they are
// not re-applied (the merge contract makes a re-apply harmless anyway)
// and are not echoed to their origin.
func (self *roomSession) tail() {
	settings := self.server.settings
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.stateLock.Lock()
		fromId := self.lastAppliedId
		self.stateLock.Unlock()

		entries, err := self.server.client.Bus().ReadUpdatesFrom(self.ctx, self.room, fromId, settings.TailBlockTimeout)
		if err != nil {
			select {
			case <-self.ctx.Done():
				return
			default:
			}
			glog.Infof("[ws]tail %s error = %s\n", self.room, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(settings.TailErrorBackoff):
			}
			continue
		}
		for i := range entries {
			self.deliver(&entries[i])
		}
	}
}

func (self *roomSession) deliver(entry *UpdateEntry) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	// the stream is totally ordered, so anything at or below the
	// watermark has already been applied
	if compareEntryIds(entry.Id, self.lastAppliedId) <= 0 {
		return
	}
	self.lastAppliedId = entry.Id

	origin, local := self.pendingLocal[entry.Id]
	if local {
		delete(self.pendingLocal, entry.Id)
	} else {
		if err := self.doc.ApplyUpdate(entry.Payload); err != nil {
			glog.Infof("[ws]apply entry %s in %s error = %s\n", entry.Id, self.room, err)
			return
		}
	}

	for id, client := range self.clients {
		if local && id == origin {
			continue
		}
		client.send(entry.Payload)
	}
}

func closeWithCode(ws *websocket.Conn, code int, reason string) {
	message := websocket.FormatCloseMessage(code, reason)
	ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	ws.Close()
}
