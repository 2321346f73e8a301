package connect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/webdeckbuilding/roomsync/crdt"
)

// The room transport replicates one document through the relay.
//
// Protocol (binary ws messages, see `crdt.EncodeMessage`):
// - on connect each side sends sync step 1 with its state vector
// - each side answers a step 1 with step 2, the entries the other side has not seen
// - the first step 2 received marks the transport synced
// - local document updates are sent as update messages while connected.
//   Updates made while disconnected are carried by the step 2 of the next connect.
// - an empty binary message is a ping

var ErrTransportClosed = errors.New("transport closed")

// The relay rejected the token. The transport stops, since retrying with the same token cannot succeed.
var ErrUnauthorized = errors.New("room token rejected")

type TransportStatus string

const (
	TransportDisconnected TransportStatus = "disconnected"
	TransportConnecting   TransportStatus = "connecting"
	TransportConnected    TransportStatus = "connected"
)

type StatusFunction func(status TransportStatus)
type SyncFunction func(synced bool)

type RoomTransportSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultRoomTransportSettings() *RoomTransportSettings {
	return &RoomTransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		ReconnectTimeout:   2 * time.Second,
		PingTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		SendBufferSize:     64,
	}
}

type RoomTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl    string
	roomId   string
	doc      *crdt.Doc
	settings *RoomTransportSettings
	log      LogFunction

	stateLock sync.Mutex
	status    TransportStatus
	synced    bool
	// set when the transport stopped for good, e.g. `ErrUnauthorized`
	err        error
	send       chan []byte
	sendCancel context.CancelFunc

	statusCallbacks *CallbackList[StatusFunction]
	syncCallbacks   *CallbackList[SyncFunction]

	unsubscribeUpdates func()
	closeOnce          sync.Once
}

func NewRoomTransportWithDefaults(
	ctx context.Context,
	serverUrl string,
	roomId string,
	token string,
	doc *crdt.Doc,
) (*RoomTransport, error) {
	return NewRoomTransport(ctx, serverUrl, roomId, token, doc, DefaultRoomTransportSettings())
}

// Starts connecting in the background. Network failures never fail construction,
// they are reported through the status callbacks.
func NewRoomTransport(
	ctx context.Context,
	serverUrl string,
	roomId string,
	token string,
	doc *crdt.Doc,
	settings *RoomTransportSettings,
) (*RoomTransport, error) {
	wsUrl, err := roomUrl(serverUrl, roomId, token)
	if err != nil {
		return nil, err
	}
	if settings.SendBufferSize < 1 {
		return nil, fmt.Errorf("send buffer size must be at least 1 (%d)", settings.SendBufferSize)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &RoomTransport{
		ctx:             cancelCtx,
		cancel:          cancel,
		wsUrl:           wsUrl,
		roomId:          roomId,
		doc:             doc,
		settings:        settings,
		log:             LogFn(2, fmt.Sprintf("[t]%s", roomId)),
		status:          TransportDisconnected,
		statusCallbacks: NewCallbackList[StatusFunction](),
		syncCallbacks:   NewCallbackList[SyncFunction](),
	}
	transport.unsubscribeUpdates = doc.OnUpdate(transport.onDocUpdate)
	go transport.run()
	return transport, nil
}

// `{serverUrl}/{roomId}?yauth={token}`
func roomUrl(serverUrl string, roomId string, token string) (string, error) {
	u, err := url.Parse(serverUrl)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u = u.JoinPath(roomId)
	query := u.Query()
	query.Set("yauth", token)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (self *RoomTransport) run() {
	defer self.setStatus(TransportDisconnected)

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		self.setStatus(TransportConnecting)

		var resp *http.Response
		connect := func() (*websocket.Conn, error) {
			ws, r, err := dialer.DialContext(self.ctx, self.wsUrl, nil)
			resp = r
			return ws, err
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[t]connect %s", self.roomId), connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			if errors.Is(err, websocket.ErrBadHandshake) && resp != nil && resp.StatusCode == http.StatusUnauthorized {
				glog.Infof("[t]connect %s unauthorized\n", self.roomId)
				self.fail(fmt.Errorf("%w: %s", ErrUnauthorized, self.roomId))
				return
			}
			if self.ctx.Err() == nil {
				glog.Infof("[t]connect error %s = %s\n", self.roomId, err)
			}
			self.setStatus(TransportDisconnected)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.handle(ws)

		self.setStatus(TransportDisconnected)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *RoomTransport) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// note `send` is not closed. Late enqueues after the connection ends go nowhere.
	send := make(chan []byte, self.settings.SendBufferSize)
	send <- crdt.EncodeMessage(crdt.SyncStep1Message(self.doc.StateVector()))

	self.stateLock.Lock()
	self.send = send
	self.sendCancel = handleCancel
	self.stateLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		self.send = nil
		self.sendCancel = nil
		self.stateLock.Unlock()
	}()

	self.setStatus(TransportConnected)

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					// note that for websocket a dealine timeout cannot be recovered
					glog.Infof("[ts]%s-> error = %s\n", self.roomId, err)
					return
				}
				self.log("->%d", len(message))
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					// note that for websocket a dealine timeout cannot be recovered
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				if handleCtx.Err() == nil {
					glog.Infof("[tr]%s<- error = %s\n", self.roomId, err)
				}
				return
			}

			switch messageType {
			case websocket.BinaryMessage:
				if 0 == len(message) {
					// ping
					continue
				}
				self.log("<-%d", len(message))
				self.receive(message, send, handleCancel)
			default:
				self.log("<-other=%d", messageType)
			}
		}
	}()

	<-handleCtx.Done()
}

func (self *RoomTransport) receive(messageBytes []byte, send chan []byte, cancel context.CancelFunc) {
	message, err := crdt.DecodeMessage(messageBytes)
	if err != nil {
		glog.Infof("[tr]%s<- bad message = %s\n", self.roomId, err)
		return
	}

	switch message.Type {
	case crdt.MessageSyncStep1:
		reply := crdt.EncodeMessage(crdt.SyncStep2Message(self.doc.EncodeStateAsUpdate(message.StateVector)))
		enqueue(send, reply, cancel)
	case crdt.MessageSyncStep2:
		if err := self.doc.ApplyUpdate(message.Update, self); err != nil {
			self.log("apply step2 error = %s", err)
			return
		}
		self.setSynced()
	case crdt.MessageUpdate:
		if err := self.doc.ApplyUpdate(message.Update, self); err != nil {
			self.log("apply update error = %s", err)
		}
	}
}

func (self *RoomTransport) onDocUpdate(update *crdt.Update, origin any) {
	if origin == self {
		// applied from the relay
		return
	}

	self.stateLock.Lock()
	send := self.send
	cancel := self.sendCancel
	self.stateLock.Unlock()

	if send == nil {
		// not connected. The next connect exchanges this with step 2.
		return
	}
	enqueue(send, crdt.EncodeMessage(crdt.UpdateMessage(update)), cancel)
}

// never blocks the caller. When the connection cannot keep up it is dropped,
// and the sync exchange on reconnect covers the lost messages.
func enqueue(send chan []byte, message []byte, cancel context.CancelFunc) bool {
	select {
	case send <- message:
		return true
	default:
		glog.Infof("[ts]send buffer full, dropping connection\n")
		if cancel != nil {
			cancel()
		}
		return false
	}
}

func (self *RoomTransport) setStatus(status TransportStatus) {
	self.stateLock.Lock()
	if self.status == status {
		self.stateLock.Unlock()
		return
	}
	self.status = status
	self.stateLock.Unlock()

	glog.V(1).Infof("[t]%s status = %s\n", self.roomId, status)
	for _, callback := range self.statusCallbacks.Get() {
		HandleError(func() {
			callback(status)
		})
	}
}

// synced is sticky for the life of the transport
func (self *RoomTransport) setSynced() {
	self.stateLock.Lock()
	if self.synced {
		self.stateLock.Unlock()
		return
	}
	self.synced = true
	self.stateLock.Unlock()

	glog.V(1).Infof("[t]%s synced\n", self.roomId)
	for _, callback := range self.syncCallbacks.Get() {
		HandleError(func() {
			callback(true)
		})
	}
}

func (self *RoomTransport) fail(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.err == nil {
		self.err = err
	}
}

// the error that stopped the transport, nil while it is running or after a plain close
func (self *RoomTransport) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.err
}

func (self *RoomTransport) Status() TransportStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

func (self *RoomTransport) IsSynced() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.synced
}

func (self *RoomTransport) AddStatusCallback(callback StatusFunction) func() {
	return self.statusCallbacks.Add(callback)
}

func (self *RoomTransport) AddSyncCallback(callback SyncFunction) func() {
	return self.syncCallbacks.Add(callback)
}

func (self *RoomTransport) WaitConnected(ctx context.Context) error {
	return self.wait(ctx, func() bool {
		return self.Status() == TransportConnected
	})
}

func (self *RoomTransport) WaitSynced(ctx context.Context) error {
	return self.wait(ctx, self.IsSynced)
}

func (self *RoomTransport) wait(ctx context.Context, ready func() bool) error {
	notify := make(chan struct{}, 1)
	signal := func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	}
	removeStatus := self.AddStatusCallback(func(status TransportStatus) {
		signal()
	})
	defer removeStatus()
	removeSync := self.AddSyncCallback(func(synced bool) {
		signal()
	})
	defer removeSync()

	for {
		if ready() {
			return nil
		}
		if err := self.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return ErrTransportClosed
		case <-notify:
		}
	}
}

// Stops the transport. Safe to call more than once.
func (self *RoomTransport) Close() {
	self.closeOnce.Do(func() {
		self.cancel()
		self.unsubscribeUpdates()
		self.statusCallbacks.Clear()
		self.syncCallbacks.Clear()
	})
}

func (self *RoomTransport) Done() <-chan struct{} {
	return self.ctx.Done()
}
