package relay

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/webdeckbuilding/roomsync/crdt"
)

// The relay replica of one room.
// A peer receives broadcasts only after its step 1 was answered, so every entry
// the peer has not seen is either in that step 2 or in a later broadcast.
type room struct {
	roomId  string
	doc     *crdt.Doc
	metrics *relayMetrics

	stateLock sync.Mutex
	// peers registered for broadcast
	peers map[*peer]bool
}

func newRoom(roomId string, metrics *relayMetrics) *room {
	r := &room{
		roomId:  roomId,
		doc:     crdt.NewDoc(),
		metrics: metrics,
		peers:   map[*peer]bool{},
	}
	r.doc.OnUpdate(r.broadcast)
	return r
}

// `origin` is the peer the update came from
func (self *room) broadcast(update *crdt.Update, origin any) {
	self.stateLock.Lock()
	peers := make([]*peer, 0, len(self.peers))
	for p := range self.peers {
		if p != origin {
			peers = append(peers, p)
		}
	}
	self.stateLock.Unlock()

	if len(peers) == 0 {
		return
	}
	message := crdt.EncodeMessage(crdt.UpdateMessage(update))
	for _, p := range peers {
		p.enqueue(message, crdt.MessageUpdate)
	}
}

// answers a step 1 and registers the peer for broadcast in one step
func (self *room) syncPeer(p *peer, stateVector crdt.StateVector) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	update := self.doc.EncodeStateAsUpdate(stateVector)
	p.enqueue(crdt.EncodeMessage(crdt.SyncStep2Message(update)), crdt.MessageSyncStep2)
	self.peers[p] = true
}

func (self *room) removePeer(p *peer) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.peers, p)
}

func (self *room) peerCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.peers)
}

type peer struct {
	ctx     context.Context
	cancel  context.CancelFunc
	id      string
	room    *room
	ws      *websocket.Conn
	send    chan []byte
	metrics *relayMetrics
}

// never blocks. A peer that cannot keep up is disconnected and resyncs on reconnect.
func (self *peer) enqueue(message []byte, messageType crdt.MessageType) {
	select {
	case <-self.ctx.Done():
		return
	default:
	}
	select {
	case self.send <- message:
		self.metrics.messages.WithLabelValues("out", messageType.String()).Inc()
	default:
		glog.Infof("[r]%s/%s send buffer full, dropping peer\n", self.room.roomId, self.id)
		self.metrics.droppedPeers.Inc()
		self.cancel()
	}
}

func (self *peer) run(settings *RelaySettings) {
	defer self.ws.Close()
	defer self.cancel()
	defer self.room.removePeer(self)

	// ask for what the peer has that the relay does not
	self.enqueue(crdt.EncodeMessage(crdt.SyncStep1Message(self.room.doc.StateVector())), crdt.MessageSyncStep1)

	go func() {
		defer self.cancel()

		for {
			select {
			case <-self.ctx.Done():
				return
			case message := <-self.send:
				self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					glog.V(1).Infof("[rs]%s/%s-> error = %s\n", self.room.roomId, self.id, err)
					return
				}
			case <-time.After(settings.PingTimeout):
				self.ws.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer self.cancel()

		for {
			select {
			case <-self.ctx.Done():
				return
			default:
			}

			self.ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
			messageType, message, err := self.ws.ReadMessage()
			if err != nil {
				if self.ctx.Err() == nil {
					glog.V(1).Infof("[rr]%s/%s<- error = %s\n", self.room.roomId, self.id, err)
				}
				return
			}
			if messageType != websocket.BinaryMessage || len(message) == 0 {
				// ping or other
				continue
			}
			self.receive(message)
		}
	}()

	<-self.ctx.Done()
}

func (self *peer) receive(messageBytes []byte) {
	message, err := crdt.DecodeMessage(messageBytes)
	if err != nil {
		glog.Infof("[rr]%s/%s<- bad message = %s\n", self.room.roomId, self.id, err)
		return
	}
	self.metrics.messages.WithLabelValues("in", message.Type.String()).Inc()

	switch message.Type {
	case crdt.MessageSyncStep1:
		self.room.syncPeer(self, message.StateVector)
	case crdt.MessageSyncStep2, crdt.MessageUpdate:
		if err := self.room.doc.ApplyUpdate(message.Update, self); err != nil {
			glog.Infof("[rr]%s/%s<- apply error = %s\n", self.room.roomId, self.id, err)
		}
	}
}
