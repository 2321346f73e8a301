package connect

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/webdeckbuilding/roomsync/crdt"
)

type ConnectionConfig struct {
	ServerUrl string
	RoomId    string
	Token     string
}

// One live membership in one room: the room document, its named maps and the transport replicating it.
// The owner must call `Destroy` on every exit path once `ConnectRoom` returned a session.
type Session struct {
	roomId    string
	doc       *crdt.Doc
	shared    *SharedDoc
	transport *RoomTransport

	destroyOnce sync.Once
}

func ConnectRoomWithDefaults(ctx context.Context, config ConnectionConfig) (*Session, error) {
	return ConnectRoom(ctx, config, DefaultRoomTransportSettings())
}

// Creates the room document and starts the transport. Returns without waiting for the network;
// use `WaitConnected` and `WaitSynced` to wait for the transport.
func ConnectRoom(ctx context.Context, config ConnectionConfig, settings *RoomTransportSettings) (*Session, error) {
	doc := crdt.NewDoc()

	// make sure the doc has the room maps
	InitializeSchema(doc)
	shared := AttachShared(doc)

	transport, err := NewRoomTransport(ctx, config.ServerUrl, config.RoomId, config.Token, doc, settings)
	if err != nil {
		doc.Destroy()
		return nil, err
	}

	session := &Session{
		roomId:    config.RoomId,
		doc:       doc,
		shared:    shared,
		transport: transport,
	}
	session.transport.AddStatusCallback(func(status TransportStatus) {
		glog.V(2).Infof("[ws]%s %s\n", config.RoomId, status)
	})
	session.transport.AddSyncCallback(func(synced bool) {
		glog.V(2).Infof("[ws]%s sync %t\n", config.RoomId, synced)
	})
	return session, nil
}

func (self *Session) RoomId() string {
	return self.roomId
}

func (self *Session) Doc() *crdt.Doc {
	return self.doc
}

func (self *Session) Shared() *SharedDoc {
	return self.shared
}

func (self *Session) Transport() *RoomTransport {
	return self.transport
}

func (self *Session) WaitConnected(ctx context.Context) error {
	return self.transport.WaitConnected(ctx)
}

func (self *Session) WaitSynced(ctx context.Context) error {
	return self.transport.WaitSynced(ctx)
}

// Tears down the transport, then releases the document. Safe to call more than once,
// and on a session that never connected.
func (self *Session) Destroy() {
	self.destroyOnce.Do(func() {
		glog.V(1).Infof("[s]%s destroy\n", self.roomId)
		if self.transport != nil {
			self.transport.Close()
		}
		self.doc.Destroy()
	})
}
