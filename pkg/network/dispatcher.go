package network

import (
	"errors"
	"log"
	"strings"

	"github.com/meshtalk/meshtalk-node/pkg/protocol"
	"github.com/meshtalk/meshtalk-node/pkg/transport"
)

// run is the dispatcher loop: one goroutine consumes the transport's
// event stream and every handler runs to completion before the next
// event is processed. This is the only place inbound state mutation
// originates.
func (n *Node) run() {
	events := n.transport.Events()
	for {
		select {
		case <-n.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case transport.EventOpened:
				n.handleOpened(ev)
			case transport.EventData:
				n.handleData(ev)
			case transport.EventClosed:
				n.handleClosed(ev)
			case transport.EventErrored:
				n.handleErrored(ev)
			}
		}
	}
}

// handleData decrypts and decodes one inbound frame, then routes it.
// Malformed and unknown frames are dropped, never raised.
func (n *Node) handleData(ev transport.Event) {
	data := ev.Payload
	if n.cipher != nil {
		var err error
		data, err = n.cipher.Decrypt(ev.PeerID, ev.Payload)
		if err != nil {
			log.Printf("⚠️  Dropping undecryptable frame from %s: %v", ev.PeerID, err)
			return
		}
	}

	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			// Forward compatibility: silently ignore newer frame types.
			return
		}
		log.Printf("⚠️  Dropping malformed frame from %s", ev.PeerID)
		return
	}

	switch f := frame.(type) {
	case *protocol.Presence:
		n.notify(Notice{Kind: NoticePresence, PeerID: ev.PeerID, Text: f.Status})
	case *protocol.Typing:
		n.notify(Notice{Kind: NoticeTyping, PeerID: ev.PeerID, IsTyping: f.IsTyping})
	case *protocol.ChatFrame:
		n.handleChatFrame(ev.PeerID, f)
	case *protocol.Receipt:
		n.handleReceipt(ev.PeerID, f)
	case *protocol.SyncRequest:
		n.handleSyncRequest(ev.PeerID)
	case *protocol.SyncReject:
		n.handleSyncReject(ev.PeerID)
	case *protocol.SyncCancel:
		n.handleSyncCancel(ev.PeerID)
	case *protocol.SyncDataInitial:
		n.handleSyncDataInitial(ev.PeerID, f)
	case *protocol.SyncDataFinal:
		n.handleSyncDataFinal(ev.PeerID, f)
	case *protocol.RoomJoinRequest:
		n.handleRoomJoinRequest(ev.PeerID, f)
	case *protocol.RoomJoinAccept:
		n.handleRoomJoinAccept(ev.PeerID, f)
	case *protocol.RoomJoinReject:
		n.handleRoomJoinReject(ev.PeerID, f)
	case *protocol.RoomMessage:
		n.handleRoomMessage(ev.PeerID, f)
	case *protocol.RoomMemberJoined:
		n.handleRoomMemberJoined(ev.PeerID, f)
	case *protocol.RoomMemberLeft:
		n.handleRoomMemberLeft(ev.PeerID, f)
	case *protocol.RoomHostChanged:
		n.handleRoomHostChanged(ev.PeerID, f)
	case *protocol.RoomClose:
		n.handleRoomClose(ev.PeerID, f)
	case *protocol.RoomPing:
		n.handleRoomPing(ev.PeerID, f)
	case *protocol.RoomPong:
		n.handleRoomPong(ev.PeerID, f)
	case *protocol.External:
		n.routeExternal(ev.PeerID, f)
	}
}

// routeExternal forwards opaque frames to the registered collaborator
func (n *Node) routeExternal(peerID string, f *protocol.External) {
	var sink ExternalSink
	switch {
	case strings.HasPrefix(f.Type, protocol.PrefixFile):
		sink = n.fileSink
	case strings.HasPrefix(f.Type, protocol.PrefixGame):
		sink = n.gameSink
	}
	if sink == nil {
		log.Printf("No handler registered for %s frame from %s", f.Type, peerID)
		return
	}
	sink.HandleFrame(peerID, f.Type, f.Raw)
}

// SendPresence announces online status to a peer. Pure signal.
func (n *Node) SendPresence(peerID, status string) error {
	return n.Send(peerID, &protocol.Presence{Status: status})
}

// SendTyping announces typing state to a peer. Pure signal.
func (n *Node) SendTyping(peerID string, isTyping bool) error {
	return n.Send(peerID, &protocol.Typing{IsTyping: isTyping})
}
