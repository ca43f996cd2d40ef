package network

import (
	"errors"
	"log"
	"time"

	"github.com/meshtalk/meshtalk-node/pkg/crypto"
	"github.com/meshtalk/meshtalk-node/pkg/protocol"
)

var ErrRoomDegraded = errors.New("room has no host")

// Room is one multi-party session. Exactly one member is host at any
// time and relays all messages; non-hosts only ever talk to the host.
type Room struct {
	ID             string
	Name           string
	HostID         string
	OriginalHostID string
	CreatedAt      int64

	Members  []*protocol.RoomMember
	Messages []*protocol.ChatMessage

	byID        map[string]*protocol.ChatMessage
	provisional map[string]*protocol.ChatMessage

	nextPriority  int
	localPriority int

	lastPong     time.Time
	hb           *time.Timer
	degraded     bool
	awaitingHost bool
	pendingHost  string
}

func (r *Room) stopHeartbeat() {
	if r.hb != nil {
		r.hb.Stop()
		r.hb = nil
	}
}

func (r *Room) member(peerID string) *protocol.RoomMember {
	for _, m := range r.Members {
		if m.PeerID == peerID {
			return m
		}
	}
	return nil
}

// RoomState is a caller-facing snapshot of a room
type RoomState struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	HostID         string                  `json:"hostId"`
	OriginalHostID string                  `json:"originalHostId"`
	CreatedAt      int64                   `json:"createdAt"`
	Degraded       bool                    `json:"degraded"`
	Members        []*protocol.RoomMember  `json:"members"`
	Messages       []*protocol.ChatMessage `json:"messages"`
}

// ElectHost deterministically picks the migration winner: the member
// with the numerically lowest priority among those online and not the
// presumed-dead host. Every surviving member computes the same result
// from the same list, so no voting round is needed. Returns nil when
// no candidate is eligible.
func ElectHost(members []*protocol.RoomMember, deadHostID string) *protocol.RoomMember {
	var winner *protocol.RoomMember
	for _, m := range members {
		if m.PeerID == deadHostID || !m.IsOnline {
			continue
		}
		if winner == nil || m.Priority < winner.Priority {
			winner = m
		}
	}
	return winner
}

// CreateRoom creates a room with the local identity as host. The room
// id derives deterministically from creator, name, and creation time.
func (n *Node) CreateRoom(name string) *RoomState {
	n.mu.Lock()

	createdAt := protocol.NowUnixMilli()
	id := crypto.DeriveRoomID(n.localID, name, createdAt)

	room := &Room{
		ID:             id,
		Name:           name,
		HostID:         n.localID,
		OriginalHostID: n.localID,
		CreatedAt:      createdAt,
		Members: []*protocol.RoomMember{{
			PeerID:   n.localID,
			JoinedAt: createdAt,
			Priority: 0,
			IsHost:   true,
			IsOnline: true,
		}},
		byID:         make(map[string]*protocol.ChatMessage),
		provisional:  make(map[string]*protocol.ChatMessage),
		nextPriority: 1,
	}
	n.rooms[id] = room
	state := snapshotRoom(room)
	n.mu.Unlock()

	log.Printf("✅ Room '%s' created (%s)", name, id)
	return state
}

// JoinRoom asks a room's host for admission. The request is queued if
// no connection to the host is open yet.
func (n *Node) JoinRoom(roomID, hostID, displayName string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrNodeClosed
	}
	if _, joined := n.rooms[roomID]; joined {
		return nil
	}
	n.sendOrQueue(hostID, &protocol.RoomJoinRequest{RoomID: roomID, Name: displayName})
	return nil
}

// LeaveRoom exits a room. A host leaving closes the room for everyone;
// a member leaving notifies the host, which rebroadcasts.
func (n *Node) LeaveRoom(roomID string) error {
	n.mu.Lock()

	room := n.rooms[roomID]
	if room == nil {
		n.mu.Unlock()
		return ErrUnknownRoom
	}

	if room.HostID == n.localID {
		for _, m := range room.Members {
			if m.PeerID == n.localID {
				continue
			}
			n.sendOrQueue(m.PeerID, &protocol.RoomClose{RoomID: roomID})
		}
	} else if room.HostID != "" {
		if err := n.sendLocked(room.HostID, &protocol.RoomMemberLeft{RoomID: roomID, PeerID: n.localID}); err != nil {
			log.Printf("Failed to notify host of leave: %v", err)
		}
	}

	room.stopHeartbeat()
	delete(n.rooms, roomID)
	n.mu.Unlock()

	log.Printf("Left room %s", roomID)
	return nil
}

// SendRoomMessage sends a message into a room. The host appends and
// fans out immediately; a member relays through the host and keeps the
// message provisional until the host's rebroadcast confirms it.
func (n *Node) SendRoomMessage(roomID, content string, msgType protocol.MessageType, file *protocol.FileInfo) (*protocol.ChatMessage, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	room := n.rooms[roomID]
	if room == nil {
		return nil, ErrUnknownRoom
	}
	if room.degraded || room.HostID == "" {
		return nil, ErrRoomDegraded
	}
	if msgType == "" {
		msgType = protocol.MessageTypeText
	}

	msg := &protocol.ChatMessage{
		ID:        protocol.GenerateMessageID(),
		SenderID:  n.localID,
		Content:   content,
		Timestamp: protocol.NowUnixMilli(),
		Type:      msgType,
		File:      file,
	}
	frame := &protocol.RoomMessage{
		RoomID:    roomID,
		MessageID: msg.ID,
		SenderID:  n.localID,
		Content:   content,
		MsgType:   msgType,
		Timestamp: msg.Timestamp,
		File:      file,
	}

	if room.HostID == n.localID {
		// Host copy is authoritative from the start.
		msg.Status = protocol.MessageStatusDelivered
		room.Messages = append(room.Messages, msg)
		room.byID[msg.ID] = msg
		for _, m := range room.Members {
			if m.PeerID == n.localID {
				continue
			}
			n.sendOrQueue(m.PeerID, frame)
		}
		return msg, nil
	}

	if err := n.sendLocked(room.HostID, frame); err != nil {
		msg.Status = protocol.MessageStatusFailed
	} else {
		// Provisional until the host rebroadcasts it back to us.
		msg.Status = protocol.MessageStatusSending
		room.provisional[msg.ID] = msg
	}
	room.Messages = append(room.Messages, msg)
	room.byID[msg.ID] = msg
	return msg, nil
}

// RoomInfo returns a snapshot of one room, or nil
func (n *Node) RoomInfo(roomID string) *RoomState {
	n.mu.Lock()
	defer n.mu.Unlock()

	room := n.rooms[roomID]
	if room == nil {
		return nil
	}
	return snapshotRoom(room)
}

// Rooms returns snapshots of all joined rooms
func (n *Node) Rooms() []*RoomState {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]*RoomState, 0, len(n.rooms))
	for _, room := range n.rooms {
		out = append(out, snapshotRoom(room))
	}
	return out
}

func snapshotRoom(room *Room) *RoomState {
	members := make([]*protocol.RoomMember, len(room.Members))
	for i, m := range room.Members {
		cp := *m
		members[i] = &cp
	}
	msgs := make([]*protocol.ChatMessage, len(room.Messages))
	for i, m := range room.Messages {
		cp := *m
		msgs[i] = &cp
	}
	return &RoomState{
		ID:             room.ID,
		Name:           room.Name,
		HostID:         room.HostID,
		OriginalHostID: room.OriginalHostID,
		CreatedAt:      room.CreatedAt,
		Degraded:       room.degraded,
		Members:        members,
		Messages:       msgs,
	}
}

// ===== INBOUND ROOM PROTOCOL =====

func (n *Node) handleRoomJoinRequest(peerID string, f *protocol.RoomJoinRequest) {
	n.mu.Lock()

	room := n.rooms[f.RoomID]
	if room == nil || room.HostID != n.localID {
		n.mu.Unlock()
		return
	}

	if existing := room.member(peerID); existing != nil {
		// Rejoin after a drop: refresh presence and resend state.
		existing.IsOnline = true
		n.sendRoomAcceptLocked(room, peerID, existing.Priority)
		n.mu.Unlock()
		return
	}

	if len(room.Members) >= n.cfg.RoomCapacity {
		if err := n.sendLocked(peerID, &protocol.RoomJoinReject{RoomID: f.RoomID, Reason: "room full"}); err != nil {
			log.Printf("Failed to send join reject: %v", err)
		}
		n.mu.Unlock()
		return
	}

	member := &protocol.RoomMember{
		PeerID:   peerID,
		Name:     f.Name,
		JoinedAt: protocol.NowUnixMilli(),
		Priority: room.nextPriority,
		IsOnline: true,
	}
	room.nextPriority++
	room.Members = append(room.Members, member)

	n.sendRoomAcceptLocked(room, peerID, member.Priority)
	for _, m := range room.Members {
		if m.PeerID == n.localID || m.PeerID == peerID {
			continue
		}
		n.sendOrQueue(m.PeerID, &protocol.RoomMemberJoined{RoomID: room.ID, Member: member})
	}
	n.mu.Unlock()

	log.Printf("✅ %s joined room %s (priority %d)", peerID, room.ID, member.Priority)
	n.notify(Notice{Kind: NoticeRoomMemberEvent, RoomID: room.ID, PeerID: peerID, Text: "joined"})
}

// sendRoomAcceptLocked replies with the authoritative room state.
// Caller holds n.mu.
func (n *Node) sendRoomAcceptLocked(room *Room, peerID string, priority int) {
	if err := n.sendLocked(peerID, &protocol.RoomJoinAccept{
		RoomID:       room.ID,
		RoomName:     room.Name,
		HostID:       room.HostID,
		OriginalHost: room.OriginalHostID,
		Members:      room.Members,
		Messages:     room.Messages,
		YourPriority: priority,
	}); err != nil {
		log.Printf("Failed to send join accept to %s: %v", peerID, err)
	}
}

func (n *Node) handleRoomJoinAccept(peerID string, f *protocol.RoomJoinAccept) {
	n.mu.Lock()

	if peerID != f.HostID {
		n.mu.Unlock()
		return
	}
	if _, joined := n.rooms[f.RoomID]; joined {
		n.mu.Unlock()
		return
	}

	members := make([]*protocol.RoomMember, len(f.Members))
	next := 0
	for i, m := range f.Members {
		cp := *m
		members[i] = &cp
		if m.Priority >= next {
			next = m.Priority + 1
		}
	}

	room := &Room{
		ID:             f.RoomID,
		Name:           f.RoomName,
		HostID:         f.HostID,
		OriginalHostID: f.OriginalHost,
		CreatedAt:      protocol.NowUnixMilli(),
		Members:        members,
		byID:           make(map[string]*protocol.ChatMessage),
		provisional:    make(map[string]*protocol.ChatMessage),
		nextPriority:   next,
		localPriority:  f.YourPriority,
		lastPong:       time.Now(),
	}
	for _, m := range f.Messages {
		cp := *m
		room.Messages = append(room.Messages, &cp)
		room.byID[cp.ID] = &cp
	}
	n.rooms[f.RoomID] = room
	n.armHeartbeatLocked(room)
	n.mu.Unlock()

	log.Printf("✅ Joined room '%s' (%s), host %s", f.RoomName, f.RoomID, f.HostID)
	n.notify(Notice{Kind: NoticeRoomJoined, RoomID: f.RoomID, PeerID: f.HostID})
}

func (n *Node) handleRoomJoinReject(peerID string, f *protocol.RoomJoinReject) {
	log.Printf("⚠️  Join to room %s rejected by %s: %s", f.RoomID, peerID, f.Reason)
	n.notify(Notice{Kind: NoticeRoomJoinFailed, RoomID: f.RoomID, PeerID: peerID, Text: f.Reason})
}

func (n *Node) handleRoomMessage(peerID string, f *protocol.RoomMessage) {
	n.mu.Lock()

	room := n.rooms[f.RoomID]
	if room == nil {
		n.mu.Unlock()
		return
	}

	if room.HostID == n.localID {
		// Relay: tag the true sender, append, fan out to everyone else.
		if room.member(peerID) == nil {
			n.mu.Unlock()
			return
		}
		if _, dup := room.byID[f.MessageID]; dup {
			n.mu.Unlock()
			return
		}
		msg := &protocol.ChatMessage{
			ID:         f.MessageID,
			SenderID:   peerID,
			Content:    f.Content,
			Timestamp:  f.Timestamp,
			ReceivedAt: protocol.NowUnixMilli(),
			Status:     protocol.MessageStatusDelivered,
			Type:       f.MsgType,
			File:       f.File,
		}
		room.Messages = append(room.Messages, msg)
		room.byID[msg.ID] = msg

		relay := &protocol.RoomMessage{
			RoomID:    f.RoomID,
			MessageID: f.MessageID,
			SenderID:  peerID,
			Content:   f.Content,
			MsgType:   f.MsgType,
			Timestamp: f.Timestamp,
			File:      f.File,
		}
		for _, m := range room.Members {
			if m.PeerID == n.localID {
				continue
			}
			n.sendOrQueue(m.PeerID, relay)
		}
		n.mu.Unlock()

		n.notify(Notice{Kind: NoticeRoomMessage, RoomID: f.RoomID, PeerID: peerID, Message: msg})
		return
	}

	// Member path: only the host relays to us.
	if peerID != room.HostID {
		n.mu.Unlock()
		return
	}

	if f.SenderID == n.localID {
		// Our own message echoed back: the host copy confirms it.
		if msg, ok := room.provisional[f.MessageID]; ok {
			msg.Status = protocol.MessageStatusDelivered
			msg.Timestamp = f.Timestamp
			delete(room.provisional, f.MessageID)
			n.mu.Unlock()
			n.notify(Notice{Kind: NoticeMessageStatus, RoomID: f.RoomID, Message: msg, Status: msg.Status})
			return
		}
		n.mu.Unlock()
		return
	}

	if _, dup := room.byID[f.MessageID]; dup {
		n.mu.Unlock()
		return
	}
	msg := &protocol.ChatMessage{
		ID:         f.MessageID,
		SenderID:   f.SenderID,
		Content:    f.Content,
		Timestamp:  f.Timestamp,
		ReceivedAt: protocol.NowUnixMilli(),
		Status:     protocol.MessageStatusDelivered,
		Type:       f.MsgType,
		File:       f.File,
	}
	room.Messages = append(room.Messages, msg)
	room.byID[msg.ID] = msg
	n.mu.Unlock()

	n.notify(Notice{Kind: NoticeRoomMessage, RoomID: f.RoomID, PeerID: f.SenderID, Message: msg})
}

func (n *Node) handleRoomMemberJoined(peerID string, f *protocol.RoomMemberJoined) {
	n.mu.Lock()

	room := n.rooms[f.RoomID]
	if room == nil || peerID != room.HostID {
		n.mu.Unlock()
		return
	}
	if room.member(f.Member.PeerID) == nil {
		cp := *f.Member
		room.Members = append(room.Members, &cp)
		if cp.Priority >= room.nextPriority {
			room.nextPriority = cp.Priority + 1
		}
	}
	n.mu.Unlock()

	n.notify(Notice{Kind: NoticeRoomMemberEvent, RoomID: f.RoomID, PeerID: f.Member.PeerID, Text: "joined"})
}

func (n *Node) handleRoomMemberLeft(peerID string, f *protocol.RoomMemberLeft) {
	n.mu.Lock()

	room := n.rooms[f.RoomID]
	if room == nil {
		n.mu.Unlock()
		return
	}

	if room.HostID == n.localID {
		// Members may only remove themselves.
		if peerID != f.PeerID {
			n.mu.Unlock()
			return
		}
		room.removeMember(f.PeerID)
		for _, m := range room.Members {
			if m.PeerID == n.localID {
				continue
			}
			n.sendOrQueue(m.PeerID, &protocol.RoomMemberLeft{RoomID: f.RoomID, PeerID: f.PeerID})
		}
	} else {
		if peerID != room.HostID {
			n.mu.Unlock()
			return
		}
		room.removeMember(f.PeerID)
	}
	n.mu.Unlock()

	log.Printf("%s left room %s", f.PeerID, f.RoomID)
	n.notify(Notice{Kind: NoticeRoomMemberEvent, RoomID: f.RoomID, PeerID: f.PeerID, Text: "left"})
}

func (r *Room) removeMember(peerID string) {
	for i, m := range r.Members {
		if m.PeerID == peerID {
			r.Members = append(r.Members[:i], r.Members[i+1:]...)
			return
		}
	}
}

func (n *Node) handleRoomClose(peerID string, f *protocol.RoomClose) {
	n.mu.Lock()

	room := n.rooms[f.RoomID]
	if room == nil || peerID != room.HostID {
		n.mu.Unlock()
		return
	}
	room.stopHeartbeat()
	delete(n.rooms, f.RoomID)
	n.mu.Unlock()

	log.Printf("Room %s closed by host", f.RoomID)
	n.notify(Notice{Kind: NoticeRoomClosed, RoomID: f.RoomID, PeerID: peerID})
}

func (n *Node) handleRoomPing(peerID string, f *protocol.RoomPing) {
	n.mu.Lock()
	defer n.mu.Unlock()

	room := n.rooms[f.RoomID]
	if room == nil || room.HostID != n.localID {
		return
	}
	if m := room.member(peerID); m != nil {
		m.IsOnline = true
	}
	if err := n.sendLocked(peerID, &protocol.RoomPong{RoomID: f.RoomID}); err != nil {
		log.Printf("Failed to send pong to %s: %v", peerID, err)
	}
}

func (n *Node) handleRoomPong(peerID string, f *protocol.RoomPong) {
	n.mu.Lock()
	defer n.mu.Unlock()

	room := n.rooms[f.RoomID]
	if room != nil && peerID == room.HostID {
		room.lastPong = time.Now()
	}
}

func (n *Node) handleRoomHostChanged(peerID string, f *protocol.RoomHostChanged) {
	n.mu.Lock()

	room := n.rooms[f.RoomID]
	if room == nil || peerID != f.NewHostID {
		n.mu.Unlock()
		return
	}

	oldHost := room.HostID
	members := make([]*protocol.RoomMember, len(f.Members))
	for i, m := range f.Members {
		cp := *m
		members[i] = &cp
	}
	room.Members = members
	room.HostID = f.NewHostID
	room.awaitingHost = false
	room.pendingHost = ""
	room.degraded = false
	if m := room.member(oldHost); m != nil {
		m.IsOnline = false
		m.IsHost = false
	}

	if f.NewHostID != n.localID {
		room.lastPong = time.Now()
		n.armHeartbeatLocked(room)
	}
	n.mu.Unlock()

	log.Printf("🔄 Room %s host changed to %s", f.RoomID, f.NewHostID)
	n.notify(Notice{Kind: NoticeRoomHostChanged, RoomID: f.RoomID, PeerID: f.NewHostID})
}

// ===== HEARTBEAT & MIGRATION =====

// armHeartbeatLocked schedules the next member heartbeat tick.
// Caller holds n.mu.
func (n *Node) armHeartbeatLocked(room *Room) {
	room.stopHeartbeat()
	roomID := room.ID
	room.hb = time.AfterFunc(n.cfg.HeartbeatInterval, func() {
		n.onHeartbeat(roomID)
	})
}

// onHeartbeat pings the host and checks pong freshness. Silence beyond
// HostTimeout triggers unilateral migration.
func (n *Node) onHeartbeat(roomID string) {
	n.mu.Lock()

	room := n.rooms[roomID]
	if room == nil || n.closed {
		n.mu.Unlock()
		return
	}
	if room.HostID == n.localID || room.degraded || room.awaitingHost {
		n.mu.Unlock()
		return
	}

	if time.Since(room.lastPong) > n.cfg.HostTimeout {
		n.migrateLocked(room)
		n.mu.Unlock()
		return
	}

	n.sendOrQueue(room.HostID, &protocol.RoomPing{RoomID: roomID})
	n.armHeartbeatLocked(room)
	n.mu.Unlock()
}

// migrateLocked runs the deterministic host election after the host
// went silent. Caller holds n.mu.
func (n *Node) migrateLocked(room *Room) {
	deadHost := room.HostID
	log.Printf("⚠️  Room %s host %s unreachable, starting migration", room.ID, deadHost)

	if m := room.member(deadHost); m != nil {
		m.IsOnline = false
		m.IsHost = false
	}

	winner := ElectHost(room.Members, deadHost)
	if winner == nil {
		// Nobody eligible: the room stays readable but cannot relay.
		room.degraded = true
		room.HostID = ""
		room.stopHeartbeat()
		log.Printf("⚠️  Room %s has no eligible host, entering degraded state", room.ID)
		n.notify(Notice{Kind: NoticeRoomDegraded, RoomID: room.ID})
		return
	}

	if winner.PeerID != n.localID {
		// The winner pushes room_host_changed; we wait for it, but only
		// for so long. Our presence view of the winner can be stale, so
		// silence past HostTimeout marks it offline and re-elects.
		room.awaitingHost = true
		room.pendingHost = winner.PeerID
		room.stopHeartbeat()
		roomID := room.ID
		room.hb = time.AfterFunc(n.cfg.HostTimeout, func() {
			n.onAwaitHostTimeout(roomID)
		})
		return
	}

	// We won: promote ourselves and push the new topology to everyone.
	winner.IsHost = true
	room.HostID = n.localID
	room.stopHeartbeat()

	change := &protocol.RoomHostChanged{
		RoomID:    room.ID,
		NewHostID: n.localID,
		Members:   room.Members,
	}
	for _, m := range room.Members {
		if m.PeerID == n.localID || m.PeerID == deadHost || !m.IsOnline {
			continue
		}
		n.sendOrQueue(m.PeerID, change)
	}

	log.Printf("✅ Promoted to host of room %s", room.ID)
	n.notify(Notice{Kind: NoticeRoomHostChanged, RoomID: room.ID, PeerID: n.localID})
}

// onAwaitHostTimeout fires when the elected winner never announced
// itself. The winner is presumed dead too: mark it offline and run the
// election again over the remaining members.
func (n *Node) onAwaitHostTimeout(roomID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	room := n.rooms[roomID]
	if room == nil || n.closed || !room.awaitingHost {
		return
	}
	if m := room.member(room.pendingHost); m != nil {
		m.IsOnline = false
	}
	room.awaitingHost = false
	room.pendingHost = ""
	n.migrateLocked(room)
}

// markRoomPresence updates member presence in every room when a direct
// connection opens or closes. Caller holds n.mu.
func (n *Node) markRoomPresence(peerID string, online bool) {
	for _, room := range n.rooms {
		if m := room.member(peerID); m != nil {
			m.IsOnline = online
		}
	}
}
