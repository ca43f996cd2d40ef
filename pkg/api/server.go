// Package api exposes the chat node over HTTP for local frontends
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meshtalk/meshtalk-node/pkg/network"
	"github.com/meshtalk/meshtalk-node/pkg/protocol"
)

// Config holds server configuration
type Config struct {
	Port         int
	EnableCORS   bool
	RateLimit    int // requests per minute
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		EnableCORS:   true,
		RateLimit:    300,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the HTTP front of a chat node
type Server struct {
	node       *network.Node
	router     *gin.Engine
	port       int
	httpServer *http.Server
	hub        *noticeHub
}

// NewServer creates the HTTP API server around a running node
func NewServer(node *network.Node, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		node:   node,
		router: router,
		port:   config.Port,
		hub:    newNoticeHub(),
	}

	if config.EnableCORS {
		router.Use(CORSMiddleware())
	}
	router.Use(RateLimitMiddleware(config.RateLimit))
	router.Use(LoggingMiddleware())
	router.Use(gin.Recovery())

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		node := v1.Group("/node")
		{
			node.GET("/info", s.handleNodeInfo)
		}

		peers := v1.Group("/peers")
		{
			peers.GET("", s.handlePeers)
			peers.POST("/:peerID/connect", s.handleConnect)
			peers.DELETE("/:peerID/connect", s.handleDisconnect)
			peers.GET("/:peerID/messages", s.handleMessages)
			peers.POST("/:peerID/messages", s.handleSendMessage)
			peers.POST("/:peerID/messages/:messageID/resend", s.handleResend)
			peers.POST("/:peerID/messages/:messageID/read", s.handleMarkRead)
			peers.POST("/:peerID/typing", s.handleTyping)
			peers.GET("/:peerID/sync", s.handleSyncState)
			peers.POST("/:peerID/sync", s.handleSyncRequest)
			peers.POST("/:peerID/sync/accept", s.handleSyncAccept)
			peers.POST("/:peerID/sync/reject", s.handleSyncReject)
			peers.DELETE("/:peerID/sync", s.handleSyncCancel)
		}

		rooms := v1.Group("/rooms")
		{
			rooms.GET("", s.handleRooms)
			rooms.POST("", s.handleCreateRoom)
			rooms.POST("/join", s.handleJoinRoom)
			rooms.GET("/:roomID", s.handleRoomInfo)
			rooms.DELETE("/:roomID", s.handleLeaveRoom)
			rooms.POST("/:roomID/messages", s.handleSendRoomMessage)
		}
	}

	s.router.GET("/ws", s.handleWebSocket)
	s.router.GET("/health", s.handleHealth)
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.hub.pump(ctx, s.node.Notices())

	go func() {
		log.Printf("🌐 HTTP API listening on port %d", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("❌ API server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Stop shuts the server down immediately
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// ===== NODE =====

func (s *Server) handleNodeInfo(c *gin.Context) {
	info := gin.H{
		"id":    s.node.LocalID(),
		"peers": len(s.node.Peers()),
		"rooms": len(s.node.Rooms()),
	}
	if err := s.node.FatalErr(); err != nil {
		info["fatalError"] = err.Error()
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: info})
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.node.FatalErr(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "fatal", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ===== PEERS =====

type peerView struct {
	PeerID string `json:"peerId"`
	State  string `json:"state"`
}

func (s *Server) handlePeers(c *gin.Context) {
	ids := s.node.Peers()
	peers := make([]peerView, 0, len(ids))
	for _, id := range ids {
		peers = append(peers, peerView{PeerID: id, State: string(s.node.PeerState(id))})
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: peers})
}

func (s *Server) handleConnect(c *gin.Context) {
	peerID := c.Param("peerID")
	if err := s.node.Connect(peerID); err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Success: true, Message: "connecting"})
}

func (s *Server) handleDisconnect(c *gin.Context) {
	s.node.Disconnect(c.Param("peerID"))
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// ===== MESSAGES =====

type sendMessageRequest struct {
	Content string               `json:"content" binding:"required"`
	MsgType protocol.MessageType `json:"msgType"`
	File    *protocol.FileInfo   `json:"file"`
}

func (s *Server) handleMessages(c *gin.Context) {
	msgs := s.node.Messages(c.Param("peerID"))
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: msgs})
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}

	msg, err := s.node.SendMessage(c.Param("peerID"), req.Content, req.MsgType, req.File)
	if err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, SuccessResponse{Success: true, Data: msg})
}

func (s *Server) handleResend(c *gin.Context) {
	if err := s.node.Resend(c.Param("peerID"), c.Param("messageID")); err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) handleMarkRead(c *gin.Context) {
	if err := s.node.MarkRead(c.Param("peerID"), c.Param("messageID")); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

type typingRequest struct {
	IsTyping bool `json:"isTyping"`
}

func (s *Server) handleTyping(c *gin.Context) {
	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request"})
		return
	}
	if err := s.node.SendTyping(c.Param("peerID"), req.IsTyping); err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// ===== SYNC =====

func (s *Server) handleSyncState(c *gin.Context) {
	session := s.node.SyncState(c.Param("peerID"))
	if session == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no sync session"})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: session})
}

func (s *Server) handleSyncRequest(c *gin.Context) {
	if err := s.node.RequestSync(c.Param("peerID")); err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Success: true})
}

func (s *Server) handleSyncAccept(c *gin.Context) {
	if err := s.node.AcceptSync(c.Param("peerID")); err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) handleSyncReject(c *gin.Context) {
	if err := s.node.RejectSync(c.Param("peerID")); err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) handleSyncCancel(c *gin.Context) {
	if err := s.node.CancelSync(c.Param("peerID")); err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// ===== ROOMS =====

type createRoomRequest struct {
	Name string `json:"name" binding:"required"`
}

type joinRoomRequest struct {
	RoomID string `json:"roomId" binding:"required"`
	HostID string `json:"hostId" binding:"required"`
	Name   string `json:"name"`
}

func (s *Server) handleRooms(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: s.node.Rooms()})
}

func (s *Server) handleCreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}
	room := s.node.CreateRoom(req.Name)
	c.JSON(http.StatusCreated, SuccessResponse{Success: true, Data: room})
}

func (s *Server) handleJoinRoom(c *gin.Context) {
	var req joinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}
	if err := s.node.JoinRoom(req.RoomID, req.HostID, req.Name); err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Success: true, Message: "join requested"})
}

func (s *Server) handleRoomInfo(c *gin.Context) {
	room := s.node.RoomInfo(c.Param("roomID"))
	if room == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown room"})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: room})
}

func (s *Server) handleLeaveRoom(c *gin.Context) {
	if err := s.node.LeaveRoom(c.Param("roomID")); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) handleSendRoomMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}
	msg, err := s.node.SendRoomMessage(c.Param("roomID"), req.Content, req.MsgType, req.File)
	if err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, SuccessResponse{Success: true, Data: msg})
}
