package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/meshtalk/meshtalk-node/pkg/api"
	"github.com/meshtalk/meshtalk-node/pkg/crypto"
	"github.com/meshtalk/meshtalk-node/pkg/filechunk"
	"github.com/meshtalk/meshtalk-node/pkg/network"
	"github.com/meshtalk/meshtalk-node/pkg/storage"
	"github.com/meshtalk/meshtalk-node/pkg/transport"
)

const (
	defaultP2PPort = 9000
	defaultAPIPort = 8080
	defaultDataDir = "./data"
)

var (
	identity   = flag.String("id", "", "Chat identity to claim on the network (required)")
	p2pPort    = flag.Int("p2p-port", defaultP2PPort, "libp2p listen port")
	apiPort    = flag.Int("api-port", defaultAPIPort, "HTTP API port")
	dataDir    = flag.String("data", defaultDataDir, "Data directory for message history")
	passphrase = flag.String("passphrase", "", "Passphrase for at-rest message encryption")
	bootstrap  = flag.String("bootstrap", "", "Comma-separated bootstrap peer multiaddrs")
	secret     = flag.String("secret", "", "Shared secret for end-to-end session keys")
)

func main() {
	flag.Parse()

	printBanner()

	if *identity == "" {
		log.Fatal("Error: -id flag is required (your chat identity)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// P2P transport
	var bootstrapPeers []string
	if *bootstrap != "" {
		bootstrapPeers = strings.Split(*bootstrap, ",")
	}
	tr, err := transport.NewLibP2P(ctx, &transport.LibP2PConfig{
		Identity:       *identity,
		Port:           *p2pPort,
		BootstrapPeers: bootstrapPeers,
	})
	if err != nil {
		log.Fatalf("Failed to start transport: %v", err)
	}

	// Chat engine
	node := network.NewNode(tr, network.DefaultConfig())

	// Local message archive
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	dbPath := filepath.Join(*dataDir, fmt.Sprintf("meshtalk-%s.db", *identity))
	store, err := storage.Open(dbPath, *passphrase)
	if err != nil {
		log.Fatalf("Failed to open message store: %v", err)
	}
	node.AttachStore(store)
	log.Printf("📬 Message store at %s", dbPath)

	// End-to-end session cipher, keyed lazily per peer
	if *secret != "" {
		node.AttachCipher(newSessionKeyring(*secret, *identity))
	}

	// File transfer over chat connections
	files, err := filechunk.NewService(node)
	if err != nil {
		log.Fatalf("Failed to create file service: %v", err)
	}
	files.OnFile = func(peerID, name, mimeType string, data []byte) {
		path := filepath.Join(*dataDir, "files", name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			log.Printf("❌ Failed to create files directory: %v", err)
			return
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			log.Printf("❌ Failed to save file from %s: %v", peerID, err)
			return
		}
		log.Printf("✅ Saved file '%s' from %s", name, peerID)
	}
	node.AttachFileSink(files)

	node.Start()
	log.Printf("✓ Chat node running as '%s'", *identity)

	// HTTP API for frontends
	server := api.NewServer(node, &api.Config{
		Port:       *apiPort,
		EnableCORS: true,
		RateLimit:  300,
	})
	go func() {
		if err := server.Start(ctx); err != nil {
			log.Printf("API server stopped: %v", err)
		}
	}()

	waitForShutdown(cancel, node, store)
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║              MeshTalk Chat Node v1.0              ║")
	fmt.Println("║        Serverless peer-to-peer messaging          ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

// sessionKeyring derives a per-peer session key from the shared secret
// on first use.
type sessionKeyring struct {
	cipher  *crypto.SessionCipher
	secret  []byte
	localID string
}

func newSessionKeyring(secret, localID string) *sessionKeyring {
	return &sessionKeyring{
		cipher:  crypto.NewSessionCipher(),
		secret:  []byte(secret),
		localID: localID,
	}
}

func (k *sessionKeyring) ensure(peerID string) {
	if !k.cipher.HasKey(peerID) {
		k.cipher.SetKey(peerID, crypto.DeriveSessionKey(k.secret, k.localID, peerID))
	}
}

func (k *sessionKeyring) Encrypt(peerID string, plaintext []byte) ([]byte, error) {
	k.ensure(peerID)
	return k.cipher.Encrypt(peerID, plaintext)
}

func (k *sessionKeyring) Decrypt(peerID string, payload []byte) ([]byte, error) {
	k.ensure(peerID)
	return k.cipher.Decrypt(peerID, payload)
}

func waitForShutdown(cancel context.CancelFunc, node *network.Node, store *storage.MessageDB) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println()
	log.Println("🛑 Shutting down...")

	cancel()
	if err := node.Close(); err != nil {
		log.Printf("⚠️  Node shutdown error: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Printf("⚠️  Store close error: %v", err)
	}

	log.Println("✓ Goodbye")
}
