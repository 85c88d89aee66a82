package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/xf079/LocalShare/internal/chat"
	"github.com/xf079/LocalShare/internal/config"
	"github.com/xf079/LocalShare/internal/peerconn"
	"github.com/xf079/LocalShare/internal/sigchan"
	"github.com/xf079/LocalShare/internal/transfer"
)

var joinFlags struct {
	server string
	name   string
	room   string
	output string
	stun   string
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and start chatting and sharing files",
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().StringVar(&joinFlags.server, "server", "", "relay server base URL")
	joinCmd.Flags().StringVarP(&joinFlags.name, "name", "n", "", "display name (required)")
	joinCmd.Flags().StringVarP(&joinFlags.room, "room", "r", "", "room id (required)")
	joinCmd.Flags().StringVarP(&joinFlags.output, "output", "o", ".", "directory for received files")
	joinCmd.Flags().StringVar(&joinFlags.stun, "stun", "", "STUN server URL")
	joinCmd.MarkFlagRequired("name")
	joinCmd.MarkFlagRequired("room")
	rootCmd.AddCommand(joinCmd)
}

type registeredUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
}

func register(serverURL, username, roomID string) (*registeredUser, error) {
	body, _ := json.Marshal(map[string]string{"username": username, "roomId": roomID})
	resp, err := http.Post(serverURL+"/api/register", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("register with relay: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("register with relay: unexpected status %d", resp.StatusCode)
	}
	var user registeredUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("decode register response: %w", err)
	}
	return &user, nil
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.Options{
		ServerURL:  joinFlags.server,
		STUNServer: joinFlags.stun,
	})
	if err != nil {
		return err
	}

	user, err := register(cfg.ServerURL, joinFlags.name, joinFlags.room)
	if err != nil {
		return err
	}
	fmt.Printf("registered as %s (%s) in room %s\n", user.Username, user.ID, user.RoomID)

	newEngine := func() *transfer.Engine {
		return transfer.New(transfer.Config{
			ChunkSize:              cfg.ChunkSize,
			MaxConcurrentTransfers: cfg.MaxConcurrentTransfers,
			HighWaterMark:          cfg.HighWaterMark,
			DisableChecksum:        cfg.DisableChecksum,
			RetryAttempts:          cfg.RetryAttempts,
			RetryDelay:             cfg.RetryDelay,
		}, transfer.Callbacks{
			Progress: func(p transfer.Progress) {
				fmt.Printf("\r%s: %d/%d bytes (%.1f KiB/s)", p.FileName, p.TransferredBytes, p.TotalBytes, p.Speed/1024)
			},
			Complete: func(id string, meta transfer.FileMetadata, data []byte) {
				if data == nil {
					fmt.Printf("\nsent %s\n", meta.Name)
					return
				}
				path := filepath.Join(joinFlags.output, meta.Name)
				if err := os.WriteFile(path, data, 0o644); err != nil {
					fmt.Printf("\nfailed to save %s: %v\n", meta.Name, err)
					return
				}
				fmt.Printf("\nreceived %s (%d bytes)\n", path, len(data))
			},
			Failed: func(id string, err error) {
				fmt.Printf("\ntransfer failed: %v\n", err)
			},
			Cancelled: func(id string) {
				fmt.Printf("\ntransfer cancelled\n")
			},
		})
	}
	newChat := func(ch chat.Channel) *chat.Messenger {
		return chat.New(ch, user.Username, func(msg chat.Message) {
			fmt.Printf("[%s] %s\n", msg.From, msg.Text)
		})
	}
	peers := newPeerTable(newEngine, newChat)

	channel := sigchan.New(sigchan.Options{
		URL:                  cfg.WebSocketURL(),
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})

	iceServers := []webrtc.ICEServer{{URLs: cfg.GetSTUNServers()}}
	if turn := cfg.GetTURNServers(); turn != nil {
		username, password := cfg.GetTURNCredentials()
		iceServers = append(iceServers, webrtc.ICEServer{URLs: turn, Username: username, Credential: password})
	}

	orch := peerconn.New(user.ID, channel, webrtc.Configuration{ICEServers: iceServers}, peerconn.Callbacks{
		PeerConnected: func(peerID string) {
			fmt.Printf("peer connected: %s\n", peerID)
		},
		PeerDisconnected: func(peerID string) {
			peers.drop(peerID)
			fmt.Printf("peer disconnected: %s\n", peerID)
		},
		DataChannel: func(peerID string, dc *webrtc.DataChannel) {
			switch dc.Label() {
			case peerconn.ChatChannelLabel:
				peers.attachChat(peerID, transfer.WrapDataChannel(dc))
			case peerconn.FileChannelLabel:
				peers.attachFile(peerID, transfer.WrapDataChannel(dc))
			}
		},
	})
	orch.Bind(channel)

	channel.On(sigchan.EventPeerJoined, func(ev sigchan.Event) {
		fmt.Printf("peer joined room: %s\n", ev.PeerID)
	})
	channel.On(sigchan.EventPeerLeft, func(ev sigchan.Event) {
		fmt.Printf("peer left room: %s\n", ev.PeerID)
	})
	channel.On(sigchan.EventError, func(ev sigchan.Event) {
		fmt.Printf("signaling error: %v\n", ev.Err)
	})

	if err := channel.Connect(user.ID); err != nil {
		return err
	}
	defer func() {
		orch.Destroy()
		channel.Disconnect()
	}()

	fmt.Println("type a message, /send <path> to share a file, /quit to leave")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			return nil
		case strings.HasPrefix(line, "/send "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/send "))
			for peerID, err := range peers.sendFile(path) {
				fmt.Printf("send to %s failed: %v\n", peerID, err)
			}
		default:
			for peerID, err := range peers.sendText(line) {
				fmt.Printf("chat to %s failed: %v\n", peerID, err)
			}
		}
	}
	return scanner.Err()
}
