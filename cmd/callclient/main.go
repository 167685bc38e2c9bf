// Command callclient joins a call room as either participant and drives the
// offer/answer exchange over the signaling relay. Useful for soak-testing
// the transport fallback path without a real mobile device: --network
// cellular forces the polling transport from the start.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/client"
	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/models"
	"github.com/Vitch01/Fields-Inspection-System-sub001/internal/negotiation"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "signaling server base URL")
	callID := flag.String("call", "", "call id or join code")
	role := flag.String("role", models.RoleInspector, "coordinator or inspector")
	mobile := flag.Bool("mobile", false, "behave like a handheld device")
	network := flag.String("network", "wifi", "active network type (wifi, cellular, ethernet)")
	flag.Parse()

	if *callID == "" {
		log.Fatal("call id is required")
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	sig := client.New(client.Options{
		BaseURL: *server,
		Hints: func() client.DeviceHints {
			return client.DeviceHints{Mobile: *mobile, NetworkType: *network}
		},
		Logger: logger,
	})

	peerLeft := make(chan struct{}, 1)

	var orch *negotiation.Orchestrator
	orch = negotiation.New(*role, *callID, func() (negotiation.PeerConnection, error) {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		})
		if err != nil {
			return nil, err
		}
		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c != nil {
				orch.SendLocalCandidate(c.ToJSON())
			}
		})
		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			logger.Info("peer connection state", zap.String("state", s.String()))
		})
		return pc, nil
	}, sig, func() {
		select {
		case peerLeft <- struct{}{}:
		default:
		}
	}, logger)

	sig.OnConnectionStateChange(func(s client.ConnState) {
		logger.Info("signaling state", zap.String("state", string(s)))
	})
	sig.OnMessage(func(msg models.SignalMessage) {
		if msg.Type == models.SignalTypeChatMessage {
			logger.Info("chat", zap.String("from", msg.UserID), zap.ByteString("data", msg.Data))
			return
		}
		orch.HandleMessage(msg)
	})

	if err := sig.Join(*callID, *role, nil); err != nil {
		logger.Fatal("join failed", zap.Error(err))
	}

	// Lines on stdin become chat messages.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text, _ := json.Marshal(map[string]string{"text": scanner.Text()})
			if err := sig.Send(models.SignalMessage{
				Type: models.SignalTypeChatMessage,
				Data: text,
			}); err != nil {
				logger.Warn("chat send failed", zap.Error(err))
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-peerLeft:
			logger.Info("peer left the call")
		case <-stop:
			orch.Close()
			sig.Send(models.SignalMessage{Type: models.SignalTypeLeaveCall})
			sig.Disconnect()
			return
		}
	}
}
