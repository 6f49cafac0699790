// Command host is a reference desktop host: it keeps a stable identity in
// the keystore, registers with a relay over the device-trust flow, and
// echoes every data payload back to its sender. Useful for exercising a
// relay deployment and as a template for embedding the client wrapper.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/magicianjarden/audiio-relay/internal/envelope"
	"github.com/magicianjarden/audiio-relay/internal/keystore"
	"github.com/magicianjarden/audiio-relay/internal/logging"
	"github.com/magicianjarden/audiio-relay/internal/protocol"
	"github.com/magicianjarden/audiio-relay/internal/relayclient"
)

const passphraseEnv = "AUDIIO_HOST_PASSPHRASE"

func main() {
	relayURL := flag.String("relay", "ws://127.0.0.1:8080/ws", "Relay websocket URL")
	keystorePath := flag.String("keystore", "data/host-keystore.json", "Path to the sealed identity keystore")
	serverName := flag.String("name", "audiio host", "Display name announced to peers")
	autoTrust := flag.Bool("auto-trust", false, "Accept every connecting device (testing only)")
	flag.Parse()

	logger, err := logging.NewLogger("info", true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	passphrase := os.Getenv(passphraseEnv)
	if passphrase == "" {
		logger.Fatal("keystore passphrase unavailable", zap.String("env", passphraseEnv))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := keystore.NewFileBackend(*keystorePath)
	initOrUnlock(logger, backend, passphrase)

	identity, err := keystore.EnsureIdentity(ctx, backend)
	if err != nil {
		logger.Fatal("host identity", zap.Error(err))
	}
	defer identity.Zero()
	logger.Info("host identity ready", zap.String("server_id", identity.Fingerprint))

	client, err := relayclient.New(relayclient.Options{
		URL:             *relayURL,
		Log:             logger,
		ProtocolVersion: protocol.VersionDeviceTrust,
		ServerID:        identity.Fingerprint,
		ServerPublicKey: envelope.EncodeKey(identity.Public[:]),
		ServerName:      *serverName,
		PingInterval:    20 * time.Second,
	})
	if err != nil {
		logger.Fatal("relay client", zap.Error(err))
	}
	client.Start(ctx)
	defer client.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-client.Events():
			if !ok {
				return
			}
			handleEvent(logger, client, ev, *autoTrust)
		}
	}
}

func handleEvent(logger *zap.Logger, client *relayclient.Client, ev relayclient.Event, autoTrust bool) {
	switch ev.Type {
	case relayclient.EventRegistered:
		if ev.RegisteredV2 != nil {
			logger.Info("registered with relay", zap.String("server_id", ev.RegisteredV2.ServerID))
		}
	case relayclient.EventPeerJoined:
		pj := ev.PeerJoined
		logger.Info("device requesting trust",
			zap.String("device_id", pj.DeviceID),
			zap.String("device_name", pj.DeviceName))
		if err := client.RespondTrust(pj.DeviceID, autoTrust); err != nil {
			logger.Warn("trust response failed", zap.Error(err))
		}
	case relayclient.EventPeerLeft:
		logger.Info("peer left", zap.String("peer_id", ev.PeerLeft.PeerID))
	case relayclient.EventData:
		// Echo the opaque payload back to its sender.
		data := ev.Data
		if err := client.SendData(data.From, data.Encrypted, data.Nonce); err != nil {
			logger.Warn("echo failed", zap.Error(err))
		}
	case relayclient.EventError:
		logger.Warn("relay error",
			zap.String("code", ev.RemoteError.Code),
			zap.String("message", ev.RemoteError.Message))
	case relayclient.EventDisconnected:
		logger.Warn("relay link down", zap.Error(ev.Err))
	}
}

func initOrUnlock(logger *zap.Logger, backend *keystore.FileBackend, passphrase string) {
	ctx := context.Background()
	if err := backend.Unlock(ctx, passphrase); err != nil {
		if errors.Is(err, keystore.ErrNotInitialized) {
			if err := backend.Initialize(ctx, passphrase); err != nil {
				logger.Fatal("initialize keystore", zap.Error(err))
			}
			logger.Info("initialized new keystore", zap.String("path", backend.Path()))
			return
		}
		logger.Fatal("unlock keystore", zap.Error(err))
	}
	logger.Info("keystore unlocked")
}
