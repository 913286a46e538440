package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"

	"airlink/config"
	"airlink/discovery"
	"airlink/identity"
	"airlink/network"
	"airlink/protocol"
	"airlink/storage"
	"airlink/transfer"
	"airlink/trust"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "airlink",
	})

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logger.Fatal("startup failed while loading config", "err", err)
	}
	dataDir := filepath.Dir(cfgPath)

	keyStore := &identity.DiskKeyStore{
		PrivateKeyPath:  cfg.PrivateKeyPath,
		CertificatePath: cfg.CertificatePath,
		CommonName:      cfg.DeviceName,
	}
	id, err := identity.EnsureIdentity(keyStore)
	if err != nil {
		logger.Fatal("startup failed while preparing device identity", "err", err)
	}

	fingerprint := identity.Fingerprint(id.Certificate)
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			logger.Fatal("startup failed while persisting fingerprint", "err", err)
		}
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logger.Fatal("startup failed while opening database", "err", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("database close failed", "err", err)
		}
	}()

	pins, err := store.PinnedCertificates()
	if err != nil {
		logger.Fatal("startup failed while loading pinned certificates", "err", err)
	}
	trustStore := trust.NewStore(pins, nil)

	coordinator, err := network.NewCoordinator(network.CoordinatorOptions{
		DeviceID:       cfg.DeviceID,
		DeviceName:     cfg.DeviceName,
		Identity:       id,
		Trust:          trustStore,
		Store:          store,
		ListenPortLow:  cfg.ListeningPort,
		ListenPortHigh: cfg.ListeningPort,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("startup failed while building coordinator", "err", err)
	}
	if err := coordinator.Start(); err != nil {
		logger.Fatal("startup failed while opening message listener", "err", err)
	}
	defer coordinator.Stop()

	transfers, err := transfer.NewCoordinator(transfer.Options{
		Certificate: id.TLSCertificate(),
		PortLow:     cfg.TransferPortLow,
		PortHigh:    cfg.TransferPortHigh,
		DownloadDir: cfg.DownloadDir,
		Store:       store,
		SendOffer: func(deviceID string, offer protocol.FileTransferOffer) error {
			return coordinator.Send(deviceID, offer)
		},
		OnProgress: func(p transfer.Progress) {
			logger.Debug("transfer progress",
				"transfer", p.TransferID, "device", p.DeviceID,
				"done", p.BytesDone, "total", p.BytesTotal)
		},
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("startup failed while building transfer coordinator", "err", err)
	}

	coordinator.OnMessage(func(deviceID string, msg protocol.Message) {
		switch m := msg.(type) {
		case *protocol.FileTransferOffer:
			conn := coordinator.Connection(deviceID)
			if conn == nil {
				logger.Warn("transfer offer from device without a connection", "device", deviceID)
				return
			}
			host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
			if err != nil {
				logger.Warn("unusable remote address for transfer", "device", deviceID, "err", err)
				return
			}
			if _, err := transfers.Receive(deviceID, host, *m); err != nil {
				logger.Error("accept transfer failed", "device", deviceID, "err", err)
			}
		case *protocol.Clipboard:
			logger.Info("clipboard received", "device", deviceID, "bytes", len(m.Content))
		case *protocol.Notification:
			logger.Info("notification received", "device", deviceID, "app", m.AppName, "title", m.Title)
		case *protocol.Ping:
			// Liveness only.
		default:
			logger.Debug("unhandled message", "device", deviceID, "type", msg.MessageType())
		}
	})

	logger.Info("device ready",
		"id", cfg.DeviceID,
		"name", cfg.DeviceName,
		"port", coordinator.ListenPort(),
		"config", cfgPath,
		"database", dbPath)

	discoveryService, err := discovery.Start(discovery.Config{
		SelfDeviceID: cfg.DeviceID,
		DeviceName:   cfg.DeviceName,
		ListenPort:   coordinator.ListenPort(),
		Fingerprint:  cfg.KeyFingerprint,
	})
	if err != nil {
		logger.Warn("discovery unavailable", "err", err)
	} else {
		defer discoveryService.Stop()
		go watchDiscovery(logger, discoveryService.Scanner, store)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("running, press Ctrl+C to stop")
	<-ctx.Done()
	logger.Info("shutting down")
}

// watchDiscovery refreshes the stored dial candidates of paired devices as
// they appear on the LAN.
func watchDiscovery(logger *log.Logger, scanner *discovery.Scanner, store *storage.Store) {
	for event := range scanner.Events() {
		switch event.Type {
		case discovery.EventDeviceFound:
			logger.Info("device discovered",
				"id", event.Device.DeviceID,
				"name", event.Device.DeviceName,
				"addresses", event.Device.Addresses,
				"port", event.Device.Port)

			if _, err := store.GetDevice(event.Device.DeviceID); err != nil {
				continue
			}
			addresses := make([]storage.DeviceAddress, 0)
			for i, candidate := range event.Device.Candidates() {
				addresses = append(addresses, storage.DeviceAddress{
					Address:  candidate,
					Priority: i,
					Enabled:  true,
				})
			}
			if err := store.ReplaceAddresses(event.Device.DeviceID, addresses); err != nil {
				logger.Warn("update device addresses failed", "device", event.Device.DeviceID, "err", err)
			}
		case discovery.EventDeviceLost:
			logger.Info("device lost", "id", event.Device.DeviceID)
		}
	}
}
