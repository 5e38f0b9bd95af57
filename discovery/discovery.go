// Package discovery finds peers on the local network. Each node
// periodically broadcasts a CBOR-encoded announcement packet on a UDP
// port and listens for announcements from other nodes on the same port.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"

	"swarmlink/helper/timer"
	"swarmlink/identity"
)

// Announcement advertises a node's identity and listen address.
type Announcement struct {
	PeerID     identity.PeerID `cbor:"1,keyasint"`
	ListenAddr string          `cbor:"2,keyasint"`
	Name       string          `cbor:"3,keyasint"`
	Version    string          `cbor:"4,keyasint,omitempty"`
}

// Discovered is emitted for every announcement heard from another node.
type Discovered struct {
	Announcement Announcement
	SourceAddr   string
}

// Config configures the discovery service.
type Config struct {
	// UDP port to broadcast on and listen on.
	Port int
	// How often to broadcast our announcement.
	Interval time.Duration
	// Our own announcement.
	Announcement Announcement
}

// Start launches the announcer and listener goroutines. Both exit when
// the context is cancelled. Socket setup errors are returned
// synchronously; everything after that is logged and self-healed.
func Start(ctx context.Context, cfg Config, discovered chan<- Discovered) error {
	listenConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: cfg.Port})
	if err != nil {
		return fmt.Errorf("discovery: bind listener: %w", err)
	}

	sendConn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4bcast, Port: cfg.Port})
	if err != nil {
		listenConn.Close()
		return fmt.Errorf("discovery: bind sender: %w", err)
	}

	packet, err := cbor.Marshal(cfg.Announcement)
	if err != nil {
		listenConn.Close()
		sendConn.Close()
		return fmt.Errorf("discovery: encode announcement: %w", err)
	}

	log.Infof("discovery: announcing on UDP port %d every %v", cfg.Port, cfg.Interval)

	go announce(ctx, sendConn, packet, cfg.Interval)
	go listen(ctx, listenConn, cfg.Announcement.PeerID, discovered)

	return nil
}

func announce(ctx context.Context, conn *net.UDPConn, packet []byte, interval time.Duration) {
	defer conn.Close()

	iv := &timer.Interval{Duration: interval, Jitter: interval / 10}
	_ = timer.RunWithTicker(ctx, iv, func(context.Context) error {
		if _, err := conn.Write(packet); err != nil {
			log.Debugf("discovery: announce failed: %v", err)
		}
		return nil
	})

	log.Debugf("discovery: announcer shutting down")
}

func listen(ctx context.Context, conn *net.UDPConn, self identity.PeerID, discovered chan<- Discovered) {
	// Closing the socket is what unblocks ReadFromUDP on shutdown.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	conn.SetReadBuffer(2048)
	buf := make([]byte, 2048)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Warnf("discovery: recv error: %v", err)
			}
			log.Debugf("discovery: listener shutting down")
			return
		}

		var ann Announcement
		if err := cbor.Unmarshal(buf[:n], &ann); err != nil {
			log.Debugf("discovery: bad packet from %s: %v", src, err)
			continue
		}

		// Broadcasts loop back; drop our own announcements.
		if ann.PeerID == self {
			continue
		}

		log.Debugf("discovery: heard '%s' at %s", ann.Name, src)

		select {
		case discovered <- Discovered{Announcement: ann, SourceAddr: src.String()}:
		case <-ctx.Done():
			return
		}
	}
}
