package webrtc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	ScreenTrackID  = "screen"
	ScreenStreamID = "remotelink"

	maxRTPPacket = 1500
)

// CodecMimeType maps a codec name from configuration to a pion MIME type.
func CodecMimeType(name string) (string, error) {
	switch strings.ToLower(name) {
	case "", "vp8":
		return webrtc.MimeTypeVP8, nil
	case "vp9":
		return webrtc.MimeTypeVP9, nil
	case "h264":
		return webrtc.MimeTypeH264, nil
	default:
		return "", fmt.Errorf("unsupported codec %q", name)
	}
}

// RTPCapture feeds RTP packets from an external encoder, received on a
// local UDP socket, into the host's screen track. The encoder itself
// (ffmpeg, gstreamer) runs outside this process.
type RTPCapture struct {
	track  *webrtc.TrackLocalStaticRTP
	conn   net.PacketConn
	logger *zap.SugaredLogger

	once sync.Once
	done chan struct{}
}

func NewRTPCapture(listenAddr, codec string, logger *zap.SugaredLogger) (*RTPCapture, error) {
	mime, err := CodecMimeType(codec)
	if err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mime},
		ScreenTrackID,
		ScreenStreamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create screen track: %w", err)
	}

	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for rtp on %s: %w", listenAddr, err)
	}

	c := &RTPCapture{
		track:  track,
		conn:   conn,
		logger: logger,
		done:   make(chan struct{}),
	}
	go c.forward()

	logger.Infow("screen capture listening", "addr", conn.LocalAddr().String(), "codec", mime)
	return c, nil
}

func (c *RTPCapture) Track() *webrtc.TrackLocalStaticRTP { return c.track }

func (c *RTPCapture) Addr() net.Addr { return c.conn.LocalAddr() }

func (c *RTPCapture) forward() {
	defer close(c.done)

	buf := make([]byte, maxRTPPacket)
	for {
		n, _, err := c.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.logger.Warnw("rtp capture read failed", "error", err)
			}
			return
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			c.logger.Debugw("dropping malformed rtp packet", "error", err, "size", n)
			continue
		}
		// Closed pipes just mean no peer is bound yet.
		if err := c.track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			c.logger.Warnw("failed to write screen packet", "error", err)
		}
	}
}

// Release stops the capture. It is safe to call more than once.
func (c *RTPCapture) Release() error {
	var err error
	c.once.Do(func() {
		err = c.conn.Close()
		<-c.done
	})
	return err
}
