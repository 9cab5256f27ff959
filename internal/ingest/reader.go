package ingest

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"

	"github.com/technosupport/trinetra/internal/config"
)

const (
	readerQueueCap   = 30
	rtspReadTimeout  = 5 * time.Second
	reconnectFloor   = 1 * time.Second
	reconnectCeiling = 30 * time.Second
)

// rawFrame is a camera frame as received, before validation and resize.
type rawFrame struct {
	jpeg      []byte
	captureTS time.Time // wall clock at receive
	cameraTS  time.Time // absolute camera time from RTCP sender reports; zero when unknown
}

// Reader owns all RTSP decoder state for one camera. It keeps a session
// open over TCP, reassembles MJPEG frames, and hands them to a bounded
// in-process queue that prefers freshness: when full, the oldest queued
// frame is dropped.
type Reader struct {
	cam config.Camera
	out chan rawFrame
}

func NewReader(cam config.Camera) *Reader {
	return &Reader{cam: cam, out: make(chan rawFrame, readerQueueCap)}
}

// Frames is the queue consumed by the per-camera pipeline.
func (r *Reader) Frames() <-chan rawFrame {
	return r.out
}

// Run keeps the RTSP session alive until ctx is cancelled, reconnecting
// with exponential backoff 1s -> 30s, reset after a session that delivered
// at least one frame.
func (r *Reader) Run(ctx context.Context) {
	delay := reconnectFloor
	for {
		delivered, err := r.session(ctx)
		if ctx.Err() != nil {
			return
		}
		metricReconnects.WithLabelValues(r.cam.ID).Inc()
		log.Printf("[WARN] Reader (%s): stream lost (%v), reconnecting in %s", r.cam.ID, err, delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delivered {
			delay = reconnectFloor
		} else if delay *= 2; delay > reconnectCeiling {
			delay = reconnectCeiling
		}
	}
}

// session runs one RTSP connect/describe/setup/play cycle and blocks until
// the session dies. Returns whether any frame was delivered.
func (r *Reader) session(ctx context.Context) (bool, error) {
	u, err := base.ParseURL(r.cam.RTSPURL)
	if err != nil {
		return false, err
	}

	transport := gortsplib.TransportTCP
	client := &gortsplib.Client{
		Transport:   &transport,
		ReadTimeout: rtspReadTimeout,
	}
	if err := client.Start(u.Scheme, u.Host); err != nil {
		return false, err
	}
	defer client.Close()

	desc, _, err := client.Describe(u)
	if err != nil {
		return false, err
	}

	var forma *format.MJPEG
	medi := desc.FindFormat(&forma)
	if medi == nil {
		return false, errors.New("no MJPEG track in RTSP description")
	}

	rtpDec, err := forma.CreateDecoder()
	if err != nil {
		return false, err
	}

	if _, err := client.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		return false, err
	}

	delivered := false
	client.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		jpegBytes, err := rtpDec.Decode(pkt)
		if err != nil {
			// Mid-frame packets error until the frame completes; not a fault.
			return
		}
		f := rawFrame{jpeg: jpegBytes, captureTS: time.Now()}
		if ntp, ok := client.PacketNTP(medi, pkt); ok {
			f.cameraTS = ntp
		}
		r.push(f)
		delivered = true
	})

	if _, err := client.Play(nil); err != nil {
		return delivered, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	return delivered, client.Wait()
}

// push enqueues with drop-oldest semantics.
func (r *Reader) push(f rawFrame) {
	for {
		select {
		case r.out <- f:
			return
		default:
			select {
			case <-r.out:
				metricFramesDropped.WithLabelValues(r.cam.ID, dropReasonQueueFull).Inc()
			default:
			}
		}
	}
}
