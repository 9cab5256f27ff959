// check_stream is an operator tool: it probes one RTSP camera URL, plays
// the MJPEG track for a few seconds and reports frame rate and geometry.
// Useful for validating a camera before adding it to cameras.yaml.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"image/jpeg"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"

	"github.com/technosupport/trinetra/internal/config"
)

func main() {
	url := flag.String("url", "", "RTSP URL to probe")
	duration := flag.Duration("duration", 5*time.Second, "how long to sample the stream")
	allow := flag.String("allow", "", "comma-separated CIDR allowlist (empty permits all)")
	flag.Parse()

	if *url == "" {
		flag.Usage()
		os.Exit(2)
	}

	var cidrs []string
	if *allow != "" {
		cidrs = strings.Split(*allow, ",")
	}
	if err := config.ValidateRTSPHost(*url, cidrs); err != nil {
		log.Fatalf("URL rejected: %v", err)
	}

	u, err := base.ParseURL(*url)
	if err != nil {
		log.Fatalf("Bad URL: %v", err)
	}

	transport := gortsplib.TransportTCP
	client := &gortsplib.Client{Transport: &transport, ReadTimeout: 5 * time.Second}
	if err := client.Start(u.Scheme, u.Host); err != nil {
		log.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	desc, _, err := client.Describe(u)
	if err != nil {
		log.Fatalf("Describe failed: %v", err)
	}
	fmt.Printf("session has %d media track(s)\n", len(desc.Medias))

	var forma *format.MJPEG
	medi := desc.FindFormat(&forma)
	if medi == nil {
		log.Fatalf("No MJPEG track found; the ingestor cannot consume this camera")
	}

	rtpDec, err := forma.CreateDecoder()
	if err != nil {
		log.Fatalf("Decoder setup failed: %v", err)
	}
	if _, err := client.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		log.Fatalf("Setup failed: %v", err)
	}

	var frames atomic.Int64
	var lastDims atomic.Value
	client.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		jpegBytes, err := rtpDec.Decode(pkt)
		if err != nil {
			return
		}
		frames.Add(1)
		if cfgImg, err := jpeg.DecodeConfig(bytes.NewReader(jpegBytes)); err == nil {
			lastDims.Store(fmt.Sprintf("%dx%d", cfgImg.Width, cfgImg.Height))
		}
	})

	if _, err := client.Play(nil); err != nil {
		log.Fatalf("Play failed: %v", err)
	}

	time.Sleep(*duration)
	client.Close()

	n := frames.Load()
	fmt.Printf("received %d frames in %s (%.1f fps)\n", n, *duration, float64(n)/duration.Seconds())
	if dims, ok := lastDims.Load().(string); ok {
		fmt.Printf("frame geometry: %s\n", dims)
	}
	if n == 0 {
		os.Exit(1)
	}
}
