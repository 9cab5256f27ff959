package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// ErrOperatorOOM is returned when an operator reports GPU memory
// exhaustion (HTTP 507). The caller shrinks the sub-batch and retries once.
var ErrOperatorOOM = errors.New("operator out of memory")

// operatorTimeout is the hard inference deadline; a slower operator is
// treated like an OOM and handled by the same degradation path.
const operatorTimeout = 500 * time.Millisecond

// RawDetection is one detector output: bbox in input pixel coordinates plus
// class confidence.
type RawDetection struct {
	BBox [4]float64 `json:"bbox"`
	Conf float64    `json:"conf"`
}

// Detector is the external person-detection operator.
// Contract: (B,3,640,640) float32 CHW in, B lists of detections out,
// <= 50ms at B=4.
type Detector interface {
	Detect(ctx context.Context, tensor []float32, batch int) ([][]RawDetection, error)
}

// Embedder is the external face-embedding operator.
// Contract: (C,3,112,112) float32 CHW in, C 512-dim L2-normalized vectors
// out, <= 20ms at C=16.
type Embedder interface {
	Embed(ctx context.Context, tensor []float32, count int) ([][]float32, error)
}

// HTTPDetector invokes a detector served over HTTP: the tensor travels as
// little-endian float32 with the shape in a header, detections come back as
// JSON.
type HTTPDetector struct {
	url    string
	client *http.Client
}

func NewHTTPDetector(url string) *HTTPDetector {
	return &HTTPDetector{url: url, client: &http.Client{Timeout: operatorTimeout}}
}

func (d *HTTPDetector) Detect(ctx context.Context, tensor []float32, batch int) ([][]RawDetection, error) {
	shape := fmt.Sprintf("%d,3,%d,%d", batch, detectorEdge, detectorEdge)
	var out struct {
		Detections [][]RawDetection `json:"detections"`
	}
	if err := postTensor(ctx, d.client, d.url+"/v1/detect", shape, tensor, &out); err != nil {
		return nil, err
	}
	if len(out.Detections) != batch {
		return nil, fmt.Errorf("detector returned %d frame results, want %d", len(out.Detections), batch)
	}
	return out.Detections, nil
}

// HTTPEmbedder invokes the face embedder operator.
type HTTPEmbedder struct {
	url    string
	client *http.Client
}

func NewHTTPEmbedder(url string) *HTTPEmbedder {
	return &HTTPEmbedder{url: url, client: &http.Client{Timeout: operatorTimeout}}
}

func (e *HTTPEmbedder) Embed(ctx context.Context, tensor []float32, count int) ([][]float32, error) {
	shape := fmt.Sprintf("%d,3,%d,%d", count, embedderEdge, embedderEdge)
	var out struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := postTensor(ctx, e.client, e.url+"/v1/embed", shape, tensor, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) != count {
		return nil, fmt.Errorf("embedder returned %d vectors, want %d", len(out.Embeddings), count)
	}
	return out.Embeddings, nil
}

func postTensor(ctx context.Context, client *http.Client, url, shape string, tensor []float32, out any) error {
	body := make([]byte, len(tensor)*4)
	for i, v := range tensor {
		binary.LittleEndian.PutUint32(body[i*4:], math.Float32bits(v))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Tensor-Shape", shape)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("operator call: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusInsufficientStorage:
		return ErrOperatorOOM
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("operator returned HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode operator response: %w", err)
	}
	return nil
}
