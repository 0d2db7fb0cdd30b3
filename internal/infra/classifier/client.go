package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/iamedic/ultrasound-capture-service/internal/domain/port"
)

const inputWidth = 224

// Client scores frames against the external classifier over HTTP. Frames are
// downscaled to grayscale model input before upload to keep the round trip
// inside the per-frame budget.
type Client struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger

	mu          sync.Mutex
	healthCheck time.Time
	healthy     bool
}

type predictResponse struct {
	Probability  float64 `json:"probability"`
	ModelVersion string  `json:"model_version"`
}

func NewClient(endpoint string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// IsHealthy probes the classifier's health endpoint, caching a positive
// answer for 30 seconds.
func (c *Client) IsHealthy(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.healthy && time.Since(c.healthCheck) < 30*time.Second {
		return true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.healthy = false
		return false
	}
	defer resp.Body.Close()

	c.healthy = resp.StatusCode == http.StatusOK
	if c.healthy {
		c.healthCheck = time.Now()
	}
	return c.healthy
}

func (c *Client) Predict(ctx context.Context, frame []byte) (port.Prediction, error) {
	payload := c.preprocess(frame)

	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return port.Prediction{}, err
	}
	if _, err := fw.Write(payload); err != nil {
		return port.Prediction{}, err
	}
	if err := w.Close(); err != nil {
		return port.Prediction{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/predict", &b)
	if err != nil {
		return port.Prediction{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return port.Prediction{}, fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return port.Prediction{}, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, string(body))
	}

	var pr predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return port.Prediction{}, fmt.Errorf("decode classifier response: %w", err)
	}
	return port.Prediction{Probability: pr.Probability, ModelVersion: pr.ModelVersion}, nil
}

// preprocess converts the frame to a grayscale thumbnail at the model's input
// width. Frames that fail to decode are sent as-is and left to the classifier
// to reject.
func (c *Client) preprocess(frame []byte) []byte {
	src, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return frame
	}

	bounds := src.Bounds()
	if bounds.Dx() <= inputWidth {
		return frame
	}

	height := bounds.Dy() * inputWidth / bounds.Dx()
	gray := image.NewGray(image.Rect(0, 0, inputWidth, height))
	draw.ApproxBiLinear.Scale(gray, gray.Bounds(), src, bounds, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, gray, &jpeg.Options{Quality: 85}); err != nil {
		return frame
	}
	return out.Bytes()
}
